package handlers_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/harvest-api/internal/handlers"
	"github.com/stanstork/harvest-api/internal/ingest"
	"github.com/stanstork/harvest-api/internal/models"
	"github.com/stanstork/harvest-api/internal/repository/memory"
	"github.com/stanstork/harvest-api/internal/routes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, store *memory.Store, maxBody int64) *httptest.Server {
	t.Helper()
	logger := zerolog.Nop()
	repos := ingest.Repositories{Jobs: store, Records: store, Deliveries: store, Containers: store}
	pipeline := ingest.NewPipeline(repos, ingest.DefaultRules(), ingest.Options{
		Workers:          2,
		FallbackPlatform: ingest.PlatformInstagram,
		SecondaryWindow:  time.Hour,
		MaxInFlight:      1,
	}, nil, logger)

	router := routes.NewRouter(
		handlers.NewHealthHandler(nil, logger),
		handlers.NewWebhookHandler(pipeline, maxBody, 5*time.Second, logger),
		handlers.NewRecordHandler(store, logger),
		handlers.NewJobHandler(store, logger),
		handlers.NewDeliveryHandler(store, pipeline, logger),
	)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, contentType string, body []byte) (*http.Response, ingest.Ack) {
	t.Helper()
	resp, err := http.Post(url, contentType, bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var ack ingest.Ack
	_ = json.NewDecoder(resp.Body).Decode(&ack)
	return resp, ack
}

func TestWebhookAcksDelivery(t *testing.T) {
	store := memory.NewStore()
	corr := "s_http"
	job := store.PutJob(models.Job{ProviderCorrelationID: &corr, Platform: ingest.PlatformTwitter, State: models.JobStateProcessing})
	srv := newServer(t, store, 1<<20)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte(`[{"snapshot_id":"s_http","tweet_id":"1","retweet_count":4,"full_text":"hi"}]`))
	zw.Close()

	resp, ack := post(t, srv.URL+"/webhooks/deliveries", "application/json", buf.Bytes())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.AuditStatusProcessed, ack.Status)
	assert.NotEmpty(t, ack.DeliveryID)
	require.NotNil(t, ack.JobID)
	assert.Equal(t, job.ID, *ack.JobID)
	assert.Equal(t, 1, ack.RecordsPersisted)

	got, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCompleted, got.State)
}

func TestWebhookMalformedIsBadRequest(t *testing.T) {
	store := memory.NewStore()
	srv := newServer(t, store, 1<<20)

	resp, ack := post(t, srv.URL+"/webhooks/deliveries", "application/json", []byte("<html>oops</html>"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, models.AuditStatusMalformed, ack.Status)
	require.NotEmpty(t, ack.DeliveryID)

	entry, err := store.GetDelivery(context.Background(), ack.DeliveryID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditStatusMalformed, entry.Status)
}

func TestWebhookBodyLimit(t *testing.T) {
	store := memory.NewStore()
	srv := newServer(t, store, 16)

	resp, ack := post(t, srv.URL+"/webhooks/deliveries", "application/json", []byte(`{"shortcode":"a-very-long-identifier"}`))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, models.AuditStatusMalformed, ack.Status)
	require.NotEmpty(t, ack.DeliveryID)

	entry, err := store.GetDelivery(context.Background(), ack.DeliveryID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditStatusMalformed, entry.Status)
	require.NotNil(t, entry.ErrorDetail)
	assert.Equal(t, "payload exceeds 16 bytes", *entry.ErrorDetail)
	assert.Equal(t, []byte(`{"shortcode":"a-`), entry.RawPayload)
	assert.Equal(t, 0, store.RecordCount())
}

func TestQueryEndpoints(t *testing.T) {
	store := memory.NewStore()
	srv := newServer(t, store, 1<<20)

	_, ack := post(t, srv.URL+"/webhooks/deliveries", "application/json", []byte(`{"shortcode":"Q1","ownerUsername":"q"}`))
	require.Equal(t, models.AuditStatusProcessed, ack.Status)

	resp, err := http.Get(srv.URL + "/api/records?platform=instagram")
	require.NoError(t, err)
	var records []models.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&records))
	resp.Body.Close()
	require.Len(t, records, 1)
	assert.Equal(t, "Q1", records[0].ProviderRecordID)

	resp, err = http.Get(srv.URL + "/api/records/" + records[0].ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/records/nope")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/deliveries/" + ack.DeliveryID)
	require.NoError(t, err)
	var entry models.DeliveryAuditEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entry))
	resp.Body.Close()
	assert.Equal(t, models.AuditStatusProcessed, entry.Status)
	assert.Contains(t, entry.Flags, models.FlagCorrelationUnresolved)

	resp, err = http.Get(srv.URL + "/api/deliveries/stats?days=7")
	require.NoError(t, err)
	var stats models.DeliveryStat
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Processed)
	assert.Len(t, stats.PerDay, 7)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestReplayEndpoint(t *testing.T) {
	store := memory.NewStore()
	srv := newServer(t, store, 1<<20)

	_, first := post(t, srv.URL+"/webhooks/deliveries", "application/json", []byte(`{"shortcode":"R9"}`))

	resp, replayed := post(t, srv.URL+"/api/deliveries/"+first.DeliveryID+"/replay", "application/json", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, first.DeliveryID, replayed.DeliveryID)
	assert.Equal(t, 1, store.RecordCount())

	resp, _ = post(t, srv.URL+"/api/deliveries/missing/replay", "application/json", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type failingPinger struct{}

func (failingPinger) PingContext(context.Context) error { return errors.New("down") }

func TestHealthReportsDatabase(t *testing.T) {
	h := handlers.NewHealthHandler(failingPinger{}, zerolog.Nop())
	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
