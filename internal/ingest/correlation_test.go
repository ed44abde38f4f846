package ingest

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/harvest-api/internal/models"
	"github.com/stanstork/harvest-api/internal/payload"
	"github.com/stanstork/harvest-api/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestExtractPrecedence(t *testing.T) {
	r := NewResolver(memory.NewStore(), DefaultRules(), ResolverOptions{}, zerolog.Nop())
	body := payload.Batch{Items: []payload.Item{{"snapshot_id": "from-body"}}}

	header := http.Header{}
	header.Set("x_snapshot_id", "from-header")
	query := url.Values{"snapshot_id": {"from-query"}}

	v, src := r.Extract(header, query, body)
	assert.Equal(t, "from-header", v)
	assert.Equal(t, SourceHeader, src)

	v, src = r.Extract(nil, query, body)
	assert.Equal(t, "from-query", v)
	assert.Equal(t, SourceQuery, src)

	v, src = r.Extract(nil, nil, body)
	assert.Equal(t, "from-body", v)
	assert.Equal(t, SourceBody, src)

	v, src = r.Extract(nil, nil, payload.Batch{})
	assert.Empty(t, v)
	assert.Equal(t, SourceNone, src)
}

func TestExtractFromEnvelopeAndMetadata(t *testing.T) {
	r := NewResolver(memory.NewStore(), DefaultRules(), ResolverOptions{}, zerolog.Nop())

	v, src := r.Extract(nil, nil, payload.Batch{
		Envelope: payload.Item{"metadata": map[string]any{"run_id": "nested"}},
		Items:    []payload.Item{{"snapshot_id": "record-level"}},
	})
	assert.Equal(t, "nested", v)
	assert.Equal(t, SourceBody, src)

	v, src = r.Extract(nil, nil, payload.Batch{
		Envelope: payload.Item{"count": 1},
		Items:    []payload.Item{{"snapshot_id": "record-level"}},
	})
	assert.Equal(t, "record-level", v)
	assert.Equal(t, SourceRecord, src)
}

func TestResolvePrimary(t *testing.T) {
	store := memory.NewStore()
	job := store.PutJob(models.Job{ProviderCorrelationID: strPtr("s_1"), Platform: PlatformInstagram, State: models.JobStateProcessing})
	r := NewResolver(store, DefaultRules(), ResolverOptions{SecondaryWindow: time.Hour}, zerolog.Nop())

	res, err := r.Resolve(context.Background(), "s_1", PlatformInstagram)
	require.NoError(t, err)
	require.True(t, res.Resolved())
	assert.Equal(t, job.ID, res.Job.ID)
	assert.Equal(t, MatchPrimary, res.Method)

	res, err = r.Resolve(context.Background(), "", PlatformInstagram)
	require.NoError(t, err)
	assert.False(t, res.Resolved())
}

func TestResolveSecondaryBackfills(t *testing.T) {
	store := memory.NewStore()
	store.PutJob(models.Job{Platform: PlatformTikTok, State: models.JobStateProcessing})
	job := store.PutJob(models.Job{Platform: PlatformInstagram, State: models.JobStateProcessing})
	r := NewResolver(store, DefaultRules(), ResolverOptions{SecondaryWindow: time.Hour, MaxInFlight: 1}, zerolog.Nop())

	res, err := r.Resolve(context.Background(), "s_new", PlatformInstagram)
	require.NoError(t, err)
	require.True(t, res.Resolved())
	assert.Equal(t, job.ID, res.Job.ID)
	assert.Equal(t, MatchSecondary, res.Method)
	assert.True(t, res.Backfilled)

	stored, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ProviderCorrelationID)
	assert.Equal(t, "s_new", *stored.ProviderCorrelationID)

	// The id is now owned, so the next lookup is a primary match.
	res, err = r.Resolve(context.Background(), "s_new", PlatformInstagram)
	require.NoError(t, err)
	assert.Equal(t, MatchPrimary, res.Method)
}

func TestResolveSecondaryAmbiguous(t *testing.T) {
	store := memory.NewStore()
	store.PutJob(models.Job{Platform: PlatformInstagram, State: models.JobStateProcessing})
	store.PutJob(models.Job{Platform: PlatformInstagram, State: models.JobStateProcessing})
	r := NewResolver(store, DefaultRules(), ResolverOptions{SecondaryWindow: time.Hour, MaxInFlight: 1}, zerolog.Nop())

	res, err := r.Resolve(context.Background(), "s_x", PlatformInstagram)
	require.NoError(t, err)
	assert.False(t, res.Resolved())
	assert.True(t, res.Ambiguous)
}

func TestResolveSecondaryIgnoresOldAndPendingJobs(t *testing.T) {
	store := memory.NewStore()
	store.PutJob(models.Job{Platform: PlatformInstagram, State: models.JobStateProcessing, CreatedAt: time.Now().Add(-3 * time.Hour)})
	store.PutJob(models.Job{Platform: PlatformInstagram, State: models.JobStatePending})
	r := NewResolver(store, DefaultRules(), ResolverOptions{SecondaryWindow: time.Hour, MaxInFlight: 3}, zerolog.Nop())

	res, err := r.Resolve(context.Background(), "s_x", PlatformInstagram)
	require.NoError(t, err)
	assert.False(t, res.Resolved())
	assert.False(t, res.Ambiguous)
}
