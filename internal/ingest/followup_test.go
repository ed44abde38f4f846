package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPFetcherAllowlist(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/redirect" {
			http.Redirect(w, r, "http://metadata.internal/latest", http.StatusFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"a"}]`))
	}))
	defer srv.Close()

	t.Run("allowed host", func(t *testing.T) {
		f := NewHTTPFetcher(time.Second, 0, []string{"127.0.0.1"})
		body, meta, err := f.Fetch(context.Background(), srv.URL+"/dump.json")
		require.NoError(t, err)
		assert.JSONEq(t, `[{"id":"a"}]`, string(body))
		assert.Equal(t, "application/json", meta.ContentType)
	})

	t.Run("host outside the list is never contacted", func(t *testing.T) {
		before := hits.Load()
		f := NewHTTPFetcher(time.Second, 0, []string{"files.example.com"})
		_, _, err := f.Fetch(context.Background(), srv.URL+"/dump.json")
		assert.ErrorIs(t, err, ErrHostNotAllowed)
		assert.Equal(t, before, hits.Load())
	})

	t.Run("empty list allows nothing", func(t *testing.T) {
		_, _, err := NewHTTPFetcher(time.Second, 0, nil).Fetch(context.Background(), srv.URL)
		assert.ErrorIs(t, err, ErrHostNotAllowed)
	})

	t.Run("redirect to another host", func(t *testing.T) {
		f := NewHTTPFetcher(time.Second, 0, []string{"127.0.0.1"})
		_, _, err := f.Fetch(context.Background(), srv.URL+"/redirect")
		assert.ErrorIs(t, err, ErrHostNotAllowed)
	})

	t.Run("subdomains and schemes", func(t *testing.T) {
		f := NewHTTPFetcher(time.Second, 0, []string{"Example.com"})
		assert.NoError(t, f.check(mustURL(t, "https://files.example.com/x")))
		assert.NoError(t, f.check(mustURL(t, "https://example.com/x")))
		assert.ErrorIs(t, f.check(mustURL(t, "https://badexample.com/x")), ErrHostNotAllowed)
		assert.ErrorIs(t, f.check(mustURL(t, "file:///etc/passwd")), ErrHostNotAllowed)
	})
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
