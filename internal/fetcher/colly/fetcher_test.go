package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
)

func TestNewRejectsRelativeServiceURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{ServiceURL: "scraper:8000"})
	require.Error(t, err)
	_, err = New(Config{ServiceURL: ""})
	require.Error(t, err)
}

func TestFetchReturnsContent(t *testing.T) {
	t.Parallel()

	var (
		mu                    sync.Mutex
		gotPath, gotURL, gotUA string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath, gotURL, gotUA = r.URL.Path, r.URL.Query().Get("url"), r.UserAgent()
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":"<html>Example Domain</html>"}`))
	}))
	defer srv.Close()

	f, err := New(Config{ServiceURL: srv.URL + "/", UserAgent: "scrape-dispatch-test", Timeout: time.Second})
	require.NoError(t, err)

	outcome, err := f.Fetch(context.Background(), "https://example.com/?q=a&b=c")
	require.NoError(t, err)
	require.Equal(t, "<html>Example Domain</html>", outcome.Content)
	require.Equal(t, http.StatusOK, outcome.StatusCode)
	mu.Lock()
	require.Equal(t, "/fetch", gotPath)
	require.Equal(t, "https://example.com/?q=a&b=c", gotURL)
	require.Equal(t, "scrape-dispatch-test", gotUA)
	mu.Unlock()

	// Revisiting the same target must hit the service again.
	_, err = f.Fetch(context.Background(), "https://example.com/?q=a&b=c")
	require.NoError(t, err)
}

func TestFetchFailures(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		status int
		body   string
		code   int
	}{
		"server error":  {status: http.StatusBadGateway, body: `{"detail":"boom"}`, code: http.StatusBadGateway},
		"malformed":     {status: http.StatusOK, body: `<html>`, code: http.StatusOK},
		"missing field": {status: http.StatusOK, body: `{"html":"x"}`, code: http.StatusOK},
		"empty content": {status: http.StatusOK, body: `{"content":"  "}`, code: http.StatusOK},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			f, err := New(Config{ServiceURL: srv.URL, Timeout: time.Second})
			require.NoError(t, err)
			_, err = f.Fetch(context.Background(), "https://example.com")

			var failure *scrape.FetchFailure
			require.True(t, errors.As(err, &failure), "got %v", err)
			require.Equal(t, "https://example.com", failure.URL)
			require.Equal(t, tc.code, failure.StatusCode)
		})
	}
}

func TestFetchTimeoutIsFetchFailure(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f, err := New(Config{ServiceURL: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), "https://example.com")
	var failure *scrape.FetchFailure
	require.ErrorAs(t, err, &failure)
}

func TestFetchHonorsContext(t *testing.T) {
	t.Parallel()

	f, err := New(Config{ServiceURL: "http://127.0.0.1:1", Timeout: time.Second})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = f.Fetch(ctx, "https://example.com")
	var failure *scrape.FetchFailure
	require.ErrorAs(t, err, &failure)
}

func TestDecodeContent(t *testing.T) {
	t.Parallel()

	got, err := decodeContent([]byte(`{"content":"ok"}`))
	require.NoError(t, err)
	require.Equal(t, "ok", got)

	_, err = decodeContent([]byte(`{"content":""}`))
	require.ErrorIs(t, err, errEmptyContent)
	_, err = decodeContent([]byte(`nope`))
	require.ErrorIs(t, err, errMalformedBody)
}
