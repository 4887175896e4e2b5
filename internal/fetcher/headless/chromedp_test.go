package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
)

func TestNewChromedpLimiterValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	fetcher, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	defer fetcher.Close()
	require.Equal(t, 2, cap(fetcher.limiter))
	require.Equal(t, 500*time.Millisecond, fetcher.cfg.Settle)
}

func TestFetcherNavTimeoutDefault(t *testing.T) {
	t.Parallel()

	fetcher := &Fetcher{}
	require.Equal(t, 45*time.Second, fetcher.navTimeout())
	fetcher.cfg.NavigationTimeout = time.Second
	require.Equal(t, time.Second, fetcher.navTimeout())
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	fetcher := &Fetcher{limiter: make(chan struct{}, 1)}
	require.NoError(t, fetcher.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, fetcher.acquire(ctx))

	fetcher.release()
	require.NoError(t, fetcher.acquire(context.Background()))
}

func TestDocumentStatusCapture(t *testing.T) {
	t.Parallel()

	doc := &documentStatus{}
	require.Equal(t, http.StatusOK, doc.statusOr(http.StatusOK))

	doc.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 404},
	})
	require.Equal(t, http.StatusOK, doc.statusOr(http.StatusOK))

	doc.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 503},
	})
	require.Equal(t, http.StatusServiceUnavailable, doc.statusOr(http.StatusOK))
}
