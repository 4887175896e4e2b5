package escalate

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-dispatch/internal/metrics"
	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
)

// Fetcher tries primary first and renders with headless when the detector
// asks for it. A failed render falls back to the primary content.
type Fetcher struct {
	primary  scrape.Fetcher
	headless scrape.Fetcher
	detector *Detector
	logger   *zap.Logger
}

// New wires the two fetchers.
func New(primary, headless scrape.Fetcher, detector *Detector, logger *zap.Logger) *Fetcher {
	if detector == nil {
		detector = NewDetector(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{primary: primary, headless: headless, detector: detector, logger: logger.Named("escalate")}
}

// Fetch implements scrape.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, url string) (scrape.FetchOutcome, error) {
	out, err := f.primary.Fetch(ctx, url)
	if err != nil {
		return out, err
	}
	if f.headless == nil || !f.detector.NeedsRender(out) {
		return out, nil
	}
	rendered, err := f.headless.Fetch(ctx, url)
	if err != nil {
		metrics.ObserveFetch(url, "escalation_failed", 0)
		f.logger.Warn("headless render failed, keeping primary content", zap.String("url", url), zap.Error(err))
		return out, nil
	}
	metrics.ObserveFetch(url, "escalated", len(rendered.Content))
	f.logger.Debug("rendered with headless", zap.String("url", url), zap.Int("bytes", len(rendered.Content)))
	return rendered, nil
}
