// Package headless renders pages in headless Chrome via chromedp.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
)

// Config controls the browser pool.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// Settle is how long to wait after the body is ready so late network
	// requests can finish.
	Settle time.Duration
}

// Fetcher renders pages and returns the final DOM. It implements
// scrape.Fetcher so workers can render in-process.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a renderer backed by a shared Chrome allocator.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 500 * time.Millisecond
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch navigates to target and returns the rendered HTML. Failures,
// including 4xx/5xx document responses, are *scrape.FetchFailure.
func (f *Fetcher) Fetch(ctx context.Context, target string) (scrape.FetchOutcome, error) {
	if err := f.acquire(ctx); err != nil {
		return scrape.FetchOutcome{}, &scrape.FetchFailure{URL: target, Err: err}
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, f.navTimeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	doc := &documentStatus{}
	chromedp.ListenTarget(taskCtx, doc.captureEvent)

	start := time.Now()
	html, err := f.render(taskCtx, target)
	if err != nil {
		return scrape.FetchOutcome{}, &scrape.FetchFailure{URL: target, Err: err}
	}
	status := doc.statusOr(http.StatusOK)
	if status >= http.StatusBadRequest {
		return scrape.FetchOutcome{}, &scrape.FetchFailure{
			URL:        target,
			StatusCode: status,
			Err:        fmt.Errorf("document responded %s", http.StatusText(status)),
		}
	}
	return scrape.FetchOutcome{
		URL:        target,
		Content:    html,
		StatusCode: status,
		Duration:   time.Since(start),
	}, nil
}

func (f *Fetcher) render(ctx context.Context, target string) (string, error) {
	var html string
	actions := []chromedp.Action{
		f.setupAction(),
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.Settle),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, nil
}

func (f *Fetcher) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

// documentStatus records the status of the last top-level document response.
type documentStatus struct {
	mu     sync.Mutex
	status int
}

func (d *documentStatus) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	d.status = int(resp.Response.Status)
	d.mu.Unlock()
}

func (d *documentStatus) statusOr(fallback int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status == 0 {
		return fallback
	}
	return d.status
}
