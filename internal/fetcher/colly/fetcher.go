// Package collyfetcher calls the Fetch Service over HTTP using gocolly.
package collyfetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
)

// Config controls the Fetch Service client.
type Config struct {
	// ServiceURL is the Fetch Service base, e.g. http://scraper:8000.
	ServiceURL string
	UserAgent  string
	Timeout    time.Duration
}

var (
	errEmptyContent  = errors.New("fetch service returned empty content")
	errMalformedBody = errors.New("fetch service returned a malformed body")
)

// Fetcher implements scrape.Fetcher against GET {ServiceURL}/fetch?url=.
type Fetcher struct {
	cfg           Config
	endpoint      *url.URL
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type fetchResponse struct {
	Content *string `json:"content"`
}

// New builds a Fetcher.
func New(cfg Config) (*Fetcher, error) {
	base, err := url.Parse(strings.TrimRight(cfg.ServiceURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("fetch.service_url %q is not an absolute URL", cfg.ServiceURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &Fetcher{
		cfg:           cfg,
		endpoint:      base.JoinPath("fetch"),
		baseCollector: c,
	}, nil
}

// Fetch asks the Fetch Service for the rendered page. Every failure is a
// *scrape.FetchFailure.
func (f *Fetcher) Fetch(ctx context.Context, target string) (scrape.FetchOutcome, error) {
	var (
		outcome  scrape.FetchOutcome
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(ctx)
	f.configureCollectorHooks(collector, target, start, &outcome, &fetchErr)

	if err := runCollector(ctx, collector, f.requestURL(target), &fetchErr); err != nil {
		var failure *scrape.FetchFailure
		if errors.As(err, &failure) {
			return scrape.FetchOutcome{}, failure
		}
		return scrape.FetchOutcome{}, &scrape.FetchFailure{URL: target, Err: err}
	}
	return outcome, nil
}

func (f *Fetcher) requestURL(target string) string {
	u := *f.endpoint
	q := u.Query()
	q.Set("url", target)
	u.RawQuery = q.Encode()
	return u.String()
}

func (f *Fetcher) buildCollector(ctx context.Context) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = true
	collector.Context = ctx
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	target string,
	start time.Time,
	outcome *scrape.FetchOutcome,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		content, err := decodeContent(r.Body)
		if err != nil {
			*fetchErr = &scrape.FetchFailure{URL: target, StatusCode: r.StatusCode, Err: err}
			return
		}
		*outcome = scrape.FetchOutcome{
			URL:        target,
			Content:    content,
			StatusCode: r.StatusCode,
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		*fetchErr = &scrape.FetchFailure{URL: target, StatusCode: status, Err: err}
	})
}

func decodeContent(body []byte) (string, error) {
	var resp fetchResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Content == nil {
		return "", errMalformedBody
	}
	if strings.TrimSpace(*resp.Content) == "" {
		return "", errEmptyContent
	}
	return *resp.Content, nil
}

func runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return *fetchErr
		}
		if err != nil {
			return fmt.Errorf("visit fetch service: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
