// Package escalate retries a fetch with a headless renderer when the first
// fetcher returned what looks like an unrendered single-page-app shell.
package escalate

import (
	"net/http"
	"strings"

	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
)

// Detector flags content that only becomes meaningful after JavaScript runs.
type Detector struct {
	// MinBytes is the size below which script-heavy pages are flagged.
	MinBytes int
}

// NewDetector creates a Detector. Zero selects 2048 bytes.
func NewDetector(minBytes int) *Detector {
	if minBytes <= 0 {
		minBytes = 2048
	}
	return &Detector{MinBytes: minBytes}
}

var shellMarkers = []string{
	`id="__next"`,
	`id="root"`,
	`id="app"`,
	"data-reactroot",
	"ng-app",
}

// NeedsRender reports whether out should be fetched again with a browser.
// Only 200 responses qualify.
func (d *Detector) NeedsRender(out scrape.FetchOutcome) bool {
	if out.StatusCode != 0 && out.StatusCode != http.StatusOK {
		return false
	}
	if strings.TrimSpace(out.Content) == "" {
		return true
	}
	lower := strings.ToLower(out.Content)
	if len(lower) < d.MinBytes && scriptShare(lower) >= 25 {
		return true
	}
	for _, marker := range shellMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// scriptShare is the percentage of lower covered by <script> elements. An
// unterminated script runs to the end of the document.
func scriptShare(lower string) int {
	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	total := len(lower)
	if total == 0 {
		return 0
	}
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		gt := strings.IndexByte(lower[start:], '>')
		if gt == -1 {
			covered += total - start
			break
		}
		body := start + gt + 1
		end := strings.Index(lower[body:], closeTag)
		next := total
		if end != -1 {
			next = body + end + len(closeTag)
		}
		covered += next - start
		pos = next
	}
	return covered * 100 / total
}
