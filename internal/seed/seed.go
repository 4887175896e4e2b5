// Package seed loads demo accounts and results, and summarizes what the stores
// hold for the explore command and the admin overview.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-dispatch/internal/auth"
	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
)

// DefaultPassword is shared by the seeded accounts.
const DefaultPassword = "password123"

// SampleResults are inserted with skip-duplicate semantics.
var SampleResults = []struct{ URL, Content string }{
	{
		URL: "https://example.com",
		Content: "<html><head><title>Example Domain</title></head>" +
			"<body><h1>Example Domain</h1>" +
			"<p>This domain is for use in illustrative examples in documents.</p></body></html>",
	},
	{
		URL: "https://httpbin.org/html",
		Content: "<html><head><title>Herman Melville - Moby-Dick</title></head>" +
			"<body><h1>Moby-Dick</h1><p>Call me Ishmael. Some years ago...</p></body></html>",
	},
	{
		URL: "https://jsonplaceholder.typicode.com/",
		Content: "<html><head><title>JSONPlaceholder</title></head>" +
			"<body><h1>JSONPlaceholder</h1><p>Free fake API for testing and prototyping.</p></body></html>",
	},
}

// Report describes what Seed did.
type Report struct {
	Admin           scrape.User
	User            scrape.User
	ResultsInserted int
}

// Seeder writes demo data. Running it twice is harmless.
type Seeder struct {
	auth    *auth.Service
	users   scrape.UserStore
	results scrape.ResultStore
	ids     scrape.IDGenerator
	clock   scrape.Clock
	logger  *zap.Logger
}

// New constructs a Seeder.
func New(
	authSvc *auth.Service,
	users scrape.UserStore,
	results scrape.ResultStore,
	ids scrape.IDGenerator,
	clock scrape.Clock,
	logger *zap.Logger,
) *Seeder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seeder{auth: authSvc, users: users, results: results, ids: ids, clock: clock, logger: logger.Named("seed")}
}

// Run upserts admin@example.com and user@example.com, then the sample results.
func (s *Seeder) Run(ctx context.Context) (Report, error) {
	admin, err := s.ensureUser(ctx, "admin@example.com", scrape.RoleAdmin)
	if err != nil {
		return Report{}, err
	}
	user, err := s.ensureUser(ctx, "user@example.com", scrape.RoleUser)
	if err != nil {
		return Report{}, err
	}

	rows := make([]scrape.ScrapeResult, 0, len(SampleResults))
	for _, sample := range SampleResults {
		id, err := s.ids.NewID()
		if err != nil {
			return Report{}, fmt.Errorf("generate result id: %w", err)
		}
		rows = append(rows, scrape.ScrapeResult{
			ID:        id,
			URL:       sample.URL,
			Content:   sample.Content,
			CreatedAt: s.clock.Now(),
		})
	}
	inserted, err := s.results.InsertSeed(ctx, rows)
	if err != nil {
		return Report{}, fmt.Errorf("insert sample results: %w", err)
	}

	s.logger.Info("seed complete",
		zap.String("admin_id", admin.ID),
		zap.String("user_id", user.ID),
		zap.Int("results_inserted", inserted),
	)
	return Report{Admin: admin, User: user, ResultsInserted: inserted}, nil
}

// ensureUser leaves an existing account untouched.
func (s *Seeder) ensureUser(ctx context.Context, email string, role scrape.Role) (scrape.User, error) {
	user, err := s.auth.RegisterWithRole(ctx, email, DefaultPassword, role)
	if errors.Is(err, scrape.ErrConflict) {
		existing, getErr := s.users.GetUserByEmail(ctx, email)
		if getErr != nil {
			return scrape.User{}, fmt.Errorf("load existing %s: %w", email, getErr)
		}
		return existing, nil
	}
	if err != nil {
		return scrape.User{}, fmt.Errorf("create %s: %w", email, err)
	}
	return user, nil
}

// BuildOverview gathers counts, the newest users and results, and the busiest
// domains. limit caps each list.
func BuildOverview(
	ctx context.Context,
	users scrape.UserStore,
	sessions scrape.SessionStore,
	results scrape.ResultStore,
	limit int,
) (scrape.Overview, error) {
	if limit <= 0 {
		limit = 5
	}
	var (
		o   scrape.Overview
		err error
	)
	if o.Users, err = users.CountUsers(ctx); err != nil {
		return o, fmt.Errorf("count users: %w", err)
	}
	if o.Sessions, o.ActiveSessions, err = sessions.CountSessions(ctx); err != nil {
		return o, fmt.Errorf("count sessions: %w", err)
	}
	if o.Results, err = results.CountResults(ctx); err != nil {
		return o, fmt.Errorf("count results: %w", err)
	}
	if o.RecentUsers, err = users.RecentUsers(ctx, limit); err != nil {
		return o, fmt.Errorf("recent users: %w", err)
	}
	page, err := results.ListResults(ctx, scrape.ListResultsQuery{Limit: limit})
	if err != nil {
		return o, fmt.Errorf("recent results: %w", err)
	}
	o.RecentResults = make([]scrape.ResultDigest, 0, len(page.Results))
	for _, r := range page.Results {
		o.RecentResults = append(o.RecentResults, scrape.ResultDigest{
			ID:            r.ID,
			URL:           r.URL,
			ContentLength: len(r.Content),
			CreatedAt:     r.CreatedAt,
		})
	}
	if o.TopDomains, err = results.TopDomains(ctx, limit); err != nil {
		return o, fmt.Errorf("top domains: %w", err)
	}
	return o, nil
}

// WriteOverview renders o as aligned plain text.
func WriteOverview(w io.Writer, o scrape.Overview) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Record counts\n")
	fmt.Fprintf(tw, "  users\t%d\n", o.Users)
	fmt.Fprintf(tw, "  sessions\t%d (%d active)\n", o.Sessions, o.ActiveSessions)
	fmt.Fprintf(tw, "  results\t%d\n", o.Results)

	if len(o.RecentUsers) > 0 {
		fmt.Fprintf(tw, "\nRecent users\n")
		for _, u := range o.RecentUsers {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", u.Email, u.Role, u.CreatedAt.Format("2006-01-02 15:04:05"))
		}
	}
	if len(o.RecentResults) > 0 {
		fmt.Fprintf(tw, "\nRecent results\n")
		for _, r := range o.RecentResults {
			fmt.Fprintf(tw, "  %s\t%d chars\t%s\n", truncate(r.URL, 50), r.ContentLength, r.CreatedAt.Format("2006-01-02 15:04:05"))
		}
	}
	if len(o.TopDomains) > 0 {
		fmt.Fprintf(tw, "\nTop domains\n")
		for _, d := range o.TopDomains {
			fmt.Fprintf(tw, "  %s\t%d\n", d.Domain, d.Count)
		}
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write overview: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
