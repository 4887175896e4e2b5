package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
)

// InsertResult writes a worker result and returns the stored ID. The unique
// job_id makes redelivered jobs idempotent: the first row's ID comes back.
func (s *Store) InsertResult(ctx context.Context, result scrape.ScrapeResult) (string, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	var id string
	err := s.db.QueryRow(ctx, `
INSERT INTO scrape_results (id, job_id, url, content, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (job_id) DO NOTHING
RETURNING id`,
		result.ID, nullable(result.JobID), result.URL, result.Content, result.CreatedAt,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) || result.JobID == "" {
		return "", classify("insert result", err)
	}
	err = s.db.QueryRow(ctx, `SELECT id FROM scrape_results WHERE job_id = $1`, result.JobID).Scan(&id)
	if err != nil {
		return "", classify("find result for job", err)
	}
	return id, nil
}

// InsertSeed writes rows whose URL and content are not already stored and
// returns how many were inserted.
func (s *Store) InsertSeed(ctx context.Context, results []scrape.ScrapeResult) (int, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	inserted := 0
	for _, r := range results {
		tag, err := s.db.Exec(ctx, `
INSERT INTO scrape_results (id, job_id, url, content, created_at)
SELECT $1, $2, $3, $4, $5
WHERE NOT EXISTS (SELECT 1 FROM scrape_results WHERE url = $3 AND content = $4)`,
			r.ID, nullable(r.JobID), r.URL, r.Content, r.CreatedAt,
		)
		if err != nil {
			return inserted, classify("insert seed result", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// ListResults pages newest first by (created_at, id).
func (s *Store) ListResults(ctx context.Context, query scrape.ListResultsQuery) (scrape.ResultPage, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}
	sql := `SELECT id, url, content, created_at FROM scrape_results
ORDER BY created_at DESC, id DESC LIMIT $1`
	args := []any{limit + 1}
	if query.Cursor != "" {
		cursor, err := scrape.DecodeCursor(query.Cursor)
		if err != nil {
			return scrape.ResultPage{}, err
		}
		sql = `SELECT id, url, content, created_at FROM scrape_results
WHERE (created_at, id) < ($1, $2)
ORDER BY created_at DESC, id DESC LIMIT $3`
		args = []any{cursor.CreatedAt, cursor.ID, limit + 1}
	}

	ctx, cancel := s.ctx(ctx)
	defer cancel()
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return scrape.ResultPage{}, classify("list results", err)
	}
	defer rows.Close()

	results := make([]scrape.ScrapeResult, 0, limit)
	for rows.Next() {
		var r scrape.ScrapeResult
		if err := rows.Scan(&r.ID, &r.URL, &r.Content, &r.CreatedAt); err != nil {
			return scrape.ResultPage{}, classify("scan result", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return scrape.ResultPage{}, classify("list results", err)
	}
	return pageOf(results, limit), nil
}

func pageOf(rows []scrape.ScrapeResult, limit int) scrape.ResultPage {
	if len(rows) <= limit {
		return scrape.ResultPage{Results: rows}
	}
	rows = rows[:limit]
	last := rows[len(rows)-1]
	return scrape.ResultPage{
		Results:    rows,
		NextCursor: scrape.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}.Encode(),
	}
}

// CountResults returns the number of stored results.
func (s *Store) CountResults(ctx context.Context) (int, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	var n int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM scrape_results`).Scan(&n); err != nil {
		return 0, classify("count results", err)
	}
	return n, nil
}

// TopDomains groups results by host, most frequent first.
func (s *Store) TopDomains(ctx context.Context, limit int) ([]scrape.DomainCount, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	rows, err := s.db.Query(ctx, `
SELECT lower(substring(url from '^[A-Za-z]+://([^/:?#]+)')) AS domain, count(*) AS n
FROM scrape_results
GROUP BY domain
ORDER BY n DESC, domain
LIMIT $1`, limit)
	if err != nil {
		return nil, classify("top domains", err)
	}
	defer rows.Close()
	var out []scrape.DomainCount
	for rows.Next() {
		var (
			domain *string
			dc     scrape.DomainCount
		)
		if err := rows.Scan(&domain, &dc.Count); err != nil {
			return nil, classify("scan domain", err)
		}
		dc.Domain = "invalid-url"
		if domain != nil {
			dc.Domain = *domain
		}
		out = append(out, dc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("top domains", err)
	}
	return out, nil
}
