package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"database/sql"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs messages through plainto_tsquery/ts_rank with ts_headline for
// snippets, scoped to an org and optionally one channel.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "m.fts @@ plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	if q.OrgID != "" {
		where += fmt.Sprintf(" AND c.org_id = $%d", argN)
		args = append(args, q.OrgID)
		argN++
	}
	if q.FilterChannelID != "" {
		where += fmt.Sprintf(" AND m.channel_id = $%d", argN)
		args = append(args, q.FilterChannelID)
		argN++
	}

	query := fmt.Sprintf(`
		SELECT m.id, m.channel_id,
			COALESCE(p.display_name, ''),
			ts_headline('english', m.content, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30'),
			m.created_at,
			COUNT(*) OVER()
		FROM messages m
		JOIN channels c ON c.id = m.channel_id
		LEFT JOIN profiles p ON p.id = m.user_id
		WHERE %s
		ORDER BY ts_rank(m.fts, plainto_tsquery('english', $1)) DESC, m.created_at DESC
		LIMIT $%d OFFSET $%d`, where, argN, argN+1)
	args = append(args, limit, offset)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	total := 0
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.ChannelID, &r.AuthorName, &r.Snippet, &r.CreatedAt, &total); err != nil {
			return nil, 0, fmt.Errorf("scan pgfts result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate pgfts results: %w", err)
	}
	return results, total, nil
}
