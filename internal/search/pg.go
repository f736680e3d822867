package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFallback implements search against PostgreSQL directly. It is the
// degraded path used whenever Meilisearch is down.
type PgFallback struct {
	db *sql.DB
}

func NewPgFallback(db *sql.DB) *PgFallback {
	return &PgFallback{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFallback) Healthy() bool {
	return true
}

// Search runs case-insensitive substring matches over board titles and
// message bodies, scoped by the caller's memberships.
func (p *PgFallback) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || q.UserID == "" {
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

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultBoard {
		subQueries = append(subQueries, `
			SELECT 'board'::text AS type, b.id, b.title, ''::text AS snippet, b.id AS board_id, b.updated_at AS ranked_at
			FROM boards b
			JOIN board_members bm ON bm.board_id = b.id AND bm.user_id = $1
			WHERE b.title ILIKE '%' || $2 || '%'
		`)
	}
	if q.FilterType == "" || q.FilterType == ResultMessage {
		subQueries = append(subQueries, `
			SELECT 'message'::text AS type, m.id, b.title, m.body AS snippet, b.id AS board_id, m.created_at AS ranked_at
			FROM messages m
			JOIN conversations c ON c.id = m.conversation_id
			JOIN boards b ON b.id = c.board_id
			JOIN board_members bm ON bm.board_id = b.id AND bm.user_id = $1
			WHERE m.body ILIKE '%' || $2 || '%'
		`)
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	query := fmt.Sprintf(`
		SELECT type, id, title, snippet, board_id
		FROM (%s) hits
		ORDER BY ranked_at DESC
		LIMIT $3 OFFSET $4
	`, strings.Join(subQueries, " UNION ALL "))

	rows, err := p.db.QueryContext(ctx, query, q.UserID, q.Text, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pg fallback search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.Type, &r.ID, &r.Title, &r.Snippet, &r.BoardID); err != nil {
			return nil, 0, fmt.Errorf("scan search hit: %w", err)
		}
		if r.Type == ResultMessage {
			r.Snippet = clipSnippet(r.Snippet, q.Text)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate search hits: %w", err)
	}
	return results, len(results), nil
}

// clipSnippet trims a long message body to a window around the first
// match so the fallback path returns snippets comparable to Meilisearch.
func clipSnippet(body, needle string) string {
	const window = 120
	if len(body) <= window {
		return body
	}
	idx := strings.Index(strings.ToLower(body), strings.ToLower(needle))
	if idx < 0 {
		return body[:window] + "…"
	}
	start := idx - window/2
	if start < 0 {
		start = 0
	}
	end := start + window
	if end > len(body) {
		end = len(body)
		start = end - window
	}
	out := body[start:end]
	if start > 0 {
		out = "…" + out
	}
	if end < len(body) {
		out += "…"
	}
	return out
}
