package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres the service is down anyway.
func (p *PgFTS) Healthy() bool {
	return true
}

const tsQuery = "plainto_tsquery('simple', $1)"

// buildSQL returns the count and data statements for q plus their args.
func buildSQL(q Query) (string, string, []any) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	args := []any{q.Text}
	docFilter := ""
	if q.FilterDocumentID != "" {
		args = append(args, q.FilterDocumentID)
		docFilter = fmt.Sprintf(" AND %%s = $%d", len(args))
	}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultDocument {
		where := "d.search_vector @@ " + tsQuery
		if docFilter != "" {
			where += fmt.Sprintf(docFilter, "d.id")
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'document'::text AS type, d.id, d.title,
				ts_headline('simple', d.plain_text, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				d.id AS document_id, ''::text AS change_id, ''::text AS change_type,
				ts_rank(d.search_vector, %s) AS rank
			FROM documents d
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultSuggestion {
		vector := "to_tsvector('simple', s.new_content || ' ' || s.old_content)"
		where := vector + " @@ " + tsQuery
		if docFilter != "" {
			where += fmt.Sprintf(docFilter, "s.document_id")
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'suggestion'::text AS type, s.document_id || '__' || s.change_id, s.change_type AS title,
				ts_headline('simple', s.new_content || ' ' || s.old_content, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				s.document_id, s.change_id, s.change_type,
				ts_rank(%s, %s) AS rank
			FROM suggestions s
			WHERE %s`, tsQuery, vector, tsQuery, where))
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, document_id, change_id, change_type
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limit, offset)
	return countSQL, dataSQL, args
}

// Search executes a UNION ALL query across documents and pending
// suggestions using plainto_tsquery and ts_rank, with ts_headline snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	if q.FilterType != "" && q.FilterType != ResultDocument && q.FilterType != ResultSuggestion {
		return nil, 0, nil
	}

	countSQL, dataSQL, args := buildSQL(q)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.DocumentID, &r.ChangeID, &r.ChangeType); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, []SuggestionRecord, error) {
	docRows, err := p.db.QueryContext(ctx, `SELECT id, title, plain_text FROM documents`)
	if err != nil {
		return nil, nil, fmt.Errorf("load documents: %w", err)
	}
	defer docRows.Close()

	documents := make([]DocumentRecord, 0)
	for docRows.Next() {
		var d DocumentRecord
		if err := docRows.Scan(&d.ID, &d.Title, &d.PlainText); err != nil {
			return nil, nil, fmt.Errorf("scan document: %w", err)
		}
		documents = append(documents, d)
	}
	if err := docRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate documents: %w", err)
	}

	suggestionRows, err := p.db.QueryContext(ctx, `
		SELECT document_id, change_id, change_type, new_content, old_content, model
		FROM suggestions
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load suggestions: %w", err)
	}
	defer suggestionRows.Close()

	suggestions := make([]SuggestionRecord, 0)
	for suggestionRows.Next() {
		var s SuggestionRecord
		if err := suggestionRows.Scan(&s.DocumentID, &s.ChangeID, &s.Type, &s.NewContent, &s.OldContent, &s.Model); err != nil {
			return nil, nil, fmt.Errorf("scan suggestion: %w", err)
		}
		s.ID = SuggestionKey(s.DocumentID, s.ChangeID)
		suggestions = append(suggestions, s)
	}
	if err := suggestionRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate suggestions: %w", err)
	}

	return documents, suggestions, nil
}
