package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fortio.org/safecast"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const findUser = `SELECT id, display_name, role, created_at FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.Role, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (display_name)
		VALUES ($1)
		ON CONFLICT (display_name) DO UPDATE SET display_name=EXCLUDED.display_name
		RETURNING id, display_name, role, created_at
	`, name).Scan(&user.ID, &user.DisplayName, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, role, created_at FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, version, updated_by_name, updated_at
		FROM documents
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var item Document
		if err := rows.Scan(&item.ID, &item.Title, &item.Version, &item.UpdatedBy, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

// GetDocument returns sql.ErrNoRows when the document does not exist.
func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var item Document
	var content []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, content, plain_text, version, updated_by_name, updated_at
		FROM documents
		WHERE id=$1
	`, documentID).Scan(&item.ID, &item.Title, &content, &item.PlainText, &item.Version, &item.UpdatedBy, &item.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	item.Content = content
	return item, nil
}

// SaveDocument inserts or replaces a document's content.
func (s *PostgresStore) SaveDocument(ctx context.Context, item Document) error {
	content := item.Content
	if len(content) == 0 {
		content = []byte(`{"type":"doc"}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, content, plain_text, version, updated_by_name, updated_at)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			title=CASE WHEN EXCLUDED.title = '' THEN documents.title ELSE EXCLUDED.title END,
			content=EXCLUDED.content,
			plain_text=EXCLUDED.plain_text,
			version=EXCLUDED.version,
			updated_by_name=EXCLUDED.updated_by_name,
			updated_at=NOW()
	`, item.ID, item.Title, string(content), item.PlainText, item.Version, item.UpdatedBy)
	if err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	return nil
}

// ReplaceSuggestions swaps the persisted pending changes of a document in
// one transaction.
func (s *PostgresStore) ReplaceSuggestions(ctx context.Context, documentID string, items []Suggestion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace suggestions: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM suggestions WHERE document_id=$1`, documentID); err != nil {
		return fmt.Errorf("clear suggestions: %w", err)
	}
	for _, item := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO suggestions (
				document_id, change_id, change_type, from_pos, to_pos, new_content, old_content,
				rule_id, model, start_block_id, start_offset, end_block_id, end_offset, created_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`, documentID, item.ChangeID, item.Type, item.From, item.To, item.NewContent, item.OldContent,
			item.RuleID, item.Model, item.StartBlockID, item.StartOffset, item.EndBlockID, item.EndOffset, item.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert suggestion %s: %w", item.ChangeID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit suggestions: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSuggestions(ctx context.Context, documentID string) ([]Suggestion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, change_id, change_type, from_pos, to_pos, new_content, old_content,
			rule_id, model, start_block_id, start_offset, end_block_id, end_offset, created_at
		FROM suggestions
		WHERE document_id=$1
		ORDER BY from_pos, to_pos, change_id
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	defer rows.Close()

	items := make([]Suggestion, 0)
	for rows.Next() {
		var item Suggestion
		var from, to, startOffset, endOffset int64
		if err := rows.Scan(
			&item.DocumentID,
			&item.ChangeID,
			&item.Type,
			&from,
			&to,
			&item.NewContent,
			&item.OldContent,
			&item.RuleID,
			&item.Model,
			&item.StartBlockID,
			&startOffset,
			&item.EndBlockID,
			&endOffset,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan suggestion: %w", err)
		}
		if err := setPositions(&item, from, to, startOffset, endOffset); err != nil {
			return nil, fmt.Errorf("suggestion %s: %w", item.ChangeID, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate suggestions: %w", err)
	}
	return items, nil
}

// setPositions converts database integers into positions.
func setPositions(item *Suggestion, from, to, startOffset, endOffset int64) error {
	var err error
	if item.From, err = safecast.Conv[int](from); err != nil {
		return fmt.Errorf("from position: %w", err)
	}
	if item.To, err = safecast.Conv[int](to); err != nil {
		return fmt.Errorf("to position: %w", err)
	}
	if item.StartOffset, err = safecast.Conv[int](startOffset); err != nil {
		return fmt.Errorf("start offset: %w", err)
	}
	if item.EndOffset, err = safecast.Conv[int](endOffset); err != nil {
		return fmt.Errorf("end offset: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertDecision(ctx context.Context, entry DecisionLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decision_log (document_id, change_id, change_type, outcome, new_content, old_content, rule_id, model, decided_by_name, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, NOW()))
	`, entry.DocumentID, entry.ChangeID, entry.ChangeType, entry.Outcome, entry.NewContent, entry.OldContent,
		entry.RuleID, entry.Model, entry.DecidedBy, nullTime(entry))
	if err != nil {
		return fmt.Errorf("insert decision log: %w", err)
	}
	return nil
}

func nullTime(entry DecisionLogEntry) sql.NullTime {
	return sql.NullTime{Time: entry.DecidedAt, Valid: !entry.DecidedAt.IsZero()}
}

func (s *PostgresStore) ListDecisions(ctx context.Context, documentID, outcome string, limit int) ([]DecisionLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, change_id, change_type, outcome, new_content, old_content, rule_id, model, decided_by_name, decided_at
		FROM decision_log
		WHERE document_id=$1
		  AND ($2='' OR outcome=$2)
		ORDER BY decided_at DESC, id DESC
		LIMIT $3
	`, documentID, outcome, limit)
	if err != nil {
		return nil, fmt.Errorf("list decision log: %w", err)
	}
	defer rows.Close()

	items := make([]DecisionLogEntry, 0)
	for rows.Next() {
		var item DecisionLogEntry
		if err := rows.Scan(
			&item.ID,
			&item.DocumentID,
			&item.ChangeID,
			&item.ChangeType,
			&item.Outcome,
			&item.NewContent,
			&item.OldContent,
			&item.RuleID,
			&item.Model,
			&item.DecidedBy,
			&item.DecidedAt,
		); err != nil {
			return nil, fmt.Errorf("scan decision log: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decision log: %w", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
