package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID          string
	DisplayName string
	Role        string
	CreatedAt   time.Time
}

type Document struct {
	ID        string
	Title     string
	Content   json.RawMessage
	PlainText string
	Version   int64
	UpdatedBy string
	UpdatedAt time.Time
}

// Suggestion is a pending change persisted with its block anchors. From and
// To are the positions when it was saved; the anchors are authoritative on
// reload.
type Suggestion struct {
	DocumentID   string
	ChangeID     string
	Type         string
	From         int
	To           int
	NewContent   string
	OldContent   string
	RuleID       string
	Model        string
	StartBlockID string
	StartOffset  int
	EndBlockID   string
	EndOffset    int
	CreatedAt    time.Time
}

type DecisionLogEntry struct {
	ID         int64
	DocumentID string
	ChangeID   string
	ChangeType string
	Outcome    string
	NewContent string
	OldContent string
	RuleID     string
	Model      string
	DecidedBy  string
	DecidedAt  time.Time
}
