// Package ledger tracks proposed changes anchored to ranges of the live
// document and runs their accept/reject lifecycle.
package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnknownChange   = errors.New("unknown change")
	ErrDuplicateChange = errors.New("change already tracked")
	ErrInvalidChange   = errors.New("invalid change")
	ErrTerminal        = errors.New("change already decided")
)

type Type string

const (
	TypeInsert  Type = "insert"
	TypeDelete  Type = "delete"
	TypeReplace Type = "replace"
)

type Status string

const (
	StatusProposed Status = "proposed"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Change is one tracked suggestion. From and To are flat positions in the
// live document; NewContent, when present, is already materialised there.
type Change struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	From       int       `json:"from"`
	To         int       `json:"to"`
	NewContent string    `json:"newContent,omitempty"`
	OldContent string    `json:"oldContent,omitempty"`
	RuleID     string    `json:"ruleId,omitempty"`
	Model      string    `json:"model,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	Status     Status    `json:"status"`
}

// Validate checks the range and the per-type content invariant.
func (c Change) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidChange)
	}
	if c.From < 0 || c.From >= c.To {
		return fmt.Errorf("%w: range [%d, %d)", ErrInvalidChange, c.From, c.To)
	}
	switch c.Type {
	case TypeInsert:
		if c.NewContent == "" || c.OldContent != "" {
			return fmt.Errorf("%w: insert carries new content only", ErrInvalidChange)
		}
	case TypeDelete:
		if c.NewContent != "" {
			return fmt.Errorf("%w: delete carries no new content", ErrInvalidChange)
		}
	case TypeReplace:
		if c.NewContent == "" || c.OldContent == "" {
			return fmt.Errorf("%w: replace carries old and new content", ErrInvalidChange)
		}
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidChange, c.Type)
	}
	return nil
}

// Outcome values match the decision log.
type Outcome string

const (
	OutcomeAccepted Outcome = "ACCEPTED"
	OutcomeRejected Outcome = "REJECTED"
)

// Decision records a terminal transition.
type Decision struct {
	Change    Change    `json:"change"`
	Outcome   Outcome   `json:"outcome"`
	DecidedAt time.Time `json:"decidedAt"`
}
