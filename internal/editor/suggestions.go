package editor

import (
	"errors"
	"fmt"
	"log"
	"unicode/utf8"

	"muse/api/internal/anchor"
	"muse/api/internal/compare"
	"muse/api/internal/doc"
	"muse/api/internal/ledger"
	"muse/api/internal/util"
)

// Proposal asks the session to write a suggestion into the document and
// track it. From and To address the content being replaced or deleted; an
// insert uses From only.
type Proposal struct {
	ID         string      `json:"id,omitempty"`
	Type       ledger.Type `json:"type"`
	From       int         `json:"from"`
	To         int         `json:"to"`
	NewContent string      `json:"newContent,omitempty"`
	RuleID     string      `json:"ruleId,omitempty"`
	Model      string      `json:"model,omitempty"`
}

// Propose materialises a suggestion and registers the matching change. A
// proposal whose id is already tracked returns the tracked change and leaves
// the document alone, so replays are harmless.
func (s *Session) Propose(p Proposal) (ledger.Change, error) {
	var out ledger.Change
	err := s.do(func() error {
		if p.ID != "" {
			if existing, ok := s.ledger.Get(p.ID); ok {
				out = existing
				return nil
			}
		}
		change, err := s.proposeLocked(p)
		out = change
		return err
	})
	return out, err
}

func (s *Session) proposeLocked(p Proposal) (ledger.Change, error) {
	change := ledger.Change{ID: p.ID, Type: p.Type, RuleID: p.RuleID, Model: p.Model, NewContent: p.NewContent}
	if change.ID == "" {
		change.ID = util.NewID("chg")
	}
	size := s.doc.Size()
	if p.From < 0 || p.From > size {
		return ledger.Change{}, fmt.Errorf("%w: position %d", ledger.ErrInvalidChange, p.From)
	}

	var step *doc.Step
	var displaced []*doc.Node
	switch p.Type {
	case ledger.TypeInsert:
		step = &doc.Step{From: p.From, To: p.From, Text: p.NewContent}
		change.From, change.To = p.From, p.From+utf8.RuneCountInString(p.NewContent)
	case ledger.TypeReplace:
		if p.To > size {
			return ledger.Change{}, fmt.Errorf("%w: replace [%d, %d)", ledger.ErrInvalidChange, p.From, p.To)
		}
		slice, err := s.doc.Slice(p.From, p.To)
		if err != nil {
			return ledger.Change{}, fmt.Errorf("%w: %v", ledger.ErrInvalidChange, err)
		}
		displaced = slice
		change.OldContent = s.doc.TextBetween(p.From, p.To, "\n")
		step = &doc.Step{From: p.From, To: p.To, Text: p.NewContent}
		change.From, change.To = p.From, p.From+utf8.RuneCountInString(p.NewContent)
	case ledger.TypeDelete:
		change.From, change.To = p.From, p.To
		change.OldContent = s.doc.TextBetween(p.From, p.To, "\n")
	}
	// Validate before writing so a rejected proposal leaves no content behind.
	if err := change.Validate(); err != nil {
		return ledger.Change{}, err
	}
	if step != nil {
		if _, err := s.applyLocked(Edit{Steps: []doc.Step{*step}}, true); err != nil {
			return ledger.Change{}, err
		}
	}
	added, err := s.ledger.Add(change)
	if err != nil {
		return ledger.Change{}, err
	}
	if displaced != nil {
		s.replaced[added.ID] = displaced
	}
	s.emitLocked(Event{Type: EventChangesUpdated, Changes: s.ledger.Changes()})
	return added, nil
}

// AddChange tracks a change whose content is already in the document.
func (s *Session) AddChange(change ledger.Change) (ledger.Change, error) {
	var out ledger.Change
	err := s.do(func() error {
		added, err := s.ledger.Add(change)
		out = added
		if errors.Is(err, ledger.ErrDuplicateChange) {
			return nil
		}
		if err != nil {
			return err
		}
		s.emitLocked(Event{Type: EventChangesUpdated, Changes: s.ledger.Changes()})
		return nil
	})
	return out, err
}

func (s *Session) Changes() []ledger.Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Changes()
}

func (s *Session) Change(id string) (ledger.Change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Get(id)
}

func (s *Session) AcceptOne(id string) error {
	return s.decide(func() error { return s.ledger.AcceptOne(id) })
}

func (s *Session) RejectOne(id string) error {
	return s.decide(func() error { return s.ledger.RejectOne(id) })
}

// AcceptAll accepts every change rightmost first and reports how many were
// decided. Failures are joined and logged; the batch runs to the end.
func (s *Session) AcceptAll() (int, error) {
	var decided int
	err := s.decide(func() error {
		n, err := s.ledger.AcceptAll()
		decided = n
		return err
	})
	if err != nil && !errors.Is(err, ErrClosed) {
		log.Printf("editor: %s: accept all: %v", s.id, err)
	}
	return decided, err
}

func (s *Session) RejectAll() (int, error) {
	var decided int
	err := s.decide(func() error {
		n, err := s.ledger.RejectAll()
		decided = n
		return err
	})
	if err != nil && !errors.Is(err, ErrClosed) {
		log.Printf("editor: %s: reject all: %v", s.id, err)
	}
	return decided, err
}

func (s *Session) decide(fn func() error) error {
	return s.do(func() error {
		before := s.ledger.Len()
		err := fn()
		if s.ledger.Len() != before {
			s.emitLocked(Event{Type: EventChangesUpdated, Changes: s.ledger.Changes()})
		}
		return err
	})
}

// Select focuses a change; an empty id clears the selection.
func (s *Session) Select(id string) error {
	return s.do(func() error {
		if err := s.ledger.Select(id); err != nil {
			return err
		}
		s.emitLocked(Event{Type: EventSelection, Selected: id})
		return nil
	})
}

// StartComparing freezes baseline (the live document when nil) and clears
// the ledger.
func (s *Session) StartComparing(baseline *doc.Document, label string) error {
	return s.do(func() error {
		s.compare.Start(s.doc, baseline, label)
		clear(s.replaced)
		s.emitLocked(Event{Type: EventCompare})
		return nil
	})
}

func (s *Session) StopComparing() error {
	return s.do(func() error {
		s.compare.Stop()
		clear(s.replaced)
		s.emitLocked(Event{Type: EventCompare})
		return nil
	})
}

func (s *Session) CompareStatus() compare.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compare.Status()
}

// CompareSummary lists block-level differences from the baseline, or nil
// when not comparing.
func (s *Session) CompareSummary() []compare.BlockChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.compare.Active() {
		return nil
	}
	return compare.Summarize(s.compare.Baseline(), s.doc)
}

// PersistedChange is a change with its range in the durable anchor format.
type PersistedChange struct {
	Change ledger.Change      `json:"change"`
	Start  anchor.BlockAnchor `json:"start"`
	End    anchor.BlockAnchor `json:"end"`
}

// ExportAnchors converts every live change to anchors. Changes whose range
// cannot be anchored are left out and counted.
func (s *Session) ExportAnchors() ([]PersistedChange, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changes := s.ledger.Changes()
	out := make([]PersistedChange, 0, len(changes))
	skipped := 0
	for _, change := range changes {
		anchored, err := s.anchors.AnchorsForRange(anchor.Range{From: change.From, To: change.To})
		if err != nil {
			skipped++
			continue
		}
		out = append(out, PersistedChange{Change: change, Start: anchored.Start, End: anchored.End})
	}
	return out, skipped
}

// RestoreAnchors re-registers persisted changes against the current
// document. Changes whose blocks are gone, or whose range no longer holds
// content, are dropped silently and counted.
func (s *Session) RestoreAnchors(items []PersistedChange) (restored, lost int, err error) {
	err = s.do(func() error {
		for _, item := range items {
			r, rangeErr := s.anchors.RangeFromAnchors(item.Start, item.End)
			if rangeErr != nil {
				lost++
				continue
			}
			change := item.Change
			change.From, change.To = r.From, r.To
			change.Status = ledger.StatusProposed
			if _, addErr := s.ledger.Add(change); addErr != nil && !errors.Is(addErr, ledger.ErrDuplicateChange) {
				lost++
				continue
			}
			restored++
		}
		if restored > 0 {
			s.emitLocked(Event{Type: EventChangesUpdated, Changes: s.ledger.Changes()})
		}
		return nil
	})
	return restored, lost, err
}
