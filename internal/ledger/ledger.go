package ledger

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"muse/api/internal/mapping"
	"muse/api/internal/util"
)

// Editor is the document surface the ledger mutates through. Every edit made
// through it must be followed by a Remap of this ledger before it returns.
type Editor interface {
	Size() int
	ReplaceText(from, to int, text string) error
	// RestoreReplaced puts back the content a replace change displaced over
	// the change's current range.
	RestoreReplaced(change Change) error
	// Finalize runs the accept side effect for content already in the
	// document, such as stamping provenance.
	Finalize(change Change) error
}

// Ledger holds the live changes. It is not safe for concurrent use; the
// editing session owns it and serialises access.
type Ledger struct {
	editor     Editor
	changes    map[string]*Change
	selected   string
	now        func() time.Time
	onDecision func(Decision)
}

func New(editor Editor) *Ledger {
	return &Ledger{
		editor:  editor,
		changes: make(map[string]*Change),
		now:     time.Now,
	}
}

// OnDecision registers the observer for accepted and rejected changes.
func (l *Ledger) OnDecision(fn func(Decision)) {
	l.onDecision = fn
}

// Add tracks a proposed change. A missing id or timestamp is filled in. A
// change whose id is already tracked is left as is and ErrDuplicateChange is
// returned, so replayed commands do not register twice. Decided changes
// cannot be re-proposed under their old id.
func (l *Ledger) Add(change Change) (Change, error) {
	if change.Status != "" && change.Status != StatusProposed {
		return Change{}, fmt.Errorf("%w: %s is %s", ErrTerminal, change.ID, change.Status)
	}
	if change.ID == "" {
		change.ID = util.NewID("chg")
	}
	if existing, ok := l.changes[change.ID]; ok {
		return *existing, ErrDuplicateChange
	}
	if change.CreatedAt.IsZero() {
		change.CreatedAt = l.now().UTC()
	}
	change.Status = StatusProposed
	if err := change.Validate(); err != nil {
		return Change{}, err
	}
	if size := l.editor.Size(); change.To > size {
		return Change{}, fmt.Errorf("%w: range [%d, %d) outside document of size %d", ErrInvalidChange, change.From, change.To, size)
	}
	stored := change
	l.changes[change.ID] = &stored
	return stored, nil
}

func (l *Ledger) Get(id string) (Change, bool) {
	change, ok := l.changes[id]
	if !ok {
		return Change{}, false
	}
	return *change, true
}

func (l *Ledger) Len() int { return len(l.changes) }

// Changes returns the live changes ordered by position.
func (l *Ledger) Changes() []Change {
	out := make([]Change, 0, len(l.changes))
	for _, change := range l.changes {
		out = append(out, *change)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		if out[i].To != out[j].To {
			return out[i].To < out[j].To
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AcceptOne accepts a change. A delete removes its range from the document;
// inserts and replacements are finalised in place. On failure the change
// stays tracked.
func (l *Ledger) AcceptOne(id string) error {
	return l.decide(id, OutcomeAccepted)
}

// RejectOne rejects a change, undoing any speculative content: an insert is
// removed and a replacement restores the old content. A rejected delete never
// touched the document.
func (l *Ledger) RejectOne(id string) error {
	return l.decide(id, OutcomeRejected)
}

// AcceptAll accepts every live change, rightmost first. Failures do not stop
// the batch; they are joined into the returned error.
func (l *Ledger) AcceptAll() (int, error) {
	return l.decideAll(OutcomeAccepted)
}

// RejectAll rejects every live change, rightmost first.
func (l *Ledger) RejectAll() (int, error) {
	return l.decideAll(OutcomeRejected)
}

func (l *Ledger) decideAll(outcome Outcome) (int, error) {
	ids := l.idsRightmostFirst()
	var errs []error
	decided := 0
	for _, id := range ids {
		// An earlier decision may have consumed this change's range.
		if _, ok := l.changes[id]; !ok {
			continue
		}
		if err := l.decide(id, outcome); err != nil {
			errs = append(errs, err)
			continue
		}
		decided++
	}
	return decided, errors.Join(errs...)
}

func (l *Ledger) idsRightmostFirst() []string {
	changes := l.Changes()
	ids := make([]string, 0, len(changes))
	for i := len(changes) - 1; i >= 0; i-- {
		ids = append(ids, changes[i].ID)
	}
	return ids
}

func (l *Ledger) decide(id string, outcome Outcome) error {
	tracked, ok := l.changes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChange, id)
	}
	change := *tracked
	// The entry leaves the ledger before the document changes so the remap
	// triggered by our own edit cannot drop it as collapsed.
	delete(l.changes, id)
	if err := l.apply(change, outcome); err != nil {
		l.changes[id] = tracked
		return fmt.Errorf("%s %s: %w", outcomeVerb(outcome), id, err)
	}
	if l.selected == id {
		l.selected = ""
	}
	if outcome == OutcomeAccepted {
		change.Status = StatusAccepted
	} else {
		change.Status = StatusRejected
	}
	if l.onDecision != nil {
		l.onDecision(Decision{Change: change, Outcome: outcome, DecidedAt: l.now().UTC()})
	}
	return nil
}

func (l *Ledger) apply(change Change, outcome Outcome) error {
	switch {
	case outcome == OutcomeAccepted && change.Type == TypeDelete:
		return l.editor.ReplaceText(change.From, change.To, "")
	case outcome == OutcomeAccepted:
		return l.editor.Finalize(change)
	case change.Type == TypeInsert:
		return l.editor.ReplaceText(change.From, change.To, "")
	case change.Type == TypeReplace:
		return l.editor.RestoreReplaced(change)
	}
	return nil
}

func outcomeVerb(outcome Outcome) string {
	if outcome == OutcomeAccepted {
		return "accept"
	}
	return "reject"
}

// Remap moves every change through m and drops the ones whose range
// collapsed or left the document. The dropped changes are returned.
func (l *Ledger) Remap(m *mapping.Mapping, size int) []Change {
	if m.Len() == 0 {
		return nil
	}
	var dropped []Change
	for id, change := range l.changes {
		from, to, ok := m.MapRange(change.From, change.To)
		if !ok || from < 0 || to > size {
			dropped = append(dropped, *change)
			delete(l.changes, id)
			if l.selected == id {
				l.selected = ""
			}
			continue
		}
		change.From, change.To = from, to
	}
	sort.Slice(dropped, func(i, j int) bool { return dropped[i].ID < dropped[j].ID })
	return dropped
}

// Clear forgets every change without touching the document.
func (l *Ledger) Clear() {
	l.changes = make(map[string]*Change)
	l.selected = ""
}

// Select marks a change as the focused one. An empty id clears the selection.
func (l *Ledger) Select(id string) error {
	if id == "" {
		l.selected = ""
		return nil
	}
	if _, ok := l.changes[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChange, id)
	}
	l.selected = id
	return nil
}

func (l *Ledger) Selected() (Change, bool) {
	if l.selected == "" {
		return Change{}, false
	}
	return l.Get(l.selected)
}
