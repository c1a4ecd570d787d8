// Package editor is the editing session: the explicit context object that
// owns one document, its change ledger, comparison mode and presence, and
// keeps the derived overlays in step with every edit.
package editor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"muse/api/internal/anchor"
	"muse/api/internal/compare"
	"muse/api/internal/doc"
	"muse/api/internal/ledger"
	"muse/api/internal/mapping"
	"muse/api/internal/presence"
)

var (
	ErrClosed           = errors.New("editing session closed")
	ErrGenerationActive = errors.New("a generation is already running")
)

// ProvenanceMark is stamped over accepted suggestion content.
const ProvenanceMark = "provenance"

type Config struct {
	DocumentID string
	Provider   Provider
	Identity   presence.Identity
	Presence   presence.Config
	Transport  presence.Transport
}

// Session serialises every document mutation together with the bookkeeping
// it triggers. Observers run outside the lock.
type Session struct {
	mu         sync.Mutex
	dispatchMu sync.Mutex

	id       string
	doc      *doc.Document
	anchors  *anchor.Index
	ledger   *ledger.Ledger
	compare  *compare.Mode
	presence *presence.Broadcaster
	provider Provider
	outbox   *outbox

	unsubscribe func()
	observers   map[int]Observer
	nextObs     int
	pending     []Event

	ready      bool
	readyHooks []func()
	closed     bool

	tracked     map[int]*tracked
	nextTracked int
	generation  *generation

	// replaced holds the content each live replace suggestion displaced.
	replaced map[string][]*doc.Node
}

type tracked struct {
	pos  int
	bias mapping.Bias
}

func New(cfg Config) *Session {
	s := &Session{
		id:        cfg.DocumentID,
		doc:       doc.New(nil),
		provider:  cfg.Provider,
		observers: make(map[int]Observer),
		tracked:   make(map[int]*tracked),
		replaced:  make(map[string][]*doc.Node),
	}
	s.anchors = anchor.NewIndex(s.doc)
	s.ledger = ledger.New(ledgerEditor{s: s})
	s.ledger.OnDecision(func(d ledger.Decision) {
		delete(s.replaced, d.Change.ID)
		s.emitLocked(Event{Type: EventDecision, Decision: &d})
	})
	s.compare = compare.NewMode(s.ledger)
	s.presence = presence.NewBroadcaster(cfg.Identity, cfg.Transport, cfg.Presence)
	if s.provider != nil {
		s.outbox = newOutbox(s.provider)
		s.unsubscribe = s.provider.Subscribe(func(edit Edit) {
			if _, err := s.ApplyRemoteEdit(edit); err != nil {
				log.Printf("editor: %s: remote edit rejected: %v", s.id, err)
			}
		})
	}
	return s
}

func (s *Session) ID() string { return s.id }

// Load fetches the initial content from the provider and marks the session
// ready. Without a provider the session starts empty.
func (s *Session) Load(ctx context.Context) error {
	var raw json.RawMessage
	if s.provider != nil {
		content, err := s.provider.InitialContent(ctx)
		if err != nil {
			return fmt.Errorf("load initial content: %w", err)
		}
		raw = content
	}
	parsed, err := doc.Parse(raw)
	if err != nil {
		return err
	}
	anchor.AssignBlockIDs(parsed.Root())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.resetLocked(parsed)
	hooks := s.markReadyLocked()
	s.mu.Unlock()

	s.dispatch()
	for _, hook := range hooks {
		hook()
	}
	return nil
}

// SetContent replaces the whole document as a local edit. Tracked changes
// and comparison state refer to the old content and are cleared.
func (s *Session) SetContent(raw json.RawMessage) error {
	parsed, err := doc.Parse(raw)
	if err != nil {
		return err
	}
	anchor.AssignBlockIDs(parsed.Root())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	step := doc.Step{From: 0, To: s.doc.Size(), Nodes: parsed.Root().Content}
	if _, err := s.applyLocked(Edit{Steps: []doc.Step{step}}, true); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.compare.Active() {
		s.compare.Stop()
	}
	s.ledger.Clear()
	clear(s.replaced)
	s.emitLocked(Event{Type: EventContentReset})
	hooks := s.markReadyLocked()
	s.mu.Unlock()

	s.dispatch()
	for _, hook := range hooks {
		hook()
	}
	return nil
}

func (s *Session) resetLocked(d *doc.Document) {
	s.doc = d
	s.anchors = anchor.NewIndex(d)
	s.ledger.Clear()
	clear(s.replaced)
	if s.compare.Active() {
		s.compare.Stop()
	}
	for id := range s.tracked {
		delete(s.tracked, id)
	}
	s.emitLocked(Event{Type: EventContentReset})
}

func (s *Session) markReadyLocked() []func() {
	if s.ready {
		return nil
	}
	s.ready = true
	s.emitLocked(Event{Type: EventReady})
	hooks := s.readyHooks
	s.readyHooks = nil
	return hooks
}

func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// OnReady runs fn once the session has content. It runs immediately when the
// session is already ready.
func (s *Session) OnReady(fn func()) {
	s.mu.Lock()
	if !s.ready {
		s.readyHooks = append(s.readyHooks, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn()
}

// Subscribe registers an observer and returns its cancel func.
func (s *Session) Subscribe(fn Observer) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

// ApplyLocalEdit applies an edit made on this surface and queues it for the
// provider.
func (s *Session) ApplyLocalEdit(edit Edit) (*mapping.Mapping, error) {
	return s.apply(edit, true)
}

// ApplyRemoteEdit integrates an edit the provider delivered. Positions are
// taken against the document as it stands on arrival.
func (s *Session) ApplyRemoteEdit(edit Edit) (*mapping.Mapping, error) {
	return s.apply(edit, false)
}

func (s *Session) apply(edit Edit, local bool) (*mapping.Mapping, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	m, err := s.applyLocked(edit, local)
	s.mu.Unlock()
	s.dispatch()
	return m, err
}

// applyLocked mutates the document and, in the same critical section, remaps
// the ledger, presence and tracked positions.
func (s *Session) applyLocked(edit Edit, local bool) (*mapping.Mapping, error) {
	steps, err := s.identifyLocked(edit.Steps)
	if err != nil {
		return nil, err
	}
	edit.Steps = steps
	m, err := s.doc.ApplyTransaction(edit.Steps, edit.Marks)
	if err != nil {
		return nil, err
	}
	size := s.doc.Size()
	dropped := s.ledger.Remap(m, size)
	for _, change := range dropped {
		delete(s.replaced, change.ID)
	}
	s.presence.Remap(m, size)
	for _, t := range s.tracked {
		t.pos = min(max(m.Map(t.pos, t.bias), 0), size)
	}

	copied := edit
	s.emitLocked(Event{Type: EventEdit, Local: local, Edit: &copied, Mapping: m})
	if len(dropped) > 0 {
		s.emitLocked(Event{Type: EventChangesDropped, Changes: dropped})
	}
	if local && s.outbox != nil {
		s.outbox.push(edit)
	}
	return m, nil
}

// identifyLocked gives the blocks an edit inserts their block ids. Each step
// is checked against the document the previous steps produce.
func (s *Session) identifyLocked(steps []doc.Step) ([]doc.Step, error) {
	structural := false
	for _, step := range steps {
		if len(step.Nodes) > 0 {
			structural = true
			break
		}
	}
	if !structural {
		return steps, nil
	}
	working := s.doc.Clone()
	out := make([]doc.Step, len(steps))
	for i, step := range steps {
		out[i] = anchor.IdentifyInserted(working, step)
		if _, err := working.Apply(out[i]); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}
	return out, nil
}

func (s *Session) emitLocked(event Event) {
	event.Version = s.doc.Version()
	s.pending = append(s.pending, event)
}

// dispatch delivers pending events. dispatchMu keeps concurrent callers from
// interleaving deliveries.
func (s *Session) dispatch() {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	s.mu.Lock()
	events := s.pending
	s.pending = nil
	observers := make([]Observer, 0, len(s.observers))
	for id := 0; id < s.nextObs; id++ {
		if fn, ok := s.observers[id]; ok {
			observers = append(observers, fn)
		}
	}
	s.mu.Unlock()

	for _, event := range events {
		for _, fn := range observers {
			fn(event)
		}
	}
}

// do runs fn under the session lock and dispatches what it emitted.
func (s *Session) do(fn func() error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	err := fn()
	s.mu.Unlock()
	s.dispatch()
	return err
}

// Content returns the document as documentJSON.
func (s *Session) Content() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.JSON()
}

// Document returns a copy of the live document.
func (s *Session) Document() *doc.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Clone()
}

// Snapshot is a consistent read of the session state.
type Snapshot struct {
	DocumentID string                  `json:"documentId"`
	Version    uint64                  `json:"version"`
	Ready      bool                    `json:"ready"`
	Content    json.RawMessage         `json:"content"`
	Text       string                  `json:"text"`
	Changes    []ledger.Change         `json:"changes"`
	Selected   string                  `json:"selected,omitempty"`
	Compare    compare.Status          `json:"compare"`
	Cursors    []presence.RemoteCursor `json:"cursors"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snapshot := Snapshot{
		DocumentID: s.id,
		Version:    s.doc.Version(),
		Ready:      s.ready,
		Content:    s.doc.JSON(),
		Text:       s.doc.Text(),
		Changes:    s.ledger.Changes(),
		Compare:    s.compare.Status(),
	}
	if selected, ok := s.ledger.Selected(); ok {
		snapshot.Selected = selected.ID
	}
	s.mu.Unlock()
	snapshot.Cursors = s.presence.Remote()
	return snapshot
}

// Close stops the session. Pending outbound edits are still delivered.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.generation != nil {
		s.generation.stopLocked()
	}
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.presence.Close()
	if s.outbox != nil {
		s.outbox.close()
	}
}

// trackLocked registers a position that follows edits.
func (s *Session) trackLocked(pos int, bias mapping.Bias) int {
	id := s.nextTracked
	s.nextTracked++
	s.tracked[id] = &tracked{pos: pos, bias: bias}
	return id
}

func (s *Session) untrackLocked(id int) int {
	t, ok := s.tracked[id]
	if !ok {
		return 0
	}
	delete(s.tracked, id)
	return t.pos
}

// ledgerEditor is the ledger's view of the document. The ledger only calls
// it from session methods that already hold the lock.
type ledgerEditor struct {
	s *Session
}

func (e ledgerEditor) Size() int { return e.s.doc.Size() }

func (e ledgerEditor) ReplaceText(from, to int, text string) error {
	_, err := e.s.applyLocked(Edit{Steps: []doc.Step{{From: from, To: to, Text: text}}}, true)
	return err
}

// RestoreReplaced writes back what a replace suggestion displaced. Changes
// restored from storage only carry the text.
func (e ledgerEditor) RestoreReplaced(change ledger.Change) error {
	nodes, ok := e.s.replaced[change.ID]
	if !ok {
		return e.ReplaceText(change.From, change.To, change.OldContent)
	}
	step := doc.Step{From: change.From, To: change.To, Nodes: nodes}
	_, err := e.s.applyLocked(Edit{Steps: []doc.Step{step}}, true)
	return err
}

func (e ledgerEditor) Finalize(change ledger.Change) error {
	attrs := map[string]any{"changeId": change.ID}
	if change.Model != "" {
		attrs["model"] = change.Model
	}
	if change.RuleID != "" {
		attrs["ruleId"] = change.RuleID
	}
	mark := doc.MarkStep{From: change.From, To: change.To, Mark: doc.Mark{Type: ProvenanceMark, Attrs: attrs}}
	_, err := e.s.applyLocked(Edit{Marks: []doc.MarkStep{mark}}, true)
	return err
}
