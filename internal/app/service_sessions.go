package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"fortio.org/safecast"

	"muse/api/internal/anchor"
	"muse/api/internal/editor"
	"muse/api/internal/ledger"
	"muse/api/internal/presence"
	"muse/api/internal/search"
	"muse/api/internal/store"
)

const decisionWriteTimeout = 5 * time.Second

// serverIdentity is how the service's own sessions appear to other
// participants.
var serverIdentity = presence.Identity{UserID: "muse-server", DisplayName: "Muse"}

// docSession is the live editing session of one document.
type docSession struct {
	id     string
	editor *editor.Session
	// baseVersion is the stored version the session was loaded at; the
	// session counts its own edits from zero.
	baseVersion int64

	// ops serialises service operations so the actor recorded with a
	// decision is the one who asked for it.
	ops  sync.Mutex
	save sync.Mutex

	mu    sync.Mutex
	title string
	actor string
	dirty bool

	stops []func()
}

func (d *docSession) setActor(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if name != "" {
		d.actor = name
	}
}

func (d *docSession) meta() (title, actor string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.title, d.actor
}

func (d *docSession) markDirty() {
	d.mu.Lock()
	d.dirty = true
	d.mu.Unlock()
}

func (d *docSession) takeDirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	dirty := d.dirty
	d.dirty = false
	return dirty
}

func (s *Service) lookup(documentID string) *docSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[documentID]
}

// session returns the document's session, opening it on first use.
func (s *Service) session(ctx context.Context, documentID string) (*docSession, error) {
	if ds := s.lookup(documentID); ds != nil {
		return ds, nil
	}
	value, err, _ := s.opening.Do(documentID, func() (any, error) {
		if ds := s.lookup(documentID); ds != nil {
			return ds, nil
		}
		ds, err := s.openSession(context.WithoutCancel(ctx), documentID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.sessions[documentID] = ds
		s.mu.Unlock()
		return ds, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*docSession), nil
}

// OpenSession makes sure the document's editing session is running.
func (s *Service) OpenSession(ctx context.Context, documentID string) error {
	_, err := s.session(ctx, documentID)
	return err
}

// ServeRealtime joins the caller to the document's room.
func (s *Service) ServeRealtime(w http.ResponseWriter, r *http.Request, documentID string, identity presence.Identity) error {
	return s.hub.ServeWS(w, r, documentID, identity)
}

func (s *Service) openSession(ctx context.Context, documentID string) (*docSession, error) {
	record, err := s.store.GetDocument(ctx, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("DOCUMENT_NOT_FOUND", "Document not found")
	}
	if err != nil {
		return nil, err
	}

	provider, err := s.hub.Provider(documentID, func(context.Context) (json.RawMessage, error) {
		return record.Content, nil
	})
	if err != nil {
		return nil, err
	}
	transport, err := s.hub.Transport(documentID)
	if err != nil {
		return nil, err
	}

	session := editor.New(editor.Config{
		DocumentID: documentID,
		Provider:   provider,
		Identity:   serverIdentity,
		Presence:   presence.Config{Debounce: s.cfg.CursorDebounce, TypingIdle: s.cfg.TypingIdle},
		Transport:  transport,
	})
	ds := &docSession{
		id:          documentID,
		editor:      session,
		baseVersion: record.Version,
		title:       record.Title,
		actor:       record.UpdatedBy,
	}
	ds.stops = append(ds.stops, session.Subscribe(s.observe(ds)))

	fail := func(err error) (*docSession, error) {
		ds.stop()
		s.hub.CloseRoom(documentID)
		return nil, err
	}
	if err := session.Load(ctx); err != nil {
		return fail(err)
	}
	suggestions, err := s.store.ListSuggestions(ctx, documentID)
	if err != nil {
		return fail(err)
	}
	restored, lost, err := session.RestoreAnchors(persistedChanges(suggestions))
	if err != nil {
		return fail(err)
	}
	if lost > 0 {
		log.Printf("app: %s: %d of %d suggestions lost their anchors", documentID, lost, restored+lost)
	}

	provider.AttachContent(session.Content)
	ds.stops = append(ds.stops, provider.OnPresence(session.ApplyPresence))

	// Loading assigns missing block ids; save them so anchors stay valid.
	if err := s.flush(ctx, ds); err != nil {
		log.Printf("app: %s: initial save failed: %v", documentID, err)
	}
	return ds, nil
}

func (d *docSession) stop() {
	for _, stop := range d.stops {
		stop()
	}
	d.stops = nil
	d.editor.Close()
}

// mutate runs fn against the document on behalf of actor and persists what
// it changed before returning.
func (s *Service) mutate(ctx context.Context, documentID, actor string, fn func(*editor.Session) error) error {
	ds, err := s.session(ctx, documentID)
	if err != nil {
		return err
	}
	ds.ops.Lock()
	defer ds.ops.Unlock()
	ds.setActor(actor)
	opErr := fn(ds.editor)
	return errors.Join(opErr, s.flush(ctx, ds))
}

// observe keeps the store in step with the session. Decisions are logged as
// they happen; everything else marks the document dirty for the next flush.
// Edits arriving from the room have no service call to flush them, so they
// are saved here.
func (s *Service) observe(ds *docSession) editor.Observer {
	return func(event editor.Event) {
		switch event.Type {
		case editor.EventDecision:
			if event.Decision != nil {
				s.recordDecision(ds, *event.Decision)
			}
			ds.markDirty()
		case editor.EventContentReset, editor.EventChangesUpdated, editor.EventChangesDropped, editor.EventCompare:
			ds.markDirty()
		case editor.EventEdit:
			ds.markDirty()
			if !event.Local {
				if err := s.flush(context.Background(), ds); err != nil {
					log.Printf("app: %s: save after remote edit: %v", ds.id, err)
				}
			}
		}
	}
}

func (s *Service) recordDecision(ds *docSession, decision ledger.Decision) {
	_, actor := ds.meta()
	change := decision.Change
	entry := store.DecisionLogEntry{
		DocumentID: ds.id,
		ChangeID:   change.ID,
		ChangeType: string(change.Type),
		Outcome:    string(decision.Outcome),
		NewContent: change.NewContent,
		OldContent: change.OldContent,
		RuleID:     change.RuleID,
		Model:      change.Model,
		DecidedBy:  actor,
		DecidedAt:  decision.DecidedAt,
	}
	ctx, cancel := context.WithTimeout(context.Background(), decisionWriteTimeout)
	defer cancel()
	if err := s.store.InsertDecision(ctx, entry); err != nil {
		log.Printf("app: %s: record decision on %s: %v", ds.id, change.ID, err)
	}
	if s.search != nil {
		s.search.DeleteSuggestion(ds.id, change.ID)
	}
}

// flush saves the document, its pending suggestions and their anchors when
// anything changed since the last save.
func (s *Service) flush(ctx context.Context, ds *docSession) error {
	ds.save.Lock()
	defer ds.save.Unlock()
	if !ds.takeDirty() {
		return nil
	}

	snapshot := ds.editor.Snapshot()
	anchored, skipped := ds.editor.ExportAnchors()
	version, err := safecast.Conv[int64](snapshot.Version)
	if err != nil {
		return err
	}
	title, actor := ds.meta()
	record := store.Document{
		ID:        ds.id,
		Title:     title,
		Content:   snapshot.Content,
		PlainText: snapshot.Text,
		Version:   ds.baseVersion + version,
		UpdatedBy: actor,
	}
	if err := s.store.SaveDocument(ctx, record); err != nil {
		ds.markDirty()
		return err
	}

	suggestions := make([]store.Suggestion, 0, len(anchored))
	records := make([]search.SuggestionRecord, 0, len(anchored))
	for _, item := range anchored {
		suggestions = append(suggestions, storedSuggestion(ds.id, item))
		records = append(records, search.SuggestionRecord{
			ChangeID:   item.Change.ID,
			DocumentID: ds.id,
			Type:       string(item.Change.Type),
			NewContent: item.Change.NewContent,
			OldContent: item.Change.OldContent,
			Model:      item.Change.Model,
		})
	}
	if err := s.store.ReplaceSuggestions(ctx, ds.id, suggestions); err != nil {
		ds.markDirty()
		return err
	}
	if skipped > 0 {
		log.Printf("app: %s: %d suggestions could not be anchored and were not saved", ds.id, skipped)
	}

	if s.search != nil {
		s.search.IndexDocument(search.DocumentRecord{ID: ds.id, Title: title, PlainText: snapshot.Text})
		s.search.IndexSuggestions(ds.id, records)
	}
	return nil
}

// CloseSession saves and tears down the document's session and the bridge
// channels opened on it.
func (s *Service) CloseSession(ctx context.Context, documentID string) error {
	s.mu.Lock()
	ds, ok := s.sessions[documentID]
	delete(s.sessions, documentID)
	for id, ch := range s.channels {
		if ch.documentID == documentID {
			delete(s.channels, id)
		}
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	ds.ops.Lock()
	defer ds.ops.Unlock()
	err := s.flush(ctx, ds)
	ds.stop()
	s.hub.CloseRoom(documentID)
	return err
}

// Close saves and closes every open session.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.CloseSession(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func storedSuggestion(documentID string, item editor.PersistedChange) store.Suggestion {
	change := item.Change
	return store.Suggestion{
		DocumentID:   documentID,
		ChangeID:     change.ID,
		Type:         string(change.Type),
		From:         change.From,
		To:           change.To,
		NewContent:   change.NewContent,
		OldContent:   change.OldContent,
		RuleID:       change.RuleID,
		Model:        change.Model,
		StartBlockID: item.Start.BlockID,
		StartOffset:  item.Start.Offset,
		EndBlockID:   item.End.BlockID,
		EndOffset:    item.End.Offset,
		CreatedAt:    change.CreatedAt,
	}
}

func persistedChanges(items []store.Suggestion) []editor.PersistedChange {
	out := make([]editor.PersistedChange, 0, len(items))
	for _, item := range items {
		out = append(out, editor.PersistedChange{
			Change: ledger.Change{
				ID:         item.ChangeID,
				Type:       ledger.Type(item.Type),
				From:       item.From,
				To:         item.To,
				NewContent: item.NewContent,
				OldContent: item.OldContent,
				RuleID:     item.RuleID,
				Model:      item.Model,
				CreatedAt:  item.CreatedAt,
				Status:     ledger.StatusProposed,
			},
			Start: anchor.BlockAnchor{BlockID: item.StartBlockID, Offset: item.StartOffset},
			End:   anchor.BlockAnchor{BlockID: item.EndBlockID, Offset: item.EndOffset},
		})
	}
	return out
}
