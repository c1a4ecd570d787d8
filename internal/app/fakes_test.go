package app

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"testing"
	"time"

	"muse/api/internal/auth"
	"muse/api/internal/config"
	"muse/api/internal/export"
	"muse/api/internal/gitrepo"
	"muse/api/internal/realtime"
	"muse/api/internal/search"
	"muse/api/internal/store"
)

// fakeStore keeps documents, suggestions and decisions in memory. The Fn
// fields override individual methods.
type fakeStore struct {
	mu          sync.Mutex
	users       map[string]store.User
	documents   map[string]store.Document
	suggestions map[string][]store.Suggestion
	decisions   []store.DecisionLogEntry
	saves       int

	ensureUserByNameFn func(context.Context, string) (store.User, error)
	getUserByIDFn      func(context.Context, string) (store.User, error)
	saveDocumentFn     func(context.Context, store.Document) error
	pingFn             func(context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       make(map[string]store.User),
		documents:   make(map[string]store.Document),
		suggestions: make(map[string][]store.Suggestion),
	}
}

func (f *fakeStore) addUser(id, name, role string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[id] = store.User{ID: id, DisplayName: name, Role: role}
}

func (f *fakeStore) EnsureUserByName(ctx context.Context, name string) (store.User, error) {
	if f.ensureUserByNameFn != nil {
		return f.ensureUserByNameFn(ctx, name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.DisplayName == name {
			return user, nil
		}
	}
	user := store.User{ID: "user-" + name, DisplayName: name, Role: "editor"}
	f.users[user.ID] = user
	return user, nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) ListDocuments(context.Context) ([]store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Document, 0, len(f.documents))
	for _, item := range f.documents {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (f *fakeStore) GetDocument(_ context.Context, id string) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.documents[id]
	if !ok {
		return store.Document{}, sql.ErrNoRows
	}
	return item, nil
}

func (f *fakeStore) SaveDocument(ctx context.Context, item store.Document) error {
	if f.saveDocumentFn != nil {
		if err := f.saveDocumentFn(ctx, item); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.documents[item.ID]; ok && item.Title == "" {
		item.Title = existing.Title
	}
	item.UpdatedAt = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	f.documents[item.ID] = item
	f.saves++
	return nil
}

func (f *fakeStore) ReplaceSuggestions(_ context.Context, documentID string, items []store.Suggestion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suggestions[documentID] = append([]store.Suggestion(nil), items...)
	return nil
}

func (f *fakeStore) ListSuggestions(_ context.Context, documentID string) ([]store.Suggestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Suggestion(nil), f.suggestions[documentID]...), nil
}

func (f *fakeStore) InsertDecision(_ context.Context, entry store.DecisionLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.ID = int64(len(f.decisions) + 1)
	f.decisions = append(f.decisions, entry)
	return nil
}

func (f *fakeStore) ListDecisions(_ context.Context, documentID, outcome string, limit int) ([]store.DecisionLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.DecisionLogEntry, 0)
	for i := len(f.decisions) - 1; i >= 0 && len(items) < limit; i-- {
		entry := f.decisions[i]
		if entry.DocumentID == documentID && (outcome == "" || entry.Outcome == outcome) {
			items = append(items, entry)
		}
	}
	return items, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) document(id string) store.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.documents[id]
}

func (f *fakeStore) storedSuggestions(id string) []store.Suggestion {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Suggestion(nil), f.suggestions[id]...)
}

func (f *fakeStore) decisionLog() []store.DecisionLogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.DecisionLogEntry(nil), f.decisions...)
}

type fakeGit struct {
	mu      sync.Mutex
	commits []gitrepo.Snapshot
	tags    []string

	ensureFn          func(string, gitrepo.Snapshot, string) error
	getSnapshotByHash func(string, string) (gitrepo.Snapshot, gitrepo.CommitInfo, error)
	historyFn         func(string, int) ([]gitrepo.CommitInfo, error)
}

func (f *fakeGit) EnsureDocumentRepo(documentID string, initial gitrepo.Snapshot, author string) error {
	if f.ensureFn != nil {
		return f.ensureFn(documentID, initial, author)
	}
	return nil
}

func (f *fakeGit) CommitSnapshot(_ string, snapshot gitrepo.Snapshot, author, message string) (gitrepo.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, snapshot)
	return gitrepo.CommitInfo{
		Hash:     "abc1234",
		FullHash: "abc1234def5678abc1234def5678abc1234def56",
		Message:  message,
		Author:   author,
	}, nil
}

func (f *fakeGit) GetSnapshotByHash(documentID, hash string) (gitrepo.Snapshot, gitrepo.CommitInfo, error) {
	if f.getSnapshotByHash != nil {
		return f.getSnapshotByHash(documentID, hash)
	}
	return gitrepo.Snapshot{}, gitrepo.CommitInfo{}, gitrepo.ErrUnknownVersion
}

func (f *fakeGit) History(documentID string, limit int) ([]gitrepo.CommitInfo, error) {
	if f.historyFn != nil {
		return f.historyFn(documentID, limit)
	}
	return []gitrepo.CommitInfo{}, nil
}

func (f *fakeGit) CreateTag(_, _, name, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags = append(f.tags, name)
	return nil
}

func (f *fakeGit) NamedVersions(string) ([]gitrepo.NamedVersion, error) {
	return []gitrepo.NamedVersion{}, nil
}

type fakeSearch struct {
	mu          sync.Mutex
	documents   []search.DocumentRecord
	suggestions map[string][]search.SuggestionRecord
	deleted     []string
	searchFn    func(context.Context, search.Query) search.Response
}

func (f *fakeSearch) Search(ctx context.Context, q search.Query) search.Response {
	if f.searchFn != nil {
		return f.searchFn(ctx, q)
	}
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeSearch) IndexDocument(record search.DocumentRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.documents = append(f.documents, record)
}

func (f *fakeSearch) IndexSuggestions(documentID string, items []search.SuggestionRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.suggestions == nil {
		f.suggestions = make(map[string][]search.SuggestionRecord)
	}
	f.suggestions[documentID] = items
}

func (f *fakeSearch) DeleteSuggestion(documentID, changeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, search.SuggestionKey(documentID, changeID))
}

func newTestService(t *testing.T, fs *fakeStore, fg *fakeGit) *Service {
	t.Helper()
	signer, err := auth.NewSigner([]byte("test-secret"), time.Hour)
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	hub := realtime.NewHub(nil, "test", "*")
	svc := &Service{
		cfg:      config.Config{BridgeSecret: "bridge-secret", BridgeVersion: 1},
		store:    fs,
		git:      fg,
		search:   &fakeSearch{},
		hub:      hub,
		signer:   signer,
		sessions: make(map[string]*docSession),
		channels: make(map[string]*channel),
	}
	svc.exporter = export.NewService(svc, nil)
	t.Cleanup(func() {
		_ = svc.Close(context.Background())
		hub.Close()
	})
	return svc
}

const helloDoc = `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Hello world"}]}]}`

// createHello stores a one-paragraph document and returns its id.
func createHello(t *testing.T, svc *Service) string {
	t.Helper()
	created, err := svc.CreateDocument(context.Background(), "Greeting", []byte(helloDoc), "Avery")
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("CreateDocument() returned no id: %+v", created)
	}
	return id
}

func tokenFor(t *testing.T, svc *Service, fs *fakeStore, id, name, role string) string {
	t.Helper()
	fs.addUser(id, name, role)
	token, _, err := svc.signer.Issue(id, name, role)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return token
}
