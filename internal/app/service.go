package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"muse/api/internal/anchor"
	"muse/api/internal/auth"
	"muse/api/internal/config"
	"muse/api/internal/doc"
	"muse/api/internal/export"
	"muse/api/internal/gitrepo"
	"muse/api/internal/rbac"
	"muse/api/internal/realtime"
	"muse/api/internal/search"
	"muse/api/internal/store"
	"muse/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      string
	JTI       string
	ExpiresAt time.Time
}

type dataStore interface {
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	ListDocuments(context.Context) ([]store.Document, error)
	GetDocument(context.Context, string) (store.Document, error)
	SaveDocument(context.Context, store.Document) error
	ReplaceSuggestions(context.Context, string, []store.Suggestion) error
	ListSuggestions(context.Context, string) ([]store.Suggestion, error)
	InsertDecision(context.Context, store.DecisionLogEntry) error
	ListDecisions(context.Context, string, string, int) ([]store.DecisionLogEntry, error)
	Ping(context.Context) error
}

type gitService interface {
	EnsureDocumentRepo(string, gitrepo.Snapshot, string) error
	CommitSnapshot(string, gitrepo.Snapshot, string, string) (gitrepo.CommitInfo, error)
	GetSnapshotByHash(string, string) (gitrepo.Snapshot, gitrepo.CommitInfo, error)
	History(string, int) ([]gitrepo.CommitInfo, error)
	CreateTag(string, string, string, string) error
	NamedVersions(string) ([]gitrepo.NamedVersion, error)
}

type searchIndex interface {
	Search(context.Context, search.Query) search.Response
	IndexDocument(search.DocumentRecord)
	IndexSuggestions(string, []search.SuggestionRecord)
	DeleteSuggestion(string, string)
}

type exporter interface {
	Export(context.Context, export.Request) (*export.Result, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	git      gitService
	search   searchIndex
	exporter exporter
	hub      *realtime.Hub
	signer   *auth.Signer

	opening  singleflight.Group
	mu       sync.Mutex
	sessions map[string]*docSession
	channels map[string]*channel
}

// New wires the service. searchService and artifacts may be nil.
func New(
	cfg config.Config,
	dataStore *store.PostgresStore,
	gitService *gitrepo.Service,
	hub *realtime.Hub,
	searchService *search.Service,
	artifacts export.ArtifactStore,
) (*Service, error) {
	signer, err := auth.NewSigner([]byte(cfg.JWTSecret), cfg.AccessTTL)
	if err != nil {
		return nil, err
	}
	s := &Service{
		cfg:      cfg,
		store:    dataStore,
		git:      gitService,
		hub:      hub,
		signer:   signer,
		sessions: make(map[string]*docSession),
		channels: make(map[string]*channel),
	}
	if searchService != nil {
		s.search = searchService
	}
	s.exporter = export.NewService(s, artifacts)
	return s, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(user)
}

func (s *Service) issueSession(user store.User) (Session, error) {
	token, claims, err := s.signer.Issue(user.ID, user.DisplayName, user.Role)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// SessionFromToken verifies the token and reloads the user so role changes
// apply to tokens already issued.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.signer.Parse(token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) ListDocuments(ctx context.Context) ([]map[string]any, error) {
	documents, err := s.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(documents))
	for _, item := range documents {
		items = append(items, s.documentSummary(item))
	}
	return items, nil
}

func (s *Service) documentSummary(item store.Document) map[string]any {
	return map[string]any{
		"id":        item.ID,
		"title":     item.Title,
		"version":   item.Version,
		"updatedBy": item.UpdatedBy,
		"updatedAt": item.UpdatedAt,
		"open":      s.lookup(item.ID) != nil,
	}
}

// CreateDocument stores a new document and starts its version history.
// Blocks without an id get one so suggestions can be anchored right away.
func (s *Service) CreateDocument(ctx context.Context, title string, content json.RawMessage, userName string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, validationError("title is required")
	}
	parsed, err := doc.Parse(content)
	if err != nil {
		return nil, validationError(err.Error())
	}
	anchor.AssignBlockIDs(parsed.Root())

	record := store.Document{
		ID:        util.NewID("doc"),
		Title:     title,
		Content:   parsed.JSON(),
		PlainText: parsed.Text(),
		UpdatedBy: userName,
	}
	if err := s.store.SaveDocument(ctx, record); err != nil {
		return nil, err
	}
	if err := s.git.EnsureDocumentRepo(record.ID, gitrepo.Snapshot{Title: record.Title, Doc: record.Content}, userName); err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.IndexDocument(search.DocumentRecord{ID: record.ID, Title: record.Title, PlainText: record.PlainText})
	}
	return s.documentSummary(record), nil
}

// GetDocument opens the document's editing session and returns its state.
func (s *Service) GetDocument(ctx context.Context, documentID string) (map[string]any, error) {
	ds, err := s.session(ctx, documentID)
	if err != nil {
		return nil, err
	}
	title, _ := ds.meta()
	return map[string]any{
		"id":       documentID,
		"title":    title,
		"snapshot": ds.editor.Snapshot(),
	}, nil
}

func (s *Service) DecisionLog(ctx context.Context, documentID, outcome string, limit int) (map[string]any, error) {
	outcome = strings.ToUpper(strings.TrimSpace(outcome))
	if outcome != "" && outcome != "ACCEPTED" && outcome != "REJECTED" {
		return nil, validationError("outcome must be ACCEPTED or REJECTED")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	entries, err := s.store.ListDecisions(ctx, documentID, outcome, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, map[string]any{
			"id":         entry.ID,
			"changeId":   entry.ChangeID,
			"changeType": entry.ChangeType,
			"outcome":    entry.Outcome,
			"newContent": entry.NewContent,
			"oldContent": entry.OldContent,
			"ruleId":     entry.RuleID,
			"model":      entry.Model,
			"decidedBy":  entry.DecidedBy,
			"decidedAt":  entry.DecidedAt,
		})
	}
	return map[string]any{"documentId": documentID, "items": items}, nil
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

// Export renders the live document, pending suggestions included.
func (s *Service) Export(ctx context.Context, req export.Request) (*export.Result, error) {
	return s.exporter.Export(ctx, req)
}

// ExportSource implements export.Source from the editing session.
func (s *Service) ExportSource(ctx context.Context, documentID string) (export.Document, error) {
	ds, err := s.session(ctx, documentID)
	if err != nil {
		return export.Document{}, err
	}
	record, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return export.Document{}, err
	}
	snapshot := ds.editor.Snapshot()
	title, _ := ds.meta()
	return export.Document{
		ID:        documentID,
		Title:     title,
		Content:   snapshot.Content,
		Author:    record.UpdatedBy,
		UpdatedAt: record.UpdatedAt,
		Changes:   snapshot.Changes,
	}, nil
}

func notFound(code, message string) *DomainError {
	return domainError(http.StatusNotFound, code, message, nil)
}
