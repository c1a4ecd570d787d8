package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"muse/api/internal/auth"
	"muse/api/internal/editor"
	"muse/api/internal/export"
	"muse/api/internal/ledger"
	"muse/api/internal/presence"
	"muse/api/internal/rbac"
	"muse/api/internal/search"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.routes())
}

func (s *HTTPServer) routes() *mux.Router {
	r := mux.NewRouter()
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNoContent, map[string]any{})
	})

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/session", s.handleSession).Methods(http.MethodGet)
	api.HandleFunc("/session/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/search", s.authed(rbac.ActionRead, s.handleSearch)).Methods(http.MethodGet)

	api.HandleFunc("/documents", s.authed(rbac.ActionRead, s.handleListDocuments)).Methods(http.MethodGet)
	api.HandleFunc("/documents", s.authed(rbac.ActionSuggest, s.handleCreateDocument)).Methods(http.MethodPost)

	docs := api.PathPrefix("/documents/{id}").Subrouter()
	docs.HandleFunc("", s.authed(rbac.ActionRead, s.handleGetDocument)).Methods(http.MethodGet)
	docs.HandleFunc("/session", s.authed(rbac.ActionAdmin, s.handleCloseSession)).Methods(http.MethodDelete)
	docs.HandleFunc("/edits", s.authed(rbac.ActionSuggest, s.handleEdit)).Methods(http.MethodPost)
	docs.HandleFunc("/generate", s.authed(rbac.ActionSuggest, s.handleGenerate)).Methods(http.MethodPost)
	docs.HandleFunc("/generate", s.authed(rbac.ActionSuggest, s.handleStopGeneration)).Methods(http.MethodDelete)

	docs.HandleFunc("/suggestions", s.authed(rbac.ActionRead, s.handleSuggestions)).Methods(http.MethodGet)
	docs.HandleFunc("/suggestions", s.authed(rbac.ActionSuggest, s.handlePropose)).Methods(http.MethodPost)
	docs.HandleFunc("/suggestions/accept-all", s.authed(rbac.ActionReview, s.handleDecideAll(ledger.OutcomeAccepted))).Methods(http.MethodPost)
	docs.HandleFunc("/suggestions/reject-all", s.authed(rbac.ActionReview, s.handleDecideAll(ledger.OutcomeRejected))).Methods(http.MethodPost)
	docs.HandleFunc("/suggestions/{changeId}/accept", s.authed(rbac.ActionReview, s.handleDecide(ledger.OutcomeAccepted))).Methods(http.MethodPost)
	docs.HandleFunc("/suggestions/{changeId}/reject", s.authed(rbac.ActionReview, s.handleDecide(ledger.OutcomeRejected))).Methods(http.MethodPost)

	docs.HandleFunc("/bridge", s.authed(rbac.ActionReview, s.handleOpenChannel)).Methods(http.MethodPost)
	docs.HandleFunc("/bridge/{channel}", s.authed(rbac.ActionReview, s.handleDeliver)).Methods(http.MethodPost)

	docs.HandleFunc("/compare", s.authed(rbac.ActionRead, s.handleCompareStatus)).Methods(http.MethodGet)
	docs.HandleFunc("/compare", s.authed(rbac.ActionSuggest, s.handleStartCompare)).Methods(http.MethodPost)
	docs.HandleFunc("/compare", s.authed(rbac.ActionSuggest, s.handleStopCompare)).Methods(http.MethodDelete)

	docs.HandleFunc("/versions", s.authed(rbac.ActionSuggest, s.handleSaveVersion)).Methods(http.MethodPost)
	docs.HandleFunc("/history", s.authed(rbac.ActionRead, s.handleHistory)).Methods(http.MethodGet)
	docs.HandleFunc("/decisions", s.authed(rbac.ActionRead, s.handleDecisions)).Methods(http.MethodGet)
	docs.HandleFunc("/export", s.authed(rbac.ActionRead, s.handleExport)).Methods(http.MethodGet)
	docs.HandleFunc("/ws", s.authed(rbac.ActionRead, s.handleWS)).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

type authedHandler func(w http.ResponseWriter, r *http.Request, session Session)

// authed resolves the caller's session and checks action against their role.
func (s *HTTPServer) authed(action rbac.Action, next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		if !s.service.Can(session.Role, action) {
			s.forbid(w, r, session, action)
			return
		}
		next(w, r, session)
	}
}

// forbid writes a 403 Forbidden response and logs the denial
func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action) {
	log.Printf("rbac: denied %s %s for user=%s role=%s action=%s", r.Method, r.URL.Path, session.UserID, session.Role, action)
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("app: %s: %v", code, err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": session.UserName, "userId": session.UserID, "role": session.Role})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Login(r.Context(), body.Name)
	if err != nil {
		log.Printf("app: login failed: %v", err)
		writeError(w, http.StatusInternalServerError, "LOGIN_FAILED", "Login failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     session.Token,
		"userName":  session.UserName,
		"userId":    session.UserID,
		"role":      session.Role,
		"expiresAt": session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, _ Session) {
	query := r.URL.Query()
	text := strings.TrimSpace(query.Get("q"))
	if text == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	filterType := search.ResultType(query.Get("type"))
	if filterType != "" && filterType != search.ResultDocument && filterType != search.ResultSuggestion {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be document or suggestion", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), search.Query{
		Text:             text,
		FilterType:       filterType,
		FilterDocumentID: query.Get("documentId"),
		Limit:            queryInt(r, "limit", 20),
		Offset:           queryInt(r, "offset", 0),
	}))
}

func (s *HTTPServer) handleListDocuments(w http.ResponseWriter, r *http.Request, _ Session) {
	items, err := s.service.ListDocuments(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": items})
}

func (s *HTTPServer) handleCreateDocument(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Title   string          `json:"title"`
		Content json.RawMessage `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	created, err := s.service.CreateDocument(r.Context(), body.Title, body.Content, session.UserName)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request, _ Session) {
	payload, err := s.service.GetDocument(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleCloseSession(w http.ResponseWriter, r *http.Request, _ Session) {
	if err := s.service.CloseSession(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleEdit(w http.ResponseWriter, r *http.Request, session Session) {
	var edit editor.Edit
	if err := decodeBody(r, &edit); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	edit.Origin = session.UserID
	payload, err := s.service.ApplyEdit(r.Context(), mux.Vars(r)["id"], session.UserName, edit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleGenerate(w http.ResponseWriter, r *http.Request, session Session) {
	var input GenerateInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.Generate(r.Context(), mux.Vars(r)["id"], session.UserName, input)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleStopGeneration(w http.ResponseWriter, r *http.Request, _ Session) {
	stopped, err := s.service.StopGeneration(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": stopped})
}

func (s *HTTPServer) handleSuggestions(w http.ResponseWriter, r *http.Request, _ Session) {
	payload, err := s.service.Suggestions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handlePropose(w http.ResponseWriter, r *http.Request, session Session) {
	var proposal editor.Proposal
	if err := decodeBody(r, &proposal); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	change, err := s.service.Propose(r.Context(), mux.Vars(r)["id"], session.UserName, proposal)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"change": change})
}

func (s *HTTPServer) handleDecide(outcome ledger.Outcome) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, session Session) {
		vars := mux.Vars(r)
		if err := s.service.Decide(r.Context(), vars["id"], vars["changeId"], session.UserName, outcome); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "changeId": vars["changeId"], "outcome": outcome})
	}
}

func (s *HTTPServer) handleDecideAll(outcome ledger.Outcome) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, session Session) {
		decided, err := s.service.DecideAll(r.Context(), mux.Vars(r)["id"], session.UserName, outcome)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "decided": decided, "outcome": outcome})
	}
}

func (s *HTTPServer) handleOpenChannel(w http.ResponseWriter, r *http.Request, session Session) {
	payload, err := s.service.OpenChannel(r.Context(), mux.Vars(r)["id"], session.UserName)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleDeliver(w http.ResponseWriter, r *http.Request, session Session) {
	var raw json.RawMessage
	if err := decodeBody(r, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	vars := mux.Vars(r)
	payload, err := s.service.Deliver(r.Context(), vars["id"], vars["channel"], session.UserName, raw)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleCompareStatus(w http.ResponseWriter, r *http.Request, _ Session) {
	payload, err := s.service.CompareStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleStartCompare(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Hash string `json:"hash"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.StartCompare(r.Context(), mux.Vars(r)["id"], body.Hash, session.UserName)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleStopCompare(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.StopCompare(r.Context(), mux.Vars(r)["id"], session.UserName); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSaveVersion(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.SaveVersion(r.Context(), mux.Vars(r)["id"], body.Name, session.UserName)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, _ Session) {
	payload, err := s.service.History(r.Context(), mux.Vars(r)["id"], queryInt(r, "limit", defaultHistoryLimit))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleDecisions(w http.ResponseWriter, r *http.Request, _ Session) {
	payload, err := s.service.DecisionLog(r.Context(), mux.Vars(r)["id"], r.URL.Query().Get("outcome"), queryInt(r, "limit", 50))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, _ Session) {
	query := r.URL.Query()
	result, err := s.service.Export(r.Context(), export.Request{
		DocumentID:     mux.Vars(r)["id"],
		Format:         export.Format(query.Get("format")),
		IncludeChanges: query.Get("changes") != "false",
		Store:          query.Get("store") == "true",
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	if result.ArtifactURL != "" {
		w.Header().Set("X-Artifact-URL", result.ArtifactURL)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleWS(w http.ResponseWriter, r *http.Request, session Session) {
	documentID := mux.Vars(r)["id"]
	if err := s.service.OpenSession(r.Context(), documentID); err != nil {
		s.fail(w, err)
		return
	}
	identity := presence.Identity{
		UserID:      session.UserID,
		DisplayName: session.UserName,
		Color:       presence.ColorFor(session.UserID),
	}
	if err := s.service.ServeRealtime(w, r, documentID, identity); err != nil {
		// The upgrader has already answered when the handshake failed.
		log.Printf("app: websocket %s: %v", documentID, err)
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		// Browsers cannot set headers on websocket handshakes.
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "X-Request-ID, X-Artifact-URL, Content-Disposition")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	token, _ := auth.BearerToken(r.Header.Get("Authorization"))
	return token
}

func queryInt(r *http.Request, key string, fallback int) int {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}
