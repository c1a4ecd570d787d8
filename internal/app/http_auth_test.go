package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLoginContract(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs, &fakeGit{})
	handler := NewHTTPServer(svc, "*").Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/session/login", strings.NewReader(`{"name":"  Avery  "}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	for _, key := range []string{"token", "userName", "userId", "role", "expiresAt"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("login response missing %q: %+v", key, body)
		}
	}
	if body["userName"] != "Avery" {
		t.Fatalf("expected trimmed name, got %v", body["userName"])
	}

	token, _ := body["token"].(string)
	sessionReq := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	sessionReq.Header.Set("Authorization", "Bearer "+token)
	sessionRec := httptest.NewRecorder()
	handler.ServeHTTP(sessionRec, sessionReq)

	var session map[string]any
	if err := json.Unmarshal(sessionRec.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if session["authenticated"] != true || session["userName"] != "Avery" {
		t.Fatalf("unexpected session payload: %+v", session)
	}
}

func TestLoginDefaultsEmptyName(t *testing.T) {
	svc := newTestService(t, newFakeStore(), &fakeGit{})
	session, err := svc.Login(context.Background(), "   ")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if session.UserName != "User" {
		t.Fatalf("expected default name, got %q", session.UserName)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	svc := newTestService(t, newFakeStore(), &fakeGit{})
	handler := NewHTTPServer(svc, "*").Handler()

	for _, path := range []string{"/api/documents", "/api/documents/doc_1/suggestions", "/api/search?q=x"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", rec.Code)
	}
}

func TestViewerCannotReviewOrSuggest(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs, &fakeGit{})
	handler := NewHTTPServer(svc, "*").Handler()
	documentID := createHello(t, svc)
	token := tokenFor(t, svc, fs, "user-viewer", "Vic", "viewer")

	tests := []struct {
		method string
		path   string
		body   string
	}{
		{method: http.MethodPost, path: "/api/documents/" + documentID + "/suggestions/chg_1/accept"},
		{method: http.MethodPost, path: "/api/documents/" + documentID + "/suggestions/accept-all"},
		{method: http.MethodPost, path: "/api/documents/" + documentID + "/suggestions", body: `{"type":"insert","from":6,"newContent":"x"}`},
		{method: http.MethodPost, path: "/api/documents/" + documentID + "/bridge"},
		{method: http.MethodDelete, path: "/api/documents/" + documentID + "/session"},
	}
	for _, tc := range tests {
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s %s: expected 403, got %d", tc.method, tc.path, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/documents/"+documentID+"/suggestions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("viewer read: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebsocketTokenFromQuery(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs, &fakeGit{})
	handler := NewHTTPServer(svc, "*").Handler()
	token := tokenFor(t, svc, fs, "user-1", "Avery", "editor")

	// Without an upgrade header the handshake fails after auth succeeds;
	// an unknown document is rejected before that.
	req := httptest.NewRequest(http.MethodGet, "/api/documents/doc_missing/ws?token="+token, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown document, got %d", rec.Code)
	}
}
