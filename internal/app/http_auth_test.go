package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"maqlexpress/api/internal/auth"
)

func doJSON(t *testing.T, server *HTTPServer, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 && rr.Header().Get("Content-Type") == "application/json" {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
		}
	}
	return rr, payload
}

func signedInServer(t *testing.T, deps Deps) (*HTTPServer, *fakeStore, string) {
	t.Helper()
	fs := newFakeStore()
	server := NewHTTPServer(newTestService(fs, deps), "*")

	rr, _ := doJSON(t, server, http.MethodPost, "/api/auth/signup", "",
		`{"email":"avery@example.com","password":"hunter22!","firstName":"Avery","lastName":"Quinn"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("signup: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	rr, payload := doJSON(t, server, http.MethodPost, "/api/auth/signin", "",
		`{"email":"avery@example.com","password":"hunter22!"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("signin: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	token, _ := payload["accessToken"].(string)
	if token == "" {
		t.Fatalf("expected accessToken in %v", payload)
	}
	return server, fs, token
}

func TestSignUpSignInAndMe(t *testing.T) {
	server, _, token := signedInServer(t, Deps{})

	rr, payload := doJSON(t, server, http.MethodGet, "/api/auth/me", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["firstName"] != "Avery" || payload["lastName"] != "Quinn" || payload["email"] != "avery@example.com" {
		t.Fatalf("unexpected me payload %v", payload)
	}
}

func TestSignUpDuplicateEmail(t *testing.T) {
	server, _, _ := signedInServer(t, Deps{})
	rr, payload := doJSON(t, server, http.MethodPost, "/api/auth/signup", "",
		`{"email":"AVERY@example.com","password":"another-pass","firstName":"A","lastName":"Q"}`)
	if rr.Code != http.StatusConflict || payload["code"] != "EMAIL_EXISTS" {
		t.Fatalf("expected 409 EMAIL_EXISTS, got %d %v", rr.Code, payload)
	}
}

func TestSignUpRejectsShortPassword(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore(), Deps{}), "*")
	rr, payload := doJSON(t, server, http.MethodPost, "/api/auth/signup", "",
		`{"email":"a@example.com","password":"short","firstName":"A","lastName":"Q"}`)
	if rr.Code != http.StatusUnprocessableEntity || payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected 422 VALIDATION_ERROR, got %d %v", rr.Code, payload)
	}
	details, _ := payload["details"].([]any)
	if len(details) != 1 {
		t.Fatalf("expected one field error, got %v", payload["details"])
	}
	if field, _ := details[0].(map[string]any); field["field"] != "password" {
		t.Fatalf("expected password field error, got %v", details[0])
	}
}

func TestSignInWrongPassword(t *testing.T) {
	server, _, _ := signedInServer(t, Deps{})
	rr, payload := doJSON(t, server, http.MethodPost, "/api/auth/signin", "",
		`{"email":"avery@example.com","password":"nope-nope"}`)
	if rr.Code != http.StatusUnauthorized || payload["code"] != "INVALID_CREDENTIALS" {
		t.Fatalf("expected 401 INVALID_CREDENTIALS, got %d %v", rr.Code, payload)
	}
}

func TestSignInRejectsInvalidBody(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore(), Deps{}), "*")
	rr, payload := doJSON(t, server, http.MethodPost, "/api/auth/signin", "", `{"email":`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["code"] != "INVALID_BODY" {
		t.Fatalf("expected code INVALID_BODY, got %v", payload["code"])
	}
}

func TestRefreshAndLogout(t *testing.T) {
	fs := newFakeStore()
	server := NewHTTPServer(newTestService(fs, Deps{}), "*")
	doJSON(t, server, http.MethodPost, "/api/auth/signup", "",
		`{"email":"avery@example.com","password":"hunter22!","firstName":"Avery","lastName":"Quinn"}`)
	_, signin := doJSON(t, server, http.MethodPost, "/api/auth/signin", "",
		`{"email":"avery@example.com","password":"hunter22!"}`)
	refresh := signin["refreshToken"].(string)

	rr, rotated := doJSON(t, server, http.MethodPost, "/api/session/refresh", "", `{"refreshToken":"`+refresh+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	rr, _ = doJSON(t, server, http.MethodPost, "/api/session/refresh", "", `{"refreshToken":"`+refresh+`"}`)
	assertUnauthorizedCode(t, rr)

	token := rotated["accessToken"].(string)
	rr, _ = doJSON(t, server, http.MethodPost, "/api/session/logout", token, `{"refreshToken":"`+rotated["refreshToken"].(string)+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d", rr.Code)
	}
	rr, _ = doJSON(t, server, http.MethodGet, "/api/auth/me", token, "")
	assertUnauthorizedCode(t, rr)
}

func TestProtectedRouteWithoutBearerReturnsUnauthorized(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore(), Deps{}), "*")
	rr, _ := doJSON(t, server, http.MethodGet, "/api/pids", "", "")
	assertUnauthorizedCode(t, rr)
}

func TestProtectedRouteWithInvalidBearerReturnsUnauthorized(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore(), Deps{}), "*")
	rr, _ := doJSON(t, server, http.MethodGet, "/api/pids", "definitely-not-a-token", "")
	assertUnauthorizedCode(t, rr)
}

func TestProtectedRouteWithExpiredBearerReturnsUnauthorized(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore(), Deps{}), "*")

	claims := auth.NewClaims("user-1", "Avery Quinn", "avery@example.com", -time.Minute)
	token, err := auth.IssueToken([]byte("test-secret"), claims)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	rr, _ := doJSON(t, server, http.MethodGet, "/api/pids", token, "")
	assertUnauthorizedCode(t, rr)
}

func TestTokenForDeletedUserReturnsUnauthorized(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore(), Deps{}), "*")
	token, err := auth.IssueToken([]byte("test-secret"), auth.NewClaims("usr_gone", "Gone", "", time.Hour))
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	rr, _ := doJSON(t, server, http.MethodGet, "/api/auth/me", token, "")
	assertUnauthorizedCode(t, rr)
}

func assertUnauthorizedCode(t *testing.T, rr *httptest.ResponseRecorder) {
	t.Helper()
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected code UNAUTHORIZED, got %v", payload["code"])
	}
}
