package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"maqlexpress/api/internal/editor"
	"maqlexpress/api/internal/syncjob"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestSignInStoresTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/auth/signin" || r.Header.Get("Authorization") != "" {
			t.Errorf("unexpected request %s auth=%q", r.URL.Path, r.Header.Get("Authorization"))
		}
		writeJSON(w, http.StatusOK, map[string]any{"accessToken": "a1", "refreshToken": "r1", "firstName": "Avery"})
	}))
	defer srv.Close()

	var saved []string
	c := New(srv.URL, Settings{})
	c.OnTokens = func(access, refresh string) { saved = append(saved, access+"/"+refresh) }

	session, err := c.SignIn(context.Background(), "a@example.com", "pw")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if session.FirstName != "Avery" {
		t.Fatalf("unexpected session %+v", session)
	}
	if len(saved) != 1 || saved[0] != "a1/r1" {
		t.Fatalf("expected tokens to be handed over, got %v", saved)
	}
}

func TestUnauthorizedTriggersOneRefresh(t *testing.T) {
	var refreshes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/session/refresh":
			refreshes.Add(1)
			writeJSON(w, http.StatusOK, map[string]any{"accessToken": "fresh", "refreshToken": "r2"})
		case "/api/pids":
			if r.Header.Get("Authorization") != "Bearer fresh" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"code": "UNAUTHORIZED", "error": "Unauthorized"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": []map[string]any{{"id": "pid_1", "name": "Sales", "pid": "abc"}}})
		}
	}))
	defer srv.Close()

	c := New(srv.URL, Settings{AccessToken: "stale", RefreshToken: "r1"})
	pids, err := c.ListPIDs(context.Background())
	if err != nil {
		t.Fatalf("list pids: %v", err)
	}
	if len(pids) != 1 || pids[0].ProjectID != "abc" {
		t.Fatalf("unexpected pids %+v", pids)
	}
	if refreshes.Load() != 1 {
		t.Fatalf("expected one refresh, got %d", refreshes.Load())
	}
}

func TestFailedRefreshClearsTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"code": "UNAUTHORIZED", "error": "Unauthorized"})
	}))
	defer srv.Close()

	var cleared bool
	c := New(srv.URL, Settings{AccessToken: "stale", RefreshToken: "gone"})
	c.OnTokens = func(access, refresh string) { cleared = access == "" && refresh == "" }

	_, err := c.ListPIDs(context.Background())
	if !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("expected ErrNotLoggedIn, got %v", err)
	}
	if !cleared {
		t.Fatalf("expected tokens to be cleared")
	}
}

func TestCallsWithoutTokenFailFast(t *testing.T) {
	c := New("http://127.0.0.1:1", Settings{})
	if _, err := c.ListPIDs(context.Background()); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("expected ErrNotLoggedIn, got %v", err)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{"code": "PID_EXISTS", "error": "A PID with this name already exists"})
	}))
	defer srv.Close()

	c := New(srv.URL, Settings{AccessToken: "t"})
	_, err := c.CreatePID(context.Background(), "Sales", "abc")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
		t.Fatalf("expected APIError 409, got %v", err)
	}
	if !IsCode(err, "PID_EXISTS") {
		t.Fatalf("expected PID_EXISTS, got %v", err)
	}
}

func TestImportCSVSendsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/variables/pid_1/upload" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if header.Filename != "catalog.csv" || !strings.HasPrefix(string(data), "name,type") {
			t.Errorf("unexpected upload %s %q", header.Filename, data)
		}
		writeJSON(w, http.StatusOK, map[string]any{"received": 1, "inserted": 1, "rejected": []any{}})
	}))
	defer srv.Close()

	c := New(srv.URL, Settings{AccessToken: "t"})
	res, err := c.ImportCSV(context.Background(), "pid_1", "catalog.csv", strings.NewReader("name,type,value\nRevenue,Metric,1\n"))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Inserted != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExportReturnsFilename(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") != "html" {
			t.Errorf("unexpected format %q", r.URL.Query().Get("format"))
		}
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Disposition", `attachment; filename="sales-variables.html"`)
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	c := New(srv.URL, Settings{AccessToken: "t"})
	data, name, err := c.Export(context.Background(), "pid_1", "html")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if name != "sales-variables.html" || string(data) != "<html></html>" {
		t.Fatalf("unexpected export %q %q", name, data)
	}
}

func TestWaitSyncPollsUntilDone(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := syncjob.StatusRunning
		if polls.Add(1) >= 3 {
			status = syncjob.StatusSucceeded
		}
		writeJSON(w, http.StatusOK, syncjob.Job{ID: "sync_1", Status: status, Result: syncjob.Result{Metrics: 2}})
	}))
	defer srv.Close()

	c := New(srv.URL, Settings{AccessToken: "t"})
	var seen []syncjob.Status
	job, err := c.WaitSync(context.Background(), "sync_1", time.Millisecond, func(j syncjob.Job) { seen = append(seen, j.Status) })
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if job.Status != syncjob.StatusSucceeded || len(seen) != 3 {
		t.Fatalf("unexpected job %+v after %v", job, seen)
	}
}

func TestLoadDraftMissingIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"code": "DRAFT_NOT_FOUND", "error": "No draft saved for this PID"})
	}))
	defer srv.Close()

	c := New(srv.URL, Settings{AccessToken: "t"})
	_, ok, err := c.LoadDraft(context.Background(), "pid_1")
	if err != nil || ok {
		t.Fatalf("expected no draft and no error, got ok=%v err=%v", ok, err)
	}
}

func TestEditorVariableConversion(t *testing.T) {
	v := Variable{ID: "v1", Name: "Region: West", Type: "Attribute Value", Value: "55", ElementID: "9"}
	got := v.EditorVariable()
	if got.Type != editor.TypeAttributeValue || got.ElementID != "9" {
		t.Fatalf("unexpected conversion %+v", got)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	loaded, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if loaded.APIURL != DefaultAPIURL || loaded.LoggedIn() {
		t.Fatalf("unexpected defaults %+v", loaded)
	}

	loaded.AccessToken = "a1"
	loaded.LastPID = "pid_1"
	if err := SaveSettings(path, loaded); err != nil {
		t.Fatalf("save: %v", err)
	}
	again, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again != loaded {
		t.Fatalf("expected %+v, got %+v", loaded, again)
	}
}
