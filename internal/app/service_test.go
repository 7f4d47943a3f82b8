package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"maqlexpress/api/internal/authpw"
	"maqlexpress/api/internal/blob"
	"maqlexpress/api/internal/config"
	"maqlexpress/api/internal/drafts"
	"maqlexpress/api/internal/editor"
	"maqlexpress/api/internal/email"
	"maqlexpress/api/internal/export"
	"maqlexpress/api/internal/store"
	"maqlexpress/api/internal/syncjob"
	"maqlexpress/api/internal/util"
)

// fakeStore is an in-memory dataStore and sessionStore.
type fakeStore struct {
	mu        sync.Mutex
	pingFn    func(context.Context) error
	users     map[string]store.User
	configs   map[string]store.LibraryConfig
	pids      map[string]store.PID
	variables map[string]store.Variable
	refresh   map[string]store.User
	revoked   map[string]bool
	events    []store.MetricEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     map[string]store.User{},
		configs:   map[string]store.LibraryConfig{},
		pids:      map[string]store.PID{},
		variables: map[string]store.Variable{},
		refresh:   map[string]store.User{},
		revoked:   map[string]bool{},
	}
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) CreateUser(_ context.Context, u store.User) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if existing.Email == u.Email {
			return store.User{}, store.ErrDuplicate
		}
	}
	if u.ID == "" {
		u.ID = util.NewID("usr")
	}
	u.CreatedAt = time.Now()
	f.users[u.ID] = u
	return u, nil
}

func (f *fakeStore) GetLibraryConfig(_ context.Context, userID string) (store.LibraryConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configs[userID], nil
}

func (f *fakeStore) SaveLibraryConfig(_ context.Context, userID string, cfg store.LibraryConfig) (store.LibraryConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg.UpdatedAt = time.Now()
	f.configs[userID] = cfg
	return cfg, nil
}

func (f *fakeStore) ListPIDs(_ context.Context, userID string) ([]store.PID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.PID
	for _, p := range f.pids {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeStore) GetPID(_ context.Context, userID, pidID string) (store.PID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pids[pidID]
	if !ok || p.UserID != userID {
		return store.PID{}, sql.ErrNoRows
	}
	return p, nil
}

func (f *fakeStore) CreatePID(_ context.Context, p store.PID) (store.PID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.pids {
		if existing.UserID == p.UserID && existing.Name == p.Name {
			return store.PID{}, store.ErrDuplicate
		}
	}
	p.CreatedAt = time.Now()
	f.pids[p.ID] = p
	return p, nil
}

func (f *fakeStore) DeletePID(_ context.Context, userID, pidID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pids[pidID]
	if !ok || p.UserID != userID {
		return sql.ErrNoRows
	}
	delete(f.pids, pidID)
	for id, v := range f.variables {
		if v.PIDID == pidID {
			delete(f.variables, id)
		}
	}
	return nil
}

func (f *fakeStore) ListVariables(_ context.Context, pidID string) ([]store.Variable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Variable
	for _, v := range f.variables {
		if v.PIDID == pidID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeStore) SearchVariables(ctx context.Context, pidID, query string, limit int) ([]store.Variable, error) {
	all, _ := f.ListVariables(ctx, pidID)
	var out []store.Variable
	for _, v := range all {
		if strings.Contains(strings.ToLower(v.Name), strings.ToLower(query)) {
			out = append(out, v)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) GetVariable(_ context.Context, pidID, variableID string) (store.Variable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.variables[variableID]
	if !ok || v.PIDID != pidID {
		return store.Variable{}, sql.ErrNoRows
	}
	return v, nil
}

func (f *fakeStore) sameVariable(v store.Variable) bool {
	for _, existing := range f.variables {
		if existing.ID != v.ID && existing.PIDID == v.PIDID && existing.Name == v.Name &&
			existing.Type == v.Type && existing.Value == v.Value && existing.ElementID == v.ElementID {
			return true
		}
	}
	return false
}

func (f *fakeStore) CreateVariable(_ context.Context, v store.Variable) (store.Variable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v = v.NormalizeElementID()
	if f.sameVariable(v) {
		return store.Variable{}, store.ErrDuplicate
	}
	f.variables[v.ID] = v
	return v, nil
}

func (f *fakeStore) UpdateVariable(_ context.Context, v store.Variable) (store.Variable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.variables[v.ID]
	if !ok || existing.PIDID != v.PIDID {
		return store.Variable{}, sql.ErrNoRows
	}
	v = v.NormalizeElementID()
	if f.sameVariable(v) {
		return store.Variable{}, store.ErrDuplicate
	}
	f.variables[v.ID] = v
	return v, nil
}

func (f *fakeStore) DeleteVariable(_ context.Context, pidID, variableID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.variables[variableID]
	if !ok || v.PIDID != pidID {
		return sql.ErrNoRows
	}
	delete(f.variables, variableID)
	return nil
}

func (f *fakeStore) DeleteAllVariables(_ context.Context, pidID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, v := range f.variables {
		if v.PIDID == pidID {
			delete(f.variables, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) InsertVariablesIfMissing(_ context.Context, pidID string, items []store.Variable) ([]store.Variable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var inserted []store.Variable
	for _, v := range items {
		v = v.NormalizeElementID()
		v.PIDID = pidID
		if v.ID == "" {
			v.ID = util.NewID("var")
		}
		if f.sameVariable(v) {
			continue
		}
		f.variables[v.ID] = v
		inserted = append(inserted, v)
	}
	return inserted, nil
}

func (f *fakeStore) RecordMetricEvent(_ context.Context, userID, eventType string) (store.MetricEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := store.MetricEvent{ID: int64(len(f.events) + 1), UserID: userID, Type: eventType, CreatedAt: time.Now()}
	f.events = append(f.events, e)
	return e, nil
}

func (f *fakeStore) CountMetricEvents(_ context.Context, userID, eventType string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, e := range f.events {
		if e.UserID == userID && e.Type == eventType {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, hash string, u store.User, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[hash] = u
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, hash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.refresh[hash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, hash)
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

type fakeSyncer struct {
	result syncjob.Result
	err    error
	calls  []string
	mu     sync.Mutex
}

func (f *fakeSyncer) Sync(_ context.Context, projectID, pidID string) (syncjob.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, projectID+"/"+pidID)
	f.mu.Unlock()
	return f.result, f.err
}

type fakeMetrics struct {
	configured bool
	err        error
	project    string
	expression string
}

func (f *fakeMetrics) Configured() bool { return f.configured }

func (f *fakeMetrics) CreateMetric(_ context.Context, project, title, expression string) (string, error) {
	f.project = project
	f.expression = expression
	if f.err != nil {
		return "", f.err
	}
	return "/gdc/md/" + project + "/obj/900", nil
}

type fakeArchive struct {
	keys []string
	data map[string][]byte
	err  error
}

func (f *fakeArchive) Put(_ context.Context, userID, pidID, filename string, data []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	key := blob.Prefix(userID, pidID) + filename
	if f.data == nil {
		f.data = map[string][]byte{}
	}
	f.keys = append(f.keys, key)
	f.data[key] = data
	return key, nil
}

func (f *fakeArchive) List(_ context.Context, userID, pidID string) ([]blob.Object, error) {
	var out []blob.Object
	for _, key := range f.keys {
		if strings.HasPrefix(key, blob.Prefix(userID, pidID)) {
			out = append(out, blob.Object{Key: key, Size: int64(len(f.data[key]))})
		}
	}
	return out, nil
}

func (f *fakeArchive) Get(_ context.Context, _, _, key string) ([]byte, error) {
	data, ok := f.data[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return data, nil
}

type fakeMailer struct {
	mu      sync.Mutex
	reports []email.SyncReportData
	welcome []string
}

func (f *fakeMailer) IsConfigured() bool { return true }

func (f *fakeMailer) SendWelcomeEmail(to, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.welcome = append(f.welcome, to)
	return nil
}

func (f *fakeMailer) SendSyncReport(_ string, data email.SyncReportData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, data)
	return nil
}

type fakeExporter struct {
	err error
	req export.Request
}

func (f *fakeExporter) Export(_ context.Context, req export.Request) (*export.Result, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return &export.Result{Data: []byte("name,type,value,elementId\n"), Filename: "sales-variables.csv", MimeType: "text/csv"}, nil
}

func newTestService(fs *fakeStore, deps Deps) *Service {
	deps.Store = fs
	svc := New(config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
	}, deps)
	svc.auth = authpw.NewService(fs).WithCost(bcrypt.MinCost)
	return svc
}

func seedUser(t *testing.T, fs *fakeStore) store.User {
	t.Helper()
	u, err := fs.CreateUser(context.Background(), store.User{Email: "avery@example.com", FirstName: "Avery", LastName: "Quinn"})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

func seedPID(t *testing.T, fs *fakeStore, userID, name string) store.PID {
	t.Helper()
	p, err := fs.CreatePID(context.Background(), store.PID{ID: util.NewID("pid"), UserID: userID, Name: name, ProjectID: "proj" + name})
	if err != nil {
		t.Fatalf("seed pid: %v", err)
	}
	return p
}

func sessionFor(u store.User) Session {
	return Session{UserID: u.ID, UserName: u.DisplayName(), FirstName: u.FirstName, Email: u.Email}
}

func assertDomainError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatalf("expected DomainError %s, got %v", code, err)
	}
	if de.Status != status || de.Code != code {
		t.Fatalf("expected %d %s, got %d %s", status, code, de.Status, de.Code)
	}
}

func TestSignUpSignInRefreshLogout(t *testing.T) {
	fs := newFakeStore()
	mail := &fakeMailer{}
	svc := newTestService(fs, Deps{Mailer: mail})
	ctx := context.Background()

	user, err := svc.SignUp(ctx, SignUpInput{Email: "Avery@Example.com", Password: "hunter22!", FirstName: "Avery", LastName: "Quinn"})
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if user.Email != "avery@example.com" {
		t.Fatalf("expected normalized email, got %q", user.Email)
	}

	_, err = svc.SignUp(ctx, SignUpInput{Email: "avery@example.com", Password: "hunter22!", FirstName: "A", LastName: "Q"})
	assertDomainError(t, err, http.StatusConflict, "EMAIL_EXISTS")

	_, err = svc.SignIn(ctx, SignInInput{Email: "avery@example.com", Password: "wrong-password"})
	assertDomainError(t, err, http.StatusUnauthorized, "INVALID_CREDENTIALS")

	session, err := svc.SignIn(ctx, SignInInput{Email: "avery@example.com", Password: "hunter22!"})
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatalf("expected tokens, got %+v", session)
	}

	parsed, err := svc.SessionFromToken(ctx, session.Token)
	if err != nil {
		t.Fatalf("session from token: %v", err)
	}
	if parsed.UserID != user.ID || parsed.FirstName != "Avery" {
		t.Fatalf("unexpected session %+v", parsed)
	}

	rotated, err := svc.Refresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := svc.Refresh(ctx, session.RefreshToken); err == nil {
		t.Fatalf("expected the rotated refresh token to be rejected")
	}

	if err := svc.Logout(ctx, parsed, rotated.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.SessionFromToken(ctx, session.Token); err == nil {
		t.Fatalf("expected revoked access token to be rejected")
	}
}

func TestSignUpValidation(t *testing.T) {
	svc := newTestService(newFakeStore(), Deps{})
	_, err := svc.SignUp(context.Background(), SignUpInput{Email: "not-an-email", Password: "short"})
	assertDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	var de *DomainError
	errors.As(err, &de)
	fields, ok := de.Details.([]FieldError)
	if !ok || len(fields) == 0 {
		t.Fatalf("expected field details, got %#v", de.Details)
	}
	seen := map[string]bool{}
	for _, f := range fields {
		seen[f.Field] = true
	}
	for _, name := range []string{"email", "password", "firstName", "lastName"} {
		if !seen[name] {
			t.Fatalf("expected a %s field error, got %+v", name, fields)
		}
	}
}

func TestPIDsAreScopedToOwner(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, Deps{})
	ctx := context.Background()
	owner := seedUser(t, fs)

	created, err := svc.CreatePID(ctx, owner.ID, PIDInput{Name: " Sales ", ProjectID: "abc123"})
	if err != nil {
		t.Fatalf("create pid: %v", err)
	}
	if created["name"] != "Sales" {
		t.Fatalf("expected trimmed name, got %v", created["name"])
	}
	_, err = svc.CreatePID(ctx, owner.ID, PIDInput{Name: "Sales", ProjectID: "other"})
	assertDomainError(t, err, http.StatusConflict, "PID_EXISTS")

	pidID := created["id"].(string)
	_, err = svc.ListVariables(ctx, "someone-else", pidID)
	assertDomainError(t, err, http.StatusNotFound, "PID_NOT_FOUND")

	err = svc.DeletePID(ctx, Session{UserID: "someone-else"}, pidID)
	assertDomainError(t, err, http.StatusNotFound, "PID_NOT_FOUND")

	if err := svc.DeletePID(ctx, sessionFor(owner), pidID); err != nil {
		t.Fatalf("delete pid: %v", err)
	}
	items, _ := svc.ListPIDs(ctx, owner.ID)
	if len(items) != 0 {
		t.Fatalf("expected no pids, got %v", items)
	}
}

func TestVariableElementIDRule(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, Deps{})
	ctx := context.Background()
	owner := seedUser(t, fs)
	pid := seedPID(t, fs, owner.ID, "Sales")

	metric, err := svc.CreateVariable(ctx, owner.ID, pid.ID, VariableInput{Name: "Revenue", Type: "metric", Value: "123", ElementID: "77"})
	if err != nil {
		t.Fatalf("create metric: %v", err)
	}
	if metric["elementId"] != store.NoElement || metric["type"] != store.VariableMetric {
		t.Fatalf("expected canonical metric with NA element, got %v", metric)
	}

	_, err = svc.CreateVariable(ctx, owner.ID, pid.ID, VariableInput{Name: "Region: West", Type: "Attribute Value", Value: "55"})
	assertDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	_, err = svc.CreateVariable(ctx, owner.ID, pid.ID, VariableInput{Name: "Revenue", Type: "Metric", Value: "123"})
	assertDomainError(t, err, http.StatusConflict, "VARIABLE_EXISTS")

	_, err = svc.CreateVariable(ctx, owner.ID, pid.ID, VariableInput{Name: "Cost", Type: "fact", Value: "1"})
	assertDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	updated, err := svc.UpdateVariable(ctx, owner.ID, pid.ID, metric["id"].(string), VariableInput{Name: "Net Revenue", Type: "Metric", Value: "124"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated["name"] != "Net Revenue" {
		t.Fatalf("unexpected update %v", updated)
	}
}

func TestImportCSVCountsDuplicatesAndArchives(t *testing.T) {
	fs := newFakeStore()
	archive := &fakeArchive{}
	svc := newTestService(fs, Deps{Archive: archive})
	ctx := context.Background()
	owner := seedUser(t, fs)
	pid := seedPID(t, fs, owner.ID, "Sales")

	data := []byte("name,type,value,elementId\n" +
		"Revenue,Metric,123,NA\n" +
		"Region,Attribute,44,\n" +
		"Region: West,Attribute Value,44,9\n" +
		"Broken,Attribute Value,44,\n")

	first, err := svc.ImportCSV(ctx, owner.ID, pid.ID, "catalog.csv", data)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if first.Received != 4 || first.Inserted != 3 || first.Duplicates != 0 || len(first.Rejected) != 1 {
		t.Fatalf("unexpected first import %+v", first)
	}
	if first.ArchiveKey == "" || len(archive.keys) != 1 {
		t.Fatalf("expected upload to be archived, got %+v", first)
	}

	second, err := svc.ImportCSV(ctx, owner.ID, pid.ID, "catalog.csv", data)
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if second.Inserted != 0 || second.Duplicates != 3 {
		t.Fatalf("expected all duplicates, got %+v", second)
	}

	_, err = svc.ImportCSV(ctx, owner.ID, pid.ID, "empty.csv", nil)
	assertDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestImportCSVSurvivesArchiveFailure(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, Deps{Archive: &fakeArchive{err: errors.New("bucket gone")}})
	owner := seedUser(t, fs)
	pid := seedPID(t, fs, owner.ID, "Sales")

	res, err := svc.ImportCSV(context.Background(), owner.ID, pid.ID, "c.csv", []byte("name,type,value\nRevenue,Metric,1\n"))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Inserted != 1 || res.ArchiveKey != "" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSearchFallsBackToStore(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, Deps{})
	ctx := context.Background()
	owner := seedUser(t, fs)
	pid := seedPID(t, fs, owner.ID, "Sales")
	for _, name := range []string{"Revenue", "Net Revenue", "Cost"} {
		if _, err := svc.CreateVariable(ctx, owner.ID, pid.ID, VariableInput{Name: name, Type: "Metric", Value: name}); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}

	res, err := svc.SearchVariables(ctx, owner.ID, pid.ID, "rev", "", 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if res.Engine != "postgres" || res.Total != 2 {
		t.Fatalf("expected 2 postgres results, got %+v", res)
	}

	_, err = svc.SearchVariables(ctx, owner.ID, pid.ID, "rev", "fact", 10)
	assertDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestCopyCounter(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, Deps{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := svc.RecordCopy(ctx, "user-1"); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	_, _ = svc.RecordCopy(ctx, "user-2")
	count, err := svc.CopyCount(ctx, "user-1")
	if err != nil || count != 3 {
		t.Fatalf("expected 3 copies, got %d err=%v", count, err)
	}
}

func TestStartSyncRunsJobAndMailsReport(t *testing.T) {
	fs := newFakeStore()
	syncer := &fakeSyncer{result: syncjob.Result{Attributes: 2, AttributeValues: 5, Metrics: 1}}
	mail := &fakeMailer{}
	jobs := syncjob.NewRunner(syncjob.NewMemoryStore(), time.Minute)
	svc := newTestService(fs, Deps{Syncer: syncer, Mailer: mail, Jobs: jobs})
	ctx := context.Background()
	owner := seedUser(t, fs)
	pid := seedPID(t, fs, owner.ID, "Sales")

	job, err := svc.StartSync(ctx, sessionFor(owner), pid.ID)
	if err != nil {
		t.Fatalf("start sync: %v", err)
	}
	jobs.Wait()

	done, err := svc.SyncStatus(ctx, owner.ID, job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if done.Status != syncjob.StatusSucceeded || done.Result.Total() != 8 {
		t.Fatalf("unexpected job %+v", done)
	}
	if len(syncer.calls) != 1 || syncer.calls[0] != pid.ProjectID+"/"+pid.ID {
		t.Fatalf("unexpected sync calls %v", syncer.calls)
	}
	if len(mail.reports) != 1 || mail.reports[0].PIDName != "Sales" {
		t.Fatalf("expected one sync report, got %+v", mail.reports)
	}

	_, err = svc.SyncStatus(ctx, "someone-else", job.ID)
	assertDomainError(t, err, http.StatusNotFound, "JOB_NOT_FOUND")
}

func TestStartSyncDuringShutdown(t *testing.T) {
	fs := newFakeStore()
	jobs := syncjob.NewRunner(syncjob.NewMemoryStore(), time.Minute)
	if err := jobs.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	svc := newTestService(fs, Deps{Syncer: &fakeSyncer{}, Jobs: jobs})
	owner := seedUser(t, fs)
	pid := seedPID(t, fs, owner.ID, "Sales")

	_, err := svc.StartSync(context.Background(), sessionFor(owner), pid.ID)
	assertDomainError(t, err, http.StatusServiceUnavailable, "SHUTTING_DOWN")
}

func TestStartSyncWithoutGoodData(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, Deps{})
	owner := seedUser(t, fs)
	pid := seedPID(t, fs, owner.ID, "Sales")
	_, err := svc.StartSync(context.Background(), sessionFor(owner), pid.ID)
	assertDomainError(t, err, http.StatusServiceUnavailable, "GOODDATA_UNAVAILABLE")
}

func TestCreateMetricNormalizesExpression(t *testing.T) {
	fs := newFakeStore()
	metrics := &fakeMetrics{configured: true}
	svc := newTestService(fs, Deps{Metrics: metrics})
	owner := seedUser(t, fs)
	pid := seedPID(t, fs, owner.ID, "Sales")

	out, err := svc.CreateMetric(context.Background(), owner.ID, CreateMetricInput{
		PIDID:      pid.ID,
		Title:      " Revenue total ",
		Expression: "SELECT SUM( [/md/p/obj/1] )",
	})
	if err != nil {
		t.Fatalf("create metric: %v", err)
	}
	if metrics.expression != "SELECT SUM([/md/p/obj/1])" || metrics.project != pid.ProjectID {
		t.Fatalf("unexpected upstream call %+v", metrics)
	}
	if out["title"] != "Revenue total" {
		t.Fatalf("unexpected payload %v", out)
	}

	metrics.err = errors.New("400 bad expression")
	_, err = svc.CreateMetric(context.Background(), owner.ID, CreateMetricInput{PIDID: pid.ID, Title: "x", Expression: "SELECT 1"})
	assertDomainError(t, err, http.StatusBadGateway, "GOODDATA_ERROR")
}

func TestExportMapsMissingBrowser(t *testing.T) {
	fs := newFakeStore()
	exp := &fakeExporter{err: export.ErrPDFDependencyMissing}
	svc := newTestService(fs, Deps{Exporter: exp})
	owner := seedUser(t, fs)
	pid := seedPID(t, fs, owner.ID, "Sales")

	_, err := svc.ExportVariables(context.Background(), sessionFor(owner), pid.ID, "pdf")
	assertDomainError(t, err, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE")

	_, err = svc.ExportVariables(context.Background(), sessionFor(owner), pid.ID, "docx")
	assertDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestDraftsRoundTripThroughGit(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, Deps{Drafts: drafts.New(t.TempDir())})
	ctx := context.Background()
	owner := seedUser(t, fs)
	pid := seedPID(t, fs, owner.ID, "Sales")
	session := sessionFor(owner)

	_, err := svc.LoadDraft(ctx, owner.ID, pid.ID, "")
	assertDomainError(t, err, http.StatusNotFound, "DRAFT_NOT_FOUND")

	first, err := svc.SaveDraft(ctx, session, pid.ID, DraftInput{Title: "v1", Segments: []editor.Segment{{Text: "SELECT  1"}}})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if first["expression"] != "SELECT 1" {
		t.Fatalf("unexpected expression %v", first["expression"])
	}
	if _, err := svc.SaveDraft(ctx, session, pid.ID, DraftInput{Title: "v2", Segments: []editor.Segment{{Text: "SELECT 2"}}}); err != nil {
		t.Fatalf("save v2: %v", err)
	}

	history, err := svc.DraftHistory(ctx, owner.ID, pid.ID, 0)
	if err != nil || len(history) != 2 {
		t.Fatalf("expected 2 versions, got %v err=%v", history, err)
	}

	old, err := svc.LoadDraft(ctx, owner.ID, pid.ID, first["version"].(drafts.Version).Hash)
	if err != nil {
		t.Fatalf("load old version: %v", err)
	}
	if old["draft"].(drafts.Draft).Title != "v1" {
		t.Fatalf("expected v1 draft, got %+v", old["draft"])
	}
}

func TestDraftsUnavailable(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, Deps{})
	owner := seedUser(t, fs)
	pid := seedPID(t, fs, owner.ID, "Sales")
	_, err := svc.LoadDraft(context.Background(), owner.ID, pid.ID, "")
	assertDomainError(t, err, http.StatusServiceUnavailable, "DRAFTS_UNAVAILABLE")
}

func TestReindexSearchCountsOwnedVariables(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, Deps{})
	ctx := context.Background()
	owner := seedUser(t, fs)
	pid := seedPID(t, fs, owner.ID, "Sales")
	if _, err := svc.CreateVariable(ctx, owner.ID, pid.ID, VariableInput{Name: "Revenue", Type: "Metric", Value: "1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := svc.ReindexSearch(ctx, owner.ID, pid.ID)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 reindexed, got %d err=%v", n, err)
	}
	_, err = svc.ReindexSearch(ctx, "someone-else", pid.ID)
	assertDomainError(t, err, http.StatusNotFound, "PID_NOT_FOUND")
}

func TestArchivedUploads(t *testing.T) {
	fs := newFakeStore()
	archive := &fakeArchive{}
	svc := newTestService(fs, Deps{Archive: archive})
	ctx := context.Background()
	owner := seedUser(t, fs)
	pid := seedPID(t, fs, owner.ID, "Sales")

	csv := []byte("name,type,value\nRevenue,Metric,1\n")
	if _, err := svc.ImportCSV(ctx, owner.ID, pid.ID, "catalog.csv", csv); err != nil {
		t.Fatalf("import: %v", err)
	}
	objects, err := svc.ListUploads(ctx, owner.ID, pid.ID)
	if err != nil || len(objects) != 1 {
		t.Fatalf("expected one upload, got %v err=%v", objects, err)
	}
	data, err := svc.DownloadUpload(ctx, owner.ID, pid.ID, "catalog.csv")
	if err != nil || string(data) != string(csv) {
		t.Fatalf("unexpected download %q err=%v", data, err)
	}
	_, err = svc.DownloadUpload(ctx, owner.ID, pid.ID, "../other/catalog.csv")
	assertDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	_, err = svc.DownloadUpload(ctx, owner.ID, pid.ID, "missing.csv")
	assertDomainError(t, err, http.StatusNotFound, "UPLOAD_NOT_FOUND")

	_, err = newTestService(fs, Deps{}).ListUploads(ctx, owner.ID, pid.ID)
	assertDomainError(t, err, http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE")
}
