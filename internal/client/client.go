// Package client talks to the MAQL Express API on behalf of the CLI and the
// terminal editor.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"maqlexpress/api/internal/catalog"
	"maqlexpress/api/internal/drafts"
	"maqlexpress/api/internal/editor"
	"maqlexpress/api/internal/search"
	"maqlexpress/api/internal/syncjob"
)

var ErrNotLoggedIn = errors.New("not logged in; run `maql login`")

// APIError is a non-2xx response decoded from the {code, error} body.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api: %d %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api: %s: %s", e.Code, e.Message)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

type Client struct {
	baseURL string
	http    *http.Client

	mu      sync.Mutex
	access  string
	refresh string
	// OnTokens receives rotated tokens so the caller can persist them.
	OnTokens func(access, refresh string)
}

func New(baseURL string, settings Settings) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
		access:  settings.AccessToken,
		refresh: settings.RefreshToken,
	}
}

func (c *Client) tokens() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.access, c.refresh
}

func (c *Client) setTokens(access, refresh string) {
	c.mu.Lock()
	c.access, c.refresh = access, refresh
	onTokens := c.OnTokens
	c.mu.Unlock()
	if onTokens != nil {
		onTokens(access, refresh)
	}
}

type request struct {
	method      string
	path        string
	query       url.Values
	body        any
	raw         io.Reader
	contentType string
	anonymous   bool
}

// do sends req and decodes a JSON response into out. A 401 on an
// authenticated call triggers one refresh and retry.
func (c *Client) do(ctx context.Context, req request, out any) error {
	resp, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *Client) send(ctx context.Context, req request) (*http.Response, error) {
	var payload []byte
	if req.body != nil {
		var err error
		if payload, err = json.Marshal(req.body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}
	var raw []byte
	if req.raw != nil {
		var err error
		if raw, err = io.ReadAll(req.raw); err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}

	resp, err := c.attempt(ctx, req, payload, raw)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || req.anonymous {
		return resp, nil
	}
	_, refresh := c.tokens()
	if refresh == "" {
		return resp, nil
	}
	_ = resp.Body.Close()
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	return c.attempt(ctx, req, payload, raw)
}

func (c *Client) attempt(ctx context.Context, req request, payload, raw []byte) (*http.Response, error) {
	target := c.baseURL + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}
	var body io.Reader
	contentType := req.contentType
	switch {
	case raw != nil:
		body = bytes.NewReader(raw)
	case payload != nil:
		body = bytes.NewReader(payload)
		contentType = "application/json"
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if !req.anonymous {
		access, _ := c.tokens()
		if access == "" {
			return nil, ErrNotLoggedIn
		}
		httpReq.Header.Set("Authorization", "Bearer "+access)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.method, req.path, err)
	}
	return resp, nil
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	var body struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
		if body.Error == "" {
			body.Error = http.StatusText(resp.StatusCode)
		}
	}
	return &APIError{Status: resp.StatusCode, Code: body.Code, Message: body.Error}
}

// Session

type Session struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	UserID       string `json:"userId"`
	UserName     string `json:"userName"`
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	Email        string `json:"email"`
	ExpiresAt    int64  `json:"expiresAt"`
}

type User struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
}

type SignUpRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

func (c *Client) SignUp(ctx context.Context, req SignUpRequest) error {
	return c.do(ctx, request{method: http.MethodPost, path: "/api/auth/signup", body: req, anonymous: true}, nil)
}

func (c *Client) SignIn(ctx context.Context, email, password string) (Session, error) {
	var session Session
	err := c.do(ctx, request{
		method:    http.MethodPost,
		path:      "/api/auth/signin",
		body:      map[string]string{"email": email, "password": password},
		anonymous: true,
	}, &session)
	if err != nil {
		return Session{}, err
	}
	c.setTokens(session.AccessToken, session.RefreshToken)
	return session, nil
}

// Refresh rotates the token pair.
func (c *Client) Refresh(ctx context.Context) error {
	_, refresh := c.tokens()
	if refresh == "" {
		return ErrNotLoggedIn
	}
	var session Session
	err := c.do(ctx, request{
		method:    http.MethodPost,
		path:      "/api/session/refresh",
		body:      map[string]string{"refreshToken": refresh},
		anonymous: true,
	}, &session)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		c.setTokens("", "")
		return ErrNotLoggedIn
	}
	if err != nil {
		return err
	}
	c.setTokens(session.AccessToken, session.RefreshToken)
	return nil
}

func (c *Client) Logout(ctx context.Context) error {
	access, refresh := c.tokens()
	if access == "" {
		return nil
	}
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/api/session/logout",
		body:   map[string]string{"refreshToken": refresh},
	}, nil)
	c.setTokens("", "")
	return err
}

func (c *Client) Me(ctx context.Context) (User, error) {
	var user User
	err := c.do(ctx, request{method: http.MethodGet, path: "/api/auth/me"}, &user)
	return user, err
}

// PIDs and variables

type PID struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ProjectID string    `json:"pid"`
	CreatedAt time.Time `json:"createdAt"`
}

type Variable struct {
	ID        string `json:"id"`
	PIDID     string `json:"pidId"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Value     string `json:"value"`
	ElementID string `json:"elementId"`
}

// EditorVariable converts to the editor's model. Unknown types are kept as is.
func (v Variable) EditorVariable() editor.Variable {
	typ, err := editor.ParseVariableType(v.Type)
	if err != nil {
		typ = editor.VariableType(v.Type)
	}
	return editor.Variable{ID: v.ID, Name: v.Name, Type: typ, Value: v.Value, ElementID: v.ElementID}
}

func EditorVariables(vars []Variable) []editor.Variable {
	out := make([]editor.Variable, 0, len(vars))
	for _, v := range vars {
		out = append(out, v.EditorVariable())
	}
	return out
}

func (c *Client) ListPIDs(ctx context.Context) ([]PID, error) {
	var body struct {
		Items []PID `json:"items"`
	}
	err := c.do(ctx, request{method: http.MethodGet, path: "/api/pids"}, &body)
	return body.Items, err
}

func (c *Client) CreatePID(ctx context.Context, name, projectID string) (PID, error) {
	var pid PID
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/api/pids",
		body:   map[string]string{"name": name, "pid": projectID},
	}, &pid)
	return pid, err
}

func (c *Client) DeletePID(ctx context.Context, pidID string) error {
	return c.do(ctx, request{method: http.MethodDelete, path: "/api/pids/" + url.PathEscape(pidID)}, nil)
}

// FindPID resolves a PID by id or by name.
func (c *Client) FindPID(ctx context.Context, ref string) (PID, error) {
	pids, err := c.ListPIDs(ctx)
	if err != nil {
		return PID{}, err
	}
	for _, p := range pids {
		if p.ID == ref {
			return p, nil
		}
	}
	for _, p := range pids {
		if strings.EqualFold(p.Name, ref) {
			return p, nil
		}
	}
	return PID{}, fmt.Errorf("no PID named %q", ref)
}

func (c *Client) ListVariables(ctx context.Context, pidID string) ([]Variable, error) {
	var body struct {
		Items []Variable `json:"items"`
	}
	err := c.do(ctx, request{method: http.MethodGet, path: "/api/variables/" + url.PathEscape(pidID)}, &body)
	return body.Items, err
}

func (c *Client) SearchVariables(ctx context.Context, pidID, query, typ string, limit int) (search.Response, error) {
	q := url.Values{"pidId": {pidID}, "q": {query}}
	if typ != "" {
		q.Set("type", typ)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var res search.Response
	err := c.do(ctx, request{method: http.MethodGet, path: "/api/search/variables", query: q}, &res)
	return res, err
}

type ImportResult struct {
	Received   int                `json:"received"`
	Inserted   int                `json:"inserted"`
	Duplicates int                `json:"duplicates"`
	Rejected   []catalog.RowError `json:"rejected"`
	ArchiveKey string             `json:"archiveKey,omitempty"`
}

// ImportCSV uploads a catalog file as multipart field "file".
func (c *Client) ImportCSV(ctx context.Context, pidID, filename string, data io.Reader) (ImportResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return ImportResult{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, data); err != nil {
		return ImportResult{}, fmt.Errorf("copy upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return ImportResult{}, fmt.Errorf("close multipart: %w", err)
	}
	var res ImportResult
	err = c.do(ctx, request{
		method:      http.MethodPost,
		path:        "/api/variables/" + url.PathEscape(pidID) + "/upload",
		raw:         &buf,
		contentType: mw.FormDataContentType(),
	}, &res)
	return res, err
}

func (c *Client) DeleteAllVariables(ctx context.Context, pidID string) (int64, error) {
	var body struct {
		Deleted int64 `json:"deleted"`
	}
	err := c.do(ctx, request{method: http.MethodDelete, path: "/api/variables/" + url.PathEscape(pidID) + "/upload"}, &body)
	return body.Deleted, err
}

// Export downloads the catalog and returns the body with the server's filename.
func (c *Client) Export(ctx context.Context, pidID, format string) ([]byte, string, error) {
	return c.download(ctx, "/api/variables/"+url.PathEscape(pidID)+"/export", url.Values{"format": {format}})
}

func (c *Client) Template(ctx context.Context) ([]byte, string, error) {
	return c.download(ctx, "/api/variables/template", nil)
}

func (c *Client) download(ctx context.Context, path string, query url.Values) ([]byte, string, error) {
	resp, err := c.send(ctx, request{method: http.MethodGet, path: path, query: query})
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", readAPIError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read download: %w", err)
	}
	filename := ""
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		filename = params["filename"]
	}
	return data, filename, nil
}

// Usage, sync and metrics

// RecordCopy satisfies editor.UsageRecorder.
func (c *Client) RecordCopy(ctx context.Context) error {
	return c.do(ctx, request{method: http.MethodPost, path: "/api/metrics"}, nil)
}

func (c *Client) CopyCount(ctx context.Context) (int64, error) {
	var body struct {
		Count int64 `json:"count"`
	}
	err := c.do(ctx, request{method: http.MethodGet, path: "/api/metrics/copy-count"}, &body)
	return body.Count, err
}

func (c *Client) StartSync(ctx context.Context, pidID string) (syncjob.Job, error) {
	var body struct {
		Job syncjob.Job `json:"job"`
	}
	err := c.do(ctx, request{method: http.MethodPost, path: "/api/gooddata/sync", body: map[string]string{"pidId": pidID}}, &body)
	return body.Job, err
}

func (c *Client) SyncStatus(ctx context.Context, jobID string) (syncjob.Job, error) {
	var job syncjob.Job
	err := c.do(ctx, request{method: http.MethodGet, path: "/api/gooddata/sync/" + url.PathEscape(jobID)}, &job)
	return job, err
}

// WaitSync polls the job every interval until it finishes or ctx ends. Each
// observed state is passed to progress when it is not nil.
func (c *Client) WaitSync(ctx context.Context, jobID string, interval time.Duration, progress func(syncjob.Job)) (syncjob.Job, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.SyncStatus(ctx, jobID)
		if err != nil {
			return syncjob.Job{}, err
		}
		if progress != nil {
			progress(job)
		}
		if job.Done() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

type Metric struct {
	URI        string `json:"uri"`
	Title      string `json:"title"`
	Expression string `json:"expression"`
}

func (c *Client) CreateMetric(ctx context.Context, pidID, title, expression string) (Metric, error) {
	var m Metric
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/api/gooddata/metrics",
		body:   map[string]string{"pidId": pidID, "title": title, "expression": expression},
	}, &m)
	return m, err
}

// Drafts

func (c *Client) SaveDraft(ctx context.Context, pidID, title string, segments []editor.Segment) (drafts.Version, error) {
	var body struct {
		Version drafts.Version `json:"version"`
	}
	err := c.do(ctx, request{
		method: http.MethodPut,
		path:   "/api/drafts/" + url.PathEscape(pidID),
		body:   map[string]any{"title": title, "segments": segments},
	}, &body)
	return body.Version, err
}

// LoadDraft returns the latest draft. A PID without one yields ok=false.
func (c *Client) LoadDraft(ctx context.Context, pidID string) (drafts.Draft, bool, error) {
	var body struct {
		Draft drafts.Draft `json:"draft"`
	}
	err := c.do(ctx, request{method: http.MethodGet, path: "/api/drafts/" + url.PathEscape(pidID)}, &body)
	if IsCode(err, "DRAFT_NOT_FOUND") || IsCode(err, "DRAFTS_UNAVAILABLE") {
		return drafts.Draft{}, false, nil
	}
	if err != nil {
		return drafts.Draft{}, false, err
	}
	return body.Draft, true, nil
}

func (c *Client) DraftHistory(ctx context.Context, pidID string, limit int) ([]drafts.Version, error) {
	var body struct {
		Items []drafts.Version `json:"items"`
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	err := c.do(ctx, request{method: http.MethodGet, path: "/api/drafts/" + url.PathEscape(pidID) + "/history", query: q}, &body)
	return body.Items, err
}
