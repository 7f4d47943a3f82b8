package app

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"maqlexpress/api/internal/auth"
	"maqlexpress/api/internal/authpw"
	"maqlexpress/api/internal/blob"
	"maqlexpress/api/internal/catalog"
	"maqlexpress/api/internal/config"
	"maqlexpress/api/internal/drafts"
	"maqlexpress/api/internal/editor"
	"maqlexpress/api/internal/email"
	"maqlexpress/api/internal/export"
	"maqlexpress/api/internal/search"
	"maqlexpress/api/internal/store"
	"maqlexpress/api/internal/syncjob"
	"maqlexpress/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	FirstName    string
	LastName     string
	Email        string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	Ping(ctx context.Context) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	CreateUser(context.Context, store.User) (store.User, error)
	GetLibraryConfig(context.Context, string) (store.LibraryConfig, error)
	SaveLibraryConfig(context.Context, string, store.LibraryConfig) (store.LibraryConfig, error)
	ListPIDs(context.Context, string) ([]store.PID, error)
	GetPID(context.Context, string, string) (store.PID, error)
	CreatePID(context.Context, store.PID) (store.PID, error)
	DeletePID(context.Context, string, string) error
	ListVariables(context.Context, string) ([]store.Variable, error)
	SearchVariables(context.Context, string, string, int) ([]store.Variable, error)
	GetVariable(context.Context, string, string) (store.Variable, error)
	CreateVariable(context.Context, store.Variable) (store.Variable, error)
	UpdateVariable(context.Context, store.Variable) (store.Variable, error)
	DeleteVariable(context.Context, string, string) error
	DeleteAllVariables(context.Context, string) (int64, error)
	InsertVariablesIfMissing(context.Context, string, []store.Variable) ([]store.Variable, error)
	RecordMetricEvent(context.Context, string, string) (store.MetricEvent, error)
	CountMetricEvents(context.Context, string, string) (int64, error)
}

// sessionStore is implemented by both the Postgres and the Redis store.
type sessionStore interface {
	SaveRefreshSession(context.Context, string, store.User, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
}

type draftStore interface {
	Save(userID, pidID string, draft drafts.Draft, author string) (drafts.Version, error)
	Load(userID, pidID string) (drafts.Draft, drafts.Version, error)
	History(userID, pidID string, limit int) ([]drafts.Version, error)
	At(userID, pidID, hash string) (drafts.Draft, error)
	Remove(userID, pidID, author string) error
}

type catalogSyncer interface {
	Sync(ctx context.Context, projectID, pidID string) (syncjob.Result, error)
}

type metricCreator interface {
	Configured() bool
	CreateMetric(ctx context.Context, project, title, expression string) (string, error)
}

type uploadArchive interface {
	Put(ctx context.Context, userID, pidID, filename string, data []byte) (string, error)
	List(ctx context.Context, userID, pidID string) ([]blob.Object, error)
	Get(ctx context.Context, userID, pidID, key string) ([]byte, error)
}

type mailer interface {
	IsConfigured() bool
	SendWelcomeEmail(to, userName string) error
	SendSyncReport(to string, data email.SyncReportData) error
}

type exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

// Deps are the collaborators of the service. Optional ones may be left nil.
type Deps struct {
	Store    dataStore
	Sessions sessionStore
	Drafts   draftStore
	Search   *search.Service
	Jobs     *syncjob.Runner
	Syncer   catalogSyncer
	Metrics  metricCreator
	Archive  uploadArchive
	Mailer   mailer
	Exporter exporter
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	auth     *authpw.Service
	drafts   draftStore
	search   *search.Service
	jobs     *syncjob.Runner
	syncer   catalogSyncer
	metrics  metricCreator
	archive  uploadArchive
	mailer   mailer
	exporter exporter
}

func New(cfg config.Config, deps Deps) *Service {
	sessions := deps.Sessions
	if sessions == nil {
		if s, ok := deps.Store.(sessionStore); ok {
			sessions = s
		}
	}
	searchSvc := deps.Search
	if searchSvc == nil {
		searchSvc = search.NewService(nil, deps.Store)
	}
	jobs := deps.Jobs
	if jobs == nil {
		jobs = syncjob.NewRunner(syncjob.NewMemoryStore(), 30*time.Minute)
	}
	var exp exporter = deps.Exporter
	if exp == nil {
		exp = export.NewService(cfg.ChromePath)
	}
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		sessions: sessions,
		auth:     authpw.NewService(deps.Store),
		drafts:   deps.Drafts,
		search:   searchSvc,
		jobs:     jobs,
		syncer:   deps.Syncer,
		metrics:  deps.Metrics,
		archive:  deps.Archive,
		mailer:   deps.Mailer,
		exporter: exp,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Accounts and sessions

type SignUpInput struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=8"`
	FirstName string `json:"firstName" validate:"required"`
	LastName  string `json:"lastName" validate:"required"`
}

func (s *Service) SignUp(ctx context.Context, input SignUpInput) (store.User, error) {
	if err := validateInput(input); err != nil {
		return store.User{}, err
	}
	user, err := s.auth.SignUp(ctx, authpw.SignUpRequest{
		Email:     input.Email,
		Password:  input.Password,
		FirstName: input.FirstName,
		LastName:  input.LastName,
	})
	switch {
	case errors.Is(err, authpw.ErrEmailTaken):
		return store.User{}, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
	case errors.Is(err, authpw.ErrMissingFields), errors.Is(err, authpw.ErrWeakPassword):
		return store.User{}, validationError(err.Error(), nil)
	case err != nil:
		return store.User{}, err
	}

	if s.mailer != nil && s.mailer.IsConfigured() {
		go func() {
			if err := s.mailer.SendWelcomeEmail(user.Email, user.DisplayName()); err != nil {
				log.Printf("email: welcome mail to %s: %v", user.Email, err)
			}
		}()
	}
	return user, nil
}

type SignInInput struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (s *Service) SignIn(ctx context.Context, input SignInInput) (Session, error) {
	if err := validateInput(input); err != nil {
		return Session{}, err
	}
	user, err := s.auth.SignIn(ctx, input.Email, input.Password)
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	claims := auth.NewClaims(user.ID, user.DisplayName(), user.Email, s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), claims)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, time.Now().Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName(),
		FirstName:    user.FirstName,
		LastName:     user.LastName,
		Email:        user.Email,
		JTI:          claims.ID,
		ExpiresAt:    claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName(),
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Email:     user.Email,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// Library config

type LibraryConfigInput struct {
	Metrics    string `json:"metrics" validate:"max=256"`
	Attributes string `json:"attributes" validate:"max=256"`
	Values     string `json:"values" validate:"max=256"`
}

func (s *Service) LibraryConfig(ctx context.Context, userID string) (map[string]any, error) {
	cfg, err := s.store.GetLibraryConfig(ctx, userID)
	if err != nil {
		return nil, err
	}
	return libraryConfigPayload(cfg), nil
}

func (s *Service) SaveLibraryConfig(ctx context.Context, userID string, input LibraryConfigInput) (map[string]any, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	cfg, err := s.store.SaveLibraryConfig(ctx, userID, store.LibraryConfig{
		Metrics:    input.Metrics,
		Attributes: input.Attributes,
		Values:     input.Values,
	})
	if err != nil {
		return nil, err
	}
	return libraryConfigPayload(cfg), nil
}

func libraryConfigPayload(cfg store.LibraryConfig) map[string]any {
	return map[string]any{
		"metrics":    cfg.Metrics,
		"attributes": cfg.Attributes,
		"values":     cfg.Values,
	}
}

// PIDs

type PIDInput struct {
	Name      string `json:"name" validate:"required,max=200"`
	ProjectID string `json:"pid" validate:"required,max=200"`
}

func (s *Service) ListPIDs(ctx context.Context, userID string) ([]map[string]any, error) {
	pids, err := s.store.ListPIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(pids))
	for _, p := range pids {
		items = append(items, pidPayload(p))
	}
	return items, nil
}

func (s *Service) CreatePID(ctx context.Context, userID string, input PIDInput) (map[string]any, error) {
	input.Name = strings.TrimSpace(input.Name)
	input.ProjectID = strings.TrimSpace(input.ProjectID)
	if err := validateInput(input); err != nil {
		return nil, err
	}
	pid, err := s.store.CreatePID(ctx, store.PID{
		ID:        util.NewID("pid"),
		UserID:    userID,
		Name:      input.Name,
		ProjectID: input.ProjectID,
	})
	if errors.Is(err, store.ErrDuplicate) {
		return nil, domainError(http.StatusConflict, "PID_EXISTS", "A PID with this name already exists", nil)
	}
	if err != nil {
		return nil, err
	}
	return pidPayload(pid), nil
}

// DeletePID removes the PID with its variables, index entries and draft.
func (s *Service) DeletePID(ctx context.Context, session Session, pidID string) error {
	if _, err := s.ownedPID(ctx, session.UserID, pidID); err != nil {
		return err
	}
	vars, err := s.store.ListVariables(ctx, pidID)
	if err != nil {
		return err
	}
	if err := s.store.DeletePID(ctx, session.UserID, pidID); err != nil {
		return err
	}
	s.search.DeleteVariables(variableIDs(vars))
	if s.drafts != nil {
		if err := s.drafts.Remove(session.UserID, pidID, session.UserName); err != nil {
			log.Printf("drafts: remove draft of pid %s: %v", pidID, err)
		}
	}
	return nil
}

func (s *Service) ownedPID(ctx context.Context, userID, pidID string) (store.PID, error) {
	pid, err := s.store.GetPID(ctx, userID, pidID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.PID{}, domainError(http.StatusNotFound, "PID_NOT_FOUND", "PID not found", nil)
	}
	return pid, err
}

func pidPayload(p store.PID) map[string]any {
	return map[string]any{
		"id":        p.ID,
		"name":      p.Name,
		"pid":       p.ProjectID,
		"createdAt": p.CreatedAt,
	}
}

// Variables

type VariableInput struct {
	Name      string `json:"name" validate:"required,max=512"`
	Type      string `json:"type" validate:"required"`
	Value     string `json:"value" validate:"required,max=256"`
	ElementID string `json:"elementId" validate:"max=256"`
}

// toVariable canonicalizes the type and applies the element id rule.
func (in VariableInput) toVariable() (store.Variable, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Value = strings.TrimSpace(in.Value)
	in.ElementID = strings.TrimSpace(in.ElementID)
	if err := validateInput(in); err != nil {
		return store.Variable{}, err
	}
	typ, err := editor.ParseVariableType(in.Type)
	if err != nil {
		return store.Variable{}, validationError("type must be Metric, Attribute or Attribute Value", []FieldError{{Field: "type", Rule: "oneof"}})
	}
	v := store.Variable{Name: in.Name, Type: string(typ), Value: in.Value, ElementID: in.ElementID}
	if v.Type == store.VariableAttributeValue && (v.ElementID == "" || v.ElementID == store.NoElement) {
		return store.Variable{}, validationError("elementId is required for attribute values", []FieldError{{Field: "elementId", Rule: "required_if"}})
	}
	return v.NormalizeElementID(), nil
}

func (s *Service) ListVariables(ctx context.Context, userID, pidID string) ([]map[string]any, error) {
	if _, err := s.ownedPID(ctx, userID, pidID); err != nil {
		return nil, err
	}
	vars, err := s.store.ListVariables(ctx, pidID)
	if err != nil {
		return nil, err
	}
	return variablesPayload(vars), nil
}

func (s *Service) CreateVariable(ctx context.Context, userID, pidID string, input VariableInput) (map[string]any, error) {
	if _, err := s.ownedPID(ctx, userID, pidID); err != nil {
		return nil, err
	}
	v, err := input.toVariable()
	if err != nil {
		return nil, err
	}
	v.ID = util.NewID("var")
	v.PIDID = pidID
	created, err := s.store.CreateVariable(ctx, v)
	if errors.Is(err, store.ErrDuplicate) {
		return nil, domainError(http.StatusConflict, "VARIABLE_EXISTS", "Variable already exists", nil)
	}
	if err != nil {
		return nil, err
	}
	s.search.IndexVariables([]store.Variable{created})
	return variablePayload(created), nil
}

func (s *Service) UpdateVariable(ctx context.Context, userID, pidID, variableID string, input VariableInput) (map[string]any, error) {
	if _, err := s.ownedPID(ctx, userID, pidID); err != nil {
		return nil, err
	}
	v, err := input.toVariable()
	if err != nil {
		return nil, err
	}
	v.ID = variableID
	v.PIDID = pidID
	updated, err := s.store.UpdateVariable(ctx, v)
	if errors.Is(err, store.ErrDuplicate) {
		return nil, domainError(http.StatusConflict, "VARIABLE_EXISTS", "Variable already exists", nil)
	}
	if err != nil {
		return nil, err
	}
	s.search.IndexVariables([]store.Variable{updated})
	return variablePayload(updated), nil
}

func (s *Service) DeleteVariable(ctx context.Context, userID, pidID, variableID string) error {
	if _, err := s.ownedPID(ctx, userID, pidID); err != nil {
		return err
	}
	if err := s.store.DeleteVariable(ctx, pidID, variableID); err != nil {
		return err
	}
	s.search.DeleteVariables([]string{variableID})
	return nil
}

func (s *Service) DeleteAllVariables(ctx context.Context, userID, pidID string) (int64, error) {
	if _, err := s.ownedPID(ctx, userID, pidID); err != nil {
		return 0, err
	}
	vars, err := s.store.ListVariables(ctx, pidID)
	if err != nil {
		return 0, err
	}
	n, err := s.store.DeleteAllVariables(ctx, pidID)
	if err != nil {
		return 0, err
	}
	s.search.DeleteVariables(variableIDs(vars))
	return n, nil
}

type ImportResult struct {
	Received   int                `json:"received"`
	Inserted   int                `json:"inserted"`
	Duplicates int                `json:"duplicates"`
	Rejected   []catalog.RowError `json:"rejected"`
	ArchiveKey string             `json:"archiveKey,omitempty"`
}

// ImportCSV inserts the catalog rows that are not already present and keeps
// a copy of the upload when an archive is configured.
func (s *Service) ImportCSV(ctx context.Context, userID, pidID, filename string, data []byte) (ImportResult, error) {
	if _, err := s.ownedPID(ctx, userID, pidID); err != nil {
		return ImportResult{}, err
	}
	parsed, err := catalog.Parse(bytes.NewReader(data))
	if errors.Is(err, catalog.ErrEmptyFile) || errors.Is(err, catalog.ErrMissingColumn) {
		return ImportResult{}, validationError(err.Error(), nil)
	}
	if err != nil {
		return ImportResult{}, domainError(http.StatusBadRequest, "INVALID_CSV", err.Error(), nil)
	}

	for i := range parsed.Variables {
		parsed.Variables[i].PIDID = pidID
	}
	inserted, err := s.store.InsertVariablesIfMissing(ctx, pidID, parsed.Variables)
	if err != nil {
		return ImportResult{}, err
	}
	s.search.IndexVariables(inserted)

	result := ImportResult{
		Received:   len(parsed.Variables) + len(parsed.Rejected),
		Inserted:   len(inserted),
		Duplicates: len(parsed.Variables) - len(inserted),
		Rejected:   parsed.Rejected,
	}
	if result.Rejected == nil {
		result.Rejected = []catalog.RowError{}
	}
	if s.archive != nil {
		key, err := s.archive.Put(ctx, userID, pidID, filename, data)
		if err != nil {
			log.Printf("blob: archive upload for pid %s: %v", pidID, err)
		} else {
			result.ArchiveKey = key
		}
	}
	return result, nil
}

// ListUploads returns the archived CSV uploads of a PID.
func (s *Service) ListUploads(ctx context.Context, userID, pidID string) ([]blob.Object, error) {
	if err := s.requireArchive(); err != nil {
		return nil, err
	}
	if _, err := s.ownedPID(ctx, userID, pidID); err != nil {
		return nil, err
	}
	objects, err := s.archive.List(ctx, userID, pidID)
	if err != nil {
		return nil, err
	}
	if objects == nil {
		objects = []blob.Object{}
	}
	return objects, nil
}

// DownloadUpload reads one archived upload by its name within the PID prefix.
func (s *Service) DownloadUpload(ctx context.Context, userID, pidID, name string) ([]byte, error) {
	if err := s.requireArchive(); err != nil {
		return nil, err
	}
	if _, err := s.ownedPID(ctx, userID, pidID); err != nil {
		return nil, err
	}
	if name == "" || strings.Contains(name, "/") {
		return nil, validationError("invalid upload name", nil)
	}
	data, err := s.archive.Get(ctx, userID, pidID, blob.Prefix(userID, pidID)+name)
	if err != nil {
		return nil, domainError(http.StatusNotFound, "UPLOAD_NOT_FOUND", "Upload not found", nil)
	}
	return data, nil
}

func (s *Service) requireArchive() error {
	if s.archive == nil {
		return domainError(http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE", "Upload archive is not configured", nil)
	}
	return nil
}

func (s *Service) ExportVariables(ctx context.Context, session Session, pidID, rawFormat string) (*export.Result, error) {
	format, err := export.ParseFormat(rawFormat)
	if err != nil {
		return nil, validationError("format must be csv, html or pdf", []FieldError{{Field: "format", Rule: "oneof", Param: "csv html pdf"}})
	}
	pid, err := s.ownedPID(ctx, session.UserID, pidID)
	if err != nil {
		return nil, err
	}
	vars, err := s.store.ListVariables(ctx, pidID)
	if err != nil {
		return nil, err
	}
	res, err := s.exporter.Export(ctx, export.Request{
		PIDName:   pid.Name,
		ProjectID: pid.ProjectID,
		Owner:     session.UserName,
		Variables: vars,
		Format:    format,
	})
	if errors.Is(err, export.ErrPDFDependencyMissing) {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export is not available on this server", nil)
	}
	return res, err
}

func (s *Service) SearchVariables(ctx context.Context, userID, pidID, q, typ string, limit int) (search.Response, error) {
	if _, err := s.ownedPID(ctx, userID, pidID); err != nil {
		return search.Response{}, err
	}
	if typ != "" {
		parsed, err := editor.ParseVariableType(typ)
		if err != nil {
			return search.Response{}, validationError("type must be Metric, Attribute or Attribute Value", nil)
		}
		typ = string(parsed)
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.search.Search(ctx, search.Query{PIDID: pidID, Text: q, Type: typ, Limit: limit}), nil
}

// ReindexSearch pushes every variable of the PID to the search index and
// returns how many were sent.
func (s *Service) ReindexSearch(ctx context.Context, userID, pidID string) (int, error) {
	if _, err := s.ownedPID(ctx, userID, pidID); err != nil {
		return 0, err
	}
	vars, err := s.store.ListVariables(ctx, pidID)
	if err != nil {
		return 0, err
	}
	s.search.Reindex(vars)
	return len(vars), nil
}

func variableIDs(vars []store.Variable) []string {
	ids := make([]string, 0, len(vars))
	for _, v := range vars {
		ids = append(ids, v.ID)
	}
	return ids
}

func variablePayload(v store.Variable) map[string]any {
	return map[string]any{
		"id":        v.ID,
		"pidId":     v.PIDID,
		"name":      v.Name,
		"type":      v.Type,
		"value":     v.Value,
		"elementId": v.ElementID,
	}
}

func variablesPayload(vars []store.Variable) []map[string]any {
	items := make([]map[string]any, 0, len(vars))
	for _, v := range vars {
		items = append(items, variablePayload(v))
	}
	return items
}

// Usage counter

func (s *Service) RecordCopy(ctx context.Context, userID string) (map[string]any, error) {
	event, err := s.store.RecordMetricEvent(ctx, userID, store.MetricEventCopy)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": event.ID, "type": event.Type, "createdAt": event.CreatedAt}, nil
}

func (s *Service) CopyCount(ctx context.Context, userID string) (int64, error) {
	return s.store.CountMetricEvents(ctx, userID, store.MetricEventCopy)
}

// Sync

func (s *Service) StartSync(ctx context.Context, session Session, pidID string) (syncjob.Job, error) {
	if s.syncer == nil {
		return syncjob.Job{}, domainError(http.StatusServiceUnavailable, "GOODDATA_UNAVAILABLE", "GoodData sync is not configured", nil)
	}
	pid, err := s.ownedPID(ctx, session.UserID, pidID)
	if err != nil {
		return syncjob.Job{}, err
	}

	job := syncjob.Job{UserID: session.UserID, PIDID: pid.ID, ProjectID: pid.ProjectID}
	started, err := s.jobs.Start(ctx, job, func(ctx context.Context, job syncjob.Job) (syncjob.Result, error) {
		started := time.Now()
		result, err := s.syncer.Sync(ctx, job.ProjectID, job.PIDID)
		s.reportSync(session, pid, result, err, time.Since(started))
		return result, err
	})
	if errors.Is(err, syncjob.ErrShuttingDown) {
		return syncjob.Job{}, domainError(http.StatusServiceUnavailable, "SHUTTING_DOWN", "Server is shutting down, retry shortly", nil)
	}
	return started, err
}

func (s *Service) reportSync(session Session, pid store.PID, result syncjob.Result, syncErr error, took time.Duration) {
	if s.mailer == nil || !s.mailer.IsConfigured() || session.Email == "" {
		return
	}
	data := email.SyncReportData{
		UserName:        session.FirstName,
		PIDName:         pid.Name,
		ProjectID:       pid.ProjectID,
		Attributes:      result.Attributes,
		AttributeValues: result.AttributeValues,
		Metrics:         result.Metrics,
		Skipped:         result.Skipped,
		Duration:        took.Round(time.Second),
	}
	if syncErr != nil {
		data.Failed = true
		data.Error = syncErr.Error()
	}
	if err := s.mailer.SendSyncReport(session.Email, data); err != nil {
		log.Printf("email: sync report to %s: %v", session.Email, err)
	}
}

func (s *Service) SyncStatus(ctx context.Context, userID, jobID string) (syncjob.Job, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if errors.Is(err, syncjob.ErrNotFound) || (err == nil && job.UserID != userID) {
		return syncjob.Job{}, domainError(http.StatusNotFound, "JOB_NOT_FOUND", "Sync job not found", nil)
	}
	return job, err
}

type CreateMetricInput struct {
	PIDID      string `json:"pidId" validate:"required"`
	Title      string `json:"title" validate:"required,max=255"`
	Expression string `json:"expression" validate:"required"`
}

// CreateMetric publishes an editor expression as a metric object in the
// PID's project.
func (s *Service) CreateMetric(ctx context.Context, userID string, input CreateMetricInput) (map[string]any, error) {
	input.Title = strings.TrimSpace(input.Title)
	input.Expression = editor.NormalizeExpression(input.Expression)
	if err := validateInput(input); err != nil {
		return nil, err
	}
	if s.metrics == nil || !s.metrics.Configured() {
		return nil, domainError(http.StatusServiceUnavailable, "GOODDATA_UNAVAILABLE", "GoodData is not configured", nil)
	}
	pid, err := s.ownedPID(ctx, userID, input.PIDID)
	if err != nil {
		return nil, err
	}
	uri, err := s.metrics.CreateMetric(ctx, pid.ProjectID, input.Title, input.Expression)
	if err != nil {
		return nil, domainError(http.StatusBadGateway, "GOODDATA_ERROR", fmt.Sprintf("GoodData rejected the metric: %v", err), nil)
	}
	return map[string]any{"uri": uri, "title": input.Title, "expression": input.Expression}, nil
}

// Drafts

type DraftInput struct {
	Title    string           `json:"title" validate:"max=255"`
	Segments []editor.Segment `json:"segments" validate:"required"`
}

func (s *Service) SaveDraft(ctx context.Context, session Session, pidID string, input DraftInput) (map[string]any, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	if err := s.requireDrafts(); err != nil {
		return nil, err
	}
	if _, err := s.ownedPID(ctx, session.UserID, pidID); err != nil {
		return nil, err
	}
	if err := editor.New().Restore(input.Segments); err != nil {
		return nil, validationError(err.Error(), []FieldError{{Field: "segments", Rule: "structure"}})
	}
	draft := drafts.Draft{Title: strings.TrimSpace(input.Title), Segments: input.Segments}
	version, err := s.drafts.Save(session.UserID, pidID, draft, session.UserName)
	if err != nil {
		return nil, err
	}
	return map[string]any{"version": version, "expression": editor.Serialize(input.Segments)}, nil
}

// LoadDraft returns the latest draft, or the one at version when given.
func (s *Service) LoadDraft(ctx context.Context, userID, pidID, version string) (map[string]any, error) {
	if err := s.requireDrafts(); err != nil {
		return nil, err
	}
	if _, err := s.ownedPID(ctx, userID, pidID); err != nil {
		return nil, err
	}
	if version != "" {
		draft, err := s.drafts.At(userID, pidID, version)
		if errors.Is(err, drafts.ErrNotFound) {
			return nil, domainError(http.StatusNotFound, "DRAFT_NOT_FOUND", "Draft version not found", nil)
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"draft": draft}, nil
	}
	draft, head, err := s.drafts.Load(userID, pidID)
	if errors.Is(err, drafts.ErrNotFound) {
		return nil, domainError(http.StatusNotFound, "DRAFT_NOT_FOUND", "No draft saved for this PID", nil)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"draft": draft, "version": head}, nil
}

func (s *Service) DraftHistory(ctx context.Context, userID, pidID string, limit int) ([]drafts.Version, error) {
	if err := s.requireDrafts(); err != nil {
		return nil, err
	}
	if _, err := s.ownedPID(ctx, userID, pidID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return s.drafts.History(userID, pidID, limit)
}

func (s *Service) requireDrafts() error {
	if s.drafts == nil {
		return domainError(http.StatusServiceUnavailable, "DRAFTS_UNAVAILABLE", "Draft storage is not configured", nil)
	}
	return nil
}
