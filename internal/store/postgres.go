package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"maqlexpress/api/internal/util"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	if user.ID == "" {
		user.ID = util.NewID("usr")
	}
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, password_hash, first_name, last_name)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, user.ID, user.Email, user.PasswordHash, user.FirstName, user.LastName).Scan(&user.CreatedAt, &user.UpdatedAt)
	if isUniqueViolation(err) {
		return User{}, ErrDuplicate
	}
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

const userColumns = `id, email, password_hash, first_name, last_name, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.FirstName, &user.LastName, &user.CreatedAt, &user.UpdatedAt)
	return user, err
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, strings.ToLower(strings.TrimSpace(email))))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT u.id, u.email, u.password_hash, u.first_name, u.last_name, u.created_at, u.updated_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash))
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) GetLibraryConfig(ctx context.Context, userID string) (LibraryConfig, error) {
	var cfg LibraryConfig
	err := s.db.QueryRowContext(ctx, `
		SELECT metrics_format, attributes_format, values_format, updated_at
		FROM library_configs WHERE user_id=$1
	`, userID).Scan(&cfg.Metrics, &cfg.Attributes, &cfg.Values, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return LibraryConfig{}, nil
	}
	if err != nil {
		return LibraryConfig{}, fmt.Errorf("read library config: %w", err)
	}
	return cfg, nil
}

func (s *PostgresStore) SaveLibraryConfig(ctx context.Context, userID string, cfg LibraryConfig) (LibraryConfig, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO library_configs (user_id, metrics_format, attributes_format, values_format)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			metrics_format=EXCLUDED.metrics_format,
			attributes_format=EXCLUDED.attributes_format,
			values_format=EXCLUDED.values_format,
			updated_at=NOW()
		RETURNING updated_at
	`, userID, cfg.Metrics, cfg.Attributes, cfg.Values).Scan(&cfg.UpdatedAt)
	if err != nil {
		return LibraryConfig{}, fmt.Errorf("save library config: %w", err)
	}
	return cfg, nil
}

func (s *PostgresStore) ListPIDs(ctx context.Context, userID string) ([]PID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, project_id, created_at
		FROM pids
		WHERE user_id=$1
		ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list pids: %w", err)
	}
	defer rows.Close()

	items := make([]PID, 0)
	for rows.Next() {
		var item PID
		if err := rows.Scan(&item.ID, &item.UserID, &item.Name, &item.ProjectID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pid: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pids: %w", err)
	}
	return items, nil
}

// GetPID returns sql.ErrNoRows when the PID does not exist or is owned by
// another user.
func (s *PostgresStore) GetPID(ctx context.Context, userID, pidID string) (PID, error) {
	var item PID
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, project_id, created_at
		FROM pids WHERE id=$1 AND user_id=$2
	`, pidID, userID).Scan(&item.ID, &item.UserID, &item.Name, &item.ProjectID, &item.CreatedAt)
	if err != nil {
		return PID{}, err
	}
	return item, nil
}

func (s *PostgresStore) CreatePID(ctx context.Context, item PID) (PID, error) {
	if item.ID == "" {
		item.ID = util.NewID("pid")
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO pids (id, user_id, name, project_id)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, item.ID, item.UserID, item.Name, item.ProjectID).Scan(&item.CreatedAt)
	if err != nil {
		return PID{}, fmt.Errorf("insert pid: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) DeletePID(ctx context.Context, userID, pidID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM pids WHERE id=$1 AND user_id=$2`, pidID, userID)
	if err != nil {
		return fmt.Errorf("delete pid: %w", err)
	}
	return expectAffected(result)
}

const variableColumns = `id, pid_id, name, type, value, element_id, created_at, updated_at`

func scanVariable(row interface{ Scan(...any) error }) (Variable, error) {
	var v Variable
	err := row.Scan(&v.ID, &v.PIDID, &v.Name, &v.Type, &v.Value, &v.ElementID, &v.CreatedAt, &v.UpdatedAt)
	return v, err
}

func (s *PostgresStore) queryVariables(ctx context.Context, query string, args ...any) ([]Variable, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list variables: %w", err)
	}
	defer rows.Close()

	items := make([]Variable, 0)
	for rows.Next() {
		item, err := scanVariable(rows)
		if err != nil {
			return nil, fmt.Errorf("scan variable: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate variables: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListVariables(ctx context.Context, pidID string) ([]Variable, error) {
	return s.queryVariables(ctx, `SELECT `+variableColumns+` FROM variables WHERE pid_id=$1 ORDER BY name ASC`, pidID)
}

// SearchVariables is the substring fallback used when the search index is
// unavailable.
func (s *PostgresStore) SearchVariables(ctx context.Context, pidID, query string, limit int) ([]Variable, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(query) + "%"
	return s.queryVariables(ctx, `
		SELECT `+variableColumns+`
		FROM variables
		WHERE pid_id=$1 AND name ILIKE $2
		ORDER BY name ASC
		LIMIT $3
	`, pidID, pattern, limit)
}

func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}

func (s *PostgresStore) GetVariable(ctx context.Context, pidID, variableID string) (Variable, error) {
	return scanVariable(s.db.QueryRowContext(ctx, `SELECT `+variableColumns+` FROM variables WHERE id=$1 AND pid_id=$2`, variableID, pidID))
}

func (s *PostgresStore) CreateVariable(ctx context.Context, v Variable) (Variable, error) {
	v = v.NormalizeElementID()
	if v.ID == "" {
		v.ID = util.NewID("var")
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO variables (id, pid_id, name, type, value, element_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, v.ID, v.PIDID, v.Name, v.Type, v.Value, v.ElementID).Scan(&v.CreatedAt, &v.UpdatedAt)
	if isUniqueViolation(err) {
		return Variable{}, ErrDuplicate
	}
	if err != nil {
		return Variable{}, fmt.Errorf("insert variable: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) UpdateVariable(ctx context.Context, v Variable) (Variable, error) {
	v = v.NormalizeElementID()
	err := s.db.QueryRowContext(ctx, `
		UPDATE variables
		SET name=$3, type=$4, value=$5, element_id=$6, updated_at=NOW()
		WHERE id=$1 AND pid_id=$2
		RETURNING created_at, updated_at
	`, v.ID, v.PIDID, v.Name, v.Type, v.Value, v.ElementID).Scan(&v.CreatedAt, &v.UpdatedAt)
	if isUniqueViolation(err) {
		return Variable{}, ErrDuplicate
	}
	if err != nil {
		return Variable{}, err
	}
	return v, nil
}

func (s *PostgresStore) DeleteVariable(ctx context.Context, pidID, variableID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM variables WHERE id=$1 AND pid_id=$2`, variableID, pidID)
	if err != nil {
		return fmt.Errorf("delete variable: %w", err)
	}
	return expectAffected(result)
}

func (s *PostgresStore) DeleteAllVariables(ctx context.Context, pidID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM variables WHERE pid_id=$1`, pidID)
	if err != nil {
		return 0, fmt.Errorf("delete variables: %w", err)
	}
	return result.RowsAffected()
}

// InsertVariablesIfMissing inserts each variable unless one with the same
// name, type, value and element id already exists in the PID. It returns the
// newly inserted rows.
func (s *PostgresStore) InsertVariablesIfMissing(ctx context.Context, pidID string, items []Variable) ([]Variable, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin variable import: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted := make([]Variable, 0, len(items))
	for _, item := range items {
		item = item.NormalizeElementID()
		item.PIDID = pidID
		if item.ID == "" {
			item.ID = util.NewID("var")
		}
		err := tx.QueryRowContext(ctx, `
			INSERT INTO variables (id, pid_id, name, type, value, element_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (pid_id, name, type, value, element_id) DO NOTHING
			RETURNING created_at, updated_at
		`, item.ID, item.PIDID, item.Name, item.Type, item.Value, item.ElementID).Scan(&item.CreatedAt, &item.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("insert variable %q: %w", item.Name, err)
		}
		inserted = append(inserted, item)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit variable import: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) RecordMetricEvent(ctx context.Context, userID, eventType string) (MetricEvent, error) {
	event := MetricEvent{UserID: userID, Type: eventType}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO metric_events (user_id, type)
		VALUES ($1, $2)
		RETURNING id, created_at
	`, userID, eventType).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return MetricEvent{}, fmt.Errorf("insert metric event: %w", err)
	}
	return event, nil
}

func (s *PostgresStore) CountMetricEvents(ctx context.Context, userID, eventType string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM metric_events WHERE user_id=$1 AND type=$2`, userID, eventType).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count metric events: %w", err)
	}
	return count, nil
}

func expectAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
