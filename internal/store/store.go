package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/keygatehq/keygate/internal/model"
)

// Supported storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects and configures the storage backend.
type Options struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string
	// DSN is the PostgreSQL connection string. Ignored for SQLite.
	DSN string
	// DataDir holds keygate.db for SQLite. Empty means in-memory.
	DataDir string
}

// Store persists administrator accounts, temporary keys, and the access log.
// All updates that change key state are single conditional statements so
// concurrent callers never observe a lost update.
type Store struct {
	db     *sqlx.DB
	driver string
}

// Open connects to the configured backend and applies migrations.
func Open(opts Options) (*Store, error) {
	switch opts.Driver {
	case "", DriverSQLite:
		return openSQLite(opts.DataDir)
	case DriverPostgres:
		return openPostgres(opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q (use sqlite or postgres)", opts.Driver)
	}
}

// NewMemory returns an in-memory SQLite store.
func NewMemory() (*Store, error) {
	return openSQLite("")
}

func openSQLite(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, "keygate.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// One connection serializes writes and keeps :memory: a single database.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, driver: DriverSQLite}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite database: %w", err)
	}
	return s, nil
}

func openPostgres(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres driver requires a dsn")
	}
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, driver: DriverPostgres}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate postgres database: %w", err)
	}
	return s, nil
}

// Driver returns the name of the active backend.
func (s *Store) Driver() string {
	return s.driver
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// q rewrites ? placeholders for the active driver.
func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}

func millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: millis(*t), Valid: true}
}

func fromNullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ---------------------------------------------------------------------------
// Administrator accounts
// ---------------------------------------------------------------------------

type adminRow struct {
	ID           string        `db:"id"`
	Username     string        `db:"username"`
	PasswordHash string        `db:"password_hash"`
	Role         string        `db:"role"`
	Permissions  string        `db:"permissions"`
	CreatedAt    int64         `db:"created_at"`
	LastLogin    sql.NullInt64 `db:"last_login"`
	IsActive     bool          `db:"is_active"`
	CreatedBy    string        `db:"created_by"`
}

func (r adminRow) toModel() (model.AdminAccount, error) {
	var perms []model.Permission
	if err := json.Unmarshal([]byte(r.Permissions), &perms); err != nil {
		return model.AdminAccount{}, fmt.Errorf("decode permissions for %s: %w", r.Username, err)
	}
	return model.AdminAccount{
		ID:           r.ID,
		Username:     r.Username,
		PasswordHash: r.PasswordHash,
		Role:         model.Role(r.Role),
		Permissions:  perms,
		CreatedAt:    fromMillis(r.CreatedAt),
		LastLogin:    fromNullMillis(r.LastLogin),
		IsActive:     r.IsActive,
		CreatedBy:    r.CreatedBy,
	}, nil
}

// CreateAdmin inserts a new administrator account. An empty ID is filled
// with a fresh UUIDv7. Returns ErrDuplicate if the username is taken.
func (s *Store) CreateAdmin(ctx context.Context, a *model.AdminAccount) error {
	if a.ID == "" {
		a.ID = newID()
	}
	perms, err := json.Marshal(a.Permissions)
	if err != nil {
		return fmt.Errorf("encode permissions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO administrator_accounts
		(id, username, password_hash, role, permissions, created_at, last_login, is_active, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.Username, a.PasswordHash, string(a.Role), string(perms),
		millis(a.CreatedAt), nullMillis(a.LastLogin), a.IsActive, a.CreatedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert admin: %w", err)
	}
	return nil
}

// GetAdminByUsername returns the account with the given username.
func (s *Store) GetAdminByUsername(ctx context.Context, username string) (*model.AdminAccount, error) {
	var row adminRow
	err := s.db.GetContext(ctx, &row, s.q("SELECT * FROM administrator_accounts WHERE username = ?"), username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get admin by username: %w", err)
	}
	a, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAdmins returns all administrator accounts ordered by username.
func (s *Store) ListAdmins(ctx context.Context) ([]model.AdminAccount, error) {
	var rows []adminRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM administrator_accounts ORDER BY username"); err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	out := make([]model.AdminAccount, 0, len(rows))
	for _, r := range rows {
		a, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// HasAnyAdmin reports whether at least one administrator account exists.
func (s *Store) HasAnyAdmin(ctx context.Context) (bool, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM administrator_accounts"); err != nil {
		return false, fmt.Errorf("count admins: %w", err)
	}
	return count > 0, nil
}

// UpdateAdminLastLogin records a successful login time.
func (s *Store) UpdateAdminLastLogin(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		s.q("UPDATE administrator_accounts SET last_login = ? WHERE id = ?"), millis(at), id)
	if err != nil {
		return fmt.Errorf("update admin last login: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update admin last login rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Temporary keys
// ---------------------------------------------------------------------------

type tempKeyRow struct {
	ID             string        `db:"id"`
	KeyHash        string        `db:"key_hash"`
	ClientName     string        `db:"client_name"`
	CreatedAt      int64         `db:"created_at"`
	ExpiresAt      int64         `db:"expires_at"`
	ValidHours     string        `db:"valid_hours"`
	Status         string        `db:"status"`
	UsageCount     int           `db:"usage_count"`
	MaxUsage       int           `db:"max_usage"`
	LastUsedAt     sql.NullInt64 `db:"last_used_at"`
	CreatedByAdmin string        `db:"created_by_admin"`
	IPWhitelist    string        `db:"ip_whitelist"`
	Notes          string        `db:"notes"`
}

func (r tempKeyRow) toModel() (model.TempKey, error) {
	var hours []int
	if err := json.Unmarshal([]byte(r.ValidHours), &hours); err != nil {
		return model.TempKey{}, fmt.Errorf("decode valid hours for key %s: %w", r.ID, err)
	}
	var whitelist []string
	if err := json.Unmarshal([]byte(r.IPWhitelist), &whitelist); err != nil {
		return model.TempKey{}, fmt.Errorf("decode ip whitelist for key %s: %w", r.ID, err)
	}
	return model.TempKey{
		ID:             r.ID,
		KeyHash:        r.KeyHash,
		ClientName:     r.ClientName,
		CreatedAt:      fromMillis(r.CreatedAt),
		ExpiresAt:      fromMillis(r.ExpiresAt),
		ValidHours:     hours,
		Status:         model.KeyStatus(r.Status),
		UsageCount:     r.UsageCount,
		MaxUsage:       r.MaxUsage,
		LastUsedAt:     fromNullMillis(r.LastUsedAt),
		CreatedByAdmin: r.CreatedByAdmin,
		IPWhitelist:    whitelist,
		Notes:          r.Notes,
	}, nil
}

func tempKeysFromRows(rows []tempKeyRow) ([]model.TempKey, error) {
	out := make([]model.TempKey, 0, len(rows))
	for _, r := range rows {
		k, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

// CreateTempKey inserts a new temporary key. KeyHash must already be set.
// An empty ID is filled with a fresh UUIDv7.
func (s *Store) CreateTempKey(ctx context.Context, k *model.TempKey) error {
	if k.ID == "" {
		k.ID = newID()
	}
	if k.Status == "" {
		k.Status = model.KeyActive
	}
	hours, err := json.Marshal(nonNilInts(k.ValidHours))
	if err != nil {
		return fmt.Errorf("encode valid hours: %w", err)
	}
	whitelist, err := json.Marshal(nonNilStrings(k.IPWhitelist))
	if err != nil {
		return fmt.Errorf("encode ip whitelist: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO temporary_keys
		(id, key_hash, client_name, created_at, expires_at, valid_hours, status,
		 usage_count, max_usage, last_used_at, created_by_admin, ip_whitelist, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		k.ID, k.KeyHash, k.ClientName, millis(k.CreatedAt), millis(k.ExpiresAt),
		string(hours), string(k.Status), k.UsageCount, k.MaxUsage,
		nullMillis(k.LastUsedAt), k.CreatedByAdmin, string(whitelist), k.Notes)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert temp key: %w", err)
	}
	return nil
}

// GetTempKeyByHash returns the key with the given SHA-256 hash.
func (s *Store) GetTempKeyByHash(ctx context.Context, hash string) (*model.TempKey, error) {
	var row tempKeyRow
	err := s.db.GetContext(ctx, &row, s.q("SELECT * FROM temporary_keys WHERE key_hash = ?"), hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get temp key by hash: %w", err)
	}
	k, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// GetTempKey returns the key with the given ID.
func (s *Store) GetTempKey(ctx context.Context, id string) (*model.TempKey, error) {
	var row tempKeyRow
	err := s.db.GetContext(ctx, &row, s.q("SELECT * FROM temporary_keys WHERE id = ?"), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get temp key: %w", err)
	}
	k, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// ListTempKeys returns keys newest first. An empty status returns every key.
func (s *Store) ListTempKeys(ctx context.Context, status model.KeyStatus) ([]model.TempKey, error) {
	var rows []tempKeyRow
	var err error
	if status == "" {
		err = s.db.SelectContext(ctx, &rows,
			"SELECT * FROM temporary_keys ORDER BY created_at DESC, id DESC")
	} else {
		err = s.db.SelectContext(ctx, &rows,
			s.q("SELECT * FROM temporary_keys WHERE status = ? ORDER BY created_at DESC, id DESC"), string(status))
	}
	if err != nil {
		return nil, fmt.Errorf("list temp keys: %w", err)
	}
	return tempKeysFromRows(rows)
}

// FindTempKeysByHashPrefix returns every key whose hash starts with prefix.
// The prefix must contain only lowercase hex characters.
func (s *Store) FindTempKeysByHashPrefix(ctx context.Context, prefix string) ([]model.TempKey, error) {
	if prefix == "" || strings.Trim(prefix, "0123456789abcdef") != "" {
		return nil, nil
	}
	var rows []tempKeyRow
	err := s.db.SelectContext(ctx, &rows,
		s.q("SELECT * FROM temporary_keys WHERE key_hash LIKE ? ORDER BY created_at DESC, id DESC"), prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("find temp keys by prefix: %w", err)
	}
	return tempKeysFromRows(rows)
}

// ConsumeTempKey atomically increments the usage counter of an active key
// that has remaining quota and returns the updated record. It returns
// ErrPreconditionFailed when the key is no longer active, has reached its
// expiry, or its quota is exhausted, so concurrent validators can never push usage past max_usage.
func (s *Store) ConsumeTempKey(ctx context.Context, id string, at time.Time) (*model.TempKey, error) {
	var row tempKeyRow
	err := s.db.GetContext(ctx, &row, s.q(`UPDATE temporary_keys
		SET usage_count = usage_count + 1, last_used_at = ?
		WHERE id = ? AND status = 'active' AND usage_count < max_usage AND expires_at > ?
		RETURNING *`), millis(at), id, millis(at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPreconditionFailed
		}
		return nil, fmt.Errorf("consume temp key: %w", err)
	}
	k, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// RevokeTempKey moves an active key to revoked. A key that is already
// terminal is left unchanged. Returns false if no key has the hash.
func (s *Store) RevokeTempKey(ctx context.Context, hash string) (bool, error) {
	if _, err := s.db.ExecContext(ctx,
		s.q("UPDATE temporary_keys SET status = 'revoked' WHERE key_hash = ? AND status = 'active'"), hash); err != nil {
		return false, fmt.Errorf("revoke temp key: %w", err)
	}
	var count int
	if err := s.db.GetContext(ctx, &count,
		s.q("SELECT COUNT(*) FROM temporary_keys WHERE key_hash = ?"), hash); err != nil {
		return false, fmt.Errorf("revoke temp key lookup: %w", err)
	}
	return count > 0, nil
}

// ExpireDueTempKeys moves every active key whose expiry is at or before now
// to expired and returns how many changed.
func (s *Store) ExpireDueTempKeys(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		s.q("UPDATE temporary_keys SET status = 'expired' WHERE status = 'active' AND expires_at <= ?"), millis(now))
	if err != nil {
		return 0, fmt.Errorf("expire due temp keys: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire due temp keys rows affected: %w", err)
	}
	return n, nil
}

func nonNilInts(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// ---------------------------------------------------------------------------
// Access log
// ---------------------------------------------------------------------------

type accessLogRow struct {
	ID         string `db:"id"`
	UserType   string `db:"user_type"`
	Identifier string `db:"identifier"`
	Endpoint   string `db:"endpoint"`
	Method     string `db:"method"`
	StatusCode int    `db:"status_code"`
	OccurredAt int64  `db:"occurred_at"`
	IPAddress  string `db:"ip_address"`
	UserAgent  string `db:"user_agent"`
	HiddenMode bool   `db:"hidden_mode"`
}

func (r accessLogRow) toModel() model.AccessLogEntry {
	return model.AccessLogEntry{
		ID:         r.ID,
		UserType:   model.UserType(r.UserType),
		Identifier: r.Identifier,
		Endpoint:   r.Endpoint,
		Method:     r.Method,
		StatusCode: r.StatusCode,
		Timestamp:  fromMillis(r.OccurredAt),
		IPAddress:  r.IPAddress,
		UserAgent:  r.UserAgent,
		HiddenMode: r.HiddenMode,
	}
}

// AppendAccessLog inserts one audit entry. An empty ID is filled with a
// fresh UUIDv7.
func (s *Store) AppendAccessLog(ctx context.Context, e *model.AccessLogEntry) error {
	if e.ID == "" {
		e.ID = newID()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO access_log
		(id, user_type, identifier, endpoint, method, status_code, occurred_at, ip_address, user_agent, hidden_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, string(e.UserType), e.Identifier, e.Endpoint, e.Method, e.StatusCode,
		millis(e.Timestamp), e.IPAddress, e.UserAgent, e.HiddenMode)
	if err != nil {
		return fmt.Errorf("insert access log: %w", err)
	}
	return nil
}

// ListAccessLogs returns up to limit entries, newest first. Hidden entries
// are skipped unless includeHidden is set.
func (s *Store) ListAccessLogs(ctx context.Context, limit int, includeHidden bool) ([]model.AccessLogEntry, error) {
	query := "SELECT * FROM access_log"
	if !includeHidden {
		query += " WHERE hidden_mode = FALSE"
	}
	query += " ORDER BY occurred_at DESC, id DESC LIMIT ?"

	var rows []accessLogRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), limit); err != nil {
		return nil, fmt.Errorf("list access logs: %w", err)
	}
	out := make([]model.AccessLogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}
