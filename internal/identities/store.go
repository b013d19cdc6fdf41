// Package identities provides the issuer-side identity registry backed by
// SQLite. Activation is a single conditional UPDATE so a secret can be
// consumed at most once, even when duplicate activations race.
package identities

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"nodetrust.mini/ntm/internal/types"

	_ "modernc.org/sqlite"
)

const (
	defaultDBFile        = "identities.db"
	defaultBackupDirName = "backups"
	maxBusyTimeoutMs     = 5000
)

// ErrNotFound is returned when no identity matches a lookup.
var ErrNotFound = errors.New("identity not found")

// PendingState is the state an identity must still be in for a
// conditional activation to apply.
type PendingState struct {
	SecretHash string    // activation_secret_hash must still equal this
	At         time.Time // a set expiry must not be before this instant
}

// Activation holds the fields written by a successful activation.
type Activation struct {
	ExternalID  string
	PublicKey   string
	ActivatedAt time.Time
}

// Store manages identity records and persistence to a SQLite database file.
type Store struct {
	mu        sync.RWMutex
	db        *sql.DB
	file      string
	backupDir string
}

// NewStore creates a new identity store backed by SQLite. An empty
// backupDir places backups next to the database file. A database that
// cannot be opened is reported, never replaced; recovery is an explicit
// RestoreLatestBackup.
func NewStore(filePath, backupDir string) (*Store, error) {
	s, err := newStoreFiles(filePath, backupDir)
	if err != nil {
		return nil, err
	}

	if err := s.openDB(); err != nil {
		return nil, fmt.Errorf("open identity database %s: %w", s.file, err)
	}

	if err := s.ensureSchema(); err != nil {
		_ = s.closeDB()
		return nil, err
	}

	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeDB()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return errors.New("identity store is closed")
	}
	return s.db.PingContext(ctx)
}

func newStoreFiles(filePath, backupDir string) (*Store, error) {
	if filePath == "" {
		filePath = defaultDBFile
	}

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("resolve db path: %w", err)
	}
	if backupDir == "" {
		backupDir = filepath.Join(filepath.Dir(absPath), defaultBackupDirName)
	}

	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}

	return &Store{file: absPath, backupDir: backupDir}, nil
}

func (s *Store) openDB() error {
	if err := os.MkdirAll(filepath.Dir(s.file), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection, not just the first.
	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		filepath.Clean(s.file), maxBusyTimeoutMs)

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("ping sqlite: %w", err)
	}

	if err := quickCheck(db); err != nil {
		db.Close()
		return err
	}

	s.db = db
	return nil
}

func quickCheck(db *sql.DB) error {
	var result string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

func (s *Store) closeDB() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS identities (
		id TEXT PRIMARY KEY,
		flavor TEXT NOT NULL,
		name TEXT NOT NULL,
		address TEXT,
		external_id TEXT,
		activation_secret_hash TEXT,
		activation_expires_at INTEGER,
		public_key TEXT,
		is_activated INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		activated_at TEXT
	)`)
	if err != nil {
		return fmt.Errorf("create identities table: %w", err)
	}

	indexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS identities_external_id
			ON identities (flavor, external_id) WHERE external_id IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS identities_secret_hash
			ON identities (activation_secret_hash) WHERE activation_secret_hash IS NOT NULL`,
	}
	for _, stmt := range indexes {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	return nil
}

const selectColumns = `SELECT id, flavor, name, address, external_id, activation_secret_hash,
	activation_expires_at, public_key, is_activated, created_at, activated_at FROM identities`

// Create inserts a new pending identity.
func (s *Store) Create(ctx context.Context, identity types.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expires any
	if identity.ActivationExpiresAt != nil {
		expires = identity.ActivationExpiresAt.UnixMilli()
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO identities (
		id, flavor, name, address, activation_secret_hash, activation_expires_at,
		is_activated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		identity.ID,
		string(identity.Flavor),
		identity.Name,
		nullString(identity.Address),
		identity.ActivationSecretHash,
		expires,
		formatTime(identity.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert identity: %w", err)
	}
	return nil
}

// GetByID returns an identity by its internal record key.
func (s *Store) GetByID(ctx context.Context, flavor types.Flavor, id string) (*types.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE flavor = ? AND id = ?`, string(flavor), id)
	return scanOne(row)
}

// List returns all identities of a flavor, oldest first.
func (s *Store) List(ctx context.Context, flavor types.Flavor) ([]types.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE flavor = ? ORDER BY created_at, id`, string(flavor))
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	out := []types.Identity{}
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, identity)
	}
	return out, rows.Err()
}

// FindPendingBySecretHash returns the pending identity whose activation
// secret hashes to hash.
func (s *Store) FindPendingBySecretHash(ctx context.Context, flavor types.Flavor, hash string) (*types.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, selectColumns+`
		WHERE flavor = ? AND activation_secret_hash = ? AND is_activated = 0`, string(flavor), hash)
	return scanOne(row)
}

// FindActiveByExternalID returns the activated identity with the given
// public identifier.
func (s *Store) FindActiveByExternalID(ctx context.Context, flavor types.Flavor, externalID string) (*types.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, selectColumns+`
		WHERE flavor = ? AND external_id = ? AND is_activated = 1`, string(flavor), externalID)
	return scanOne(row)
}

// ConditionalActivate promotes the pending identity id to active in one
// UPDATE guarded on it still being pending with the expected secret hash
// and an unexpired deadline. It reports whether this call performed the
// activation; false means another caller won or the state moved on.
func (s *Store) ConditionalActivate(ctx context.Context, id string, expected PendingState, fields Activation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE identities SET
			public_key = ?,
			external_id = ?,
			is_activated = 1,
			activation_secret_hash = NULL,
			activation_expires_at = NULL,
			activated_at = ?
		WHERE id = ?
			AND is_activated = 0
			AND activation_secret_hash = ?
			AND (activation_expires_at IS NULL OR activation_expires_at >= ?)`,
		fields.PublicKey,
		fields.ExternalID,
		formatTime(fields.ActivatedAt),
		id,
		expected.SecretHash,
		expected.At.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("activate identity: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("activate identity: %w", err)
	}
	return affected == 1, nil
}

func scanOne(row *sql.Row) (*types.Identity, error) {
	identity, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &identity, nil
}

func scanIdentity(scanner interface{ Scan(dest ...any) error }) (types.Identity, error) {
	var (
		id, flavor, name      string
		address, externalID   sql.NullString
		secretHash, publicKey sql.NullString
		expiresAt             sql.NullInt64
		isActivated           bool
		createdAt             string
		activatedAt           sql.NullString
	)

	if err := scanner.Scan(
		&id, &flavor, &name, &address, &externalID, &secretHash,
		&expiresAt, &publicKey, &isActivated, &createdAt, &activatedAt,
	); err != nil {
		return types.Identity{}, err
	}

	identity := types.Identity{
		ID:                   id,
		Flavor:               types.Flavor(flavor),
		Name:                 name,
		Address:              address.String,
		ExternalID:           externalID.String,
		ActivationSecretHash: secretHash.String,
		PublicKey:            publicKey.String,
		IsActivated:          isActivated,
		CreatedAt:            parseTime(createdAt),
	}
	if expiresAt.Valid {
		t := time.UnixMilli(expiresAt.Int64).UTC()
		identity.ActivationExpiresAt = &t
	}
	if activatedAt.Valid {
		t := parseTime(activatedAt.String)
		identity.ActivatedAt = &t
	}

	return identity, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts
	}
	return time.Time{}
}
