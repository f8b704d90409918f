package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harunnryd/genkan/internal/errors"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists users, sessions, audit entries, spend, webhook
// deliveries, and auth token hashes in a single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path, enables WAL,
// and applies the schema and any pending migrations.
func NewSQLiteStore(path string, busyTimeout time.Duration) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if busyTimeout > 0 {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds())); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting busy timeout: %w", err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY,
			username TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
			user_id INTEGER NOT NULL,
			workdir TEXT NOT NULL,
			token TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_used TEXT NOT NULL,

			PRIMARY KEY (user_id, workdir),
			CHECK (state IN ('temporary', 'resumable', 'invalidated'))
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			outcome TEXT NOT NULL,
			detail TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor);

		CREATE TABLE IF NOT EXISTS cost_ledger (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			amount REAL NOT NULL,
			recorded_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_user ON cost_ledger(user_id);

		CREATE TABLE IF NOT EXISTS webhook_deliveries (
			provider TEXT NOT NULL,
			delivery_id TEXT NOT NULL,
			received_at TEXT NOT NULL,

			UNIQUE(provider, delivery_id)
		);

		CREATE TABLE IF NOT EXISTS auth_tokens (
			hash TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('users') WHERE name = 'username'`,
			apply:  `ALTER TABLE users ADD COLUMN username TEXT NOT NULL DEFAULT ''`,
			column: "username",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('sessions') WHERE name = 'last_used'`,
			apply:  `ALTER TABLE sessions ADD COLUMN last_used TEXT NOT NULL DEFAULT ''`,
			column: "last_used",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the connection is still usable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureUser inserts the user if unseen and refreshes the username.
func (s *SQLiteStore) EnsureUser(ctx context.Context, id int64, username string) error {
	query := `
		INSERT INTO users (id, username, active, created_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET username = excluded.username
	`
	_, err := s.db.ExecContext(ctx, query, id, username, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("ensuring user: %w", err)
	}
	return nil
}

// GetUser returns the stored user with their ledger total folded in.
func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*User, error) {
	query := `
		SELECT u.id, u.username, u.active, u.created_at,
		       COALESCE((SELECT SUM(amount) FROM cost_ledger WHERE user_id = u.id), 0)
		FROM users u WHERE u.id = ?
	`

	var u User
	var active int
	var createdAtStr string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Username, &active, &createdAtStr, &u.TotalCost)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound(fmt.Sprintf("user %d", id))
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	u.Active = active != 0
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	return &u, nil
}

// DeactivateUser marks the user inactive without deleting history.
func (s *SQLiteStore) DeactivateUser(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivating user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound(fmt.Sprintf("user %d", id))
	}
	return nil
}

// GetSession returns the session row for (userID, workdir).
func (s *SQLiteStore) GetSession(ctx context.Context, userID int64, workdir string) (*SessionRecord, error) {
	query := `
		SELECT user_id, workdir, token, state, created_at, last_used
		FROM sessions WHERE user_id = ? AND workdir = ?
	`

	var rec SessionRecord
	var state, createdAtStr, lastUsedStr string
	err := s.db.QueryRowContext(ctx, query, userID, workdir).Scan(
		&rec.UserID, &rec.Workdir, &rec.Token, &state, &createdAtStr, &lastUsedStr,
	)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("session")
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	rec.State = SessionState(state)
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	rec.LastUsed, _ = time.Parse(time.RFC3339, lastUsedStr)
	return &rec, nil
}

// SaveSession upserts the session row for its (user, workdir) key.
func (s *SQLiteStore) SaveSession(ctx context.Context, rec *SessionRecord) error {
	query := `
		INSERT INTO sessions (user_id, workdir, token, state, created_at, last_used)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, workdir) DO UPDATE SET
			token = excluded.token,
			state = excluded.state,
			last_used = excluded.last_used
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.UserID,
		rec.Workdir,
		rec.Token,
		string(rec.State),
		rec.CreatedAt.UTC().Format(time.RFC3339),
		rec.LastUsed.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// DeleteSession removes the session row. Missing rows are not an error.
func (s *SQLiteStore) DeleteSession(ctx context.Context, userID int64, workdir string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ? AND workdir = ?`, userID, workdir)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// AppendAudit writes one append-only decision record.
func (s *SQLiteStore) AppendAudit(ctx context.Context, actor, action, outcome, detail string) error {
	query := `
		INSERT INTO audit_log (actor, action, outcome, detail, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, actor, action, outcome, detail, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// RecentAudit returns the newest limit audit entries.
func (s *SQLiteStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	query := `
		SELECT id, actor, action, outcome, COALESCE(detail, ''), created_at
		FROM audit_log ORDER BY id DESC LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var createdAtStr string
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Outcome, &e.Detail, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AddCharge records backend-reported spend for a user.
func (s *SQLiteStore) AddCharge(ctx context.Context, userID int64, amountUSD float64) error {
	query := `INSERT INTO cost_ledger (user_id, amount, recorded_at) VALUES (?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, userID, amountUSD, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("recording charge: %w", err)
	}
	return nil
}

// TotalSpend sums the ledger for a user.
func (s *SQLiteStore) TotalSpend(ctx context.Context, userID int64) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM cost_ledger WHERE user_id = ?`, userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing ledger: %w", err)
	}
	return total, nil
}

// MarkDelivery records a webhook delivery id. Returns true when the
// (provider, deliveryID) pair was already recorded.
func (s *SQLiteStore) MarkDelivery(ctx context.Context, provider, deliveryID string) (bool, error) {
	query := `INSERT INTO webhook_deliveries (provider, delivery_id, received_at) VALUES (?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, provider, deliveryID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		if isConstraintViolation(err) {
			return true, nil
		}
		return false, fmt.Errorf("recording delivery: %w", err)
	}
	return false, nil
}

// PruneDeliveries removes delivery records older than cutoff.
func (s *SQLiteStore) PruneDeliveries(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_deliveries WHERE received_at < ?`, cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning deliveries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SaveTokenHash stores an auth token hash for a user.
func (s *SQLiteStore) SaveTokenHash(ctx context.Context, hash string, userID int64) error {
	query := `INSERT OR REPLACE INTO auth_tokens (hash, user_id, created_at) VALUES (?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, hash, userID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving token hash: %w", err)
	}
	return nil
}

// LookupTokenHash resolves a token hash to its user id.
func (s *SQLiteStore) LookupTokenHash(ctx context.Context, hash string) (int64, error) {
	var userID int64
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM auth_tokens WHERE hash = ?`, hash).Scan(&userID)
	if err == sql.ErrNoRows {
		return 0, errors.NotFound("auth token")
	}
	if err != nil {
		return 0, fmt.Errorf("looking up token hash: %w", err)
	}
	return userID, nil
}

// DeleteTokenHash revokes a stored token hash.
func (s *SQLiteStore) DeleteTokenHash(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM auth_tokens WHERE hash = ?`, hash)
	if err != nil {
		return fmt.Errorf("deleting token hash: %w", err)
	}
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}
