package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/inopsio/modeld/pkg/lifecycle"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements lifecycle.Store and lifecycle.HistoryStore using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// NewSQLiteStore creates a new SQLite store instance. Call Init and Migrate
// before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if s.cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		s.cfg.Path, s.cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SchemaVersion returns the applied migration version.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (uint, bool, error) {
	var (
		version uint
		dirty   bool
	)
	err := s.db.QueryRowContext(ctx, `SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, dirty, nil
}

const modelColumns = `id, name, version, metadata, state, state_version, last_error, active_job_id, job_owner, created_at, updated_at`

// Create inserts a new model record.
func (s *SQLiteStore) Create(ctx context.Context, rec *lifecycle.ModelRecord) error {
	metadata, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	query := `INSERT INTO models (` + modelColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Name,
		rec.Version,
		metadata,
		string(rec.State),
		rec.StateVersion,
		rec.LastError,
		rec.ActiveJobID,
		rec.JobOwner,
		rec.CreatedAt.UnixNano(),
		rec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if exists, _ := s.exists(ctx, rec.ID); exists {
			return lifecycle.NewConflictError("model already exists", err).WithModel(rec.ID)
		}
		return fmt.Errorf("failed to create model: %w", err)
	}
	return nil
}

// Get retrieves a model by ID, including deleted models.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*lifecycle.ModelRecord, error) {
	query := `SELECT ` + modelColumns + ` FROM models WHERE id = ?`

	rec, err := scanModel(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lifecycle.NewNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model: %w", err)
	}
	return rec, nil
}

// List returns non-deleted models ordered by creation time, then id.
func (s *SQLiteStore) List(ctx context.Context, offset, limit int) ([]*lifecycle.ModelRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT ` + modelColumns + `
		FROM models
		WHERE state != ?
		ORDER BY created_at, id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, string(lifecycle.StateDeleted), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer rows.Close()

	recs := []*lifecycle.ModelRecord{}
	for rows.Next() {
		rec, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating models: %w", err)
	}
	return recs, nil
}

// CASUpdate replaces the model only if its state_version still equals
// expectedVersion.
func (s *SQLiteStore) CASUpdate(ctx context.Context, id string, expectedVersion int64, rec *lifecycle.ModelRecord) error {
	if rec.StateVersion <= expectedVersion {
		return lifecycle.NewValidationError("state version must increase").WithModel(id)
	}
	metadata, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE models
		SET name = ?, version = ?, metadata = ?, state = ?, state_version = ?,
		    last_error = ?, active_job_id = ?, job_owner = ?, updated_at = ?
		WHERE id = ? AND state_version = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		rec.Name,
		rec.Version,
		metadata,
		string(rec.State),
		rec.StateVersion,
		rec.LastError,
		rec.ActiveJobID,
		rec.JobOwner,
		rec.UpdatedAt.UnixNano(),
		id,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update model: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 1 {
		return nil
	}

	exists, err := s.exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return lifecycle.NewNotFoundError(id)
	}
	return lifecycle.NewConcurrentModificationError(id, expectedVersion)
}

// RecordTransition appends a transition to the model's history.
func (s *SQLiteStore) RecordTransition(ctx context.Context, t lifecycle.Transition) error {
	query := `
		INSERT INTO model_transitions (model_id, from_state, to_state, event, state_version, job_id, error, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		t.ModelID,
		string(t.From),
		string(t.To),
		string(t.Event),
		t.StateVersion,
		t.JobID,
		t.Error,
		t.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// ListTransitions returns a model's transitions oldest first.
func (s *SQLiteStore) ListTransitions(ctx context.Context, modelID string, offset, limit int) ([]lifecycle.Transition, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT model_id, from_state, to_state, event, state_version, job_id, error, at
		FROM model_transitions
		WHERE model_id = ?
		ORDER BY id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, modelID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	ts := []lifecycle.Transition{}
	for rows.Next() {
		var (
			t            lifecycle.Transition
			from, to, ev string
			at           int64
		)
		if err := rows.Scan(&t.ModelID, &from, &to, &ev, &t.StateVersion, &t.JobID, &t.Error, &at); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.From = lifecycle.State(from)
		t.To = lifecycle.State(to)
		t.Event = lifecycle.Event(ev)
		t.At = time.Unix(0, at).UTC()
		ts = append(ts, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}
	return ts, nil
}

// CountByState returns the number of models in each state.
func (s *SQLiteStore) CountByState(ctx context.Context) (map[lifecycle.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM models GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count models: %w", err)
	}
	defer rows.Close()

	counts := make(map[lifecycle.State]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[lifecycle.State(state)] = n
	}
	return counts, rows.Err()
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM models WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check model: %w", err)
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModel(row rowScanner) (*lifecycle.ModelRecord, error) {
	var (
		rec                  lifecycle.ModelRecord
		metadata, state      string
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&rec.ID,
		&rec.Name,
		&rec.Version,
		&metadata,
		&state,
		&rec.StateVersion,
		&rec.LastError,
		&rec.ActiveJobID,
		&rec.JobOwner,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.State = lifecycle.State(state)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if metadata != "" && metadata != "{}" && metadata != "null" {
		if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &rec, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(b), nil
}
