// Package sqlite implements the durable storage backend over a single-file
// SQLite database in WAL mode, so readers are never blocked by an in-progress
// writer and a crash mid-write cannot corrupt committed data.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/aschepis/backscratcher/brain/brain"
	"github.com/aschepis/backscratcher/brain/migrations"
	"github.com/aschepis/backscratcher/brain/vectors"
)

// candidateLimit caps how many rows a similarity query scans. Linear scan is
// fine at the hundreds-to-low-thousands scale this store targets.
const candidateLimit = 2000

// Options configure a Store.
type Options struct {
	// EmbeddingDim is the fixed embedding length for this deployment. Every
	// stored vector must match it.
	EmbeddingDim int
	// Metric selects the ranking function. Defaults to cosine.
	Metric vectors.Metric
}

// Store is the durable backend. It implements brain.Backend.
type Store struct {
	db     *sql.DB
	dim    int
	metric vectors.Metric
	logger zerolog.Logger
}

// Open opens (or creates) the database file, verifies the schema version,
// runs pending migrations, and returns a ready Store. The DSN enables WAL
// journaling, a busy timeout for concurrent writers, and foreign keys.
func Open(path string, opts Options, logger zerolog.Logger) (*Store, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=ON"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, brain.NewBackendUnavailableError("open database", err)
	}

	// The file may live on shared or network storage; give it a moment to
	// become reachable before declaring the backend unavailable.
	ping := func() error { return db.Ping() }
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4)
	if err := backoff.Retry(ping, bo); err != nil {
		_ = db.Close()
		return nil, brain.NewBackendUnavailableError("database unreachable", err)
	}

	if _, dirty, err := migrations.SchemaVersion(db); err != nil {
		_ = db.Close()
		return nil, brain.NewSchemaVersionError("failed to read schema version", err)
	} else if dirty {
		_ = db.Close()
		return nil, brain.NewSchemaVersionError("schema is dirty; a prior migration aborted", nil)
	}

	if err := migrations.RunMigrations(db, logger); err != nil {
		_ = db.Close()
		return nil, brain.NewSchemaVersionError("migrations failed", err)
	}

	return New(db, opts, logger)
}

// New wraps an already opened and migrated database handle. Useful for tests
// running against :memory: databases.
func New(db *sql.DB, opts Options, logger zerolog.Logger) (*Store, error) {
	if opts.EmbeddingDim <= 0 {
		return nil, brain.NewValidationError("embedding dimension must be positive", nil)
	}
	metric := opts.Metric
	if metric == "" {
		metric = vectors.MetricCosine
	}
	logger = logger.With().Str("component", "sqlite_store").Logger()
	logger.Info().Int("embedding_dim", opts.EmbeddingDim).Str("metric", string(metric)).
		Msg("Initializing sqlite store")
	return &Store{db: db, dim: opts.EmbeddingDim, metric: metric, logger: logger}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for migrations and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func millisToTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// checkEmbedding enforces the per-deployment dimensionality invariant.
func (s *Store) checkEmbedding(vec []float32) error {
	if len(vec) != s.dim {
		return brain.NewValidationError(
			fmt.Sprintf("embedding has %d dimensions, store is configured for %d", len(vec), s.dim), nil)
	}
	return nil
}

// wrapErr translates driver errors into the module's typed errors. Errors
// that are already typed pass through unchanged.
func wrapErr(msg string, err error) error {
	if err == nil {
		return nil
	}
	var be *brain.Error
	if errors.As(err, &be) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return brain.NewTimeoutError(msg, err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return brain.NewNotFoundError(msg, err)
	}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code {
		case sqlite3.ErrConstraint:
			return brain.NewDuplicateError(msg, err)
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen, sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return brain.NewBackendUnavailableError(msg, err)
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// StatementBuilder returns a Squirrel builder configured for SQLite, which
// uses Squirrel's default '?' placeholders.
func StatementBuilder() sq.StatementBuilderType {
	return sq.StatementBuilder
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func marshalStrings(v []string) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalStrings(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil
	}
	return out
}

func unmarshalMap(ns sql.NullString) map[string]interface{} {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil
	}
	return out
}
