package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"medisync/internal/crypto"
	"medisync/internal/policy"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

var (
	// ErrQueueFull is returned at enqueue time when the store is at
	// capacity and no lower-priority task can be evicted.
	ErrQueueFull = errors.New("mutation store at capacity")

	// ErrNotPending is returned when a task cannot transition to in-flight
	// because another dispatch attempt already claimed it.
	ErrNotPending = errors.New("task is not pending")

	// ErrTaskInFlight is returned when a cancel targets a task whose
	// remote attempt is currently running.
	ErrTaskInFlight = errors.New("task is in flight")

	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
)

// Store is the durable mutation store: an ordered record of queued
// operations that survives process restarts. All mutating operations are
// serialized through a single mutex so two drain cycles can never claim
// the same task.
type Store struct {
	db       *sql.DB
	mu       sync.Mutex
	policies *policy.Table
	enc      crypto.Encryptor
	capacity int
	logger   zerolog.Logger
}

// NewStore opens (or creates) the backing sqlite database.
func NewStore(path string, policies *policy.Table, enc crypto.Encryptor, capacity int, logger zerolog.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if enc == nil {
		enc = crypto.Noop{}
	}
	if capacity <= 0 {
		capacity = 1000
	}

	store := &Store{
		db:       db,
		policies: policies,
		enc:      enc,
		capacity: capacity,
		logger:   logger.With().Str("component", "store").Logger(),
	}
	store.logger.Info().Str("path", path).Int("capacity", capacity).Msg("mutation store initialized")
	return store, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sync_tasks (
            seq INTEGER PRIMARY KEY AUTOINCREMENT,
            id TEXT NOT NULL UNIQUE,
            operation TEXT NOT NULL,
            resource_type TEXT NOT NULL,
            resource_id TEXT NOT NULL,
            payload BLOB,
            encrypted BOOLEAN NOT NULL DEFAULT 0,
            base_version TEXT NOT NULL DEFAULT '',
            priority INTEGER NOT NULL DEFAULT 1,
            conflict_strategy TEXT NOT NULL DEFAULT 'merge',
            retry_count INTEGER NOT NULL DEFAULT 0,
            max_retries INTEGER NOT NULL DEFAULT 0,
            status TEXT NOT NULL DEFAULT 'pending',
            last_error TEXT,
            server_state BLOB,
            server_state_encrypted BOOLEAN NOT NULL DEFAULT 0,
            created_at DATETIME NOT NULL,
            last_attempt_at DATETIME,
            next_retry_at DATETIME,
            processed_at DATETIME
        )`,

		`CREATE INDEX IF NOT EXISTS idx_sync_tasks_status ON sync_tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_tasks_resource ON sync_tasks(resource_type, resource_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_tasks_ready ON sync_tasks(status, priority, created_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) sealPayload(resourceType string, plaintext []byte) ([]byte, bool, error) {
	if len(plaintext) == 0 {
		return plaintext, false, nil
	}
	if !s.policies.For(resourceType).EncryptionRequired {
		return plaintext, false, nil
	}
	sealed, err := s.enc.Encrypt(plaintext, resourceType)
	if err != nil {
		return nil, false, fmt.Errorf("encrypt payload: %w", err)
	}
	return sealed, true, nil
}

func (s *Store) openPayload(resourceType string, data []byte, encrypted bool) ([]byte, error) {
	if !encrypted || len(data) == 0 {
		return data, nil
	}
	plaintext, err := s.enc.Decrypt(data, resourceType)
	if err != nil {
		return nil, fmt.Errorf("decrypt payload: %w", err)
	}
	return plaintext, nil
}
