package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"medisync/internal/models"

	"github.com/google/uuid"
)

const taskColumns = `id, operation, resource_type, resource_id, payload, encrypted,
        base_version, priority, conflict_strategy, retry_count, max_retries,
        status, last_error, server_state, server_state_encrypted, created_at, last_attempt_at, next_retry_at, processed_at`

// Enqueue persists a new task. The id is assigned here and never reused.
// When the store is at capacity, the lowest-priority oldest pending task
// with strictly lower priority is evicted and returned so the caller can
// surface the eviction as a failure; if no such victim exists, ErrQueueFull
// is returned.
func (s *Store) Enqueue(ctx context.Context, task *models.SyncTask) (*models.SyncTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted *models.SyncTask
	active, err := s.countActive(ctx)
	if err != nil {
		return nil, err
	}
	if active >= s.capacity {
		evicted, err = s.evictVictim(ctx, task.Priority)
		if err != nil {
			return nil, err
		}
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = models.StatusPending
	}
	now := time.Now()
	task.CreatedAt = now

	sealed, encrypted, err := s.sealPayload(task.ResourceType, task.Payload)
	if err != nil {
		return nil, err
	}

	query := `INSERT INTO sync_tasks (id, operation, resource_type, resource_id, payload, encrypted,
              base_version, priority, conflict_strategy, retry_count, max_retries, status, created_at, next_retry_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		task.ID,
		task.Operation,
		task.ResourceType,
		task.ResourceID,
		sealed,
		encrypted,
		task.BaseVersion,
		task.Priority,
		task.ConflictStrategy,
		task.RetryCount,
		task.MaxRetries,
		task.Status,
		now,
		task.NextRetryAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync task: %w", err)
	}

	return evicted, nil
}

func (s *Store) countActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_tasks WHERE status IN ('pending', 'in_flight', 'conflicted')`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active tasks: %w", err)
	}
	return n, nil
}

func (s *Store) evictVictim(ctx context.Context, incoming models.Priority) (*models.SyncTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM sync_tasks
         WHERE status = 'pending' AND priority < ?
         ORDER BY priority ASC, created_at ASC, seq ASC LIMIT 1`,
		incoming,
	)
	victim, err := s.scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrQueueFull
		}
		return nil, err
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx,
		`UPDATE sync_tasks SET status = 'failed', last_error = ?, processed_at = ? WHERE id = ?`,
		"evicted: queue at capacity", now, victim.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to evict task %s: %w", victim.ID, err)
	}

	s.logger.Warn().Str("task_id", victim.ID).Str("resource", victim.ResourceKey()).Msg("task evicted at capacity")
	victim.Status = models.StatusFailed
	reason := "evicted: queue at capacity"
	victim.LastError = &reason
	return victim, nil
}

// DequeueReady returns pending tasks whose backoff has elapsed, ordered by
// priority then enqueue order. For any given resource only the earliest
// non-terminal task is eligible, so updates to one record are applied in
// enqueue order and a resource with an in-flight task yields nothing.
func (s *Store) DequeueReady(ctx context.Context, limit int) ([]models.SyncTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT ` + taskColumns + ` FROM sync_tasks a
              WHERE a.status = 'pending'
                AND (a.next_retry_at IS NULL OR a.next_retry_at <= ?)
                AND NOT EXISTS (
                    SELECT 1 FROM sync_tasks b
                    WHERE b.resource_type = a.resource_type
                      AND b.resource_id = a.resource_id
                      AND b.status IN ('pending', 'in_flight', 'conflicted')
                      AND b.seq < a.seq)
              ORDER BY a.priority DESC, a.created_at ASC, a.seq ASC
              LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, time.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue ready tasks: %w", err)
	}
	defer rows.Close()

	return s.scanTasks(rows)
}

// MarkInFlight claims a task for dispatch. Only a pending task can be
// claimed; a second concurrent claim gets ErrNotPending.
func (s *Store) MarkInFlight(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_tasks SET status = 'in_flight', last_attempt_at = ? WHERE id = ? AND status = 'pending'`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark task in flight: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotPending
	}
	return nil
}

// MarkSucceeded finalizes a delivered task. Idempotent: marking an already
// succeeded task again is a no-op, which makes crash redelivery safe.
func (s *Store) MarkSucceeded(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_tasks SET status = 'succeeded', last_error = NULL, next_retry_at = NULL, processed_at = ? WHERE id = ?`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark task succeeded: %w", err)
	}
	return nil
}

// MarkFailed records a terminal failure with its reason. The task stays
// inspectable until dismissed or purged.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_tasks SET status = 'failed', last_error = ?, next_retry_at = NULL, processed_at = ? WHERE id = ?`,
		reason, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark task failed: %w", err)
	}
	return nil
}

// MarkConflicted parks a task for conflict resolution, keeping the server's
// current state alongside the local payload.
func (s *Store) MarkConflicted(ctx context.Context, id string, serverState []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.getLocked(ctx, id)
	if err != nil {
		return err
	}

	// The payload's encrypted flag cannot stand in here: a delete task has
	// an empty payload and is stored unencrypted even when its resource
	// policy seals the server state.
	sealed, encrypted, err := s.sealPayload(task.ResourceType, serverState)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE sync_tasks SET status = 'conflicted', server_state = ?, server_state_encrypted = ? WHERE id = ?`,
		sealed, encrypted, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark task conflicted: %w", err)
	}
	return nil
}

// RequeueRetry schedules another attempt after a transient failure.
func (s *Store) RequeueRetry(ctx context.Context, id, reason string, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_tasks SET status = 'pending', last_error = ?, next_retry_at = ?, retry_count = retry_count + 1 WHERE id = ?`,
		reason, nextRetryAt, id,
	)
	if err != nil {
		return fmt.Errorf("failed to requeue task: %w", err)
	}
	return nil
}

// Reapply drives a resolved conflict back to pending with the merged
// payload and the server's version as the new base.
func (s *Store) Reapply(ctx context.Context, id string, payload []byte, baseVersion string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.getLocked(ctx, id)
	if err != nil {
		return err
	}

	sealed, encrypted, err := s.sealPayload(task.ResourceType, payload)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE sync_tasks SET status = 'pending', payload = ?, encrypted = ?, base_version = ?, next_retry_at = NULL WHERE id = ?`,
		sealed, encrypted, baseVersion, id,
	)
	if err != nil {
		return fmt.Errorf("failed to reapply task: %w", err)
	}
	return nil
}

// ClearBackoff makes every scheduled retry immediately eligible. Used by
// the manual sync-now control.
func (s *Store) ClearBackoff(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_tasks SET next_retry_at = NULL WHERE status = 'pending'`,
	)
	if err != nil {
		return fmt.Errorf("failed to clear backoff: %w", err)
	}
	return nil
}

// ResetInFlight returns orphaned in-flight tasks to pending. Called once
// at startup: a crash between a remote success and the local mark leaves
// the task here, and remote operations are idempotent on redelivery.
func (s *Store) ResetInFlight(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_tasks SET status = 'pending' WHERE status = 'in_flight'`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset in-flight tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// Get returns a single task by id.
func (s *Store) Get(ctx context.Context, id string) (*models.SyncTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, id)
}

func (s *Store) getLocked(ctx context.Context, id string) (*models.SyncTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM sync_tasks WHERE id = ?`, id,
	)
	task, err := s.scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// Delete removes a task without contacting the remote service. An
// in-flight task cannot be removed mid-attempt.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.getLocked(ctx, id)
	if err != nil {
		return err
	}
	if task.Status == models.StatusInFlight {
		return ErrTaskInFlight
	}

	_, err = s.db.ExecContext(ctx, `DELETE FROM sync_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// All returns every stored task, newest first, for statistics and
// inspection.
func (s *Store) All(ctx context.Context) ([]models.SyncTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM sync_tasks ORDER BY created_at DESC, seq DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	return s.scanTasks(rows)
}

// Unresolved returns failed and conflicted tasks for inspection and manual
// reconciliation, newest first.
func (s *Store) Unresolved(ctx context.Context) ([]models.SyncTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM sync_tasks WHERE status IN ('failed', 'conflicted') ORDER BY created_at DESC, seq DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved tasks: %w", err)
	}
	defer rows.Close()

	return s.scanTasks(rows)
}

// PurgeSucceeded removes succeeded tasks older than the grace window.
func (s *Store) PurgeSucceeded(ctx context.Context, grace time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-grace)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_tasks WHERE status = 'succeeded' AND processed_at <= ?`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge succeeded tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// SweepRetention removes terminal tasks older than their resource type's
// retention period.
func (s *Store) SweepRetention(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT resource_type FROM sync_tasks WHERE status IN ('succeeded', 'failed')`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to list resource types: %w", err)
	}
	var types []string
	for rows.Next() {
		var rt string
		if err := rows.Scan(&rt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan resource type: %w", err)
		}
		types = append(types, rt)
	}
	rows.Close()

	total := 0
	for _, rt := range types {
		cutoff := time.Now().Add(-s.policies.For(rt).Retention)
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM sync_tasks WHERE resource_type = ? AND status IN ('succeeded', 'failed') AND created_at <= ?`,
			rt, cutoff,
		)
		if err != nil {
			return total, fmt.Errorf("failed to sweep %s: %w", rt, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += int(n)
		}
	}
	return total, nil
}

// Stats recomputes the aggregate counters from the stored tasks.
func (s *Store) Stats(ctx context.Context) (models.SyncStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats models.SyncStats

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sync_tasks GROUP BY status`,
	)
	if err != nil {
		return stats, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, fmt.Errorf("failed to scan count: %w", err)
		}
		switch models.TaskStatus(status) {
		case models.StatusPending:
			stats.Pending = n
		case models.StatusInFlight:
			stats.InFlight = n
		case models.StatusSucceeded:
			stats.Succeeded = n
		case models.StatusFailed:
			stats.Failed = n
		case models.StatusConflicted:
			stats.Conflicted = n
		}
	}

	var last sql.NullTime
	var avgSeconds sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT MAX(processed_at),
                AVG((julianday(processed_at) - julianday(created_at)) * 86400.0)
         FROM sync_tasks WHERE status = 'succeeded'`,
	).Scan(&last, &avgSeconds)
	if err != nil {
		return stats, fmt.Errorf("failed to aggregate sync times: %w", err)
	}
	if last.Valid {
		t := last.Time
		stats.LastSyncAt = &t
	}
	if avgSeconds.Valid {
		stats.AvgSyncDuration = time.Duration(avgSeconds.Float64 * float64(time.Second))
	}

	return stats, nil
}

func (s *Store) scanTasks(rows *sql.Rows) ([]models.SyncTask, error) {
	var tasks []models.SyncTask
	for rows.Next() {
		task, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func (s *Store) scanTask(row scannable) (*models.SyncTask, error) {
	var t models.SyncTask
	var encrypted, serverStateEncrypted bool
	err := row.Scan(
		&t.ID, &t.Operation, &t.ResourceType, &t.ResourceID, &t.Payload, &encrypted,
		&t.BaseVersion, &t.Priority, &t.ConflictStrategy, &t.RetryCount, &t.MaxRetries,
		&t.Status, &t.LastError, &t.ServerState, &serverStateEncrypted,
		&t.CreatedAt, &t.LastAttemptAt, &t.NextRetryAt, &t.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan sync task: %w", err)
	}

	if t.Payload, err = s.openPayload(t.ResourceType, t.Payload, encrypted); err != nil {
		return nil, err
	}
	if t.ServerState, err = s.openPayload(t.ResourceType, t.ServerState, serverStateEncrypted); err != nil {
		return nil, err
	}
	return &t, nil
}
