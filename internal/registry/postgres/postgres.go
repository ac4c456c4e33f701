// Package postgres implements registry.Store on top of a pooled Postgres
// connection, mirroring the original Supabase-backed asyncpg store:
// upsert-by-sandbox_id, a bounded 2-10 connection pool, and prepared
// statements disabled so the pool stays compatible with transaction-mode
// poolers (pgbouncer / Supavisor).
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/akshayaggarwal99/boxed/internal/registry"
)

const (
	minPoolSize = 2
	maxPoolSize = 10
)

// Store is a Postgres-backed registry.Store.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to databaseURL and returns a ready-to-use Store. The pool
// is pre-warmed lazily by pgxpool itself on first use.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MinConns = minPoolSize
	cfg.MaxConns = maxPoolSize
	// Disable prepared-statement caching for transaction-pooler compatibility.
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Save(ctx context.Context, rec *registry.Record) error {
	cfgJSON, err := json.Marshal(rec.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sandbox_instances
			(sandbox_id, user_id, status, container_id, created_at,
			 hot_path, cold_path, config, ttl_seconds, ssh_port,
			 stopped_at, last_heartbeat_at, stop_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11, $12, $13)
		ON CONFLICT (sandbox_id) DO UPDATE SET
			status            = EXCLUDED.status,
			container_id      = EXCLUDED.container_id,
			config            = EXCLUDED.config,
			ssh_port          = EXCLUDED.ssh_port,
			stopped_at        = EXCLUDED.stopped_at,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			stop_reason       = EXCLUDED.stop_reason
	`,
		rec.SandboxID, rec.UserID, string(rec.Status), rec.ContainerID, rec.CreatedAt,
		rec.HotPath, rec.ColdPath, cfgJSON, rec.TTLSeconds, rec.SSHPort,
		rec.StoppedAt, rec.LastHeartbeatAt, rec.StopReason,
	)
	if err != nil {
		return fmt.Errorf("save sandbox %s: %w", rec.SandboxID, err)
	}
	return nil
}

const selectColumns = `
	sandbox_id, user_id, status, container_id, created_at, updated_at,
	stopped_at, last_heartbeat_at, expires_at, ttl_seconds, stop_reason,
	hot_path, cold_path, ssh_port, config
`

func (s *Store) Get(ctx context.Context, id string) (*registry.Record, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+selectColumns+" FROM sandbox_instances WHERE sandbox_id = $1", id)
	rec, err := scanRecord(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get sandbox %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) List(ctx context.Context, userID string) ([]*registry.Record, error) {
	var rows pgx.Rows
	var err error
	if userID != "" {
		rows, err = s.pool.Query(ctx, "SELECT "+selectColumns+" FROM sandbox_instances WHERE user_id = $1 ORDER BY created_at DESC", userID)
	} else {
		rows, err = s.pool.Query(ctx, "SELECT "+selectColumns+" FROM sandbox_instances ORDER BY created_at DESC")
	}
	if err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}
	defer rows.Close()

	var out []*registry.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sandbox row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM sandbox_instances WHERE sandbox_id = $1", id)
	if err != nil {
		return false, fmt.Errorf("delete sandbox %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status registry.Status) (bool, error) {
	var tag pgx.CommandTag
	var err error
	if status == registry.StatusStopped {
		tag, err = s.pool.Exec(ctx,
			"UPDATE sandbox_instances SET status = $1, stopped_at = now() WHERE sandbox_id = $2",
			string(status), id)
	} else {
		tag, err = s.pool.Exec(ctx,
			"UPDATE sandbox_instances SET status = $1 WHERE sandbox_id = $2",
			string(status), id)
	}
	if err != nil {
		return false, fmt.Errorf("update status for %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) UpdateHeartbeat(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		"UPDATE sandbox_instances SET last_heartbeat_at = now() WHERE sandbox_id = $1", id)
	if err != nil {
		return false, fmt.Errorf("update heartbeat for %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) MarkStopped(ctx context.Context, id string, reason registry.StopReason) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sandbox_instances
		SET status = 'stopped', stopped_at = now(), stop_reason = $1
		WHERE sandbox_id = $2
	`, string(reason), id)
	if err != nil {
		return false, fmt.Errorf("mark stopped for %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Reconcile marks starting, ready, and running records whose container_id
// is absent from liveContainerIDs as stopped/graceful_shutdown, in a single
// statement.
func (s *Store) Reconcile(ctx context.Context, liveContainerIDs map[string]struct{}) error {
	ids := make([]string, 0, len(liveContainerIDs))
	for id := range liveContainerIDs {
		ids = append(ids, id)
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE sandbox_instances
		SET status = 'stopped', stopped_at = now(), stop_reason = 'graceful_shutdown'
		WHERE status IN ('starting', 'ready', 'running')
		  AND container_id IS NOT NULL
		  AND NOT (container_id = ANY($1))
	`, ids)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	return nil
}

// ExpireStale marks non-terminal, past-expiry records as expired in a
// single statement and returns their ids.
func (s *Store) ExpireStale(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE sandbox_instances
		SET status = 'expired', stopped_at = now(), stop_reason = 'expired'
		WHERE status NOT IN ('stopped', 'failed', 'expired')
		  AND expires_at < now()
		RETURNING sandbox_id
	`)
	if err != nil {
		return nil, fmt.Errorf("expire stale: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*registry.Record, error) {
	var rec registry.Record
	var status string
	var stopReason *string
	var cfgJSON []byte
	var createdAt, updatedAt, expiresAt time.Time

	err := row.Scan(
		&rec.SandboxID, &rec.UserID, &status, &rec.ContainerID, &createdAt, &updatedAt,
		&rec.StoppedAt, &rec.LastHeartbeatAt, &expiresAt, &rec.TTLSeconds, &stopReason,
		&rec.HotPath, &rec.ColdPath, &rec.SSHPort, &cfgJSON,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = registry.Status(status)
	rec.CreatedAt = createdAt
	rec.UpdatedAt = updatedAt
	rec.ExpiresAt = expiresAt
	if stopReason != nil {
		sr := registry.StopReason(*stopReason)
		rec.StopReason = &sr
	}
	if len(cfgJSON) > 0 {
		if err := json.Unmarshal(cfgJSON, &rec.Config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	return &rec, nil
}
