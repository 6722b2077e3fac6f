// Package callstore provides an optional PostgreSQL-backed record of placed
// calls. When no DSN is configured the bridge runs without it; call history
// then only exists in logs and metrics.
package callstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caredial/caredial/internal/bridge"
)

// ErrNotFound is returned when a call record does not exist.
var ErrNotFound = errors.New("callstore: call not found")

// CallRecord is one row of the calls table.
type CallRecord struct {
	CallID           string
	TargetNumber     string
	CallConnectionID string
	StartedAt        time.Time
	ActivatedAt      *time.Time
	EndedAt          *time.Time
	EndReason        string
	InFrames         int64
	OutFrames        int64
	Commits          int64
	BargeIns         int64
	DroppedFrames    int64
	MalformedFrames  int64
}

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    call_id            TEXT         PRIMARY KEY,
    target_number      TEXT         NOT NULL,
    call_connection_id TEXT         NOT NULL DEFAULT '',
    started_at         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    activated_at       TIMESTAMPTZ,
    ended_at           TIMESTAMPTZ,
    end_reason         TEXT         NOT NULL DEFAULT '',
    in_frames          BIGINT       NOT NULL DEFAULT 0,
    out_frames         BIGINT       NOT NULL DEFAULT 0,
    commits            BIGINT       NOT NULL DEFAULT 0,
    barge_ins          BIGINT       NOT NULL DEFAULT 0,
    dropped_frames     BIGINT       NOT NULL DEFAULT 0,
    malformed_frames   BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_calls_started_at
    ON calls (started_at);

CREATE INDEX IF NOT EXISTS idx_calls_target_number
    ON calls (target_number);
`

// Store records call lifecycles in a calls table. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the PostgreSQL database at dsn and
// runs [Migrate] to ensure the calls table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("callstore: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("callstore: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("callstore: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Migrate creates or ensures the calls table exists. It is idempotent and safe
// to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlCalls); err != nil {
		return fmt.Errorf("callstore migrate: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// BeginCall inserts a new call record. The call connection ID may be empty if
// the telephony leg has not been established yet.
func (s *Store) BeginCall(ctx context.Context, callID, targetNumber, callConnectionID string) error {
	const q = `
		INSERT INTO calls (call_id, target_number, call_connection_id)
		VALUES ($1, $2, $3)`

	if _, err := s.pool.Exec(ctx, q, callID, targetNumber, callConnectionID); err != nil {
		return fmt.Errorf("callstore: begin call: %w", err)
	}
	return nil
}

// MarkActive stamps the time the media leg was confirmed.
func (s *Store) MarkActive(ctx context.Context, callID string) error {
	const q = `UPDATE calls SET activated_at = now() WHERE call_id = $1`

	tag, err := s.pool.Exec(ctx, q, callID)
	if err != nil {
		return fmt.Errorf("callstore: mark active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// EndCall stamps the end of a call and persists its final counters.
func (s *Store) EndCall(ctx context.Context, callID, reason string, stats bridge.Stats) error {
	const q = `
		UPDATE calls
		SET    ended_at         = now(),
		       end_reason       = $2,
		       in_frames        = $3,
		       out_frames       = $4,
		       commits          = $5,
		       barge_ins        = $6,
		       dropped_frames   = $7,
		       malformed_frames = $8
		WHERE  call_id = $1`

	tag, err := s.pool.Exec(ctx, q, callID, reason,
		int64(stats.InFrames),
		int64(stats.OutFrames),
		int64(stats.Commits),
		int64(stats.BargeIns),
		int64(stats.OutFramesDropped),
		int64(stats.MalformedFrames),
	)
	if err != nil {
		return fmt.Errorf("callstore: end call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCall returns the record for callID, or [ErrNotFound].
func (s *Store) GetCall(ctx context.Context, callID string) (CallRecord, error) {
	const q = `
		SELECT call_id, target_number, call_connection_id, started_at,
		       activated_at, ended_at, end_reason,
		       in_frames, out_frames, commits, barge_ins, dropped_frames, malformed_frames
		FROM   calls
		WHERE  call_id = $1`

	rows, err := s.pool.Query(ctx, q, callID)
	if err != nil {
		return CallRecord{}, fmt.Errorf("callstore: get call: %w", err)
	}
	rec, err := pgx.CollectOneRow(rows, scanCall)
	if errors.Is(err, pgx.ErrNoRows) {
		return CallRecord{}, ErrNotFound
	}
	if err != nil {
		return CallRecord{}, fmt.Errorf("callstore: scan call: %w", err)
	}
	return rec, nil
}

// RecentCalls returns up to limit call records ordered most recent first.
func (s *Store) RecentCalls(ctx context.Context, limit int) ([]CallRecord, error) {
	const q = `
		SELECT call_id, target_number, call_connection_id, started_at,
		       activated_at, ended_at, end_reason,
		       in_frames, out_frames, commits, barge_ins, dropped_frames, malformed_frames
		FROM   calls
		ORDER  BY started_at DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("callstore: recent calls: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanCall)
	if err != nil {
		return nil, fmt.Errorf("callstore: scan calls: %w", err)
	}
	if recs == nil {
		recs = []CallRecord{}
	}
	return recs, nil
}

func scanCall(row pgx.CollectableRow) (CallRecord, error) {
	var rec CallRecord
	err := row.Scan(
		&rec.CallID,
		&rec.TargetNumber,
		&rec.CallConnectionID,
		&rec.StartedAt,
		&rec.ActivatedAt,
		&rec.EndedAt,
		&rec.EndReason,
		&rec.InFrames,
		&rec.OutFrames,
		&rec.Commits,
		&rec.BargeIns,
		&rec.DroppedFrames,
		&rec.MalformedFrames,
	)
	return rec, err
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
