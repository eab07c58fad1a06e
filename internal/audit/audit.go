// Package audit persists a durable, write-only history of uploads and
// vacuum evictions via Postgres (pgx), for operational post-mortems. It is
// never read back to reconstruct switchboard live state — the switchboard
// itself remains purely in-memory (Non-goals: no persistence across
// restarts). Grounded on the teacher's repository shape
// (internal/sessionlog/repository.go): a thin struct over *pgxpool.Pool
// with one method per ledger event.
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// UploadOutcome records one stream-upload attempt.
type UploadOutcome struct {
	StreamID       string
	Backend        string
	Bucket         string
	AlreadyRunning bool
	DumpsURIs      []string
	Err            string // empty on success
	At             time.Time
}

// VacuumEviction records one session the vacuum loop removed for being
// idle past its timeout.
type VacuumEviction struct {
	SessionID uint64
	Reason    string // "unused_ttl" or "publisher_idle"
	At        time.Time
}

// Ledger writes audit rows. A nil pool makes every method a no-op, so the
// process can run without Postgres configured and simply lose the ledger.
type Ledger struct {
	pool *pgxpool.Pool
}

// New creates a Ledger over an established pgx pool. pool may be nil.
func New(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// RecordUpload inserts one upload_audit row.
func (l *Ledger) RecordUpload(ctx context.Context, o UploadOutcome) error {
	if l.pool == nil {
		return nil
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO upload_audit (stream_id, backend, bucket, already_running, dumps_uris, error, at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`,
		o.StreamID, o.Backend, o.Bucket, o.AlreadyRunning, o.DumpsURIs, o.Err, o.At)
	return err
}

// RecordEviction inserts one vacuum_audit row.
func (l *Ledger) RecordEviction(ctx context.Context, e VacuumEviction) error {
	if l.pool == nil {
		return nil
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO vacuum_audit (session_id, reason, at) VALUES ($1, $2, $3)`,
		e.SessionID, e.Reason, e.At)
	return err
}

// RecentUploads returns the most recent n upload_audit rows, newest first,
// for operator diagnostics.
func (l *Ledger) RecentUploads(ctx context.Context, n int) ([]UploadOutcome, error) {
	if l.pool == nil {
		return nil, nil
	}
	rows, err := l.pool.Query(ctx,
		`SELECT stream_id, backend, bucket, already_running, dumps_uris, COALESCE(error, ''), at
		 FROM upload_audit ORDER BY at DESC LIMIT $1`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UploadOutcome
	for rows.Next() {
		var o UploadOutcome
		if err := rows.Scan(&o.StreamID, &o.Backend, &o.Bucket, &o.AlreadyRunning, &o.DumpsURIs, &o.Err, &o.At); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
