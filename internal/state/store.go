package state

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/zeebo/blake3"
)

// FingerprintBytes is how much of a source's head identifies it.
const FingerprintBytes = 4096

const bucketLayout = "2006-01-02T15"

// Position is the resumable read position of one log source.
type Position struct {
	Source      string
	Fingerprint string
	Offset      int64
	Lines       int64
	UpdatedAt   time.Time
}

// Batch is a unit of parse progress committed atomically: hour-bucket
// increments together with the position they were read up to.
type Batch struct {
	Source string
	// Hits maps BucketKey values to hit counts.
	Hits map[string]int64
	// Position is upserted when non-nil.
	Position *Position
	// Reset deletes the source's buckets in [ResetFrom, ResetTo) before the
	// increments are applied. Zero bounds reset every bucket of the source.
	Reset              bool
	ResetFrom, ResetTo time.Time
}

// DayTotal is the hit count of one calendar day.
type DayTotal struct {
	Day  string `json:"day"`
	Hits int64  `json:"hits"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Position returns the stored position for source. ok is false when the
// source has never been committed.
func (s *Store) Position(ctx context.Context, source string) (Position, bool, error) {
	if source == "" {
		return Position{}, false, fmt.Errorf("source is empty")
	}

	var (
		p       = Position{Source: source}
		updated string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT fingerprint, byte_offset, lines, updated_at FROM checkpoints WHERE source = ?;", source,
	).Scan(&p.Fingerprint, &p.Offset, &p.Lines, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return p, false, nil
	}
	if err != nil {
		return Position{}, false, fmt.Errorf("read checkpoint: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		p.UpdatedAt = t
	}
	return p, true, nil
}

// Commit applies a batch in a single transaction.
func (s *Store) Commit(ctx context.Context, b Batch) error {
	if b.Source == "" {
		return fmt.Errorf("source is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if b.Reset {
		q := "DELETE FROM hour_buckets WHERE source = ?"
		args := []any{b.Source}
		if !b.ResetFrom.IsZero() {
			q += " AND bucket >= ? AND bucket < ?"
			args = append(args, BucketKey(b.ResetFrom), BucketKey(b.ResetTo))
		}
		if _, err := tx.ExecContext(ctx, q+";", args...); err != nil {
			return fmt.Errorf("reset buckets: %w", err)
		}
	}

	for bucket, hits := range b.Hits {
		_, err := tx.ExecContext(ctx, `
INSERT INTO hour_buckets(bucket, day, source, hits)
VALUES(?, ?, ?, ?)
ON CONFLICT(bucket, source) DO UPDATE SET
  hits = hits + excluded.hits;
`, bucket, bucket[:10], b.Source, hits)
		if err != nil {
			return fmt.Errorf("upsert bucket: %w", err)
		}
	}

	if p := b.Position; p != nil {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		_, err := tx.ExecContext(ctx, `
INSERT INTO checkpoints(source, fingerprint, byte_offset, lines, updated_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(source) DO UPDATE SET
  fingerprint = excluded.fingerprint,
  byte_offset = excluded.byte_offset,
  lines = excluded.lines,
  updated_at = excluded.updated_at;
`, b.Source, p.Fingerprint, p.Offset, p.Lines, now)
		if err != nil {
			return fmt.Errorf("upsert checkpoint: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Prune deletes buckets before cutoff and returns how many rows went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM hour_buckets WHERE bucket < ?;", BucketKey(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune buckets: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DailyTotals sums hits per day in [from, to), oldest first. A zero from
// means unbounded.
func (s *Store) DailyTotals(ctx context.Context, from, to time.Time) ([]DayTotal, error) {
	q := "SELECT day, SUM(hits) FROM hour_buckets"
	var args []any
	if !from.IsZero() {
		q += " WHERE bucket >= ? AND bucket < ?"
		args = append(args, BucketKey(from), BucketKey(to))
	}
	q += " GROUP BY day ORDER BY day;"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query totals: %w", err)
	}
	defer rows.Close()

	var out []DayTotal
	for rows.Next() {
		var d DayTotal
		if err := rows.Scan(&d.Day, &d.Hits); err != nil {
			return nil, fmt.Errorf("scan totals: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate totals: %w", err)
	}
	return out, nil
}

// BucketKey formats the hour bucket t falls in.
func BucketKey(t time.Time) string {
	return t.Format(bucketLayout)
}

// Fingerprint hashes the first n bytes of head, capped at FingerprintBytes.
func Fingerprint(head []byte, n int64) string {
	n = min(n, int64(len(head)), FingerprintBytes)
	sum := blake3.Sum256(head[:n])
	return hex.EncodeToString(sum[:])
}

// ReadHead returns up to FingerprintBytes from the start of f.
func ReadHead(f *os.File) ([]byte, error) {
	buf := make([]byte, FingerprintBytes)
	n, err := f.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read head: %w", err)
	}
	return buf[:n], nil
}
