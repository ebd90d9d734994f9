// Package ledger reads the externally owned validation ledger: an append-only
// SQLite table of collections certified ready for harvesting. The harvester
// only ever reads it.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Record is one validated-collection entry.
type Record struct {
	ID         string
	Location   string
	RecordedAt time.Time
}

// Reader queries the validation ledger.
type Reader struct {
	db *sql.DB
}

// Open opens the ledger database read-only.
func Open(path string) (*Reader, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("opening validation ledger %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening validation ledger %s: %w", path, err)
	}
	return &Reader{db: db}, nil
}

// Close releases the database handle.
func (r *Reader) Close() error {
	return r.db.Close()
}

// Validated returns collections recorded as validated within the half-open
// window (since, before], ascending by recorded_at. The ordering makes a
// mid-run failure resumable: the next run's window starts at the last
// successfully recorded watermark.
func (r *Reader) Validated(ctx context.Context, since, before time.Time) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, location, recorded_at
		   FROM validated_collections
		  WHERE current_status = 'validated'
		    AND recorded_at > ? AND recorded_at <= ?
		  ORDER BY recorded_at`,
		since.Unix(), before.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying validation ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var (
			rec        Record
			recordedAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.Location, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning validation ledger row: %w", err)
		}
		rec.RecordedAt = time.Unix(recordedAt, 0).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading validation ledger: %w", err)
	}
	return records, nil
}
