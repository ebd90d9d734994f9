package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Result summarizes one committed batch.
type Result struct {
	BatchID    string
	Added      int
	Duplicates int
}

// PersistError wraps a failure to commit a batch to the catalog. It is
// always run-fatal: batches already committed stay committed, and the
// harvest log row is marked failed by the caller.
type PersistError struct {
	BatchID string
	Err     error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("catalog write failed (batch %s): %v", e.BatchID, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Store writes observation batches to a downstream catalog. Add and update
// are mutually exclusive modes chosen once per run.
type Store interface {
	AddObservations(ctx context.Context, observations []Observation) (Result, error)
	UpdateObservations(ctx context.Context, observations []Observation) (Result, error)
}

// Postgres is the pgx-backed catalog store.
type Postgres struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgres connects to the catalog database.
func NewPostgres(ctx context.Context, databaseURL string, logger zerolog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to catalog: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to catalog: %w", err)
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

const insertObservation = `
INSERT INTO observations
    (product_id, source, mjd_start, mjd_stop, exposure, filter, maglimit, fov, field_id, diff)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (product_id) DO NOTHING`

const upsertObservation = `
INSERT INTO observations
    (product_id, source, mjd_start, mjd_stop, exposure, filter, maglimit, fov, field_id, diff)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (product_id) DO UPDATE SET
    source    = EXCLUDED.source,
    mjd_start = EXCLUDED.mjd_start,
    mjd_stop  = EXCLUDED.mjd_stop,
    exposure  = EXCLUDED.exposure,
    filter    = EXCLUDED.filter,
    maglimit  = EXCLUDED.maglimit,
    fov       = EXCLUDED.fov,
    field_id  = EXCLUDED.field_id,
    diff      = EXCLUDED.diff`

// AddObservations inserts a batch. Products already present count as
// duplicates and are left untouched. Any statement error aborts the batch
// and is wrapped in PersistError.
func (p *Postgres) AddObservations(ctx context.Context, observations []Observation) (Result, error) {
	return p.write(ctx, insertObservation, observations)
}

// UpdateObservations upserts a batch, replacing metadata for products
// already present.
func (p *Postgres) UpdateObservations(ctx context.Context, observations []Observation) (Result, error) {
	return p.write(ctx, upsertObservation, observations)
}

func (p *Postgres) write(ctx context.Context, sql string, observations []Observation) (Result, error) {
	result := Result{BatchID: ulid.Make().String()}
	if len(observations) == 0 {
		return result, nil
	}

	batch := &pgx.Batch{}
	for _, obs := range observations {
		batch.Queue(sql,
			obs.ProductID,
			string(obs.Source),
			obs.MJDStart,
			obs.MJDStop,
			obs.Exposure,
			obs.Filter,
			obs.Maglimit,
			obs.FOVString(),
			nullableString(obs.FieldID),
			obs.Diff,
		)
	}

	results := p.pool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()

	for range observations {
		tag, err := results.Exec()
		if err != nil {
			return result, &PersistError{BatchID: result.BatchID, Err: err}
		}
		if tag.RowsAffected() > 0 {
			result.Added++
		} else {
			result.Duplicates++
		}
	}

	p.logger.Debug().
		Str("batch_id", result.BatchID).
		Int("added", result.Added).
		Int("duplicates", result.Duplicates).
		Msg("catalog: batch committed")
	return result, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
