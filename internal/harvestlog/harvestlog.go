// Package harvestlog implements the durable, append-only record of harvest
// runs. The log is the watermark store for incremental harvesting and, via
// its "processing" sentinel, the cross-process single-writer guard.
package harvestlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// ErrConcurrentHarvesting is returned by Open when a row with the
// "processing" sentinel exists: another run is active, or a previous run
// crashed and its row needs manual clearing.
var ErrConcurrentHarvesting = errors.New("another harvest run has locked the harvest log")

// Sentinel values for the end column.
const (
	endProcessing = "processing"
	endFailed     = "failed"
)

// Outcome is the terminal state recorded by Finish.
type Outcome string

const (
	Completed Outcome = "completed"
	Failed    Outcome = "failed"
)

// maxBackups bounds the numbered-backup rotation performed on every persist.
const maxBackups = 5

// timeLayout is the on-disk timestamp format, microsecond precision, UTC.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// header is the persisted column order.
var header = []string{"target", "start", "end", "source", "time_of_last", "files", "added", "duplicates", "errors"}

// Delta is the per-flush increment applied to the active row.
type Delta struct {
	Files      int
	Added      int
	Duplicates int
	Errors     int
}

// Row is one harvest run record.
type Row struct {
	Target     string
	Start      time.Time
	End        string // completion timestamp, "processing", or "failed"
	Source     string
	TimeOfLast time.Time // zero when the run recorded no watermark
	Files      int
	Added      int
	Duplicates int
	Errors     int
}

// Log is the harvest run log backed by a CSV file with rotating numbered
// backups. All methods are single-writer by construction: one process,
// sequential calls.
type Log struct {
	path   string
	dryRun bool
	logger zerolog.Logger
	rows   []Row
	active bool
}

// Open loads the log at path, creating an empty in-memory log when the file
// does not exist. It fails with ErrConcurrentHarvesting, without writing
// anything, if any row still carries the "processing" sentinel. With dryRun
// set, all subsequent persists are skipped while in-memory state is kept.
func Open(path string, dryRun bool, logger zerolog.Logger) (*Log, error) {
	l, err := load(path, dryRun, logger)
	if err != nil {
		return nil, err
	}
	for _, row := range l.rows {
		if row.End == endProcessing {
			return nil, ErrConcurrentHarvesting
		}
	}
	return l, nil
}

// OpenReadOnly loads the log for inspection without taking the run lock: a
// row still carrying the "processing" sentinel is tolerated, so the log can
// be examined while a run is active or after a crash left a stuck row. The
// returned log never persists.
func OpenReadOnly(path string, logger zerolog.Logger) (*Log, error) {
	return load(path, true, logger)
}

func load(path string, dryRun bool, logger zerolog.Logger) (*Log, error) {
	l := &Log{path: path, dryRun: dryRun, logger: logger}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("opening harvest log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if l.rows, err = readRows(f); err != nil {
		return nil, fmt.Errorf("reading harvest log %s: %w", path, err)
	}
	return l, nil
}

// Begin appends a new run row with the "processing" sentinel and persists
// immediately, so a crash right after start is visible to the next
// invocation as a stuck row.
func (l *Log) Begin(target, source string) error {
	if l.active {
		return errors.New("harvest log: run already begun")
	}
	l.rows = append(l.rows, Row{
		Target: target,
		Start:  time.Now().UTC(),
		End:    endProcessing,
		Source: source,
	})
	l.active = true
	return l.persist()
}

// RecordProgress adds the delta to the active row and raises its watermark.
// The watermark only ever increases: an older value is ignored.
func (l *Log) RecordProgress(d Delta, watermark time.Time) error {
	row, err := l.activeRow()
	if err != nil {
		return err
	}
	row.Files += d.Files
	row.Added += d.Added
	row.Duplicates += d.Duplicates
	row.Errors += d.Errors
	if watermark.After(row.TimeOfLast) {
		row.TimeOfLast = watermark.UTC()
	}
	return l.persist()
}

// Finish stamps the active row with a completion time, or the "failed"
// sentinel, and persists.
func (l *Log) Finish(outcome Outcome) error {
	row, err := l.activeRow()
	if err != nil {
		return err
	}
	switch outcome {
	case Failed:
		row.End = endFailed
	default:
		row.End = time.Now().UTC().Format(timeLayout)
	}
	l.active = false
	return l.persist()
}

// Watermark returns the maximum recorded time_of_last among rows for the
// (target, source) pair, or the Unix epoch when no run has recorded one.
func (l *Log) Watermark(target, source string) time.Time {
	watermark := time.Unix(0, 0).UTC()
	for _, row := range l.rows {
		if row.Target != target || row.Source != source || row.TimeOfLast.IsZero() {
			continue
		}
		if row.TimeOfLast.After(watermark) {
			watermark = row.TimeOfLast
		}
	}
	return watermark
}

// Summary returns a copy of the most recent row.
func (l *Log) Summary() Row {
	if len(l.rows) == 0 {
		return Row{}
	}
	return l.rows[len(l.rows)-1]
}

// Rows returns a copy of all rows, oldest first.
func (l *Log) Rows() []Row {
	return append([]Row(nil), l.rows...)
}

func (l *Log) activeRow() (*Row, error) {
	if !l.active || len(l.rows) == 0 {
		return nil, errors.New("harvest log: no active run")
	}
	return &l.rows[len(l.rows)-1], nil
}

// persist rotates numbered backups and rewrites the canonical file. Dry runs
// skip the write entirely.
func (l *Log) persist() error {
	if l.dryRun {
		return nil
	}
	if err := l.rotateBackups(); err != nil {
		return fmt.Errorf("rotating harvest log backups: %w", err)
	}

	f, err := os.Create(l.path)
	if err != nil {
		return fmt.Errorf("writing harvest log: %w", err)
	}
	if err := writeRows(f, l.rows); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing harvest log: %w", err)
	}
	return f.Close()
}

// rotateBackups shifts path.~n~ to path.~n+1~ for n = maxBackups-1..1,
// dropping the oldest, then copies the canonical file to path.~1~. Nothing
// happens when the canonical file does not exist yet.
func (l *Log) rotateBackups() error {
	if _, err := os.Stat(l.path); os.IsNotExist(err) {
		return nil
	}

	backup := func(n int) string { return fmt.Sprintf("%s.~%d~", l.path, n) }

	_ = os.Remove(backup(maxBackups))
	for n := maxBackups - 1; n >= 1; n-- {
		if _, err := os.Stat(backup(n)); err == nil {
			if err := os.Rename(backup(n), backup(n+1)); err != nil {
				return err
			}
		}
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return err
	}
	return os.WriteFile(backup(1), data, 0o644)
}

func readRows(r io.Reader) ([]Row, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	var rows []Row
	for i, record := range records[1:] {
		if len(record) != len(header) {
			return nil, fmt.Errorf("row %d: expected %d columns, got %d", i+1, len(header), len(record))
		}
		row := Row{
			Target: record[0],
			End:    record[2],
			Source: record[3],
		}
		if row.Start, err = time.Parse(timeLayout, record[1]); err != nil {
			return nil, fmt.Errorf("row %d: start: %w", i+1, err)
		}
		if record[4] != "" {
			if row.TimeOfLast, err = time.Parse(timeLayout, record[4]); err != nil {
				return nil, fmt.Errorf("row %d: time_of_last: %w", i+1, err)
			}
		}
		for j, dst := range []*int{&row.Files, &row.Added, &row.Duplicates, &row.Errors} {
			if *dst, err = strconv.Atoi(record[5+j]); err != nil {
				return nil, fmt.Errorf("row %d: %s: %w", i+1, header[5+j], err)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func writeRows(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		timeOfLast := ""
		if !row.TimeOfLast.IsZero() {
			timeOfLast = row.TimeOfLast.Format(timeLayout)
		}
		record := []string{
			row.Target,
			row.Start.Format(timeLayout),
			row.End,
			row.Source,
			timeOfLast,
			strconv.Itoa(row.Files),
			strconv.Itoa(row.Added),
			strconv.Itoa(row.Duplicates),
			strconv.Itoa(row.Errors),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
