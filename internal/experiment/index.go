package experiment

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"github.com/haricheung/stlpilot/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS experiments (
	scenario     TEXT    NOT NULL,
	id           INTEGER NOT NULL,
	mission_id   TEXT    NOT NULL,
	saved_at     TEXT    NOT NULL,
	accomplished INTEGER,
	model        TEXT,
	segments     INTEGER NOT NULL,
	steps        INTEGER NOT NULL,
	t_initial    REAL    NOT NULL,
	t_final      REAL    NOT NULL,
	reason       TEXT,
	trajectory   BLOB,
	PRIMARY KEY (scenario, id)
);
CREATE INDEX IF NOT EXISTS idx_experiments_mission ON experiments(mission_id);
`

// Index is a SQLite catalogue of saved experiments. The stitched trajectory
// is stored as a zstd-compressed msgpack blob next to the summary columns.
type Index struct {
	db  *sql.DB
	now func() time.Time
}

// ScenarioStats summarises every indexed run of one scenario.
type ScenarioStats struct {
	Scenario     string
	Runs         int
	Accomplished int
	Failed       int
	Undecided    int // runs with no verdict
	MeanSteps    float64
}

// OpenIndex opens (creating when absent) the index database at path.
// ":memory:" gives a private in-memory index.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("experiment: open index %s: %w", path, err)
	}
	// One connection keeps ":memory:" databases coherent across calls.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("experiment: create schema: %w", err)
	}
	return &Index{db: db, now: time.Now}, nil
}

// Close releases the database handle.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Add records one saved experiment. Re-adding the same (scenario, id)
// replaces the earlier row.
func (ix *Index) Add(ctx context.Context, md Metadata, tr types.Trajectory) error {
	blob, err := encodeTrajectory(tr)
	if err != nil {
		return err
	}
	_, err = ix.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO experiments
		 (scenario, id, mission_id, saved_at, accomplished, model, segments, steps, t_initial, t_final, reason, trajectory)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		md.Scenario, md.ID, md.MissionID, ix.now().UTC().Format(time.RFC3339Nano),
		nullableBool(md.Accomplished), nullIfEmpty(md.Model),
		md.Segments, md.Steps, md.TInitial, md.TFinal, nullIfEmpty(md.Reason), blob,
	)
	if err != nil {
		return fmt.Errorf("experiment: index %s/%d: %w", md.Scenario, md.ID, err)
	}
	return nil
}

// Trajectory returns the stitched trajectory stored for (scenario, id).
func (ix *Index) Trajectory(ctx context.Context, scenario string, id int) (types.Trajectory, error) {
	var blob []byte
	err := ix.db.QueryRowContext(ctx,
		`SELECT trajectory FROM experiments WHERE scenario = ? AND id = ?`, scenario, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Trajectory{}, fmt.Errorf("experiment: %s/%d not indexed", scenario, id)
	}
	if err != nil {
		return types.Trajectory{}, fmt.Errorf("experiment: load %s/%d: %w", scenario, id, err)
	}
	return decodeTrajectory(blob)
}

// Stats aggregates the index per scenario, ordered by scenario name.
func (ix *Index) Stats(ctx context.Context) ([]ScenarioStats, error) {
	rows, err := ix.db.QueryContext(ctx, `
		SELECT scenario,
		       COUNT(*),
		       COALESCE(SUM(accomplished = 1), 0),
		       COALESCE(SUM(accomplished = 0), 0),
		       COALESCE(SUM(accomplished IS NULL), 0),
		       COALESCE(AVG(steps), 0)
		FROM experiments
		GROUP BY scenario
		ORDER BY scenario`)
	if err != nil {
		return nil, fmt.Errorf("experiment: stats: %w", err)
	}
	defer rows.Close()

	out := []ScenarioStats{}
	for rows.Next() {
		var s ScenarioStats
		if err := rows.Scan(&s.Scenario, &s.Runs, &s.Accomplished, &s.Failed, &s.Undecided, &s.MeanSteps); err != nil {
			return nil, fmt.Errorf("experiment: scan stats: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func encodeTrajectory(tr types.Trajectory) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return nil, fmt.Errorf("experiment: zstd writer: %w", err)
	}
	if err := msgpack.NewEncoder(zw).Encode(tr); err != nil {
		zw.Close()
		return nil, fmt.Errorf("experiment: encode trajectory: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("experiment: flush trajectory: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeTrajectory(blob []byte) (types.Trajectory, error) {
	zr, err := zstd.NewReader(bytes.NewReader(blob))
	if err != nil {
		return types.Trajectory{}, fmt.Errorf("experiment: zstd reader: %w", err)
	}
	defer zr.Close()

	var tr types.Trajectory
	if err := msgpack.NewDecoder(zr).Decode(&tr); err != nil {
		return types.Trajectory{}, fmt.Errorf("experiment: decode trajectory: %w", err)
	}
	return tr, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}
