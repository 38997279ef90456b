package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/pose.report/internal/lidar/pipeline"
)

// ErrNoActiveRun is returned by RecordCycle and FinishRun before StartRun.
var ErrNoActiveRun = errors.New("no active localization run")

// RunInfo describes a run at start.
type RunInfo struct {
	Source    string // "sim", "udp" or "pcap"
	MapPath   string
	MapPoints int
	Params    interface{} // serialised to params_json
}

// Run is a persisted localization run with its aggregates.
type Run struct {
	RunID        string          `json:"run_id"`
	Source       string          `json:"source"`
	MapPath      string          `json:"map_path"`
	MapPoints    int             `json:"map_points"`
	ParamsJSON   json.RawMessage `json:"params_json,omitempty"`
	StartedAt    int64           `json:"started_at"`
	FinishedAt   int64           `json:"finished_at,omitempty"`
	Cycles       int             `json:"cycles"`
	FailedCycles int             `json:"failed_cycles"`
	Converged    int             `json:"converged"`
	MaxError     float64         `json:"max_error"`
	MeanError    float64         `json:"mean_error"`
}

// CycleRecord is one persisted cycle.
type CycleRecord struct {
	RunID          string   `json:"run_id"`
	Sequence       uint64   `json:"sequence"`
	RecordedAt     int64    `json:"recorded_at"`
	X              float64  `json:"x"`
	Y              float64  `json:"y"`
	Z              float64  `json:"z"`
	Yaw            float64  `json:"yaw"`
	Error          *float64 `json:"error,omitempty"`
	MaxError       float64  `json:"max_error"`
	Converged      bool     `json:"converged"`
	Iterations     int      `json:"iterations"`
	Score          float64  `json:"score"`
	RawPoints      int      `json:"raw_points"`
	FilteredPoints int      `json:"filtered_points"`
	DurationMicros int64    `json:"duration_us"`
	Failure        string   `json:"failure,omitempty"`
}

// StartRun inserts a new run and makes it the target of RecordCycle.
func (s *Store) StartRun(ctx context.Context, info RunInfo) (string, error) {
	var params interface{}
	if info.Params != nil {
		b, err := json.Marshal(info.Params)
		if err != nil {
			return "", fmt.Errorf("encode run params: %w", err)
		}
		params = string(b)
	}
	id := uuid.New().String()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO localization_runs (run_id, source, map_path, map_points, params_json, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, info.Source, info.MapPath, info.MapPoints, params, s.now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	s.runID = id
	return id, nil
}

// ActiveRunID returns the current run, or "".
func (s *Store) ActiveRunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// RecordCycle folds r into the active run's aggregates and, when
// RecordCycles is set, stores a cycle row.
func (s *Store) RecordCycle(ctx context.Context, r *pipeline.CycleResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runID == "" {
		return ErrNoActiveRun
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var errVal sql.NullFloat64
	if r.HasGroundTruth && !r.Failed {
		errVal = sql.NullFloat64{Float64: r.Error, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE localization_runs SET
			cycles = cycles + 1,
			failed_cycles = failed_cycles + ?,
			converged = converged + ?,
			max_error = MAX(max_error, ?),
			sum_error = sum_error + ?,
			last_x = ?, last_y = ?, last_yaw = ?
		WHERE run_id = ?`,
		boolInt(r.Failed), boolInt(r.Converged), r.MaxError, errVal.Float64,
		r.Pose.Position.X, r.Pose.Position.Y, r.Pose.Yaw, s.runID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	if s.RecordCycles {
		var gtX, gtY, gtYaw sql.NullFloat64
		if r.HasGroundTruth {
			gtX = sql.NullFloat64{Float64: r.GroundTruth.Position.X, Valid: true}
			gtY = sql.NullFloat64{Float64: r.GroundTruth.Position.Y, Valid: true}
			gtYaw = sql.NullFloat64{Float64: r.GroundTruth.Yaw, Valid: true}
		}
		var failure sql.NullString
		if r.Failed {
			failure = sql.NullString{String: r.Failure, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO localization_cycles (
				run_id, sequence, recorded_at, x, y, z, yaw, gt_x, gt_y, gt_yaw,
				error, max_error, converged, iterations, score, raw_points,
				filtered_points, duration_us, failure
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.runID, int64(r.Sequence), cycleTime(r, s.now).UnixNano(),
			r.Pose.Position.X, r.Pose.Position.Y, r.Pose.Position.Z, r.Pose.Yaw,
			gtX, gtY, gtYaw, errVal, r.MaxError, boolInt(r.Converged), r.Iterations,
			r.Score, r.RawPoints, r.FilteredPoints, r.Duration.Microseconds(), failure)
		if err != nil {
			return fmt.Errorf("insert cycle %d: %w", r.Sequence, err)
		}
	}
	return tx.Commit()
}

// FinishRun stamps the active run's finish time and detaches it.
func (s *Store) FinishRun(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runID == "" {
		return ErrNoActiveRun
	}
	_, err := s.db.ExecContext(ctx, `UPDATE localization_runs SET finished_at = ? WHERE run_id = ?`,
		s.now().UnixNano(), s.runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	s.runID = ""
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, source, map_path, map_points, params_json, started_at,
		       finished_at, cycles, failed_cycles, converged, max_error, sum_error
		FROM localization_runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var (
			run      Run
			params   sql.NullString
			finished sql.NullInt64
			sumError float64
		)
		if err := rows.Scan(&run.RunID, &run.Source, &run.MapPath, &run.MapPoints, &params,
			&run.StartedAt, &finished, &run.Cycles, &run.FailedCycles, &run.Converged,
			&run.MaxError, &sumError); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if params.Valid {
			run.ParamsJSON = json.RawMessage(params.String)
		}
		run.FinishedAt = finished.Int64
		if ok := run.Cycles - run.FailedCycles; ok > 0 {
			run.MeanError = sumError / float64(ok)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// Cycles returns up to limit cycles of runID in sequence order.
func (s *Store) Cycles(ctx context.Context, runID string, limit int) ([]*CycleRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, sequence, recorded_at, x, y, z, yaw, error, max_error,
		       converged, iterations, score, raw_points, filtered_points,
		       duration_us, failure
		FROM localization_cycles
		WHERE run_id = ?
		ORDER BY sequence
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer rows.Close()

	var out []*CycleRecord
	for rows.Next() {
		var (
			c       CycleRecord
			seq     int64
			errVal  sql.NullFloat64
			conv    int
			failure sql.NullString
		)
		if err := rows.Scan(&c.RunID, &seq, &c.RecordedAt, &c.X, &c.Y, &c.Z, &c.Yaw,
			&errVal, &c.MaxError, &conv, &c.Iterations, &c.Score, &c.RawPoints,
			&c.FilteredPoints, &c.DurationMicros, &failure); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		c.Sequence = uint64(seq)
		c.Converged = conv != 0
		if errVal.Valid {
			v := errVal.Float64
			c.Error = &v
		}
		c.Failure = failure.String
		out = append(out, &c)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func cycleTime(r *pipeline.CycleResult, now func() time.Time) time.Time {
	if r.Time.IsZero() {
		return now()
	}
	return r.Time
}
