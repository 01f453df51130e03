package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"flipdeploy/internal/deployment"
	"flipdeploy/internal/security"
)

// timeFormat is fixed-width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// History stores runs and slot state in SQLite. It implements
// deployment.SlotStore and deployment.RunRecorder.
type History struct {
	db *sql.DB
}

var (
	_ deployment.SlotStore   = (*History)(nil)
	_ deployment.RunRecorder = (*History)(nil)
)

// NewHistory opens (and if needed creates) the database at dbPath.
func NewHistory(dbPath string) (*History, error) {
	if dbPath != ":memory:" {
		if err := security.CreateSecureDir(filepath.Dir(dbPath), security.PermDirectory); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for SQLite (single writer)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	h := &History{db: db}

	if err := h.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return h, nil
}

// Close closes the database connection
func (h *History) Close() error {
	return h.db.Close()
}

func (h *History) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			app TEXT NOT NULL,
			username TEXT NOT NULL,
			ref TEXT,
			color TEXT NOT NULL,
			previous_color TEXT,
			previous_port INTEGER,
			port INTEGER NOT NULL,
			state TEXT NOT NULL,
			failed_stage TEXT,
			error_message TEXT,
			archive TEXT,
			ack TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			duration_seconds REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_app_started
		ON runs(app, started_at DESC)`,
		`CREATE TABLE IF NOT EXISTS slots (
			app TEXT NOT NULL,
			color TEXT NOT NULL,
			port INTEGER NOT NULL,
			status TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (app, color)
		)`,
	}

	for _, stmt := range statements {
		if _, err := h.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// StartRun records a run that has just begun.
func (h *History) StartRun(ctx context.Context, run *deployment.Run) error {
	return h.saveRun(ctx, run)
}

// FinishRun records a run's outcome.
func (h *History) FinishRun(ctx context.Context, run *deployment.Run) error {
	return h.saveRun(ctx, run)
}

func (h *History) saveRun(ctx context.Context, run *deployment.Run) error {
	var prevColor sql.NullString
	var prevPort sql.NullInt64
	if run.Previous != nil {
		prevColor = sql.NullString{String: string(run.Previous.Color), Valid: true}
		prevPort = sql.NullInt64{Int64: int64(run.Previous.Port), Valid: true}
	}

	var finishedAt sql.NullString
	var duration sql.NullFloat64
	if !run.FinishedAt.IsZero() {
		finishedAt = sql.NullString{String: run.FinishedAt.UTC().Format(timeFormat), Valid: true}
		duration = sql.NullFloat64{Float64: run.Duration().Seconds(), Valid: true}
	}

	_, err := h.db.ExecContext(ctx, `
		INSERT INTO runs
		(id, kind, app, username, ref, color, previous_color, previous_port,
		 port, state, failed_stage, error_message, archive, ack, started_at,
		 finished_at, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			color = excluded.color,
			previous_color = excluded.previous_color,
			previous_port = excluded.previous_port,
			port = excluded.port,
			state = excluded.state,
			failed_stage = excluded.failed_stage,
			error_message = excluded.error_message,
			archive = excluded.archive,
			ack = excluded.ack,
			finished_at = excluded.finished_at,
			duration_seconds = excluded.duration_seconds
	`,
		run.ID,
		string(run.Kind),
		run.App,
		run.User,
		nullString(run.Ref),
		string(run.Color),
		prevColor,
		prevPort,
		run.Port,
		string(run.State),
		nullString(string(run.FailedStage)),
		nullString(run.Error),
		nullString(run.Archive),
		nullString(run.Ack),
		run.StartedAt.UTC().Format(timeFormat),
		finishedAt,
		duration,
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun returns a run by ID, or nil when unknown.
func (h *History) GetRun(ctx context.Context, id string) (*deployment.Run, error) {
	row := h.db.QueryRowContext(ctx, selectRuns+` WHERE id = ?`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return run, nil
}

// RecentRuns returns the newest runs of app, newest first.
func (h *History) RecentRuns(ctx context.Context, app string, limit int) ([]deployment.Run, error) {
	rows, err := h.db.QueryContext(ctx, selectRuns+`
		WHERE app = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, app, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []deployment.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return runs, nil
}

// LatestRuns returns the newest run of every app.
func (h *History) LatestRuns(ctx context.Context) (map[string]*deployment.Run, error) {
	rows, err := h.db.QueryContext(ctx, selectRuns+`
		WHERE id IN (
			SELECT id FROM runs r1
			WHERE started_at = (SELECT MAX(started_at) FROM runs r2 WHERE r2.app = r1.app)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest runs: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*deployment.Run)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		result[run.App] = run
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return result, nil
}

// LiveSlot returns the live slot of app, or nil.
func (h *History) LiveSlot(ctx context.Context, app string) (*deployment.Slot, error) {
	row := h.db.QueryRowContext(ctx, `
		SELECT app, color, port, status, updated_at
		FROM slots
		WHERE app = ? AND status = ?
	`, app, string(deployment.SlotLive))

	slot, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query live slot: %w", err)
	}
	return slot, nil
}

// Slots returns the known slots of app ordered by color.
func (h *History) Slots(ctx context.Context, app string) ([]deployment.Slot, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT app, color, port, status, updated_at
		FROM slots
		WHERE app = ?
		ORDER BY color
	`, app)
	if err != nil {
		return nil, fmt.Errorf("failed to query slots: %w", err)
	}
	defer rows.Close()

	var slots []deployment.Slot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan slot: %w", err)
		}
		slots = append(slots, *slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return slots, nil
}

// SaveSlot upserts a slot. A slot cannot be made live here; use Promote.
func (h *History) SaveSlot(ctx context.Context, slot deployment.Slot) error {
	if slot.Status == deployment.SlotLive {
		return fmt.Errorf("slot %s/%s: use Promote to make a slot live", slot.App, slot.Color)
	}
	return upsertSlot(ctx, h.db, slot, time.Now())
}

// Promote makes slot live and retires the app's other live slot in one
// transaction.
func (h *History) Promote(ctx context.Context, slot deployment.Slot) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		UPDATE slots SET status = ?, updated_at = ?
		WHERE app = ? AND color != ? AND status = ?
	`, string(deployment.SlotRetired), now.UTC().Format(timeFormat),
		slot.App, string(slot.Color), string(deployment.SlotLive))
	if err != nil {
		return fmt.Errorf("failed to retire live slot: %w", err)
	}

	slot.Status = deployment.SlotLive
	if err := upsertSlot(ctx, tx, slot, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit promotion: %w", err)
	}
	return nil
}

// Status summarizes app for display.
func (h *History) Status(ctx context.Context, app string, limit int) (*AppStatus, error) {
	slots, err := h.Slots(ctx, app)
	if err != nil {
		return nil, err
	}
	runs, err := h.RecentRuns(ctx, app, limit)
	if err != nil {
		return nil, err
	}

	status := &AppStatus{App: app, Slots: []SlotView{}, Recent: []RunView{}}
	for _, s := range slots {
		view := NewSlotView(s)
		status.Slots = append(status.Slots, view)
		if s.Status == deployment.SlotLive {
			live := view
			status.Live = &live
		}
	}
	for _, r := range runs {
		status.Recent = append(status.Recent, NewRunView(r))
	}
	return status, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertSlot(ctx context.Context, db execer, slot deployment.Slot, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO slots (app, color, port, status, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(app, color) DO UPDATE SET
			port = excluded.port,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, slot.App, string(slot.Color), slot.Port, string(slot.Status), now.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("failed to save slot %s/%s: %w", slot.App, slot.Color, err)
	}
	return nil
}

const selectRuns = `
	SELECT id, kind, app, username, ref, color, previous_color, previous_port, port,
	       state, failed_stage, error_message, archive, ack, started_at, finished_at
	FROM runs`

// scanner is an interface that both *sql.Row and *sql.Rows implement
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*deployment.Run, error) {
	var (
		run                            deployment.Run
		kind, color, state             string
		prevColor, failedStage, errMsg sql.NullString
		ref, archive, ack, finishedAt  sql.NullString
		prevPort                       sql.NullInt64
		startedAt                      string
	)

	err := s.Scan(
		&run.ID, &kind, &run.App, &run.User, &ref, &color, &prevColor, &prevPort, &run.Port,
		&state, &failedStage, &errMsg, &archive, &ack, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Kind = deployment.RunKind(kind)
	run.Color = deployment.Color(color)
	run.State = deployment.State(state)
	run.FailedStage = deployment.State(failedStage.String)
	run.Error = errMsg.String
	run.Ref = ref.String
	run.Archive = archive.String
	run.Ack = ack.String

	if prevColor.Valid {
		run.Previous = &deployment.Slot{
			App:    run.App,
			Color:  deployment.Color(prevColor.String),
			Port:   int(prevPort.Int64),
			Status: deployment.SlotLive,
		}
	}

	if run.StartedAt, err = time.Parse(timeFormat, startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started_at timestamp: %w", err)
	}
	if finishedAt.Valid {
		if run.FinishedAt, err = time.Parse(timeFormat, finishedAt.String); err != nil {
			return nil, fmt.Errorf("failed to parse finished_at timestamp: %w", err)
		}
	}

	return &run, nil
}

func scanSlot(s scanner) (*deployment.Slot, error) {
	var (
		slot          deployment.Slot
		color, status string
		updatedAt     string
	)
	if err := s.Scan(&slot.App, &color, &slot.Port, &status, &updatedAt); err != nil {
		return nil, err
	}
	c, err := deployment.ParseColor(color)
	if err != nil {
		return nil, err
	}
	slot.Color = c
	slot.Status = deployment.SlotStatus(status)

	t, err := time.Parse(timeFormat, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at timestamp: %w", err)
	}
	slot.UpdatedAt = t
	return &slot, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
