package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/dcastano/stepgate/internal/engine"
	"github.com/dcastano/stepgate/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Graphs ---

func (s *LibSQLStore) SaveGraph(ctx context.Context, def *schema.GraphDefinition) error {
	if def == nil || def.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "graph definition needs an id")
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal graph definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO graphs (id, definition) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET definition=excluded.definition, updated_at=CURRENT_TIMESTAMP`,
		def.ID, string(raw),
	)
	return err
}

func (s *LibSQLStore) GetGraph(ctx context.Context, id string) (*schema.GraphDefinition, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM graphs WHERE id = ?`, id,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("graph", id)
	}
	if err != nil {
		return nil, err
	}
	def := &schema.GraphDefinition{}
	if err := json.Unmarshal([]byte(raw), def); err != nil {
		return nil, fmt.Errorf("unmarshal graph definition: %w", err)
	}
	return def, nil
}

func (s *LibSQLStore) ListGraphs(ctx context.Context) ([]*schema.GraphDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM graphs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*schema.GraphDefinition
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		def := &schema.GraphDefinition{}
		if err := json.Unmarshal([]byte(raw), def); err != nil {
			return nil, fmt.Errorf("unmarshal graph definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *LibSQLStore) DeleteGraph(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM graphs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "graph", id)
}

// --- Runs ---

// SaveRun upserts the run row and replaces its node state rows in one
// transaction, so a restored snapshot is never a mix of two saves.
func (s *LibSQLStore) SaveRun(ctx context.Context, snap *engine.StatusSnapshot) error {
	if snap == nil || snap.WorkflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "run snapshot needs a workflow_id")
	}
	inputs, err := marshalMapOrDefault(snap.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	decisions, err := json.Marshal(snap.Decisions)
	if err != nil {
		return fmt.Errorf("marshal decisions: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (workflow_id, graph_id, status, inputs, decisions, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(workflow_id) DO UPDATE SET
		   status=excluded.status, inputs=excluded.inputs, decisions=excluded.decisions,
		   started_at=excluded.started_at, completed_at=excluded.completed_at, updated_at=CURRENT_TIMESTAMP`,
		snap.WorkflowID, snap.GraphID, string(snap.Status), string(inputs), string(decisions),
		nullZeroTime(snap.StartedAt), nullTime(snap.CompletedAt),
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM node_states WHERE workflow_id = ?`, snap.WorkflowID); err != nil {
		return err
	}
	for nodeID, state := range snap.Nodes {
		result, err := nullableJSONMap(state.Result)
		if err != nil {
			return fmt.Errorf("marshal result for node %s: %w", nodeID, err)
		}
		var gateResult any
		if state.GateResult != nil {
			raw, err := json.Marshal(state.GateResult)
			if err != nil {
				return fmt.Errorf("marshal gate result for node %s: %w", nodeID, err)
			}
			gateResult = string(raw)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO node_states (workflow_id, node_id, status, retry_count, result, error, gate_result, bypassed, started_at, finished_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			snap.WorkflowID, nodeID, string(state.Status), state.RetryCount,
			result, nullStr(state.Error), gateResult, boolInt(state.Bypassed),
			nullTime(state.StartedAt), nullTime(state.FinishedAt),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *LibSQLStore) GetRun(ctx context.Context, workflowID string) (*engine.StatusSnapshot, error) {
	snap := &engine.StatusSnapshot{WorkflowID: workflowID}
	var (
		status                string
		inputsJSON            sql.NullString
		decisionsJSON         sql.NullString
		startedAt, completedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT graph_id, status, inputs, decisions, started_at, completed_at FROM runs WHERE workflow_id = ?`,
		workflowID,
	).Scan(&snap.GraphID, &status, &inputsJSON, &decisionsJSON, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", workflowID)
	}
	if err != nil {
		return nil, err
	}
	snap.Status = schema.WorkflowStatus(status)
	if inputsJSON.Valid && inputsJSON.String != "" {
		_ = json.Unmarshal([]byte(inputsJSON.String), &snap.Inputs)
	}
	if decisionsJSON.Valid && decisionsJSON.String != "" {
		_ = json.Unmarshal([]byte(decisionsJSON.String), &snap.Decisions)
	}
	if startedAt.Valid {
		snap.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		snap.CompletedAt = &completedAt.Time
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, status, retry_count, result, error, gate_result, bypassed, started_at, finished_at
		 FROM node_states WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snap.Nodes = make(map[string]engine.NodeState)
	for rows.Next() {
		var (
			state                  engine.NodeState
			nodeStatus             string
			resultJSON, errStr     sql.NullString
			gateJSON               sql.NullString
			bypassed               int
			nStartedAt, nFinishedAt sql.NullTime
		)
		if err := rows.Scan(&state.NodeID, &nodeStatus, &state.RetryCount,
			&resultJSON, &errStr, &gateJSON, &bypassed, &nStartedAt, &nFinishedAt); err != nil {
			return nil, err
		}
		state.Status = schema.NodeStatus(nodeStatus)
		state.Error = errStr.String
		state.Bypassed = bypassed != 0
		if resultJSON.Valid && resultJSON.String != "" {
			_ = json.Unmarshal([]byte(resultJSON.String), &state.Result)
		}
		if gateJSON.Valid && gateJSON.String != "" {
			gate := &schema.GateResult{}
			if err := json.Unmarshal([]byte(gateJSON.String), gate); err == nil {
				state.GateResult = gate
			}
		}
		if nStartedAt.Valid {
			state.StartedAt = &nStartedAt.Time
		}
		if nFinishedAt.Valid {
			state.FinishedAt = &nFinishedAt.Time
		}
		snap.Nodes[state.NodeID] = state
	}
	return snap, rows.Err()
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunSummary, error) {
	query := `SELECT workflow_id, graph_id, status, started_at, completed_at FROM runs`
	var conds []string
	var args []any
	if filter.GraphID != "" {
		conds = append(conds, "graph_id = ?")
		args = append(args, filter.GraphID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []*RunSummary
	for rows.Next() {
		rs := &RunSummary{}
		var status string
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&rs.WorkflowID, &rs.GraphID, &status, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		rs.Status = schema.WorkflowStatus(status)
		if startedAt.Valid {
			rs.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			rs.CompletedAt = &completedAt.Time
		}
		summaries = append(summaries, rs)
	}
	return summaries, rows.Err()
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, workflowID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM node_states WHERE workflow_id = ?`, workflowID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "run", workflowID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Scheduled Jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	inputs, err := marshalMapOrDefault(job.Inputs)
	if err != nil {
		return fmt.Errorf("marshal job inputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, graph_id, cron_expr, inputs, enabled, last_run_at, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.GraphID, job.CronExpr, string(inputs), boolInt(job.Enabled),
		nullTime(job.LastRunAt), nullTime(job.NextRunAt), timeOrNow(job.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	job := &ScheduledJob{}
	var (
		inputsJSON           sql.NullString
		enabled              int
		lastRun, nextRun     sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, graph_id, cron_expr, inputs, enabled, last_run_at, next_run_at, created_at
		 FROM scheduled_jobs WHERE id = ?`, id,
	).Scan(&job.ID, &job.GraphID, &job.CronExpr, &inputsJSON, &enabled, &lastRun, &nextRun, &job.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled job", id)
	}
	if err != nil {
		return nil, err
	}
	job.Enabled = enabled != 0
	if inputsJSON.Valid && inputsJSON.String != "" {
		_ = json.Unmarshal([]byte(inputsJSON.String), &job.Inputs)
	}
	if lastRun.Valid {
		job.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		job.NextRunAt = &nextRun.Time
	}
	return job, nil
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.CronExpr != nil {
		sets = append(sets, "cron_expr = ?")
		args = append(args, *update.CronExpr)
	}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	query := `SELECT id FROM scheduled_jobs`
	var conds []string
	var args []any
	if filter.GraphID != "" {
		conds = append(conds, "graph_id = ?")
		args = append(args, filter.GraphID)
	}
	if filter.EnabledOnly {
		conds = append(conds, "enabled = 1")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	jobs := make([]*ScheduledJob, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetScheduledJob(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.StepgateError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullZeroTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableJSONMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

var _ Store = (*LibSQLStore)(nil)
