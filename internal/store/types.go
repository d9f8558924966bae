package store

import (
	"time"

	"github.com/dcastano/stepgate/pkg/schema"
)

// RunFilter narrows ListRuns results. Zero values match everything.
type RunFilter struct {
	GraphID string
	Status  schema.WorkflowStatus
	Limit   int
}

// RunSummary is a lightweight run listing row; full state comes from GetRun.
type RunSummary struct {
	WorkflowID  string                `json:"workflow_id"`
	GraphID     string                `json:"graph_id"`
	Status      schema.WorkflowStatus `json:"status"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

// ScheduledJob is a recurring instantiation of a registered graph.
type ScheduledJob struct {
	ID        string         `json:"id"`
	GraphID   string         `json:"graph_id"`
	CronExpr  string         `json:"cron_expr"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Enabled   bool           `json:"enabled"`
	LastRunAt *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt *time.Time     `json:"next_run_at,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ScheduledJobUpdate holds optional field updates; nil fields are unchanged.
type ScheduledJobUpdate struct {
	CronExpr  *string
	Enabled   *bool
	LastRunAt *time.Time
	NextRunAt *time.Time
}

// ScheduledJobFilter narrows ListScheduledJobs results.
type ScheduledJobFilter struct {
	GraphID     string
	EnabledOnly bool
}
