// Package store persists graph definitions, run snapshots, and scheduled
// jobs in an embedded libSQL database. Runs are stored as flat restorable
// rows: the latest snapshot is always sufficient to rebuild an executor,
// with no event replay.
package store

import (
	"context"

	"github.com/dcastano/stepgate/internal/engine"
	"github.com/dcastano/stepgate/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Graphs
	SaveGraph(ctx context.Context, def *schema.GraphDefinition) error
	GetGraph(ctx context.Context, id string) (*schema.GraphDefinition, error)
	ListGraphs(ctx context.Context) ([]*schema.GraphDefinition, error)
	DeleteGraph(ctx context.Context, id string) error

	// Runs
	SaveRun(ctx context.Context, snap *engine.StatusSnapshot) error
	GetRun(ctx context.Context, workflowID string) (*engine.StatusSnapshot, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunSummary, error)
	DeleteRun(ctx context.Context, workflowID string) error

	// Scheduled Jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
