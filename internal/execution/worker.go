package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/genbot/backend/internal/jobs"
	"github.com/genbot/backend/internal/models"
)

type GenerateJobArgs struct {
	JobID uuid.UUID `json:"job_id"`
}

func (GenerateJobArgs) Kind() string { return "generate_media" }

// InsertOpts makes a job id enqueue at most once while a previous run is pending.
func (GenerateJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 5,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

// JobRunner drives a generation job to a terminal state.
type JobRunner interface {
	Execute(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
}

type GenerateWorker struct {
	river.WorkerDefaults[GenerateJobArgs]
	runner  JobRunner
	timeout time.Duration
}

// NewGenerateWorker returns a worker whose River timeout is ceiling plus a
// margin for submission and finalisation.
func NewGenerateWorker(runner JobRunner, ceiling time.Duration) *GenerateWorker {
	return &GenerateWorker{runner: runner, timeout: ceiling + time.Minute}
}

func (w *GenerateWorker) Timeout(*river.Job[GenerateJobArgs]) time.Duration {
	return w.timeout
}

func (w *GenerateWorker) Work(ctx context.Context, job *river.Job[GenerateJobArgs]) error {
	result, err := w.runner.Execute(ctx, job.Args.JobID)
	if errors.Is(err, jobs.ErrJobNotFound) {
		return river.JobCancel(err)
	}
	if err != nil {
		// Retried by River; Execute resumes from the persisted state.
		return fmt.Errorf("execute job %s: %w", job.Args.JobID, err)
	}
	if !result.Terminal() {
		return fmt.Errorf("job %s left in state %s", result.ID, result.State)
	}
	return nil
}
