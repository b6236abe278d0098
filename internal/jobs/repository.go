package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/genbot/backend/internal/models"
)

// Repository is the Postgres Store. Transitions are compare-and-set on the
// state column and write their event in the same transaction.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

const jobColumns = `id, user_id, kind, cost, state, outcome, params, reservation_id, refund_id,
	remote_handle, artifact_url, error, source_job_id, submitted_at, finished_at, created_at, updated_at`

func (r *Repository) Create(ctx context.Context, job *models.Job) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO generation_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, job.ID, job.UserID, job.Kind, job.Cost, job.State, job.Outcome, job.Params, job.ReservationID, job.RefundID,
		job.RemoteHandle, job.ArtifactURL, job.Error, job.SourceJobID, job.SubmittedAt, job.FinishedAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if err := insertEvent(ctx, tx, job.ID, "", job.State, ""); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return j, err
}

func (r *Repository) ListByUser(ctx context.Context, userID int64, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM generation_jobs
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (r *Repository) ListOpen(ctx context.Context) ([]*models.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM generation_jobs
		WHERE state NOT IN ('completed', 'failed', 'timed_out', 'rejected')
		   OR (state IN ('failed', 'timed_out') AND reservation_id IS NOT NULL AND refund_id IS NULL)
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (r *Repository) CountActive(ctx context.Context, kind string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM generation_jobs
		WHERE kind = $1 AND state NOT IN ('completed', 'failed', 'timed_out', 'rejected')
	`, kind).Scan(&n)
	return n, err
}

func (r *Repository) DailyStats(ctx context.Context, since time.Time) ([]*models.DailyJobStats, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, kind,
			count(*),
			count(*) FILTER (WHERE state = 'completed'),
			count(*) FILTER (WHERE state IN ('failed', 'timed_out')),
			count(*) FILTER (WHERE state = 'rejected')
		FROM generation_jobs
		WHERE created_at >= $1
		GROUP BY day, kind
		ORDER BY day DESC, kind
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.DailyJobStats
	for rows.Next() {
		var d models.DailyJobStats
		if err := rows.Scan(&d.Day, &d.Kind, &d.Total, &d.Completed, &d.Failed, &d.Rejected); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (r *Repository) Transition(ctx context.Context, job *models.Job, from, detail string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE generation_jobs SET
			state = $3, outcome = $4, reservation_id = $5, refund_id = $6, remote_handle = $7,
			artifact_url = $8, error = $9, submitted_at = $10, finished_at = $11, updated_at = now()
		WHERE id = $1 AND state = $2
	`, job.ID, from, job.State, job.Outcome, job.ReservationID, job.RefundID, job.RemoteHandle,
		job.ArtifactURL, job.Error, job.SubmittedAt, job.FinishedAt)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM generation_jobs WHERE id = $1)`, job.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrJobNotFound
		}
		return ErrStaleState
	}
	if err := insertEvent(ctx, tx, job.ID, from, job.State, detail); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) Events(ctx context.Context, id uuid.UUID) ([]*models.JobEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, job_id, from_state, to_state, detail, created_at
		FROM generation_job_events WHERE job_id = $1 ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.JobEvent
	for rows.Next() {
		var e models.JobEvent
		if err := rows.Scan(&e.ID, &e.JobID, &e.FromState, &e.ToState, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, from, to, detail string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO generation_job_events (job_id, from_state, to_state, detail) VALUES ($1, $2, $3, $4)
	`, jobID, from, to, detail)
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.UserID, &j.Kind, &j.Cost, &j.State, &j.Outcome, &j.Params, &j.ReservationID, &j.RefundID,
		&j.RemoteHandle, &j.ArtifactURL, &j.Error, &j.SourceJobID, &j.SubmittedAt, &j.FinishedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()
	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
