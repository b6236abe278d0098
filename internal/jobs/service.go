package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/genbot/backend/internal/config"
	"github.com/genbot/backend/internal/generation"
	"github.com/genbot/backend/internal/ledger"
	"github.com/genbot/backend/internal/models"
	"github.com/genbot/backend/internal/notify"
)

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrStaleState is returned by Store.Transition when the job is no longer
	// in the expected state.
	ErrStaleState = errors.New("job state changed concurrently")
	// ErrInvalidSourceJob means the image to animate is not a completed image job of the requester.
	ErrInvalidSourceJob = errors.New("source job is not a completed image of this user")
)

// Store persists jobs and their append-only transition history.
type Store interface {
	// Create inserts a new job and records its initial state as the first event.
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]*models.Job, error)
	// ListOpen returns every job not in a terminal state, plus failed jobs
	// whose refund is pending, oldest first.
	ListOpen(ctx context.Context) ([]*models.Job, error)
	// Transition persists job (its State and mutable fields) only if the stored
	// state equals from, and appends an event. Otherwise ErrStaleState.
	Transition(ctx context.Context, job *models.Job, from, detail string) error
	Events(ctx context.Context, id uuid.UUID) ([]*models.JobEvent, error)
	// CountActive returns the number of non-terminal jobs of a kind.
	CountActive(ctx context.Context, kind string) (int, error)
	// DailyStats groups jobs created at or after since by UTC day and kind,
	// newest day first.
	DailyStats(ctx context.Context, since time.Time) ([]*models.DailyJobStats, error)
}

// EnqueueFunc schedules Execute for a job in the background. Provided by main
// (River insert, or a goroutine in dev mode).
type EnqueueFunc func(ctx context.Context, jobID uuid.UUID) error

// Service drives a generation job from credit reservation to a terminal state.
type Service struct {
	store     Store
	ledger    ledger.Store
	client    generation.Client
	validator *generation.Validator
	notifier  notify.Notifier
	cfg       *config.Config
	enqueue   EnqueueFunc
	logger    *slog.Logger
	now       func() time.Time

	// admitMu serialises admission checks with the reservation they guard.
	admitMu sync.Mutex
}

func NewService(
	store Store,
	ledgerStore ledger.Store,
	client generation.Client,
	validator *generation.Validator,
	notifier notify.Notifier,
	cfg *config.Config,
	enqueue EnqueueFunc,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		ledger:    ledgerStore,
		client:    client,
		validator: validator,
		notifier:  notifier,
		cfg:       cfg,
		enqueue:   enqueue,
		logger:    logger,
		now:       time.Now,
	}
}

// Request validates params, reserves the job's cost and schedules execution.
// A request that is refused (kind at capacity, daily limit reached or not
// enough credits) is persisted as rejected and returned with the matching
// outcome and a nil error.
func (s *Service) Request(ctx context.Context, userID int64, kind string, params json.RawMessage, sourceJobID *uuid.UUID) (*models.Job, error) {
	job, err := s.request(ctx, userID, kind, params, sourceJobID)
	if err != nil || job.Terminal() {
		return job, err
	}
	if err := s.enqueue(ctx, job.ID); err != nil {
		// The job stays reserved; Recover re-enqueues it on the next start.
		s.logger.Error("enqueue job failed", "job_id", job.ID, "error", err)
	}
	return job, nil
}

// Run is Request followed by a synchronous Execute in the caller's goroutine.
// Execution is detached from ctx cancellation: a caller that goes away does
// not fail the job, which still ends within its kind's ceiling.
func (s *Service) Run(ctx context.Context, userID int64, kind string, params json.RawMessage, sourceJobID *uuid.UUID) (*models.Job, error) {
	job, err := s.request(ctx, userID, kind, params, sourceJobID)
	if err != nil || job.Terminal() {
		return job, err
	}
	return s.Execute(context.WithoutCancel(ctx), job.ID)
}

func (s *Service) request(ctx context.Context, userID int64, kind string, raw json.RawMessage, sourceJobID *uuid.UUID) (*models.Job, error) {
	p, err := s.validator.Validate(kind, raw)
	if err != nil {
		return nil, err
	}
	if sourceJobID != nil {
		src, err := s.store.Get(ctx, *sourceJobID)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				return nil, ErrInvalidSourceJob
			}
			return nil, err
		}
		if kind != models.JobKindVideo || src.UserID != userID || src.Kind != models.JobKindImage ||
			src.State != models.JobStateCompleted || src.ArtifactURL == "" {
			return nil, ErrInvalidSourceJob
		}
		p.InputImageURL = src.ArtifactURL
	}
	normalized, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	now := s.now()
	job := &models.Job{
		ID:          uuid.New(),
		UserID:      userID,
		Kind:        kind,
		Cost:        s.cfg.JobCost(kind),
		State:       models.JobStateRequested,
		Params:      normalized,
		SourceJobID: sourceJobID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if s.cfg.MaxConcurrent(kind) > 0 || s.cfg.DailySpendLimit > 0 {
		s.admitMu.Lock()
		defer s.admitMu.Unlock()
	}
	outcome, reason, err := s.admit(ctx, userID, kind, job.Cost)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if outcome != "" {
		return s.reject(ctx, job, outcome, reason)
	}

	resID, err := s.ledger.Reserve(ctx, userID, job.Cost, debitReason(kind), job.ID.String())
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		return s.reject(ctx, job, models.OutcomeInsufficientCredits, "insufficient credits")
	}
	if err != nil {
		return nil, fmt.Errorf("reserve credits: %w", err)
	}

	job.State = models.JobStateReserved
	job.Outcome = models.OutcomeAccepted
	job.ReservationID = &resID
	if err := s.store.Transition(ctx, job, models.JobStateRequested, "reserved "+resID.String()); err != nil {
		return nil, fmt.Errorf("mark reserved: %w", err)
	}
	s.logger.Info("job accepted", "job_id", job.ID, "user_id", userID, "kind", kind, "cost", job.Cost)
	return job, nil
}

// admit applies the per-kind concurrency cap and the daily spend limit. It
// returns the rejection outcome and reason, or an empty outcome to proceed.
func (s *Service) admit(ctx context.Context, userID int64, kind string, cost int64) (outcome, reason string, err error) {
	if limit := s.cfg.MaxConcurrent(kind); limit > 0 {
		active, err := s.store.CountActive(ctx, kind)
		if err != nil {
			return "", "", fmt.Errorf("count active jobs: %w", err)
		}
		if active >= limit {
			return models.OutcomeBusy, fmt.Sprintf("%s generation is busy (%d/%d running)", kind, active, limit), nil
		}
	}
	if limit := s.cfg.DailySpendLimit; limit > 0 {
		spent, err := ledger.SpentSince(ctx, s.ledger, userID, ledger.StartOfDay(s.now()))
		if err != nil {
			return "", "", fmt.Errorf("daily spend: %w", err)
		}
		if spent+cost > limit {
			return models.OutcomeDailyLimit, fmt.Sprintf("daily spend %d + cost %d exceeds daily limit %d", spent, cost, limit), nil
		}
	}
	return "", "", nil
}

func (s *Service) reject(ctx context.Context, job *models.Job, outcome, reason string) (*models.Job, error) {
	now := s.now()
	job.State = models.JobStateRejected
	job.Outcome = outcome
	job.Error = reason
	job.FinishedAt = &now
	job.UpdatedAt = now
	if err := s.store.Transition(ctx, job, models.JobStateRequested, reason); err != nil {
		return nil, fmt.Errorf("reject job: %w", err)
	}
	s.logger.Info("job rejected", "job_id", job.ID, "user_id", job.UserID, "kind", job.Kind, "cost", job.Cost, "outcome", outcome)
	return job, nil
}

func debitReason(kind string) string {
	if kind == models.JobKindVideo {
		return models.ReasonVideoDebit
	}
	return models.ReasonRollDebit
}

// Execute advances a job to a terminal state. It resumes from whatever state
// is persisted: terminal jobs are returned unchanged, and a job that already
// holds a remote handle is polled rather than resubmitted. Every failure after
// the reservation refunds it exactly once; cancelling ctx resolves the job as
// failed with a refund.
func (s *Service) Execute(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	// Finalisation must survive cancellation of the caller.
	final := context.WithoutCancel(ctx)
	if job.RefundPending() {
		return s.settleRefund(final, job)
	}
	if job.Terminal() {
		return job, nil
	}
	log := s.logger.With("job_id", job.ID, "kind", job.Kind)

	if job.State == models.JobStateRequested {
		res, err := s.ledger.ReservationByRef(ctx, job.UserID, job.ID.String())
		switch {
		case errors.Is(err, ledger.ErrTransactionNotFound):
			return s.finish(final, job, models.JobStateFailed, models.OutcomeFailed, "interrupted before reservation")
		case err != nil:
			return nil, fmt.Errorf("find reservation: %w", err)
		}
		job.ReservationID = &res.ID
		job.Outcome = models.OutcomeAccepted
		if job, err = s.advance(ctx, job, models.JobStateReserved, "recovered reservation"); err != nil || job.Terminal() {
			return job, err
		}
	}

	if job.State == models.JobStateReserved {
		var p generation.Params
		if err := json.Unmarshal(job.Params, &p); err != nil {
			return s.finish(final, job, models.JobStateFailed, models.OutcomeSubmitFailed, "stored parameters are unreadable")
		}
		handle, err := s.client.Submit(ctx, job.Kind, p)
		if err != nil {
			if ctx.Err() != nil {
				return s.finish(final, job, models.JobStateFailed, models.OutcomeFailed, "cancelled")
			}
			log.Warn("submit failed", "error", err)
			return s.finish(final, job, models.JobStateFailed, models.OutcomeSubmitFailed, err.Error())
		}
		now := s.now()
		job.RemoteHandle = string(handle)
		job.SubmittedAt = &now
		if job, err = s.advance(ctx, job, models.JobStateSubmitted, string(handle)); err != nil || job.Terminal() {
			return job, err
		}
	}

	if job.State == models.JobStateSubmitted {
		if job, err = s.advance(ctx, job, models.JobStatePolling, ""); err != nil || job.Terminal() {
			return job, err
		}
	}

	if job.State != models.JobStatePolling {
		return job, nil
	}

	remaining := s.ceiling(job.Kind)
	if job.SubmittedAt != nil {
		remaining -= s.now().Sub(*job.SubmittedAt)
	}
	if remaining <= 0 {
		return s.finish(final, job, models.JobStateTimedOut, models.OutcomeTimedOut, generation.ErrTimeout.Error())
	}

	art, err := s.client.Await(ctx, generation.Handle(job.RemoteHandle), remaining)
	switch {
	case err == nil:
		job.ArtifactURL = art.URL
		return s.finish(final, job, models.JobStateCompleted, models.OutcomeCompleted, "")
	case errors.Is(err, generation.ErrTimeout):
		return s.finish(final, job, models.JobStateTimedOut, models.OutcomeTimedOut, err.Error())
	case ctx.Err() != nil:
		return s.finish(final, job, models.JobStateFailed, models.OutcomeFailed, "cancelled")
	default:
		log.Warn("generation failed", "error", err)
		return s.finish(final, job, models.JobStateFailed, models.OutcomeFailed, err.Error())
	}
}

func (s *Service) ceiling(kind string) time.Duration {
	if kind == models.JobKindVideo {
		return s.cfg.Generation.VideoTimeout
	}
	return s.cfg.Generation.ImageTimeout
}

// advance moves job to a non-terminal state. If another worker moved it first,
// the persisted job is returned instead.
func (s *Service) advance(ctx context.Context, job *models.Job, to, detail string) (*models.Job, error) {
	from := job.State
	job.State = to
	job.UpdatedAt = s.now()
	err := s.store.Transition(ctx, job, from, detail)
	if errors.Is(err, ErrStaleState) {
		return s.store.Get(ctx, job.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	return job, nil
}

// finish records the terminal state and only then, if this caller won the
// transition, refunds the reservation. A worker that loses the race returns
// the persisted job and touches nothing.
func (s *Service) finish(ctx context.Context, job *models.Job, state, outcome, reason string) (*models.Job, error) {
	if state == models.JobStateCompleted && job.ReservationID != nil {
		if err := s.ledger.Commit(ctx, *job.ReservationID); err != nil {
			return nil, fmt.Errorf("commit reservation: %w", err)
		}
	}

	from := job.State
	now := s.now()
	job.State = state
	job.Outcome = outcome
	job.Error = reason
	job.FinishedAt = &now
	job.UpdatedAt = now
	err := s.store.Transition(ctx, job, from, reason)
	if errors.Is(err, ErrStaleState) {
		return s.store.Get(ctx, job.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("transition %s -> %s: %w", from, state, err)
	}
	s.logger.Info("job finished", "job_id", job.ID, "user_id", job.UserID, "state", state, "outcome", outcome)

	if job.RefundPending() {
		// On error the job stays refund-pending; Recover and retries settle it.
		if job, err = s.settleRefund(ctx, job); err != nil {
			return nil, err
		}
	}
	s.notifyFinished(ctx, job)
	return job, nil
}

// settleRefund refunds the reservation of a failed or timed-out job and
// records the refund id. Ledger refunds are idempotent per reservation.
func (s *Service) settleRefund(ctx context.Context, job *models.Job) (*models.Job, error) {
	refundID, err := s.ledger.Refund(ctx, *job.ReservationID)
	if err != nil {
		return nil, fmt.Errorf("refund reservation: %w", err)
	}
	job.RefundID = &refundID
	job.UpdatedAt = s.now()
	err = s.store.Transition(ctx, job, job.State, "refunded "+refundID.String())
	if errors.Is(err, ErrStaleState) {
		return s.store.Get(ctx, job.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("record refund: %w", err)
	}
	return job, nil
}

func (s *Service) notifyFinished(ctx context.Context, job *models.Job) {
	if s.notifier == nil {
		return
	}
	balance, err := s.ledger.Balance(ctx, job.UserID)
	if err != nil {
		s.logger.Warn("balance lookup for notification failed", "job_id", job.ID, "error", err)
	}
	if err := s.notifier.Notify(ctx, job.UserID, notify.JobFinished(job, balance)); err != nil {
		s.logger.Warn("job notification failed", "job_id", job.ID, "error", err)
	}
}

// Recover re-enqueues every non-terminal job and every failed job whose
// refund was not recorded. Called once at startup.
func (s *Service) Recover(ctx context.Context) (int, error) {
	open, err := s.store.ListOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open jobs: %w", err)
	}
	n := 0
	for _, job := range open {
		if err := s.enqueue(ctx, job.ID); err != nil {
			s.logger.Error("re-enqueue job failed", "job_id", job.ID, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		s.logger.Info("recovered open jobs", "count", n)
	}
	return n, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListByUser(ctx context.Context, userID int64, limit int) ([]*models.Job, error) {
	return s.store.ListByUser(ctx, userID, limit)
}

func (s *Service) Events(ctx context.Context, id uuid.UUID) ([]*models.JobEvent, error) {
	return s.store.Events(ctx, id)
}
