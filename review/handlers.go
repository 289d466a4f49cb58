package review

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/spendsweep/spendsweep/errors"
	"github.com/spendsweep/spendsweep/ledger"
	"github.com/spendsweep/spendsweep/notify"
	"github.com/spendsweep/spendsweep/queue"
)

// Handler names for the generation job families.
const (
	TransactionHandlerName = "review.transactions"
	ExpenseHandlerName     = "review.expenses"
)

// Payload is the queue payload for both generation job families.
type Payload struct {
	RunID             string     `json:"run_id"`
	UserID            string     `json:"user_id"`
	PeriodStart       time.Time  `json:"period_start"`
	PeriodEnd         time.Time  `json:"period_end"`
	LastRecurSyncDate *time.Time `json:"last_recur_sync_date,omitempty"`
}

// Enqueuer is the slice of the queue the handlers need to trigger downstream
// notification mail.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job) (*queue.Job, error)
}

// MailPayload is the queue payload for the outbound mail family.
type MailPayload struct {
	NotificationID string `json:"notification_id"`
	UserID         string `json:"user_id"`
}

// MailHandlerName is the handler name of the outbound mail family.
const MailHandlerName = "mail.send"

// TransactionHandler executes review.transactions jobs: it calls the content
// generator for the claimed (user, period), persists the review with its
// derived items, completes the ledger run, and triggers a deduplicated
// notification.
//
// Execution is idempotent with respect to redelivery: if the run is no
// longer processing (completed by an earlier delivery, or reclaimed after a
// force-fail), the handler backs off without side effects.
type TransactionHandler struct {
	ledger     *ledger.Store
	reviews    *Store
	notifier   *notify.Store
	enqueuer   Enqueuer
	generator  Generator
	limiter    *RateLimiter
	model      string
	genTimeout time.Duration
	log        *zap.SugaredLogger
}

// NewTransactionHandler wires the transaction-review generation handler.
// genTimeout bounds each generator call; zero means no per-call deadline
// beyond the job's own timeout.
func NewTransactionHandler(
	ledgerStore *ledger.Store,
	reviews *Store,
	notifier *notify.Store,
	enqueuer Enqueuer,
	generator Generator,
	limiter *RateLimiter,
	model string,
	genTimeout time.Duration,
	log *zap.SugaredLogger,
) *TransactionHandler {
	return &TransactionHandler{
		ledger:     ledgerStore,
		reviews:    reviews,
		notifier:   notifier,
		enqueuer:   enqueuer,
		generator:  generator,
		limiter:    limiter,
		model:      model,
		genTimeout: genTimeout,
		log:        log.Named("review.transactions"),
	}
}

// Name implements queue.Handler
func (h *TransactionHandler) Name() string { return TransactionHandlerName }

// Execute implements queue.Handler
func (h *TransactionHandler) Execute(ctx context.Context, job *queue.Job) error {
	payload, run, skip, err := h.claimCheck(ctx, job)
	if err != nil || skip {
		return err
	}

	period := run.Period

	// A crash between persisting the review and completing the run leaves
	// the run processing with the review already committed. Redelivery
	// finishes the bookkeeping instead of generating a second review.
	existing, err := h.reviews.FindTransactionReviewForPeriod(ctx, payload.UserID, period)
	if err != nil && !errors.IsNotFoundError(err) {
		return err
	}
	if existing != nil {
		h.log.Infow("Review already persisted, completing run without regeneration",
			"run_id", run.ID,
			"review_id", existing.ID)
		if err := h.ledger.MarkCompleted(ctx, run.ID); err != nil {
			return err
		}
		h.notifyReviewReady(ctx, payload.UserID, period, existing.ID)
		return nil
	}

	if h.limiter != nil {
		if err := h.limiter.Allow(); err != nil {
			return err // Retried with backoff; the run stays processing
		}
	}

	genCtx := ctx
	if h.genTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, h.genTimeout)
		defer cancel()
	}
	out, err := h.generator.GenerateReview(genCtx, Input{
		UserID:            payload.UserID,
		Period:            period,
		Kind:              "transactions",
		Model:             h.model,
		LastRecurSyncDate: payload.LastRecurSyncDate,
	})
	if err != nil {
		return classifyGenerationError(err)
	}

	rev, err := h.reviews.SaveTransactionReview(ctx, payload.UserID, period, h.model, out)
	if err != nil {
		return err
	}

	if err := h.ledger.MarkCompleted(ctx, run.ID); err != nil {
		return err
	}

	h.log.Infow("Transaction review generated",
		"user_id", payload.UserID,
		"period", period,
		"review_id", rev.ID,
		"items", len(rev.Items))

	h.notifyReviewReady(ctx, payload.UserID, period, rev.ID)
	return nil
}

// OnPermanentFailure implements queue.FailureHook: once the attempt ceiling
// is exhausted, the run is marked failed so a later sweep can re-claim it.
func (h *TransactionHandler) OnPermanentFailure(ctx context.Context, job *queue.Job, cause error) {
	failRun(ctx, h.ledger, job, cause, h.log)
}

// claimCheck decodes the payload and verifies this delivery still owns the
// run. skip=true means redelivery of already-finished work: succeed without
// side effects.
func (h *TransactionHandler) claimCheck(ctx context.Context, job *queue.Job) (*Payload, *ledger.Run, bool, error) {
	payload, err := decodePayload(job)
	if err != nil {
		return nil, nil, false, err
	}

	run, err := h.ledger.Get(ctx, payload.RunID)
	if err != nil {
		return nil, nil, false, err
	}

	if run.Status != ledger.StatusProcessing {
		h.log.Infow("Run no longer processing, skipping redelivered job",
			"run_id", run.ID,
			"status", run.Status,
			"job_id", job.ID)
		return payload, run, true, nil
	}
	return payload, run, false, nil
}

// notifyReviewReady creates the deduplicated review-ready notification and,
// when a new record was created, enqueues the outbound mail job. Both steps
// are best effort: the review itself is already committed and completed.
func (h *TransactionHandler) notifyReviewReady(ctx context.Context, userID string, period ledger.Period, reviewID string) {
	if h.notifier == nil {
		return
	}

	n, err := notify.New(
		"review_ready", notify.SeverityInfo,
		"user", userID, period.Key(),
		"Your spending review is ready",
		"A new transaction review was generated for "+period.Key()+".",
	)
	if err != nil {
		h.log.Warnw("Failed to build notification", "user_id", userID, "error", err)
		return
	}

	created, rec, err := h.notifier.CreateIfAbsent(ctx, n)
	if err != nil {
		h.log.Warnw("Failed to create notification", "user_id", userID, "error", err)
		return
	}
	if !created {
		h.log.Debugw("Notification deduplicated", "dedupe_key", rec.DedupeKey, "review_id", reviewID)
		return
	}

	if h.enqueuer == nil {
		return
	}

	mailPayload, err := json.Marshal(MailPayload{NotificationID: rec.ID, UserID: userID})
	if err != nil {
		h.log.Warnw("Failed to marshal mail payload", "error", err)
		return
	}
	mailJob, err := queue.NewJob(MailHandlerName, rec.ID, mailPayload)
	if err != nil {
		h.log.Warnw("Failed to build mail job", "error", err)
		return
	}
	if _, err := h.enqueuer.Enqueue(ctx, mailJob); err != nil {
		h.log.Warnw("Failed to enqueue notification mail", "notification_id", rec.ID, "error", err)
	}
}

// ExpenseHandler executes review.expenses jobs. Same claim/idempotence
// discipline as the transaction handler, without derived items or mail.
type ExpenseHandler struct {
	ledger     *ledger.Store
	reviews    *Store
	generator  Generator
	limiter    *RateLimiter
	model      string
	genTimeout time.Duration
	log        *zap.SugaredLogger
}

// NewExpenseHandler wires the expense-review generation handler.
func NewExpenseHandler(
	ledgerStore *ledger.Store,
	reviews *Store,
	generator Generator,
	limiter *RateLimiter,
	model string,
	genTimeout time.Duration,
	log *zap.SugaredLogger,
) *ExpenseHandler {
	return &ExpenseHandler{
		ledger:     ledgerStore,
		reviews:    reviews,
		generator:  generator,
		limiter:    limiter,
		model:      model,
		genTimeout: genTimeout,
		log:        log.Named("review.expenses"),
	}
}

// Name implements queue.Handler
func (h *ExpenseHandler) Name() string { return ExpenseHandlerName }

// Execute implements queue.Handler
func (h *ExpenseHandler) Execute(ctx context.Context, job *queue.Job) error {
	payload, err := decodePayload(job)
	if err != nil {
		return err
	}

	run, err := h.ledger.Get(ctx, payload.RunID)
	if err != nil {
		return err
	}
	if run.Status != ledger.StatusProcessing {
		h.log.Infow("Run no longer processing, skipping redelivered job",
			"run_id", run.ID,
			"status", run.Status,
			"job_id", job.ID)
		return nil
	}

	existing, err := h.reviews.FindExpenseReviewForPeriod(ctx, payload.UserID, run.Period)
	if err != nil && !errors.IsNotFoundError(err) {
		return err
	}
	if existing != nil {
		h.log.Infow("Review already persisted, completing run without regeneration",
			"run_id", run.ID,
			"review_id", existing.ID)
		return h.ledger.MarkCompleted(ctx, run.ID)
	}

	if h.limiter != nil {
		if err := h.limiter.Allow(); err != nil {
			return err
		}
	}

	genCtx := ctx
	if h.genTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, h.genTimeout)
		defer cancel()
	}
	out, err := h.generator.GenerateReview(genCtx, Input{
		UserID: payload.UserID,
		Period: run.Period,
		Kind:   "expenses",
		Model:  h.model,
	})
	if err != nil {
		return classifyGenerationError(err)
	}

	rev, err := h.reviews.SaveExpenseReview(ctx, payload.UserID, run.Period, h.model, out)
	if err != nil {
		return err
	}

	if err := h.ledger.MarkCompleted(ctx, run.ID); err != nil {
		return err
	}

	h.log.Infow("Expense review generated",
		"user_id", payload.UserID,
		"period", run.Period,
		"review_id", rev.ID)
	return nil
}

// OnPermanentFailure implements queue.FailureHook
func (h *ExpenseHandler) OnPermanentFailure(ctx context.Context, job *queue.Job, cause error) {
	failRun(ctx, h.ledger, job, cause, h.log)
}

func decodePayload(job *queue.Job) (*Payload, error) {
	var payload Payload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, errors.Wrapf(err, "failed to decode payload for job %s", job.ID)
	}
	if payload.RunID == "" || payload.UserID == "" {
		return nil, errors.Newf("job %s payload missing run_id or user_id", job.ID)
	}
	return &payload, nil
}

// failRun propagates a job's permanent failure to its ledger run. A run that
// already left processing (completed, or force-failed by an operator) is
// left alone.
func failRun(ctx context.Context, store *ledger.Store, job *queue.Job, cause error, log *zap.SugaredLogger) {
	payload, err := decodePayload(job)
	if err != nil {
		log.Errorw("Cannot fail run for undecodable job payload", "job_id", job.ID, "error", err)
		return
	}

	if err := store.MarkFailed(ctx, payload.RunID, cause.Error()); err != nil {
		if errors.IsInvalidStateTransition(err) {
			log.Warnw("Run already left processing, not marking failed",
				"run_id", payload.RunID, "job_id", job.ID)
			return
		}
		log.Errorw("Failed to mark run failed after permanent job failure",
			"run_id", payload.RunID, "job_id", job.ID, "error", err)
		return
	}

	log.Warnw("Run marked failed after permanent job failure",
		"run_id", payload.RunID, "job_id", job.ID, "cause", cause)
}

// classifyGenerationError maps context deadline errors onto the generation
// timeout sentinel so callers can distinguish slow generators from broken ones.
func classifyGenerationError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(errors.ErrGenerationTimeout, err.Error())
	}
	return errors.Wrap(errors.ErrGenerationFailure, err.Error())
}
