package review_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spendsweep/spendsweep/errors"
	sstest "github.com/spendsweep/spendsweep/internal/testing"
	"github.com/spendsweep/spendsweep/internal/util"
	"github.com/spendsweep/spendsweep/ledger"
	"github.com/spendsweep/spendsweep/notify"
	"github.com/spendsweep/spendsweep/queue"
	"github.com/spendsweep/spendsweep/review"
)

// stubGenerator returns a fixed output or error.
type stubGenerator struct {
	out   *review.Output
	err   error
	calls int
}

func (g *stubGenerator) GenerateReview(ctx context.Context, input review.Input) (*review.Output, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	return g.out, nil
}

// captureEnqueuer records enqueued jobs without a queue.
type captureEnqueuer struct {
	jobs []*queue.Job
	err  error
}

func (e *captureEnqueuer) Enqueue(ctx context.Context, job *queue.Job) (*queue.Job, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.jobs = append(e.jobs, job)
	return job, nil
}

type handlerFixture struct {
	ledger   *ledger.Store
	reviews  *review.Store
	notifier *notify.Store
	enqueuer *captureEnqueuer
	gen      *stubGenerator
	handler  *review.TransactionHandler
}

func newHandlerFixture(t *testing.T, gen *stubGenerator) (*handlerFixture, *ledger.Run, *queue.Job) {
	t.Helper()
	db := sstest.CreateTestDB(t)
	ctx := context.Background()

	f := &handlerFixture{
		ledger:   ledger.NewStore(db),
		reviews:  review.NewStore(db),
		notifier: notify.NewStore(db),
		enqueuer: &captureEnqueuer{},
		gen:      gen,
	}
	f.handler = review.NewTransactionHandler(
		f.ledger, f.reviews, f.notifier, f.enqueuer, f.gen,
		nil, "model-1", 0, zap.NewNop().Sugar())

	sstest.InsertTestUser(t, db, "user-1", "u1@example.com")
	period := ledger.MonthOf(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
	run, err := f.ledger.StartOrSkip(ctx, "user-1", period)
	require.NoError(t, err)
	require.NotNil(t, run)

	payload, err := json.Marshal(review.Payload{
		RunID:             run.ID,
		UserID:            "user-1",
		PeriodStart:       period.Start,
		PeriodEnd:         period.End,
		LastRecurSyncDate: util.Ptr(time.Date(2026, 7, 18, 0, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	job, err := queue.NewJob(review.TransactionHandlerName, "user-1:"+period.Key(), payload)
	require.NoError(t, err)

	return f, run, job
}

func TestTransactionHandler_Success(t *testing.T) {
	gen := &stubGenerator{out: &review.Output{
		Summary: "You spent less than usual.",
		Items: []review.Item{
			{Merchant: "Grocer", Category: "food", AmountCents: 12300, Note: "weekly run"},
		},
	}}
	f, run, job := newHandlerFixture(t, gen)
	ctx := context.Background()

	require.NoError(t, f.handler.Execute(ctx, job))

	// The run completed and the review was persisted
	current, err := f.ledger.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, current.Status)

	count, err := f.reviews.CountForUserPeriod(ctx, "user-1", run.Period)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// A review-ready notification exists and its mail job was enqueued
	unread, err := f.notifier.ListUnread(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unread, 1)

	require.Len(t, f.enqueuer.jobs, 1)
	assert.Equal(t, review.MailHandlerName, f.enqueuer.jobs[0].HandlerName)

	var mp review.MailPayload
	require.NoError(t, json.Unmarshal(f.enqueuer.jobs[0].Payload, &mp))
	assert.Equal(t, unread[0].ID, mp.NotificationID)
	assert.Equal(t, "user-1", mp.UserID)
}

func TestTransactionHandler_SkipsRedelivery(t *testing.T) {
	gen := &stubGenerator{out: &review.Output{Summary: "s"}}
	f, run, job := newHandlerFixture(t, gen)
	ctx := context.Background()

	// First delivery completes the run
	require.NoError(t, f.handler.Execute(ctx, job))
	require.Equal(t, 1, gen.calls)

	// Redelivery of the same job after completion is a silent no-op
	require.NoError(t, f.handler.Execute(ctx, job))
	assert.Equal(t, 1, gen.calls, "generator must not run twice for the same period")

	count, err := f.reviews.CountForUserPeriod(ctx, "user-1", run.Period)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "no duplicate review rows")
}

func TestTransactionHandler_GenerationFailure(t *testing.T) {
	gen := &stubGenerator{err: errors.New("model unavailable")}
	f, run, job := newHandlerFixture(t, gen)
	ctx := context.Background()

	err := f.handler.Execute(ctx, job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrGenerationFailure))

	// The run stays processing; the queue owns the retry,
	// and only permanent failure moves the ledger
	current, lerr := f.ledger.Get(ctx, run.ID)
	require.NoError(t, lerr)
	assert.Equal(t, ledger.StatusProcessing, current.Status)
}

func TestTransactionHandler_TimeoutClassified(t *testing.T) {
	gen := &stubGenerator{err: context.DeadlineExceeded}
	f, _, job := newHandlerFixture(t, gen)

	err := f.handler.Execute(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrGenerationTimeout),
		"deadline errors map to the timeout sentinel")
}

// blockingGenerator never answers; it waits for its context to expire.
type blockingGenerator struct{}

func (blockingGenerator) GenerateReview(ctx context.Context, input review.Input) (*review.Output, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTransactionHandler_GeneratorDeadline(t *testing.T) {
	f, run, job := newHandlerFixture(t, &stubGenerator{})
	ctx := context.Background()

	// Rebuild the handler with a tight generator deadline and a generator
	// that never returns on its own
	handler := review.NewTransactionHandler(
		f.ledger, f.reviews, f.notifier, f.enqueuer, blockingGenerator{},
		nil, "model-1", 20*time.Millisecond, zap.NewNop().Sugar())

	err := handler.Execute(ctx, job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrGenerationTimeout),
		"the configured deadline surfaces as a generation timeout")

	// The run stays processing; the queue owns the retry
	current, err := f.ledger.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusProcessing, current.Status)
}

func TestTransactionHandler_ResumesAfterCrashBeforeCompletion(t *testing.T) {
	gen := &stubGenerator{out: &review.Output{Summary: "s"}}
	f, run, job := newHandlerFixture(t, gen)
	ctx := context.Background()

	// A review already committed while the run is still processing is what a
	// worker crash between the save and the run completion leaves behind
	_, err := f.reviews.SaveTransactionReview(ctx, "user-1", run.Period, "model-1",
		&review.Output{Summary: "committed before the crash"})
	require.NoError(t, err)

	require.NoError(t, f.handler.Execute(ctx, job))
	assert.Zero(t, gen.calls, "redelivery must not regenerate")

	// The redelivery finished the bookkeeping the crash interrupted
	current, err := f.ledger.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, current.Status)

	count, err := f.reviews.CountForUserPeriod(ctx, "user-1", run.Period)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "no duplicate review rows")

	unread, err := f.notifier.ListUnread(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, unread, 1, "the notification is still delivered")
}

func TestTransactionHandler_OnPermanentFailure(t *testing.T) {
	gen := &stubGenerator{err: errors.New("always broken")}
	f, run, job := newHandlerFixture(t, gen)
	ctx := context.Background()

	f.handler.OnPermanentFailure(ctx, job, errors.New("attempt ceiling reached"))

	current, err := f.ledger.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, current.Status)
	assert.Equal(t, "attempt ceiling reached", current.LastError)

	// A failed run is claimable by the next sweep
	reclaimed, err := f.ledger.StartOrSkip(ctx, "user-1", run.Period)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, 2, reclaimed.AttemptCount)
}

func TestTransactionHandler_OnPermanentFailure_RunAlreadyFinished(t *testing.T) {
	gen := &stubGenerator{out: &review.Output{Summary: "s"}}
	f, run, job := newHandlerFixture(t, gen)
	ctx := context.Background()

	require.NoError(t, f.ledger.MarkCompleted(ctx, run.ID))

	// The hook must not clobber a completed run
	f.handler.OnPermanentFailure(ctx, job, errors.New("late failure"))

	current, err := f.ledger.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, current.Status)
}

func TestTransactionHandler_RejectsBadPayload(t *testing.T) {
	gen := &stubGenerator{out: &review.Output{Summary: "s"}}
	f, _, _ := newHandlerFixture(t, gen)

	job, err := queue.NewJob(review.TransactionHandlerName, "s", json.RawMessage(`{"run_id":""}`))
	require.NoError(t, err)

	assert.Error(t, f.handler.Execute(context.Background(), job))
	assert.Zero(t, gen.calls)
}

func TestExpenseHandler_Success(t *testing.T) {
	db := sstest.CreateTestDB(t)
	ctx := context.Background()

	ledgerStore := ledger.NewStore(db)
	reviewStore := review.NewStore(db)
	gen := &stubGenerator{out: &review.Output{Summary: "Fixed costs are stable."}}
	handler := review.NewExpenseHandler(ledgerStore, reviewStore, gen, nil, "model-1", 0, zap.NewNop().Sugar())

	sstest.InsertTestUser(t, db, "user-1", "u1@example.com")
	period := ledger.MonthOf(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
	run, err := ledgerStore.StartOrSkip(ctx, "user-1", period)
	require.NoError(t, err)

	payload, err := json.Marshal(review.Payload{RunID: run.ID, UserID: "user-1", PeriodStart: period.Start, PeriodEnd: period.End})
	require.NoError(t, err)
	job, err := queue.NewJob(review.ExpenseHandlerName, "user-1:"+period.Key(), payload)
	require.NoError(t, err)

	require.NoError(t, handler.Execute(ctx, job))

	current, err := ledgerStore.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, current.Status)
}

func TestExpenseHandler_ResumesAfterCrashBeforeCompletion(t *testing.T) {
	db := sstest.CreateTestDB(t)
	ctx := context.Background()

	ledgerStore := ledger.NewStore(db)
	reviewStore := review.NewStore(db)
	gen := &stubGenerator{out: &review.Output{Summary: "s"}}
	handler := review.NewExpenseHandler(ledgerStore, reviewStore, gen, nil, "model-1", 0, zap.NewNop().Sugar())

	sstest.InsertTestUser(t, db, "user-1", "u1@example.com")
	period := ledger.MonthOf(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
	run, err := ledgerStore.StartOrSkip(ctx, "user-1", period)
	require.NoError(t, err)

	_, err = reviewStore.SaveExpenseReview(ctx, "user-1", period, "model-1",
		&review.Output{Summary: "committed before the crash"})
	require.NoError(t, err)

	payload, err := json.Marshal(review.Payload{RunID: run.ID, UserID: "user-1", PeriodStart: period.Start, PeriodEnd: period.End})
	require.NoError(t, err)
	job, err := queue.NewJob(review.ExpenseHandlerName, "user-1:"+period.Key(), payload)
	require.NoError(t, err)

	require.NoError(t, handler.Execute(ctx, job))
	assert.Zero(t, gen.calls, "redelivery must not regenerate")

	current, err := ledgerStore.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, current.Status)
}
