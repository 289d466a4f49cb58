package sweep_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spendsweep/spendsweep/errors"
	sstest "github.com/spendsweep/spendsweep/internal/testing"
	"github.com/spendsweep/spendsweep/ledger"
	"github.com/spendsweep/spendsweep/queue"
	"github.com/spendsweep/spendsweep/review"
	"github.com/spendsweep/spendsweep/scan"
	"github.com/spendsweep/spendsweep/sweep"
)

func julyOf2026() ledger.Period {
	return ledger.MonthOf(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
}

// staticSource serves a fixed user list regardless of run state, the way an
// account service that doesn't track the ledger would.
type staticSource struct {
	users []*scan.User
}

func (s *staticSource) FindUnprocessed(ctx context.Context, period ledger.Period, page scan.Page) ([]*scan.User, error) {
	if page.Skip >= len(s.users) {
		return nil, nil
	}
	end := page.Skip + page.Take
	if end > len(s.users) {
		end = len(s.users)
	}
	return s.users[page.Skip:end], nil
}

// racingSource claims one user's run out from under the sweeper the first
// time that user shows up in a page, the way a concurrently running sweep
// instance would.
type racingSource struct {
	t      *testing.T
	inner  sweep.CandidateSource
	ledger *ledger.Store
	victim string
	raced  bool
}

func (r *racingSource) FindUnprocessed(ctx context.Context, period ledger.Period, page scan.Page) ([]*scan.User, error) {
	users, err := r.inner.FindUnprocessed(ctx, period, page)
	if err != nil {
		return nil, err
	}
	if !r.raced {
		for _, u := range users {
			if u.ID == r.victim {
				run, err := r.ledger.StartOrSkip(ctx, r.victim, period)
				require.NoError(r.t, err)
				require.NotNil(r.t, run, "the racing claim must win")
				r.raced = true
			}
		}
	}
	return users, nil
}

// failingEnqueuer rejects every job.
type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(ctx context.Context, job *queue.Job) (*queue.Job, error) {
	return nil, errors.New("queue unavailable")
}

func TestRunForAllUsers_MixedStates(t *testing.T) {
	db := sstest.CreateTestDB(t)
	ctx := context.Background()
	ledgerStore := ledger.NewStore(db)
	q := queue.NewQueue(db)

	sstest.InsertTestUser(t, db, "user-completed", "done@example.com")
	sstest.InsertTestUser(t, db, "user-failed", "failed@example.com")
	sstest.InsertTestUser(t, db, "user-fresh", "fresh@example.com")
	sstest.InsertTestUser(t, db, "user-racing", "racing@example.com")

	done, err := ledgerStore.StartOrSkip(ctx, "user-completed", julyOf2026())
	require.NoError(t, err)
	require.NoError(t, ledgerStore.MarkCompleted(ctx, done.ID))

	failed, err := ledgerStore.StartOrSkip(ctx, "user-failed", julyOf2026())
	require.NoError(t, err)
	require.NoError(t, ledgerStore.MarkFailed(ctx, failed.ID, "first try broke"))

	// A concurrent actor grabs user-racing between the page query and our
	// claim, so the sweeper sees a null claim for that candidate.
	source := &racingSource{
		t:      t,
		inner:  scan.NewSelector(db),
		ledger: ledgerStore,
		victim: "user-racing",
	}

	sweeper := sweep.NewSweeper(source, ledgerStore, q,
		sweep.Config{BatchSize: 1, MaxPages: 10}, zap.NewNop().Sugar())

	result, err := sweeper.RunForAllUsers(ctx, julyOf2026())
	require.NoError(t, err)

	assert.Equal(t, 2, result.TotalProcessed, "failed and fresh users are claimed")
	assert.Equal(t, 1, result.TotalSkipped, "the raced user is a null claim")
	assert.Equal(t, 0, result.TotalFailed)

	// Exactly two generation jobs, one per claimed run
	jobs, err := q.ListActiveJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, job := range jobs {
		assert.Equal(t, review.TransactionHandlerName, job.HandlerName)
	}

	// The completed user was never a candidate and stays completed
	completed, err := ledgerStore.Find(ctx, "user-completed", julyOf2026())
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, completed.Status)

	// The failed run was reclaimed in place
	reclaimed, err := ledgerStore.Find(ctx, "user-failed", julyOf2026())
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusProcessing, reclaimed.Status)
	assert.Equal(t, 2, reclaimed.AttemptCount)

	fresh, err := ledgerStore.Find(ctx, "user-fresh", julyOf2026())
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusProcessing, fresh.Status)
	assert.Equal(t, 1, fresh.AttemptCount)
}

func TestRunForAllUsers_SmallBatchesCoverEveryUser(t *testing.T) {
	db := sstest.CreateTestDB(t)
	ctx := context.Background()
	ledgerStore := ledger.NewStore(db)
	q := queue.NewQueue(db)

	for _, id := range []string{"user-a", "user-b", "user-c"} {
		sstest.InsertTestUser(t, db, id, id+"@example.com")
	}

	// Batch size smaller than the candidate count: claims shrink the
	// selector's set between pages, and nobody may fall through the gap.
	sweeper := sweep.NewSweeper(scan.NewSelector(db), ledgerStore, q,
		sweep.Config{BatchSize: 1, MaxPages: 10}, zap.NewNop().Sugar())

	result, err := sweeper.RunForAllUsers(ctx, julyOf2026())
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalProcessed, "all three fresh users must be claimed in one sweep")
	assert.Equal(t, 0, result.TotalSkipped)

	jobs, err := q.ListActiveJobs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)

	for _, id := range []string{"user-a", "user-b", "user-c"} {
		run, err := ledgerStore.Find(ctx, id, julyOf2026())
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusProcessing, run.Status, "user %s", id)
	}
}

func TestRunForAllUsers_WithSelector(t *testing.T) {
	db := sstest.CreateTestDB(t)
	ctx := context.Background()
	ledgerStore := ledger.NewStore(db)
	q := queue.NewQueue(db)

	for _, id := range []string{"user-a", "user-b", "user-c"} {
		sstest.InsertTestUser(t, db, id, id+"@example.com")
	}

	sweeper := sweep.NewSweeper(scan.NewSelector(db), ledgerStore, q,
		sweep.Config{BatchSize: 10, MaxPages: 10}, zap.NewNop().Sugar())

	result, err := sweeper.RunForAllUsers(ctx, julyOf2026())
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalProcessed)
	assert.Equal(t, 0, result.TotalSkipped)

	// A second sweep finds nothing claimable and enqueues nothing new
	second, err := sweeper.RunForAllUsers(ctx, julyOf2026())
	require.NoError(t, err)
	assert.Equal(t, 0, second.TotalProcessed)

	jobs, err := q.ListActiveJobs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}

func TestRunForAllUsers_EnqueueFailureReleasesClaim(t *testing.T) {
	db := sstest.CreateTestDB(t)
	ctx := context.Background()
	ledgerStore := ledger.NewStore(db)

	sstest.InsertTestUser(t, db, "user-1", "u1@example.com")
	sstest.InsertTestUser(t, db, "user-2", "u2@example.com")

	sweeper := sweep.NewSweeper(scan.NewSelector(db), ledgerStore, failingEnqueuer{},
		sweep.Config{BatchSize: 1, MaxPages: 10}, zap.NewNop().Sugar())

	result, err := sweeper.RunForAllUsers(ctx, julyOf2026())
	require.NoError(t, err, "individual dispatch failures do not abort the sweep")
	assert.Equal(t, 0, result.TotalProcessed)
	assert.Equal(t, 2, result.TotalFailed, "the sweep moves past failed candidates")

	// Both claims were released to failed so a later sweep can retry
	for _, id := range []string{"user-1", "user-2"} {
		run, err := ledgerStore.Find(ctx, id, julyOf2026())
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusFailed, run.Status)
		assert.Contains(t, run.LastError, "enqueue failed")
	}
}

func TestRunForAllUsers_MaxPagesGuard(t *testing.T) {
	db := sstest.CreateTestDB(t)
	ctx := context.Background()
	ledgerStore := ledger.NewStore(db)
	q := queue.NewQueue(db)

	sstest.InsertTestUser(t, db, "user-1", "u1@example.com")

	// An over-reporting source keeps returning a user the ledger refuses,
	// so only the page guard ends the sweep.
	_, err := ledgerStore.StartOrSkip(ctx, "user-1", julyOf2026())
	require.NoError(t, err)
	source := &staticSource{users: []*scan.User{{ID: "user-1", Email: "u1@example.com"}}}

	sweeper := sweep.NewSweeper(source, ledgerStore, q,
		sweep.Config{BatchSize: 1, MaxPages: 3}, zap.NewNop().Sugar())

	result, err := sweeper.RunForAllUsers(ctx, julyOf2026())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Pages, "pagination stops at the guard")
	assert.Equal(t, 3, result.TotalSkipped)
	assert.Equal(t, 0, result.TotalProcessed)
}

func TestRunForAllUsers_ContextCancellation(t *testing.T) {
	db := sstest.CreateTestDB(t)
	ledgerStore := ledger.NewStore(db)
	q := queue.NewQueue(db)

	sstest.InsertTestUser(t, db, "user-1", "u1@example.com")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sweeper := sweep.NewSweeper(scan.NewSelector(db), ledgerStore, q,
		sweep.Config{BatchSize: 10, MaxPages: 10}, zap.NewNop().Sugar())

	_, err := sweeper.RunForAllUsers(ctx, julyOf2026())
	assert.ErrorIs(t, err, context.Canceled)
}
