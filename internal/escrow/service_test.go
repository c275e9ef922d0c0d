package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	buyerID  int64 = 1
	sellerID int64 = 2
	adminID  int64 = 3
)

// tickingClock returns a strictly increasing time on every call.
type tickingClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTickingClock() *tickingClock {
	return &tickingClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type testEnv struct {
	store *MemoryStore
	svc   *Service
	clock *tickingClock
	next  int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := NewMemoryStore()
	store.AddUser(buyerID, "Ada Buyer", "")
	store.AddUser(sellerID, "Grace Seller", "acct_seller")
	store.AddUser(adminID, "Ops Admin", "")
	clock := newTickingClock()
	return &testEnv{
		store: store,
		svc:   NewService(store).WithClock(clock.Now),
		clock: clock,
		next:  100,
	}
}

// newEscrow creates a pending escrow on a fresh open project.
func (env *testEnv) newEscrow(t *testing.T, amount string) *Escrow {
	t.Helper()
	env.next++
	env.store.AddProject(env.next, "Project", ProjectOpen)
	e, err := env.svc.Create(context.Background(), CreateRequest{
		ProjectID: env.next,
		BuyerID:   buyerID,
		SellerID:  sellerID,
		Amount:    decimal.RequireFromString(amount),
	})
	require.NoError(t, err)
	return e
}

func (env *testEnv) walk(t *testing.T, id int64, path ...Status) {
	t.Helper()
	for _, s := range path {
		_, err := env.svc.Transition(context.Background(), id, s, AdminActor(adminID), "setup", nil)
		require.NoError(t, err, "transition to %s", s)
	}
}

// fund moves the payment to succeeded and the escrow to funded.
func (env *testEnv) fund(t *testing.T, id int64) {
	t.Helper()
	ctx := context.Background()
	_, err := env.svc.UpdatePaymentStatus(ctx, id, PaymentProcessing, nil, "pi_test")
	require.NoError(t, err)
	_, err = env.svc.UpdatePaymentStatus(ctx, id, PaymentSucceeded, nil, "")
	require.NoError(t, err)
	_, err = env.svc.Transition(ctx, id, StatusFunded, WebhookActor(), "payment confirmed", nil)
	require.NoError(t, err)
}

func (env *testEnv) history(t *testing.T, id int64) []*Transition {
	t.Helper()
	h, err := env.svc.GetTransitionHistory(context.Background(), id)
	require.NoError(t, err)
	return h
}

func TestCreate(t *testing.T) {
	env := newTestEnv(t)
	e := env.newEscrow(t, "250.00")

	assert.NotZero(t, e.ID)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, PaymentPending, e.PaymentStatus)
	assert.True(t, e.Amount.Equal(decimal.RequireFromString("250")))
	assert.Nil(t, e.FundedAt)
	assert.False(t, e.CreatedAt.IsZero())
}

func TestCreate_Rejects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{"zero amount", CreateRequest{ProjectID: 1, BuyerID: buyerID, SellerID: sellerID, Amount: decimal.Zero}, ErrInvalidAmount},
		{"negative amount", CreateRequest{ProjectID: 1, BuyerID: buyerID, SellerID: sellerID, Amount: decimal.RequireFromString("-5")}, ErrInvalidAmount},
		{"sub-cent amount", CreateRequest{ProjectID: 1, BuyerID: buyerID, SellerID: sellerID, Amount: decimal.RequireFromString("1.005")}, ErrInvalidAmount},
		{"self dealing", CreateRequest{ProjectID: 1, BuyerID: buyerID, SellerID: buyerID, Amount: decimal.RequireFromString("5")}, ErrSameParty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Create(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreate_OnePerProject(t *testing.T) {
	env := newTestEnv(t)
	e := env.newEscrow(t, "10.00")

	_, err := env.svc.Create(context.Background(), CreateRequest{
		ProjectID: e.ProjectID,
		BuyerID:   buyerID,
		SellerID:  sellerID,
		Amount:    decimal.RequireFromString("10.00"),
	})
	assert.ErrorIs(t, err, ErrEscrowExists)
}

func TestTransition_RejectsEveryUnlistedEdge(t *testing.T) {
	paths := map[Status][]Status{
		StatusPending:          nil,
		StatusFunded:           {StatusFunded},
		StatusReleaseRequested: {StatusFunded, StatusReleaseRequested},
		StatusRefundRequested:  {StatusFunded, StatusRefundRequested},
		StatusDisputed:         {StatusFunded, StatusDisputed},
		StatusReleased:         {StatusFunded, StatusReleaseRequested, StatusReleased},
		StatusRefunded:         {StatusFunded, StatusRefundRequested, StatusRefunded},
		StatusCanceled:         {StatusCanceled},
	}
	require.Len(t, paths, len(AllStatuses))

	env := newTestEnv(t)
	ctx := context.Background()

	for _, from := range AllStatuses {
		e := env.newEscrow(t, "100.00")
		env.walk(t, e.ID, paths[from]...)

		before, err := env.svc.Get(ctx, e.ID)
		require.NoError(t, err)
		require.Equal(t, from, before.Status)
		logBefore := len(env.history(t, e.ID))
		projectBefore, _ := env.store.ProjectStatus(e.ProjectID)

		for _, to := range AllStatuses {
			if to == from || CanTransition(from, to) {
				continue
			}
			_, err := env.svc.Transition(ctx, e.ID, to, AdminActor(adminID), "race", nil)
			require.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", from, to)

			after, err := env.svc.Get(ctx, e.ID)
			require.NoError(t, err)
			assert.Equal(t, before, after, "%s -> %s changed the escrow", from, to)
			assert.Len(t, env.history(t, e.ID), logBefore, "%s -> %s logged a row", from, to)
			project, _ := env.store.ProjectStatus(e.ProjectID)
			assert.Equal(t, projectBefore, project)
		}
	}
}

func TestTransition_SelfTransitionIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.newEscrow(t, "100.00")
	env.walk(t, e.ID, StatusFunded)

	before, err := env.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	writes := env.store.ProjectWrites(e.ProjectID)

	got, err := env.svc.Transition(ctx, e.ID, StatusFunded, WebhookActor(), "redelivered", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, got.Status)

	after, err := env.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, before.FundedAt, after.FundedAt)
	assert.Len(t, env.history(t, e.ID), 1)
	assert.Equal(t, writes, env.store.ProjectWrites(e.ProjectID))
}

func TestTransition_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.newEscrow(t, "100.00")

	_, err := env.svc.Transition(ctx, 9999, StatusFunded, SystemActor(), "", nil)
	assert.ErrorIs(t, err, ErrEscrowNotFound)

	_, err = env.svc.Transition(ctx, e.ID, Status("held"), SystemActor(), "", nil)
	assert.ErrorIs(t, err, ErrUnknownStatus)

	_, err = env.svc.Transition(ctx, e.ID, StatusFunded, Actor{Type: ActorAdmin}, "", nil)
	assert.ErrorIs(t, err, ErrInvalidActor)

	got, err := env.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, env.history(t, e.ID))
}

// failInsertStore fails every transition log insert after the status update
// has been staged.
type failInsertStore struct {
	*MemoryStore
}

func (s failInsertStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.MemoryStore.WithTx(ctx, func(tx Tx) error {
		return fn(failInsertTx{Tx: tx})
	})
}

type failInsertTx struct {
	Tx
}

func (failInsertTx) InsertTransition(ctx context.Context, t *Transition) error {
	return errors.New("log insert failed")
}

func TestTransition_RollsBackWhenLogInsertFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.newEscrow(t, "100.00")

	svc := NewService(failInsertStore{env.store}).WithClock(env.clock.Now)
	_, err := svc.Transition(ctx, e.ID, StatusFunded, AdminActor(adminID), "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log insert failed")

	got, err := env.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Nil(t, got.FundedAt)
	assert.Equal(t, e.UpdatedAt, got.UpdatedAt)
	assert.Empty(t, env.history(t, e.ID))

	project, _ := env.store.ProjectStatus(e.ProjectID)
	assert.Equal(t, ProjectOpen, project)
	assert.Zero(t, env.store.ProjectWrites(e.ProjectID))
}

// barrierStore holds every transaction after LockEscrow until all n callers
// have read the row.
type barrierStore struct {
	*MemoryStore
	wg *sync.WaitGroup
}

func (s barrierStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.MemoryStore.WithTx(ctx, func(tx Tx) error {
		return fn(barrierTx{Tx: tx, wg: s.wg})
	})
}

type barrierTx struct {
	Tx
	wg *sync.WaitGroup
}

func (b barrierTx) LockEscrow(ctx context.Context, id int64) (*Escrow, error) {
	e, err := b.Tx.LockEscrow(ctx, id)
	b.wg.Done()
	b.wg.Wait()
	return e, err
}

func TestTransition_ConcurrentRaceHasOneWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.newEscrow(t, "100.00")
	env.walk(t, e.ID, StatusFunded)

	var barrier sync.WaitGroup
	barrier.Add(2)
	racer := NewService(barrierStore{MemoryStore: env.store, wg: &barrier}).WithClock(env.clock.Now)

	targets := []Status{StatusReleaseRequested, StatusRefundRequested}
	errs := make([]error, len(targets))
	var done sync.WaitGroup
	for i, to := range targets {
		done.Add(1)
		go func(i int, to Status) {
			defer done.Done()
			_, errs[i] = racer.Transition(ctx, e.ID, to, AdminActor(adminID), "race", nil)
		}(i, to)
	}
	done.Wait()

	var winner Status
	failures := 0
	for i, err := range errs {
		if err == nil {
			winner = targets[i]
			continue
		}
		failures++
		assert.ErrorIs(t, err, ErrConcurrentModification)
		assert.True(t, IsRetryable(err))
	}
	require.Equal(t, 1, failures, "exactly one racer must lose")

	got, err := env.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, winner, got.Status)

	history := env.history(t, e.ID)
	require.Len(t, history, 2)
	assert.Equal(t, winner, history[0].ToStatus)
	assert.Equal(t, StatusFunded, history[0].FromStatus)

	project, _ := env.store.ProjectStatus(e.ProjectID)
	want, ok := ProjectStatusFor(winner)
	if ok {
		assert.Equal(t, want, project)
	} else {
		assert.Equal(t, ProjectInProgress, project)
	}
}

func TestUpdatePaymentStatus_PartialCaptureEscalates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.newEscrow(t, "100.00")

	_, err := env.svc.UpdatePaymentStatus(ctx, e.ID, PaymentProcessing, nil, "pi_partial")
	require.NoError(t, err)
	env.walk(t, e.ID, StatusFunded)

	escalations := testutil.ToFloat64(metrics.EscrowDisputesEscalatedTotal)
	captured := int64(8000)
	got, err := env.svc.UpdatePaymentStatus(ctx, e.ID, PaymentSucceeded, &captured, "")
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, got.Status)
	assert.Equal(t, PaymentSucceeded, got.PaymentStatus)
	assert.Equal(t, escalations+1, testutil.ToFloat64(metrics.EscrowDisputesEscalatedTotal))

	stored, err := env.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, stored.Status)
	assert.Equal(t, "pi_partial", stored.StripePaymentIntentID)

	history := env.history(t, e.ID)
	require.Len(t, history, 2)
	assert.Equal(t, ActorSystem, history[0].TriggeredBy)
	assert.Nil(t, history[0].UserID)
	assert.Equal(t, PartialRefundReason, history[0].Reason)
	assert.Contains(t, history[0].Reason, "Partial refund")
	assert.Equal(t, int64(8000), history[0].Metadata["captured_cents"])
	assert.Equal(t, int64(10000), history[0].Metadata["expected_cents"])

	project, _ := env.store.ProjectStatus(e.ProjectID)
	assert.Equal(t, ProjectDisputed, project)
}

func TestUpdatePaymentStatus_EscalationLogCarriesEscrowIDOnce(t *testing.T) {
	env := newTestEnv(t)
	e := env.newEscrow(t, "100.00")

	var buf bytes.Buffer
	ctx := logging.WithLogger(context.Background(), logging.NewWithWriter(&buf, "info", "json"))

	_, err := env.svc.UpdatePaymentStatus(ctx, e.ID, PaymentProcessing, nil, "pi_log")
	require.NoError(t, err)
	env.walk(t, e.ID, StatusFunded)

	buf.Reset()
	captured := int64(8000)
	_, err = env.svc.UpdatePaymentStatus(ctx, e.ID, PaymentSucceeded, &captured, "")
	require.NoError(t, err)

	line := strings.TrimSpace(buf.String())
	require.NotEmpty(t, line)
	assert.Equal(t, 1, strings.Count(line, `"escrow_id"`), line)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "partial capture escalated escrow to dispute", entry["msg"])
	assert.EqualValues(t, e.ID, entry["escrow_id"])
}

func TestUpdatePaymentStatus_FullCaptureDoesNotEscalate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.newEscrow(t, "100.00")

	_, err := env.svc.UpdatePaymentStatus(ctx, e.ID, PaymentProcessing, nil, "pi_full")
	require.NoError(t, err)
	env.walk(t, e.ID, StatusFunded)

	captured := int64(10000)
	got, err := env.svc.UpdatePaymentStatus(ctx, e.ID, PaymentSucceeded, &captured, "")
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, got.Status)
	assert.Equal(t, PaymentSucceeded, got.PaymentStatus)
	assert.Len(t, env.history(t, e.ID), 1)
}

func TestUpdatePaymentStatus_EscalationFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.newEscrow(t, "100.00")

	_, err := env.svc.UpdatePaymentStatus(ctx, e.ID, PaymentProcessing, nil, "pi_early")
	require.NoError(t, err)

	// pending cannot move to disputed, so the short capture is not applied.
	captured := int64(500)
	_, err = env.svc.UpdatePaymentStatus(ctx, e.ID, PaymentSucceeded, &captured, "")
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, err, ErrPartialCapture)

	got, err := env.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, PaymentProcessing, got.PaymentStatus)
	assert.Empty(t, env.history(t, e.ID))
}

func TestUpdatePaymentStatus_Edges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.newEscrow(t, "100.00")

	_, err := env.svc.UpdatePaymentStatus(ctx, e.ID, PaymentSucceeded, nil, "")
	require.ErrorIs(t, err, ErrInvalidTransition)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "payment_status", te.Machine)

	_, err = env.svc.UpdatePaymentStatus(ctx, e.ID, PaymentStatus("authorized"), nil, "")
	assert.ErrorIs(t, err, ErrUnknownStatus)

	// Retry path: pending -> processing -> failed -> pending.
	for _, ps := range []PaymentStatus{PaymentProcessing, PaymentFailed, PaymentPending} {
		got, err := env.svc.UpdatePaymentStatus(ctx, e.ID, ps, nil, "pi_retry")
		require.NoError(t, err, ps)
		assert.Equal(t, ps, got.PaymentStatus)
	}

	// Same value is a no-op.
	before, err := env.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	_, err = env.svc.UpdatePaymentStatus(ctx, e.ID, PaymentPending, nil, "")
	require.NoError(t, err)
	after, err := env.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)

	// Payment moves never touch the lifecycle or its log.
	assert.Equal(t, StatusPending, after.Status)
	assert.Empty(t, env.history(t, e.ID))
}

func TestUpdatePaymentStatus_KeepsExistingIntent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.newEscrow(t, "100.00")

	_, err := env.svc.UpdatePaymentStatus(ctx, e.ID, PaymentProcessing, nil, "pi_first")
	require.NoError(t, err)
	_, err = env.svc.UpdatePaymentStatus(ctx, e.ID, PaymentSucceeded, nil, "")
	require.NoError(t, err)

	got, err := env.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "pi_first", got.StripePaymentIntentID)
}

func TestTransition_ProjectStatusWrittenOnlyOnChange(t *testing.T) {
	env := newTestEnv(t)
	e := env.newEscrow(t, "100.00")

	env.walk(t, e.ID, StatusFunded)
	assert.Equal(t, 1, env.store.ProjectWrites(e.ProjectID))

	env.walk(t, e.ID, StatusReleaseRequested)
	project, _ := env.store.ProjectStatus(e.ProjectID)
	assert.Equal(t, ProjectCompleted, project)
	assert.Equal(t, 2, env.store.ProjectWrites(e.ProjectID))

	// Already completed: released must not rewrite it.
	env.walk(t, e.ID, StatusReleased)
	project, _ = env.store.ProjectStatus(e.ProjectID)
	assert.Equal(t, ProjectCompleted, project)
	assert.Equal(t, 2, env.store.ProjectWrites(e.ProjectID))
}

func TestTransition_CancelReopensProject(t *testing.T) {
	env := newTestEnv(t)
	e := env.newEscrow(t, "40.00")
	env.store.AddProject(e.ProjectID, "Project", ProjectInProgress)

	env.walk(t, e.ID, StatusCanceled)
	project, _ := env.store.ProjectStatus(e.ProjectID)
	assert.Equal(t, ProjectOpen, project)
}

func TestEscrowLifecycle_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.store.AddProject(500, "Marketing site", ProjectOpen)

	e, err := env.svc.Create(ctx, CreateRequest{
		ProjectID: 500,
		BuyerID:   buyerID,
		SellerID:  sellerID,
		Amount:    decimal.RequireFromString("500.00"),
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, e.Status)

	funded, err := env.svc.Transition(ctx, e.ID, StatusFunded, WebhookActor(), "payment confirmed", map[string]any{"payment_intent_id": "pi_500"})
	require.NoError(t, err)
	require.NotNil(t, funded.FundedAt)
	assert.Nil(t, funded.ReleasedAt)
	project, _ := env.store.ProjectStatus(500)
	assert.Equal(t, ProjectInProgress, project)

	_, err = env.svc.Transition(ctx, e.ID, StatusReleaseRequested, BuyerApprovalActor(buyerID), "work approved", nil)
	require.NoError(t, err)
	project, _ = env.store.ProjectStatus(500)
	assert.Equal(t, ProjectCompleted, project)

	released, err := env.svc.Transition(ctx, e.ID, StatusReleased, AdminActor(adminID), "payout confirmed", nil)
	require.NoError(t, err)
	require.NotNil(t, released.ReleasedAt)
	assert.True(t, released.ReleasedAt.After(*released.FundedAt))
	assert.True(t, released.IsTerminal())

	_, err = env.svc.Transition(ctx, e.ID, StatusRefundRequested, BuyerApprovalActor(buyerID), "changed my mind", nil)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "released", te.From)
	assert.Equal(t, "refund_requested", te.To)

	history := env.history(t, e.ID)
	require.Len(t, history, 3)
	assert.Equal(t, []Status{StatusReleased, StatusReleaseRequested, StatusFunded},
		[]Status{history[0].ToStatus, history[1].ToStatus, history[2].ToStatus})
	assert.Equal(t, ActorAdmin, history[0].TriggeredBy)
	assert.Equal(t, "Ops Admin", history[0].UserName)
	assert.Equal(t, "Ada Buyer", history[1].UserName)
	assert.Empty(t, history[2].UserName)
	assert.Equal(t, "pi_500", history[2].Metadata["payment_intent_id"])
	for _, h := range history {
		assert.Equal(t, int64(500), h.ProjectID)
	}

	state, err := env.svc.GetEscrowState(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, state.Status)
	assert.Equal(t, "Marketing site", state.ProjectTitle)
	assert.Equal(t, ProjectCompleted, state.ProjectStatus)
	assert.Equal(t, "Ada Buyer", state.BuyerName)
	assert.Equal(t, "Grace Seller", state.SellerName)
}

func TestGetEscrowState_NotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.GetEscrowState(context.Background(), 404)
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestCanReleaseAndCanRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pending := env.newEscrow(t, "100.00")
	ok, err := env.svc.CanRelease(ctx, pending.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	// Funded by an admin but the payment never settled.
	unsettled := env.newEscrow(t, "100.00")
	env.walk(t, unsettled.ID, StatusFunded)
	ok, err = env.svc.CanRefund(ctx, unsettled.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	settled := env.newEscrow(t, "100.00")
	env.fund(t, settled.ID)
	ok, err = env.svc.CanRelease(ctx, settled.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = env.svc.CanRefund(ctx, settled.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = env.svc.CanRelease(ctx, 9999)
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

type fakeWallet struct {
	mu      sync.Mutex
	err     error
	credits map[string]decimal.Decimal
}

func (w *fakeWallet) CreditWithdrawable(ctx context.Context, userID int64, amount decimal.Decimal, reference string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if w.credits == nil {
		w.credits = make(map[string]decimal.Decimal)
	}
	w.credits[reference] = amount
	return nil
}

func TestTransition_ReleaseCreditsSellerWallet(t *testing.T) {
	env := newTestEnv(t)
	wallet := &fakeWallet{}
	env.svc.WithWallet(wallet)

	e := env.newEscrow(t, "75.50")
	env.walk(t, e.ID, StatusFunded, StatusReleaseRequested, StatusReleased)

	require.Contains(t, wallet.credits, "escrow:1")
	assert.True(t, wallet.credits["escrow:1"].Equal(decimal.RequireFromString("75.50")))
}

func TestTransition_WalletFailureDoesNotUndoRelease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.svc.WithWallet(&fakeWallet{err: errors.New("ledger offline")})

	e := env.newEscrow(t, "20.00")
	env.walk(t, e.ID, StatusFunded, StatusReleaseRequested)

	got, err := env.svc.Transition(ctx, e.ID, StatusReleased, AdminActor(adminID), "", nil)
	require.ErrorIs(t, err, ErrWalletCredit)
	require.NotNil(t, got)
	assert.Equal(t, StatusReleased, got.Status)

	stored, err := env.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, stored.Status)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrConcurrentModification))
	assert.True(t, IsRetryable(ErrLockTimeout))
	assert.False(t, IsRetryable(ErrInvalidTransition))
	assert.False(t, IsRetryable(ErrEscrowNotFound))
	assert.False(t, IsRetryable(errors.New("boom")))
}
