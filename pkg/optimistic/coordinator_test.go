package optimistic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	mocks "github.com/cbodonnell/tally/mocks/github.com/cbodonnell/tally/pkg/authority"
	"github.com/cbodonnell/tally/pkg/authority"
	"github.com/cbodonnell/tally/pkg/errs"
	"github.com/cbodonnell/tally/pkg/events"
	"github.com/cbodonnell/tally/pkg/fallback"
	"github.com/cbodonnell/tally/pkg/queue"
	"github.com/cbodonnell/tally/pkg/repositories"
	"github.com/cbodonnell/tally/pkg/rollback"
	"github.com/cbodonnell/tally/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type balance struct {
	Amount int64 `json:"amount"`
}

func (b balance) Clone() balance { return b }

func (b balance) Validate() error {
	if b.Amount < 0 {
		return errs.NewValidationError("", "amount %d is negative", b.Amount)
	}
	return nil
}

type fixture struct {
	coordinator *Coordinator[string, balance]
	store       *state.MemoryStore[string, balance]
	bus         *events.Bus
	authority   *mocks.Authority
	policy      *fallback.Policy
}

func newFixture(t *testing.T, initial map[string]balance, configure func(*NewCoordinatorOptions[string, balance])) *fixture {
	store := state.NewMemoryStore(state.NewMemoryStoreOptions[string, balance]{})
	require.NoError(t, store.ReplaceAll(initial))
	bus := events.NewBus(events.NewBusOptions{})
	auth := mocks.NewAuthority(t)
	policy := fallback.NewPolicy(fallback.NewPolicyOptions{Bus: bus})
	opts := NewCoordinatorOptions[string, balance]{
		Domain: "currency",
		Store:  store,
		Dependencies: Dependencies{
			Bus:          bus,
			Authority:    auth,
			Fallback:     policy,
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
		},
	}
	if configure != nil {
		configure(&opts)
	}
	c, err := NewCoordinator(opts)
	require.NoError(t, err)
	return &fixture{coordinator: c, store: store, bus: bus, authority: auth, policy: policy}
}

func spend(key string, amount int64) Mutation[string, balance] {
	return Mutation[string, balance]{
		Operation: "currency.spend",
		Key:       key,
		Params:    map[string]any{"key": key, "amount": amount},
		Apply: func(tx *state.Tx[string, balance]) error {
			_, err := tx.Mutate(key, func(current balance, exists bool) (balance, error) {
				if current.Amount < amount {
					return current, &errs.InsufficientResourceError{Resource: key, Available: current.Amount, Required: amount}
				}
				current.Amount -= amount
				return current, nil
			})
			return err
		},
	}
}

func amountOf(t *testing.T, store state.Store[string, balance], key string) int64 {
	t.Helper()
	v, ok := store.Get(key)
	require.True(t, ok)
	return v.Amount
}

func unreachable(ctx context.Context, req *authority.Request) (*authority.Response, error) {
	return nil, &errs.ConnectivityError{Operation: req.Operation, Cause: errors.New("timeout")}
}

func TestCoordinator_RejectionRestoresOriginal(t *testing.T) {
	f := newFixture(t, map[string]balance{"gold": {Amount: 50}}, nil)
	f.authority.EXPECT().Do(mock.Anything, mock.Anything).RunAndReturn(func(ctx context.Context, req *authority.Request) (*authority.Response, error) {
		return authority.Reject(req, "insufficient_funds", "not enough gold"), nil
	}).Once()

	var rolledBack []RolledBack[balance]
	events.Subscribe(f.bus, func(e RolledBack[balance]) {
		rolledBack = append(rolledBack, e)
	})

	result, err := f.coordinator.Execute(context.Background(), spend("gold", 10))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRolledBack, result.Outcome)
	assert.Equal(t, "not enough gold", result.Reason)
	assert.Equal(t, int64(50), amountOf(t, f.store, "gold"))

	require.Len(t, rolledBack, 1)
	assert.Equal(t, "not enough gold", rolledBack[0].Reason)
	assert.True(t, errs.IsAuthorityRejected(rolledBack[0].Cause))
	require.Len(t, rolledBack[0].Changes, 1)
	assert.Equal(t, int64(40), rolledBack[0].Changes[0].Previous.Amount)
	assert.Equal(t, int64(50), rolledBack[0].Changes[0].Current.Amount)
}

func TestCoordinator_ConfirmReconcilesCanonicalValue(t *testing.T) {
	f := newFixture(t, map[string]balance{"gold": {Amount: 100}}, nil)
	f.authority.EXPECT().Do(mock.Anything, mock.Anything).RunAndReturn(func(ctx context.Context, req *authority.Request) (*authority.Response, error) {
		// the optimistic value is visible before the request goes out
		assert.Equal(t, int64(50), amountOf(t, f.store, "gold"))
		return authority.Success(req, map[string]balance{"gold": {Amount: 45}})
	}).Once()

	var order []string
	var confirmed ConfirmedUpdate[balance]
	events.Subscribe(f.bus, func(e OptimisticUpdate[balance]) {
		order = append(order, "optimistic")
		require.Len(t, e.Changes, 1)
		assert.Equal(t, int64(100), e.Changes[0].Previous.Amount)
		assert.Equal(t, int64(50), e.Changes[0].Current.Amount)
	})
	events.Subscribe(f.bus, func(e ConfirmedUpdate[balance]) {
		order = append(order, "confirmed")
		confirmed = e
	})

	result, err := f.coordinator.Execute(context.Background(), spend("gold", 50))
	require.NoError(t, err)
	assert.True(t, result.Confirmed())
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, int64(45), amountOf(t, f.store, "gold"))

	assert.Equal(t, []string{"optimistic", "confirmed"}, order)
	require.Len(t, confirmed.Changes, 1)
	assert.Equal(t, int64(50), confirmed.Changes[0].Previous.Amount)
	assert.Equal(t, int64(45), confirmed.Changes[0].Current.Amount)
	assert.True(t, confirmed.Adjusted)
}

func TestCoordinator_ConfirmWithoutCanonicalKeepsGuess(t *testing.T) {
	f := newFixture(t, map[string]balance{"gold": {Amount: 30}}, nil)
	f.authority.EXPECT().Do(mock.Anything, mock.Anything).RunAndReturn(func(ctx context.Context, req *authority.Request) (*authority.Response, error) {
		return authority.Success(req, nil)
	}).Once()

	result, err := f.coordinator.Execute(context.Background(), spend("gold", 5))
	require.NoError(t, err)
	assert.True(t, result.Confirmed())
	assert.Equal(t, int64(25), amountOf(t, f.store, "gold"))
	require.Len(t, result.Changes, 1)
	assert.Equal(t, int64(25), result.Changes[0].Current.Amount)
}

func TestCoordinator_LocalFailuresNeverReachAuthority(t *testing.T) {
	tests := []struct {
		name     string
		prepare  func(f *fixture)
		mutation Mutation[string, balance]
		check    func(t *testing.T, err error)
	}{
		{
			name:     "insufficient balance",
			mutation: spend("gold", 500),
			check: func(t *testing.T, err error) {
				assert.True(t, errs.IsInsufficientResource(err))
			},
		},
		{
			name: "invalid result",
			mutation: Mutation[string, balance]{
				Operation: "currency.set",
				Key:       "gold",
				Apply: func(tx *state.Tx[string, balance]) error {
					return tx.Set("gold", balance{Amount: -1})
				},
			},
			check: func(t *testing.T, err error) {
				assert.True(t, errs.IsValidation(err))
			},
		},
		{
			name: "disabled feature",
			prepare: func(f *fixture) {
				f.policy.DisableFeature("shop", "maintenance")
			},
			mutation: func() Mutation[string, balance] {
				m := spend("gold", 1)
				m.Feature = "shop"
				return m
			}(),
			check: func(t *testing.T, err error) {
				assert.True(t, errs.IsFeatureUnavailable(err))
			},
		},
		{
			name: "unmarshalable params",
			mutation: func() Mutation[string, balance] {
				m := spend("gold", 1)
				m.Params = map[string]any{"bad": make(chan int)}
				return m
			}(),
			check: func(t *testing.T, err error) {
				assert.True(t, errs.IsValidation(err))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, map[string]balance{"gold": {Amount: 50}}, nil)
			if tt.prepare != nil {
				tt.prepare(f)
			}
			published := 0
			events.Subscribe(f.bus, func(e OptimisticUpdate[balance]) { published++ })

			_, err := f.coordinator.Execute(context.Background(), tt.mutation)
			require.Error(t, err)
			tt.check(t, err)
			assert.Equal(t, int64(50), amountOf(t, f.store, "gold"))
			assert.Zero(t, published)
		})
	}
}

func TestCoordinator_RetriesThroughConnectivityFailure(t *testing.T) {
	f := newFixture(t, map[string]balance{"gold": {Amount: 50}}, nil)
	f.authority.EXPECT().Do(mock.Anything, mock.Anything).RunAndReturn(unreachable).Once()
	f.authority.EXPECT().Do(mock.Anything, mock.Anything).RunAndReturn(func(ctx context.Context, req *authority.Request) (*authority.Response, error) {
		return authority.Success(req, map[string]balance{"gold": {Amount: 40}})
	}).Once()

	result, err := f.coordinator.Execute(context.Background(), spend("gold", 10))
	require.NoError(t, err)
	assert.True(t, result.Confirmed())
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, int64(40), amountOf(t, f.store, "gold"))
}

func TestCoordinator_RetriesExhausted(t *testing.T) {
	f := newFixture(t, map[string]balance{"gold": {Amount: 50}}, nil)
	f.authority.EXPECT().Do(mock.Anything, mock.Anything).RunAndReturn(unreachable).Times(3)

	var rolledBack []RolledBack[balance]
	events.Subscribe(f.bus, func(e RolledBack[balance]) {
		rolledBack = append(rolledBack, e)
	})

	result, err := f.coordinator.Execute(context.Background(), spend("gold", 10))
	require.Error(t, err)
	assert.True(t, errs.IsRetryExhausted(err))
	assert.True(t, errs.IsConnectivity(err))
	assert.Equal(t, OutcomeRolledBack, result.Outcome)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, int64(50), amountOf(t, f.store, "gold"))
	require.Len(t, rolledBack, 1)
	assert.Contains(t, rolledBack[0].Reason, "could not reach the server")
}

func newDeferredFixture(t *testing.T) (*fixture, *queue.InMemoryQueue[*rollback.PendingOperation]) {
	q := queue.NewInMemoryQueue[*rollback.PendingOperation](8)
	f := newFixture(t, map[string]balance{"gold": {Amount: 50}}, func(opts *NewCoordinatorOptions[string, balance]) {
		opts.Rollback = rollback.NewDeferred(rollback.NewDeferredOptions{Queue: q, MaxRetries: 3})
	})
	return f, q
}

func deferSpend(t *testing.T, f *fixture, q *queue.InMemoryQueue[*rollback.PendingOperation]) *rollback.PendingOperation {
	t.Helper()
	f.authority.EXPECT().Do(mock.Anything, mock.Anything).RunAndReturn(unreachable).Times(3)

	result, err := f.coordinator.Execute(context.Background(), spend("gold", 10))
	require.NoError(t, err)
	require.Equal(t, OutcomeDeferred, result.Outcome)
	require.NotNil(t, result.Pending)

	ops, err := q.ReadAllMessages()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, result.RequestID, ops[0].ID)
	return ops[0]
}

func TestCoordinator_DeferredKeepsOptimisticValue(t *testing.T) {
	f, q := newDeferredFixture(t)
	var degraded []Degraded
	events.Subscribe(f.bus, func(e Degraded) {
		degraded = append(degraded, e)
	})

	op := deferSpend(t, f, q)
	assert.Equal(t, int64(40), amountOf(t, f.store, "gold"))
	assert.Equal(t, "currency.spend", op.Operation)
	assert.Equal(t, "gold", op.Key)
	assert.Equal(t, 1, f.coordinator.PendingCount())
	require.Len(t, degraded, 1)
	assert.Same(t, op, degraded[0].Pending)
}

func TestCoordinator_ReplayResolves(t *testing.T) {
	f, q := newDeferredFixture(t)
	op := deferSpend(t, f, q)

	f.authority.EXPECT().Do(mock.Anything, mock.Anything).RunAndReturn(func(ctx context.Context, req *authority.Request) (*authority.Response, error) {
		assert.Equal(t, op.ID, req.ID)
		return authority.Success(req, map[string]balance{"gold": {Amount: 38}})
	}).Once()

	require.NoError(t, f.coordinator.Replay(context.Background(), op))
	assert.Equal(t, rollback.StatusResolved, op.Status)
	assert.Equal(t, int64(38), amountOf(t, f.store, "gold"))
	assert.Zero(t, f.coordinator.PendingCount())
}

func TestCoordinator_ReplayAbandonsAfterMaxRetries(t *testing.T) {
	f, q := newDeferredFixture(t)
	op := deferSpend(t, f, q)

	var rolledBack []RolledBack[balance]
	events.Subscribe(f.bus, func(e RolledBack[balance]) {
		rolledBack = append(rolledBack, e)
	})

	f.authority.EXPECT().Do(mock.Anything, mock.Anything).RunAndReturn(unreachable).Times(3)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.coordinator.Replay(context.Background(), op))
	}
	assert.Equal(t, rollback.StatusAbandoned, op.Status)
	assert.Equal(t, 3, op.RetryCount)
	assert.Equal(t, int64(50), amountOf(t, f.store, "gold"))
	require.Len(t, rolledBack, 1)
	assert.Equal(t, ReasonRetriesExhausted, rolledBack[0].Reason)

	// terminal operations cannot be replayed again
	assert.ErrorIs(t, f.coordinator.Replay(context.Background(), op), errs.ErrInvalidTransition)
}

func TestCoordinator_ReplayRejected(t *testing.T) {
	f, q := newDeferredFixture(t)
	op := deferSpend(t, f, q)

	f.authority.EXPECT().Do(mock.Anything, mock.Anything).RunAndReturn(func(ctx context.Context, req *authority.Request) (*authority.Response, error) {
		return authority.Reject(req, "expired", "offer expired"), nil
	}).Once()

	require.NoError(t, f.coordinator.Replay(context.Background(), op))
	assert.Equal(t, rollback.StatusAbandoned, op.Status)
	assert.Equal(t, int64(50), amountOf(t, f.store, "gold"))
}

func TestCoordinator_CancellationRollsBack(t *testing.T) {
	f := newFixture(t, map[string]balance{"gold": {Amount: 50}}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	f.authority.EXPECT().Do(mock.Anything, mock.Anything).RunAndReturn(func(ctx context.Context, req *authority.Request) (*authority.Response, error) {
		cancel()
		return nil, &errs.ConnectivityError{Operation: req.Operation, Cause: ctx.Err()}
	}).Once()

	result, err := f.coordinator.Execute(ctx, spend("gold", 10))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeRolledBack, result.Outcome)
	assert.Equal(t, "cancelled", result.Reason)
	assert.Equal(t, int64(50), amountOf(t, f.store, "gold"))
}

func TestCoordinator_CompensateRunsInsteadOfRevert(t *testing.T) {
	f := newFixture(t, map[string]balance{"gold": {Amount: 50}}, nil)
	f.authority.EXPECT().Do(mock.Anything, mock.Anything).RunAndReturn(func(ctx context.Context, req *authority.Request) (*authority.Response, error) {
		// a concurrent grant lands while the spend is in flight
		_, err := f.store.Mutate("gold", func(v balance, _ bool) (balance, error) {
			v.Amount += 100
			return v, nil
		})
		require.NoError(t, err)
		return authority.Reject(req, "denied", "denied"), nil
	}).Once()

	m := spend("gold", 10)
	m.Compensate = func(store state.Store[string, balance], changes state.Changes[string, balance]) error {
		_, err := store.Mutate("gold", func(v balance, _ bool) (balance, error) {
			v.Amount += 10
			return v, nil
		})
		return err
	}
	_, err := f.coordinator.Execute(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, int64(150), amountOf(t, f.store, "gold"))
}

func TestCoordinator_ExecuteAsync(t *testing.T) {
	f := newFixture(t, map[string]balance{"gold": {Amount: 50}}, nil)
	release := make(chan struct{})
	f.authority.EXPECT().Do(mock.Anything, mock.Anything).RunAndReturn(func(ctx context.Context, req *authority.Request) (*authority.Response, error) {
		<-release
		return authority.Success(req, nil)
	}).Once()

	ch, err := f.coordinator.ExecuteAsync(context.Background(), spend("gold", 20))
	require.NoError(t, err)
	assert.Equal(t, int64(30), amountOf(t, f.store, "gold"))
	close(release)

	select {
	case res := <-ch:
		require.NoError(t, res.Err)
		assert.True(t, res.Result.Confirmed())
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the authority outcome")
	}
}

func TestOperation_CommitOnce(t *testing.T) {
	f := newFixture(t, map[string]balance{"gold": {Amount: 50}}, nil)
	f.authority.EXPECT().Do(mock.Anything, mock.Anything).RunAndReturn(func(ctx context.Context, req *authority.Request) (*authority.Response, error) {
		return authority.Success(req, nil)
	}).Once()

	op, err := f.coordinator.Begin(context.Background(), spend("gold", 1))
	require.NoError(t, err)
	_, err = op.Commit(context.Background())
	require.NoError(t, err)
	_, err = op.Commit(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyCommitted)
}

func TestCoordinator_ConcurrentSpends(t *testing.T) {
	f := newFixture(t, map[string]balance{"gold": {Amount: 100}}, nil)
	f.authority.EXPECT().Do(mock.Anything, mock.Anything).RunAndReturn(func(ctx context.Context, req *authority.Request) (*authority.Response, error) {
		return authority.Success(req, nil)
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coordinator.Execute(context.Background(), spend("gold", 10))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(0), amountOf(t, f.store, "gold"))
}

func TestCoordinator_Refresh(t *testing.T) {
	repo := repositories.NewMemoryRepository()
	f := newFixture(t, map[string]balance{"gold": {Amount: 1}}, func(opts *NewCoordinatorOptions[string, balance]) {
		opts.Repository = repo
	})
	f.authority.EXPECT().Do(mock.Anything, mock.Anything).RunAndReturn(func(ctx context.Context, req *authority.Request) (*authority.Response, error) {
		assert.Equal(t, "currency.snapshot", req.Operation)
		return authority.Success(req, map[string]*balance{"Gold": {Amount: 70}, "gems": {Amount: 3}, "gone": nil})
	}).Once()

	assert.True(t, f.coordinator.Stale())
	require.NoError(t, f.coordinator.Refresh(context.Background()))
	assert.False(t, f.coordinator.Stale())
	assert.Equal(t, int64(70), amountOf(t, f.store, "gold"))
	assert.Equal(t, int64(3), amountOf(t, f.store, "gems"))
	assert.Equal(t, 2, f.store.Len())

	saved, err := repo.LoadSnapshot(context.Background(), "currency")
	require.NoError(t, err)
	assert.Len(t, saved.Entries, 2)
}

func TestCoordinator_RefreshFallsBackToCache(t *testing.T) {
	repo := repositories.NewMemoryRepository()
	require.NoError(t, repo.SaveSnapshot(context.Background(), &repositories.Snapshot{
		Namespace: "currency",
		Entries:   map[string]json.RawMessage{"gold": json.RawMessage(`{"amount":12}`)},
	}))
	f := newFixture(t, nil, func(opts *NewCoordinatorOptions[string, balance]) {
		opts.Repository = repo
	})
	f.authority.EXPECT().Do(mock.Anything, mock.Anything).RunAndReturn(unreachable).Once()

	var degraded []Degraded
	events.Subscribe(f.bus, func(e Degraded) { degraded = append(degraded, e) })

	require.NoError(t, f.coordinator.Refresh(context.Background()))
	assert.Equal(t, int64(12), amountOf(t, f.store, "gold"))
	assert.True(t, f.coordinator.Stale())
	require.Len(t, degraded, 1)
	assert.True(t, errs.IsConnectivity(degraded[0].Cause))
}

func TestCoordinator_RefreshInCachedDataMode(t *testing.T) {
	repo := repositories.NewMemoryRepository()
	require.NoError(t, repo.SaveSnapshot(context.Background(), &repositories.Snapshot{
		Namespace: "currency",
		Entries:   map[string]json.RawMessage{"gold": json.RawMessage(`{"amount":8}`)},
	}))
	f := newFixture(t, nil, func(opts *NewCoordinatorOptions[string, balance]) {
		opts.Repository = repo
	})
	f.policy.UseCachedData()
	f.authority.EXPECT().Do(mock.Anything, mock.Anything).RunAndReturn(unreachable).Once()

	require.NoError(t, f.coordinator.Refresh(context.Background()))
	assert.Equal(t, int64(8), amountOf(t, f.store, "gold"))
	assert.True(t, f.policy.UsingCachedData())
}

func TestCoordinator_RefreshRestoresLiveMode(t *testing.T) {
	repo := repositories.NewMemoryRepository()
	require.NoError(t, repo.SaveSnapshot(context.Background(), &repositories.Snapshot{
		Namespace: "currency",
		Entries:   map[string]json.RawMessage{"gold": json.RawMessage(`{"amount":8}`)},
	}))
	f := newFixture(t, nil, func(opts *NewCoordinatorOptions[string, balance]) {
		opts.Repository = repo
	})
	var modes []bool
	events.Subscribe(f.bus, func(e fallback.ModeChanged) { modes = append(modes, e.CachedData) })

	f.authority.EXPECT().Do(mock.Anything, mock.Anything).RunAndReturn(unreachable).Times(fallback.DefaultFailureThreshold)
	for i := 0; i < fallback.DefaultFailureThreshold; i++ {
		require.NoError(t, f.coordinator.Refresh(context.Background()))
	}
	require.True(t, f.policy.UsingCachedData())
	assert.Equal(t, int64(8), amountOf(t, f.store, "gold"))

	f.authority.EXPECT().Do(mock.Anything, mock.Anything).RunAndReturn(func(ctx context.Context, req *authority.Request) (*authority.Response, error) {
		assert.Equal(t, "currency.snapshot", req.Operation)
		return authority.Success(req, map[string]balance{"gold": {Amount: 70}})
	}).Times(fallback.DefaultSuccessThreshold)
	for i := 0; i < fallback.DefaultSuccessThreshold-1; i++ {
		require.NoError(t, f.coordinator.Refresh(context.Background()))
		assert.True(t, f.policy.UsingCachedData())
		assert.Equal(t, int64(8), amountOf(t, f.store, "gold"))
	}
	require.NoError(t, f.coordinator.Refresh(context.Background()))

	assert.False(t, f.policy.UsingCachedData())
	assert.Equal(t, int64(70), amountOf(t, f.store, "gold"))
	assert.False(t, f.coordinator.Stale())
	assert.Equal(t, []bool{true, false}, modes)
}

func TestCoordinator_RefreshWithoutCacheFails(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.authority.EXPECT().Do(mock.Anything, mock.Anything).RunAndReturn(unreachable).Once()

	err := f.coordinator.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsConnectivity(err))
	assert.ErrorIs(t, err, ErrNoRepository)
}

func TestCoordinator_EnsureFresh(t *testing.T) {
	t.Run("empty store refreshes synchronously", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		f.authority.EXPECT().Do(mock.Anything, mock.Anything).RunAndReturn(func(ctx context.Context, req *authority.Request) (*authority.Response, error) {
			return authority.Success(req, map[string]balance{"gold": {Amount: 5}})
		}).Once()

		require.NoError(t, f.coordinator.EnsureFresh(context.Background()))
		assert.Equal(t, int64(5), amountOf(t, f.store, "gold"))
	})

	t.Run("stale data refreshes in the background", func(t *testing.T) {
		f := newFixture(t, map[string]balance{"gold": {Amount: 1}}, nil)
		f.authority.EXPECT().Do(mock.Anything, mock.Anything).RunAndReturn(func(ctx context.Context, req *authority.Request) (*authority.Response, error) {
			return authority.Success(req, map[string]balance{"gold": {Amount: 9}})
		}).Once()

		require.NoError(t, f.coordinator.EnsureFresh(context.Background()))
		assert.Eventually(t, func() bool {
			v, _ := f.store.Get("gold")
			return v.Amount == 9 && !f.coordinator.Stale()
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("fresh data is served as is", func(t *testing.T) {
		f := newFixture(t, map[string]balance{"gold": {Amount: 1}}, func(opts *NewCoordinatorOptions[string, balance]) {
			opts.MaxAge = time.Hour
		})
		f.coordinator.markRefreshed()
		require.NoError(t, f.coordinator.EnsureFresh(context.Background()))
		refreshed, err := f.coordinator.RefreshIfStale(context.Background())
		require.NoError(t, err)
		assert.False(t, refreshed)
	})
}

func TestCoordinator_StaleAfterMaxAge(t *testing.T) {
	f := newFixture(t, nil, func(opts *NewCoordinatorOptions[string, balance]) {
		opts.MaxAge = time.Minute
	})
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	f.coordinator.now = func() time.Time { return now }
	f.coordinator.markRefreshed()
	assert.False(t, f.coordinator.Stale())

	now = now.Add(2 * time.Minute)
	assert.True(t, f.coordinator.Stale())
}

func TestCoordinator_RefreshKeepsInflightValues(t *testing.T) {
	f := newFixture(t, map[string]balance{"gold": {Amount: 50}}, nil)
	op, err := f.coordinator.Begin(context.Background(), spend("gold", 10))
	require.NoError(t, err)

	f.authority.EXPECT().Do(mock.Anything, mock.MatchedBy(func(req *authority.Request) bool {
		return req.Operation == "currency.snapshot"
	})).RunAndReturn(func(ctx context.Context, req *authority.Request) (*authority.Response, error) {
		return authority.Success(req, map[string]balance{"gold": {Amount: 50}, "gems": {Amount: 2}})
	}).Once()
	require.NoError(t, f.coordinator.Refresh(context.Background()))
	assert.Equal(t, int64(40), amountOf(t, f.store, "gold"))
	assert.Equal(t, int64(2), amountOf(t, f.store, "gems"))

	f.authority.EXPECT().Do(mock.Anything, mock.MatchedBy(func(req *authority.Request) bool {
		return req.Operation == "currency.spend"
	})).RunAndReturn(func(ctx context.Context, req *authority.Request) (*authority.Response, error) {
		return authority.Success(req, nil)
	}).Once()
	_, err = op.Commit(context.Background())
	require.NoError(t, err)
}

func TestCoordinator_RefreshKeepsDeferredValues(t *testing.T) {
	f, q := newDeferredFixture(t)
	refund := spend("gold", 10)
	refund.Compensate = func(store state.Store[string, balance], changes state.Changes[string, balance]) error {
		_, err := store.Mutate("gold", func(current balance, exists bool) (balance, error) {
			current.Amount += 10
			return current, nil
		})
		return err
	}

	serverGold := int64(50)
	f.authority.EXPECT().Do(mock.Anything, mock.MatchedBy(func(req *authority.Request) bool {
		return req.Operation == "currency.spend"
	})).RunAndReturn(unreachable).Times(6)
	f.authority.EXPECT().Do(mock.Anything, mock.MatchedBy(func(req *authority.Request) bool {
		return req.Operation == "currency.snapshot"
	})).RunAndReturn(func(ctx context.Context, req *authority.Request) (*authority.Response, error) {
		return authority.Success(req, map[string]balance{"gold": {Amount: serverGold}, "gems": {Amount: 2}})
	}).Twice()

	result, err := f.coordinator.Execute(context.Background(), refund)
	require.NoError(t, err)
	require.Equal(t, OutcomeDeferred, result.Outcome)
	ops, err := q.ReadAllMessages()
	require.NoError(t, err)
	require.Len(t, ops, 1)

	require.NoError(t, f.coordinator.Refresh(context.Background()))
	assert.Equal(t, int64(40), amountOf(t, f.store, "gold"))
	assert.Equal(t, int64(2), amountOf(t, f.store, "gems"))

	for i := 0; i < 3; i++ {
		require.NoError(t, f.coordinator.Replay(context.Background(), ops[0]))
	}
	assert.Equal(t, rollback.StatusAbandoned, ops[0].Status)
	assert.Equal(t, int64(50), amountOf(t, f.store, "gold"))
	assert.Zero(t, f.coordinator.PendingCount())

	// settled keys follow the authority again
	serverGold = 55
	require.NoError(t, f.coordinator.Refresh(context.Background()))
	assert.Equal(t, int64(55), amountOf(t, f.store, "gold"))
}

func TestNewCoordinator_Validates(t *testing.T) {
	store := state.NewMemoryStore(state.NewMemoryStoreOptions[string, balance]{})
	bus := events.NewBus(events.NewBusOptions{})
	auth := authority.Func(func(ctx context.Context, req *authority.Request) (*authority.Response, error) {
		return nil, fmt.Errorf("unused")
	})
	tests := []struct {
		name string
		opts NewCoordinatorOptions[string, balance]
	}{
		{name: "missing domain", opts: NewCoordinatorOptions[string, balance]{Store: store, Dependencies: Dependencies{Bus: bus, Authority: auth}}},
		{name: "missing store", opts: NewCoordinatorOptions[string, balance]{Domain: "currency", Dependencies: Dependencies{Bus: bus, Authority: auth}}},
		{name: "missing bus", opts: NewCoordinatorOptions[string, balance]{Domain: "currency", Store: store, Dependencies: Dependencies{Authority: auth}}},
		{name: "missing authority", opts: NewCoordinatorOptions[string, balance]{Domain: "currency", Store: store, Dependencies: Dependencies{Bus: bus}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCoordinator(tt.opts)
			assert.Error(t, err)
		})
	}
}
