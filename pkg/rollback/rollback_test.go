package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	mocks "github.com/cbodonnell/tally/mocks/github.com/cbodonnell/tally/pkg/queue"
	"github.com/cbodonnell/tally/pkg/errs"
	"github.com/cbodonnell/tally/pkg/events"
	"github.com/cbodonnell/tally/pkg/notify"
	"github.com/cbodonnell/tally/pkg/queue"
	"github.com/cbodonnell/tally/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type coins struct {
	Amount int64
	Slot   string
}

func (c coins) Clone() coins { return c }

func (c coins) Validate() error {
	if c.Amount < 0 {
		return fmt.Errorf("negative")
	}
	return nil
}

func newStore(t *testing.T, initial map[string]coins) *state.MemoryStore[string, coins] {
	store := state.NewMemoryStore(state.NewMemoryStoreOptions[string, coins]{
		Indexes: map[string]state.IndexFunc[string, coins]{
			"slot": func(_ string, v coins) (string, bool) { return v.Slot, v.Slot != "" },
		},
	})
	require.NoError(t, store.ReplaceAll(initial))
	return store
}

func spend(t *testing.T, store *state.MemoryStore[string, coins], amount int64) state.Changes[string, coins] {
	changes, err := store.Transact(func(tx *state.Tx[string, coins]) error {
		_, err := tx.Mutate("gold", func(v coins, _ bool) (coins, error) {
			v.Amount -= amount
			return v, nil
		})
		return err
	})
	require.NoError(t, err)
	return changes
}

func TestRevert(t *testing.T) {
	t.Run("restores previous values", func(t *testing.T) {
		store := newStore(t, map[string]coins{"gold": {Amount: 50}})
		changes := spend(t, store, 10)

		require.NoError(t, Revert[string, coins](store, changes))
		got, _ := store.Get("gold")
		assert.Equal(t, int64(50), got.Amount)
	})

	t.Run("deletes created keys", func(t *testing.T) {
		store := newStore(t, nil)
		changes, err := store.Transact(func(tx *state.Tx[string, coins]) error {
			return tx.Set("gems", coins{Amount: 3})
		})
		require.NoError(t, err)

		require.NoError(t, Revert[string, coins](store, changes))
		_, ok := store.Get("gems")
		assert.False(t, ok)
	})

	t.Run("restores removed keys and swapped slots", func(t *testing.T) {
		store := newStore(t, map[string]coins{
			"sword": {Amount: 1, Slot: "weapon"},
			"axe":   {Amount: 1},
		})
		changes, err := store.Transact(func(tx *state.Tx[string, coins]) error {
			if err := tx.Set("sword", coins{Amount: 1}); err != nil {
				return err
			}
			return tx.Set("axe", coins{Amount: 1, Slot: "weapon"})
		})
		require.NoError(t, err)

		require.NoError(t, Revert[string, coins](store, changes))
		key, _, ok := store.Lookup("slot", "weapon")
		require.True(t, ok)
		assert.Equal(t, "sword", key)
	})
}

func TestSilent_Rollback(t *testing.T) {
	store := newStore(t, map[string]coins{"gold": {Amount: 50}})
	changes := spend(t, store, 10)

	outcome, err := NewSilent().Rollback(context.Background(), Request{
		Operation: "currency.spend",
		Key:       "gold",
		Reason:    "denied",
		Revert:    func() error { return Revert[string, coins](store, changes) },
	})
	require.NoError(t, err)
	assert.True(t, outcome.Reverted)
	assert.Equal(t, KindSilent, outcome.Kind)
	assert.Nil(t, outcome.Notification)

	got, _ := store.Get("gold")
	assert.Equal(t, int64(50), got.Amount)

	_, err = NewSilent().Rollback(context.Background(), Request{Operation: "currency.spend"})
	assert.Error(t, err)
}

func TestNotified_Rollback(t *testing.T) {
	store := newStore(t, map[string]coins{"gold": {Amount: 50}})
	changes := spend(t, store, 10)

	bus := events.NewBus(events.NewBusOptions{})
	var received []notify.Notification
	events.Subscribe(bus, func(n notify.Notification) { received = append(received, n) })

	strategy := NewNotified(NewNotifiedOptions{Notifier: notify.NewNotifier(bus)})
	outcome, err := strategy.Rollback(context.Background(), Request{
		Operation: "achievements.claim",
		Key:       "gold",
		Cause:     &errs.AuthorityRejectedError{Operation: "achievements.claim", Code: "not_unlocked", Message: "achievement is not unlocked"},
		Revert:    func() error { return Revert[string, coins](store, changes) },
	})
	require.NoError(t, err)
	assert.True(t, outcome.Reverted)
	require.NotNil(t, outcome.Notification)
	require.Len(t, received, 1)
	assert.Equal(t, notify.SeverityWarning, received[0].Severity)
	assert.Contains(t, received[0].Message, "achievement is not unlocked")

	got, _ := store.Get("gold")
	assert.Equal(t, int64(50), got.Amount)
}

func TestDeferred_Rollback(t *testing.T) {
	t.Run("enqueues without reverting", func(t *testing.T) {
		store := newStore(t, map[string]coins{"gold": {Amount: 50}})
		changes := spend(t, store, 10)
		pending := queue.NewInMemoryQueue[*PendingOperation](4)

		strategy := NewDeferred(NewDeferredOptions{Queue: pending})
		outcome, err := strategy.Rollback(context.Background(), Request{
			Domain:    "currency",
			Operation: "currency.spend",
			Key:       "gold",
			Params:    json.RawMessage(`{"amount":10}`),
			Cause:     errors.New("offline"),
			Revert:    func() error { return Revert[string, coins](store, changes) },
		})
		require.NoError(t, err)
		assert.False(t, outcome.Reverted)
		require.NotNil(t, outcome.Pending)
		assert.Equal(t, StatusPending, outcome.Pending.Status)
		assert.Equal(t, DefaultMaxRetries, outcome.Pending.MaxRetries)
		assert.Equal(t, "offline", outcome.Pending.LastError)
		assert.Equal(t, 1, pending.Size())

		got, _ := store.Get("gold")
		assert.Equal(t, int64(40), got.Amount)
	})

	t.Run("reverts when queue is full", func(t *testing.T) {
		store := newStore(t, map[string]coins{"gold": {Amount: 50}})
		changes := spend(t, store, 10)

		mockQueue := mocks.NewQueue[*PendingOperation](t)
		mockQueue.EXPECT().Enqueue(mock.Anything).Return(errs.ErrQueueFull).Once()

		strategy := NewDeferred(NewDeferredOptions{Queue: mockQueue, MaxRetries: 5})
		outcome, err := strategy.Rollback(context.Background(), Request{
			Operation: "currency.spend",
			Key:       "gold",
			Revert:    func() error { return Revert[string, coins](store, changes) },
		})
		require.NoError(t, err)
		assert.True(t, outcome.Reverted)
		assert.Nil(t, outcome.Pending)

		got, _ := store.Get("gold")
		assert.Equal(t, int64(50), got.Amount)
	})
}
