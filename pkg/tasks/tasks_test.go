package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	mocks "github.com/cbodonnell/tally/mocks/github.com/cbodonnell/tally/pkg/authority"
	"github.com/cbodonnell/tally/pkg/authority"
	"github.com/cbodonnell/tally/pkg/errs"
	"github.com/cbodonnell/tally/pkg/events"
	"github.com/cbodonnell/tally/pkg/optimistic"
	"github.com/cbodonnell/tally/pkg/queue"
	"github.com/cbodonnell/tally/pkg/rewards"
	"github.com/cbodonnell/tally/pkg/rollback"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	credited []*rewards.Reward
	err      error
}

func (r *recordingSink) Credit(reward *rewards.Reward) error {
	if r.err != nil {
		return r.err
	}
	r.credited = append(r.credited, reward)
	return nil
}

func newTestService(t *testing.T, sink rewards.Sink, tasks ...Task) (*Service, *mocks.Authority) {
	auth := mocks.NewAuthority(t)
	opts := NewServiceOptions{
		Dependencies: optimistic.Dependencies{
			Bus:          events.NewBus(events.NewBusOptions{}),
			Authority:    auth,
			MaxAttempts:  1,
			InitialDelay: time.Millisecond,
		},
	}
	if sink != nil {
		opts.RewardSinks = []rewards.Sink{sink}
	}
	svc, err := NewService(opts)
	require.NoError(t, err)
	for _, task := range tasks {
		require.NoError(t, svc.Coordinator().Store().Set(task.ID, task))
	}
	return svc, auth
}

func answer(auth *mocks.Authority, success bool) {
	auth.EXPECT().Do(mock.Anything, mock.Anything).RunAndReturn(func(ctx context.Context, req *authority.Request) (*authority.Response, error) {
		if !success {
			return authority.Reject(req, "denied", "not yet"), nil
		}
		return authority.Success(req, nil)
	}).Once()
}

func TestService_AdvanceProgress(t *testing.T) {
	tests := []struct {
		name     string
		task     Task
		delta    int64
		answer   *bool
		want     int64
		complete bool
		check    func(error) bool
	}{
		{name: "partial", task: Task{ID: "kills", Progress: rewards.Progress{Current: 1, Target: 10}}, delta: 4, answer: ptr(true), want: 5},
		{name: "completes", task: Task{ID: "kills", Progress: rewards.Progress{Current: 8, Target: 10}}, delta: 5, answer: ptr(true), want: 10, complete: true},
		{name: "rejected", task: Task{ID: "kills", Progress: rewards.Progress{Current: 1, Target: 10}}, delta: 4, answer: ptr(false), want: 1},
		{name: "already complete", task: Task{ID: "kills", Progress: rewards.Progress{Current: 10, Target: 10}}, delta: 1, want: 10, complete: true, check: errs.IsValidation},
		{name: "bad delta", task: Task{ID: "kills", Progress: rewards.Progress{Current: 1, Target: 10}}, delta: 0, want: 1, check: errs.IsValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, auth := newTestService(t, nil, tt.task)
			if tt.answer != nil {
				answer(auth, *tt.answer)
			}
			_, err := svc.AdvanceProgress(context.Background(), "KILLS", tt.delta)
			if tt.check != nil {
				assert.True(t, tt.check(err))
			} else {
				require.NoError(t, err)
			}
			task, ok := svc.Task("kills")
			require.True(t, ok)
			assert.Equal(t, tt.want, task.Progress.Current)
			assert.Equal(t, tt.complete, task.Completed())
		})
	}
}

func TestService_AdvanceProgressExpired(t *testing.T) {
	expired := time.Now().Add(-time.Hour)
	svc, _ := newTestService(t, nil, Task{ID: "daily", Progress: rewards.Progress{Target: 3}, ExpiresAt: &expired})

	_, err := svc.AdvanceProgress(context.Background(), "daily", 1)
	assert.True(t, errs.IsValidation(err))
}

func TestService_ClaimReward(t *testing.T) {
	reward := &rewards.Reward{Currency: map[string]int64{"gold": 25}}
	completed := Task{ID: "kills", Progress: rewards.Progress{Current: 10, Target: 10}, Reward: reward}

	t.Run("confirmed claim credits the reward", func(t *testing.T) {
		sink := &recordingSink{}
		svc, auth := newTestService(t, sink, completed)
		answer(auth, true)

		result, err := svc.ClaimReward(context.Background(), "kills")
		require.NoError(t, err)
		assert.True(t, result.Confirmed())
		task, _ := svc.Task("kills")
		assert.True(t, task.Claimed)
		require.Len(t, sink.credited, 1)
		assert.Equal(t, reward, sink.credited[0])
	})

	t.Run("rejected claim is undone without reward", func(t *testing.T) {
		sink := &recordingSink{}
		svc, auth := newTestService(t, sink, completed)
		answer(auth, false)

		result, err := svc.ClaimReward(context.Background(), "kills")
		require.NoError(t, err)
		assert.Equal(t, optimistic.OutcomeRolledBack, result.Outcome)
		task, _ := svc.Task("kills")
		assert.False(t, task.Claimed)
		assert.Empty(t, sink.credited)
	})

	t.Run("sink failure keeps the claim", func(t *testing.T) {
		sink := &recordingSink{err: errors.New("closed")}
		svc, auth := newTestService(t, sink, completed)
		answer(auth, true)

		result, err := svc.ClaimReward(context.Background(), "kills")
		require.NoError(t, err)
		assert.True(t, result.Confirmed())
	})

	t.Run("incomplete task", func(t *testing.T) {
		svc, _ := newTestService(t, nil, Task{ID: "kills", Progress: rewards.Progress{Current: 1, Target: 10}})
		_, err := svc.ClaimReward(context.Background(), "kills")
		assert.True(t, errs.IsValidation(err))
	})

	t.Run("claimed twice", func(t *testing.T) {
		claimed := completed.Clone()
		claimed.Claimed = true
		svc, _ := newTestService(t, nil, claimed)
		_, err := svc.ClaimReward(context.Background(), "kills")
		assert.True(t, errs.IsValidation(err))
	})

	t.Run("unknown task", func(t *testing.T) {
		svc, _ := newTestService(t, nil)
		_, err := svc.ClaimReward(context.Background(), "kills")
		assert.True(t, errs.IsValidation(err))
	})
}

func TestService_DeferredClaimCreditsOnReplay(t *testing.T) {
	reward := &rewards.Reward{Currency: map[string]int64{"gold": 25}}
	sink := &recordingSink{}
	pending := queue.NewInMemoryQueue[*rollback.PendingOperation](4)
	auth := mocks.NewAuthority(t)
	svc, err := NewService(NewServiceOptions{
		Dependencies: optimistic.Dependencies{
			Bus:          events.NewBus(events.NewBusOptions{}),
			Authority:    auth,
			Rollback:     rollback.NewDeferred(rollback.NewDeferredOptions{Queue: pending, MaxRetries: 3}),
			MaxAttempts:  1,
			InitialDelay: time.Millisecond,
		},
		RewardSinks: []rewards.Sink{sink},
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	require.NoError(t, svc.Coordinator().Store().Set("kills", Task{ID: "kills", Progress: rewards.Progress{Current: 10, Target: 10}, Reward: reward}))

	auth.EXPECT().Do(mock.Anything, mock.Anything).Return(nil, errors.New("offline")).Once()
	result, err := svc.ClaimReward(context.Background(), "kills")
	require.NoError(t, err)
	assert.Equal(t, optimistic.OutcomeDeferred, result.Outcome)
	assert.Empty(t, sink.credited)

	ops, err := pending.ReadAllMessages()
	require.NoError(t, err)
	require.Len(t, ops, 1)

	answer(auth, true)
	require.NoError(t, svc.Coordinator().Replay(context.Background(), ops[0]))
	assert.Equal(t, rollback.StatusResolved, ops[0].Status)
	require.Len(t, sink.credited, 1)
	assert.Equal(t, reward, sink.credited[0])
}

func TestService_CloseStopsCrediting(t *testing.T) {
	sink := &recordingSink{}
	svc, auth := newTestService(t, sink, Task{ID: "kills", Progress: rewards.Progress{Current: 10, Target: 10}, Reward: &rewards.Reward{Currency: map[string]int64{"gold": 1}}})
	answer(auth, true)
	svc.Close()

	_, err := svc.ClaimReward(context.Background(), "kills")
	require.NoError(t, err)
	assert.Empty(t, sink.credited)
}

func TestTask_Validate(t *testing.T) {
	assert.NoError(t, Task{ID: "a", Progress: rewards.Progress{Target: 1}}.Validate())
	assert.Error(t, Task{ID: "a", Progress: rewards.Progress{Target: 1}, Claimed: true}.Validate())
	assert.Error(t, Task{ID: "a", Progress: rewards.Progress{Target: 0}}.Validate())
	assert.Error(t, Task{ID: "a", Progress: rewards.Progress{Target: 1}, Reward: &rewards.Reward{Currency: map[string]int64{"gold": -1}}}.Validate())
}

func TestTask_CloneDoesNotAlias(t *testing.T) {
	expires := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	task := Task{ID: "a", Reward: &rewards.Reward{Currency: map[string]int64{"gold": 1}}, ExpiresAt: &expires}
	clone := task.Clone()
	clone.Reward.Currency["gold"] = 9
	*clone.ExpiresAt = expires.Add(time.Hour)
	assert.Equal(t, int64(1), task.Reward.Currency["gold"])
	assert.Equal(t, expires, *task.ExpiresAt)
}

func ptr[T any](v T) *T {
	return &v
}
