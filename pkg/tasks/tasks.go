// Package tasks tracks repeatable objectives and their claimable rewards.
package tasks

import (
	"context"
	"time"

	"github.com/cbodonnell/tally/pkg/errs"
	"github.com/cbodonnell/tally/pkg/events"
	"github.com/cbodonnell/tally/pkg/log"
	"github.com/cbodonnell/tally/pkg/optimistic"
	"github.com/cbodonnell/tally/pkg/rewards"
	"github.com/cbodonnell/tally/pkg/state"
)

const (
	Domain = "tasks"

	OperationProgress = "tasks.progress"
	OperationClaim    = "tasks.claim"
)

type Task struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Progress  rewards.Progress `json:"progress"`
	Claimed   bool             `json:"claimed"`
	Reward    *rewards.Reward  `json:"reward,omitempty"`
	ExpiresAt *time.Time       `json:"expiresAt,omitempty"`
}

func (t Task) Clone() Task {
	t.Reward = t.Reward.Clone()
	if t.ExpiresAt != nil {
		expiresAt := *t.ExpiresAt
		t.ExpiresAt = &expiresAt
	}
	return t
}

func (t Task) Validate() error {
	if err := t.Progress.Validate(); err != nil {
		return err
	}
	if t.Claimed && !t.Progress.Complete() {
		return errs.NewValidationError(t.ID, "claimed before completion")
	}
	return t.Reward.Validate()
}

func (t Task) Completed() bool {
	return t.Progress.Complete()
}

func (t Task) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

type ProgressParams struct {
	TaskID string `json:"taskId"`
	Delta  int64  `json:"delta,omitempty"`
}

type Service struct {
	coordinator *optimistic.Coordinator[string, Task]
	sinks       []rewards.Sink
	claims      *events.Subscription
	now         func() time.Time
}

type NewServiceOptions struct {
	optimistic.Dependencies
	// RewardSinks receive the reward of every confirmed claim.
	RewardSinks []rewards.Sink
}

func NewService(opts NewServiceOptions) (*Service, error) {
	store := state.NewMemoryStore(state.NewMemoryStoreOptions[string, Task]{
		ValidateKey: state.NonEmptyKey[string],
	})
	coordinator, err := optimistic.NewCoordinator(optimistic.NewCoordinatorOptions[string, Task]{
		Domain:       Domain,
		Store:        store,
		Dependencies: opts.Dependencies,
	})
	if err != nil {
		return nil, err
	}
	s := &Service{coordinator: coordinator, sinks: opts.RewardSinks, now: time.Now}
	s.claims = events.Subscribe(opts.Bus, s.creditClaim)
	return s, nil
}

// Close stops crediting rewards of confirmed claims.
func (s *Service) Close() {
	s.claims.Dispose()
}

func (s *Service) Coordinator() *optimistic.Coordinator[string, Task] {
	return s.coordinator
}

func (s *Service) Task(id string) (Task, bool) {
	key, err := state.NormalizeKey(id)
	if err != nil {
		return Task{}, false
	}
	return s.coordinator.Store().Get(key)
}

func (s *Service) Tasks() map[string]Task {
	return s.coordinator.Store().Snapshot()
}

// AdvanceProgress adds delta to a task's progress, capped at its target.
func (s *Service) AdvanceProgress(ctx context.Context, id string, delta int64) (optimistic.Result[Task], error) {
	key, err := state.NormalizeKey(id)
	if err != nil {
		return optimistic.Result[Task]{}, err
	}
	return s.coordinator.Execute(ctx, optimistic.Mutation[string, Task]{
		Operation: OperationProgress,
		Key:       key,
		Params:    ProgressParams{TaskID: key, Delta: delta},
		Apply: func(tx *state.Tx[string, Task]) error {
			task, err := s.open(tx, key)
			if err != nil {
				return err
			}
			if task.Completed() {
				return errs.NewValidationError(key, "task is already complete")
			}
			progress, err := task.Progress.Advance(delta)
			if err != nil {
				return err
			}
			task.Progress = progress
			return tx.Set(key, task)
		},
	})
}

// ClaimReward marks a completed task as claimed. The reward is credited to
// the reward sinks once the authority confirms the claim, which for a
// deferred claim happens when it is replayed.
func (s *Service) ClaimReward(ctx context.Context, id string) (optimistic.Result[Task], error) {
	key, err := state.NormalizeKey(id)
	if err != nil {
		return optimistic.Result[Task]{}, err
	}
	return s.coordinator.Execute(ctx, optimistic.Mutation[string, Task]{
		Operation: OperationClaim,
		Key:       key,
		Params:    ProgressParams{TaskID: key},
		Apply: func(tx *state.Tx[string, Task]) error {
			task, err := s.open(tx, key)
			if err != nil {
				return err
			}
			if !task.Completed() {
				return errs.NewValidationError(key, "task is not complete")
			}
			task.Claimed = true
			return tx.Set(key, task)
		},
	})
}

func (s *Service) creditClaim(e optimistic.ConfirmedUpdate[Task]) {
	if e.Domain != Domain || e.Operation != OperationClaim {
		return
	}
	for _, change := range e.Changes {
		if change.Removed || !change.Current.Claimed {
			continue
		}
		if err := rewards.Credit(change.Current.Reward, s.sinks...); err != nil {
			// the claim stands, the next refresh of the sinks shows the reward
			log.Warn("Failed to credit reward of task %s: %v", change.Key, err)
		}
	}
}

// open returns a task that can still change.
func (s *Service) open(tx *state.Tx[string, Task], key string) (Task, error) {
	task, ok := tx.Get(key)
	if !ok {
		return Task{}, errs.NewValidationError(key, "task not found")
	}
	if task.Claimed {
		return Task{}, errs.NewValidationError(key, "task was already claimed")
	}
	if task.Expired(s.now()) {
		return Task{}, errs.NewValidationError(key, "task expired")
	}
	return task, nil
}

func (s *Service) Refresh(ctx context.Context) error {
	return s.coordinator.Refresh(ctx)
}

func (s *Service) EnsureFresh(ctx context.Context) error {
	return s.coordinator.EnsureFresh(ctx)
}
