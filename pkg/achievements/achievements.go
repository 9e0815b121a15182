// Package achievements tracks one-time milestones. Progress corrections are
// silent while an undone claim is always explained to the player.
package achievements

import (
	"context"
	"time"

	"github.com/cbodonnell/tally/pkg/errs"
	"github.com/cbodonnell/tally/pkg/events"
	"github.com/cbodonnell/tally/pkg/log"
	"github.com/cbodonnell/tally/pkg/notify"
	"github.com/cbodonnell/tally/pkg/optimistic"
	"github.com/cbodonnell/tally/pkg/rewards"
	"github.com/cbodonnell/tally/pkg/rollback"
	"github.com/cbodonnell/tally/pkg/state"
)

const (
	Domain = "achievements"

	OperationProgress = "achievements.progress"
	OperationClaim    = "achievements.claim"
)

type Achievement struct {
	ID          string           `json:"id"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Hidden      bool             `json:"hidden,omitempty"`
	Progress    rewards.Progress `json:"progress"`
	UnlockedAt  *time.Time       `json:"unlockedAt,omitempty"`
	Claimed     bool             `json:"claimed"`
	Reward      *rewards.Reward  `json:"reward,omitempty"`
}

func (a Achievement) Clone() Achievement {
	a.Reward = a.Reward.Clone()
	if a.UnlockedAt != nil {
		unlockedAt := *a.UnlockedAt
		a.UnlockedAt = &unlockedAt
	}
	return a
}

func (a Achievement) Validate() error {
	if err := a.Progress.Validate(); err != nil {
		return err
	}
	if a.Claimed && !a.Unlocked() {
		return errs.NewValidationError(a.ID, "claimed before unlock")
	}
	return a.Reward.Validate()
}

func (a Achievement) Unlocked() bool {
	return a.Progress.Complete()
}

type ProgressParams struct {
	AchievementID string `json:"achievementId"`
	Delta         int64  `json:"delta,omitempty"`
}

// Unlocked is published when progress completes an achievement locally.
type Unlocked struct {
	Achievement Achievement
}

type Service struct {
	coordinator   *optimistic.Coordinator[string, Achievement]
	claimRollback rollback.Strategy
	sinks         []rewards.Sink
	claims        *events.Subscription
	now           func() time.Time
}

type NewServiceOptions struct {
	optimistic.Dependencies
	// ClaimRollback handles rejected claims. Defaults to Notified.
	ClaimRollback rollback.Strategy
	RewardSinks   []rewards.Sink
}

func NewService(opts NewServiceOptions) (*Service, error) {
	store := state.NewMemoryStore(state.NewMemoryStoreOptions[string, Achievement]{
		ValidateKey: state.NonEmptyKey[string],
	})
	coordinator, err := optimistic.NewCoordinator(optimistic.NewCoordinatorOptions[string, Achievement]{
		Domain:       Domain,
		Store:        store,
		Dependencies: opts.Dependencies,
	})
	if err != nil {
		return nil, err
	}
	if opts.ClaimRollback == nil {
		severity := notify.SeverityError
		opts.ClaimRollback = rollback.NewNotified(rollback.NewNotifiedOptions{
			Notifier: notify.NewNotifier(opts.Bus),
			Severity: &severity,
		})
	}
	s := &Service{
		coordinator:   coordinator,
		claimRollback: opts.ClaimRollback,
		sinks:         opts.RewardSinks,
		now:           time.Now,
	}
	s.claims = events.Subscribe(opts.Bus, s.creditClaim)
	return s, nil
}

// Close stops crediting rewards of confirmed claims.
func (s *Service) Close() {
	s.claims.Dispose()
}

func (s *Service) Coordinator() *optimistic.Coordinator[string, Achievement] {
	return s.coordinator
}

func (s *Service) Achievement(id string) (Achievement, bool) {
	key, err := state.NormalizeKey(id)
	if err != nil {
		return Achievement{}, false
	}
	return s.coordinator.Store().Get(key)
}

func (s *Service) Achievements() map[string]Achievement {
	return s.coordinator.Store().Snapshot()
}

// AdvanceProgress adds delta toward an achievement and unlocks it when the
// target is reached.
func (s *Service) AdvanceProgress(ctx context.Context, id string, delta int64) (optimistic.Result[Achievement], error) {
	key, err := state.NormalizeKey(id)
	if err != nil {
		return optimistic.Result[Achievement]{}, err
	}
	op, err := s.coordinator.Begin(ctx, optimistic.Mutation[string, Achievement]{
		Operation: OperationProgress,
		Key:       key,
		Params:    ProgressParams{AchievementID: key, Delta: delta},
		Apply: func(tx *state.Tx[string, Achievement]) error {
			achievement, ok := tx.Get(key)
			if !ok {
				return errs.NewValidationError(key, "achievement not found")
			}
			if achievement.Unlocked() {
				return errs.NewValidationError(key, "achievement is already unlocked")
			}
			progress, err := achievement.Progress.Advance(delta)
			if err != nil {
				return err
			}
			achievement.Progress = progress
			if achievement.Unlocked() {
				now := s.now()
				achievement.UnlockedAt = &now
			}
			return tx.Set(key, achievement)
		},
	})
	if err != nil {
		return optimistic.Result[Achievement]{}, err
	}
	for _, change := range op.Changes() {
		if change.Current.Unlocked() {
			if err := events.Publish(s.coordinator.Bus(), Unlocked{Achievement: change.Current}); err != nil {
				log.Error("Failed to publish unlock of %s: %v", key, err)
			}
		}
	}
	return op.Commit(ctx)
}

// Claim collects the reward of an unlocked achievement. A rejected claim is
// undone with a notification. The reward is credited once the authority
// confirms.
func (s *Service) Claim(ctx context.Context, id string) (optimistic.Result[Achievement], error) {
	key, err := state.NormalizeKey(id)
	if err != nil {
		return optimistic.Result[Achievement]{}, err
	}
	return s.coordinator.Execute(ctx, optimistic.Mutation[string, Achievement]{
		Operation: OperationClaim,
		Key:       key,
		Params:    ProgressParams{AchievementID: key},
		Rollback:  s.claimRollback,
		Apply: func(tx *state.Tx[string, Achievement]) error {
			achievement, ok := tx.Get(key)
			if !ok {
				return errs.NewValidationError(key, "achievement not found")
			}
			if !achievement.Unlocked() {
				return errs.NewValidationError(key, "achievement is locked")
			}
			if achievement.Claimed {
				return errs.NewValidationError(key, "achievement was already claimed")
			}
			achievement.Claimed = true
			return tx.Set(key, achievement)
		},
	})
}

func (s *Service) creditClaim(e optimistic.ConfirmedUpdate[Achievement]) {
	if e.Domain != Domain || e.Operation != OperationClaim {
		return
	}
	for _, change := range e.Changes {
		if change.Removed || !change.Current.Claimed {
			continue
		}
		if err := rewards.Credit(change.Current.Reward, s.sinks...); err != nil {
			log.Warn("Failed to credit reward of achievement %s: %v", change.Key, err)
		}
	}
}

func (s *Service) Refresh(ctx context.Context) error {
	return s.coordinator.Refresh(ctx)
}

func (s *Service) EnsureFresh(ctx context.Context) error {
	return s.coordinator.EnsureFresh(ctx)
}
