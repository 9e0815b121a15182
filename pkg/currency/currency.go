// Package currency keeps the player's balances. Spends and grants are
// applied locally first and confirmed by the authority.
package currency

import (
	"context"
	"time"

	"github.com/cbodonnell/tally/pkg/errs"
	"github.com/cbodonnell/tally/pkg/log"
	"github.com/cbodonnell/tally/pkg/optimistic"
	"github.com/cbodonnell/tally/pkg/rewards"
	"github.com/cbodonnell/tally/pkg/state"
)

const (
	Domain = "currency"

	OperationSpend  = "currency.spend"
	OperationGrant  = "currency.grant"
	OperationCredit = "currency.credit"

	// FeatureSpending gates every spend.
	FeatureSpending = "currency.spending"
)

type Balance struct {
	Currency  string    `json:"currency"`
	Amount    int64     `json:"amount"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (b Balance) Clone() Balance {
	return b
}

func (b Balance) Validate() error {
	if b.Amount < 0 {
		return errs.NewValidationError(b.Currency, "balance %d is negative", b.Amount)
	}
	return nil
}

// AmountParams are sent with spend and grant requests.
type AmountParams struct {
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
}

type Service struct {
	coordinator *optimistic.Coordinator[string, Balance]
	now         func() time.Time
}

var _ rewards.Sink = (*Service)(nil)

type NewServiceOptions struct {
	optimistic.Dependencies
	// Store defaults to an empty in-memory store.
	Store state.Store[string, Balance]
}

func NewService(opts NewServiceOptions) (*Service, error) {
	if opts.Store == nil {
		opts.Store = state.NewMemoryStore(state.NewMemoryStoreOptions[string, Balance]{
			ValidateKey: state.NonEmptyKey[string],
		})
	}
	coordinator, err := optimistic.NewCoordinator(optimistic.NewCoordinatorOptions[string, Balance]{
		Domain:       Domain,
		Store:        opts.Store,
		Dependencies: opts.Dependencies,
	})
	if err != nil {
		return nil, err
	}
	return &Service{coordinator: coordinator, now: time.Now}, nil
}

func (s *Service) Coordinator() *optimistic.Coordinator[string, Balance] {
	return s.coordinator
}

// Balance returns the local balance of currency.
func (s *Service) Balance(currency string) (Balance, bool) {
	key, err := state.NormalizeKey(currency)
	if err != nil {
		return Balance{}, false
	}
	return s.coordinator.Store().Get(key)
}

func (s *Service) Balances() map[string]Balance {
	return s.coordinator.Store().Snapshot()
}

// Spend deducts amount and waits for the authority.
func (s *Service) Spend(ctx context.Context, currency string, amount int64) (optimistic.Result[Balance], error) {
	m, err := s.spend(currency, amount)
	if err != nil {
		return optimistic.Result[Balance]{}, err
	}
	return s.coordinator.Execute(ctx, m)
}

// SpendAsync deducts amount and returns as soon as the new balance is
// visible locally.
func (s *Service) SpendAsync(ctx context.Context, currency string, amount int64) (<-chan optimistic.AsyncResult[Balance], error) {
	m, err := s.spend(currency, amount)
	if err != nil {
		return nil, err
	}
	return s.coordinator.ExecuteAsync(ctx, m)
}

func (s *Service) spend(currency string, amount int64) (optimistic.Mutation[string, Balance], error) {
	key, err := state.NormalizeKey(currency)
	if err != nil {
		return optimistic.Mutation[string, Balance]{}, err
	}
	if amount < 0 {
		return optimistic.Mutation[string, Balance]{}, errs.NewValidationError(key, "amount %d is negative", amount)
	}
	return optimistic.Mutation[string, Balance]{
		Operation: OperationSpend,
		Key:       key,
		Params:    AmountParams{Currency: key, Amount: amount},
		Feature:   FeatureSpending,
		Apply: func(tx *state.Tx[string, Balance]) error {
			_, err := tx.Mutate(key, func(current Balance, exists bool) (Balance, error) {
				if current.Amount < amount {
					return current, &errs.InsufficientResourceError{Resource: key, Available: current.Amount, Required: amount}
				}
				current.Currency = key
				current.Amount -= amount
				current.UpdatedAt = s.now()
				return current, nil
			})
			return err
		},
		Compensate: func(store state.Store[string, Balance], _ state.Changes[string, Balance]) error {
			_, err := store.Mutate(key, s.adjust(key, amount))
			return err
		},
	}, nil
}

// Grant adds amount and waits for the authority.
func (s *Service) Grant(ctx context.Context, currency string, amount int64) (optimistic.Result[Balance], error) {
	key, err := state.NormalizeKey(currency)
	if err != nil {
		return optimistic.Result[Balance]{}, err
	}
	if amount <= 0 {
		return optimistic.Result[Balance]{}, errs.NewValidationError(key, "amount %d must be positive", amount)
	}
	return s.coordinator.Execute(ctx, optimistic.Mutation[string, Balance]{
		Operation: OperationGrant,
		Key:       key,
		Params:    AmountParams{Currency: key, Amount: amount},
		Apply: func(tx *state.Tx[string, Balance]) error {
			_, err := tx.Mutate(key, s.adjust(key, amount))
			return err
		},
		Compensate: func(store state.Store[string, Balance], _ state.Changes[string, Balance]) error {
			_, err := store.Mutate(key, func(current Balance, exists bool) (Balance, error) {
				current.Currency = key
				current.Amount -= amount
				if current.Amount < 0 {
					// already spent, the next refresh settles the difference
					log.Warn("Clamping %s to zero while undoing a grant of %d", key, amount)
					current.Amount = 0
				}
				current.UpdatedAt = s.now()
				return current, nil
			})
			return err
		},
	})
}

// Credit applies a reward's currency that the authority already granted.
func (s *Service) Credit(reward *rewards.Reward) error {
	if reward == nil || len(reward.Currency) == 0 {
		return nil
	}
	_, err := s.coordinator.ApplyConfirmed(OperationCredit, func(tx *state.Tx[string, Balance]) error {
		for currency, amount := range reward.Currency {
			key, err := state.NormalizeKey(currency)
			if err != nil {
				return err
			}
			if _, err := tx.Mutate(key, s.adjust(key, amount)); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

func (s *Service) adjust(key string, delta int64) state.MutateFunc[Balance] {
	return func(current Balance, exists bool) (Balance, error) {
		current.Currency = key
		current.Amount += delta
		current.UpdatedAt = s.now()
		return current, nil
	}
}

func (s *Service) Refresh(ctx context.Context) error {
	return s.coordinator.Refresh(ctx)
}

// EnsureFresh loads balances when none are known and refreshes stale ones
// in the background.
func (s *Service) EnsureFresh(ctx context.Context) error {
	return s.coordinator.EnsureFresh(ctx)
}
