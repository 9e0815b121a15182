// Package rewards holds the value objects shared by progress-based domains.
package rewards

import (
	"fmt"

	"github.com/cbodonnell/tally/pkg/errs"
	"github.com/cbodonnell/tally/pkg/state"
)

// Reward is granted when a task or achievement is claimed.
type Reward struct {
	// Currency maps currency keys to amounts.
	Currency map[string]int64 `json:"currency,omitempty"`
	// Items maps item ids to quantities.
	Items map[string]int64 `json:"items,omitempty"`
}

func (r *Reward) Clone() *Reward {
	if r == nil {
		return nil
	}
	clone := &Reward{}
	if r.Currency != nil {
		clone.Currency = make(map[string]int64, len(r.Currency))
		for k, v := range r.Currency {
			clone.Currency[k] = v
		}
	}
	if r.Items != nil {
		clone.Items = make(map[string]int64, len(r.Items))
		for k, v := range r.Items {
			clone.Items[k] = v
		}
	}
	return clone
}

func (r *Reward) Validate() error {
	if r == nil {
		return nil
	}
	for key, amount := range r.Currency {
		if _, err := state.NormalizeKey(key); err != nil {
			return err
		}
		if amount < 0 {
			return errs.NewValidationError(key, "reward amount %d is negative", amount)
		}
	}
	for id, quantity := range r.Items {
		if _, err := state.NormalizeKey(id); err != nil {
			return err
		}
		if quantity <= 0 {
			return errs.NewValidationError(id, "reward quantity %d must be positive", quantity)
		}
	}
	return nil
}

func (r *Reward) Empty() bool {
	return r == nil || (len(r.Currency) == 0 && len(r.Items) == 0)
}

// Sink receives rewards the authority has already granted so the local
// stores can show them without a refresh.
type Sink interface {
	Credit(reward *Reward) error
}

// Credit hands reward to every sink and returns the first error.
func Credit(reward *Reward, sinks ...Sink) error {
	if reward.Empty() {
		return nil
	}
	for _, sink := range sinks {
		if err := sink.Credit(reward); err != nil {
			return fmt.Errorf("failed to credit reward: %w", err)
		}
	}
	return nil
}

// Progress tracks advancement toward a target.
type Progress struct {
	Current int64 `json:"current"`
	Target  int64 `json:"target"`
}

func (p Progress) Validate() error {
	if p.Target <= 0 {
		return errs.NewValidationError("", "target %d must be positive", p.Target)
	}
	if p.Current < 0 {
		return errs.NewValidationError("", "progress %d is negative", p.Current)
	}
	if p.Current > p.Target {
		return errs.NewValidationError("", "progress %d exceeds target %d", p.Current, p.Target)
	}
	return nil
}

// Advance adds delta and caps the result at the target.
func (p Progress) Advance(delta int64) (Progress, error) {
	if delta <= 0 {
		return p, errs.NewValidationError("", "progress delta %d must be positive", delta)
	}
	p.Current += delta
	if p.Current > p.Target {
		p.Current = p.Target
	}
	return p, nil
}

func (p Progress) Complete() bool {
	return p.Target > 0 && p.Current >= p.Target
}
