package api

import (
	"encoding/json"

	"github.com/cbodonnell/tally/pkg/achievements"
	"github.com/cbodonnell/tally/pkg/currency"
	"github.com/cbodonnell/tally/pkg/errs"
	"github.com/cbodonnell/tally/pkg/inventory"
	"github.com/cbodonnell/tally/pkg/rewards"
	"github.com/cbodonnell/tally/pkg/state"
	"github.com/cbodonnell/tally/pkg/tasks"
)

func (l *Ledger) handleSpend(params json.RawMessage) (any, error) {
	p, err := decode[currency.AmountParams](params)
	if err != nil {
		return nil, err
	}
	key, err := state.NormalizeKey(p.Currency)
	if err != nil {
		return nil, err
	}
	if p.Amount < 0 {
		return nil, errs.NewValidationError(key, "amount %d is negative", p.Amount)
	}
	changes, err := l.balances.Transact(func(tx *state.Tx[string, currency.Balance]) error {
		_, err := tx.Mutate(key, func(current currency.Balance, exists bool) (currency.Balance, error) {
			if current.Amount < p.Amount {
				return current, &errs.InsufficientResourceError{Resource: key, Available: current.Amount, Required: p.Amount}
			}
			current.Currency = key
			current.Amount -= p.Amount
			current.UpdatedAt = l.now()
			return current, nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return canonical(changes), nil
}

func (l *Ledger) handleGrant(params json.RawMessage) (any, error) {
	p, err := decode[currency.AmountParams](params)
	if err != nil {
		return nil, err
	}
	key, err := state.NormalizeKey(p.Currency)
	if err != nil {
		return nil, err
	}
	if p.Amount <= 0 {
		return nil, errs.NewValidationError(key, "amount %d must be positive", p.Amount)
	}
	changes, err := l.balances.Transact(func(tx *state.Tx[string, currency.Balance]) error {
		return l.creditCurrency(tx, key, p.Amount)
	})
	if err != nil {
		return nil, err
	}
	return canonical(changes), nil
}

func (l *Ledger) creditCurrency(tx *state.Tx[string, currency.Balance], key string, amount int64) error {
	_, err := tx.Mutate(key, func(current currency.Balance, exists bool) (currency.Balance, error) {
		current.Currency = key
		current.Amount += amount
		current.UpdatedAt = l.now()
		return current, nil
	})
	return err
}

func (l *Ledger) handleAddItem(params json.RawMessage) (any, error) {
	p, key, err := itemParams(params)
	if err != nil {
		return nil, err
	}
	if p.Quantity <= 0 {
		return nil, errs.NewValidationError(key, "quantity %d must be positive", p.Quantity)
	}
	changes, err := l.items.Transact(func(tx *state.Tx[string, inventory.Item]) error {
		return addItem(tx, key, p.Name, p.Quantity)
	})
	if err != nil {
		return nil, err
	}
	return canonical(changes), nil
}

func (l *Ledger) handleConsumeItem(params json.RawMessage) (any, error) {
	p, key, err := itemParams(params)
	if err != nil {
		return nil, err
	}
	if p.Quantity <= 0 {
		return nil, errs.NewValidationError(key, "quantity %d must be positive", p.Quantity)
	}
	changes, err := l.items.Transact(func(tx *state.Tx[string, inventory.Item]) error {
		item, ok := tx.Get(key)
		if !ok || item.Quantity < p.Quantity {
			return &errs.InsufficientResourceError{Resource: key, Available: item.Quantity, Required: p.Quantity}
		}
		item.Quantity -= p.Quantity
		if item.Quantity == 0 {
			tx.Delete(key)
			return nil
		}
		return tx.Set(key, item)
	})
	if err != nil {
		return nil, err
	}
	return canonical(changes), nil
}

func (l *Ledger) handleRemoveItem(params json.RawMessage) (any, error) {
	_, key, err := itemParams(params)
	if err != nil {
		return nil, err
	}
	changes, err := l.items.Transact(func(tx *state.Tx[string, inventory.Item]) error {
		if !tx.Delete(key) {
			return errs.NewValidationError(key, "item not found")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return canonical(changes), nil
}

func (l *Ledger) handleEquip(params json.RawMessage) (any, error) {
	p, key, err := itemParams(params)
	if err != nil {
		return nil, err
	}
	slot, err := state.NormalizeKey(p.Slot)
	if err != nil {
		return nil, err
	}
	changes, err := l.items.Transact(func(tx *state.Tx[string, inventory.Item]) error {
		item, ok := tx.Get(key)
		if !ok {
			return errs.NewValidationError(key, "item not found")
		}
		if item.Slot == slot {
			return nil
		}
		if occupantKey, occupant, ok := tx.Lookup(inventory.SlotIndex, slot); ok {
			occupant.Slot = item.Slot
			if err := tx.Set(occupantKey, occupant); err != nil {
				return err
			}
		}
		item.Slot = slot
		return tx.Set(key, item)
	})
	if err != nil {
		return nil, err
	}
	return canonical(changes), nil
}

func (l *Ledger) handleUnequip(params json.RawMessage) (any, error) {
	p, err := decode[inventory.ItemParams](params)
	if err != nil {
		return nil, err
	}
	slot, err := state.NormalizeKey(p.Slot)
	if err != nil {
		return nil, err
	}
	changes, err := l.items.Transact(func(tx *state.Tx[string, inventory.Item]) error {
		key, item, ok := tx.Lookup(inventory.SlotIndex, slot)
		if !ok {
			return errs.NewValidationError(slot, "slot is empty")
		}
		item.Slot = ""
		return tx.Set(key, item)
	})
	if err != nil {
		return nil, err
	}
	return canonical(changes), nil
}

func (l *Ledger) handleTaskProgress(params json.RawMessage) (any, error) {
	p, err := decode[tasks.ProgressParams](params)
	if err != nil {
		return nil, err
	}
	key, err := state.NormalizeKey(p.TaskID)
	if err != nil {
		return nil, err
	}
	changes, err := l.tasks.Transact(func(tx *state.Tx[string, tasks.Task]) error {
		task, err := l.openTask(tx, key)
		if err != nil {
			return err
		}
		if task.Completed() {
			return errs.NewValidationError(key, "task is already complete")
		}
		progress, err := task.Progress.Advance(p.Delta)
		if err != nil {
			return err
		}
		task.Progress = progress
		return tx.Set(key, task)
	})
	if err != nil {
		return nil, err
	}
	return canonical(changes), nil
}

func (l *Ledger) handleTaskClaim(params json.RawMessage) (any, error) {
	p, err := decode[tasks.ProgressParams](params)
	if err != nil {
		return nil, err
	}
	key, err := state.NormalizeKey(p.TaskID)
	if err != nil {
		return nil, err
	}
	var reward *rewards.Reward
	changes, err := l.tasks.Transact(func(tx *state.Tx[string, tasks.Task]) error {
		task, err := l.openTask(tx, key)
		if err != nil {
			return err
		}
		if !task.Completed() {
			return errs.NewValidationError(key, "task is not complete")
		}
		task.Claimed = true
		reward = task.Reward
		return tx.Set(key, task)
	})
	if err != nil {
		return nil, err
	}
	if err := l.grant(reward); err != nil {
		return nil, err
	}
	return canonical(changes), nil
}

func (l *Ledger) openTask(tx *state.Tx[string, tasks.Task], key string) (tasks.Task, error) {
	task, ok := tx.Get(key)
	if !ok {
		return tasks.Task{}, errs.NewValidationError(key, "task not found")
	}
	if task.Claimed {
		return tasks.Task{}, errs.NewValidationError(key, "task was already claimed")
	}
	if task.Expired(l.now()) {
		return tasks.Task{}, errs.NewValidationError(key, "task expired")
	}
	return task, nil
}

func (l *Ledger) handleAchievementProgress(params json.RawMessage) (any, error) {
	p, err := decode[achievements.ProgressParams](params)
	if err != nil {
		return nil, err
	}
	key, err := state.NormalizeKey(p.AchievementID)
	if err != nil {
		return nil, err
	}
	changes, err := l.achievements.Transact(func(tx *state.Tx[string, achievements.Achievement]) error {
		achievement, ok := tx.Get(key)
		if !ok {
			return errs.NewValidationError(key, "achievement not found")
		}
		if achievement.Unlocked() {
			return errs.NewValidationError(key, "achievement is already unlocked")
		}
		progress, err := achievement.Progress.Advance(p.Delta)
		if err != nil {
			return err
		}
		achievement.Progress = progress
		if achievement.Unlocked() {
			now := l.now()
			achievement.UnlockedAt = &now
		}
		return tx.Set(key, achievement)
	})
	if err != nil {
		return nil, err
	}
	return canonical(changes), nil
}

func (l *Ledger) handleAchievementClaim(params json.RawMessage) (any, error) {
	p, err := decode[achievements.ProgressParams](params)
	if err != nil {
		return nil, err
	}
	key, err := state.NormalizeKey(p.AchievementID)
	if err != nil {
		return nil, err
	}
	var reward *rewards.Reward
	changes, err := l.achievements.Transact(func(tx *state.Tx[string, achievements.Achievement]) error {
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
		reward = achievement.Reward
		return tx.Set(key, achievement)
	})
	if err != nil {
		return nil, err
	}
	if err := l.grant(reward); err != nil {
		return nil, err
	}
	return canonical(changes), nil
}

// grant credits a claimed reward to the ledger's balances and items.
func (l *Ledger) grant(reward *rewards.Reward) error {
	if reward.Empty() {
		return nil
	}
	_, err := l.balances.Transact(func(tx *state.Tx[string, currency.Balance]) error {
		for id, amount := range reward.Currency {
			key, err := state.NormalizeKey(id)
			if err != nil {
				return err
			}
			if err := l.creditCurrency(tx, key, amount); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	_, err = l.items.Transact(func(tx *state.Tx[string, inventory.Item]) error {
		for id, quantity := range reward.Items {
			key, err := state.NormalizeKey(id)
			if err != nil {
				return err
			}
			if err := addItem(tx, key, key, quantity); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

func itemParams(params json.RawMessage) (inventory.ItemParams, string, error) {
	p, err := decode[inventory.ItemParams](params)
	if err != nil {
		return p, "", err
	}
	key, err := state.NormalizeKey(p.ItemID)
	return p, key, err
}

func addItem(tx *state.Tx[string, inventory.Item], key, name string, quantity int64) error {
	_, err := tx.Mutate(key, func(current inventory.Item, exists bool) (inventory.Item, error) {
		if !exists {
			current = inventory.Item{ID: key, Name: name}
		}
		current.Quantity += quantity
		return current, nil
	})
	return err
}
