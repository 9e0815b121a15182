// Package inventory keeps the player's items and which equipment slot each
// one occupies.
package inventory

import (
	"context"
	"errors"

	"github.com/cbodonnell/tally/pkg/errs"
	"github.com/cbodonnell/tally/pkg/optimistic"
	"github.com/cbodonnell/tally/pkg/rewards"
	"github.com/cbodonnell/tally/pkg/state"
)

const (
	Domain = "inventory"

	OperationAdd     = "inventory.add"
	OperationConsume = "inventory.consume"
	OperationRemove  = "inventory.remove"
	OperationEquip   = "inventory.equip"
	OperationUnequip = "inventory.unequip"
	OperationCredit  = "inventory.credit"

	// SlotIndex maps an equipment slot to the item in it.
	SlotIndex = "slot"
)

type Item struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Quantity   int64            `json:"quantity"`
	Slot       string           `json:"slot,omitempty"`
	Attributes map[string]int64 `json:"attributes,omitempty"`
}

func (i Item) Clone() Item {
	if i.Attributes != nil {
		attributes := make(map[string]int64, len(i.Attributes))
		for k, v := range i.Attributes {
			attributes[k] = v
		}
		i.Attributes = attributes
	}
	return i
}

func (i Item) Validate() error {
	if i.Quantity <= 0 {
		return errs.NewValidationError(i.ID, "quantity %d must be positive", i.Quantity)
	}
	return nil
}

// ItemParams are sent with every inventory request.
type ItemParams struct {
	ItemID   string `json:"itemId,omitempty"`
	Name     string `json:"name,omitempty"`
	Quantity int64  `json:"quantity,omitempty"`
	Slot     string `json:"slot,omitempty"`
}

var errAlreadyEquipped = errors.New("already equipped")

type Service struct {
	coordinator *optimistic.Coordinator[string, Item]
}

var _ rewards.Sink = (*Service)(nil)

type NewServiceOptions struct {
	optimistic.Dependencies
}

func NewService(opts NewServiceOptions) (*Service, error) {
	store := state.NewMemoryStore(state.NewMemoryStoreOptions[string, Item]{
		ValidateKey: state.NonEmptyKey[string],
		Indexes: map[string]state.IndexFunc[string, Item]{
			SlotIndex: func(_ string, item Item) (string, bool) {
				return item.Slot, item.Slot != ""
			},
		},
	})
	coordinator, err := optimistic.NewCoordinator(optimistic.NewCoordinatorOptions[string, Item]{
		Domain:       Domain,
		Store:        store,
		Dependencies: opts.Dependencies,
	})
	if err != nil {
		return nil, err
	}
	return &Service{coordinator: coordinator}, nil
}

func (s *Service) Coordinator() *optimistic.Coordinator[string, Item] {
	return s.coordinator
}

func (s *Service) Item(id string) (Item, bool) {
	key, err := state.NormalizeKey(id)
	if err != nil {
		return Item{}, false
	}
	return s.coordinator.Store().Get(key)
}

func (s *Service) Items() map[string]Item {
	return s.coordinator.Store().Snapshot()
}

// EquippedItem returns the item occupying slot.
func (s *Service) EquippedItem(slot string) (Item, bool) {
	key, err := state.NormalizeKey(slot)
	if err != nil {
		return Item{}, false
	}
	_, item, ok := s.coordinator.Store().Lookup(SlotIndex, key)
	return item, ok
}

// Equipment returns slot -> item id for every occupied slot.
func (s *Service) Equipment() map[string]string {
	return s.coordinator.Store().IndexEntries(SlotIndex)
}

// AddItem adds quantity of an item, creating it when it is new.
func (s *Service) AddItem(ctx context.Context, id, name string, quantity int64) (optimistic.Result[Item], error) {
	key, err := state.NormalizeKey(id)
	if err != nil {
		return optimistic.Result[Item]{}, err
	}
	if quantity <= 0 {
		return optimistic.Result[Item]{}, errs.NewValidationError(key, "quantity %d must be positive", quantity)
	}
	return s.coordinator.Execute(ctx, optimistic.Mutation[string, Item]{
		Operation: OperationAdd,
		Key:       key,
		Params:    ItemParams{ItemID: key, Name: name, Quantity: quantity},
		Apply: func(tx *state.Tx[string, Item]) error {
			return addQuantity(tx, key, name, quantity)
		},
		Compensate: func(store state.Store[string, Item], _ state.Changes[string, Item]) error {
			_, err := store.Transact(func(tx *state.Tx[string, Item]) error {
				current, ok := tx.Get(key)
				if !ok {
					return nil
				}
				current.Quantity -= quantity
				if current.Quantity <= 0 {
					tx.Delete(key)
					return nil
				}
				return tx.Set(key, current)
			})
			return err
		},
	})
}

// ConsumeItem uses up quantity of an item. An item whose quantity reaches
// zero is removed, which also frees its slot.
func (s *Service) ConsumeItem(ctx context.Context, id string, quantity int64) (optimistic.Result[Item], error) {
	key, err := state.NormalizeKey(id)
	if err != nil {
		return optimistic.Result[Item]{}, err
	}
	if quantity <= 0 {
		return optimistic.Result[Item]{}, errs.NewValidationError(key, "quantity %d must be positive", quantity)
	}
	return s.coordinator.Execute(ctx, optimistic.Mutation[string, Item]{
		Operation: OperationConsume,
		Key:       key,
		Params:    ItemParams{ItemID: key, Quantity: quantity},
		Apply: func(tx *state.Tx[string, Item]) error {
			item, ok := tx.Get(key)
			if !ok || item.Quantity < quantity {
				return &errs.InsufficientResourceError{Resource: key, Available: item.Quantity, Required: quantity}
			}
			item.Quantity -= quantity
			if item.Quantity == 0 {
				tx.Delete(key)
				return nil
			}
			return tx.Set(key, item)
		},
		Compensate: func(store state.Store[string, Item], changes state.Changes[string, Item]) error {
			change, _ := changes.Find(key)
			return restoreQuantity(store, key, change.Previous, quantity)
		},
	})
}

// RemoveItem deletes an item entirely. Its slot is freed with it.
func (s *Service) RemoveItem(ctx context.Context, id string) (optimistic.Result[Item], error) {
	key, err := state.NormalizeKey(id)
	if err != nil {
		return optimistic.Result[Item]{}, err
	}
	return s.coordinator.Execute(ctx, optimistic.Mutation[string, Item]{
		Operation: OperationRemove,
		Key:       key,
		Params:    ItemParams{ItemID: key},
		Apply: func(tx *state.Tx[string, Item]) error {
			if !tx.Delete(key) {
				return errs.NewValidationError(key, "item not found")
			}
			return nil
		},
	})
}

// Equip puts an item in slot. The item previously in slot takes the
// equipped item's old slot, or none.
func (s *Service) Equip(ctx context.Context, id, slot string) (optimistic.Result[Item], error) {
	key, err := state.NormalizeKey(id)
	if err != nil {
		return optimistic.Result[Item]{}, err
	}
	slotKey, err := state.NormalizeKey(slot)
	if err != nil {
		return optimistic.Result[Item]{}, err
	}
	result, err := s.coordinator.Execute(ctx, optimistic.Mutation[string, Item]{
		Operation: OperationEquip,
		Key:       key,
		Params:    ItemParams{ItemID: key, Slot: slotKey},
		Apply: func(tx *state.Tx[string, Item]) error {
			item, ok := tx.Get(key)
			if !ok {
				return errs.NewValidationError(key, "item not found")
			}
			if item.Slot == slotKey {
				return errAlreadyEquipped
			}
			if occupantKey, occupant, ok := tx.Lookup(SlotIndex, slotKey); ok {
				occupant.Slot = item.Slot
				if err := tx.Set(occupantKey, occupant); err != nil {
					return err
				}
			}
			item.Slot = slotKey
			return tx.Set(key, item)
		},
	})
	if errors.Is(err, errAlreadyEquipped) {
		return optimistic.Result[Item]{Outcome: optimistic.OutcomeConfirmed}, nil
	}
	return result, err
}

// Unequip empties slot.
func (s *Service) Unequip(ctx context.Context, slot string) (optimistic.Result[Item], error) {
	slotKey, err := state.NormalizeKey(slot)
	if err != nil {
		return optimistic.Result[Item]{}, err
	}
	occupantKey, _, ok := s.coordinator.Store().Lookup(SlotIndex, slotKey)
	if !ok {
		return optimistic.Result[Item]{}, errs.NewValidationError(slotKey, "slot is empty")
	}
	return s.coordinator.Execute(ctx, optimistic.Mutation[string, Item]{
		Operation: OperationUnequip,
		Key:       occupantKey,
		Params:    ItemParams{ItemID: occupantKey, Slot: slotKey},
		Apply: func(tx *state.Tx[string, Item]) error {
			key, item, ok := tx.Lookup(SlotIndex, slotKey)
			if !ok {
				return errs.NewValidationError(slotKey, "slot is empty")
			}
			item.Slot = ""
			return tx.Set(key, item)
		},
	})
}

// Credit adds reward items the authority already granted.
func (s *Service) Credit(reward *rewards.Reward) error {
	if reward == nil || len(reward.Items) == 0 {
		return nil
	}
	_, err := s.coordinator.ApplyConfirmed(OperationCredit, func(tx *state.Tx[string, Item]) error {
		for id, quantity := range reward.Items {
			key, err := state.NormalizeKey(id)
			if err != nil {
				return err
			}
			if err := addQuantity(tx, key, key, quantity); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

func (s *Service) Refresh(ctx context.Context) error {
	return s.coordinator.Refresh(ctx)
}

func (s *Service) EnsureFresh(ctx context.Context) error {
	return s.coordinator.EnsureFresh(ctx)
}

func addQuantity(tx *state.Tx[string, Item], key, name string, quantity int64) error {
	_, err := tx.Mutate(key, func(current Item, exists bool) (Item, error) {
		if !exists {
			current = Item{ID: key, Name: name}
		}
		current.Quantity += quantity
		return current, nil
	})
	return err
}

// restoreQuantity gives back consumed items. A removed item is recreated
// from its previous value, without its slot if the slot was taken since.
func restoreQuantity(store state.Store[string, Item], key string, previous Item, quantity int64) error {
	restore := func(keepSlot bool) state.MutateFunc[Item] {
		return func(current Item, exists bool) (Item, error) {
			if !exists {
				current = previous.Clone()
				current.Quantity = 0
				if !keepSlot {
					current.Slot = ""
				}
			}
			current.Quantity += quantity
			return current, nil
		}
	}
	_, err := store.Mutate(key, restore(true))
	if errs.IsValidation(err) {
		_, err = store.Mutate(key, restore(false))
	}
	return err
}
