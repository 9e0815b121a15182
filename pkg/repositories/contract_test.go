package repositories

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cbodonnell/tally/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRepositoryContract exercises the behavior every backend must share.
func testRepositoryContract(t *testing.T, repo Repository) {
	ctx := context.Background()

	t.Run("missing namespace", func(t *testing.T) {
		_, err := repo.LoadSnapshot(ctx, "never-saved")
		assert.True(t, IsNotFound(err))
	})

	t.Run("round trip with normalized keys", func(t *testing.T) {
		savedAt := time.Date(2026, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
		err := repo.SaveSnapshot(ctx, &Snapshot{
			Namespace: " Currency ",
			Entries: map[string]json.RawMessage{
				"GOLD": json.RawMessage(`{"currency":"gold","amount":45}`),
				"gems": json.RawMessage(`{"currency":"gems","amount":3}`),
			},
			SavedAt: savedAt,
		})
		require.NoError(t, err)

		got, err := repo.LoadSnapshot(ctx, "CURRENCY")
		require.NoError(t, err)
		assert.Equal(t, "currency", got.Namespace)
		assert.True(t, savedAt.Equal(got.SavedAt))
		require.Len(t, got.Entries, 2)
		assert.JSONEq(t, `{"currency":"gold","amount":45}`, string(got.Entries["gold"]))
		assert.JSONEq(t, `{"currency":"gems","amount":3}`, string(got.Entries["gems"]))
	})

	t.Run("save replaces previous entries", func(t *testing.T) {
		require.NoError(t, repo.SaveSnapshot(ctx, &Snapshot{
			Namespace: "inventory",
			Entries: map[string]json.RawMessage{
				"sword":  json.RawMessage(`{"id":"sword"}`),
				"potion": json.RawMessage(`{"id":"potion"}`),
			},
		}))
		require.NoError(t, repo.SaveSnapshot(ctx, &Snapshot{
			Namespace: "inventory",
			Entries: map[string]json.RawMessage{
				"sword": json.RawMessage(`{"id":"sword"}`),
			},
		}))

		got, err := repo.LoadSnapshot(ctx, "inventory")
		require.NoError(t, err)
		assert.Len(t, got.Entries, 1)
		assert.Contains(t, got.Entries, "sword")
	})

	t.Run("empty snapshot is not missing", func(t *testing.T) {
		require.NoError(t, repo.SaveSnapshot(ctx, &Snapshot{Namespace: "tasks"}))
		got, err := repo.LoadSnapshot(ctx, "tasks")
		require.NoError(t, err)
		assert.Empty(t, got.Entries)
	})

	t.Run("rejects invalid snapshots", func(t *testing.T) {
		tests := []struct {
			name     string
			snapshot *Snapshot
		}{
			{name: "nil", snapshot: nil},
			{name: "empty namespace", snapshot: &Snapshot{Namespace: " "}},
			{name: "empty entity id", snapshot: &Snapshot{Namespace: "x", Entries: map[string]json.RawMessage{"": json.RawMessage(`{}`)}}},
			{name: "colliding ids", snapshot: &Snapshot{Namespace: "x", Entries: map[string]json.RawMessage{"Gold": json.RawMessage(`{}`), "gold": json.RawMessage(`{}`)}}},
			{name: "invalid json", snapshot: &Snapshot{Namespace: "x", Entries: map[string]json.RawMessage{"gold": json.RawMessage(`{`)}}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := repo.SaveSnapshot(ctx, tt.snapshot)
				assert.True(t, errs.IsValidation(err))
			})
		}
	})
}

func TestMemoryRepository(t *testing.T) {
	testRepositoryContract(t, NewMemoryRepository())
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.SaveSnapshot(ctx, &Snapshot{
		Namespace: "currency",
		Entries:   map[string]json.RawMessage{"gold": json.RawMessage(`{"amount":1}`)},
	}))

	got, err := repo.LoadSnapshot(ctx, "currency")
	require.NoError(t, err)
	got.Entries["gold"][2] = 'X'

	again, err := repo.LoadSnapshot(ctx, "currency")
	require.NoError(t, err)
	assert.Equal(t, `{"amount":1}`, string(again.Entries["gold"]))
}

func TestErrNotFound(t *testing.T) {
	assert.Equal(t, `snapshot "currency" not found`, (&ErrNotFound{Namespace: "currency"}).Error())
	assert.Equal(t, "not found", (&ErrNotFound{}).Error())
	assert.False(t, IsNotFound(nil))
}
