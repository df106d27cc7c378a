package branch_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loomchat/engine/internal/branch"
	"loomchat/engine/internal/model"
)

func itemAt(id, root string, t time.Time) model.ThreadItem {
	return model.ThreadItem{ID: id, BranchRootID: root, CreatedAt: t}
}

func TestResolveRootID(t *testing.T) {
	t.Run("Field wins over metadata", func(t *testing.T) {
		item := model.ThreadItem{
			ID:           "i1",
			BranchRootID: "root-field",
			Metadata:     map[string]any{branch.MetadataRootKey: "root-meta"},
		}
		assert.Equal(t, "root-field", branch.ResolveRootID(item, "fallback"))
	})

	t.Run("Metadata wins over fallback", func(t *testing.T) {
		item := model.ThreadItem{
			ID:       "i1",
			Metadata: map[string]any{branch.MetadataRootKey: "root-meta"},
		}
		assert.Equal(t, "root-meta", branch.ResolveRootID(item, "fallback"))
	})

	t.Run("Non-string metadata is ignored", func(t *testing.T) {
		item := model.ThreadItem{
			ID:       "i1",
			Metadata: map[string]any{branch.MetadataRootKey: 42},
		}
		assert.Equal(t, "fallback", branch.ResolveRootID(item, "fallback"))
	})

	t.Run("Own id is the last resort", func(t *testing.T) {
		assert.Equal(t, "i1", branch.ResolveRootID(model.ThreadItem{ID: "i1"}, ""))
	})
}

func TestBuildGroups(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Items without a root form singleton groups", func(t *testing.T) {
		groups := branch.BuildGroups([]model.ThreadItem{
			itemAt("a", "", base),
			itemAt("b", "", base.Add(time.Minute)),
		})
		require.Len(t, groups, 2)
		assert.Len(t, groups["a"], 1)
		assert.Len(t, groups["b"], 1)
	})

	t.Run("Shared root groups and sorts by creation time", func(t *testing.T) {
		groups := branch.BuildGroups([]model.ThreadItem{
			itemAt("c", "a", base.Add(2*time.Minute)),
			itemAt("a", "", base),
			itemAt("b", "a", base.Add(time.Minute)),
		})
		require.Len(t, groups, 1)
		group := groups["a"]
		require.Len(t, group, 3)
		assert.Equal(t, []string{"a", "b", "c"}, []string{group[0].ID, group[1].ID, group[2].ID})
	})
}

func TestBuildConversationView(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	// A(t=1) with retries B(t=2) and C(t=3), plus an unrelated later turn D.
	items := []model.ThreadItem{
		itemAt("A", "", base.Add(1*time.Minute)),
		itemAt("B", "A", base.Add(2*time.Minute)),
		itemAt("C", "A", base.Add(3*time.Minute)),
		itemAt("D", "", base.Add(4*time.Minute)),
	}

	t.Run("Empty selection picks the newest branch", func(t *testing.T) {
		view := branch.BuildConversationView(items, nil)
		require.Len(t, view, 2)
		assert.Equal(t, "C", view[0].ID)
		assert.Equal(t, "D", view[1].ID)
	})

	t.Run("Explicit selection wins over newest", func(t *testing.T) {
		view := branch.BuildConversationView(items, map[string]string{"A": "B"})
		require.Len(t, view, 2)
		assert.Equal(t, "B", view[0].ID)
	})

	t.Run("Selection pointing outside the group falls back to newest", func(t *testing.T) {
		view := branch.BuildConversationView(items, map[string]string{"A": "nonexistent-id"})
		require.Len(t, view, 2)
		assert.Equal(t, "C", view[0].ID)
	})

	t.Run("Groups are ordered by their earliest item", func(t *testing.T) {
		// D is older than A's group start even though C is the newest overall.
		early := []model.ThreadItem{
			itemAt("D", "", base),
			itemAt("A", "", base.Add(1*time.Minute)),
			itemAt("C", "A", base.Add(5*time.Minute)),
		}
		view := branch.BuildConversationView(early, nil)
		require.Len(t, view, 2)
		assert.Equal(t, "D", view[0].ID)
		assert.Equal(t, "C", view[1].ID)
	})

	t.Run("Empty input yields empty view", func(t *testing.T) {
		assert.Empty(t, branch.BuildConversationView(nil, nil))
	})
}
