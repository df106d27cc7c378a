// Package branch computes branch groupings and the active linear conversation
// view over a flat list of thread items. Everything here is pure, with no I/O
// and no errors: malformed branch metadata degrades to "the item is its own
// singleton group", never to a failure.
package branch

import (
	"sort"

	"loomchat/engine/internal/model"
)

// MetadataRootKey is the legacy location of a branch root id for items whose
// creation path attached it opportunistically instead of setting the field.
const MetadataRootKey = "branchRootId"

// ResolveRootID returns the effective branch root for an item: the first-class
// field if set, else the metadata entry, else fallbackID, else the item's own
// id. The fallback chain exists because branch metadata is attached
// inconsistently depending on how an item was created.
func ResolveRootID(item model.ThreadItem, fallbackID string) string {
	if item.BranchRootID != "" {
		return item.BranchRootID
	}
	if item.Metadata != nil {
		if v, ok := item.Metadata[MetadataRootKey].(string); ok && v != "" {
			return v
		}
	}
	if fallbackID != "" {
		return fallbackID
	}
	return item.ID
}

// BuildGroups partitions items by resolved branch root. Each group is sorted
// ascending by creation time; items at the same instant keep input order.
func BuildGroups(items []model.ThreadItem) map[string][]model.ThreadItem {
	groups := make(map[string][]model.ThreadItem)
	for _, item := range items {
		root := ResolveRootID(item, "")
		groups[root] = append(groups[root], item)
	}
	for root := range groups {
		group := groups[root]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].CreatedAt.Before(group[j].CreatedAt)
		})
	}
	return groups
}

// BuildConversationView returns the single linear conversation the user sees:
// exactly one item per branch group, groups ordered by their earliest item's
// creation time. Within a group the explicitly selected item wins; absent a
// selection (or when the selection points at an id not in the group) the
// chronologically last item is shown, so a retry supersedes the original
// until the user navigates back.
func BuildConversationView(items []model.ThreadItem, selections map[string]string) []model.ThreadItem {
	groups := BuildGroups(items)

	roots := make([]string, 0, len(groups))
	for root := range groups {
		roots = append(roots, root)
	}
	sort.SliceStable(roots, func(i, j int) bool {
		a, b := groups[roots[i]][0], groups[roots[j]][0]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	view := make([]model.ThreadItem, 0, len(roots))
	for _, root := range roots {
		group := groups[root]
		view = append(view, pick(group, selections[root]))
	}
	return view
}

func pick(group []model.ThreadItem, selectedID string) model.ThreadItem {
	if selectedID != "" {
		for _, item := range group {
			if item.ID == selectedID {
				return item
			}
		}
	}
	return group[len(group)-1]
}
