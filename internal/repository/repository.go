package repository

import (
	"context"
	"time"

	"loomchat/engine/internal/model"
)

// Repository defines the interface for the on-device durable store.
// This interface makes it easy to switch database implementations and to
// mock the store in tests.
//
// All puts are upserts keyed by id. Threads flagged temporary are never
// handed to a Repository; that filtering happens in the chat store.
type Repository interface {
	UpsertThread(ctx context.Context, thread *model.Thread) error
	GetThread(ctx context.Context, threadID string) (*model.Thread, error)
	ListThreads(ctx context.Context) ([]*model.Thread, error)
	DeleteThread(ctx context.Context, threadID string) error
	CountThreads(ctx context.Context) (int, error)

	UpsertItem(ctx context.Context, item *model.ThreadItem) error
	BulkUpsertItems(ctx context.Context, items []model.ThreadItem) error
	GetItem(ctx context.Context, itemID string) (*model.ThreadItem, error)
	ListItemsByThread(ctx context.Context, threadID string) ([]model.ThreadItem, error)
	DeleteItem(ctx context.Context, itemID string) error

	// DeleteItemsAfter removes every item of the thread created strictly
	// after the given instant; this backs the "remove follow-ups" feature.
	DeleteItemsAfter(ctx context.Context, threadID string, after time.Time) error
	CountItems(ctx context.Context) (int, error)

	// Settings is the small key-value blob persisted outside the two main
	// tables (current model, web-search toggle, last-open thread, ...).
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}
