// Package repositorytest provides an in-memory Repository for tests that
// need real stateful behavior (the scheduler reads back what the store
// wrote) without a database.
package repositorytest

import (
	"context"
	"sort"
	"sync"
	"time"

	"loomchat/engine/internal/model"
	"loomchat/engine/internal/repository"
)

// Fake is a map-backed repository.Repository. Zero value is not usable; use New.
type Fake struct {
	mu       sync.Mutex
	threads  map[string]model.Thread
	items    map[string]model.ThreadItem
	settings map[string]string

	// Err, when set, is returned by every method; used to exercise
	// degraded-store paths.
	Err error
}

func New() *Fake {
	return &Fake{
		threads:  make(map[string]model.Thread),
		items:    make(map[string]model.ThreadItem),
		settings: make(map[string]string),
	}
}

func (f *Fake) UpsertThread(_ context.Context, thread *model.Thread) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.threads[thread.ID] = *thread
	return nil
}

func (f *Fake) GetThread(_ context.Context, threadID string) (*model.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	thread, ok := f.threads[threadID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &thread, nil
}

func (f *Fake) ListThreads(_ context.Context) ([]*model.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	threads := make([]*model.Thread, 0, len(f.threads))
	for id := range f.threads {
		thread := f.threads[id]
		threads = append(threads, &thread)
	}
	sort.Slice(threads, func(i, j int) bool { return threads[i].UpdatedAt.After(threads[j].UpdatedAt) })
	return threads, nil
}

func (f *Fake) DeleteThread(_ context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	delete(f.threads, threadID)
	for id, item := range f.items {
		if item.ThreadID == threadID {
			delete(f.items, id)
		}
	}
	return nil
}

func (f *Fake) CountThreads(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.threads), f.Err
}

func (f *Fake) UpsertItem(_ context.Context, item *model.ThreadItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.items[item.ID] = *item
	return nil
}

func (f *Fake) BulkUpsertItems(_ context.Context, items []model.ThreadItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	for _, item := range items {
		f.items[item.ID] = item
	}
	return nil
}

func (f *Fake) GetItem(_ context.Context, itemID string) (*model.ThreadItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	item, ok := f.items[itemID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &item, nil
}

func (f *Fake) ListItemsByThread(_ context.Context, threadID string) ([]model.ThreadItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var items []model.ThreadItem
	for _, item := range f.items {
		if item.ThreadID == threadID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (f *Fake) DeleteItem(_ context.Context, itemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	delete(f.items, itemID)
	return nil
}

func (f *Fake) DeleteItemsAfter(_ context.Context, threadID string, after time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	for id, item := range f.items {
		if item.ThreadID == threadID && item.CreatedAt.After(after) {
			delete(f.items, id)
		}
	}
	return nil
}

func (f *Fake) CountItems(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items), f.Err
}

func (f *Fake) GetSetting(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	value, ok := f.settings[key]
	if !ok {
		return "", repository.ErrNotFound
	}
	return value, nil
}

func (f *Fake) SetSetting(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.settings[key] = value
	return nil
}
