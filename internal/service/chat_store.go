package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"loomchat/engine/internal/batch"
	"loomchat/engine/internal/branch"
	app_errors "loomchat/engine/internal/errors"
	"loomchat/engine/internal/model"
	"loomchat/engine/internal/notify"
	"loomchat/engine/internal/remote"
	"loomchat/engine/internal/repository"
	"loomchat/engine/internal/stream"
)

// PersistMode selects how a mutation reaches the durable store. The
// in-memory update is always synchronous and immediate; persistence policy
// is the caller's decision.
type PersistMode int

const (
	// PersistBatched queues the write through the coalescing queue.
	PersistBatched PersistMode = iota
	// PersistNow flushes the write durably before returning; used for
	// terminal states where durability matters more than coalescing.
	PersistNow
	// PersistSkip updates memory only; the caller relies on a later
	// checkpoint or the final completion write.
	PersistSkip
)

// defaultTitleLimit caps auto-generated thread titles.
const defaultTitleLimit = 50

// ChatStore orchestrates the engine: it owns the in-memory threads and
// items (authoritative for the current session), and wires every mutation
// through the batching queue, the cross-context notifier and the remote
// sync scheduler. Construct one per application context; there is no
// package-level instance.
type ChatStore struct {
	repo      repository.Repository
	queue     *batch.Queue
	notifier  *notify.Notifier
	scheduler *remote.Scheduler
	runner    stream.Runner
	log       *slog.Logger

	mu              sync.Mutex
	threads         map[string]*model.Thread
	items           map[string]*model.ThreadItem
	currentThreadID string
	currentItemID   string
	selections      map[string]string
	tempThreadID    string

	generating bool
	abortGen   context.CancelFunc

	syncMode      model.SyncMode
	lastSyncError string
}

// NewChatStore builds the orchestrator. notifier and scheduler may be nil
// (single-context, local-only operation); runner may be nil when the caller
// drives generation itself.
func NewChatStore(repo repository.Repository, queue *batch.Queue, notifier *notify.Notifier, scheduler *remote.Scheduler, runner stream.Runner, log *slog.Logger) *ChatStore {
	if log == nil {
		log = slog.Default()
	}
	return &ChatStore{
		repo:       repo,
		queue:      queue,
		notifier:   notifier,
		scheduler:  scheduler,
		runner:     runner,
		log:        log,
		threads:    make(map[string]*model.Thread),
		items:      make(map[string]*model.ThreadItem),
		selections: make(map[string]string),
		syncMode:   model.SyncLocal,
	}
}

// Load pulls all threads from the durable store into memory, typically once
// at startup.
func (s *ChatStore) Load(ctx context.Context) error {
	threads, err := s.repo.ListThreads(ctx)
	if err != nil {
		return fmt.Errorf("could not load threads: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, thread := range threads {
		t := *thread
		s.threads[t.ID] = &t
	}
	return nil
}

// CreateThreadOptions configures CreateThread. A zero value creates a
// regular persistent thread with a generated id.
type CreateThreadOptions struct {
	ID          string
	Title       string
	IsTemporary bool
}

// CreateThread inserts a thread into memory immediately and returns it.
// Non-temporary threads are durably written, pushed remotely right away
// (thread creation is a discrete event) and announced to other contexts.
func (s *ChatStore) CreateThread(ctx context.Context, opts CreateThreadOptions) *model.Thread {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Title == "" {
		opts.Title = "New Thread"
	}
	now := time.Now().UTC()
	thread := &model.Thread{
		ID:          opts.ID,
		Title:       opts.Title,
		IsTemporary: opts.IsTemporary,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.mu.Lock()
	if opts.IsTemporary {
		s.endTemporaryLocked(ctx)
		s.tempThreadID = thread.ID
	}
	s.threads[thread.ID] = thread
	copyOut := *thread
	s.mu.Unlock()

	if !opts.IsTemporary {
		if err := s.repo.UpsertThread(ctx, thread); err != nil {
			s.log.Error("could not persist new thread", "thread_id", thread.ID, "error", err)
		}
		s.scheduleSync(thread.ID, true)
		s.publish(notify.ThreadUpdate, notify.Payload{ThreadID: thread.ID})
	}
	return &copyOut
}

// UpdateThreadTitle renames a thread.
func (s *ChatStore) UpdateThreadTitle(ctx context.Context, threadID, title string) error {
	if title == "" {
		return fmt.Errorf("%w: title cannot be empty", app_errors.ErrValidation)
	}

	s.mu.Lock()
	thread, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		return app_errors.ErrNotFound
	}
	thread.Title = title
	thread.UpdatedAt = time.Now().UTC()
	temporary := thread.IsTemporary
	copyOut := *thread
	s.mu.Unlock()

	if temporary {
		return nil
	}
	if err := s.repo.UpsertThread(ctx, &copyOut); err != nil {
		s.log.Error("could not persist thread rename", "thread_id", threadID, "error", err)
	}
	s.scheduleSync(threadID, false)
	s.publish(notify.ThreadUpdate, notify.Payload{ThreadID: threadID})
	return nil
}

// PinThread marks a thread pinned. A no-op for temporary threads. Pin state
// is not worth its own remote push; it rides along on the thread's next sync.
func (s *ChatStore) PinThread(ctx context.Context, threadID string) error {
	return s.setPinned(ctx, threadID, true)
}

// UnpinThread clears the pinned flag.
func (s *ChatStore) UnpinThread(ctx context.Context, threadID string) error {
	return s.setPinned(ctx, threadID, false)
}

func (s *ChatStore) setPinned(ctx context.Context, threadID string, pinned bool) error {
	s.mu.Lock()
	thread, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		return app_errors.ErrNotFound
	}
	if thread.IsTemporary {
		s.mu.Unlock()
		return nil
	}
	thread.Pinned = pinned
	if pinned {
		now := time.Now().UTC()
		thread.PinnedAt = &now
	} else {
		thread.PinnedAt = nil
	}
	thread.UpdatedAt = time.Now().UTC()
	copyOut := *thread
	s.mu.Unlock()

	if err := s.repo.UpsertThread(ctx, &copyOut); err != nil {
		s.log.Error("could not persist pin state", "thread_id", threadID, "error", err)
	}
	s.publish(notify.ThreadUpdate, notify.Payload{ThreadID: threadID})
	return nil
}

// DeleteThread removes a thread and all its items everywhere: memory,
// durable store, other contexts and (in remote mode) the remote mirror.
func (s *ChatStore) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	thread, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		return app_errors.ErrNotFound
	}
	temporary := thread.IsTemporary
	delete(s.threads, threadID)
	for id, item := range s.items {
		if item.ThreadID == threadID {
			delete(s.items, id)
			if s.queue != nil {
				s.queue.Discard(id)
			}
		}
	}
	if s.tempThreadID == threadID {
		s.tempThreadID = ""
	}
	wasCurrent := s.currentThreadID == threadID
	if wasCurrent {
		s.currentThreadID = ""
		s.currentItemID = ""
	}
	remoteMode := s.syncMode == model.SyncRemote
	s.mu.Unlock()

	if !temporary {
		if err := s.repo.DeleteThread(ctx, threadID); err != nil {
			s.log.Error("could not delete thread from store", "thread_id", threadID, "error", err)
		}
		if remoteMode && s.scheduler != nil {
			go func() {
				deleteCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := s.scheduler.Delete(deleteCtx, threadID); err != nil {
					s.log.Warn("could not delete remote thread", "thread_id", threadID, "error", err)
				}
			}()
		} else if s.scheduler != nil {
			s.scheduler.Cancel(threadID)
		}
		s.publish(notify.ThreadDelete, notify.Payload{ThreadID: threadID})
	}

	if wasCurrent {
		s.switchToMostRecent(ctx)
	}
	return nil
}

// SwitchThread makes a thread current and reloads its items from the durable
// store, replacing the in-memory list for that thread. In-flight items of
// other threads stay in memory so an ongoing generation elsewhere is not
// forgotten. Temporary threads never round-trip through storage; their items
// only exist in memory already.
func (s *ChatStore) SwitchThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	thread, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		return app_errors.ErrNotFound
	}
	temporary := thread.IsTemporary
	s.currentThreadID = threadID
	s.currentItemID = ""
	s.mu.Unlock()

	if temporary {
		return nil
	}

	loaded, err := s.repo.ListItemsByThread(ctx, threadID)
	if err != nil {
		s.log.Error("could not load thread items, keeping in-memory state", "thread_id", threadID, "error", err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// The loaded rows replace this thread's items wholesale. Items of other
	// threads are dropped unless still in flight (or temporary, which has no
	// durable copy to reload from).
	for id, item := range s.items {
		switch {
		case item.ThreadID == threadID:
			delete(s.items, id)
		case item.ThreadID == s.tempThreadID && s.tempThreadID != "":
		case !item.Status.Terminal():
		default:
			delete(s.items, id)
		}
	}
	for i := range loaded {
		item := loaded[i]
		s.items[item.ID] = &item
	}
	return nil
}

// StartTemporaryThread begins an ephemeral conversation that never touches
// the durable store or the remote mirror. Only one may exist at a time;
// starting a new one silently ends the previous one.
func (s *ChatStore) StartTemporaryThread(ctx context.Context) *model.Thread {
	thread := s.CreateThread(ctx, CreateThreadOptions{Title: "Temporary Chat", IsTemporary: true})
	s.mu.Lock()
	s.currentThreadID = thread.ID
	s.currentItemID = ""
	s.mu.Unlock()
	return thread
}

// EndTemporaryThread drops the temporary thread from memory entirely. If it
// was current, the most recent persistent thread becomes current.
func (s *ChatStore) EndTemporaryThread(ctx context.Context) {
	s.mu.Lock()
	wasCurrent := s.tempThreadID != "" && s.currentThreadID == s.tempThreadID
	s.endTemporaryLocked(ctx)
	s.mu.Unlock()
	if wasCurrent {
		s.switchToMostRecent(ctx)
	}
}

// endTemporaryLocked removes the temporary thread and its items. No
// tombstone and no notification: it was never visible outside this context.
func (s *ChatStore) endTemporaryLocked(context.Context) {
	if s.tempThreadID == "" {
		return
	}
	delete(s.threads, s.tempThreadID)
	for id, item := range s.items {
		if item.ThreadID == s.tempThreadID {
			delete(s.items, id)
		}
	}
	if s.currentThreadID == s.tempThreadID {
		s.currentThreadID = ""
		s.currentItemID = ""
	}
	s.tempThreadID = ""
}

func (s *ChatStore) switchToMostRecent(ctx context.Context) {
	s.mu.Lock()
	var newest *model.Thread
	for _, thread := range s.threads {
		if thread.IsTemporary {
			continue
		}
		if newest == nil || thread.UpdatedAt.After(newest.UpdatedAt) {
			newest = thread
		}
	}
	s.mu.Unlock()
	if newest != nil {
		if err := s.SwitchThread(ctx, newest.ID); err != nil {
			s.log.Warn("could not switch to most recent thread", "error", err)
		}
	}
}

// Threads returns all in-memory threads, pinned first, then newest first.
func (s *ChatStore) Threads() []*model.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	threads := make([]*model.Thread, 0, len(s.threads))
	for _, thread := range s.threads {
		t := *thread
		threads = append(threads, &t)
	}
	sort.Slice(threads, func(i, j int) bool {
		if threads[i].Pinned != threads[j].Pinned {
			return threads[i].Pinned
		}
		return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
	})
	return threads
}

// Thread returns a copy of one thread.
func (s *ChatStore) Thread(threadID string) (*model.Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[threadID]
	if !ok {
		return nil, false
	}
	t := *thread
	return &t, true
}

// Item returns a copy of one item.
func (s *ChatStore) Item(itemID string) (*model.ThreadItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return nil, false
	}
	i := *item
	return &i, true
}

// CurrentThreadID returns the id of the displayed thread.
func (s *ChatStore) CurrentThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentThreadID
}

// GetConversationItems is the canonical "what does the user see" query:
// one item per branch group, explicit selection first, newest otherwise.
// It backs both rendering and the history sent to the next model call.
func (s *ChatStore) GetConversationItems(threadID string) []model.ThreadItem {
	s.mu.Lock()
	items := make([]model.ThreadItem, 0)
	for _, item := range s.items {
		if item.ThreadID == threadID {
			items = append(items, *item)
		}
	}
	selections := make(map[string]string, len(s.selections))
	for root, id := range s.selections {
		selections[root] = id
	}
	s.mu.Unlock()
	return branch.BuildConversationView(items, selections)
}

// SelectBranch records which sibling of a branch group the user navigated
// to. An id that later disappears simply falls back to newest.
func (s *ChatStore) SelectBranch(rootID, itemID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selections[rootID] = itemID
}

// SyncMode reports whether the engine mirrors remotely.
func (s *ChatStore) SyncMode() model.SyncMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncMode
}

// LastSyncError returns the user-facing sync failure, if any.
func (s *ChatStore) LastSyncError() string {
	s.mu.Lock()
	msg := s.lastSyncError
	s.mu.Unlock()
	if msg == "" && s.scheduler != nil {
		return s.scheduler.LastError()
	}
	return msg
}

// EnableRemoteSync switches to remote mode after running the one-time
// reconciliation (remote wins for threads both sides know, local-only
// threads are uploaded).
func (s *ChatStore) EnableRemoteSync(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("%w: no remote scheduler configured", app_errors.ErrInternal)
	}
	if err := s.scheduler.EnableSync(ctx); err != nil {
		return err
	}
	// Reconciliation rewrote the durable store underneath us: pulled threads
	// and remote-won items exist there but not in memory yet. Reload threads,
	// and re-read the current thread's items so the open conversation shows
	// the remote state.
	if err := s.Load(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	current := s.currentThreadID
	s.syncMode = model.SyncRemote
	s.lastSyncError = ""
	s.mu.Unlock()
	if current != "" {
		if err := s.SwitchThread(ctx, current); err != nil {
			s.log.Warn("could not refresh current thread after sync", "thread_id", current, "error", err)
		}
	}
	return nil
}

// DisableRemoteSync returns to local-only mode.
func (s *ChatStore) DisableRemoteSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncMode = model.SyncLocal
}

// DowngradeToLocal is invoked when the remote rejects our credentials. It is
// the only error path that changes sync mode.
func (s *ChatStore) DowngradeToLocal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncMode = model.SyncLocal
	s.lastSyncError = "sign in again to resume syncing"
	s.log.Warn("remote sync disabled: credentials rejected")
}

// HandleNotification folds a change another context announced into memory.
// The message carries only ids; the data itself is read back from the shared
// durable store, which both contexts see.
func (s *ChatStore) HandleNotification(msg notify.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch msg.Type {
	case notify.ThreadUpdate:
		thread, err := s.repo.GetThread(ctx, msg.Data.ThreadID)
		if err != nil {
			s.log.Debug("ignoring notification for unreadable thread", "thread_id", msg.Data.ThreadID, "error", err)
			return
		}
		s.mu.Lock()
		s.threads[thread.ID] = thread
		s.mu.Unlock()
	case notify.ThreadItemUpdate:
		item, err := s.repo.GetItem(ctx, msg.Data.ItemID)
		if err != nil {
			s.log.Debug("ignoring notification for unreadable item", "item_id", msg.Data.ItemID, "error", err)
			return
		}
		s.mu.Lock()
		s.items[item.ID] = item
		s.mu.Unlock()
	case notify.ThreadDelete:
		s.mu.Lock()
		delete(s.threads, msg.Data.ThreadID)
		for id, item := range s.items {
			if item.ThreadID == msg.Data.ThreadID {
				delete(s.items, id)
			}
		}
		if s.currentThreadID == msg.Data.ThreadID {
			s.currentThreadID = ""
			s.currentItemID = ""
		}
		s.mu.Unlock()
	case notify.ThreadItemDelete:
		s.mu.Lock()
		delete(s.items, msg.Data.ItemID)
		s.mu.Unlock()
	}
}

// Close tears down timers and flushes pending writes.
func (s *ChatStore) Close() {
	s.StopGeneration()
	if s.scheduler != nil {
		s.scheduler.Close()
	}
	if s.queue != nil {
		s.queue.Close()
	}
	if s.notifier != nil {
		if err := s.notifier.Close(); err != nil {
			s.log.Warn("error closing notifier", "error", err)
		}
	}
}

// scheduleSync queues a remote push when remote mode is active. Temporary
// threads are never scheduled.
func (s *ChatStore) scheduleSync(threadID string, immediate bool) {
	s.mu.Lock()
	remoteMode := s.syncMode == model.SyncRemote
	isTemp := s.tempThreadID != "" && s.tempThreadID == threadID
	s.mu.Unlock()
	if !remoteMode || isTemp || s.scheduler == nil {
		return
	}
	s.scheduler.Schedule(threadID, immediate)
}

func (s *ChatStore) publish(eventType notify.EventType, payload notify.Payload) {
	if s.notifier != nil {
		s.notifier.Publish(eventType, payload)
	}
}
