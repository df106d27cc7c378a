package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	app_errors "loomchat/engine/internal/errors"
	"loomchat/engine/internal/repository"
)

// DefaultDebounce is how long a thread's local mutations must settle before
// its state is pushed to the remote mirror.
const DefaultDebounce = 800 * time.Millisecond

// Scheduler debounces remote pushes per thread. Each Schedule call for a
// thread resets that thread's timer, collapsing a streaming burst into a
// single push once things settle; discrete events (thread creation) request
// an immediate push instead.
//
// Push state is read from the durable store, not from memory: a push then
// always reflects the most recently flushed batch, never a mid-batch partial.
type Scheduler struct {
	api   API
	repo  repository.Repository
	delay time.Duration
	log   *slog.Logger

	// onUnauthorized fires when the remote rejects our credentials; the chat
	// store uses it to downgrade sync mode to local-only.
	onUnauthorized func()

	mu      sync.Mutex
	timers  map[string]*time.Timer
	lastErr string
	closed  bool
}

func NewScheduler(api API, repo repository.Repository, delay time.Duration, onUnauthorized func(), log *slog.Logger) *Scheduler {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		api:            api,
		repo:           repo,
		delay:          delay,
		log:            log,
		onUnauthorized: onUnauthorized,
		timers:         make(map[string]*time.Timer),
	}
}

// Schedule queues a push of the thread. A pending timer for the same thread
// is cancelled and restarted; with immediate set the push happens right away.
func (s *Scheduler) Schedule(threadID string, immediate bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if timer, ok := s.timers[threadID]; ok {
		timer.Stop()
		delete(s.timers, threadID)
	}
	if immediate {
		s.mu.Unlock()
		go s.run(threadID)
		return
	}
	s.timers[threadID] = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		delete(s.timers, threadID)
		s.mu.Unlock()
		s.run(threadID)
	})
	s.mu.Unlock()
}

// Cancel drops any pending push for the thread; called on thread deletion so
// a timer cannot act on a gone entity.
func (s *Scheduler) Cancel(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[threadID]; ok {
		timer.Stop()
		delete(s.timers, threadID)
	}
}

func (s *Scheduler) run(threadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Push(ctx, threadID); err != nil {
		s.log.Warn("remote sync failed", "thread_id", threadID, "error", err)
	}
}

// Push reads the thread fresh from the durable store and mirrors it remotely:
// update first, falling back to create when the remote has never seen the
// thread. The sequence is idempotent regardless of remote state.
func (s *Scheduler) Push(ctx context.Context, threadID string) error {
	thread, err := s.repo.GetThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Deleted locally between schedule and push; nothing to mirror.
			return nil
		}
		return fmt.Errorf("could not read thread for sync: %w", err)
	}
	items, err := s.repo.ListItemsByThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("could not read items for sync: %w", err)
	}

	upload := ThreadUpload{Thread: *thread, Items: items}
	err = s.api.UpdateThread(ctx, upload)
	if errors.Is(err, app_errors.ErrNotFound) {
		err = s.api.CreateThread(ctx, upload)
	}
	return s.record(err)
}

// Delete removes the remote copy of a thread. A remote that never had the
// thread is not an error.
func (s *Scheduler) Delete(ctx context.Context, threadID string) error {
	s.Cancel(threadID)
	err := s.api.DeleteThread(ctx, threadID)
	if errors.Is(err, app_errors.ErrNotFound) {
		err = nil
	}
	return s.record(err)
}

// EnableSync is the one-time reconciliation run when switching from
// local-only to remote mode: every remote thread overwrites its local
// counterpart (enabling usually follows a fresh sign-in on a new device),
// then every local thread the remote has never seen is uploaded.
//
// Known limitation: this is last-writer-wins with no field-level merge. If
// two devices edited the same thread while one was offline, one side's edits
// are silently discarded here.
func (s *Scheduler) EnableSync(ctx context.Context) error {
	summaries, err := s.api.ListThreads(ctx)
	if err != nil {
		return s.record(err)
	}

	remoteIDs := make(map[string]struct{}, len(summaries))
	for _, summary := range summaries {
		remoteIDs[summary.Payload.Thread.ID] = struct{}{}
		// Drop the local copy first: remote wins wholesale, and a stale
		// local item the remote no longer has must not survive the pull
		// (the next push would resurrect it remotely).
		if err := s.repo.DeleteThread(ctx, summary.Payload.Thread.ID); err != nil {
			s.log.Error("could not clear local thread before pull", "thread_id", summary.ThreadID, "error", err)
			continue
		}
		if err := s.repo.UpsertThread(ctx, &summary.Payload.Thread); err != nil {
			s.log.Error("could not store remote thread locally", "thread_id", summary.ThreadID, "error", err)
			continue
		}
		if err := s.repo.BulkUpsertItems(ctx, summary.Payload.Items); err != nil {
			s.log.Error("could not store remote items locally", "thread_id", summary.ThreadID, "error", err)
		}
	}

	locals, err := s.repo.ListThreads(ctx)
	if err != nil {
		return fmt.Errorf("could not list local threads: %w", err)
	}
	for _, thread := range locals {
		if _, ok := remoteIDs[thread.ID]; ok {
			continue
		}
		if err := s.Push(ctx, thread.ID); err != nil {
			return err
		}
	}
	return s.record(nil)
}

// record tracks the sticky last-error string and fires the unauthorized hook.
func (s *Scheduler) record(err error) error {
	s.mu.Lock()
	if err == nil {
		s.lastErr = ""
		s.mu.Unlock()
		return nil
	}
	s.lastErr = err.Error()
	s.mu.Unlock()

	if errors.Is(err, app_errors.ErrUnauthorized) && s.onUnauthorized != nil {
		s.onUnauthorized()
	}
	return err
}

// LastError returns the most recent sync failure, empty after any success.
func (s *Scheduler) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Close cancels every pending timer.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}
