package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"loomchat/engine/internal/branch"
	app_errors "loomchat/engine/internal/errors"
	"loomchat/engine/internal/model"
	"loomchat/engine/internal/notify"
	"loomchat/engine/internal/repository"
)

// SubmitRequest describes a new user turn. An empty ThreadID creates a
// thread on the fly, titled from the query text. ParentID and BranchRootID
// are set when the turn is an edit or retry of an earlier one; left empty,
// the item starts its own branch group.
type SubmitRequest struct {
	ThreadID     string
	Query        model.Query
	Mode         string
	ParentID     string
	BranchRootID string
}

// SubmitQuery creates a QUEUED item for a user turn and returns it. It does
// not start generation; RunGeneration drives the model separately so a
// caller can render the queued turn first.
func (s *ChatStore) SubmitQuery(ctx context.Context, req SubmitRequest) (*model.ThreadItem, error) {
	if req.Query.Text == "" && req.Query.ImageData == "" {
		return nil, fmt.Errorf("%w: query cannot be empty", app_errors.ErrValidation)
	}

	s.mu.Lock()
	if s.generating {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: a generation is already running", app_errors.ErrConflict)
	}
	s.mu.Unlock()

	threadID := req.ThreadID
	if threadID == "" {
		thread := s.CreateThread(ctx, CreateThreadOptions{Title: titleFromQuery(req.Query.Text)})
		threadID = thread.ID
	}

	s.mu.Lock()
	thread, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		return nil, app_errors.ErrNotFound
	}
	temporary := thread.IsTemporary
	now := time.Now().UTC()
	item := &model.ThreadItem{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Query:     req.Query,
		Mode:      req.Mode,
		Status:    model.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.ParentID != "" {
		parentID := req.ParentID
		item.ParentID = &parentID
	}
	if req.BranchRootID != "" {
		item.BranchRootID = req.BranchRootID
	}
	s.items[item.ID] = item
	s.currentThreadID = threadID
	s.currentItemID = item.ID
	thread.UpdatedAt = now
	copyOut := *item
	s.mu.Unlock()

	if !temporary {
		if err := s.repo.UpsertItem(ctx, &copyOut); err != nil {
			s.log.Error("could not persist new item", "item_id", item.ID, "error", err)
		}
		s.publish(notify.ThreadItemUpdate, notify.Payload{ThreadID: threadID, ItemID: item.ID})
		s.scheduleSync(threadID, false)
	}
	return &copyOut, nil
}

// UpdateThreadItem merges a partial update into an item and propagates it
// per the persist mode. Streaming events can land before the item has been
// created in this context (another tab started the generation), so a missing
// item is created from the patch rather than rejected.
func (s *ChatStore) UpdateThreadItem(ctx context.Context, threadID, itemID string, patch model.ItemPatch, persist PersistMode) *model.ThreadItem {
	s.mu.Lock()
	item, ok := s.items[itemID]
	if !ok {
		now := time.Now().UTC()
		item = &model.ThreadItem{
			ID:        itemID,
			ThreadID:  threadID,
			Status:    model.StatusQueued,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.items[itemID] = item
	}
	applyPatch(item, patch)
	item.UpdatedAt = time.Now().UTC()
	if thread, ok := s.threads[threadID]; ok {
		thread.UpdatedAt = item.UpdatedAt
		if thread.IsTemporary {
			persist = PersistSkip
		}
	}
	copyOut := *item
	s.mu.Unlock()

	switch persist {
	case PersistBatched:
		if s.queue != nil {
			s.queue.Enqueue(copyOut)
		}
	case PersistNow:
		if s.queue != nil {
			s.queue.Enqueue(copyOut)
			s.queue.Flush(ctx)
		}
	case PersistSkip:
	}
	if persist != PersistSkip {
		s.publish(notify.ThreadItemUpdate, notify.Payload{ThreadID: threadID, ItemID: itemID})
		s.scheduleSync(threadID, false)
	}
	return &copyOut
}

// applyPatch merges a partial update. Answer text accumulates: Text appends
// a chunk, FinalText replaces the accumulated text with the authoritative
// full string. Once an item was aborted, late text chunks are dropped so a
// straggling stream cannot reopen it.
func applyPatch(item *model.ThreadItem, patch model.ItemPatch) {
	if patch.Query != nil {
		item.Query = *patch.Query
	}
	if patch.ParentID != nil {
		item.ParentID = patch.ParentID
	}
	if patch.BranchRootID != nil {
		item.BranchRootID = *patch.BranchRootID
	}
	if patch.Mode != nil {
		item.Mode = *patch.Mode
	}
	if item.Status != model.StatusAborted {
		if patch.FinalText != "" {
			item.Answer.Text = patch.FinalText
			item.Answer.FinalText = patch.FinalText
		} else if patch.Text != "" && item.Answer.FinalText == "" {
			item.Answer.Text += patch.Text
		}
	}
	if patch.Status != nil {
		item.Status = *patch.Status
		item.Answer.Status = *patch.Status
	}
	if patch.ThinkingProcess != nil {
		item.ThinkingProcess = *patch.ThinkingProcess
	}
	if patch.Steps != nil {
		item.Steps = patch.Steps
	}
	if patch.Sources != nil {
		item.Sources = patch.Sources
	}
	if patch.Suggestions != nil {
		item.Suggestions = patch.Suggestions
	}
	if patch.ToolCalls != nil {
		item.ToolCalls = patch.ToolCalls
	}
	if patch.ToolResults != nil {
		item.ToolResults = patch.ToolResults
	}
	if patch.Object != nil {
		item.Object = patch.Object
	}
	if patch.Metadata != nil {
		if item.Metadata == nil {
			item.Metadata = make(map[string]any, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			item.Metadata[k] = v
		}
	}
	if patch.ErrorMessage != nil {
		item.ErrorMessage = *patch.ErrorMessage
	}
	if patch.TokensUsed != nil {
		item.TokensUsed = *patch.TokensUsed
	}
	if patch.GenerationDurationMs != nil {
		item.GenerationDurationMs = *patch.GenerationDurationMs
	}
}

// DeleteThreadItem removes one item. Deleting the last item of a thread
// removes the thread too; an empty conversation has no reason to linger.
func (s *ChatStore) DeleteThreadItem(ctx context.Context, itemID string) error {
	s.mu.Lock()
	item, ok := s.items[itemID]
	if !ok {
		s.mu.Unlock()
		return app_errors.ErrNotFound
	}
	threadID := item.ThreadID
	delete(s.items, itemID)
	if s.queue != nil {
		s.queue.Discard(itemID)
	}
	remaining := 0
	for _, other := range s.items {
		if other.ThreadID == threadID {
			remaining++
		}
	}
	thread := s.threads[threadID]
	temporary := thread != nil && thread.IsTemporary
	s.mu.Unlock()

	if temporary {
		// memory is the only copy of a temporary thread, so the in-memory
		// count is authoritative
		if remaining == 0 && thread != nil {
			return s.DeleteThread(ctx, threadID)
		}
		return nil
	}

	if err := s.repo.DeleteItem(ctx, itemID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.log.Error("could not delete item from store", "item_id", itemID, "error", err)
	}
	s.publish(notify.ThreadItemDelete, notify.Payload{ThreadID: threadID, ItemID: itemID})
	s.scheduleSync(threadID, false)

	if remaining > 0 || thread == nil {
		return nil
	}
	// Memory may hold only a slice of the thread's items (switching threads
	// evicts settled items of other threads; notifications add items one at
	// a time), so an empty in-memory count alone cannot justify the cascade.
	// Only a confirmed empty durable record means this was the last item.
	siblings, err := s.repo.ListItemsByThread(ctx, threadID)
	if err != nil {
		s.log.Warn("could not verify remaining items, keeping thread", "thread_id", threadID, "error", err)
		return nil
	}
	if len(siblings) == 0 {
		return s.DeleteThread(ctx, threadID)
	}
	return nil
}

// RemoveFollowups deletes every item in the thread created after the given
// one, in memory and in the durable store. Used before retrying a turn so
// the regenerated answer is not followed by replies to the old one.
func (s *ChatStore) RemoveFollowups(ctx context.Context, itemID string) error {
	s.mu.Lock()
	item, ok := s.items[itemID]
	if !ok {
		s.mu.Unlock()
		return app_errors.ErrNotFound
	}
	threadID := item.ThreadID
	cutoff := item.CreatedAt
	for id, other := range s.items {
		if other.ThreadID == threadID && other.CreatedAt.After(cutoff) {
			delete(s.items, id)
			if s.queue != nil {
				s.queue.Discard(id)
			}
		}
	}
	thread := s.threads[threadID]
	temporary := thread != nil && thread.IsTemporary
	s.mu.Unlock()

	if temporary {
		return nil
	}
	if err := s.repo.DeleteItemsAfter(ctx, threadID, cutoff); err != nil {
		s.log.Error("could not delete followup items", "thread_id", threadID, "error", err)
	}
	s.publish(notify.ThreadUpdate, notify.Payload{ThreadID: threadID})
	s.scheduleSync(threadID, false)
	return nil
}

// RetryItem creates a sibling of an existing turn: same query, same branch
// group, so the two answers become navigable alternatives.
func (s *ChatStore) RetryItem(ctx context.Context, itemID string) (*model.ThreadItem, error) {
	s.mu.Lock()
	original, ok := s.items[itemID]
	if !ok {
		s.mu.Unlock()
		return nil, app_errors.ErrNotFound
	}
	req := SubmitRequest{
		ThreadID:     original.ThreadID,
		Query:        original.Query,
		Mode:         original.Mode,
		BranchRootID: branch.ResolveRootID(*original, original.ID),
	}
	if original.ParentID != nil {
		req.ParentID = *original.ParentID
	}
	s.mu.Unlock()

	if err := s.RemoveFollowups(ctx, itemID); err != nil {
		return nil, err
	}
	return s.SubmitQuery(ctx, req)
}

// titleFromQuery derives a thread title from the first user message.
func titleFromQuery(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return "New Thread"
	}
	runes := []rune(text)
	if len(runes) > defaultTitleLimit {
		return string(runes[:defaultTitleLimit]) + "..."
	}
	return text
}
