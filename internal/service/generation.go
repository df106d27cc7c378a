package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	app_errors "loomchat/engine/internal/errors"
	"loomchat/engine/internal/model"
	"loomchat/engine/internal/stream"
)

// checkpointInterval bounds how much streamed answer text a crash can lose.
// Mid-stream chunks skip the write queue entirely; once per interval the
// accumulated state is written through durably.
const checkpointInterval = time.Second

// RunGeneration drives the model for a previously submitted item: it builds
// the conversation history from the resolved branch view, streams events and
// folds each one into the item, and persists a checkpoint at most once per
// second until the terminal write. Blocks until the stream ends; callers
// wanting concurrency run it in a goroutine and use StopGeneration to abort.
func (s *ChatStore) RunGeneration(ctx context.Context, itemID string) error {
	s.mu.Lock()
	if s.generating {
		s.mu.Unlock()
		return fmt.Errorf("%w: a generation is already running", app_errors.ErrConflict)
	}
	item, ok := s.items[itemID]
	if !ok {
		s.mu.Unlock()
		return app_errors.ErrNotFound
	}
	if item.Status.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: item %s already finished", app_errors.ErrConflict, itemID)
	}
	threadID := item.ThreadID
	mode := item.Mode
	genCtx, cancel := context.WithCancel(ctx)
	s.generating = true
	s.abortGen = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.generating = false
		s.abortGen = nil
		s.mu.Unlock()
	}()

	if s.runner == nil {
		return fmt.Errorf("%w: no generation runner configured", app_errors.ErrInternal)
	}

	job := &stream.Job{
		ThreadID:     threadID,
		ThreadItemID: itemID,
		Mode:         mode,
		Messages:     s.buildHistory(threadID, itemID),
	}

	pending := model.StatusPending
	s.UpdateThreadItem(ctx, threadID, itemID, model.ItemPatch{Status: &pending}, PersistBatched)

	started := time.Now()
	events := make(chan stream.Event, 32)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.runner.Run(genCtx, job, events)
	}()

	lastCheckpoint := time.Now()
	done := false
	for event := range events {
		persist := PersistSkip
		if time.Since(lastCheckpoint) >= checkpointInterval {
			persist = PersistNow
			lastCheckpoint = time.Now()
		}
		if s.applyEvent(ctx, event, started, persist) {
			done = true
		}
	}

	runErr := <-errCh
	switch {
	case done:
		// Terminal event already persisted the final state.
	case genCtx.Err() != nil || errors.Is(runErr, context.Canceled):
		s.finishItem(ctx, threadID, itemID, model.StatusAborted, "", started)
	case runErr != nil:
		s.finishItem(ctx, threadID, itemID, model.StatusError, runErr.Error(), started)
		return runErr
	default:
		// Stream closed without a done event; treat the accumulated answer
		// as complete rather than dropping it.
		s.finishItem(ctx, threadID, itemID, model.StatusCompleted, "", started)
	}
	return nil
}

// applyEvent folds one stream event into its item. Reports whether the event
// was terminal, in which case the final state is flushed durably regardless
// of the checkpoint schedule.
func (s *ChatStore) applyEvent(ctx context.Context, event stream.Event, started time.Time, persist PersistMode) bool {
	switch e := event.(type) {
	case stream.AnswerEvent:
		patch := model.ItemPatch{Text: e.Text, FinalText: e.FinalText}
		if e.Status != "" {
			status := e.Status
			patch.Status = &status
		}
		s.UpdateThreadItem(ctx, e.ThreadID, e.ThreadItemID, patch, persist)
	case stream.StepsEvent:
		s.UpdateThreadItem(ctx, e.ThreadID, e.ThreadItemID, model.ItemPatch{Steps: e.Steps}, persist)
	case stream.SourcesEvent:
		s.UpdateThreadItem(ctx, e.ThreadID, e.ThreadItemID, model.ItemPatch{Sources: e.Sources}, persist)
	case stream.SuggestionsEvent:
		s.UpdateThreadItem(ctx, e.ThreadID, e.ThreadItemID, model.ItemPatch{Suggestions: e.Suggestions}, persist)
	case stream.ToolCallsEvent:
		s.UpdateThreadItem(ctx, e.ThreadID, e.ThreadItemID, model.ItemPatch{ToolCalls: e.Calls}, persist)
	case stream.ToolResultsEvent:
		s.UpdateThreadItem(ctx, e.ThreadID, e.ThreadItemID, model.ItemPatch{ToolResults: e.Results}, persist)
	case stream.ObjectEvent:
		s.UpdateThreadItem(ctx, e.ThreadID, e.ThreadItemID, model.ItemPatch{Object: e.Object}, persist)
	case stream.MetricsEvent:
		tokens := e.TokensUsed
		duration := e.DurationMs
		s.UpdateThreadItem(ctx, e.ThreadID, e.ThreadItemID, model.ItemPatch{TokensUsed: &tokens, GenerationDurationMs: &duration}, persist)
	case stream.StatusEvent:
		status := e.Status
		mode := persist
		if status.Terminal() {
			mode = PersistNow
		}
		s.UpdateThreadItem(ctx, e.ThreadID, e.ThreadItemID, model.ItemPatch{Status: &status}, mode)
	case stream.ErrorEvent:
		s.finishItem(ctx, e.ThreadID, e.ThreadItemID, model.StatusError, e.Message, started)
		return true
	case stream.DoneEvent:
		status := model.StatusCompleted
		switch e.Status {
		case stream.DoneError:
			status = model.StatusError
		case stream.DoneAborted:
			status = model.StatusAborted
		}
		s.finishItem(ctx, e.ThreadID, e.ThreadItemID, status, "", started)
		return true
	}
	return false
}

// finishItem writes the terminal state through immediately and schedules the
// remote push for the finished turn.
func (s *ChatStore) finishItem(ctx context.Context, threadID, itemID string, status model.ItemStatus, errMsg string, started time.Time) {
	duration := time.Since(started).Milliseconds()
	patch := model.ItemPatch{Status: &status, GenerationDurationMs: &duration}
	if errMsg != "" {
		patch.ErrorMessage = &errMsg
	}
	s.UpdateThreadItem(ctx, threadID, itemID, patch, PersistNow)
}

// StopGeneration aborts the running generation, if any. Safe to call when
// nothing is running; the app wires it to a hotkey that may fire anytime.
func (s *ChatStore) StopGeneration() {
	s.mu.Lock()
	cancel := s.abortGen
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// buildHistory converts the resolved conversation view into the message list
// for the model, stopping before the item being generated. Only the selected
// branch of each group is included; the model never sees rejected siblings.
func (s *ChatStore) buildHistory(threadID, itemID string) []stream.JobMessage {
	view := s.GetConversationItems(threadID)
	messages := make([]stream.JobMessage, 0, len(view)*2)
	for _, item := range view {
		if item.ID == itemID {
			messages = append(messages, stream.JobMessage{
				Role:      "user",
				Content:   item.Query.Text,
				ImageData: item.Query.ImageData,
			})
			break
		}
		messages = append(messages, stream.JobMessage{
			Role:      "user",
			Content:   item.Query.Text,
			ImageData: item.Query.ImageData,
		})
		if answer := item.Answer.Display(); answer != "" {
			messages = append(messages, stream.JobMessage{Role: "assistant", Content: answer})
		}
	}
	return messages
}
