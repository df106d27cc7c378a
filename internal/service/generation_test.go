package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loomchat/engine/internal/batch"
	app_errors "loomchat/engine/internal/errors"
	"loomchat/engine/internal/model"
	"loomchat/engine/internal/repository/repositorytest"
	"loomchat/engine/internal/stream"
)

// scriptedRunner replays a fixed event sequence, stamping each event with
// the real thread and item ids from the job.
type scriptedRunner struct {
	events []stream.Event
	err    error
	block  bool // hold the stream open until the context is cancelled

	lastJob *stream.Job
}

func (r *scriptedRunner) Run(ctx context.Context, job *stream.Job, ch chan<- stream.Event) error {
	defer close(ch)
	r.lastJob = job
	ref := stream.Ref{ThreadID: job.ThreadID, ThreadItemID: job.ThreadItemID}
	for _, event := range r.events {
		select {
		case ch <- withRef(event, ref):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return r.err
}

func withRef(event stream.Event, ref stream.Ref) stream.Event {
	switch e := event.(type) {
	case stream.AnswerEvent:
		e.Ref = ref
		return e
	case stream.StepsEvent:
		e.Ref = ref
		return e
	case stream.SourcesEvent:
		e.Ref = ref
		return e
	case stream.SuggestionsEvent:
		e.Ref = ref
		return e
	case stream.MetricsEvent:
		e.Ref = ref
		return e
	case stream.ErrorEvent:
		e.Ref = ref
		return e
	case stream.DoneEvent:
		e.Ref = ref
		return e
	}
	return event
}

func newGenerationStore(t *testing.T, runner stream.Runner) (*ChatStore, *repositorytest.Fake) {
	t.Helper()
	repo := repositorytest.New()
	queue := batch.NewQueue(repo, time.Hour, nil)
	store := NewChatStore(repo, queue, nil, nil, runner, nil)
	t.Cleanup(store.Close)
	return store, repo
}

func TestChatStore_RunGeneration(t *testing.T) {
	ctx := context.Background()

	t.Run("Success - full stream to completion", func(t *testing.T) {
		runner := &scriptedRunner{events: []stream.Event{
			stream.StepsEvent{Steps: []model.Step{{ID: "s1", Type: "search", Status: "running"}}},
			stream.AnswerEvent{Text: "Hello"},
			stream.AnswerEvent{Text: " world"},
			stream.SourcesEvent{Sources: []model.Source{{Title: "Example", Link: "https://example.com"}}},
			stream.AnswerEvent{FinalText: "Hello world!"},
			stream.SuggestionsEvent{Suggestions: []string{"tell me more"}},
			stream.MetricsEvent{TokensUsed: 42, DurationMs: 900},
			stream.DoneEvent{Status: stream.DoneComplete},
		}}
		store, repo := newGenerationStore(t, runner)

		item, err := store.SubmitQuery(ctx, SubmitRequest{Query: model.Query{Text: "greet me"}})
		require.NoError(t, err)
		require.NoError(t, store.RunGeneration(ctx, item.ID))

		final, ok := store.Item(item.ID)
		require.True(t, ok)
		assert.Equal(t, model.StatusCompleted, final.Status)
		assert.Equal(t, "Hello world!", final.Answer.Display())
		assert.Len(t, final.Steps, 1)
		assert.Len(t, final.Sources, 1)
		assert.Equal(t, []string{"tell me more"}, final.Suggestions)
		assert.Equal(t, 42, final.TokensUsed)

		// terminal state is durable without an extra flush
		stored, err := repo.GetItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, stored.Status)
		assert.Equal(t, "Hello world!", stored.Answer.FinalText)
	})

	t.Run("Success - history holds resolved view up to the new turn", func(t *testing.T) {
		runner := &scriptedRunner{events: []stream.Event{
			stream.AnswerEvent{FinalText: "Paris"},
			stream.DoneEvent{Status: stream.DoneComplete},
		}}
		store, _ := newGenerationStore(t, runner)

		first, err := store.SubmitQuery(ctx, SubmitRequest{Query: model.Query{Text: "capital of France?"}})
		require.NoError(t, err)
		require.NoError(t, store.RunGeneration(ctx, first.ID))
		time.Sleep(2 * time.Millisecond)

		second, err := store.SubmitQuery(ctx, SubmitRequest{ThreadID: first.ThreadID, Query: model.Query{Text: "and Germany?"}})
		require.NoError(t, err)
		require.NoError(t, store.RunGeneration(ctx, second.ID))

		require.NotNil(t, runner.lastJob)
		messages := runner.lastJob.Messages
		require.Len(t, messages, 3)
		assert.Equal(t, "user", messages[0].Role)
		assert.Equal(t, "capital of France?", messages[0].Content)
		assert.Equal(t, "assistant", messages[1].Role)
		assert.Equal(t, "Paris", messages[1].Content)
		assert.Equal(t, "and Germany?", messages[2].Content)
	})

	t.Run("Success - abort persists ABORTED immediately", func(t *testing.T) {
		runner := &scriptedRunner{
			events: []stream.Event{stream.AnswerEvent{Text: "partial answ"}},
			block:  true,
		}
		store, repo := newGenerationStore(t, runner)

		item, err := store.SubmitQuery(ctx, SubmitRequest{Query: model.Query{Text: "long story"}})
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() { done <- store.RunGeneration(ctx, item.ID) }()

		require.Eventually(t, func() bool {
			current, ok := store.Item(item.ID)
			return ok && current.Answer.Text != ""
		}, time.Second, 5*time.Millisecond)

		store.StopGeneration()
		require.NoError(t, <-done)

		stored, err := repo.GetItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusAborted, stored.Status)
		assert.Equal(t, "partial answ", stored.Answer.Text)
	})

	t.Run("Failure - error event marks the item", func(t *testing.T) {
		runner := &scriptedRunner{events: []stream.Event{
			stream.AnswerEvent{Text: "thinking"},
			stream.ErrorEvent{Message: "model unavailable"},
		}}
		store, repo := newGenerationStore(t, runner)

		item, err := store.SubmitQuery(ctx, SubmitRequest{Query: model.Query{Text: "hi"}})
		require.NoError(t, err)
		require.NoError(t, store.RunGeneration(ctx, item.ID))

		stored, err := repo.GetItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusError, stored.Status)
		assert.Equal(t, "model unavailable", stored.ErrorMessage)
	})

	t.Run("Failure - transport error marks the item", func(t *testing.T) {
		runner := &scriptedRunner{
			events: []stream.Event{stream.AnswerEvent{Text: "par"}},
			err:    errors.New("connection reset"),
		}
		store, repo := newGenerationStore(t, runner)

		item, err := store.SubmitQuery(ctx, SubmitRequest{Query: model.Query{Text: "hi"}})
		require.NoError(t, err)
		err = store.RunGeneration(ctx, item.ID)
		require.Error(t, err)

		stored, getErr := repo.GetItem(ctx, item.ID)
		require.NoError(t, getErr)
		assert.Equal(t, model.StatusError, stored.Status)
		assert.Contains(t, stored.ErrorMessage, "connection reset")
	})

	t.Run("Failure - concurrent generation rejected", func(t *testing.T) {
		runner := &scriptedRunner{block: true}
		store, _ := newGenerationStore(t, runner)

		item, err := store.SubmitQuery(ctx, SubmitRequest{Query: model.Query{Text: "hi"}})
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() { done <- store.RunGeneration(ctx, item.ID) }()
		require.Eventually(t, func() bool {
			store.mu.Lock()
			defer store.mu.Unlock()
			return store.generating
		}, time.Second, time.Millisecond)

		assert.ErrorIs(t, store.RunGeneration(ctx, item.ID), app_errors.ErrConflict)
		_, err = store.SubmitQuery(ctx, SubmitRequest{Query: model.Query{Text: "another"}})
		assert.ErrorIs(t, err, app_errors.ErrConflict)

		store.StopGeneration()
		require.NoError(t, <-done)
	})

	t.Run("Success - stop with nothing running is a no-op", func(t *testing.T) {
		store, _ := newGenerationStore(t, &scriptedRunner{})
		store.StopGeneration()
	})
}
