package stream_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loomchat/engine/internal/model"
	"loomchat/engine/internal/stream"
)

func TestDecode(t *testing.T) {
	t.Run("Answer chunk", func(t *testing.T) {
		event, err := stream.Decode([]byte(`{"event":"answer","threadId":"t1","threadItemId":"i1","answer":{"text":"Hi"}}`))
		require.NoError(t, err)
		answer, ok := event.(stream.AnswerEvent)
		require.True(t, ok)
		assert.Equal(t, "t1", answer.ThreadID)
		assert.Equal(t, "i1", answer.ThreadItemID)
		assert.Equal(t, "Hi", answer.Text)
		assert.Empty(t, answer.FinalText)
	})

	t.Run("Answer fullText legacy alias maps to FinalText", func(t *testing.T) {
		event, err := stream.Decode([]byte(`{"event":"answer","threadId":"t1","threadItemId":"i1","answer":{"fullText":"Hello world!"}}`))
		require.NoError(t, err)
		answer := event.(stream.AnswerEvent)
		assert.Equal(t, "Hello world!", answer.FinalText)
	})

	t.Run("Done event", func(t *testing.T) {
		event, err := stream.Decode([]byte(`{"event":"done","threadId":"t1","threadItemId":"i1","status":"complete"}`))
		require.NoError(t, err)
		done := event.(stream.DoneEvent)
		assert.Equal(t, stream.DoneComplete, done.Status)
	})

	t.Run("Steps event", func(t *testing.T) {
		event, err := stream.Decode([]byte(`{"event":"steps","threadId":"t1","threadItemId":"i1","steps":[{"id":"s1","type":"search","status":"running"}]}`))
		require.NoError(t, err)
		steps := event.(stream.StepsEvent)
		require.Len(t, steps.Steps, 1)
		assert.Equal(t, "search", steps.Steps[0].Type)
	})

	t.Run("Status event", func(t *testing.T) {
		event, err := stream.Decode([]byte(`{"event":"status","threadId":"t1","threadItemId":"i1","status":"PENDING"}`))
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, event.(stream.StatusEvent).Status)
	})

	t.Run("Failure - unknown kind", func(t *testing.T) {
		_, err := stream.Decode([]byte(`{"event":"telepathy"}`))
		assert.ErrorContains(t, err, "unknown stream event kind")
	})

	t.Run("Failure - malformed JSON", func(t *testing.T) {
		_, err := stream.Decode([]byte(`{"event":`))
		assert.ErrorContains(t, err, "malformed stream event")
	})
}

func TestClient_Run(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		lines := []string{
			`{"event":"status","threadId":"t1","threadItemId":"i1","status":"PENDING"}`,
			`{"event":"answer","threadId":"t1","threadItemId":"i1","answer":{"text":"Hello"}}`,
			`this line is not json and must be skipped`,
			`{"event":"answer","threadId":"t1","threadItemId":"i1","answer":{"text":" world"}}`,
			`{"event":"done","threadId":"t1","threadItemId":"i1","status":"complete"}`,
		}
		for _, line := range lines {
			_, _ = w.Write([]byte(line + "\n"))
		}
	}))
	defer server.Close()

	client := stream.NewClient(server.URL, nil)
	ch := make(chan stream.Event, 16)
	err := client.Run(context.Background(), &stream.Job{ThreadID: "t1", ThreadItemID: "i1"}, ch)
	require.NoError(t, err)

	var events []stream.Event
	for event := range ch {
		events = append(events, event)
	}
	// The malformed line vanished; everything else arrived in order.
	require.Len(t, events, 4)
	assert.IsType(t, stream.StatusEvent{}, events[0])
	assert.IsType(t, stream.AnswerEvent{}, events[1])
	assert.IsType(t, stream.AnswerEvent{}, events[2])
	assert.IsType(t, stream.DoneEvent{}, events[3])
}

func TestClient_RunNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := stream.NewClient(server.URL, nil)
	ch := make(chan stream.Event, 1)
	err := client.Run(context.Background(), &stream.Job{}, ch)
	assert.ErrorContains(t, err, "503")
}
