package stream

import (
	"encoding/json"
	"fmt"

	"loomchat/engine/internal/model"
)

// Event is the sum type over everything the generation endpoint can emit.
// Consumers switch exhaustively on the concrete types; adding a kind means
// adding a struct here and every switch stops compiling until handled.
type Event interface {
	event()
}

// Ref identifies the turn an event belongs to; every event carries one.
type Ref struct {
	ThreadID     string `json:"threadId"`
	ThreadItemID string `json:"threadItemId"`
}

type StepsEvent struct {
	Ref
	Steps []model.Step
}

type SourcesEvent struct {
	Ref
	Sources []model.Source
}

// AnswerEvent carries either the next incremental chunk (Text) or the frozen
// complete answer (FinalText), which wins over anything accumulated so far.
type AnswerEvent struct {
	Ref
	Text      string
	FinalText string
	Status    model.ItemStatus
}

type ErrorEvent struct {
	Ref
	Message string
}

type StatusEvent struct {
	Ref
	Status model.ItemStatus
}

type SuggestionsEvent struct {
	Ref
	Suggestions []string
}

type ToolCallsEvent struct {
	Ref
	Calls []model.ToolCall
}

type ToolResultsEvent struct {
	Ref
	Results []model.ToolResult
}

// ObjectEvent carries a structured output the engine stores opaquely.
type ObjectEvent struct {
	Ref
	Object json.RawMessage
}

type MetricsEvent struct {
	Ref
	TokensUsed int
	DurationMs int64
}

// DoneStatus is the terminal outcome reported by the done event.
type DoneStatus string

const (
	DoneComplete DoneStatus = "complete"
	DoneError    DoneStatus = "error"
	DoneAborted  DoneStatus = "aborted"
)

type DoneEvent struct {
	Ref
	Status DoneStatus
}

func (StepsEvent) event()       {}
func (SourcesEvent) event()     {}
func (AnswerEvent) event()      {}
func (ErrorEvent) event()       {}
func (StatusEvent) event()      {}
func (SuggestionsEvent) event() {}
func (ToolCallsEvent) event()   {}
func (ToolResultsEvent) event() {}
func (ObjectEvent) event()      {}
func (MetricsEvent) event()     {}
func (DoneEvent) event()        {}

// wireEvent is the JSON envelope of one line on the wire.
type wireEvent struct {
	Event string `json:"event"`
	Ref

	Steps       []model.Step       `json:"steps,omitempty"`
	Sources     []model.Source     `json:"sources,omitempty"`
	Answer      *wireAnswer        `json:"answer,omitempty"`
	Error       string             `json:"error,omitempty"`
	Status      string             `json:"status,omitempty"`
	Suggestions []string           `json:"suggestions,omitempty"`
	ToolCalls   []model.ToolCall   `json:"toolCalls,omitempty"`
	ToolResults []model.ToolResult `json:"toolResults,omitempty"`
	Object      json.RawMessage    `json:"object,omitempty"`
	Metrics     *wireMetrics       `json:"metrics,omitempty"`
}

type wireAnswer struct {
	Text      string `json:"text,omitempty"`
	FinalText string `json:"finalText,omitempty"`
	FullText  string `json:"fullText,omitempty"` // legacy alias for finalText
	Status    string `json:"status,omitempty"`
}

type wireMetrics struct {
	TokensUsed int   `json:"tokensUsed"`
	DurationMs int64 `json:"durationMs"`
}

// Decode parses one wire line into its typed event.
func Decode(line []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("malformed stream event: %w", err)
	}

	switch w.Event {
	case "steps":
		return StepsEvent{Ref: w.Ref, Steps: w.Steps}, nil
	case "sources":
		return SourcesEvent{Ref: w.Ref, Sources: w.Sources}, nil
	case "answer":
		ev := AnswerEvent{Ref: w.Ref}
		if w.Answer != nil {
			ev.Text = w.Answer.Text
			ev.FinalText = w.Answer.FinalText
			if ev.FinalText == "" {
				ev.FinalText = w.Answer.FullText
			}
			ev.Status = model.ItemStatus(w.Answer.Status)
		}
		return ev, nil
	case "error":
		return ErrorEvent{Ref: w.Ref, Message: w.Error}, nil
	case "status":
		return StatusEvent{Ref: w.Ref, Status: model.ItemStatus(w.Status)}, nil
	case "suggestions":
		return SuggestionsEvent{Ref: w.Ref, Suggestions: w.Suggestions}, nil
	case "toolCalls":
		return ToolCallsEvent{Ref: w.Ref, Calls: w.ToolCalls}, nil
	case "toolResults":
		return ToolResultsEvent{Ref: w.Ref, Results: w.ToolResults}, nil
	case "object":
		return ObjectEvent{Ref: w.Ref, Object: w.Object}, nil
	case "metrics":
		ev := MetricsEvent{Ref: w.Ref}
		if w.Metrics != nil {
			ev.TokensUsed = w.Metrics.TokensUsed
			ev.DurationMs = w.Metrics.DurationMs
		}
		return ev, nil
	case "done":
		return DoneEvent{Ref: w.Ref, Status: DoneStatus(w.Status)}, nil
	default:
		return nil, fmt.Errorf("unknown stream event kind %q", w.Event)
	}
}
