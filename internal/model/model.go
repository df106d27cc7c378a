package model

import (
	"encoding/json"
	"time"
)

// SyncMode controls whether the engine mirrors local state to the remote
// persistence API or keeps everything on-device.
type SyncMode string

const (
	SyncLocal  SyncMode = "local"
	SyncRemote SyncMode = "remote"
)

// ItemStatus is the lifecycle state of a single turn.
// QUEUED -> PENDING -> {COMPLETED | ERROR | ABORTED}.
type ItemStatus string

const (
	StatusQueued    ItemStatus = "QUEUED"
	StatusPending   ItemStatus = "PENDING"
	StatusCompleted ItemStatus = "COMPLETED"
	StatusAborted   ItemStatus = "ABORTED"
	StatusError     ItemStatus = "ERROR"
)

// Terminal reports whether the status admits no further transitions.
func (s ItemStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusAborted, StatusError:
		return true
	}
	return false
}

// Thread stores metadata about a conversation.
type Thread struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Pinned      bool       `json:"pinned"`
	PinnedAt    *time.Time `json:"pinned_at,omitempty"`
	IsTemporary bool       `json:"is_temporary,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Query is the user side of a turn.
type Query struct {
	Text       string `json:"text"`
	ImageData  string `json:"image_data,omitempty"` // data URL of an optional attachment
	ImageName  string `json:"image_name,omitempty"`
}

// Answer is the assistant side of a turn. Text is the running buffer that
// grows chunk by chunk during streaming; FinalText is set exactly once when
// the stream delivers the complete answer and wins over whatever accumulated.
type Answer struct {
	Text      string     `json:"text"`
	FinalText string     `json:"final_text,omitempty"`
	Status    ItemStatus `json:"status,omitempty"`
}

// Display returns the text the UI should render for this answer.
func (a Answer) Display() string {
	if a.FinalText != "" {
		return a.FinalText
	}
	return a.Text
}

// Step is one sub-task of a generation workflow (search, read, reasoning,
// wrapup), shown as progress while the answer is being produced.
type Step struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Status string `json:"status,omitempty"`
}

// Source is a web reference attached to an answer.
type Source struct {
	Index   int    `json:"index,omitempty"`
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet,omitempty"`
}

type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type ToolResult struct {
	CallID string          `json:"call_id"`
	Name   string          `json:"name,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// ThreadItem is one request/response exchange within a thread.
//
// BranchRootID groups alternative turns occupying the same conversational
// position (created by editing or retrying). Some creation paths attach the
// root opportunistically under Metadata["branchRootId"] instead; resolution
// of the effective root lives in the branch package.
type ThreadItem struct {
	ID           string  `json:"id"`
	ThreadID     string  `json:"thread_id"`
	ParentID     *string `json:"parent_id,omitempty"`
	BranchRootID string  `json:"branch_root_id,omitempty"`

	Mode   string     `json:"mode,omitempty"`
	Status ItemStatus `json:"status"`

	Query           Query  `json:"query"`
	Answer          Answer `json:"answer"`
	ThinkingProcess string `json:"thinking_process,omitempty"`

	Steps       []Step          `json:"steps,omitempty"`
	Sources     []Source        `json:"sources,omitempty"`
	Suggestions []string        `json:"suggestions,omitempty"`
	ToolCalls   []ToolCall      `json:"tool_calls,omitempty"`
	ToolResults []ToolResult    `json:"tool_results,omitempty"`
	Object      json.RawMessage `json:"object,omitempty"`

	ErrorMessage         string         `json:"error_message,omitempty"`
	TokensUsed           int            `json:"tokens_used,omitempty"`
	GenerationDurationMs int64          `json:"generation_duration_ms,omitempty"`
	Metadata             map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FullThread includes the thread metadata and all its items; this is the
// payload shape pushed to and pulled from the remote mirror.
type FullThread struct {
	Thread
	Items []ThreadItem `json:"items"`
}

// ItemPatch is a partial update applied to a ThreadItem. Pointer fields mean
// "not provided"; Text carries the next chunk to append to the running answer
// buffer, while FinalText means "the complete answer, stop accumulating".
type ItemPatch struct {
	ParentID     *string
	BranchRootID *string
	Mode         *string
	Status       *ItemStatus

	Query     *Query
	Text      string
	FinalText string

	ThinkingProcess *string
	Steps           []Step
	Sources         []Source
	Suggestions     []string
	ToolCalls       []ToolCall
	ToolResults     []ToolResult
	Object          json.RawMessage

	ErrorMessage         *string
	TokensUsed           *int
	GenerationDurationMs *int64
	Metadata             map[string]any
}
