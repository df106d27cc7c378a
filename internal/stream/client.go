// Package stream consumes the generation endpoint: it POSTs a job description
// and reads back a stream of typed events until the terminal done event.
// How the stream is produced (which model, which workflow) is not the
// engine's concern.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// Job describes one generation request.
type Job struct {
	ThreadID     string       `json:"threadId"`
	ThreadItemID string       `json:"threadItemId"`
	Mode         string       `json:"mode"`
	Messages     []JobMessage `json:"messages"`
}

// JobMessage is one entry of the conversation history sent to the model.
type JobMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	ImageData string `json:"imageData,omitempty"`
}

// Runner abstracts the generation endpoint for the chat store; tests swap in
// scripted event sequences.
type Runner interface {
	Run(ctx context.Context, job *Job, ch chan<- Event) error
}

type client struct {
	http *http.Client
	url  string
	log  *slog.Logger
}

// NewClient returns a Runner speaking the endpoint's line-delimited JSON
// protocol. The HTTP client carries no timeout; lifetime is context-driven
// because a generation can legitimately run for minutes.
func NewClient(url string, log *slog.Logger) Runner {
	if log == nil {
		log = slog.Default()
	}
	return &client{
		http: &http.Client{},
		url:  url,
		log:  log,
	}
}

// Run streams events into ch until the stream ends, the context is cancelled
// or the connection drops. ch is closed on return. A malformed line is
// skipped with a warning; one bad message must not kill the stream.
func (c *client) Run(ctx context.Context, job *Job, ch chan<- Event) error {
	defer close(ch)

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("could not marshal job: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("generation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("generation endpoint returned status %d: %s", resp.StatusCode, string(snippet))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		event, err := Decode(line)
		if err != nil {
			c.log.Warn("skipping unreadable stream event", "error", err)
			continue
		}
		select {
		case ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}
