// Package remote mirrors local threads to the remote persistence API and
// schedules when those pushes happen.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	app_errors "loomchat/engine/internal/errors"
	"loomchat/engine/internal/model"
)

// ThreadSummary is one entry of the remote thread listing.
type ThreadSummary struct {
	ThreadID  string       `json:"threadId"`
	Title     string       `json:"title"`
	UpdatedAt time.Time    `json:"updatedAt"`
	Payload   ThreadUpload `json:"payload"`
}

// ThreadUpload is the request body for creating or updating a remote thread.
type ThreadUpload struct {
	Thread model.Thread       `json:"thread"`
	Items  []model.ThreadItem `json:"items"`
}

// API is the remote persistence surface the scheduler drives. Implementations
// must map a 401 to errors.ErrUnauthorized and a 404 to errors.ErrNotFound.
type API interface {
	ListThreads(ctx context.Context) ([]ThreadSummary, error)
	CreateThread(ctx context.Context, upload ThreadUpload) error
	UpdateThread(ctx context.Context, upload ThreadUpload) error
	DeleteThread(ctx context.Context, threadID string) error
}

// Client talks to the remote persistence API over HTTP. All calls are
// credentialed with a bearer token and paced through a shared rate limiter so
// a burst of thread pushes cannot trip server-side limits.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(baseURL, token string, limiter *rate.Limiter) *Client {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: limiter,
	}
}

func (c *Client) ListThreads(ctx context.Context) ([]ThreadSummary, error) {
	resp, err := c.do(ctx, http.MethodGet, "/threads", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var summaries []ThreadSummary
	if err := json.NewDecoder(resp.Body).Decode(&summaries); err != nil {
		return nil, fmt.Errorf("could not decode thread listing: %w", err)
	}
	return summaries, nil
}

func (c *Client) CreateThread(ctx context.Context, upload ThreadUpload) error {
	resp, err := c.do(ctx, http.MethodPost, "/threads", upload)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (c *Client) UpdateThread(ctx context.Context, upload ThreadUpload) error {
	resp, err := c.do(ctx, http.MethodPatch, "/threads/"+upload.Thread.ID, upload)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/threads/"+threadID, nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("could not marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return nil, fmt.Errorf("%w: %s %s", app_errors.ErrUnauthorized, method, path)
		case http.StatusNotFound:
			return nil, fmt.Errorf("%w: %s %s", app_errors.ErrNotFound, method, path)
		default:
			return nil, fmt.Errorf("remote returned status %d: %s", resp.StatusCode, string(snippet))
		}
	}
	return resp, nil
}
