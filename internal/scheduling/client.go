package scheduling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrSchedulerUnavailable wraps any transport-level failure talking to the
// job scheduling service. Callers treat it as a degradation, not a
// user-facing error.
var ErrSchedulerUnavailable = errors.New("job scheduler unavailable")

type JobRequest struct {
	Name        string          `json:"name"`
	DueAt       time.Time       `json:"due_at"`
	CallbackURL string          `json:"callback_url"`
	Payload     json.RawMessage `json:"payload"`
	Repeats     int             `json:"repeats"`
}

type jobResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
}

// Client talks to the external job scheduling service. Schedule and Cancel
// are keyed by job name; scheduling an existing name replaces it.
type Client struct {
	BaseURL     string
	CallbackURL string
	HTTP        *http.Client
}

func NewClient(baseURL, callbackURL string) *Client {
	return &Client{
		BaseURL:     baseURL,
		CallbackURL: callbackURL,
		HTTP:        &http.Client{Timeout: 5 * time.Second},
	}
}

// Schedule requests a one-shot job and returns the scheduler's opaque job
// reference.
func (c *Client) Schedule(ctx context.Context, name string, dueAt time.Time, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(JobRequest{
		Name:        name,
		DueAt:       dueAt.UTC(),
		CallbackURL: c.CallbackURL,
		Payload:     raw,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSchedulerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode >= 500 {
			return "", fmt.Errorf("%w: status %d: %s", ErrSchedulerUnavailable, resp.StatusCode, msg)
		}
		return "", fmt.Errorf("schedule job %q rejected: status %d: %s", name, resp.StatusCode, msg)
	}

	var parsed jobResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode schedule response: %w", err)
	}
	return parsed.JobID, nil
}

// Cancel is best-effort: a missing job counts as cancelled, and the caller
// must not rely on cancellation succeeding (the due-callback status check
// is the correctness backstop).
func (c *Client) Cancel(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+"/api/v1/jobs/"+name, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchedulerUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("cancel job %q failed: status %d: %s", name, resp.StatusCode, msg)
	}
}
