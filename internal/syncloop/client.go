package syncloop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// APIError is an error envelope returned by the server.
type APIError struct {
	Status    int    `json:"-"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// IsRetryable reports whether the same request may be repeated unchanged.
// Transport failures never reached the server and are always retryable.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return err != nil && !errors.Is(err, context.Canceled)
}

// IsClosed reports a refusal because the attempt is no longer in progress.
func IsClosed(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == "ATTEMPT_CLOSED" || apiErr.Code == "ATTEMPT_EXPIRED"
}

// Reading is one authoritative clock answer.
type Reading struct {
	Status     model.AttemptStatus
	Remaining  time.Duration
	Allotted   time.Duration
	Tag        string
	ServerTime time.Time
}

// Terminal reports whether the attempt has left in_progress.
func (r *Reading) Terminal() bool {
	return r.Status.Terminal()
}

// Outcome is the answer to a submit.
type Outcome struct {
	Attempt         *model.Attempt `json:"attempt"`
	AlreadyClosed   bool           `json:"already_closed"`
	ResultAvailable bool           `json:"result_available"`
	Pending         bool           `json:"pending"`
	Result          *model.Result  `json:"result,omitempty"`
}

// StartInfo is the answer to a start or resume.
type StartInfo struct {
	Attempt *model.Attempt
	Clock   Reading
	Resumed bool
	// Closed is set when the attempt already ended; the client goes to the
	// result view instead of the exam.
	Closed bool
}

type wireClock struct {
	RemainingSeconds int64     `json:"remaining_seconds"`
	AllottedSeconds  int64     `json:"allotted_seconds"`
	Tag              string    `json:"tag"`
	ServerTime       time.Time `json:"server_time"`
}

func (w wireClock) reading(status model.AttemptStatus) Reading {
	return Reading{
		Status:     status,
		Remaining:  time.Duration(w.RemainingSeconds) * time.Second,
		Allotted:   time.Duration(w.AllottedSeconds) * time.Second,
		Tag:        w.Tag,
		ServerTime: w.ServerTime,
	}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *APIError       `json:"error"`
}

// Client calls the student attempt API.
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
}

// NewClient creates a Client. baseURL is the API root, e.g.
// http://localhost:8080/api/v1.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		hc:      &http.Client{Timeout: timeout},
	}
}

// Start creates or resumes the attempt for sessionID.
func (c *Client) Start(ctx context.Context, sessionID, examID uuid.UUID, entryCode string) (*StartInfo, error) {
	var out struct {
		Attempt *model.Attempt `json:"attempt"`
		Clock   wireClock      `json:"clock"`
		Resumed bool           `json:"resumed"`
	}
	body := map[string]string{"exam_id": examID.String(), "entry_code": entryCode}
	err := c.do(ctx, http.MethodPost, "/student/sessions/"+sessionID.String()+"/attempts", body, &out)

	var apiErr *APIError
	closed := errors.As(err, &apiErr) && apiErr.Code == "ATTEMPT_CLOSED"
	if err != nil && !closed {
		return nil, err
	}
	if out.Attempt == nil {
		return nil, errors.New("start: empty response")
	}
	return &StartInfo{
		Attempt: out.Attempt,
		Clock:   out.Clock.reading(out.Attempt.Status),
		Resumed: out.Resumed,
		Closed:  closed,
	}, nil
}

// Clock is the authoritative time query.
func (c *Client) Clock(ctx context.Context, attemptID uuid.UUID) (*Reading, error) {
	var out struct {
		Status model.AttemptStatus `json:"status"`
		Clock  wireClock           `json:"clock"`
	}
	if err := c.do(ctx, http.MethodGet, "/student/attempts/"+attemptID.String()+"/clock", nil, &out); err != nil {
		return nil, err
	}
	r := out.Clock.reading(out.Status)
	return &r, nil
}

// SaveAnswer upserts the answer for one question.
func (c *Client) SaveAnswer(ctx context.Context, attemptID, questionID uuid.UUID, value json.RawMessage) error {
	path := "/student/attempts/" + attemptID.String() + "/answers/" + questionID.String()
	return c.do(ctx, http.MethodPut, path, map[string]json.RawMessage{"value": value}, nil)
}

// SetCamera reports the monitoring resource state.
func (c *Client) SetCamera(ctx context.Context, attemptID uuid.UUID, enabled bool) error {
	return c.do(ctx, http.MethodPut, "/student/attempts/"+attemptID.String()+"/camera", map[string]bool{"enabled": enabled}, nil)
}

// Submit closes the attempt. Safe to repeat.
func (c *Client) Submit(ctx context.Context, attemptID uuid.UUID) (*Outcome, error) {
	var out Outcome
	if err := c.do(ctx, http.MethodPost, "/student/attempts/"+attemptID.String()+"/submit", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Result fetches the scored result once it is released.
func (c *Client) Result(ctx context.Context, attemptID uuid.UUID) (*model.Result, error) {
	var out struct {
		Result *model.Result `json:"result"`
	}
	if err := c.do(ctx, http.MethodGet, "/student/attempts/"+attemptID.String()+"/result", nil, &out); err != nil {
		return nil, err
	}
	return out.Result, nil
}

// do sends one request. On an error envelope dst is still filled from data
// when present, and the *APIError is returned.
func (c *Client) do(ctx context.Context, method, path string, body, dst interface{}) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &APIError{Status: resp.StatusCode, Code: "BAD_RESPONSE", Message: err.Error(), Retryable: resp.StatusCode >= 500}
	}
	if dst != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, dst); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	if env.Error != nil {
		env.Error.Status = resp.StatusCode
		return env.Error
	}
	return nil
}
