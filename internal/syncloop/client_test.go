package syncloop

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-attempt/internal/model"
)

func TestClient_Clock(t *testing.T) {
	attemptID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/student/attempts/"+attemptID.String()+"/clock" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		w.Write([]byte(`{"data":{"attempt_id":"` + attemptID.String() + `","status":"in_progress",` +
			`"clock":{"remaining_seconds":95,"allotted_seconds":3600,"tag":"caution","server_time":"2026-01-01T10:00:00Z"}},` +
			`"metadata":{"request_id":"x","timestamp":"t"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/api/v1/", "tok", time.Second)
	r, err := c.Clock(context.Background(), attemptID)
	if err != nil {
		t.Fatalf("Clock: %v", err)
	}
	if r.Remaining != 95*time.Second || r.Allotted != time.Hour || r.Tag != "caution" {
		t.Fatalf("unexpected reading %+v", r)
	}
	if r.Terminal() {
		t.Fatalf("in_progress reading reported terminal")
	}
}

func TestClient_ErrorEnvelope(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCode  string
		retryable bool
		closed    bool
	}{
		{
			name:     "expired",
			status:   http.StatusConflict,
			body:     `{"data":null,"error":{"code":"ATTEMPT_EXPIRED","message":"Time is up","retryable":false}}`,
			wantCode: "ATTEMPT_EXPIRED",
			closed:   true,
		},
		{
			name:      "store down",
			status:    http.StatusServiceUnavailable,
			body:      `{"data":null,"error":{"code":"STORE_UNAVAILABLE","message":"Try again","retryable":true}}`,
			wantCode:  "STORE_UNAVAILABLE",
			retryable: true,
		},
		{
			name:      "proxy html",
			status:    http.StatusBadGateway,
			body:      `<html>bad gateway</html>`,
			wantCode:  "BAD_RESPONSE",
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "tok", time.Second)
			err := c.SaveAnswer(context.Background(), uuid.New(), uuid.New(), json.RawMessage(`1`))

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *APIError, got %v", err)
			}
			if apiErr.Code != tt.wantCode || apiErr.Status != tt.status {
				t.Fatalf("unexpected error %+v", apiErr)
			}
			if IsRetryable(err) != tt.retryable {
				t.Fatalf("IsRetryable = %v, want %v", IsRetryable(err), tt.retryable)
			}
			if IsClosed(err) != tt.closed {
				t.Fatalf("IsClosed = %v, want %v", IsClosed(err), tt.closed)
			}
		})
	}
}

func TestClient_StartOnClosedAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["entry_code"] != "1234" {
			t.Errorf("unexpected body %v (%v)", body, err)
		}
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"data":{"attempt":{"id":"` + uuid.NewString() + `","status":"completed"},` +
			`"clock":{"remaining_seconds":0,"allotted_seconds":60,"tag":"warning"},"resumed":true},` +
			`"error":{"code":"ATTEMPT_CLOSED","message":"closed","retryable":false}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", time.Second)
	info, err := c.Start(context.Background(), uuid.New(), uuid.New(), "1234")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !info.Closed || info.Attempt.Status != model.AttemptStatusCompleted || !info.Clock.Terminal() {
		t.Fatalf("unexpected start info %+v", info)
	}
}

func TestIsRetryable_TransportAndCancel(t *testing.T) {
	if !IsRetryable(errors.New("connection refused")) {
		t.Fatalf("transport errors must be retryable")
	}
	if IsRetryable(context.Canceled) {
		t.Fatalf("cancellation must not be retryable")
	}
	if IsRetryable(nil) {
		t.Fatalf("nil is not retryable")
	}
}
