package syncloop

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/model"
)

const waitTimeout = 2 * time.Second

// ─── Fakes ─────────────────────────────────────────────────────────────

type savedAnswer struct {
	questionID uuid.UUID
	value      string
}

type fakeAPI struct {
	mu         sync.Mutex
	clock      func(ctx context.Context, call int) (*Reading, error)
	clockN     int
	saveErr    error
	submitErrs []error
	submitN    int
	submitGate chan struct{}

	clockCalls chan int
	saves      chan savedAnswer
}

func newFakeAPI(clock func(ctx context.Context, call int) (*Reading, error)) *fakeAPI {
	return &fakeAPI{
		clock:      clock,
		clockCalls: make(chan int, 64),
		saves:      make(chan savedAnswer, 64),
	}
}

func (f *fakeAPI) Clock(ctx context.Context, _ uuid.UUID) (*Reading, error) {
	f.mu.Lock()
	f.clockN++
	n := f.clockN
	f.mu.Unlock()
	f.clockCalls <- n
	return f.clock(ctx, n)
}

func (f *fakeAPI) SaveAnswer(_ context.Context, _, questionID uuid.UUID, value json.RawMessage) error {
	f.mu.Lock()
	err := f.saveErr
	f.mu.Unlock()
	f.saves <- savedAnswer{questionID: questionID, value: string(value)}
	return err
}

func (f *fakeAPI) Submit(ctx context.Context, _ uuid.UUID) (*Outcome, error) {
	f.mu.Lock()
	f.submitN++
	gate := f.submitGate
	var err error
	if len(f.submitErrs) > 0 {
		err, f.submitErrs = f.submitErrs[0], f.submitErrs[1:]
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &Outcome{Attempt: &model.Attempt{Status: model.AttemptStatusSubmitted}}, nil
}

func (f *fakeAPI) submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitN
}

func inProgress(remaining time.Duration) *Reading {
	return &Reading{Status: model.AttemptStatusInProgress, Remaining: remaining, Tag: "normal"}
}

func expired() *Reading {
	return &Reading{Status: model.AttemptStatusExpired, Tag: "warning"}
}

type fakeResource struct{ released chan struct{} }

func (r *fakeResource) Release() { r.released <- struct{}{} }

type fakeTimer struct {
	f       func()
	stopped bool
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) afterFunc(_ time.Duration, f func()) func() bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{f: f}
	ft.timers = append(ft.timers, t)
	return func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		was := !t.stopped
		t.stopped = true
		return was
	}
}

// fireAll runs every armed timer once.
func (ft *fakeTimers) fireAll() int {
	ft.mu.Lock()
	var armed []*fakeTimer
	for _, t := range ft.timers {
		if !t.stopped {
			t.stopped = true
			armed = append(armed, t)
		}
	}
	ft.mu.Unlock()
	for _, t := range armed {
		t.f()
	}
	return len(armed)
}

// ─── Harness ───────────────────────────────────────────────────────────

type harness struct {
	api      *fakeAPI
	loop     *Loop
	timers   *fakeTimers
	resource *fakeResource
	refreshC chan time.Time
	displayC chan time.Time
	displays chan Display
	closed   chan *Outcome
	errs     chan error
	runErr   chan error
}

func start(t *testing.T, api *fakeAPI, initial Reading) *harness {
	t.Helper()
	h := &harness{
		api:      api,
		timers:   &fakeTimers{},
		resource: &fakeResource{released: make(chan struct{}, 4)},
		refreshC: make(chan time.Time),
		displayC: make(chan time.Time),
		displays: make(chan Display, 256),
		closed:   make(chan *Outcome, 4),
		errs:     make(chan error, 64),
		runErr:   make(chan error, 1),
	}

	cfg := DefaultConfig
	cfg.SubmitBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond

	hooks := Hooks{
		OnDisplay: func(d Display) { h.displays <- d },
		OnClosed:  func(o *Outcome) { h.closed <- o },
		OnError:   func(err error) { h.errs <- err },
	}
	h.loop = New(api, uuid.New(), initial, h.resource, cfg, hooks, zerolog.Nop())
	h.loop.newTicker = func(d time.Duration) (<-chan time.Time, func()) {
		if d == cfg.RefreshInterval {
			return h.refreshC, func() {}
		}
		return h.displayC, func() {}
	}
	h.loop.afterFunc = h.timers.afterFunc

	go func() { h.runErr <- h.loop.Run(context.Background()) }()
	t.Cleanup(h.loop.Stop)
	return h
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func (h *harness) waitDisplay(t *testing.T, what string, match func(Display) bool) Display {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case d := <-h.displays:
			if match(d) {
				return d
			}
		case <-deadline:
			t.Fatalf("timed out waiting for display: %s", what)
		}
	}
}

// inspect runs f on the loop goroutine.
func (h *harness) inspect(t *testing.T, f func(l *Loop)) {
	t.Helper()
	done := make(chan struct{})
	h.loop.post(func(context.Context) {
		f(h.loop)
		close(done)
	})
	recv(t, done, "loop to run inspection")
}

// settle waits until no clock request is in flight.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	for i := 0; i < 400; i++ {
		var refreshing bool
		h.inspect(t, func(l *Loop) { refreshing = l.refreshing })
		if !refreshing {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("clock request never completed")
}

func (h *harness) tick(t *testing.T, c chan time.Time) {
	t.Helper()
	select {
	case c <- time.Now():
	case <-time.After(waitTimeout):
		t.Fatalf("loop did not take the tick")
	}
}

func noneWithin[T any](t *testing.T, ch <-chan T, d time.Duration, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %v", what, v)
	case <-time.After(d):
	}
}

// ─── Tests ─────────────────────────────────────────────────────────────

func TestLoop_ExpiredReadingSubmitsOnce(t *testing.T) {
	api := newFakeAPI(func(context.Context, int) (*Reading, error) { return expired(), nil })
	h := start(t, api, *inProgress(time.Minute))

	out := recv(t, h.closed, "close")
	if out.Attempt == nil || out.Attempt.Status != model.AttemptStatusSubmitted {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if err := recv(t, h.runErr, "run to return"); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	recv(t, h.resource.released, "resource release")
	if n := api.submits(); n != 1 {
		t.Fatalf("expected one submit, got %d", n)
	}
	noneWithin(t, h.resource.released, 20*time.Millisecond, "second release")
}

func TestLoop_DisplayCountsDownAndRefreshOverwrites(t *testing.T) {
	api := newFakeAPI(func(_ context.Context, call int) (*Reading, error) {
		if call == 1 {
			return inProgress(10 * time.Second), nil
		}
		r := inProgress(9 * time.Second)
		r.Tag = "warning"
		return r, nil
	})
	h := start(t, api, *inProgress(10 * time.Second))
	recv(t, api.clockCalls, "first refresh")
	h.settle(t)

	h.tick(t, h.displayC)
	h.tick(t, h.displayC)
	h.waitDisplay(t, "8s left", func(d Display) bool { return d.Remaining == 8*time.Second })

	h.tick(t, h.refreshC)
	d := h.waitDisplay(t, "server reading", func(d Display) bool { return d.Tag == "warning" })
	if d.Remaining != 9*time.Second {
		t.Fatalf("expected server reading to overwrite local count, got %s", d.Remaining)
	}
	if n := api.submits(); n != 0 {
		t.Fatalf("expected no submit, got %d", n)
	}
}

func TestLoop_OfflineCountsDownAndRefreshesOnReconnect(t *testing.T) {
	api := newFakeAPI(func(_ context.Context, call int) (*Reading, error) {
		if call == 1 {
			return inProgress(time.Second), nil
		}
		return expired(), nil
	})
	h := start(t, api, *inProgress(time.Second))
	recv(t, api.clockCalls, "first refresh")
	h.settle(t)

	h.loop.SetOnline(false)
	h.waitDisplay(t, "offline", func(d Display) bool { return !d.Online })

	h.tick(t, h.refreshC)
	h.tick(t, h.displayC)
	h.waitDisplay(t, "local zero", func(d Display) bool { return d.Remaining == 0 })

	// Neither the refresh tick nor the local zero may reach the server.
	noneWithin(t, api.clockCalls, 30*time.Millisecond, "clock call while offline")
	if n := api.submits(); n != 0 {
		t.Fatalf("local countdown must not submit, got %d submits", n)
	}

	h.loop.SetOnline(true)
	if n := recv(t, api.clockCalls, "refresh on reconnect"); n != 2 {
		t.Fatalf("expected second clock call, got %d", n)
	}
	recv(t, h.closed, "close after expired reading")
}

func TestLoop_LateReadingDoesNotReopenAfterSubmit(t *testing.T) {
	clockGate := make(chan struct{})
	api := newFakeAPI(func(ctx context.Context, call int) (*Reading, error) {
		if call == 1 {
			return inProgress(time.Minute), nil
		}
		<-clockGate
		return inProgress(42 * time.Second), nil
	})
	api.submitGate = make(chan struct{})
	h := start(t, api, *inProgress(time.Minute))
	recv(t, api.clockCalls, "first refresh")
	h.settle(t)

	h.tick(t, h.refreshC)
	recv(t, api.clockCalls, "second refresh")

	h.loop.Submit()
	h.waitDisplay(t, "submitting", func(d Display) bool { return d.Submitting })

	close(clockGate)
	h.settle(t)

	h.inspect(t, func(l *Loop) {
		if !l.submitting {
			t.Errorf("late reading cleared the submit guard")
		}
		if l.remaining == 42*time.Second {
			t.Errorf("late reading was applied")
		}
	})

	close(api.submitGate)
	recv(t, h.closed, "close")
	if n := api.submits(); n != 1 {
		t.Fatalf("expected one submit, got %d", n)
	}
}

func TestLoop_AnswerDebounceSendsLastValue(t *testing.T) {
	api := newFakeAPI(func(context.Context, int) (*Reading, error) { return inProgress(time.Minute), nil })
	h := start(t, api, *inProgress(time.Minute))
	q1, q2 := uuid.New(), uuid.New()

	h.loop.Answer(q1, json.RawMessage(`"a"`))
	h.loop.Answer(q1, json.RawMessage(`"b"`))
	h.loop.Answer(q2, json.RawMessage(`3`))
	h.inspect(t, func(*Loop) {})

	if n := h.timers.fireAll(); n != 2 {
		t.Fatalf("expected 2 armed timers, got %d", n)
	}

	got := map[uuid.UUID]string{}
	for i := 0; i < 2; i++ {
		s := recv(t, api.saves, "save")
		got[s.questionID] = s.value
	}
	if got[q1] != `"b"` || got[q2] != `3` {
		t.Fatalf("unexpected saves %v", got)
	}
	noneWithin(t, api.saves, 30*time.Millisecond, "extra save")
}

func TestLoop_SubmitFlushesUnsentAnswers(t *testing.T) {
	api := newFakeAPI(func(context.Context, int) (*Reading, error) { return inProgress(time.Minute), nil })
	h := start(t, api, *inProgress(time.Minute))
	q := uuid.New()

	h.loop.Answer(q, json.RawMessage(`7`))
	h.loop.Submit()

	s := recv(t, api.saves, "final save")
	if s.questionID != q || s.value != `7` {
		t.Fatalf("unexpected save %+v", s)
	}
	recv(t, h.closed, "close")

	// The debounce timer was cancelled by submit.
	if n := h.timers.fireAll(); n != 0 {
		t.Fatalf("expected no armed timers after submit, got %d", n)
	}
}

func TestLoop_SaveRefusedAsExpiredAsksServer(t *testing.T) {
	api := newFakeAPI(func(_ context.Context, call int) (*Reading, error) {
		if call == 1 {
			return inProgress(time.Minute), nil
		}
		return expired(), nil
	})
	api.saveErr = &APIError{Status: 409, Code: "ATTEMPT_EXPIRED"}
	h := start(t, api, *inProgress(time.Minute))
	recv(t, api.clockCalls, "first refresh")
	h.settle(t)

	h.loop.Answer(uuid.New(), json.RawMessage(`1`))
	h.inspect(t, func(*Loop) {})
	h.timers.fireAll()

	recv(t, api.saves, "save")
	recv(t, api.clockCalls, "refresh after refusal")
	recv(t, h.closed, "close")
}

func TestLoop_SubmitRetriesTransientFailure(t *testing.T) {
	api := newFakeAPI(func(context.Context, int) (*Reading, error) { return inProgress(time.Minute), nil })
	api.submitErrs = []error{
		&APIError{Status: 503, Code: "STORE_UNAVAILABLE", Retryable: true},
		&APIError{Status: 503, Code: "STORE_UNAVAILABLE", Retryable: true},
	}
	h := start(t, api, *inProgress(time.Minute))

	h.loop.Submit()
	recv(t, h.closed, "close")
	if n := api.submits(); n != 3 {
		t.Fatalf("expected 3 submit calls, got %d", n)
	}
}

func TestLoop_SubmitOnClosedAttemptCloses(t *testing.T) {
	api := newFakeAPI(func(context.Context, int) (*Reading, error) { return inProgress(time.Minute), nil })
	api.submitErrs = []error{&APIError{Status: 409, Code: "ATTEMPT_CLOSED"}}
	h := start(t, api, *inProgress(time.Minute))

	h.loop.Submit()
	out := recv(t, h.closed, "close")
	if !out.AlreadyClosed {
		t.Fatalf("expected already closed outcome, got %+v", out)
	}
}

func TestLoop_StopReleasesWithoutSubmitting(t *testing.T) {
	api := newFakeAPI(func(context.Context, int) (*Reading, error) { return inProgress(time.Minute), nil })
	h := start(t, api, *inProgress(time.Minute))
	recv(t, api.clockCalls, "first refresh")

	h.loop.Stop()
	if err := recv(t, h.runErr, "run to return"); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	recv(t, h.resource.released, "resource release")
	if n := api.submits(); n != 0 {
		t.Fatalf("stop must not submit, got %d", n)
	}

	// Events after exit are dropped instead of blocking.
	h.loop.Answer(uuid.New(), json.RawMessage(`1`))
	h.loop.Submit()
}
