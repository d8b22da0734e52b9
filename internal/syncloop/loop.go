// Package syncloop is the client side of an attempt: it keeps a local
// countdown for display, refreshes it from the server, debounces answer saves
// and submits exactly once when the server says time is up.
//
// The local countdown is cosmetic. Only a server reading or a server refusal
// ever moves the loop toward submission.
package syncloop

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// API is the server surface the loop drives. *Client implements it.
type API interface {
	Clock(ctx context.Context, attemptID uuid.UUID) (*Reading, error)
	SaveAnswer(ctx context.Context, attemptID, questionID uuid.UUID, value json.RawMessage) error
	Submit(ctx context.Context, attemptID uuid.UUID) (*Outcome, error)
}

// Resource is held while the attempt is in progress, e.g. a camera stream.
type Resource interface {
	Release()
}

// Display is what the exam view renders on every tick.
type Display struct {
	Remaining time.Duration
	Tag       string
	Online    bool
	// Submitting is true from the moment submission starts; the view must
	// not accept input afterwards.
	Submitting bool
}

// Hooks receive loop output. Every hook runs on the loop goroutine and must
// not block.
type Hooks struct {
	OnDisplay func(Display)
	OnClosed  func(*Outcome)
	OnError   func(error)
}

// Config holds the loop timings.
type Config struct {
	RefreshInterval time.Duration
	DisplayInterval time.Duration
	SaveDebounce    time.Duration
	SubmitBackoff   time.Duration
	MaxBackoff      time.Duration
}

// DefaultConfig polls every two seconds, ticks the display every second and
// waits half a second of quiet before saving an answer.
var DefaultConfig = Config{
	RefreshInterval: 2 * time.Second,
	DisplayInterval: time.Second,
	SaveDebounce:    500 * time.Millisecond,
	SubmitBackoff:   500 * time.Millisecond,
	MaxBackoff:      5 * time.Second,
}

type pendingAnswer struct {
	value json.RawMessage
	stop  func() bool
}

// Loop owns one attempt on the client. State is only touched by the goroutine
// running Run; public methods post events to it.
type Loop struct {
	api       API
	attemptID uuid.UUID
	resource  Resource
	cfg       Config
	hooks     Hooks
	log       zerolog.Logger

	newTicker func(d time.Duration) (<-chan time.Time, func())
	afterFunc func(d time.Duration, f func()) func() bool

	events      chan func(context.Context)
	done        chan struct{}
	cancelMu    sync.Mutex
	cancel      context.CancelFunc
	stopped     bool
	releaseOnce sync.Once

	remaining  time.Duration
	tag        string
	online     bool
	refreshing bool
	submitting bool
	closed     bool
	pending    map[uuid.UUID]*pendingAnswer
}

// New creates a loop for attemptID seeded with the start reading. resource may
// be nil.
func New(api API, attemptID uuid.UUID, initial Reading, resource Resource, cfg Config, hooks Hooks, log zerolog.Logger) *Loop {
	return &Loop{
		api:       api,
		attemptID: attemptID,
		resource:  resource,
		cfg:       cfg,
		hooks:     hooks,
		log:       log.With().Str("attempt_id", attemptID.String()).Logger(),
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		events:    make(chan func(context.Context), 32),
		done:      make(chan struct{}),
		remaining: initial.Remaining,
		tag:       initial.Tag,
		online:    true,
		pending:   make(map[uuid.UUID]*pendingAnswer),
	}
}

// Run drives the attempt until it is closed on the server, ctx is done or Stop
// is called. The monitoring resource is released on every exit path.
func (l *Loop) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	l.cancelMu.Lock()
	if l.stopped {
		l.cancelMu.Unlock()
		cancel()
		l.teardown()
		return nil
	}
	l.cancel = cancel
	l.cancelMu.Unlock()
	defer cancel()
	defer l.teardown()

	refreshC, stopRefresh := l.newTicker(l.cfg.RefreshInterval)
	defer stopRefresh()
	displayC, stopDisplay := l.newTicker(l.cfg.DisplayInterval)
	defer stopDisplay()

	l.emit()
	l.refresh(ctx)

	for !l.closed {
		select {
		case <-ctx.Done():
			if l.isStopped() {
				return nil
			}
			return ctx.Err()
		case <-refreshC:
			l.refresh(ctx)
		case <-displayC:
			l.tick(ctx)
		case ev := <-l.events:
			ev(ctx)
		}
	}
	return nil
}

// Stop ends the loop without submitting, e.g. when the student navigates
// away. The attempt keeps running on the server.
func (l *Loop) Stop() {
	l.cancelMu.Lock()
	l.stopped = true
	cancel := l.cancel
	l.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Answer records a new value for a question. Saves are debounced per question
// so only the last value of a burst is sent.
func (l *Loop) Answer(questionID uuid.UUID, value json.RawMessage) {
	l.post(func(ctx context.Context) {
		if l.submitting || l.closed {
			return
		}
		if p, ok := l.pending[questionID]; ok && p.stop != nil {
			p.stop()
		}
		l.pending[questionID] = &pendingAnswer{value: value, stop: l.schedule(questionID)}
	})
}

// SetOnline reports a connectivity change. Going back online refreshes the
// clock immediately and sends saves held while offline.
func (l *Loop) SetOnline(online bool) {
	l.post(func(ctx context.Context) {
		wasOffline := !l.online
		l.online = online
		l.emit()
		if online && wasOffline {
			for qid, p := range l.pending {
				if p.stop == nil {
					l.flushAnswer(ctx, qid)
				}
			}
			l.refresh(ctx)
		}
	})
}

// Submit is the student's own submit. Calling it more than once is harmless.
func (l *Loop) Submit() {
	l.post(func(ctx context.Context) {
		l.beginSubmit(ctx)
	})
}

func (l *Loop) post(ev func(context.Context)) {
	select {
	case l.events <- ev:
	case <-l.done:
	}
}

func (l *Loop) isStopped() bool {
	l.cancelMu.Lock()
	defer l.cancelMu.Unlock()
	return l.stopped
}

func (l *Loop) schedule(questionID uuid.UUID) func() bool {
	return l.afterFunc(l.cfg.SaveDebounce, func() {
		l.post(func(ctx context.Context) { l.flushAnswer(ctx, questionID) })
	})
}

func (l *Loop) emit() {
	if l.hooks.OnDisplay == nil {
		return
	}
	l.hooks.OnDisplay(Display{
		Remaining:  l.remaining,
		Tag:        l.tag,
		Online:     l.online,
		Submitting: l.submitting,
	})
}

func (l *Loop) fail(err error) {
	if l.hooks.OnError != nil {
		l.hooks.OnError(err)
	}
}

// tick decrements the displayed countdown. Reaching zero locally only asks the
// server; it never submits on its own.
func (l *Loop) tick(ctx context.Context) {
	if l.submitting {
		return
	}
	l.remaining -= l.cfg.DisplayInterval
	if l.remaining < 0 {
		l.remaining = 0
	}
	l.emit()
	if l.remaining == 0 {
		l.refresh(ctx)
	}
}

// refresh asks the server for the time. At most one request is in flight and
// none is sent while offline or once submission started.
func (l *Loop) refresh(ctx context.Context) {
	if l.submitting || l.closed || !l.online || l.refreshing {
		return
	}
	l.refreshing = true
	go func() {
		r, err := l.api.Clock(ctx, l.attemptID)
		l.post(func(ctx context.Context) {
			l.refreshing = false
			l.applyReading(ctx, r, err)
		})
	}()
}

func (l *Loop) applyReading(ctx context.Context, r *Reading, err error) {
	// A reading that raced with submission must not reopen the view.
	if l.submitting || l.closed {
		return
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if IsClosed(err) {
			l.beginSubmit(ctx)
			return
		}
		l.log.Debug().Err(err).Msg("Clock refresh failed")
		l.fail(err)
		return
	}

	l.remaining = r.Remaining
	l.tag = r.Tag
	l.emit()

	if r.Terminal() || r.Remaining <= 0 {
		l.beginSubmit(ctx)
	}
}

func (l *Loop) flushAnswer(ctx context.Context, questionID uuid.UUID) {
	p, ok := l.pending[questionID]
	if !ok || l.submitting || l.closed {
		return
	}
	if !l.online {
		p.stop = nil
		return
	}
	delete(l.pending, questionID)

	go func() {
		err := l.api.SaveAnswer(ctx, l.attemptID, questionID, p.value)
		if err == nil || ctx.Err() != nil {
			return
		}
		l.post(func(ctx context.Context) {
			switch {
			case IsClosed(err):
				l.refresh(ctx)
			case IsRetryable(err):
				// A newer value for the same question wins over the retry.
				if _, newer := l.pending[questionID]; !newer && !l.submitting {
					l.pending[questionID] = &pendingAnswer{value: p.value, stop: l.schedule(questionID)}
				}
			}
			l.fail(err)
		})
	}()
}

// beginSubmit flips the guard, flushes unsent answers and submits until the
// server confirms. The submit call is idempotent so retries are safe.
func (l *Loop) beginSubmit(ctx context.Context) {
	if l.submitting || l.closed {
		return
	}
	l.submitting = true
	l.emit()

	unsent := make(map[uuid.UUID]json.RawMessage, len(l.pending))
	for qid, p := range l.pending {
		if p.stop != nil {
			p.stop()
		}
		unsent[qid] = p.value
	}
	l.pending = make(map[uuid.UUID]*pendingAnswer)

	go func() {
		for qid, v := range unsent {
			if err := l.api.SaveAnswer(ctx, l.attemptID, qid, v); err != nil {
				l.log.Debug().Err(err).Str("question_id", qid.String()).Msg("Final save refused")
			}
		}
		out, err := l.submitWithRetry(ctx)
		l.post(func(ctx context.Context) { l.finish(out, err) })
	}()
}

func (l *Loop) submitWithRetry(ctx context.Context) (*Outcome, error) {
	backoff := l.cfg.SubmitBackoff
	for {
		out, err := l.api.Submit(ctx, l.attemptID)
		if err == nil || !IsRetryable(err) {
			return out, err
		}
		l.log.Warn().Err(err).Dur("backoff", backoff).Msg("Submit failed, retrying")

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		if backoff *= 2; backoff > l.cfg.MaxBackoff {
			backoff = l.cfg.MaxBackoff
		}
	}
}

func (l *Loop) finish(out *Outcome, err error) {
	if err != nil {
		if IsClosed(err) {
			out = &Outcome{AlreadyClosed: true}
		} else {
			// Let the next authoritative reading start submission again.
			l.submitting = false
			l.fail(err)
			return
		}
	}
	l.closed = true
	l.release()
	if l.hooks.OnClosed != nil {
		l.hooks.OnClosed(out)
	}
}

func (l *Loop) release() {
	l.releaseOnce.Do(func() {
		if l.resource != nil {
			l.resource.Release()
		}
	})
}

func (l *Loop) teardown() {
	for _, p := range l.pending {
		if p.stop != nil {
			p.stop()
		}
	}
	l.release()
	close(l.done)
}
