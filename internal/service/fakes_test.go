package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/monitor"
	"github.com/stemsi/exstem-attempt/internal/repository"
	"github.com/stemsi/exstem-attempt/internal/timekeeper"
	"golang.org/x/crypto/bcrypt"
)

// ─── Clock ─────────────────────────────────────────────────────────────

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// ─── Attempt store ─────────────────────────────────────────────────────

var statusRank = map[model.AttemptStatus]int{
	model.AttemptStatusNotStarted: 0,
	model.AttemptStatusInProgress: 1,
	model.AttemptStatusSubmitted:  2,
	model.AttemptStatusExpired:    2,
	model.AttemptStatusCompleted:  3,
}

// fakeStore mimics the Postgres store: one global lock stands in for row
// locks, writes inside WithLock are staged and applied only on commit, and the
// write-once and forward-only rules the trigger enforces are checked.
type fakeStore struct {
	lock sync.Mutex

	mu           sync.Mutex
	attempts     map[uuid.UUID]*model.Attempt
	answers      map[uuid.UUID]map[uuid.UUID]model.Answer
	results      map[uuid.UUID]model.Result
	overrides    []model.AttemptOverride
	resultWrites int
	lockErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		attempts: make(map[uuid.UUID]*model.Attempt),
		answers:  make(map[uuid.UUID]map[uuid.UUID]model.Answer),
		results:  make(map[uuid.UUID]model.Result),
	}
}

func cloneAttempt(a *model.Attempt) *model.Attempt {
	c := *a
	c.AnchorStartAt = cloneTime(a.AnchorStartAt)
	c.SubmittedAt = cloneTime(a.SubmittedAt)
	c.CompletedAt = cloneTime(a.CompletedAt)
	c.SideEffectsAt = cloneTime(a.SideEffectsAt)
	if a.CloseReason != nil {
		r := *a.CloseReason
		c.CloseReason = &r
	}
	if a.FinalizeError != nil {
		e := *a.FinalizeError
		c.FinalizeError = &e
	}
	if a.SupersededBy != nil {
		id := *a.SupersededBy
		c.SupersededBy = &id
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func (s *fakeStore) get(id uuid.UUID) *model.Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil
	}
	return cloneAttempt(a)
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}

func (s *fakeStore) answerCount(attemptID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.answers[attemptID])
}

func (s *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*model.Attempt, error) {
	if a := s.get(id); a != nil {
		return a, nil
	}
	return nil, pgx.ErrNoRows
}

func (s *fakeStore) FindByKey(_ context.Context, sessionID uuid.UUID, studentID int, examID uuid.UUID) (*model.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.attempts {
		if a.SessionID == sessionID && a.StudentID == studentID && a.ExamID == examID && a.SupersededBy == nil {
			return cloneAttempt(a), nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (s *fakeStore) CreateOrGet(ctx context.Context, a *model.Attempt, capacity int) (*model.Attempt, bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if existing, err := s.FindByKey(ctx, a.SessionID, a.StudentID, a.ExamID); err == nil {
		return existing, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if capacity > 0 {
		live := 0
		for _, other := range s.attempts {
			if other.SessionID == a.SessionID && other.SupersededBy == nil {
				live++
			}
		}
		if live >= capacity {
			return nil, false, repository.ErrCapacityReached
		}
	}

	created := cloneAttempt(a)
	created.ID = uuid.New()
	created.Status = model.AttemptStatusNotStarted
	created.CreatedAt = time.Now()
	s.attempts[created.ID] = created
	return cloneAttempt(created), true, nil
}

func (s *fakeStore) WithLock(ctx context.Context, id uuid.UUID, fn repository.LockedFunc) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.lockErr != nil {
		return s.lockErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	current := s.get(id)
	if current == nil {
		return pgx.ErrNoRows
	}

	tx := &fakeTx{store: s, original: cloneAttempt(current)}
	if err := fn(ctx, tx, current); err != nil {
		return err
	}
	return tx.commit()
}

func (s *fakeStore) MarkSideEffects(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok || a.SideEffectsAt != nil {
		return false, nil
	}
	a.SideEffectsAt = &at
	return true, nil
}

func (s *fakeStore) GetResult(_ context.Context, attemptID uuid.UUID) (*model.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.results[attemptID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &res, nil
}

func (s *fakeStore) ListBySession(_ context.Context, sessionID uuid.UUID) ([]model.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Attempt
	for _, a := range s.attempts {
		if a.SessionID == sessionID {
			out = append(out, *cloneAttempt(a))
		}
	}
	return out, nil
}

func (s *fakeStore) Reopen(_ context.Context, id uuid.UUID, o *model.AttemptOverride, check func(*model.Attempt) error) (*model.Attempt, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	old := s.get(id)
	if old == nil {
		return nil, pgx.ErrNoRows
	}
	if err := check(old); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	replacement := &model.Attempt{
		ID:                      uuid.New(),
		SessionID:               old.SessionID,
		StudentID:               old.StudentID,
		ExamID:                  old.ExamID,
		Status:                  model.AttemptStatusNotStarted,
		AllottedDurationSeconds: old.AllottedDurationSeconds,
		CreatedAt:               time.Now(),
	}
	s.attempts[id].SupersededBy = &replacement.ID
	s.attempts[replacement.ID] = replacement

	o.ID = int64(len(s.overrides) + 1)
	o.AttemptID = id
	o.ReplacementAttemptID = replacement.ID
	s.overrides = append(s.overrides, *o)
	return cloneAttempt(replacement), nil
}

type fakeTx struct {
	store    *fakeStore
	original *model.Attempt
	attempt  *model.Attempt
	answers  []model.Answer
	result   *model.Result
}

func (t *fakeTx) UpdateAttempt(_ context.Context, a *model.Attempt) error {
	o := t.original
	if o.AnchorStartAt != nil && (a.AnchorStartAt == nil || !a.AnchorStartAt.Equal(*o.AnchorStartAt)) {
		return errors.New("anchor_start_at is write-once")
	}
	if a.AllottedDurationSeconds != o.AllottedDurationSeconds {
		return errors.New("allotted_duration_seconds is immutable")
	}
	if o.SubmittedAt != nil && (a.SubmittedAt == nil || !a.SubmittedAt.Equal(*o.SubmittedAt)) {
		return errors.New("submitted_at is write-once")
	}
	if o.CompletedAt != nil && (a.CompletedAt == nil || !a.CompletedAt.Equal(*o.CompletedAt)) {
		return errors.New("completed_at is write-once")
	}
	from, to := statusRank[o.Status], statusRank[a.Status]
	if to < from || (from == 2 && to == 2 && a.Status != o.Status) {
		return fmt.Errorf("attempt status cannot move from %s to %s", o.Status, a.Status)
	}
	if a.Status != model.AttemptStatusInProgress && a.CameraEnabled {
		return errors.New("camera_enabled outside in_progress")
	}
	t.attempt = cloneAttempt(a)
	return nil
}

func (t *fakeTx) UpsertAnswer(_ context.Context, ans *model.Answer) error {
	t.answers = append(t.answers, *ans)
	return nil
}

func (t *fakeTx) ListAnswers(_ context.Context, attemptID uuid.UUID) ([]model.Answer, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	var out []model.Answer
	for _, ans := range t.store.answers[attemptID] {
		out = append(out, ans)
	}
	return out, nil
}

func (t *fakeTx) UpsertResult(_ context.Context, res *model.Result) error {
	r := *res
	t.result = &r
	return nil
}

func (t *fakeTx) GetResult(ctx context.Context, attemptID uuid.UUID) (*model.Result, error) {
	if t.result != nil {
		r := *t.result
		return &r, nil
	}
	return t.store.GetResult(ctx, attemptID)
}

func (t *fakeTx) commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.attempt != nil {
		t.attempt.SideEffectsAt = cloneTime(s.attempts[t.attempt.ID].SideEffectsAt)
		t.attempt.SupersededBy = s.attempts[t.attempt.ID].SupersededBy
		s.attempts[t.attempt.ID] = t.attempt
	}
	for _, ans := range t.answers {
		if s.answers[ans.AttemptID] == nil {
			s.answers[ans.AttemptID] = make(map[uuid.UUID]model.Answer)
		}
		s.answers[ans.AttemptID][ans.QuestionID] = ans
	}
	if t.result != nil {
		s.results[t.result.AttemptID] = *t.result
		s.resultWrites++
	}
	return nil
}

// ─── Sessions, exams, question bank ───────────────────────────────────

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*model.ExamSession
}

func (f *fakeSessions) GetByID(_ context.Context, id uuid.UUID) (*model.ExamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	c := *s
	return &c, nil
}

func (f *fakeSessions) UpdateStatus(_ context.Context, id uuid.UUID, from, to model.SessionStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = to
	return true, nil
}

type fakeExams map[uuid.UUID]*model.Exam

func (f fakeExams) GetByID(_ context.Context, id uuid.UUID) (*model.Exam, error) {
	e, ok := f[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	c := *e
	return &c, nil
}

type fakeBank struct {
	mu        sync.Mutex
	questions map[uuid.UUID][]model.Question
	err       error
}

func (f *fakeBank) ListByExam(_ context.Context, examID uuid.UUID) ([]model.Question, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]model.Question(nil), f.questions[examID]...), nil
}

func (f *fakeBank) Contains(_ context.Context, examID, questionID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.questions[examID] {
		if q.ID == questionID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeBank) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// ─── Cache and collaborators ──────────────────────────────────────────

type fakeCache struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*model.Attempt
}

func (f *fakeCache) Get(_ context.Context, id uuid.UUID) (*model.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.entries[id]
	if !ok {
		return nil, nil
	}
	return cloneAttempt(a), nil
}

func (f *fakeCache) Put(_ context.Context, a *model.Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.entries[a.ID]; ok && cur.Status.Rank() > a.Status.Rank() {
		return nil
	}
	f.entries[a.ID] = cloneAttempt(a)
	return nil
}

func (f *fakeCache) Invalidate(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, id)
	return nil
}

type fakeMonitor struct {
	mu      sync.Mutex
	revokes map[uuid.UUID]int
	events  []monitor.EventType
	err     error
}

func (f *fakeMonitor) Revoke(_ context.Context, a *model.Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokes[a.ID]++
	return f.err
}

func (f *fakeMonitor) Announce(_ context.Context, _ *model.Attempt, t monitor.EventType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, t)
	return nil
}

func (f *fakeMonitor) revokeCount(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revokes[id]
}

func (f *fakeMonitor) saw(t monitor.EventType) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e == t {
			return true
		}
	}
	return false
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls map[uuid.UUID]int
	err   error
}

func (f *fakeNotifier) ScheduleResultNotification(_ context.Context, attemptID uuid.UUID, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls[attemptID]++
	return nil
}

func (f *fakeNotifier) count(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeNotifier) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fakeRetries struct {
	mu     sync.Mutex
	queued []uuid.UUID
}

func (f *fakeRetries) EnqueueFinalize(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, id)
	return nil
}

func (f *fakeRetries) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queued)
}

// ─── Harness ───────────────────────────────────────────────────────────

const (
	entryCode     = "KODE-42"
	studentID     = 7
	otherStudent  = 8
	instructorID  = 100
	questionCount = 10
)

// t0 is the instant every test starts at; sessions open an hour earlier.
var t0 = time.Date(2026, 4, 20, 8, 0, 0, 0, time.UTC)

type harness struct {
	clock    *testClock
	store    *fakeStore
	sessions *fakeSessions
	bank     *fakeBank
	cache    *fakeCache
	mon      *fakeMonitor
	notifier *fakeNotifier
	retries  *fakeRetries

	session   *model.ExamSession
	exam      *model.Exam
	questions []model.Question

	svc       *AttemptService
	finalizer *Finalizer
	sessSvc   *SessionService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(entryCode), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash entry code: %v", err)
	}

	exam := &model.Exam{ID: uuid.New(), Title: "Fisika", DurationSeconds: 1800, PassPercentage: 50}
	classID := 3
	session := &model.ExamSession{
		ID:                       uuid.New(),
		ExamID:                   exam.ID,
		ClassID:                  &classID,
		StartsAt:                 t0.Add(-time.Hour),
		EndsAt:                   t0.Add(3 * time.Hour),
		Status:                   model.SessionStatusActive,
		EntryCodeHash:            string(hash),
		CameraMonitoringRequired: true,
		RevealResultsImmediately: true,
		CreatedBy:                instructorID,
	}

	questions := make([]model.Question, questionCount)
	for i := range questions {
		questions[i] = model.Question{
			ID:       uuid.New(),
			ExamID:   exam.ID,
			Kind:     model.QuestionKindMultipleChoice,
			Points:   2,
			Key:      model.Raw(`{"correct":["A"]}`),
			OrderNum: i,
		}
	}

	h := &harness{
		clock:     &testClock{t: t0},
		store:     newFakeStore(),
		sessions:  &fakeSessions{sessions: map[uuid.UUID]*model.ExamSession{session.ID: session}},
		bank:      &fakeBank{questions: map[uuid.UUID][]model.Question{exam.ID: questions}},
		cache:     &fakeCache{entries: make(map[uuid.UUID]*model.Attempt)},
		mon:       &fakeMonitor{revokes: make(map[uuid.UUID]int)},
		notifier:  &fakeNotifier{calls: make(map[uuid.UUID]int)},
		retries:   &fakeRetries{},
		session:   session,
		exam:      exam,
		questions: questions,
	}

	log := zerolog.Nop()
	exams := fakeExams{exam.ID: exam}

	h.finalizer = NewFinalizer(h.store, exams, h.bank, h.cache, h.mon, h.notifier, h.retries, 10*time.Minute, log)
	h.finalizer.now = h.clock.Now

	h.svc = NewAttemptService(h.store, h.sessions, exams, h.bank, h.cache, h.mon, h.finalizer, timekeeper.DefaultPolicy, log)
	h.svc.now = h.clock.Now

	h.sessSvc = NewSessionService(h.sessions, h.store, h.cache, h.mon, h.finalizer, timekeeper.DefaultPolicy, log)
	h.sessSvc.now = h.clock.Now

	return h
}

func (h *harness) student() Student {
	classID := 3
	return Student{ID: studentID, ClassID: &classID}
}

func (h *harness) startReq() model.StartAttemptRequest {
	return model.StartAttemptRequest{ExamID: h.exam.ID.String(), EntryCode: entryCode}
}

// start begins an attempt for the default student at the current clock.
func (h *harness) start(t *testing.T) *model.Attempt {
	t.Helper()
	out, err := h.svc.Start(context.Background(), h.student(), h.session.ID, h.startReq())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return out.Attempt
}

func (h *harness) answer(t *testing.T, attemptID uuid.UUID, q int, value string) {
	t.Helper()
	if err := h.svc.SaveAnswer(context.Background(), studentID, attemptID, h.questions[q].ID, []byte(value)); err != nil {
		t.Fatalf("save answer %d: %v", q, err)
	}
}
