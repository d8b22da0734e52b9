package service

import "errors"

// Validation errors. Rejected at Start; not retryable without new input.
var (
	ErrSessionNotFound   = errors.New("exam session not found")
	ErrInvalidEntryCode  = errors.New("invalid entry code")
	ErrClassMismatch     = errors.New("session is not open to the student's class")
	ErrExamMismatch      = errors.New("exam does not belong to session")
	ErrOutsideWindow     = errors.New("session is outside its active window")
	ErrSessionFull       = errors.New("session is at capacity")
	ErrQuestionNotInExam = errors.New("question does not belong to the attempt's exam")
	ErrInvalidAnswer     = errors.New("answer is not valid JSON")
	ErrInvalidTransition = errors.New("session status can only move forward")
)

// Conflict errors. The client redirects to the result view on these.
var (
	ErrAttemptClosed     = errors.New("attempt is already closed")
	ErrAttemptExpired    = errors.New("attempt time has run out")
	ErrAttemptNotStarted = errors.New("attempt has not started")
	ErrAttemptNotFinal   = errors.New("attempt is not in a terminal state")
	ErrAttemptSuperseded = errors.New("attempt has been superseded")
)

// Authorization and lookup errors.
var (
	ErrNotAttemptOwner = errors.New("attempt belongs to another student")
	ErrNotSessionOwner = errors.New("session belongs to another instructor")
	ErrAttemptNotFound = errors.New("attempt not found")
)

// Result errors.
var (
	ErrResultDeferred = errors.New("results are released when the session ends")
	ErrResultPending  = errors.New("result is not computed yet")
	ErrFinalizeFailed = errors.New("finalize failed")
)
