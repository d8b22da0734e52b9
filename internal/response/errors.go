package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrTokenExpired  ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden            ErrCode = "FORBIDDEN"
	ErrStudentAccessOnly    ErrCode = "STUDENT_ACCESS_ONLY"
	ErrInstructorAccessOnly ErrCode = "INSTRUCTOR_ACCESS_ONLY"
	ErrNotAttemptOwner      ErrCode = "NOT_ATTEMPT_OWNER"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound        ErrCode = "NOT_FOUND"
	ErrActionForbidden ErrCode = "ACTION_FORBIDDEN"

	// ─── Session admission ─────────────────────────────────────────────
	ErrSessionNotFound   ErrCode = "SESSION_NOT_FOUND"
	ErrInvalidEntryCode  ErrCode = "INVALID_ENTRY_CODE"
	ErrClassMismatch     ErrCode = "CLASS_MISMATCH"
	ErrExamMismatch      ErrCode = "EXAM_MISMATCH"
	ErrOutsideWindow     ErrCode = "OUTSIDE_WINDOW"
	ErrSessionFull       ErrCode = "SESSION_FULL"
	ErrInvalidTransition ErrCode = "INVALID_STATUS_TRANSITION"

	// ─── Attempt lifecycle ─────────────────────────────────────────────
	ErrAttemptNotFound   ErrCode = "ATTEMPT_NOT_FOUND"
	ErrAttemptClosed     ErrCode = "ATTEMPT_CLOSED"
	ErrAttemptExpired    ErrCode = "ATTEMPT_EXPIRED"
	ErrAttemptNotStarted ErrCode = "ATTEMPT_NOT_STARTED"
	ErrAttemptNotFinal   ErrCode = "ATTEMPT_NOT_FINAL"
	ErrAttemptSuperseded ErrCode = "ATTEMPT_SUPERSEDED"
	ErrQuestionNotInExam ErrCode = "QUESTION_NOT_IN_EXAM"
	ErrInvalidAnswer     ErrCode = "INVALID_ANSWER"
	ErrResultDeferred    ErrCode = "RESULT_DEFERRED"
	ErrResultPending     ErrCode = "RESULT_PENDING"
	ErrFinalizeFailed    ErrCode = "FINALIZE_FAILED"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrStoreUnavailable ErrCode = "STORE_UNAVAILABLE"
	ErrInternal         ErrCode = "INTERNAL_ERROR"
)

// Retryable reports whether the client may repeat the same request unchanged.
func Retryable(code ErrCode) bool {
	switch code {
	case ErrStoreUnavailable, ErrRateLimitExceeded, ErrResultPending:
		return true
	}
	return false
}

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."
	case ErrTokenExpired:
		return "Token autentikasi telah kedaluwarsa."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "Anda tidak memiliki izin untuk mengakses sumber daya ini."
	case ErrStudentAccessOnly:
		return "Sumber daya ini terbatas untuk siswa."
	case ErrInstructorAccessOnly:
		return "Sumber daya ini terbatas untuk pengawas."
	case ErrNotAttemptOwner:
		return "Percobaan ujian ini bukan milik Anda."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Sumber daya tidak ditemukan."
	case ErrActionForbidden:
		return "Tindakan ini tidak diperbolehkan."

	// ─── Session admission ─────────────────────────────────────────────
	case ErrSessionNotFound:
		return "Sesi ujian tidak ditemukan."
	case ErrInvalidEntryCode:
		return "Kode masuk sesi tidak valid."
	case ErrClassMismatch:
		return "Sesi ini bukan untuk kelas Anda."
	case ErrExamMismatch:
		return "Ujian tidak sesuai dengan sesi."
	case ErrOutsideWindow:
		return "Sesi ujian tidak sedang berlangsung."
	case ErrSessionFull:
		return "Kapasitas sesi ujian sudah penuh."
	case ErrInvalidTransition:
		return "Perubahan status sesi tidak diperbolehkan."

	// ─── Attempt lifecycle ─────────────────────────────────────────────
	case ErrAttemptNotFound:
		return "Percobaan ujian tidak ditemukan."
	case ErrAttemptClosed:
		return "Ujian sudah ditutup. Silakan lihat hasil Anda."
	case ErrAttemptExpired:
		return "Waktu ujian telah habis."
	case ErrAttemptNotStarted:
		return "Ujian belum dimulai."
	case ErrAttemptNotFinal:
		return "Ujian belum diselesaikan."
	case ErrAttemptSuperseded:
		return "Percobaan ujian ini telah digantikan oleh percobaan baru."
	case ErrQuestionNotInExam:
		return "Soal tidak termasuk dalam ujian ini."
	case ErrInvalidAnswer:
		return "Format jawaban tidak valid."
	case ErrResultDeferred:
		return "Hasil ujian akan diumumkan setelah sesi berakhir."
	case ErrResultPending:
		return "Hasil ujian sedang diproses."
	case ErrFinalizeFailed:
		return "Penilaian ujian gagal dan menunggu peninjauan."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrStoreUnavailable:
		return "Layanan penyimpanan sedang tidak tersedia. Silakan coba lagi."
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}
