package errors

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"syscall"

	"github.com/Ramsey-B/fern/pkg/models"
)

// TransientError marks an I/O failure worth retrying
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// Transient marks err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{err: err}
}

// IsTransient reports whether err is expected to clear on retry: explicitly
// marked errors, network timeouts, refused or reset connections and
// truncated reads.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if stderrors.As(err, &te) {
		return true
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return stderrors.Is(err, syscall.ECONNREFUSED) ||
		stderrors.Is(err, syscall.ECONNRESET) ||
		stderrors.Is(err, io.ErrUnexpectedEOF) ||
		stderrors.Is(err, context.DeadlineExceeded)
}

// FromSystem classifies an infrastructure failure that survived local retries.
// Unavailable dependencies become external-dependency errors, everything else
// a system error. Both are critical.
func FromSystem(err error, stage models.Stage) *QualityError {
	if qe, ok := AsQualityError(err); ok {
		return qe
	}
	category := models.CategorySystemError
	if IsTransient(err) {
		category = models.CategoryExternalDependency
	}
	return Newf(category, models.SeverityCritical, "%w", err).AddStage(stage)
}

// Replay builds the entry written for a record that was processed but not
// committed because its batch aborted.
func Replay(reason string) *QualityError {
	return New(models.CategorySystemError, models.SeverityLow, "batch aborted before commit: "+reason).
		AddStage(models.StageCommit).
		AddRecoverable(true).
		AddSuggestedFix("replay once the abort cause is resolved")
}
