package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
)

// errorNamespace seeds deterministic error record ids so a re-run of the same
// batch overwrites its dead-letter entries instead of duplicating them.
var errorNamespace = uuid.MustParse("6f1c1f8e-5d0b-4b53-9a57-3c1f0d7de2a4")

// QualityError is a classified pipeline failure
type QualityError struct {
	Category     models.Category
	Severity     models.Severity
	Stage        models.Stage
	Field        string
	Value        any
	Message      string
	SuggestedFix string
	Recoverable  bool
	Violations   []models.Violation
	cause        error
}

func New(category models.Category, severity models.Severity, msg string) *QualityError {
	return &QualityError{
		Category: category,
		Severity: severity,
		Message:  msg,
	}
}

// Newf creates a new QualityError with a formatted message. A %w verb wraps
// the matching error argument.
func Newf(category models.Category, severity models.Severity, format string, args ...any) *QualityError {
	e := New(category, severity, "")
	for _, arg := range args {
		if err, ok := arg.(error); ok && strings.Contains(format, "%w") {
			e.cause = err
			break
		}
	}
	e.Message = fmt.Errorf(format, args...).Error()
	return e
}

func (e *QualityError) Error() string {
	path := []string{string(e.Category)}
	if e.Stage != "" {
		path = append(path, fmt.Sprintf("stage '%s'", e.Stage))
	}
	if e.Field != "" {
		path = append(path, fmt.Sprintf("field '%s'", e.Field))
	}
	return strings.Join(path, " -> ") + ": " + e.Message
}

func (e *QualityError) Unwrap() error {
	return e.cause
}

func (e *QualityError) AddStage(stage models.Stage) *QualityError {
	e.Stage = stage
	return e
}

func (e *QualityError) AddField(field string, value any) *QualityError {
	e.Field = field
	e.Value = value
	return e
}

func (e *QualityError) AddSuggestedFix(fix string) *QualityError {
	e.SuggestedFix = fix
	return e
}

func (e *QualityError) AddRecoverable(recoverable bool) *QualityError {
	e.Recoverable = recoverable
	return e
}

func (e *QualityError) AddViolations(violations ...models.Violation) *QualityError {
	e.Violations = append(e.Violations, violations...)
	return e
}

func (e *QualityError) AddCause(err error) *QualityError {
	e.cause = err
	return e
}

// Queue is the dead-letter queue the failure is routed to
func (e *QualityError) Queue() models.QueueType {
	return DefaultQueue(e.Recoverable)
}

func (e *QualityError) ToHTTPError() *httperror.HTTPError {
	code := http.StatusUnprocessableEntity
	switch e.Category {
	case models.CategoryExternalDependency:
		code = http.StatusServiceUnavailable
	case models.CategorySystemError:
		code = http.StatusInternalServerError
	case models.CategoryBusinessRule:
		code = http.StatusConflict
	}
	return httperror.NewHTTPError(code, e.Error()).
		AddMetaValue("category", string(e.Category)).
		AddMetaValue("severity", string(e.Severity)).
		AddMetaValue("field", e.Field).
		AddMetaValue("suggested_fix", e.SuggestedFix)
}

// RecordRef identifies the record an error record is written for
type RecordRef struct {
	BatchID         string
	RecordID        string
	EntityType      string
	PartitionDate   string
	Payload         *models.RawRecord
	Candidates      []models.CleanedRecord
	AffectedRecords int
	CreatedAt       time.Time
}

// Record converts the failure into a queued dead-letter entry.
func (e *QualityError) Record(ref RecordRef) *models.ErrorRecord {
	affected := ref.AffectedRecords
	if affected < 1 {
		affected = 1
	}
	if len(ref.Candidates) > affected {
		affected = len(ref.Candidates)
	}
	createdAt := ref.CreatedAt.UTC()
	partition := ref.PartitionDate
	if partition == "" {
		partition = createdAt.Format(time.DateOnly)
	}

	return &models.ErrorRecord{
		ID:              RecordID(ref.BatchID, ref.RecordID, e.Stage, e.Category),
		BatchID:         ref.BatchID,
		RecordID:        ref.RecordID,
		EntityType:      ref.EntityType,
		Category:        e.Category,
		Severity:        e.Severity,
		Stage:           e.Stage,
		Field:           e.Field,
		Value:           e.Value,
		Message:         e.Message,
		SuggestedFix:    e.SuggestedFix,
		Recoverable:     e.Recoverable,
		Violations:      e.Violations,
		Payload:         ref.Payload,
		Candidates:      ref.Candidates,
		AffectedRecords: affected,
		QueueType:       e.Queue(),
		Status:          models.ErrorStatusQueued,
		PartitionDate:   partition,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
}

// RecordID derives the stable id of an error record
func RecordID(batchID, recordID string, stage models.Stage, category models.Category) string {
	name := strings.Join([]string{batchID, recordID, string(stage), string(category)}, "|")
	return uuid.NewSHA1(errorNamespace, []byte(name)).String()
}

// DefaultQueue routes recoverable failures to the recoverable queue and
// everything else to manual review.
func DefaultQueue(recoverable bool) models.QueueType {
	if recoverable {
		return models.QueueRecoverable
	}
	return models.QueueManualReview
}

func IsQualityError(err error) bool {
	var qe *QualityError
	return stderrors.As(err, &qe)
}

// AsQualityError unwraps err into a QualityError if it carries one
func AsQualityError(err error) (*QualityError, bool) {
	var qe *QualityError
	if stderrors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}
