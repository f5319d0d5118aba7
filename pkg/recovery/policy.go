package recovery

import "time"

// ConflictAction is what a recovery pass does with stale business-rule
// conflicts waiting for an operator.
type ConflictAction string

const (
	ConflictActionNone     ConflictAction = "none"
	ConflictActionEscalate ConflictAction = "escalate"
	ConflictActionAbandon  ConflictAction = "abandon"
)

// ConflictPolicy ages out manual-review conflicts. The zero value leaves
// them alone.
type ConflictPolicy struct {
	MaxAge time.Duration  `yaml:"max_age" json:"max_age"`
	Action ConflictAction `yaml:"action" json:"action" validate:"omitempty,oneof=none escalate abandon"`
}

// Expired reports whether the policy acts on a conflict created at createdAt
func (p ConflictPolicy) Expired(createdAt, now time.Time) bool {
	if p.Action == "" || p.Action == ConflictActionNone || p.MaxAge <= 0 {
		return false
	}
	return now.Sub(createdAt) >= p.MaxAge
}

// Policy configures automatic recovery
type Policy struct {
	// MaxAttempts escalates a fixable record after this many aborted
	// replays. Zero retries forever.
	MaxAttempts int            `yaml:"max_attempts" json:"max_attempts" validate:"gte=0"`
	Conflicts   ConflictPolicy `yaml:"conflicts" json:"conflicts"`
}

// DefaultPolicy retries a replay three times and never ages out conflicts
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Conflicts:   ConflictPolicy{Action: ConflictActionNone},
	}
}
