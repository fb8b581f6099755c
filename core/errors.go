package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotEligible matches every *EligibilityError via errors.Is.
	ErrNotEligible = errors.New("not eligible to play")
	// ErrNoRewardAvailable means the draw landed on no available slot.
	ErrNoRewardAvailable = errors.New("no reward available")
	// ErrConcurrentConflict means concurrent plays kept consuming the selected
	// slots until the retry bound was exhausted. Callers may retry later.
	ErrConcurrentConflict = errors.New("concurrent award conflict")
	// ErrGameNotFound is returned by stores for unknown game ids.
	ErrGameNotFound = errors.New("game not found")
	// ErrInvalidGame wraps game definition validation failures.
	ErrInvalidGame = errors.New("invalid game definition")
	// ErrNegativeOffset is returned by play ledgers asked to skip fewer than zero plays.
	ErrNegativeOffset = errors.New("negative play offset")
)

// DenyReason explains why a user may not play.
type DenyReason string

const (
	ReasonGameNotFound  DenyReason = "game not found"
	ReasonGameNotActive DenyReason = "game not active"
	ReasonOutsideWindow DenyReason = "outside active window"
	ReasonDailyLimit    DenyReason = "daily limit reached"
	ReasonTotalLimit    DenyReason = "total limit reached"
)

// Eligibility is the outcome of an eligibility check.
type Eligibility struct {
	Allowed bool       `json:"allowed"`
	Reason  DenyReason `json:"reason,omitempty"`
}

// Allow is the positive eligibility result.
func Allow() Eligibility { return Eligibility{Allowed: true} }

// Deny builds a negative eligibility result.
func Deny(r DenyReason) Eligibility { return Eligibility{Reason: r} }

// EligibilityError reports a denied play together with its reason.
type EligibilityError struct {
	Reason DenyReason
}

func (e *EligibilityError) Error() string {
	return fmt.Sprintf("%s: %s", ErrNotEligible, e.Reason)
}

// Is makes errors.Is(err, ErrNotEligible) hold for any reason.
func (e *EligibilityError) Is(target error) bool {
	return target == ErrNotEligible
}

// AsEligibilityError unwraps err into an *EligibilityError.
func AsEligibilityError(err error) (*EligibilityError, bool) {
	var eErr *EligibilityError
	if errors.As(err, &eErr) {
		return eErr, true
	}
	return nil, false
}
