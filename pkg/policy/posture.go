package policy

import (
	"errors"
	"fmt"
	"strings"
)

// Mode indicates whether permission checks fail open or closed when the
// policy cannot be evaluated.
type Mode string

const (
	// ModeFailClosed denies the capability when evaluation errors.
	ModeFailClosed Mode = "fail-closed"
	// ModeFailOpen allows the capability when evaluation errors.
	ModeFailOpen Mode = "fail-open"
)

// ParseMode converts a textual representation into a Mode constant.
// Empty selects ModeFailClosed.
func ParseMode(value string) (Mode, error) {
	mode := Mode(strings.TrimSpace(strings.ToLower(value)))
	if mode == "" {
		return ModeFailClosed, nil
	}
	if !mode.IsValid() {
		return "", fmt.Errorf("invalid failure posture %q", value)
	}
	return mode, nil
}

// IsValid reports whether the mode is recognised.
func (m Mode) IsValid() bool {
	switch m {
	case ModeFailClosed, ModeFailOpen:
		return true
	default:
		return false
	}
}

// Resolve applies the posture to an evaluation error. A nil error returns
// decision unchanged.
func (m Mode) Resolve(decision Decision, err error) (Decision, error) {
	if err == nil {
		return decision, nil
	}
	if m == ModeFailOpen {
		return Decision{Allow: true, Reason: "policy unavailable: " + err.Error()}, nil
	}
	return Decision{Allow: false, Reason: "policy unavailable"}, errors.Join(ErrUnavailable, err)
}

// ErrUnavailable marks a fail-closed evaluation failure.
var ErrUnavailable = errors.New("policy unavailable")
