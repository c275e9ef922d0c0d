package escrow

import (
	"fmt"
)

// TransitionError names a rejected edge. It matches ErrInvalidTransition
// with errors.Is.
type TransitionError struct {
	Machine string // "status" or "payment_status"
	From    string
	To      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition from %s to %s", e.Machine, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// AllStatuses lists every lifecycle state.
var AllStatuses = []Status{
	StatusPending, StatusFunded, StatusReleaseRequested, StatusRefundRequested,
	StatusDisputed, StatusReleased, StatusRefunded, StatusCanceled,
}

// AllPaymentStatuses lists every payment sub-state.
var AllPaymentStatuses = []PaymentStatus{
	PaymentPending, PaymentProcessing, PaymentSucceeded, PaymentFailed, PaymentCanceled,
}

// ParseStatus converts a stored string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
	return st, nil
}

// ParsePaymentStatus converts a stored string into a PaymentStatus.
func ParsePaymentStatus(s string) (PaymentStatus, error) {
	ps := PaymentStatus(s)
	if !ps.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
	return ps, nil
}

// Valid reports whether s is a member of the lifecycle state set.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusFunded, StatusReleaseRequested, StatusRefundRequested,
		StatusDisputed, StatusReleased, StatusRefunded, StatusCanceled:
		return true
	}
	return false
}

// IsTerminal reports whether s has no outgoing edges.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusCanceled:
		return true
	}
	return false
}

// Next returns the states reachable from s in one step.
func (s Status) Next() []Status {
	switch s {
	case StatusPending:
		return []Status{StatusFunded, StatusCanceled}
	case StatusFunded:
		return []Status{StatusReleaseRequested, StatusRefundRequested, StatusDisputed}
	case StatusReleaseRequested:
		return []Status{StatusReleased}
	case StatusRefundRequested:
		return []Status{StatusRefunded, StatusDisputed}
	case StatusDisputed:
		return []Status{StatusReleased, StatusRefunded}
	case StatusReleased, StatusRefunded, StatusCanceled:
		return nil
	}
	return nil
}

// AllowedTargets returns a copy of the lifecycle states reachable from s.
func AllowedTargets(s Status) []Status {
	next := s.Next()
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether from -> to is an allowed lifecycle edge.
// A self-transition is not an edge; callers treat it as a no-op.
func CanTransition(from, to Status) bool {
	for _, s := range from.Next() {
		if s == to {
			return true
		}
	}
	return false
}

// Valid reports whether ps is a member of the payment state set.
func (ps PaymentStatus) Valid() bool {
	switch ps {
	case PaymentPending, PaymentProcessing, PaymentSucceeded, PaymentFailed, PaymentCanceled:
		return true
	}
	return false
}

// Next returns the payment states reachable from ps in one step.
// failed -> pending is the retry path.
func (ps PaymentStatus) Next() []PaymentStatus {
	switch ps {
	case PaymentPending:
		return []PaymentStatus{PaymentProcessing, PaymentCanceled}
	case PaymentProcessing:
		return []PaymentStatus{PaymentSucceeded, PaymentFailed}
	case PaymentFailed:
		return []PaymentStatus{PaymentPending}
	case PaymentSucceeded, PaymentCanceled:
		return nil
	}
	return nil
}

// CanTransitionPayment reports whether from -> to is an allowed payment edge.
func CanTransitionPayment(from, to PaymentStatus) bool {
	for _, ps := range from.Next() {
		if ps == to {
			return true
		}
	}
	return false
}

// ProjectStatusFor maps an escrow status to the project status it implies.
// pending and refund_requested leave the project untouched.
func ProjectStatusFor(s Status) (ProjectStatus, bool) {
	switch s {
	case StatusFunded:
		return ProjectInProgress, true
	case StatusReleaseRequested, StatusReleased:
		return ProjectCompleted, true
	case StatusRefunded:
		return ProjectCanceled, true
	case StatusCanceled:
		return ProjectOpen, true
	case StatusDisputed:
		return ProjectDisputed, true
	}
	return "", false
}

// Valid reports whether p is a known project status.
func (p ProjectStatus) Valid() bool {
	switch p {
	case ProjectOpen, ProjectInProgress, ProjectCompleted, ProjectCanceled, ProjectDisputed:
		return true
	}
	return false
}
