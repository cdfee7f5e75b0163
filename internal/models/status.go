package models

import "fmt"

type Status string

const (
	StatusCreated       Status = "CREATED"
	StatusVerified      Status = "VERIFIED"
	StatusQueued        Status = "QUEUED"
	StatusInFlight      Status = "IN_FLIGHT"
	StatusPaid          Status = "PAID"
	StatusSettled       Status = "SETTLED"
	StatusRejected      Status = "REJECTED"
	StatusExpired       Status = "EXPIRED"
	StatusPaymentFailed Status = "PAYMENT_FAILED"
)

// ActiveStatuses are the non-terminal states a request can be canceled from.
var ActiveStatuses = []Status{StatusCreated, StatusVerified, StatusQueued}

// PendingStatuses block a user from opening another request.
var PendingStatuses = []Status{StatusCreated, StatusVerified, StatusQueued, StatusInFlight}

var transitions = map[Status][]Status{
	StatusCreated:  {StatusVerified, StatusExpired, StatusRejected},
	StatusVerified: {StatusQueued, StatusInFlight, StatusRejected, StatusPaymentFailed},
	StatusQueued:   {StatusInFlight, StatusRejected, StatusPaymentFailed},
	// A batch the network rejected goes back to the queue.
	StatusInFlight: {StatusPaid, StatusPaymentFailed, StatusQueued},
	StatusPaid:     {StatusSettled},
}

// CanTransition reports whether from -> to is an edge of the request lifecycle.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Sources checks every from -> to edge and returns from as strings for a
// store status predicate.
func Sources(to Status, from ...Status) ([]string, error) {
	for _, f := range from {
		if !CanTransition(f, to) {
			return nil, fmt.Errorf("%w: %s -> %s is not a request transition", ErrInvalidRequest, f, to)
		}
	}
	return StatusStrings(from), nil
}

func StatusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// Outcome tags the result of an idempotent store operation.
type Outcome int

const (
	Applied Outcome = iota
	AlreadyApplied
)

func (o Outcome) String() string {
	if o == Applied {
		return "applied"
	}
	return "already_applied"
}

// Lightning payment/invoice states as reported by the node.
const (
	PaymentInFlight  = "IN_FLIGHT"
	PaymentSucceeded = "SUCCEEDED"
	PaymentFailed    = "FAILED"

	InvoiceOpen     = "OPEN"
	InvoiceSettled  = "SETTLED"
	InvoiceCanceled = "CANCELED"
)
