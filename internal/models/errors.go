package models

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrPendingRequestExists = errors.New("pending request exists")
	ErrDuplicateRequest     = errors.New("duplicate request")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrExternalUnavailable  = errors.New("external service unavailable")
	ErrDuplicateLedgerEntry = errors.New("duplicate ledger entry")

	ErrRateLimited    = errors.New("rate limited")
	ErrUnknownAddress = errors.New("unknown address")

	// ErrTxRejected is a definite refusal of a transaction by the network.
	ErrTxRejected = errors.New("transaction rejected")

	ErrRequestNotFound  = fmt.Errorf("%w: request not found", ErrInvalidRequest)
	ErrChainUnavailable = fmt.Errorf("%w: chain source", ErrExternalUnavailable)
	ErrNodeUnavailable  = fmt.Errorf("%w: lightning node", ErrExternalUnavailable)
)

// Reasons persisted on rejected requests.
const (
	ReasonUserCanceled      = "User canceled"
	ReasonInsufficientFunds = "Insufficient funds"
	ReasonDuplicateInvoice  = "Duplicate invoice"
	ReasonExpired           = "Expired"
)
