package lightning

import (
	"context"
	"time"
)

// Invoice is an invoice as reported by the node.
type Invoice struct {
	PaymentHash  string
	Bolt11       string
	ValueSat     int64
	AmtPaidSat   int64
	State        string
	AddIndex     uint64
	SettleIndex  uint64
	Expiry       int64
	Memo         string
	CreationDate time.Time
}

// PayReq is a decoded payment request.
type PayReq struct {
	PaymentHash string
	Destination string
	NumSatoshis int64
	Expiry      int64
	Timestamp   int64
	Description string
}

// Payment is an outbound payment update.
type Payment struct {
	PaymentHash   string
	Preimage      string
	Status        string
	ValueSat      int64
	FeeSat        int64
	FailureReason string
	CreatedAt     time.Time
}

// Node is the subset of a Lightning node used by the ledger. Stream methods
// block until ctx is done or the stream breaks, calling fn for every update.
type Node interface {
	CreateInvoice(ctx context.Context, amountSat int64, memo string, expiry int64) (*Invoice, error)
	DecodeInvoice(ctx context.Context, bolt11 string) (*PayReq, error)
	PayInvoice(ctx context.Context, bolt11 string, feeLimitSat int64, timeout time.Duration) error

	TrackPayments(ctx context.Context, fn func(Payment) error) error
	ListPayments(ctx context.Context, since time.Time) ([]Payment, error)

	SubscribeInvoices(ctx context.Context, addIndex, settleIndex uint64, fn func(Invoice) error) error
	ListInvoices(ctx context.Context, fromAddIndex uint64) ([]Invoice, error)
}
