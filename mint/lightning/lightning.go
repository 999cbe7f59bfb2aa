// Package lightning defines the LightningBackend capability interface
// (spec.md §6.4) consumed by the mint engines. Concrete backends (LND,
// CLN, ...) are explicitly out of scope; FakeBackend is the only
// implementation shipped here, for tests.
package lightning

import "context"

// PaymentStatus is the outcome of an outgoing payment attempt.
type PaymentStatus int

const (
	Unknown PaymentStatus = iota
	Paid
	Pending
	Failed
)

func (s PaymentStatus) String() string {
	switch s {
	case Paid:
		return "PAID"
	case Pending:
		return "PENDING"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IncomingPaymentRequest is the result of asking a backend to create a new
// invoice/offer to receive a mint payment.
type IncomingPaymentRequest struct {
	Request         string
	RequestLookupId string
	Expiry          uint64
}

// WaitPaymentResponse reports one incoming payment observed against a
// request_lookup_id (spec.md §4.5 payment notification, §6.4).
type WaitPaymentResponse struct {
	PaymentIdentifier string
	PaymentId         string
	PaymentAmount     uint64
}

// MakePaymentResponse is the outcome of an outgoing Lightning payment
// attempt (spec.md §4.7 step 2/3/4).
type MakePaymentResponse struct {
	PaymentLookupId string
	Preimage        string
	Status          PaymentStatus
	TotalSpent      uint64
	Unit            string
}

// OutgoingPaymentStatus is the result of polling a payment's outcome during
// startup recovery (spec.md §4.8 Melt PaymentAttempted).
type OutgoingPaymentStatus struct {
	Status     PaymentStatus
	TotalSpent uint64
	Preimage   string
}

// PaymentQuote is a backend's estimate of cost to pay a given request.
type PaymentQuote struct {
	Amount          uint64
	FeeReserve      uint64
	RequestLookupId string
}

// Settings describes the optional capabilities a backend advertises.
type Settings struct {
	Mpp                bool
	Bolt12             bool
	InvoiceDescription bool
}

// Backend is the capability interface the melt/mint engines depend on
// (spec.md §6.4). The core never assumes a backend is reliable: every
// invariant tolerates dropped events, reconciled by startup recovery.
type Backend interface {
	CreateIncomingPaymentRequest(ctx context.Context, amount uint64, unit string, method string, description string, expiry uint64) (IncomingPaymentRequest, error)
	// MakePayment may block for a long time; on timeout it may return
	// Pending or Unknown rather than a terminal status.
	MakePayment(ctx context.Context, quote PaymentQuote, maxFee uint64) (MakePaymentResponse, error)
	CheckIncomingPaymentStatus(ctx context.Context, lookupId string) ([]WaitPaymentResponse, error)
	CheckOutgoingPayment(ctx context.Context, lookupId string) (OutgoingPaymentStatus, error)
	// WaitAnyIncomingPayment streams payment notifications until ctx is
	// canceled. Implementations must close the channel on exit.
	WaitAnyIncomingPayment(ctx context.Context) (<-chan WaitPaymentResponse, error)
	GetPaymentQuote(ctx context.Context, request string, unit string, options []byte) (PaymentQuote, error)
	GetSettings(ctx context.Context) (Settings, error)
}
