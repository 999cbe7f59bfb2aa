package lightning

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

const (
	FakePreimage           = "0000000000000000000000000000000000000000000000000000000000000000"
	FailPaymentDescription = "fail the payment"
)

type fakeIncoming struct {
	request   string
	amount    uint64
	settled   bool
	paymentId string
}

type fakeOutgoing struct {
	status     PaymentStatus
	totalSpent uint64
	preimage   string
}

// FakeBackend is an in-memory Backend double, used by engine tests in
// place of a real LND/CLN node. Grounded on the teacher's FakeBackend,
// adapted to the new Backend interface; still builds real BOLT11 invoices
// via lnd's zpay32/lnwire and decodes them via ln-decodepay.
type FakeBackend struct {
	mu sync.Mutex

	incoming map[string]*fakeIncoming // keyed by request_lookup_id (payment hash)
	outgoing map[string]*fakeOutgoing // keyed by request_lookup_id

	// PaymentDelay, if set, makes MakePayment report Pending when called
	// within this many seconds of the invoice's creation. That Pending
	// status is stored as is: CheckOutgoingPayment returns it unchanged and
	// does not re-evaluate the delay, so such a payment never turns Paid.
	PaymentDelay int64

	subscribers []chan WaitPaymentResponse
}

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		incoming: make(map[string]*fakeIncoming),
		outgoing: make(map[string]*fakeOutgoing),
	}
}

func (fb *FakeBackend) CreateIncomingPaymentRequest(ctx context.Context, amount uint64, unit string, method string, description string, expiry uint64) (IncomingPaymentRequest, error) {
	req, _, hash, err := CreateFakeInvoice(amount, description == FailPaymentDescription)
	if err != nil {
		return IncomingPaymentRequest{}, err
	}

	fb.mu.Lock()
	fb.incoming[hash] = &fakeIncoming{request: req, amount: amount}
	fb.mu.Unlock()

	return IncomingPaymentRequest{
		Request:         req,
		RequestLookupId: hash,
		Expiry:          expiry,
	}, nil
}

// SettleInvoice is a test-only hook that marks a previously created
// incoming payment request as paid and notifies subscribers, simulating
// what a real backend would report via wait_any_incoming_payment.
func (fb *FakeBackend) SettleInvoice(lookupId string, paymentId string) error {
	fb.mu.Lock()
	invoice, ok := fb.incoming[lookupId]
	if !ok {
		fb.mu.Unlock()
		return errors.New("unknown incoming payment request")
	}
	invoice.settled = true
	invoice.paymentId = paymentId
	event := WaitPaymentResponse{
		PaymentIdentifier: lookupId,
		PaymentId:         paymentId,
		PaymentAmount:     invoice.amount,
	}
	subs := make([]chan WaitPaymentResponse, len(fb.subscribers))
	copy(subs, fb.subscribers)
	fb.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (fb *FakeBackend) CheckIncomingPaymentStatus(ctx context.Context, lookupId string) ([]WaitPaymentResponse, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	invoice, ok := fb.incoming[lookupId]
	if !ok {
		return nil, errors.New("unknown incoming payment request")
	}
	if !invoice.settled {
		return nil, nil
	}
	return []WaitPaymentResponse{{
		PaymentIdentifier: lookupId,
		PaymentId:         invoice.paymentId,
		PaymentAmount:     invoice.amount,
	}}, nil
}

func (fb *FakeBackend) WaitAnyIncomingPayment(ctx context.Context) (<-chan WaitPaymentResponse, error) {
	ch := make(chan WaitPaymentResponse, 16)

	fb.mu.Lock()
	fb.subscribers = append(fb.subscribers, ch)
	fb.mu.Unlock()

	go func() {
		<-ctx.Done()
		fb.mu.Lock()
		defer fb.mu.Unlock()
		for i, sub := range fb.subscribers {
			if sub == ch {
				fb.subscribers = append(fb.subscribers[:i], fb.subscribers[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

func (fb *FakeBackend) MakePayment(ctx context.Context, quote PaymentQuote, maxFee uint64) (MakePaymentResponse, error) {
	status, totalSpent, preimage, err := fb.payInvoice(quote.RequestLookupId)
	if err != nil {
		return MakePaymentResponse{}, err
	}

	return MakePaymentResponse{
		PaymentLookupId: quote.RequestLookupId,
		Preimage:        preimage,
		Status:          status,
		TotalSpent:      totalSpent,
		Unit:            "sat",
	}, nil
}

func (fb *FakeBackend) payInvoice(request string) (PaymentStatus, uint64, string, error) {
	invoice, err := decodepay.Decodepay(request)
	if err != nil {
		return Unknown, 0, "", fmt.Errorf("error decoding invoice: %v", err)
	}

	status := Paid
	if invoice.Description == FailPaymentDescription {
		status = Failed
	} else if fb.PaymentDelay > 0 && time.Now().Unix() < int64(invoice.CreatedAt)+fb.PaymentDelay {
		status = Pending
	}

	totalSpent := uint64(invoice.MSatoshi) / 1000

	fb.mu.Lock()
	fb.outgoing[invoice.PaymentHash] = &fakeOutgoing{
		status:     status,
		totalSpent: totalSpent,
		preimage:   FakePreimage,
	}
	fb.mu.Unlock()

	return status, totalSpent, FakePreimage, nil
}

func (fb *FakeBackend) CheckOutgoingPayment(ctx context.Context, lookupId string) (OutgoingPaymentStatus, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	payment, ok := fb.outgoing[lookupId]
	if !ok {
		return OutgoingPaymentStatus{Status: Unknown}, nil
	}
	return OutgoingPaymentStatus{
		Status:     payment.status,
		TotalSpent: payment.totalSpent,
		Preimage:   payment.preimage,
	}, nil
}

func (fb *FakeBackend) GetPaymentQuote(ctx context.Context, request string, unit string, options []byte) (PaymentQuote, error) {
	invoice, err := decodepay.Decodepay(request)
	if err != nil {
		return PaymentQuote{}, fmt.Errorf("error decoding invoice: %v", err)
	}

	amount := uint64(invoice.MSatoshi) / 1000
	return PaymentQuote{
		Amount:          amount,
		FeeReserve:      (amount + 99) / 100,
		RequestLookupId: invoice.PaymentHash,
	}, nil
}

func (fb *FakeBackend) GetSettings(ctx context.Context) (Settings, error) {
	return Settings{Mpp: false, Bolt12: false, InvoiceDescription: true}, nil
}

// CreateFakeInvoice builds a real BOLT11 invoice on signet for tests,
// signed by an ephemeral key (the fake backend settles invoices itself,
// so nothing ever validates this signature against a node's real pubkey).
func CreateFakeInvoice(amount uint64, failPayment bool) (string, string, string, error) {
	var random [32]byte
	if _, err := rand.Read(random[:]); err != nil {
		return "", "", "", err
	}
	preimage := hex.EncodeToString(random[:])
	paymentHash := sha256.Sum256(random[:])
	hash := hex.EncodeToString(paymentHash[:])

	description := "test"
	if failPayment {
		description = FailPaymentDescription
	}

	invoice, err := zpay32.NewInvoice(
		&chaincfg.SigNetParams,
		paymentHash,
		time.Now(),
		zpay32.Amount(lnwire.MilliSatoshi(amount*1000)),
		zpay32.Description(description),
	)
	if err != nil {
		return "", "", "", err
	}

	invoiceStr, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			key, err := secp256k1.GeneratePrivateKey()
			if err != nil {
				return []byte{}, err
			}
			return ecdsa.SignCompact(key, msg, true), nil
		},
	})
	if err != nil {
		return "", "", "", err
	}

	return invoiceStr, preimage, hash, nil
}
