// Package storage defines the Database capability interface the mint
// engines are written against (spec.md §9: "LightningBackend, Database,
// and Signatory are capability interfaces"). Concrete implementations
// live in storage/sqlite (production) and storage/memory (tests).
package storage

import (
	"context"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/cashubtc/cdk-sub008/cashu"
	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut04"
	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut05"
)

// ProofState is the lifecycle of a ledger row (spec.md §3).
type ProofState int

const (
	Unspent ProofState = iota
	Pending
	Spent
)

func (s ProofState) String() string {
	switch s {
	case Unspent:
		return "UNSPENT"
	case Pending:
		return "PENDING"
	case Spent:
		return "SPENT"
	default:
		return "unknown"
	}
}

var (
	ErrDuplicate               = errors.New("duplicate")
	ErrAttemptUpdateSpentProof = errors.New("attempt to update a spent proof")
	ErrAttemptRemoveSpentProof = errors.New("attempt to remove a spent proof")
	ErrUnknownQuote            = errors.New("unknown quote")
	ErrProofNotFound           = errors.New("proof not found")
	ErrQuotePending            = errors.New("quote is pending")
	ErrQuoteIssued             = errors.New("quote already issued")
)

// DBKeyset is the persisted row for one keyset.
type DBKeyset struct {
	Id                string
	Unit              string
	Active            bool
	Seed              string
	DerivationPathIdx uint32
	InputFeePpk       uint
	FinalExpiry       int64
}

// DBProof is the persisted ledger row for one proof (spec.md §4.3).
type DBProof struct {
	Amount      uint64
	Id          string
	Secret      string
	Y           string
	C           string
	Witness     string
	State       ProofState
	QuoteId     string
	OperationId string
	CreatedTime int64
}

// MintQuote is the persisted row for a mint quote (spec.md §3).
type MintQuote struct {
	Id              string
	Unit            string
	Amount          uint64
	PaymentRequest  string
	RequestLookupId string
	Pubkey          *secp256k1.PublicKey
	Expiry          uint64
	State           nut04.State
	AmountPaid      uint64
	AmountIssued    uint64
	PaymentMethod   string
	SingleUse       bool
	PaymentIds      []string
	// Pending is the per-quote lock MintTokens acquires via SetPending
	// before issuing signatures (spec.md §4.5 step 1).
	Pending bool
}

// MeltQuote is the persisted row for a melt quote (spec.md §3).
type MeltQuote struct {
	Id              string
	Unit            string
	Amount          uint64
	FeeReserve      uint64
	PaymentRequest  string
	RequestLookupId string
	State           nut05.State
	Preimage        string
	CreatedTime     int64
	PaidTime        int64
	PaymentMethod   string
	Options         []byte
}

// MeltRequestInfo binds an in-flight melt attempt to its reserved inputs
// and requested change outputs (spec.md §3).
type MeltRequestInfo struct {
	QuoteId       string
	InputsAmount  uint64
	InputsFee     uint64
	ChangeOutputs cashu.BlindedMessages
}

// SagaKind identifies which state machine a Saga row follows (spec.md §4.8).
type SagaKind string

const (
	SagaMint SagaKind = "MINT"
	SagaSwap SagaKind = "SWAP"
	SagaMelt SagaKind = "MELT"
)

// Saga is the write-ahead log row for one in-flight multi-step operation.
// State is a JSON-encoded tagged value whose shape depends on Kind; see
// mint/saga.go for the concrete per-kind state types.
type Saga struct {
	OperationId string
	Kind        SagaKind
	State       []byte
	QuoteId     string
	CreatedAt   int64
	UpdatedAt   int64
}

// KeysetAmounts is the accounting aggregate of one keyset (spec.md §4.3
// sum_redeemed_by_keyset, §6.5). Implementations compute it on demand by
// summing stored blind signatures (issued) and Spent proofs (redeemed).
type KeysetAmounts struct {
	KeysetId      string
	TotalIssued   uint64
	TotalRedeemed uint64
}

// Database is the persistence capability consumed by the mint engines.
// Implementations must serialize every Y/quote-id mutation (spec.md §5):
// transactions are short, never span external I/O, and lock the affected
// rows for their duration.
type Database interface {
	SaveSeed(ctx context.Context, seed []byte) error
	GetSeed(ctx context.Context) ([]byte, error)

	SaveKeyset(ctx context.Context, keyset DBKeyset) error
	GetKeysets(ctx context.Context) ([]DBKeyset, error)
	UpdateKeysetActive(ctx context.Context, keysetId string, active bool) error

	// InsertReservation inserts each proof as Pending if absent; if a row
	// with the same Y exists and is Spent, fails ErrAttemptUpdateSpentProof;
	// if Unspent, atomically transitions it to Pending; if Pending under a
	// different operationId, fails ErrDuplicate. Spec.md §4.3.
	InsertReservation(ctx context.Context, proofs cashu.Proofs, operationId string, quoteId string) error
	// UpdateStates transitions a batch of Ys to newState, returning their
	// prior states. Fails the whole batch if any row is Spent. Spec.md §4.3.
	UpdateStates(ctx context.Context, ys []string, newState ProofState) ([]ProofState, error)
	// Remove deletes rows whose state != Spent; fails
	// ErrAttemptRemoveSpentProof otherwise. Used by rollback. Spec.md §4.3.
	Remove(ctx context.Context, ys []string) error
	Get(ctx context.Context, ys []string) ([]DBProof, error)
	ListByQuote(ctx context.Context, quoteId string) ([]DBProof, error)
	ListByOperation(ctx context.Context, operationId string) ([]DBProof, error)
	SumRedeemedByKeyset(ctx context.Context) (map[string]uint64, error)

	SaveMintQuote(ctx context.Context, quote MintQuote) error
	GetMintQuote(ctx context.Context, id string) (MintQuote, error)
	GetMintQuoteByLookupId(ctx context.Context, lookupId string) (MintQuote, error)
	ListMintQuotesByState(ctx context.Context, state nut04.State) ([]MintQuote, error)
	// IncrementAmountPaid is idempotent per paymentId: a repeat is a no-op.
	IncrementAmountPaid(ctx context.Context, id string, delta uint64, paymentId string) error
	IncrementAmountIssued(ctx context.Context, id string, delta uint64) error
	SetMintQuoteState(ctx context.Context, id string, state nut04.State) error
	// SetPending acquires the per-quote lock MintTokens holds while issuing
	// signatures (spec.md §4.5 step 1, §5 "row-level locks keyed by quote
	// id"). Fails ErrQuotePending if another request already holds it, or
	// ErrQuoteIssued if a single-use quote has already been fully issued.
	SetPending(ctx context.Context, id string) error
	// UnsetPending releases the lock acquired by SetPending.
	UnsetPending(ctx context.Context, id string) error
	RemoveMintQuote(ctx context.Context, id string) error

	SaveMeltQuote(ctx context.Context, quote MeltQuote) error
	GetMeltQuote(ctx context.Context, id string) (MeltQuote, error)
	GetMeltQuoteByLookupId(ctx context.Context, lookupId string) (*MeltQuote, error)
	// UpdateMeltQuoteState returns the prior state.
	UpdateMeltQuoteState(ctx context.Context, id string, newState nut05.State, preimage string) (nut05.State, error)
	UpdateMeltQuoteLookupId(ctx context.Context, id string, lookupId string) error
	RemoveMeltQuote(ctx context.Context, id string) error

	SaveMeltRequestInfo(ctx context.Context, info MeltRequestInfo) error
	GetMeltRequestInfo(ctx context.Context, quoteId string) (*MeltRequestInfo, error)
	RemoveMeltRequestInfo(ctx context.Context, quoteId string) error

	// SaveBlindSignatures persists one signature per output, in order; B_ is
	// taken from outputs[i] since cashu.BlindedSignature carries no B_ of
	// its own (it's the value signed over, not signed itself).
	SaveBlindSignatures(ctx context.Context, outputs cashu.BlindedMessages, signatures cashu.BlindedSignatures, quoteId string) error
	GetBlindSignature(ctx context.Context, B_ string) (cashu.BlindedSignature, error)
	GetBlindSignatures(ctx context.Context, B_s []string) (cashu.BlindedSignatures, error)
	GetBlindSignaturesByQuote(ctx context.Context, quoteId string) (cashu.BlindedSignatures, error)

	SaveSaga(ctx context.Context, saga Saga) error
	UpdateSagaState(ctx context.Context, operationId string, state []byte) error
	GetSaga(ctx context.Context, operationId string) (*Saga, error)
	ListSagasByKind(ctx context.Context, kind SagaKind) ([]Saga, error)
	RemoveSaga(ctx context.Context, operationId string) error

	GetKeysetAmounts(ctx context.Context, keysetId string) (KeysetAmounts, error)
	GetIssuedEcash(ctx context.Context) (map[string]uint64, error)
	GetRedeemedEcash(ctx context.Context) (map[string]uint64, error)

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key string, value string) error

	Close() error
}
