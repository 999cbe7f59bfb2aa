// Package memory provides an in-process storage.Database double for tests
// that never touch a sqlite file, the way the teacher's repo keeps a fake
// Lightning backend alongside the real one for the same reason.
package memory

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/cashubtc/cdk-sub008/cashu"
	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut04"
	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut05"
	"github.com/cashubtc/cdk-sub008/crypto"
	"github.com/cashubtc/cdk-sub008/mint/storage"
)

var _ storage.Database = (*DB)(nil)

func proofY(p cashu.Proof) string {
	Y := crypto.HashToCurve([]byte(p.Secret))
	return hex.EncodeToString(Y.SerializeCompressed())
}

type signedOutput struct {
	sig     cashu.BlindedSignature
	quoteId string
}

// DB is a mutex-guarded, map-backed storage.Database. Not persistent, not
// meant for production: every exported operation acquires the single lock
// for its whole duration, mirroring the short-transaction discipline the
// interface requires of real implementations.
type DB struct {
	mu sync.Mutex

	seed []byte

	keysets map[string]storage.DBKeyset

	proofs map[string]storage.DBProof // by Y

	mintQuotes       map[string]storage.MintQuote
	mintQuoteByLook  map[string]string
	meltQuotes       map[string]storage.MeltQuote
	meltQuoteByLook  map[string]string
	meltRequestInfos map[string]storage.MeltRequestInfo // by quoteId

	signatures map[string]signedOutput // by B_

	sagas map[string]storage.Saga // by operationId

	config map[string]string

	seenPayments map[string]bool // paymentId dedup, per mint quote
}

// New returns an empty in-memory Database.
func New() *DB {
	return &DB{
		keysets:          make(map[string]storage.DBKeyset),
		proofs:           make(map[string]storage.DBProof),
		mintQuotes:       make(map[string]storage.MintQuote),
		mintQuoteByLook:  make(map[string]string),
		meltQuotes:       make(map[string]storage.MeltQuote),
		meltQuoteByLook:  make(map[string]string),
		meltRequestInfos: make(map[string]storage.MeltRequestInfo),
		signatures:       make(map[string]signedOutput),
		sagas:            make(map[string]storage.Saga),
		config:           make(map[string]string),
		seenPayments:     make(map[string]bool),
	}
}

func (d *DB) SaveSeed(_ context.Context, seed []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seed = append([]byte(nil), seed...)
	return nil
}

func (d *DB) GetSeed(_ context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seed == nil {
		return nil, storage.ErrProofNotFound
	}
	return append([]byte(nil), d.seed...), nil
}

func (d *DB) SaveKeyset(_ context.Context, keyset storage.DBKeyset) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keysets[keyset.Id] = keyset
	return nil
}

func (d *DB) GetKeysets(_ context.Context) ([]storage.DBKeyset, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]storage.DBKeyset, 0, len(d.keysets))
	for _, k := range d.keysets {
		out = append(out, k)
	}
	return out, nil
}

func (d *DB) UpdateKeysetActive(_ context.Context, keysetId string, active bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	k, ok := d.keysets[keysetId]
	if !ok {
		return storage.ErrProofNotFound
	}
	k.Active = active
	d.keysets[keysetId] = k
	return nil
}

func (d *DB) InsertReservation(_ context.Context, proofs cashu.Proofs, operationId string, quoteId string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	Ys := make([]string, len(proofs))
	for i, p := range proofs {
		y := proofY(p)
		Ys[i] = y
		if existing, ok := d.proofs[y]; ok {
			if existing.State == storage.Spent {
				return storage.ErrAttemptUpdateSpentProof
			}
			if existing.State == storage.Pending && existing.OperationId != operationId {
				return storage.ErrDuplicate
			}
		}
	}

	now := time.Now().Unix()
	for i, p := range proofs {
		d.proofs[Ys[i]] = storage.DBProof{
			Amount:      p.Amount,
			Id:          p.Id,
			Secret:      p.Secret,
			Y:           Ys[i],
			C:           p.C,
			Witness:     p.Witness,
			State:       storage.Pending,
			QuoteId:     quoteId,
			OperationId: operationId,
			CreatedTime: now,
		}
	}
	return nil
}

func (d *DB) UpdateStates(_ context.Context, ys []string, newState storage.ProofState) ([]storage.ProofState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prior := make([]storage.ProofState, len(ys))
	for i, y := range ys {
		p, ok := d.proofs[y]
		if !ok {
			return nil, storage.ErrProofNotFound
		}
		if p.State == storage.Spent {
			return nil, storage.ErrAttemptUpdateSpentProof
		}
		prior[i] = p.State
	}
	for _, y := range ys {
		p := d.proofs[y]
		p.State = newState
		d.proofs[y] = p
	}
	return prior, nil
}

func (d *DB) Remove(_ context.Context, ys []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, y := range ys {
		if p, ok := d.proofs[y]; ok && p.State == storage.Spent {
			return storage.ErrAttemptRemoveSpentProof
		}
	}
	for _, y := range ys {
		delete(d.proofs, y)
	}
	return nil
}

func (d *DB) Get(_ context.Context, ys []string) ([]storage.DBProof, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]storage.DBProof, 0, len(ys))
	for _, y := range ys {
		if p, ok := d.proofs[y]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (d *DB) ListByQuote(_ context.Context, quoteId string) ([]storage.DBProof, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []storage.DBProof
	for _, p := range d.proofs {
		if p.QuoteId == quoteId {
			out = append(out, p)
		}
	}
	return out, nil
}

func (d *DB) ListByOperation(_ context.Context, operationId string) ([]storage.DBProof, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []storage.DBProof
	for _, p := range d.proofs {
		if p.OperationId == operationId {
			out = append(out, p)
		}
	}
	return out, nil
}

func (d *DB) SumRedeemedByKeyset(_ context.Context) (map[string]uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]uint64)
	for _, p := range d.proofs {
		if p.State == storage.Spent {
			out[p.Id] += p.Amount
		}
	}
	return out, nil
}

func (d *DB) SaveMintQuote(_ context.Context, quote storage.MintQuote) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mintQuotes[quote.Id] = quote
	if quote.RequestLookupId != "" {
		d.mintQuoteByLook[quote.RequestLookupId] = quote.Id
	}
	return nil
}

func (d *DB) GetMintQuote(_ context.Context, id string) (storage.MintQuote, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.mintQuotes[id]
	if !ok {
		return storage.MintQuote{}, storage.ErrUnknownQuote
	}
	return q, nil
}

func (d *DB) GetMintQuoteByLookupId(_ context.Context, lookupId string) (storage.MintQuote, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.mintQuoteByLook[lookupId]
	if !ok {
		return storage.MintQuote{}, storage.ErrUnknownQuote
	}
	return d.mintQuotes[id], nil
}

func (d *DB) ListMintQuotesByState(_ context.Context, state nut04.State) ([]storage.MintQuote, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []storage.MintQuote
	for _, q := range d.mintQuotes {
		if q.State == state {
			out = append(out, q)
		}
	}
	return out, nil
}

func (d *DB) IncrementAmountPaid(_ context.Context, id string, delta uint64, paymentId string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.mintQuotes[id]
	if !ok {
		return storage.ErrUnknownQuote
	}
	key := id + "/" + paymentId
	if paymentId != "" && d.seenPayments[key] {
		return nil
	}
	q.AmountPaid += delta
	if paymentId != "" {
		q.PaymentIds = append(q.PaymentIds, paymentId)
		d.seenPayments[key] = true
	}
	if q.AmountPaid >= q.Amount && q.State == nut04.Unpaid {
		q.State = nut04.Paid
	}
	d.mintQuotes[id] = q
	return nil
}

func (d *DB) IncrementAmountIssued(_ context.Context, id string, delta uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.mintQuotes[id]
	if !ok {
		return storage.ErrUnknownQuote
	}
	q.AmountIssued += delta
	d.mintQuotes[id] = q
	return nil
}

func (d *DB) SetMintQuoteState(_ context.Context, id string, state nut04.State) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.mintQuotes[id]
	if !ok {
		return storage.ErrUnknownQuote
	}
	q.State = state
	d.mintQuotes[id] = q
	return nil
}

// SetPending acquires the per-quote lock MintTokens holds while issuing
// signatures (spec.md §4.5 step 1). d.mu serializes every caller the same
// way a row-level lock would in a real database.
func (d *DB) SetPending(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.mintQuotes[id]
	if !ok {
		return storage.ErrUnknownQuote
	}
	if q.SingleUse && q.State == nut04.Issued {
		return storage.ErrQuoteIssued
	}
	if q.Pending {
		return storage.ErrQuotePending
	}
	q.Pending = true
	d.mintQuotes[id] = q
	return nil
}

// UnsetPending releases the lock acquired by SetPending.
func (d *DB) UnsetPending(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.mintQuotes[id]
	if !ok {
		return storage.ErrUnknownQuote
	}
	q.Pending = false
	d.mintQuotes[id] = q
	return nil
}

func (d *DB) RemoveMintQuote(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.mintQuotes, id)
	return nil
}

func (d *DB) SaveMeltQuote(_ context.Context, quote storage.MeltQuote) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if quote.CreatedTime == 0 {
		quote.CreatedTime = time.Now().Unix()
	}
	d.meltQuotes[quote.Id] = quote
	if quote.RequestLookupId != "" {
		d.meltQuoteByLook[quote.RequestLookupId] = quote.Id
	}
	return nil
}

func (d *DB) GetMeltQuote(_ context.Context, id string) (storage.MeltQuote, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.meltQuotes[id]
	if !ok {
		return storage.MeltQuote{}, storage.ErrUnknownQuote
	}
	return q, nil
}

func (d *DB) GetMeltQuoteByLookupId(_ context.Context, lookupId string) (*storage.MeltQuote, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.meltQuoteByLook[lookupId]
	if !ok {
		return nil, storage.ErrUnknownQuote
	}
	q := d.meltQuotes[id]
	return &q, nil
}

func (d *DB) UpdateMeltQuoteState(_ context.Context, id string, newState nut05.State, preimage string) (nut05.State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.meltQuotes[id]
	if !ok {
		return 0, storage.ErrUnknownQuote
	}
	prior := q.State
	q.State = newState
	if preimage != "" {
		q.Preimage = preimage
	}
	if newState == nut05.Paid {
		q.PaidTime = time.Now().Unix()
	}
	d.meltQuotes[id] = q
	return prior, nil
}

func (d *DB) UpdateMeltQuoteLookupId(_ context.Context, id string, lookupId string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.meltQuotes[id]
	if !ok {
		return storage.ErrUnknownQuote
	}
	q.RequestLookupId = lookupId
	d.meltQuotes[id] = q
	d.meltQuoteByLook[lookupId] = id
	return nil
}

func (d *DB) RemoveMeltQuote(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.meltQuotes, id)
	return nil
}

func (d *DB) SaveMeltRequestInfo(_ context.Context, info storage.MeltRequestInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.meltRequestInfos[info.QuoteId] = info
	return nil
}

func (d *DB) GetMeltRequestInfo(_ context.Context, quoteId string) (*storage.MeltRequestInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.meltRequestInfos[quoteId]
	if !ok {
		return nil, nil
	}
	return &info, nil
}

func (d *DB) RemoveMeltRequestInfo(_ context.Context, quoteId string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.meltRequestInfos, quoteId)
	return nil
}

func (d *DB) SaveBlindSignatures(_ context.Context, outputs cashu.BlindedMessages, signatures cashu.BlindedSignatures, quoteId string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, sig := range signatures {
		d.signatures[outputs[i].B_] = signedOutput{sig: sig, quoteId: quoteId}
	}
	return nil
}

func (d *DB) GetBlindSignature(_ context.Context, B_ string) (cashu.BlindedSignature, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	so, ok := d.signatures[B_]
	if !ok {
		return cashu.BlindedSignature{}, storage.ErrProofNotFound
	}
	return so.sig, nil
}

func (d *DB) GetBlindSignatures(_ context.Context, B_s []string) (cashu.BlindedSignatures, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out cashu.BlindedSignatures
	for _, b := range B_s {
		if so, ok := d.signatures[b]; ok {
			out = append(out, so.sig)
		}
	}
	return out, nil
}

func (d *DB) GetBlindSignaturesByQuote(_ context.Context, quoteId string) (cashu.BlindedSignatures, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out cashu.BlindedSignatures
	for _, so := range d.signatures {
		if so.quoteId == quoteId {
			out = append(out, so.sig)
		}
	}
	return out, nil
}

func (d *DB) SaveSaga(_ context.Context, saga storage.Saga) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now().Unix()
	saga.CreatedAt = now
	saga.UpdatedAt = now
	d.sagas[saga.OperationId] = saga
	return nil
}

func (d *DB) UpdateSagaState(_ context.Context, operationId string, state []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sagas[operationId]
	if !ok {
		return storage.ErrProofNotFound
	}
	s.State = state
	s.UpdatedAt = time.Now().Unix()
	d.sagas[operationId] = s
	return nil
}

func (d *DB) GetSaga(_ context.Context, operationId string) (*storage.Saga, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sagas[operationId]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (d *DB) ListSagasByKind(_ context.Context, kind storage.SagaKind) ([]storage.Saga, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []storage.Saga
	for _, s := range d.sagas {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out, nil
}

func (d *DB) RemoveSaga(_ context.Context, operationId string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sagas, operationId)
	return nil
}

func (d *DB) GetKeysetAmounts(_ context.Context, keysetId string) (storage.KeysetAmounts, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	amounts := storage.KeysetAmounts{KeysetId: keysetId}
	for _, so := range d.signatures {
		if so.sig.Id == keysetId {
			amounts.TotalIssued += so.sig.Amount
		}
	}
	for _, p := range d.proofs {
		if p.Id == keysetId && p.State == storage.Spent {
			amounts.TotalRedeemed += p.Amount
		}
	}
	return amounts, nil
}

func (d *DB) GetIssuedEcash(_ context.Context) (map[string]uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]uint64)
	for _, so := range d.signatures {
		out[so.sig.Id] += so.sig.Amount
	}
	return out, nil
}

func (d *DB) GetRedeemedEcash(_ context.Context) (map[string]uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]uint64)
	for _, p := range d.proofs {
		if p.State == storage.Spent {
			out[p.Id] += p.Amount
		}
	}
	return out, nil
}

func (d *DB) GetConfig(_ context.Context, key string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config[key], nil
}

func (d *DB) SetConfig(_ context.Context, key string, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.config[key] = value
	return nil
}

func (d *DB) Close() error { return nil }
