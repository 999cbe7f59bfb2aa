package mint

import (
	"context"
	"fmt"

	"github.com/cashubtc/cdk-sub008/cashu"
	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut05"
	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut11"
	"github.com/cashubtc/cdk-sub008/mint/lightning"
	"github.com/cashubtc/cdk-sub008/mint/storage"
)

// PaymentOutcome classifies the result of an outgoing Lightning payment
// attempt. MeltTokens and startup recovery branch on the backend's
// lightning.PaymentStatus directly; nothing in this package converts a
// status into a PaymentOutcome.
type PaymentOutcome int

const (
	PaymentUnknown PaymentOutcome = iota
	PaymentPaid
	PaymentFailed
	PaymentPending
)

// RequestMeltQuote asks the Lightning backend to price an outgoing payment
// and persists a new MeltQuote in Unpaid state (spec.md §4.7 "Create melt
// quote").
func (m *Mint) RequestMeltQuote(ctx context.Context, method, paymentRequest, unit string, options []byte) (storage.MeltQuote, error) {
	if method != BOLT11_METHOD {
		return storage.MeltQuote{}, cashu.PaymentMethodNotSupportedErr
	}
	if _, err := m.signatory.ActiveKeyset(unit); err != nil {
		return storage.MeltQuote{}, cashu.UnitNotSupportedErr
	}

	quote, err := m.backend.GetPaymentQuote(ctx, paymentRequest, unit, options)
	if err != nil {
		return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error getting payment quote: %v", err), cashu.LightningBackendErrCode)
	}
	if max := m.limits.MeltingSettings.MaxAmount; max > 0 && quote.Amount > max {
		return storage.MeltQuote{}, cashu.MeltAmountExceededErr
	}

	quoteId, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		m.logErrorf("error generating quote id: %v", err)
		return storage.MeltQuote{}, cashu.StandardErr
	}

	meltQuote := storage.MeltQuote{
		Id:              quoteId,
		Unit:            unit,
		Amount:          quote.Amount,
		FeeReserve:      quote.FeeReserve,
		PaymentRequest:  paymentRequest,
		RequestLookupId: quote.RequestLookupId,
		State:           nut05.Unpaid,
		PaymentMethod:   method,
		Options:         options,
	}
	if err := m.db.SaveMeltQuote(ctx, meltQuote); err != nil {
		return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error saving melt quote: %v", err), cashu.DBErrCode)
	}

	m.publishMeltQuoteStatus(meltQuote)
	return meltQuote, nil
}

// GetMeltQuoteState returns a melt quote's current state.
func (m *Mint) GetMeltQuoteState(ctx context.Context, method, quoteId string) (storage.MeltQuote, error) {
	if method != BOLT11_METHOD {
		return storage.MeltQuote{}, cashu.PaymentMethodNotSupportedErr
	}
	quote, err := m.db.GetMeltQuote(ctx, quoteId)
	if err != nil {
		return storage.MeltQuote{}, cashu.QuoteNotExistErr
	}
	return quote, nil
}

// MeltTokens executes the reverse direction of Mint: burns inputs, pays an
// external Lightning request, and signs change (spec.md §4.7 "Process
// melt"). Runs as a saga with 3 durable checkpoints (SetupComplete before
// the external payment call, PaymentAttempted around it, Finalizing while
// persisting the outcome) so a crash mid-payment is reconciled by startup
// recovery rather than ever risking a second payment attempt.
func (m *Mint) MeltTokens(ctx context.Context, method, quoteId string, inputs cashu.Proofs, changeOutputs cashu.BlindedMessages) (storage.MeltQuote, cashu.BlindedSignatures, error) {
	if method != BOLT11_METHOD {
		return storage.MeltQuote{}, nil, cashu.PaymentMethodNotSupportedErr
	}

	quote, err := m.db.GetMeltQuote(ctx, quoteId)
	if err != nil {
		return storage.MeltQuote{}, nil, cashu.QuoteNotExistErr
	}

	switch quote.State {
	case nut05.Paid:
		return quote, nil, cashu.InvoiceAlreadyPaidErr
	case nut05.Pending:
		return quote, nil, cashu.PendingQuoteErr
	}

	Ys, err := proofYs(inputs)
	if err != nil {
		return storage.MeltQuote{}, nil, err
	}
	if err := m.verifyInputs(inputs); err != nil {
		return storage.MeltQuote{}, nil, err
	}
	if err := m.checkMeltUnit(inputs, quote.Unit); err != nil {
		return storage.MeltQuote{}, nil, err
	}
	if nut11.ProofsSigAll(inputs) {
		if err := verifyP2PKBlindedMessages(inputs, changeOutputs); err != nil {
			return storage.MeltQuote{}, nil, err
		}
	}

	inputsFee := calculateFee(inputs, m.keysetFeePpk)
	inputsAmount := inputs.Amount()
	required, overflow := overflowAddUint64(quote.Amount, quote.FeeReserve)
	if overflow {
		return storage.MeltQuote{}, nil, cashu.StandardErr
	}
	required, overflow = overflowAddUint64(required, inputsFee)
	if overflow {
		return storage.MeltQuote{}, nil, cashu.StandardErr
	}
	if inputsAmount < required {
		return storage.MeltQuote{}, nil, cashu.InsufficientProofsAmount
	}

	operationId, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		return storage.MeltQuote{}, nil, cashu.StandardErr
	}

	if err := m.db.InsertReservation(ctx, inputs, operationId, quote.Id); err != nil {
		return storage.MeltQuote{}, nil, translateReservationErr(err)
	}
	info := storage.MeltRequestInfo{
		QuoteId:       quote.Id,
		InputsAmount:  inputsAmount,
		InputsFee:     inputsFee,
		ChangeOutputs: changeOutputs,
	}
	if err := m.db.SaveMeltRequestInfo(ctx, info); err != nil {
		m.compensateMelt(ctx, Ys, operationId)
		return storage.MeltQuote{}, nil, cashu.BuildCashuError(fmt.Sprintf("error saving melt request info: %v", err), cashu.DBErrCode)
	}
	if _, err := m.db.UpdateMeltQuoteState(ctx, quote.Id, nut05.Pending, ""); err != nil {
		m.compensateMelt(ctx, Ys, operationId)
		_ = m.db.RemoveMeltRequestInfo(ctx, quote.Id)
		return storage.MeltQuote{}, nil, cashu.BuildCashuError(fmt.Sprintf("error updating melt quote state: %v", err), cashu.DBErrCode)
	}
	if err := startMeltSaga(ctx, m.db, operationId, quote.Id); err != nil {
		m.logErrorf("error writing melt saga: %v", err)
	}
	quote.State = nut05.Pending
	m.publishMeltQuoteStatus(quote)

	paymentQuote := lightning.PaymentQuote{
		Amount:          quote.Amount,
		FeeReserve:      quote.FeeReserve,
		RequestLookupId: quote.RequestLookupId,
	}

	if err := advanceMeltSaga(ctx, m.db, operationId, MeltPaymentAttempted); err != nil {
		m.logErrorf("error advancing melt saga: %v", err)
	}
	response, err := m.backend.MakePayment(ctx, paymentQuote, quote.FeeReserve)
	if err != nil {
		m.logErrorf("error making lightning payment for melt quote '%v': %v", quote.Id, err)
		quote, _, ferr := m.finalizeMeltPending(ctx, quote.Id)
		if ferr != nil {
			return storage.MeltQuote{}, nil, ferr
		}
		return quote, nil, nil
	}

	if response.Status == lightning.Paid || response.Status == lightning.Failed {
		if err := advanceMeltSaga(ctx, m.db, operationId, MeltFinalizing); err != nil {
			m.logErrorf("error advancing melt saga: %v", err)
		}
	}
	switch response.Status {
	case lightning.Paid:
		return m.finalizeMeltSuccess(ctx, quote.Id, Ys, operationId, response.TotalSpent, response.Preimage, response.PaymentLookupId)
	case lightning.Failed:
		quote, err := m.finalizeMeltFailure(ctx, quote.Id, Ys, operationId, true)
		return quote, nil, err
	default:
		// Pending or Unknown: leave the saga in PaymentAttempted; recovery
		// polls the backend until a terminal status is reported (spec.md
		// §4.7 step 5, §5 "Cancellation").
		quote, err := m.db.GetMeltQuote(ctx, quote.Id)
		if err != nil {
			return storage.MeltQuote{}, nil, cashu.BuildCashuError(fmt.Sprintf("error reloading melt quote: %v", err), cashu.DBErrCode)
		}
		return quote, nil, nil
	}
}

// finalizeMeltPending reloads a quote left in PaymentAttempted after a
// backend call error (timeout, connection drop): the payment may still
// land, so the saga survives for recovery to reconcile (spec.md §5
// "Timeouts").
func (m *Mint) finalizeMeltPending(ctx context.Context, quoteId string) (storage.MeltQuote, cashu.BlindedSignatures, error) {
	quote, err := m.db.GetMeltQuote(ctx, quoteId)
	if err != nil {
		return storage.MeltQuote{}, nil, cashu.BuildCashuError(fmt.Sprintf("error reloading melt quote: %v", err), cashu.DBErrCode)
	}
	return quote, nil, nil
}

// finalizeMeltSuccess burns the reserved inputs, marks the quote Paid, and
// blind-signs change (spec.md §4.7 step 3).
func (m *Mint) finalizeMeltSuccess(ctx context.Context, quoteId string, Ys []string, operationId string, totalSpent uint64, preimage string, actualLookupId string) (storage.MeltQuote, cashu.BlindedSignatures, error) {
	info, err := m.db.GetMeltRequestInfo(ctx, quoteId)
	if err != nil || info == nil {
		return storage.MeltQuote{}, nil, cashu.BuildCashuError(fmt.Sprintf("missing melt request info for quote '%v': %v", quoteId, err), cashu.DBErrCode)
	}

	if spendLimit, underflow := underflowSubUint64(info.InputsAmount, info.InputsFee); !underflow && totalSpent > spendLimit {
		m.logErrorf("melt quote '%v': backend reported total_spent %v above inputs_amount-inputs_fee %v; funds already left the node, proceeding", quoteId, totalSpent, spendLimit)
	}

	if _, err := m.db.UpdateStates(ctx, Ys, storage.Spent); err != nil {
		return storage.MeltQuote{}, nil, cashu.BuildCashuError(fmt.Sprintf("error spending inputs: %v", err), cashu.DBErrCode)
	}
	if _, err := m.db.UpdateMeltQuoteState(ctx, quoteId, nut05.Paid, preimage); err != nil {
		return storage.MeltQuote{}, nil, cashu.BuildCashuError(fmt.Sprintf("error updating melt quote state: %v", err), cashu.DBErrCode)
	}
	if actualLookupId != "" {
		if err := m.db.UpdateMeltQuoteLookupId(ctx, quoteId, actualLookupId); err != nil {
			m.logErrorf("error updating melt quote lookup id: %v", err)
		}
	}

	var changeTarget uint64
	if spent, underflow := underflowSubUint64(info.InputsAmount, totalSpent); !underflow {
		if target, underflow2 := underflowSubUint64(spent, info.InputsFee); !underflow2 {
			changeTarget = target
		}
	}

	var signatures cashu.BlindedSignatures
	if changeTarget > 0 && len(info.ChangeOutputs) > 0 {
		selected := selectChangeOutputs(changeTarget, info.ChangeOutputs)
		if len(selected) > 0 {
			signatures, err = m.signatory.BlindSign(selected)
			if err != nil {
				m.logErrorf("error signing change for melt quote '%v': %v", quoteId, err)
				signatures = nil
			} else if err := m.db.SaveBlindSignatures(ctx, selected, signatures, quoteId); err != nil {
				m.logErrorf("error saving change signatures for melt quote '%v': %v", quoteId, err)
			}
		}
	}

	if err := m.db.RemoveMeltRequestInfo(ctx, quoteId); err != nil {
		m.logErrorf("error removing melt request info '%v': %v", quoteId, err)
	}
	if err := m.db.RemoveSaga(ctx, operationId); err != nil {
		m.logErrorf("error removing completed melt saga '%v': %v", operationId, err)
	}

	for _, y := range Ys {
		m.publishProofState(y, storage.Spent)
	}
	quote, err := m.db.GetMeltQuote(ctx, quoteId)
	if err == nil {
		m.publishMeltQuoteStatus(quote)
	}
	return quote, signatures, nil
}

// finalizeMeltFailure releases reserved inputs and marks the quote Unpaid
// (retryable) or Failed, depending on the backend's finality signal
// (spec.md §4.7 step 4).
func (m *Mint) finalizeMeltFailure(ctx context.Context, quoteId string, Ys []string, operationId string, retryable bool) (storage.MeltQuote, error) {
	if _, err := m.db.UpdateStates(ctx, Ys, storage.Unspent); err != nil {
		m.logErrorf("error releasing reserved inputs for failed melt '%v': %v", operationId, err)
	}
	if err := m.db.RemoveMeltRequestInfo(ctx, quoteId); err != nil {
		m.logErrorf("error removing melt request info '%v': %v", quoteId, err)
	}

	newState := nut05.Failed
	if retryable {
		newState = nut05.Unpaid
	}
	if _, err := m.db.UpdateMeltQuoteState(ctx, quoteId, newState, ""); err != nil {
		m.logErrorf("error updating melt quote state: %v", err)
	}
	if err := m.db.RemoveSaga(ctx, operationId); err != nil {
		m.logErrorf("error removing melt saga '%v': %v", operationId, err)
	}

	quote, err := m.db.GetMeltQuote(ctx, quoteId)
	if err == nil {
		m.publishMeltQuoteStatus(quote)
	}
	return quote, nil
}

// checkMeltUnit enforces spec.md §4.6 "a single unit across all keysets
// referenced": every input keyset must resolve to the melt quote's own
// unit, so inputs denominated in one unit can never pay down a quote priced
// in another.
func (m *Mint) checkMeltUnit(inputs cashu.Proofs, quoteUnit string) error {
	for _, proof := range inputs {
		unit, ok := m.keysetUnit(proof.Id)
		if !ok {
			return cashu.UnknownKeysetErr
		}
		if unit != quoteUnit {
			return cashu.MixedUnitsErr
		}
	}
	return nil
}

// compensateMelt releases reserved inputs back to Unspent and drops the
// saga row after a setup-phase failure, before any external payment was
// attempted.
func (m *Mint) compensateMelt(ctx context.Context, Ys []string, operationId string) {
	if _, err := m.db.UpdateStates(ctx, Ys, storage.Unspent); err != nil {
		m.logErrorf("error releasing reserved melt inputs '%v': %v", operationId, err)
	}
	if err := m.db.RemoveSaga(ctx, operationId); err != nil {
		m.logErrorf("error removing melt saga '%v': %v", operationId, err)
	}
}

// selectChangeOutputs matches target's binary decomposition against the
// caller-supplied change outputs (spec.md §4.7 step 3 "Compute change").
// Zero-amount outputs are never matched against a denomination (the keyset
// ladder starts at 2^0=1, so there is no amount-0 key to sign them with)
// and are dropped silently. If the supplied outputs don't cover every
// denomination target decomposes into, the uncovered remainder is burned.
func selectChangeOutputs(target uint64, outputs cashu.BlindedMessages) cashu.BlindedMessages {
	denominations := cashu.AmountSplit(target)
	used := make([]bool, len(outputs))
	selected := make(cashu.BlindedMessages, 0, len(denominations))

	for i := len(denominations) - 1; i >= 0; i-- {
		amt := denominations[i]
		for j, out := range outputs {
			if !used[j] && out.Amount == amt {
				used[j] = true
				selected = append(selected, out)
				break
			}
		}
	}
	return selected
}
