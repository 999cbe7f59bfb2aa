package mint

import (
	"context"
	"sort"

	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut05"
	"github.com/cashubtc/cdk-sub008/mint/lightning"
	"github.com/cashubtc/cdk-sub008/mint/storage"
)

// Recover reconciles every in-flight saga left behind by a crash, oldest
// first (spec.md §4.8 "Startup recovery"). It must run once, before the
// mint accepts requests: a Pending proof with no live saga is otherwise
// stuck forever, and a melt payment whose outcome was never observed could
// otherwise be attempted a second time.
func (m *Mint) Recover(ctx context.Context) error {
	if err := m.recoverSwapSagas(ctx); err != nil {
		return err
	}
	if err := m.recoverMeltSagas(ctx); err != nil {
		return err
	}
	// Mint sagas are written only by callers that need amount_issued and
	// signature persistence to advance together (spec.md §4.8: "usually
	// unnecessary since MintTokens is idempotent via BlindSignatureRecord
	// replay"); this engine never writes one, but a leftover row from a
	// future writer still deserves cleanup so it isn't silently ignored.
	return m.recoverMintSagas(ctx)
}

func oldestFirst(sagas []storage.Saga) {
	sort.Slice(sagas, func(i, j int) bool { return sagas[i].CreatedAt < sagas[j].CreatedAt })
}

func sagaYs(proofs []storage.DBProof) []string {
	ys := make([]string, len(proofs))
	for i, p := range proofs {
		ys[i] = p.Y
	}
	return ys
}

func (m *Mint) recoverSwapSagas(ctx context.Context) error {
	sagas, err := m.db.ListSagasByKind(ctx, storage.SagaSwap)
	if err != nil {
		return err
	}
	oldestFirst(sagas)

	for _, saga := range sagas {
		payload, err := readSwapSagaPayload(saga)
		if err != nil {
			m.logErrorf("skipping corrupt swap saga '%v': %v", saga.OperationId, err)
			continue
		}
		proofs, err := m.db.ListByOperation(ctx, saga.OperationId)
		if err != nil {
			m.logErrorf("error loading proofs for swap saga '%v': %v", saga.OperationId, err)
			continue
		}
		Ys := sagaYs(proofs)

		switch payload.State {
		case SwapSetupComplete:
			// Crashed before signing: nothing was ever promised to the
			// caller, release the inputs.
			m.logInfof("recovering swap saga '%v' in SetupComplete, releasing inputs", saga.OperationId)
			m.compensateSwap(ctx, Ys, saga.OperationId)
		case SwapSigned:
			// Signatures were persisted before the saga advanced to
			// Signed; only the input-spend + saga cleanup was missed.
			existing, err := m.db.GetBlindSignatures(ctx, payload.OutputBs)
			if err != nil || len(existing) != len(payload.OutputBs) {
				m.logErrorf("recovering swap saga '%v': signatures missing, releasing inputs instead of re-finalizing", saga.OperationId)
				m.compensateSwap(ctx, Ys, saga.OperationId)
				continue
			}
			m.logInfof("recovering swap saga '%v' in Signed, finalizing", saga.OperationId)
			if err := m.finalizeSwap(ctx, Ys, saga.OperationId); err != nil {
				m.logErrorf("error finalizing recovered swap saga '%v': %v", saga.OperationId, err)
			}
		}
	}
	return nil
}

func (m *Mint) recoverMeltSagas(ctx context.Context) error {
	sagas, err := m.db.ListSagasByKind(ctx, storage.SagaMelt)
	if err != nil {
		return err
	}
	oldestFirst(sagas)

	for _, saga := range sagas {
		state, err := readMeltSagaState(saga)
		if err != nil {
			m.logErrorf("skipping corrupt melt saga '%v': %v", saga.OperationId, err)
			continue
		}
		proofs, err := m.db.ListByOperation(ctx, saga.OperationId)
		if err != nil {
			m.logErrorf("error loading proofs for melt saga '%v': %v", saga.OperationId, err)
			continue
		}
		Ys := sagaYs(proofs)

		switch state {
		case MeltSetupComplete:
			// Crashed before the Lightning call was ever made: safe to
			// release inputs and put the quote back to Unpaid for retry.
			m.logInfof("recovering melt saga '%v' in SetupComplete, releasing inputs", saga.OperationId)
			m.compensateMelt(ctx, Ys, saga.OperationId)
			if _, err := m.db.UpdateMeltQuoteState(ctx, saga.QuoteId, nut05.Unpaid, ""); err != nil {
				m.logErrorf("error resetting melt quote '%v' to Unpaid: %v", saga.QuoteId, err)
			}
			_ = m.db.RemoveMeltRequestInfo(ctx, saga.QuoteId)
		case MeltPaymentAttempted, MeltFinalizing:
			// The Lightning call may or may not have gone out: never
			// retry it blindly, always ask the backend what happened
			// (spec.md §4.8, §5 "never attempt a payment twice").
			m.recoverMeltInFlight(ctx, saga, Ys)
		}
	}
	return nil
}

func (m *Mint) recoverMeltInFlight(ctx context.Context, saga storage.Saga, Ys []string) {
	quote, err := m.db.GetMeltQuote(ctx, saga.QuoteId)
	if err != nil {
		m.logErrorf("recovering melt saga '%v': cannot load quote '%v': %v", saga.OperationId, saga.QuoteId, err)
		return
	}

	status, err := m.backend.CheckOutgoingPayment(ctx, quote.RequestLookupId)
	if err != nil {
		m.logErrorf("recovering melt saga '%v': backend check failed, leaving saga intact for next recovery pass: %v", saga.OperationId, err)
		return
	}

	switch status.Status {
	case lightning.Paid:
		m.logInfof("recovering melt saga '%v': backend reports payment succeeded", saga.OperationId)
		if _, _, err := m.finalizeMeltSuccess(ctx, saga.QuoteId, Ys, saga.OperationId, status.TotalSpent, status.Preimage, ""); err != nil {
			m.logErrorf("error finalizing recovered melt saga '%v': %v", saga.OperationId, err)
		}
	case lightning.Failed:
		m.logInfof("recovering melt saga '%v': backend reports payment failed", saga.OperationId)
		if _, err := m.finalizeMeltFailure(ctx, saga.QuoteId, Ys, saga.OperationId, true); err != nil {
			m.logErrorf("error finalizing failed recovered melt saga '%v': %v", saga.OperationId, err)
		}
	default:
		// Pending/Unknown: still in flight, leave the saga for the next
		// recovery pass or a later poll to resolve.
		m.logInfof("recovering melt saga '%v': payment still %v, leaving for later recovery", saga.OperationId, status.Status)
	}
}

func (m *Mint) recoverMintSagas(ctx context.Context) error {
	sagas, err := m.db.ListSagasByKind(ctx, storage.SagaMint)
	if err != nil {
		return err
	}
	for _, saga := range sagas {
		m.logErrorf("found unexpected mint saga '%v' left behind, removing", saga.OperationId)
		if err := m.db.RemoveSaga(ctx, saga.OperationId); err != nil {
			m.logErrorf("error removing stale mint saga '%v': %v", saga.OperationId, err)
		}
	}
	return nil
}
