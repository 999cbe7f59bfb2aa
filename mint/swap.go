package mint

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/cashubtc/cdk-sub008/cashu"
	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut11"
	"github.com/cashubtc/cdk-sub008/crypto"
	"github.com/cashubtc/cdk-sub008/mint/storage"
)

// Swap atomically exchanges input proofs for new blind signatures,
// preserving unit-summed value minus fees (spec.md §4.6). Runs as a
// 3-phase saga: setup (reserve inputs) / sign / finalize (spend inputs),
// so a crash between phases is reconciled by startup recovery instead of
// silently losing or double-issuing value.
func (m *Mint) Swap(ctx context.Context, inputs cashu.Proofs, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	Ys, err := proofYs(inputs)
	if err != nil {
		return nil, err
	}

	if err := checkSwapBalance(inputs, outputs, m.keysetFeePpk); err != nil {
		return nil, err
	}

	if err := checkSingleUnit(inputs, outputs, m.keysetUnit); err != nil {
		return nil, err
	}

	if err := m.verifyInputs(inputs); err != nil {
		return nil, err
	}

	if nut11.ProofsSigAll(inputs) {
		m.logDebugf("SIG_ALL proofs in swap request, verifying aggregate signature")
		if err := verifyP2PKBlindedMessages(inputs, outputs); err != nil {
			return nil, err
		}
	}

	B_s, err := outputIds(outputs)
	if err != nil {
		return nil, err
	}
	existing, err := m.db.GetBlindSignatures(ctx, B_s)
	if err != nil {
		return nil, cashu.BuildCashuError(fmt.Sprintf("error checking blind signatures: %v", err), cashu.DBErrCode)
	}
	if len(existing) > 0 {
		return nil, cashu.BlindedMessageAlreadySigned
	}

	operationId, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		return nil, cashu.StandardErr
	}

	if err := m.db.InsertReservation(ctx, inputs, operationId, ""); err != nil {
		return nil, translateReservationErr(err)
	}
	if err := startSwapSaga(ctx, m.db, operationId); err != nil {
		m.logErrorf("error writing swap saga: %v", err)
	}

	signatures, err := m.signatory.BlindSign(outputs)
	if err != nil {
		m.compensateSwap(ctx, Ys, operationId)
		return nil, err
	}
	// Persist signatures before declaring the saga Signed: recovery only
	// needs to fetch them back by B_ and transition the inputs, it never
	// has to re-derive a signature from the master key (spec.md §4.8).
	if err := m.db.SaveBlindSignatures(ctx, outputs, signatures, ""); err != nil {
		m.compensateSwap(ctx, Ys, operationId)
		return nil, cashu.BuildCashuError(fmt.Sprintf("error saving blind signatures: %v", err), cashu.DBErrCode)
	}
	if err := advanceSwapSagaSigned(ctx, m.db, operationId, B_s); err != nil {
		m.logErrorf("error advancing swap saga: %v", err)
	}

	if err := m.finalizeSwap(ctx, Ys, operationId); err != nil {
		return nil, err
	}

	return signatures, nil
}

// finalizeSwap spends the reserved inputs and clears the saga row. The
// signatures themselves were already persisted before the saga reached
// Signed. Also called from recovery for a Signed saga whose finalize step
// didn't complete (spec.md §4.8).
func (m *Mint) finalizeSwap(ctx context.Context, Ys []string, operationId string) error {
	if _, err := m.db.UpdateStates(ctx, Ys, storage.Spent); err != nil {
		return cashu.BuildCashuError(fmt.Sprintf("error spending inputs: %v", err), cashu.DBErrCode)
	}
	if err := m.db.RemoveSaga(ctx, operationId); err != nil {
		m.logErrorf("error removing completed swap saga '%v': %v", operationId, err)
	}
	for _, y := range Ys {
		m.publishProofState(y, storage.Spent)
	}
	return nil
}

// compensateSwap releases reserved inputs back to Unspent and drops the
// saga row after a non-recoverable failure between setup and sign.
func (m *Mint) compensateSwap(ctx context.Context, Ys []string, operationId string) {
	if _, err := m.db.UpdateStates(ctx, Ys, storage.Unspent); err != nil {
		m.logErrorf("error releasing reserved inputs for failed swap '%v': %v", operationId, err)
	}
	if err := m.db.RemoveSaga(ctx, operationId); err != nil {
		m.logErrorf("error removing swap saga '%v': %v", operationId, err)
	}
}

// checkSwapBalance enforces spec.md §8 invariant 2: sum(inputs) ==
// sum(outputs) + fee, with fee computed from each input keyset's
// input_fee_ppk.
func checkSwapBalance(inputs cashu.Proofs, outputs cashu.BlindedMessages, feePpk func(string) uint) error {
	if len(inputs) == 0 {
		return cashu.NoProofsProvided
	}

	inputsAmount := inputs.Amount()
	outputsAmount := outputs.Amount()
	fee := calculateFee(inputs, feePpk)

	if inputsAmount != outputsAmount+fee {
		return cashu.TransactionUnbalancedErr(inputsAmount, outputsAmount, fee)
	}
	return nil
}

func (m *Mint) keysetFeePpk(keysetId string) uint {
	keyset, err := m.signatory.GetKeysetPublic(keysetId)
	if err != nil {
		return 0
	}
	return keyset.InputFeePpk
}

func (m *Mint) keysetUnit(keysetId string) (string, bool) {
	keyset, err := m.signatory.GetKeysetPublic(keysetId)
	if err != nil {
		return "", false
	}
	return keyset.Unit, true
}

// checkSingleUnit enforces spec.md §4.6 "a single unit across all keysets
// referenced": every input and output must resolve to the same unit, so a
// numerically balanced swap can never move value between units (e.g. "usd"
// inputs signed into "sat" outputs).
func checkSingleUnit(inputs cashu.Proofs, outputs cashu.BlindedMessages, unitOf func(string) (string, bool)) error {
	var unit string
	for _, proof := range inputs {
		u, ok := unitOf(proof.Id)
		if !ok {
			return cashu.UnknownKeysetErr
		}
		if unit == "" {
			unit = u
		} else if unit != u {
			return cashu.MixedUnitsErr
		}
	}
	for _, bm := range outputs {
		u, ok := unitOf(bm.Id)
		if !ok {
			return cashu.UnknownKeysetErr
		}
		if unit == "" {
			unit = u
		} else if unit != u {
			return cashu.MixedUnitsErr
		}
	}
	return nil
}

// verifyInputs runs the cryptographic and spending-condition checks shared
// by swap and melt: duplicate detection and per-proof BDHKE/P2PK/HTLC
// verification (spec.md §4.6 step 1, §4.7 step 1). It does not consult the
// ledger; Spent or Pending inputs are rejected later by InsertReservation.
func (m *Mint) verifyInputs(inputs cashu.Proofs) error {
	if cashu.CheckDuplicateProofs(inputs) {
		return cashu.DuplicateYErr
	}
	for _, proof := range inputs {
		if err := m.signatory.VerifyProof(proof); err != nil {
			return err
		}
	}
	return nil
}

func proofYs(proofs cashu.Proofs) ([]string, error) {
	Ys := make([]string, len(proofs))
	seen := make(map[string]bool, len(proofs))
	for i, proof := range proofs {
		Y := crypto.HashToCurve([]byte(proof.Secret))
		y := hex.EncodeToString(Y.SerializeCompressed())
		if seen[y] {
			return nil, cashu.DuplicateYErr
		}
		seen[y] = true
		Ys[i] = y
	}
	return Ys, nil
}

func outputIds(outputs cashu.BlindedMessages) ([]string, error) {
	B_s := make([]string, len(outputs))
	seen := make(map[string]bool, len(outputs))
	for i, bm := range outputs {
		if seen[bm.B_] {
			return nil, cashu.DuplicateOutputErr
		}
		seen[bm.B_] = true
		B_s[i] = bm.B_
	}
	return B_s, nil
}

func translateReservationErr(err error) error {
	switch err {
	case storage.ErrAttemptUpdateSpentProof:
		return cashu.AttemptUpdateSpentProof
	case storage.ErrDuplicate:
		return cashu.ProofPendingErr
	default:
		return cashu.BuildCashuError(fmt.Sprintf("error reserving inputs: %v", err), cashu.DBErrCode)
	}
}
