package mint

import (
	"context"

	"github.com/cashubtc/cdk-sub008/cashu"
	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut01"
	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut07"
	"github.com/cashubtc/cdk-sub008/mint/storage"
)

// ListKeysetInfo returns every known keyset's public summary, active and
// retired alike (spec.md §4.2 list_keysets, surfaced at GET /v1/keysets).
func (m *Mint) ListKeysetInfo() []KeysetInfo {
	return m.signatory.ListKeysets()
}

// ActivePublicKeysets returns the public key material for every currently
// active keyset, one per unit (GET /v1/keys, spec.md §6.1).
func (m *Mint) ActivePublicKeysets() []nut01.Keyset {
	infos := m.signatory.ListKeysets()
	keysets := make([]nut01.Keyset, 0, len(infos))
	for _, info := range infos {
		if !info.Active {
			continue
		}
		ks, err := m.signatory.GetKeysetPublic(info.Id)
		if err != nil {
			continue
		}
		keysets = append(keysets, nut01.Keyset{Id: ks.Id, Unit: ks.Unit, Keys: ks.PublicKeys()})
	}
	return keysets
}

// PublicKeysetById returns the public key material for one keyset, active
// or retired (GET /v1/keys/{keyset_id}, spec.md §6.1: "old keysets remain
// verifiable forever").
func (m *Mint) PublicKeysetById(id string) (nut01.Keyset, error) {
	ks, err := m.signatory.GetKeysetPublic(id)
	if err != nil {
		return nut01.Keyset{}, err
	}
	return nut01.Keyset{Id: ks.Id, Unit: ks.Unit, Keys: ks.PublicKeys()}, nil
}

// CheckState reports the ledger state of each Y (NUT-07, spec.md §6.3).
// Absent Ys are reported Unspent, matching the wallet's expectation that a
// proof it never saw rejected is still spendable.
func (m *Mint) CheckState(ctx context.Context, ys []string) ([]nut07.ProofState, error) {
	rows, err := m.db.Get(ctx, ys)
	if err != nil {
		return nil, cashu.BuildCashuError(err.Error(), cashu.DBErrCode)
	}

	byY := make(map[string]storage.DBProof, len(rows))
	for _, row := range rows {
		byY[row.Y] = row
	}

	states := make([]nut07.ProofState, len(ys))
	for i, y := range ys {
		state := nut07.Unspent
		witness := ""
		if row, ok := byY[y]; ok {
			witness = row.Witness
			switch row.State {
			case storage.Pending:
				state = nut07.Pending
			case storage.Spent:
				state = nut07.Spent
			}
		}
		states[i] = nut07.ProofState{Y: y, State: state, Witness: witness}
	}
	return states, nil
}

// RotateKeyset retires the active keyset for unit and activates a freshly
// derived one (spec.md §4.2). Rotation happens only through this call: a
// keyset past its final_expiry is refused for signing but is not rotated
// automatically. Used by the admin CLI's rotate-keyset command.
func (m *Mint) RotateKeyset(ctx context.Context, unit string, maxOrder int, inputFeePpk uint) (KeysetInfo, error) {
	return m.signatory.Rotate(ctx, unit, maxOrder, inputFeePpk, nil)
}

// KeysetBalance returns a keyset's total issued and total redeemed amounts
// (spec.md §6.5 accounting aggregate); it returns both totals, not their
// difference. Used by the admin CLI's balance command.
func (m *Mint) KeysetBalance(ctx context.Context, keysetId string) (storage.KeysetAmounts, error) {
	return m.db.GetKeysetAmounts(ctx, keysetId)
}

// Restore returns the previously-issued signature for every output the
// caller already has a record of (NUT-09, spec.md §6.1 /v1/restore). Unlike
// mint/swap replay, this isn't gated on an exact request match: any output
// whose B_ was ever signed is restorable, which is the whole point of the
// endpoint (recovering a wallet's state from blind signatures alone).
func (m *Mint) Restore(ctx context.Context, outputs cashu.BlindedMessages) (cashu.BlindedMessages, cashu.BlindedSignatures, error) {
	restoredOutputs := make(cashu.BlindedMessages, 0, len(outputs))
	restoredSignatures := make(cashu.BlindedSignatures, 0, len(outputs))

	for _, bm := range outputs {
		sig, err := m.db.GetBlindSignature(ctx, bm.B_)
		if err != nil {
			continue
		}
		restoredOutputs = append(restoredOutputs, bm)
		restoredSignatures = append(restoredSignatures, sig)
	}

	return restoredOutputs, restoredSignatures, nil
}
