package mint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"reflect"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/cashubtc/cdk-sub008/cashu"
	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut10"
	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut11"
	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut14"
	"github.com/cashubtc/cdk-sub008/crypto"
	"github.com/cashubtc/cdk-sub008/mint/storage"
)

// KeysetInfo is the public-facing summary of a keyset (spec.md §4.2
// list_keysets contract), independent of the private key material.
type KeysetInfo struct {
	Id          string
	Unit        string
	Active      bool
	InputFeePpk uint
	FinalExpiry int64
}

// Signatory owns the master seed, derives deterministic per-(unit, index)
// keysets, and exposes blind-sign/verify-proof/rotate to the mint engines
// (spec.md §4.2). Grounded on the keyset-handling portions of the teacher's
// mint.go (GetActiveKeyset, signBlindedMessages, verifyProofs), generalized
// into the explicit Signatory contract spec.md names, which the teacher
// inlines into its Mint struct instead.
type Signatory struct {
	mu sync.RWMutex

	master *hdkeychain.ExtendedKey
	db     storage.Database

	// keysets holds every known keyset (active and retired), by id.
	keysets map[string]*crypto.MintKeyset
	// active holds, per unit, the id of the currently active keyset.
	active map[string]string
}

// NewSignatory loads all persisted keysets and, if none exist for the
// mint's default unit yet, derives and persists the first one.
func NewSignatory(ctx context.Context, master *hdkeychain.ExtendedKey, db storage.Database, defaultUnit string, maxOrder int, inputFeePpk uint) (*Signatory, error) {
	s := &Signatory{
		master:  master,
		db:      db,
		keysets: make(map[string]*crypto.MintKeyset),
		active:  make(map[string]string),
	}

	rows, err := db.GetKeysets(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading keysets: %v", err)
	}

	for _, row := range rows {
		keyset, err := crypto.GenerateKeyset(master, row.Unit, unitIndex(row.Unit), row.DerivationPathIdx, 0, row.InputFeePpk, row.FinalExpiry)
		if err != nil {
			return nil, fmt.Errorf("rederiving keyset %s: %v", row.Id, err)
		}
		keyset.Active = row.Active
		s.keysets[keyset.Id] = keyset
		if row.Active {
			s.active[row.Unit] = keyset.Id
		}
	}

	if _, ok := s.active[defaultUnit]; !ok {
		if _, err := s.rotateLocked(ctx, defaultUnit, maxOrder, inputFeePpk, 0); err != nil {
			return nil, fmt.Errorf("deriving default keyset: %v", err)
		}
	}

	return s, nil
}

// unitIndex maps a unit label to its hardened BIP-32 child index
// (spec.md §4.2: "a BIP-32-style path m/purpose'/unit'/index'"). Units are
// mapped deterministically by a 31-bit FNV hash so no extra allocation
// table is needed to keep unit -> index stable across restarts.
func unitIndex(unit string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(unit))
	return h.Sum32() & 0x7fffffff
}

// ListKeysets returns every known keyset's public summary.
func (s *Signatory) ListKeysets() []KeysetInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]KeysetInfo, 0, len(s.keysets))
	for _, ks := range s.keysets {
		infos = append(infos, KeysetInfo{
			Id:          ks.Id,
			Unit:        ks.Unit,
			Active:      ks.Active,
			InputFeePpk: ks.InputFeePpk,
			FinalExpiry: ks.FinalExpiry,
		})
	}
	return infos
}

// GetKeysetPublic returns the public-only key material for one keyset.
func (s *Signatory) GetKeysetPublic(id string) (*crypto.MintKeyset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ks, ok := s.keysets[id]
	if !ok {
		return nil, cashu.UnknownKeysetErr
	}
	return ks, nil
}

// ActiveKeyset returns the currently active keyset for a unit.
func (s *Signatory) ActiveKeyset(unit string) (*crypto.MintKeyset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[unit]
	if !ok {
		return nil, cashu.UnitNotSupportedErr
	}
	return s.keysets[id], nil
}

// BlindSign signs each output with the key for its (keyset_id, amount),
// attaching a DLEQ proof (spec.md §4.2, §4.1). Fails InactiveKeyset if the
// target keyset isn't active, InvalidBlindedMessageAmount if the amount
// isn't laddered.
func (s *Signatory) BlindSign(outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	signatures := make(cashu.BlindedSignatures, len(outputs))
	for i, msg := range outputs {
		keyset, ok := s.keysets[msg.Id]
		if !ok {
			return nil, cashu.UnknownKeysetErr
		}
		if !keyset.Active || keyset.Expired() {
			return nil, cashu.InactiveKeysetSignatureRequest
		}
		keypair, ok := keyset.Keys[msg.Amount]
		if !ok {
			return nil, cashu.InvalidBlindedMessageAmount
		}

		B_bytes, err := hex.DecodeString(msg.B_)
		if err != nil {
			return nil, cashu.BuildCashuError(fmt.Sprintf("invalid B_: %v", err), cashu.StandardErrCode)
		}
		B_, err := secp256k1.ParsePubKey(B_bytes)
		if err != nil {
			return nil, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}

		C_ := crypto.SignBlindedMessage(B_, keypair.PrivateKey)
		dleqProof, err := crypto.GenerateDLEQ(keypair.PrivateKey, B_, C_)
		if err != nil {
			return nil, err
		}
		e, sc := dleqProof.Hex()

		signatures[i] = cashu.BlindedSignature{
			Amount: msg.Amount,
			Id:     keyset.Id,
			C_:     hex.EncodeToString(C_.SerializeCompressed()),
			DLEQ:   &cashu.DLEQProof{E: e, S: sc},
		}
	}
	return signatures, nil
}

// VerifyProof checks a proof's BDHKE signature and, if its secret carries a
// NUT-10 spending condition, its P2PK/HTLC witness (spec.md §4.1).
func (s *Signatory) VerifyProof(proof cashu.Proof) error {
	s.mu.RLock()
	keyset, ok := s.keysets[proof.Id]
	s.mu.RUnlock()
	if !ok {
		return cashu.UnknownKeysetErr
	}
	keypair, ok := keyset.Keys[proof.Amount]
	if !ok {
		return cashu.InvalidProofErr
	}

	Cbytes, err := hex.DecodeString(proof.C)
	if err != nil {
		return cashu.BuildCashuError(fmt.Sprintf("invalid C: %v", err), cashu.StandardErrCode)
	}
	C, err := secp256k1.ParsePubKey(Cbytes)
	if err != nil {
		return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
	}
	if !crypto.Verify([]byte(proof.Secret), keypair.PrivateKey, C) {
		return cashu.InvalidProofErr
	}

	switch nut10.SecretType(proof) {
	case nut10.P2PK:
		return verifyP2PKLockedProof(proof)
	case nut10.HTLC:
		secret, err := nut10.DeserializeSecret(proof.Secret)
		if err != nil {
			return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}
		return nut14.VerifyHTLCProof(proof, secret)
	}
	return nil
}

// Rotate deactivates the current active keyset for unit and creates a new
// one at the next derivation index, making it active (spec.md §4.2).
func (s *Signatory) Rotate(ctx context.Context, unit string, maxOrder int, inputFeePpk uint, derivationPathIndex *uint32) (KeysetInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var index uint32
	if derivationPathIndex != nil {
		index = *derivationPathIndex
	} else {
		for _, ks := range s.keysets {
			if ks.Unit == unit && ks.DerivationPathIdx >= index {
				index = ks.DerivationPathIdx + 1
			}
		}
	}

	keyset, err := s.rotateLocked(ctx, unit, maxOrder, inputFeePpk, index)
	if err != nil {
		return KeysetInfo{}, err
	}
	return KeysetInfo{
		Id:          keyset.Id,
		Unit:        keyset.Unit,
		Active:      keyset.Active,
		InputFeePpk: keyset.InputFeePpk,
		FinalExpiry: keyset.FinalExpiry,
	}, nil
}

// rotateLocked assumes s.mu is already held for writing.
func (s *Signatory) rotateLocked(ctx context.Context, unit string, maxOrder int, inputFeePpk uint, index uint32) (*crypto.MintKeyset, error) {
	keyset, err := crypto.GenerateKeyset(s.master, unit, unitIndex(unit), index, maxOrder, inputFeePpk, 0)
	if err != nil {
		return nil, err
	}

	if prevId, ok := s.active[unit]; ok {
		if prev, ok := s.keysets[prevId]; ok {
			prev.Active = false
			if err := s.db.UpdateKeysetActive(ctx, prev.Id, false); err != nil {
				return nil, err
			}
		}
	}

	if err := s.db.SaveKeyset(ctx, storage.DBKeyset{
		Id:                keyset.Id,
		Unit:              keyset.Unit,
		Active:            true,
		DerivationPathIdx: keyset.DerivationPathIdx,
		InputFeePpk:       keyset.InputFeePpk,
		FinalExpiry:       keyset.FinalExpiry,
	}); err != nil {
		return nil, err
	}

	s.keysets[keyset.Id] = keyset
	s.active[unit] = keyset.Id
	return keyset, nil
}

// verifyP2PKLockedProof checks a P2PK witness against its secret's
// pubkey/locktime/refund tags. Grounded on the teacher's
// verifyP2PKLockedProof in mint.go.
func verifyP2PKLockedProof(proof cashu.Proof) error {
	secret, err := nut10.DeserializeSecret(proof.Secret)
	if err != nil {
		return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
	}

	var witness nut11.P2PKWitness
	if err := json.Unmarshal([]byte(proof.Witness), &witness); err != nil {
		witness.Signatures = []string{}
	}

	tags, err := nut11.ParseP2PKTags(secret.Tags)
	if err != nil {
		return err
	}

	hash := sha256.Sum256([]byte(proof.Secret))

	signaturesRequired := 1
	if tags.Locktime > 0 && time.Now().Unix() > tags.Locktime {
		if len(tags.Refund) == 0 {
			return nil
		}
		if len(witness.Signatures) < 1 {
			return nut11.InvalidWitness
		}
		if !nut11.HasValidSignatures(hash[:], witness, signaturesRequired, tags.Refund) {
			return nut11.NotEnoughSignaturesErr
		}
		return nil
	}

	pubkey, err := nut11.ParsePublicKey(secret.Data)
	if err != nil {
		return err
	}
	allKeys := []*secp256k1.PublicKey{pubkey}
	if tags.NSigs > 0 {
		signaturesRequired = tags.NSigs
		if len(tags.Pubkeys) == 0 {
			return nut11.EmptyPubkeysErr
		}
		allKeys = append(allKeys, tags.Pubkeys...)
	}

	if len(witness.Signatures) < 1 {
		return nut11.InvalidWitness
	}
	if !nut11.HasValidSignatures(hash[:], witness, signaturesRequired, allKeys) {
		return nut11.NotEnoughSignaturesErr
	}
	return nil
}

// verifyP2PKBlindedMessages checks a SIG_ALL swap's aggregate signature: every
// input proof must share the same locking pubkeys/n_sigs, and each output
// must carry a witness signing its own B_ with those same keys (spec.md §4.6,
// NUT-11 SIG_ALL). Grounded on the teacher's verifyP2PKBlindedMessages in
// mint.go.
func verifyP2PKBlindedMessages(proofs cashu.Proofs, blindedMessages cashu.BlindedMessages) error {
	secret, err := nut10.DeserializeSecret(proofs[0].Secret)
	if err != nil {
		return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
	}
	pubkeys, err := nut11.PublicKeys(secret)
	if err != nil {
		return err
	}

	signaturesRequired := 1
	p2pkTags, err := nut11.ParseP2PKTags(secret.Tags)
	if err != nil {
		return err
	}
	if p2pkTags.NSigs > 0 {
		signaturesRequired = p2pkTags.NSigs
	}

	for _, proof := range proofs {
		secret, err := nut10.DeserializeSecret(proof.Secret)
		if err != nil {
			return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}
		if !nut11.IsSigAll(secret) {
			return nut11.AllSigAllFlagsErr
		}

		currentSignaturesRequired := 1
		currentTags, err := nut11.ParseP2PKTags(secret.Tags)
		if err != nil {
			return err
		}
		if currentTags.NSigs > 0 {
			currentSignaturesRequired = currentTags.NSigs
		}

		currentKeys, err := nut11.PublicKeys(secret)
		if err != nil {
			return err
		}
		if !reflect.DeepEqual(pubkeys, currentKeys) {
			return nut11.SigAllKeysMustBeEqualErr
		}
		if signaturesRequired != currentSignaturesRequired {
			return nut11.NSigsMustBeEqualErr
		}
	}

	for _, bm := range blindedMessages {
		B_bytes, err := hex.DecodeString(bm.B_)
		if err != nil {
			return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}
		hash := sha256.Sum256(B_bytes)

		var witness nut11.P2PKWitness
		if err := json.Unmarshal([]byte(bm.Witness), &witness); err != nil || len(witness.Signatures) < 1 {
			return nut11.InvalidWitness
		}
		if !nut11.HasValidSignatures(hash[:], witness, signaturesRequired, pubkeys) {
			return nut11.NotEnoughSignaturesErr
		}
	}

	return nil
}
