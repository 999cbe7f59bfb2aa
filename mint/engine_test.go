package mint_test

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/cashubtc/cdk-sub008/cashu"
	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut04"
	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut05"
	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut07"
	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut11"
	"github.com/cashubtc/cdk-sub008/crypto"
	"github.com/cashubtc/cdk-sub008/mint"
	"github.com/cashubtc/cdk-sub008/mint/lightning"
	"github.com/cashubtc/cdk-sub008/mint/storage/memory"
)

// These tests drive the full mint engine against an in-memory Database and
// the in-memory FakeBackend, playing the wallet's role (blinding, signing,
// unblinding) itself with crypto/bdhke.go's primitives directly, since the
// wallet side is out of this repo's scope (spec.md Non-goals).

const testUnit = "sat"

func newTestMint(t *testing.T) (*mint.Mint, *lightning.FakeBackend) {
	t.Helper()

	seed, err := hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)
	if err != nil {
		t.Fatalf("generating seed: %v", err)
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("deriving master key: %v", err)
	}

	db := memory.New()
	signatory, err := mint.NewSignatory(context.Background(), master, db, testUnit, 0, 0)
	if err != nil {
		t.Fatalf("setting up signatory: %v", err)
	}

	backend := lightning.NewFakeBackend()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := mint.NewMint(db, signatory, backend, mint.MintLimits{}, logger)

	return m, backend
}

// blindedPair is one output the test mints, plus the blinding material
// needed to turn its signature back into a spendable proof.
type blindedPair struct {
	secret string
	r      *secp256k1.PrivateKey
	output cashu.BlindedMessage
}

func randomSecret(t *testing.T) string {
	t.Helper()
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		t.Fatalf("generating secret: %v", err)
	}
	return hex.EncodeToString(raw[:])
}

func blindOutput(t *testing.T, keysetId string, amount uint64, secret string) blindedPair {
	t.Helper()
	var blindingFactor [32]byte
	if _, err := rand.Read(blindingFactor[:]); err != nil {
		t.Fatalf("generating blinding factor: %v", err)
	}
	B_, r := crypto.BlindMessage([]byte(secret), blindingFactor[:])
	return blindedPair{
		secret: secret,
		r:      r,
		output: cashu.NewBlindedMessage(keysetId, amount, B_),
	}
}

func blindOutputs(t *testing.T, keysetId string, amounts []uint64) []blindedPair {
	t.Helper()
	pairs := make([]blindedPair, len(amounts))
	for i, amount := range amounts {
		pairs[i] = blindOutput(t, keysetId, amount, randomSecret(t))
	}
	return pairs
}

func outputsOf(pairs []blindedPair) cashu.BlindedMessages {
	out := make(cashu.BlindedMessages, len(pairs))
	for i, p := range pairs {
		out[i] = p.output
	}
	return out
}

// unblind turns signed blinded messages back into spendable proofs, the
// wallet-side half of BDHKE (crypto.UnblindSignature), looking each
// signature's own denomination key up in keys.
func unblind(t *testing.T, pairs []blindedPair, sigs cashu.BlindedSignatures, keys map[uint64]*secp256k1.PublicKey) cashu.Proofs {
	t.Helper()
	if len(pairs) != len(sigs) {
		t.Fatalf("mismatched pair/signature count: %d vs %d", len(pairs), len(sigs))
	}

	proofs := make(cashu.Proofs, len(sigs))
	for i, sig := range sigs {
		key, ok := keys[sig.Amount]
		if !ok {
			t.Fatalf("no keyset key for amount %v", sig.Amount)
		}
		C_Bytes, err := hex.DecodeString(sig.C_)
		if err != nil {
			t.Fatalf("decoding C_: %v", err)
		}
		C_, err := secp256k1.ParsePubKey(C_Bytes)
		if err != nil {
			t.Fatalf("parsing C_: %v", err)
		}
		C := crypto.UnblindSignature(C_, pairs[i].r, key)
		proofs[i] = cashu.Proof{
			Amount: sig.Amount,
			Id:     sig.Id,
			Secret: pairs[i].secret,
			C:      hex.EncodeToString(C.SerializeCompressed()),
		}
	}
	return proofs
}

func activeKeyset(t *testing.T, m *mint.Mint) (string, map[uint64]*secp256k1.PublicKey) {
	t.Helper()
	for _, ks := range m.ActivePublicKeysets() {
		if ks.Unit == testUnit {
			return ks.Id, ks.Keys
		}
	}
	t.Fatalf("no active keyset for unit %v", testUnit)
	return "", nil
}

func proofYs(proofs cashu.Proofs) []string {
	ys := make([]string, len(proofs))
	for i, p := range proofs {
		Y := crypto.HashToCurve([]byte(p.Secret))
		ys[i] = hex.EncodeToString(Y.SerializeCompressed())
	}
	return ys
}

// mintTestTokens runs a full mint-quote lifecycle and returns spendable
// proofs worth amount, grounded on the teacher's TestMintTokens happy path.
func mintTestTokens(t *testing.T, m *mint.Mint, backend *lightning.FakeBackend, amount uint64) cashu.Proofs {
	t.Helper()
	ctx := context.Background()

	quote, err := m.RequestMintQuote(ctx, mint.BOLT11_METHOD, amount, testUnit, "", "")
	if err != nil {
		t.Fatalf("requesting mint quote: %v", err)
	}

	if err := backend.SettleInvoice(quote.RequestLookupId, "payment-"+quote.Id); err != nil {
		t.Fatalf("settling invoice: %v", err)
	}
	quote, err = m.GetMintQuoteState(ctx, mint.BOLT11_METHOD, quote.Id)
	if err != nil {
		t.Fatalf("polling mint quote: %v", err)
	}
	if quote.State != nut04.Paid {
		t.Fatalf("expected quote to be paid, got %v", quote.State)
	}

	keysetId, keys := activeKeyset(t, m)
	pairs := blindOutputs(t, keysetId, cashu.AmountSplit(amount))
	sigs, err := m.MintTokens(ctx, mint.BOLT11_METHOD, quote.Id, outputsOf(pairs), "")
	if err != nil {
		t.Fatalf("minting tokens: %v", err)
	}

	return unblind(t, pairs, sigs, keys)
}

// S1: a wallet mints, receiving the exact amount in spendable proofs.
func TestMintHappyPath(t *testing.T) {
	m, backend := newTestMint(t)
	proofs := mintTestTokens(t, m, backend, 64)
	if proofs.Amount() != 64 {
		t.Fatalf("expected 64, got %v", proofs.Amount())
	}
}

// S2: swap preserves value and issues fresh, unlinkable proofs.
func TestSwap(t *testing.T) {
	m, backend := newTestMint(t)
	proofs := mintTestTokens(t, m, backend, 32)

	keysetId, keys := activeKeyset(t, m)
	pairs := blindOutputs(t, keysetId, cashu.AmountSplit(proofs.Amount()))

	sigs, err := m.Swap(context.Background(), proofs, outputsOf(pairs))
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	newProofs := unblind(t, pairs, sigs, keys)
	if newProofs.Amount() != proofs.Amount() {
		t.Fatalf("swap changed total value: %v -> %v", proofs.Amount(), newProofs.Amount())
	}
}

// S3: a proof already spent by a swap is rejected by a second swap attempt.
func TestDoubleSpendRejected(t *testing.T) {
	m, backend := newTestMint(t)
	proofs := mintTestTokens(t, m, backend, 8)
	keysetId, _ := activeKeyset(t, m)

	pairs := blindOutputs(t, keysetId, cashu.AmountSplit(8))
	if _, err := m.Swap(context.Background(), proofs, outputsOf(pairs)); err != nil {
		t.Fatalf("first swap: %v", err)
	}

	replay := blindOutputs(t, keysetId, cashu.AmountSplit(8))
	if _, err := m.Swap(context.Background(), proofs, outputsOf(replay)); err == nil {
		t.Fatal("expected replaying spent proofs to fail")
	}
}

// S7: a P2PK-locked proof can only be swapped once a valid signature is
// attached (NUT-11).
func TestP2PKSpendCondition(t *testing.T) {
	m, backend := newTestMint(t)
	keysetId, keys := activeKeyset(t, m)

	lockKey, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generating lock key: %v", err)
	}
	pubkeyHex := hex.EncodeToString(lockKey.PubKey().SerializeCompressed())
	lockedSecret, err := nut11.P2PKSecret(pubkeyHex)
	if err != nil {
		t.Fatalf("building P2PK secret: %v", err)
	}

	ctx := context.Background()
	pair := blindOutput(t, keysetId, 4, lockedSecret)

	quote, err := m.RequestMintQuote(ctx, mint.BOLT11_METHOD, 4, testUnit, "", "")
	if err != nil {
		t.Fatalf("requesting mint quote: %v", err)
	}
	if err := backend.SettleInvoice(quote.RequestLookupId, "payment-"+quote.Id); err != nil {
		t.Fatalf("settling invoice: %v", err)
	}
	sigs, err := m.MintTokens(ctx, mint.BOLT11_METHOD, quote.Id, cashu.BlindedMessages{pair.output}, "")
	if err != nil {
		t.Fatalf("minting P2PK-locked token: %v", err)
	}
	lockedProofs := unblind(t, []blindedPair{pair}, sigs, keys)

	unsignedOut := blindOutputs(t, keysetId, []uint64{4})
	if _, err := m.Swap(ctx, lockedProofs, outputsOf(unsignedOut)); err == nil {
		t.Fatal("expected swap of unsigned P2PK proof to fail")
	}

	signed, err := nut11.AddSignatureToInputs(lockedProofs, lockKey)
	if err != nil {
		t.Fatalf("signing P2PK proof: %v", err)
	}
	signedOut := blindOutputs(t, keysetId, []uint64{4})
	if _, err := m.Swap(ctx, signed, outputsOf(signedOut)); err != nil {
		t.Fatalf("expected swap of signed P2PK proof to succeed: %v", err)
	}
}

// S4: melt pays an invoice and marks the spent inputs Spent.
func TestMeltSuccess(t *testing.T) {
	m, backend := newTestMint(t)
	proofs := mintTestTokens(t, m, backend, 100)
	ctx := context.Background()

	invoice, _, _, err := lightning.CreateFakeInvoice(90, false)
	if err != nil {
		t.Fatalf("building invoice: %v", err)
	}
	meltQuote, err := m.RequestMeltQuote(ctx, mint.BOLT11_METHOD, invoice, testUnit, nil)
	if err != nil {
		t.Fatalf("requesting melt quote: %v", err)
	}

	resultQuote, _, err := m.MeltTokens(ctx, mint.BOLT11_METHOD, meltQuote.Id, proofs, nil)
	if err != nil {
		t.Fatalf("melt: %v", err)
	}
	if resultQuote.State != nut05.Paid {
		t.Fatalf("expected melt quote paid, got %v", resultQuote.State)
	}

	states, err := m.CheckState(ctx, proofYs(proofs))
	if err != nil {
		t.Fatalf("checkstate: %v", err)
	}
	for _, s := range states {
		if s.State != nut07.Spent {
			t.Fatalf("expected melted input spent, got %v", s.State)
		}
	}
}

// S6: a failing payment releases its reserved inputs back to Unspent
// instead of burning them.
func TestMeltPaymentFailureReleasesInputs(t *testing.T) {
	m, backend := newTestMint(t)
	proofs := mintTestTokens(t, m, backend, 50)
	ctx := context.Background()

	invoice, _, _, err := lightning.CreateFakeInvoice(40, true)
	if err != nil {
		t.Fatalf("building failing invoice: %v", err)
	}
	meltQuote, err := m.RequestMeltQuote(ctx, mint.BOLT11_METHOD, invoice, testUnit, nil)
	if err != nil {
		t.Fatalf("requesting melt quote: %v", err)
	}

	resultQuote, _, err := m.MeltTokens(ctx, mint.BOLT11_METHOD, meltQuote.Id, proofs, nil)
	if err != nil {
		t.Fatalf("melt: %v", err)
	}
	if resultQuote.State == nut05.Paid {
		t.Fatalf("expected melt payment to fail, quote state: %v", resultQuote.State)
	}

	states, err := m.CheckState(ctx, proofYs(proofs))
	if err != nil {
		t.Fatalf("checkstate: %v", err)
	}
	for _, s := range states {
		if s.State != nut07.Unspent {
			t.Fatalf("expected released input unspent after failed payment, got %v", s.State)
		}
	}
}

// NUT-09: a wallet that lost its signature record can recover it by
// resubmitting the same blinded outputs to /v1/restore.
func TestRestore(t *testing.T) {
	m, backend := newTestMint(t)
	ctx := context.Background()

	quote, err := m.RequestMintQuote(ctx, mint.BOLT11_METHOD, 16, testUnit, "", "")
	if err != nil {
		t.Fatalf("requesting mint quote: %v", err)
	}
	if err := backend.SettleInvoice(quote.RequestLookupId, "payment-"+quote.Id); err != nil {
		t.Fatalf("settling invoice: %v", err)
	}

	keysetId, _ := activeKeyset(t, m)
	pairs := blindOutputs(t, keysetId, cashu.AmountSplit(16))
	sigs, err := m.MintTokens(ctx, mint.BOLT11_METHOD, quote.Id, outputsOf(pairs), "")
	if err != nil {
		t.Fatalf("minting tokens: %v", err)
	}

	restoredOutputs, restoredSigs, err := m.Restore(ctx, outputsOf(pairs))
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(restoredOutputs) != len(pairs) || len(restoredSigs) != len(sigs) {
		t.Fatalf("expected every output restored, got %d/%d", len(restoredOutputs), len(restoredSigs))
	}
}
