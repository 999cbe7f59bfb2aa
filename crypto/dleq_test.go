package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
)

func TestDLEQRoundTrip(t *testing.T) {
	khex, _ := hex.DecodeString("7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f")
	k, _ := btcec.PrivKeyFromBytes(khex)
	K := k.PubKey()

	secret := []byte("dleq_test_secret")
	rhex, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000002")
	B_, _ := BlindMessage(secret, rhex)
	C_ := SignBlindedMessage(B_, k)

	proof, err := GenerateDLEQ(k, B_, C_)
	if err != nil {
		t.Fatalf("GenerateDLEQ: %v", err)
	}

	if !VerifyDLEQ(proof, K, B_, C_) {
		t.Error("expected DLEQ proof to verify")
	}

	e, s := proof.Hex()
	roundTripped, err := DLEQFromHex(e, s)
	if err != nil {
		t.Fatalf("DLEQFromHex: %v", err)
	}
	if !VerifyDLEQ(roundTripped, K, B_, C_) {
		t.Error("expected hex round-tripped DLEQ proof to verify")
	}
}

func TestDLEQRejectsWrongKey(t *testing.T) {
	khex, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000001")
	k, _ := btcec.PrivKeyFromBytes(khex)

	otherHex, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000002")
	other, _ := btcec.PrivKeyFromBytes(otherHex)
	wrongK := other.PubKey()

	secret := []byte("dleq_test_secret_2")
	rhex, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000003")
	B_, _ := BlindMessage(secret, rhex)
	C_ := SignBlindedMessage(B_, k)

	proof, err := GenerateDLEQ(k, B_, C_)
	if err != nil {
		t.Fatalf("GenerateDLEQ: %v", err)
	}

	if VerifyDLEQ(proof, wrongK, B_, C_) {
		t.Error("expected DLEQ proof to fail against the wrong public key")
	}
}
