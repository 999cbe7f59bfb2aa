package nut12

import (
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/cashubtc/cdk-sub008/cashu"
	"github.com/cashubtc/cdk-sub008/crypto"
)

func TestVerifyBlindSignatureDLEQ(t *testing.T) {
	k, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	A := k.PubKey()

	var blindingFactor [32]byte
	if _, err := rand.Read(blindingFactor[:]); err != nil {
		t.Fatal(err)
	}
	secret := "test secret for blind signature dleq"
	B_, _ := crypto.BlindMessage([]byte(secret), blindingFactor[:])
	C_ := crypto.SignBlindedMessage(B_, k)

	proof, err := crypto.GenerateDLEQ(k, B_, C_)
	if err != nil {
		t.Fatal(err)
	}
	e, s := proof.Hex()
	dleq := cashu.DLEQProof{E: e, S: s}

	if !VerifyBlindSignatureDLEQ(dleq, A, hex.EncodeToString(B_.SerializeCompressed()), hex.EncodeToString(C_.SerializeCompressed())) {
		t.Errorf("DLEQ verification on blind signature failed")
	}
}

func TestVerifyProofDLEQ(t *testing.T) {
	k, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	A := k.PubKey()

	var blindingFactor [32]byte
	if _, err := rand.Read(blindingFactor[:]); err != nil {
		t.Fatal(err)
	}
	secret := "test secret for proof dleq"
	B_, r := crypto.BlindMessage([]byte(secret), blindingFactor[:])
	C_ := crypto.SignBlindedMessage(B_, k)
	C := crypto.UnblindSignature(C_, r, A)

	dleqProof, err := crypto.GenerateDLEQ(k, B_, C_)
	if err != nil {
		t.Fatal(err)
	}
	e, s := dleqProof.Hex()

	proof := cashu.Proof{
		Amount: 1,
		Id:     "00882760bfa2eb41",
		Secret: secret,
		C:      hex.EncodeToString(C.SerializeCompressed()),
		DLEQ: &cashu.DLEQProof{
			E: e,
			S: s,
			R: hex.EncodeToString(r.Serialize()),
		},
	}

	if !VerifyProofDLEQ(proof, A) {
		t.Errorf("DLEQ verification on proof failed")
	}
}
