package nut12

import (
	"encoding/hex"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/cashubtc/cdk-sub008/cashu"
	"github.com/cashubtc/cdk-sub008/crypto"
)

// VerifyProofsDLEQ verifies the DLEQ proof attached to each Proof, if
// present, against the signing public key for its amount. Proofs with
// no DLEQ attached are treated as valid (DLEQ is optional per NUT-12).
func VerifyProofsDLEQ(proofs cashu.Proofs, pubkeys crypto.PublicKeys) bool {
	for _, proof := range proofs {
		if proof.DLEQ == nil {
			continue
		}

		pubkey, ok := pubkeys[proof.Amount]
		if !ok {
			return false
		}

		if !VerifyProofDLEQ(proof, pubkey) {
			return false
		}
	}
	return true
}

// VerifyProofDLEQ recomputes the blinded message B_ and blinded signature
// C_ from the unblinded proof and its blinding factor r, then checks the
// DLEQ proof against them: C_ = C + rA, B_ = Y + rG.
func VerifyProofDLEQ(proof cashu.Proof, A *secp256k1.PublicKey) bool {
	if proof.DLEQ == nil {
		return false
	}

	dleqProof, r, err := ParseDLEQ(*proof.DLEQ)
	if err != nil || r == nil {
		return false
	}

	B_, _ := crypto.BlindMessage([]byte(proof.Secret), r.Serialize())

	CBytes, err := hex.DecodeString(proof.C)
	if err != nil {
		return false
	}
	C, err := secp256k1.ParsePubKey(CBytes)
	if err != nil {
		return false
	}

	var CPoint, APoint secp256k1.JacobianPoint
	C.AsJacobian(&CPoint)
	A.AsJacobian(&APoint)

	// C_ = C + r*A
	var C_Point, rAPoint secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&r.Key, &APoint, &rAPoint)
	rAPoint.ToAffine()
	secp256k1.AddNonConst(&CPoint, &rAPoint, &C_Point)
	C_Point.ToAffine()
	C_ := secp256k1.NewPublicKey(&C_Point.X, &C_Point.Y)

	return crypto.VerifyDLEQ(dleqProof, A, B_, C_)
}

// VerifyBlindSignatureDLEQ verifies the DLEQ proof a mint attaches directly
// to a BlindedSignature, before the wallet unblinds it.
func VerifyBlindSignatureDLEQ(
	dleq cashu.DLEQProof,
	A *secp256k1.PublicKey,
	B_str string,
	C_str string,
) bool {
	dleqProof, _, err := ParseDLEQ(dleq)
	if err != nil {
		return false
	}

	B_bytes, err := hex.DecodeString(B_str)
	if err != nil {
		return false
	}
	B_, err := secp256k1.ParsePubKey(B_bytes)
	if err != nil {
		return false
	}

	C_bytes, err := hex.DecodeString(C_str)
	if err != nil {
		return false
	}
	C_, err := secp256k1.ParsePubKey(C_bytes)
	if err != nil {
		return false
	}

	return crypto.VerifyDLEQ(dleqProof, A, B_, C_)
}

// ParseDLEQ decodes the wire (e, s, r) hex strings into a crypto.DLEQProof
// plus the optional blinding factor r carried on Proof-level DLEQ.
func ParseDLEQ(dleq cashu.DLEQProof) (*crypto.DLEQProof, *secp256k1.PrivateKey, error) {
	dleqProof, err := crypto.DLEQFromHex(dleq.E, dleq.S)
	if err != nil {
		return nil, nil, err
	}

	if dleq.R == "" {
		return dleqProof, nil, nil
	}

	rbytes, err := hex.DecodeString(dleq.R)
	if err != nil {
		return nil, nil, err
	}
	r := secp256k1.PrivKeyFromBytes(rbytes)

	return dleqProof, r, nil
}
