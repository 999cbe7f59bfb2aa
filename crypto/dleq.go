package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// DLEQProof is a non-interactive proof that the same scalar k was used to
// produce K = k*G and C_ = k*B_, without revealing k.
type DLEQProof struct {
	E *secp256k1.ModNScalar
	S *secp256k1.ModNScalar
}

func hashDLEQ(points ...*secp256k1.PublicKey) *secp256k1.ModNScalar {
	h := sha256.New()
	for _, p := range points {
		h.Write(p.SerializeCompressed())
	}
	sum := h.Sum(nil)

	var e secp256k1.ModNScalar
	e.SetByteSlice(sum)
	return &e
}

// GenerateDLEQ proves that C_ = k*B_ and K = k*G for the same k, per
// spec.md §4.1: pick random r1, commit R1 = r1*G, R2 = r1*B_,
// e = H(R1, R2, K, C_), s = r1 + e*k.
func GenerateDLEQ(k *secp256k1.PrivateKey, B_ *secp256k1.PublicKey, C_ *secp256k1.PublicKey) (*DLEQProof, error) {
	var r1Bytes [32]byte
	if _, err := rand.Read(r1Bytes[:]); err != nil {
		return nil, err
	}
	r1 := secp256k1.PrivKeyFromBytes(r1Bytes[:])

	K := k.PubKey()
	R1 := r1.PubKey()

	var bPoint, rPoint secp256k1.JacobianPoint
	B_.AsJacobian(&bPoint)
	secp256k1.ScalarMultNonConst(&r1.Key, &bPoint, &rPoint)
	rPoint.ToAffine()
	R2 := secp256k1.NewPublicKey(&rPoint.X, &rPoint.Y)

	e := hashDLEQ(R1, R2, K, C_)

	var s secp256k1.ModNScalar
	s.Mul2(e, &k.Key).Add(&r1.Key)

	return &DLEQProof{E: e, S: &s}, nil
}

// VerifyDLEQ checks a proof produced by GenerateDLEQ against the mint's
// public key K for this (keyset_id, amount) and the blinded message/
// signature pair (B_, C_).
func VerifyDLEQ(proof *DLEQProof, K *secp256k1.PublicKey, B_ *secp256k1.PublicKey, C_ *secp256k1.PublicKey) bool {
	if proof == nil || proof.E == nil || proof.S == nil {
		return false
	}

	// R1' = s*G - e*K
	var sG, eK, R1Point secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(proof.S, &sG)
	var kPoint secp256k1.JacobianPoint
	K.AsJacobian(&kPoint)
	secp256k1.ScalarMultNonConst(proof.E, &kPoint, &eK)
	negateJacobian(&eK)
	secp256k1.AddNonConst(&sG, &eK, &R1Point)
	R1Point.ToAffine()
	R1 := secp256k1.NewPublicKey(&R1Point.X, &R1Point.Y)

	// R2' = s*B_ - e*C_
	var sB, eC, R2Point secp256k1.JacobianPoint
	var bPoint secp256k1.JacobianPoint
	B_.AsJacobian(&bPoint)
	secp256k1.ScalarMultNonConst(proof.S, &bPoint, &sB)
	var cPoint secp256k1.JacobianPoint
	C_.AsJacobian(&cPoint)
	secp256k1.ScalarMultNonConst(proof.E, &cPoint, &eC)
	negateJacobian(&eC)
	secp256k1.AddNonConst(&sB, &eC, &R2Point)
	R2Point.ToAffine()
	R2 := secp256k1.NewPublicKey(&R2Point.X, &R2Point.Y)

	e := hashDLEQ(R1, R2, K, C_)
	return e.Equals(proof.E)
}

// Hex returns the (e, s) scalars as the hex strings used on the wire.
func (p *DLEQProof) Hex() (e string, s string) {
	var eBytes, sBytes [32]byte
	p.E.PutBytes(&eBytes)
	p.S.PutBytes(&sBytes)
	return hex.EncodeToString(eBytes[:]), hex.EncodeToString(sBytes[:])
}

// DLEQFromHex parses the (e, s) hex strings back into a DLEQProof.
func DLEQFromHex(e string, s string) (*DLEQProof, error) {
	eBytes, err := hex.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("invalid dleq e: %v", err)
	}
	sBytes, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid dleq s: %v", err)
	}

	var eScalar, sScalar secp256k1.ModNScalar
	eScalar.SetByteSlice(eBytes)
	sScalar.SetByteSlice(sBytes)
	return &DLEQProof{E: &eScalar, S: &sScalar}, nil
}

// negateJacobian flips the sign of the Y coordinate of an affine-compatible
// Jacobian point, i.e. computes -P for subsequent addition as P1 - P2.
func negateJacobian(p *secp256k1.JacobianPoint) {
	p.Y.Negate(1)
	p.Y.Normalize()
}
