package lnurl

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

var ErrBadPubkey = errors.New("lnurl: invalid compressed public key")

// VerifyAuth checks a wallet's ECDSA signature over the k1 challenge bytes.
//
// Wallet implementations diverge on what exactly gets signed: most sign
// SHA-256(k1), a few sign the raw k1 bytes. The hashed form is tried first
// and the raw form only as a fallback. Returns false (not an error) on a
// signature that parses but does not verify.
func VerifyAuth(k1 []byte, derSig []byte, compressedKey []byte) (bool, error) {
	pub, err := secp256k1.ParsePubKey(compressedKey)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBadPubkey, err)
	}

	rb, sb, err := ParseDERSignature(derSig)
	if err != nil {
		return false, err
	}
	var r, s secp256k1.ModNScalar
	if overflow := r.SetBytes(&rb); overflow > 0 {
		return false, ErrMalformedSignature
	}
	if overflow := s.SetBytes(&sb); overflow > 0 {
		return false, ErrMalformedSignature
	}
	sig := ecdsa.NewSignature(&r, &s)

	hashed := sha256.Sum256(k1)
	if sig.Verify(hashed[:], pub) {
		return true, nil
	}
	return sig.Verify(k1, pub), nil
}
