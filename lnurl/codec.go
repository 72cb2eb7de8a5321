// Package lnurl implements the codec primitives shared by the LNURL-auth and
// LNURL-withdraw protocol engines: bech32 encoding of URLs, DER signature
// parsing and secp256k1 signature verification. Everything here is a pure
// function; no I/O and no state.
package lnurl

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// Human-readable part mandated by LUD-01.
const hrp = "lnurl"

// maxEncodedLen caps the encoded form. LUD-01 allows up to 1023 characters;
// anything longer is rejected rather than truncated.
const maxEncodedLen = 1023

var (
	ErrDecode      = errors.New("lnurl: decode failed")
	ErrTooLong     = errors.New("lnurl: encoded form exceeds 1023 characters")
	ErrWrongPrefix = errors.New("lnurl: human-readable part is not \"lnurl\"")
)

// Encode bech32-encodes a UTF-8 URL with the "lnurl" human-readable part.
// The result is lowercase; callers that render QR codes should uppercase it.
func Encode(url string) (string, error) {
	conv, err := bech32.ConvertBits([]byte(url), 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("lnurl: convert bits: %w", err)
	}
	enc, err := bech32.Encode(hrp, conv)
	if err != nil {
		return "", fmt.Errorf("lnurl: encode: %w", err)
	}
	if len(enc) > maxEncodedLen {
		return "", ErrTooLong
	}
	return enc, nil
}

// Decode is the inverse of Encode. It accepts upper- or lowercase input
// (wallets conventionally ship the uppercase form inside QR codes) and fails
// if the human-readable part mismatches or the checksum is invalid.
func Decode(lnurl string) (string, error) {
	lnurl = strings.TrimSpace(lnurl)
	if len(lnurl) > maxEncodedLen {
		return "", ErrTooLong
	}
	gotHRP, data, err := bech32.DecodeNoLimit(strings.ToLower(lnurl))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if gotHRP != hrp {
		return "", ErrWrongPrefix
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return string(raw), nil
}
