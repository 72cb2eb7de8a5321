package lnurl

import "errors"

// ErrMalformedSignature is returned for any structural deviation from a
// DER-encoded SEQUENCE{INTEGER r, INTEGER s}.
var ErrMalformedSignature = errors.New("lnurl: malformed DER signature")

// ParseDERSignature parses a BER/DER SEQUENCE{INTEGER r, INTEGER s} and
// returns r and s left-padded to 32 bytes each, with any sign-padding zero
// byte stripped. Wallets produce strict DER here, but length bytes are parsed
// permissively enough to accept the one-byte long form some encoders emit.
func ParseDERSignature(sig []byte) (r, s [32]byte, err error) {
	rd := derReader{buf: sig}

	body, err := rd.element(0x30)
	if err != nil {
		return r, s, err
	}
	if rd.rest() != 0 {
		// Trailing garbage after the sequence.
		return r, s, ErrMalformedSignature
	}

	inner := derReader{buf: body}
	rb, err := inner.element(0x02)
	if err != nil {
		return r, s, err
	}
	sb, err := inner.element(0x02)
	if err != nil {
		return r, s, err
	}
	if inner.rest() != 0 {
		return r, s, ErrMalformedSignature
	}

	if err := padScalar(rb, r[:]); err != nil {
		return r, s, err
	}
	if err := padScalar(sb, s[:]); err != nil {
		return r, s, err
	}
	return r, s, nil
}

type derReader struct {
	buf []byte
	pos int
}

func (d *derReader) rest() int { return len(d.buf) - d.pos }

// element consumes one TLV element with the given tag and returns its value.
func (d *derReader) element(tag byte) ([]byte, error) {
	if d.rest() < 2 {
		return nil, ErrMalformedSignature
	}
	if d.buf[d.pos] != tag {
		return nil, ErrMalformedSignature
	}
	d.pos++

	length := int(d.buf[d.pos])
	d.pos++
	if length&0x80 != 0 {
		// Long form. Signatures never need more than one length byte.
		if length != 0x81 || d.rest() < 1 {
			return nil, ErrMalformedSignature
		}
		length = int(d.buf[d.pos])
		d.pos++
	}
	if length == 0 || length > d.rest() {
		return nil, ErrMalformedSignature
	}
	val := d.buf[d.pos : d.pos+length]
	d.pos += length
	return val, nil
}

// padScalar strips a leading sign byte and left-pads the scalar into dst.
func padScalar(in, dst []byte) error {
	if len(in) > 1 && in[0] == 0x00 {
		in = in[1:]
	}
	if len(in) > len(dst) {
		return ErrMalformedSignature
	}
	copy(dst[len(dst)-len(in):], in)
	return nil
}
