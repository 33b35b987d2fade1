package keygen

import (
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// DERToRaw converts an ASN.1 ECDSA-Sig-Value into fixed-length r||s of the
// given total size.
func DERToRaw(der []byte, size int) ([]byte, error) {
	if size <= 0 || size%2 != 0 {
		return nil, fmt.Errorf("invalid raw signature size %d", size)
	}

	r, s := new(big.Int), new(big.Int)
	var inner cryptobyte.String
	input := cryptobyte.String(der)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) ||
		!input.Empty() ||
		!inner.ReadASN1Integer(r) ||
		!inner.ReadASN1Integer(s) ||
		!inner.Empty() {
		return nil, fmt.Errorf("malformed DER signature")
	}

	half := size / 2
	if r.Sign() <= 0 || s.Sign() <= 0 || len(r.Bytes()) > half || len(s.Bytes()) > half {
		return nil, fmt.Errorf("DER signature does not fit %d bytes", size)
	}

	raw := make([]byte, size)
	r.FillBytes(raw[:half])
	s.FillBytes(raw[half:])
	return raw, nil
}

// RawToDER wraps a fixed-length r||s signature into ASN.1 DER.
func RawToDER(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, fmt.Errorf("invalid raw signature length %d", len(raw))
	}
	half := len(raw) / 2
	r := new(big.Int).SetBytes(raw[:half])
	s := new(big.Int).SetBytes(raw[half:])

	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(s)
	})
	return b.Bytes()
}
