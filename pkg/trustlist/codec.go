package trustlist

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/VirgilSecurity/trust-provisioner/pkg/keys"
)

// Format selects a wire layout.
type Format string

const (
	Legacy     Format = "legacy"
	Structured Format = "structured"
)

// ParseFormat parses "legacy" or "structured".
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case Legacy, Structured:
		return f, nil
	}
	return "", fmt.Errorf("unknown trust list format %q (use legacy or structured)", s)
}

// Codec encodes and decodes one wire layout.
type Codec interface {
	Format() Format
	// Encode serializes a fully signed list.
	Encode(tl *TrustList) ([]byte, error)
	// SignedData returns the bytes every signer signs. Signature blocks
	// only need their types set; sizes follow from the curve.
	SignedData(tl *TrustList) ([]byte, error)
	Decode(data []byte) (*TrustList, error)
	NextVersion(v Version) (Version, error)
	// CheckVersion reports whether v fits the layout's version field.
	CheckVersion(v Version) error
}

// NewCodec returns the codec for f.
func NewCodec(f Format) (Codec, error) {
	switch f {
	case Structured:
		return structuredCodec{}, nil
	case Legacy:
		return legacyCodec{}, nil
	}
	return nil, fmt.Errorf("unknown trust list format %q", f)
}

// footerSize is the footer length for sigs: tl_type plus every block.
func footerSize(sigs []Signature, tiny bool) (int, error) {
	n := 1
	for i, s := range sigs {
		if !s.ECType.CanSign() {
			return 0, fmt.Errorf("signature %d: %s keys cannot sign", i, s.ECType)
		}
		n += 3 + s.ECType.SignatureSize() + pubSize(s.ECType, tiny)
	}
	return n, nil
}

func pubSize(ec keys.ECType, tiny bool) int {
	if tiny {
		return ec.TinyPublicKeySize()
	}
	return ec.PublicKeySize()
}

// appendPub writes a public key, dropping the 0x04 prefix when tiny.
func appendPub(out, pub []byte, ec keys.ECType, tiny bool) ([]byte, error) {
	if len(pub) != ec.PublicKeySize() {
		return nil, fmt.Errorf("invalid %s public key length: expected %d bytes, got %d", ec, ec.PublicKeySize(), len(pub))
	}
	if tiny && ec.IsWeierstrass() {
		pub = pub[1:]
	}
	return append(out, pub...), nil
}

func appendFooter(out []byte, tlType Type, sigs []Signature, tiny bool) ([]byte, error) {
	out = append(out, uint8(tlType))
	for i, s := range sigs {
		var err error
		if out, err = appendSignature(out, s, tiny); err != nil {
			return nil, fmt.Errorf("signature %d: %w", i, err)
		}
	}
	return out, nil
}

// appendSignature writes one signer block.
func appendSignature(out []byte, s Signature, tiny bool) ([]byte, error) {
	if len(s.Signature) != s.ECType.SignatureSize() {
		return nil, fmt.Errorf("expected %d byte signature, got %d", s.ECType.SignatureSize(), len(s.Signature))
	}
	out = append(out, s.SignerType.Wire(), s.ECType.Wire(), uint8(s.HashType))
	out = append(out, s.Signature...)
	return appendPub(out, s.PublicKey, s.ECType, tiny)
}

// reader walks a buffer; the first short read sticks as err.
type reader struct {
	order binary.ByteOrder
	data  []byte
	off   int
	err   error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = fmt.Errorf("%w: unexpected end of data at offset %d", ErrMalformed, r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return r.order.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return r.order.Uint32(b)
	}
	return 0
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
	}
}

func (r *reader) keyType(code uint16) keys.KeyType {
	if code > 0xff {
		r.fail("unknown key type code %d", code)
		return 0
	}
	kt, err := keys.KeyTypeFromWire(uint8(code))
	if err != nil {
		r.fail("%v", err)
	}
	return kt
}

func (r *reader) ecType(code uint16) keys.ECType {
	if code > 0xff {
		r.fail("unknown ec type code %d", code)
		return 0
	}
	ec, err := keys.ECTypeFromWire(uint8(code))
	if err != nil {
		r.fail("%v", err)
	}
	return ec
}

// pub reads a public key and restores the 0x04 prefix of tiny keys.
func (r *reader) pub(ec keys.ECType, tiny bool) []byte {
	b := r.take(pubSize(ec, tiny))
	if b == nil {
		return nil
	}
	if tiny && ec.IsWeierstrass() {
		return append([]byte{0x04}, b...)
	}
	return append([]byte(nil), b...)
}

func (r *reader) footer(tl *TrustList, sigCount int, tiny bool) {
	tlType := Type(r.u8())
	if r.err == nil && !tlType.Valid() {
		r.fail("unknown trust list type %d", uint8(tlType))
	}
	tl.Type = tlType
	for i := 0; i < sigCount && r.err == nil; i++ {
		var s Signature
		s.SignerType = r.keyType(uint16(r.u8()))
		s.ECType = r.ecType(uint16(r.u8()))
		hash, err := keys.HashTypeFromWire(r.u8())
		if err != nil {
			r.fail("%v", err)
		}
		s.HashType = hash
		if r.err == nil && !s.ECType.CanSign() {
			r.fail("%s signer cannot sign", s.ECType)
		}
		if r.err != nil {
			break
		}
		s.Signature = append([]byte(nil), r.take(s.ECType.SignatureSize())...)
		s.PublicKey = r.pub(s.ECType, tiny)
		tl.Signatures = append(tl.Signatures, s)
	}
	if r.err == nil && r.off != len(r.data) {
		r.fail("%d trailing bytes", len(r.data)-r.off)
	}
	if r.err == nil {
		r.err = checkSignerOrder(tl.Signatures)
	}
}
