package trustlist

import (
	"encoding/binary"
	"fmt"
	"math"
)

const legacyHeaderSize = 9

// legacyCodec is the little-endian layout of early firmware: a flat 16-bit
// version, no meta data and public keys without the 0x04 prefix. Meta data
// of entries is not carried.
type legacyCodec struct{}

func (legacyCodec) Format() Format { return Legacy }

func (legacyCodec) NextVersion(v Version) (Version, error) {
	return nextLegacy(v)
}

func (legacyCodec) CheckVersion(v Version) error {
	return checkLegacyVersion(v)
}

func (c legacyCodec) Encode(tl *TrustList) ([]byte, error) {
	out, err := c.SignedData(tl)
	if err != nil {
		return nil, err
	}
	return appendFooter(out, tl.Type, tl.Signatures, true)
}

// SignedData is header || body; the class byte is not covered.
func (legacyCodec) SignedData(tl *TrustList) ([]byte, error) {
	if !tl.Type.Valid() {
		return nil, fmt.Errorf("unknown trust list type %d", uint8(tl.Type))
	}
	if err := checkLegacyVersion(tl.Version); err != nil {
		return nil, err
	}
	if len(tl.Keys) > math.MaxUint16 {
		return nil, fmt.Errorf("too many keys: %d", len(tl.Keys))
	}
	if len(tl.Signatures) > math.MaxUint8 {
		return nil, fmt.Errorf("too many signatures: %d", len(tl.Signatures))
	}

	body := make([]byte, 0, len(tl.Keys)*76)
	for i, e := range tl.Keys {
		body = binary.LittleEndian.AppendUint32(body, e.StartDate)
		body = binary.LittleEndian.AppendUint32(body, e.ExpirationDate)
		body = binary.LittleEndian.AppendUint16(body, uint16(e.KeyType.Wire()))
		body = binary.LittleEndian.AppendUint16(body, uint16(e.ECType.Wire()))
		var err error
		if body, err = appendPub(body, e.PublicKey, e.ECType, true); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
	}

	footer, err := footerSize(tl.Signatures, true)
	if err != nil {
		return nil, err
	}
	whole := legacyHeaderSize + len(body) + footer

	out := make([]byte, 0, whole)
	out = binary.LittleEndian.AppendUint32(out, uint32(whole))
	out = binary.LittleEndian.AppendUint16(out, uint16(tl.Version.Build))
	out = binary.LittleEndian.AppendUint16(out, uint16(len(tl.Keys)))
	out = append(out, uint8(len(tl.Signatures)))
	return append(out, body...), nil
}

func (legacyCodec) Decode(data []byte) (*TrustList, error) {
	r := &reader{order: binary.LittleEndian, data: data}
	whole := r.u32()
	if r.err == nil && int64(whole) != int64(len(data)) {
		return nil, fmt.Errorf("%w: header size %d, have %d bytes", ErrMalformed, whole, len(data))
	}

	tl := &TrustList{}
	tl.Version.Build = uint32(r.u16())
	count := int(r.u16())
	sigCount := int(r.u8())

	for i := 0; i < count && r.err == nil; i++ {
		var e Entry
		e.StartDate = r.u32()
		e.ExpirationDate = r.u32()
		e.KeyType = r.keyType(r.u16())
		e.ECType = r.ecType(r.u16())
		if r.err != nil {
			break
		}
		e.PublicKey = r.pub(e.ECType, true)
		tl.Keys = append(tl.Keys, e)
	}
	r.footer(tl, sigCount, true)
	if r.err != nil {
		return nil, r.err
	}
	return tl, nil
}
