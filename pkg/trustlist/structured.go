package trustlist

import (
	"encoding/binary"
	"fmt"
	"math"
)

const structuredHeaderSize = 18

// structuredCodec is the big-endian layout with a semantic version,
// per-entry meta data and full public keys.
type structuredCodec struct{}

func (structuredCodec) Format() Format { return Structured }

func (structuredCodec) NextVersion(v Version) (Version, error) {
	return nextStructured(v)
}

// CheckVersion accepts any parsed version; every part has a field of its own.
func (structuredCodec) CheckVersion(Version) error { return nil }

func (c structuredCodec) Encode(tl *TrustList) ([]byte, error) {
	out, err := c.headerAndBody(tl)
	if err != nil {
		return nil, err
	}
	return appendFooter(out, tl.Type, tl.Signatures, false)
}

func (c structuredCodec) SignedData(tl *TrustList) ([]byte, error) {
	out, err := c.headerAndBody(tl)
	if err != nil {
		return nil, err
	}
	return append(out, uint8(tl.Type)), nil
}

func (structuredCodec) headerAndBody(tl *TrustList) ([]byte, error) {
	if !tl.Type.Valid() {
		return nil, fmt.Errorf("unknown trust list type %d", uint8(tl.Type))
	}
	if len(tl.Keys) > math.MaxUint16 {
		return nil, fmt.Errorf("too many keys: %d", len(tl.Keys))
	}
	if len(tl.Signatures) > math.MaxUint8 {
		return nil, fmt.Errorf("too many signatures: %d", len(tl.Signatures))
	}

	body := make([]byte, 0, len(tl.Keys)*80)
	for i, e := range tl.Keys {
		var err error
		if body, err = appendStructuredEntry(body, e); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
	}

	footer, err := footerSize(tl.Signatures, false)
	if err != nil {
		return nil, err
	}
	whole := structuredHeaderSize + len(body) + footer
	if uint64(whole) > math.MaxUint32 {
		return nil, fmt.Errorf("trust list too large: %d bytes", whole)
	}

	out := make([]byte, 0, whole)
	out = binary.BigEndian.AppendUint32(out, uint32(whole))
	out = append(out, tl.Version.Major, tl.Version.Minor, tl.Version.Patch)
	out = binary.BigEndian.AppendUint32(out, tl.Version.Build)
	out = binary.BigEndian.AppendUint32(out, tl.Version.Timestamp)
	out = binary.BigEndian.AppendUint16(out, uint16(len(tl.Keys)))
	out = append(out, uint8(len(tl.Signatures)))
	return append(out, body...), nil
}

func appendStructuredEntry(out []byte, e Entry) ([]byte, error) {
	if len(e.MetaData) > math.MaxUint16 {
		return nil, fmt.Errorf("meta data too large: %d bytes", len(e.MetaData))
	}
	out = binary.BigEndian.AppendUint32(out, e.StartDate)
	out = binary.BigEndian.AppendUint32(out, e.ExpirationDate)
	out = append(out, e.KeyType.Wire(), e.ECType.Wire())
	out = binary.BigEndian.AppendUint16(out, uint16(len(e.MetaData)))
	out = append(out, e.MetaData...)
	return appendPub(out, e.PublicKey, e.ECType, false)
}

func (structuredCodec) Decode(data []byte) (*TrustList, error) {
	r := &reader{order: binary.BigEndian, data: data}
	whole := r.u32()
	if r.err == nil && int64(whole) != int64(len(data)) {
		return nil, fmt.Errorf("%w: header size %d, have %d bytes", ErrMalformed, whole, len(data))
	}

	tl := &TrustList{}
	tl.Version.Major = r.u8()
	tl.Version.Minor = r.u8()
	tl.Version.Patch = r.u8()
	tl.Version.Build = r.u32()
	tl.Version.Timestamp = r.u32()
	count := int(r.u16())
	sigCount := int(r.u8())

	for i := 0; i < count && r.err == nil; i++ {
		var e Entry
		e.StartDate = r.u32()
		e.ExpirationDate = r.u32()
		e.KeyType = r.keyType(uint16(r.u8()))
		e.ECType = r.ecType(uint16(r.u8()))
		metaLen := int(r.u16())
		if r.err != nil {
			break
		}
		if metaLen > 0 {
			e.MetaData = append([]byte(nil), r.take(metaLen)...)
		}
		e.PublicKey = r.pub(e.ECType, false)
		tl.Keys = append(tl.Keys, e)
	}
	r.footer(tl, sigCount, false)
	if r.err != nil {
		return nil, r.err
	}
	return tl, nil
}
