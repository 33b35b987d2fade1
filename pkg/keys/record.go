package keys

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// EpochOffset is the Unix time of 2015-01-01T00:00:00Z, the zero point of
// every timestamp in records and binary formats.
const EpochOffset = 1420070400

// ToTimestamp converts t to a 32-bit timestamp relative to EpochOffset.
// The zero time maps to 0, which means unset.
func ToTimestamp(t time.Time) (uint32, error) {
	if t.IsZero() {
		return 0, nil
	}
	delta := t.Unix() - EpochOffset
	if delta <= 0 || delta > math.MaxUint32 {
		return 0, fmt.Errorf("date %s is outside the supported range", t.UTC().Format(time.RFC3339))
	}
	return uint32(delta), nil
}

// FromTimestamp converts a 32-bit timestamp back to UTC time.
// A zero timestamp returns the zero time.
func FromTimestamp(ts uint32) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(int64(ts)+EpochOffset, 0).UTC()
}

// ParseDate parses a YYYY-MM-DD date into a timestamp.
func ParseDate(s string) (uint32, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return 0, fmt.Errorf("invalid date %q (expected YYYY-MM-DD): %w", s, err)
	}
	return ToTimestamp(t)
}

// FormatTimestamp renders a timestamp as YYYY-MM-DD, or "-" when unset.
func FormatTimestamp(ts uint32) string {
	if ts == 0 {
		return "-"
	}
	return FromTimestamp(ts).Format("2006-01-02")
}

// Record is one key and its provenance.
type Record struct {
	ID             KeyID     `json:"id"`
	Type           KeyType   `json:"type"`
	ECType         ECType    `json:"ec_type"`
	PublicKey      []byte    `json:"key"`
	PrivateKey     []byte    `json:"private_key,omitempty"`
	StartDate      uint32    `json:"start_date"`
	ExpirationDate uint32    `json:"expiration_date"`
	Comment        string    `json:"comment"`
	MetaData       []byte    `json:"meta_data,omitempty"`
	Signature      []byte    `json:"signature,omitempty"`
	SignerKeyID    KeyID     `json:"signer_key_id,omitempty"`
	SignerHashType HashType  `json:"signer_hash_type,omitempty"`
	SignatureLimit uint32    `json:"signature_limit,omitempty"`
	DeviceSerial   string    `json:"device_serial,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Public returns a copy of the record without private key material.
func (r *Record) Public() *Record {
	c := *r
	c.PrivateKey = nil
	return &c
}

// IsSigned reports whether the record carries an upstream signature.
func (r *Record) IsSigned() bool {
	return len(r.Signature) > 0
}

// DatedBytes returns the canonical buffer an upstream signer signs:
// start(4) | exp(4) | key_type(1) | ec_type(1) | meta_len(2) | meta | public_key,
// integers big-endian.
func (r *Record) DatedBytes() ([]byte, error) {
	return DatedBytes(r.StartDate, r.ExpirationDate, r.Type, r.ECType, r.MetaData, r.PublicKey)
}

// DatedBytes builds the canonical countersignature buffer.
func DatedBytes(start, exp uint32, kt KeyType, ec ECType, meta, publicKey []byte) ([]byte, error) {
	if len(meta) > math.MaxUint16 {
		return nil, fmt.Errorf("meta data too large: %d bytes", len(meta))
	}
	var buf bytes.Buffer
	buf.Grow(12 + len(meta) + len(publicKey))
	var hdr [12]byte
	binary.BigEndian.PutUint32(hdr[0:4], start)
	binary.BigEndian.PutUint32(hdr[4:8], exp)
	hdr[8] = kt.Wire()
	hdr[9] = ec.Wire()
	binary.BigEndian.PutUint16(hdr[10:12], uint16(len(meta)))
	buf.Write(hdr[:])
	buf.Write(meta)
	buf.Write(publicKey)
	return buf.Bytes(), nil
}

// Validate checks the record against its curve and key id.
func (r *Record) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("unknown key type %d", uint8(r.Type))
	}
	if !r.ECType.Valid() {
		return fmt.Errorf("unknown ec type %d", uint8(r.ECType))
	}
	if len(r.PublicKey) != r.ECType.PublicKeySize() {
		return fmt.Errorf("invalid %s public key length: expected %d bytes, got %d",
			r.ECType, r.ECType.PublicKeySize(), len(r.PublicKey))
	}
	if id := ComputeKeyID(r.PublicKey); id != r.ID {
		return fmt.Errorf("key id mismatch: record has %s, public key hashes to %s", r.ID, id)
	}
	if r.ExpirationDate != 0 && r.StartDate != 0 && r.ExpirationDate <= r.StartDate {
		return fmt.Errorf("expiration date %s is not after start date %s",
			FormatTimestamp(r.ExpirationDate), FormatTimestamp(r.StartDate))
	}
	return nil
}

// FileName returns "<type>_<id>_<comment>" used by the export utilities.
func (r *Record) FileName() string {
	return fmt.Sprintf("%s_%s_%s", r.Type, r.ID, sanitizeComment(r.Comment))
}

func sanitizeComment(s string) string {
	out := make([]rune, 0, len(s))
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
