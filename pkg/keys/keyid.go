package keys

import (
	"fmt"
	"strconv"

	"github.com/sigurn/crc16"
)

var ccittTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// KeyID is the compact 16-bit reference to a public key used as the store
// primary key and inside the binary formats. Collisions are not detected.
type KeyID uint16

// ComputeKeyID returns the CRC16-CCITT of a raw public key.
func ComputeKeyID(publicKey []byte) KeyID {
	return KeyID(crc16.Checksum(publicKey, ccittTable))
}

// Checksum returns the CRC16-CCITT of arbitrary data.
func Checksum(data []byte) uint16 {
	return crc16.Checksum(data, ccittTable)
}

// String returns the decimal form used as the storage key.
func (id KeyID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseKeyID parses the decimal storage form of a key id.
func ParseKeyID(s string) (KeyID, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid key id %q: %w", s, err)
	}
	return KeyID(v), nil
}
