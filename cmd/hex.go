package cmd

import (
	"encoding/hex"
	"strings"
)

// decodeHex decodes a hex string while accepting optional 0x/0X prefix.
func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")

	decoded, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return decoded, nil
}
