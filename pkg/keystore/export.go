package keystore

import (
	"encoding/base64"
	"fmt"

	"github.com/ava-labs/avalanchego/utils/cb58"
)

// EncodePrivateKey renders raw private key bytes for export.
func EncodePrivateKey(priv []byte, format string) (string, error) {
	switch format {
	case "cb58", "":
		encoded, err := cb58.Encode(priv)
		if err != nil {
			return "", fmt.Errorf("failed to encode key: %w", err)
		}
		return "PrivateKey-" + encoded, nil
	case "hex":
		return fmt.Sprintf("0x%x", priv), nil
	case "base64":
		return base64.StdEncoding.EncodeToString(priv), nil
	default:
		return "", fmt.Errorf("unsupported format: %s (use cb58, hex or base64)", format)
	}
}
