package trustlist

import (
	"fmt"

	"github.com/VirgilSecurity/trust-provisioner/pkg/keys"
)

// EncodeKeyFile returns the exported form of one public key: its
// structured body entry, followed by the signer block of its upstream
// signature when signer is not nil.
func EncodeKeyFile(rec, signer *keys.Record) ([]byte, error) {
	out, err := appendStructuredEntry(nil, EntryFromRecord(rec))
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", rec.Type.DisplayName(), rec.ID, err)
	}
	if signer == nil {
		return out, nil
	}
	if rec.SignerKeyID != signer.ID {
		return nil, fmt.Errorf("%s %s was signed by %s, not %s", rec.Type.DisplayName(), rec.ID, rec.SignerKeyID, signer.ID)
	}
	out, err = appendSignature(out, Signature{
		SignerType: signer.Type,
		ECType:     signer.ECType,
		HashType:   rec.SignerHashType,
		Signature:  rec.Signature,
		PublicKey:  signer.PublicKey,
	}, false)
	if err != nil {
		return nil, fmt.Errorf("%s %s signature: %w", rec.Type.DisplayName(), rec.ID, err)
	}
	return out, nil
}
