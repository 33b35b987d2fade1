package keystore

import (
	"errors"
	"fmt"

	"github.com/VirgilSecurity/trust-provisioner/pkg/keys"
)

var (
	// ErrCorrupted is returned when a table file fails its integrity check
	// or cannot be decoded. Reads never fall back to an empty table.
	ErrCorrupted = errors.New("key store table is corrupted")

	// ErrPasswordRequired is returned when an encrypted table is opened
	// without a storage password.
	ErrPasswordRequired = errors.New("key store table is encrypted, password required")
)

// Name identifies a table file under <storage>/db.
type Name string

const (
	UpperLevelKeys              Name = "UpperLevelKeys"
	TrustListPubKeys            Name = "TrustListPubKeys"
	FactoryPrivateKeys          Name = "FactoryPrivateKeys"
	AuthPrivateKeys             Name = "AuthPrivateKeys"
	RecoveryPrivateKeys         Name = "RecoveryPrivateKeys"
	TrustListServicePrivateKeys Name = "TrustListServicePrivateKeys"
	FirmwarePrivateKeys         Name = "FirmwarePrivateKeys"
	InternalPrivateKeys         Name = "InternalPrivateKeys"
	TrustListVersions           Name = "TrustListVersions"
)

// RecordTables lists every table holding key records.
var RecordTables = []Name{
	UpperLevelKeys,
	TrustListPubKeys,
	FactoryPrivateKeys,
	AuthPrivateKeys,
	RecoveryPrivateKeys,
	TrustListServicePrivateKeys,
	FirmwarePrivateKeys,
	InternalPrivateKeys,
}

// TablesFor returns the private and public tables indexing kt. Private is
// empty for types whose private key never reaches this tool.
func TablesFor(kt keys.KeyType) (private, public Name, err error) {
	switch kt {
	case keys.Recovery:
		return RecoveryPrivateKeys, UpperLevelKeys, nil
	case keys.Auth:
		return AuthPrivateKeys, UpperLevelKeys, nil
	case keys.TrustListService:
		return TrustListServicePrivateKeys, UpperLevelKeys, nil
	case keys.Firmware:
		return FirmwarePrivateKeys, UpperLevelKeys, nil
	case keys.Factory:
		return FactoryPrivateKeys, TrustListPubKeys, nil
	case keys.Cloud:
		return "", TrustListPubKeys, nil
	case keys.AuthInternal, keys.FirmwareInternal:
		return InternalPrivateKeys, TrustListPubKeys, nil
	}
	return "", "", fmt.Errorf("%s keys are not kept in the key store", kt.DisplayName())
}

const envelopeVersion = 1

// envelope is the on-disk form of one table.
type envelope struct {
	Version int    `json:"version"`
	Table   string `json:"table"`

	// Integrity-only tables
	Digest  string `json:"digest,omitempty"`
	Payload []byte `json:"payload,omitempty"`

	// Encrypted tables
	Encrypted  bool   `json:"encrypted,omitempty"`
	Salt       []byte `json:"salt,omitempty"`
	Nonce      []byte `json:"nonce,omitempty"`
	Ciphertext []byte `json:"ciphertext,omitempty"`
}
