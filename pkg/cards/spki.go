package cards

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/x509"
	encasn1 "encoding/asn1"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	"github.com/VirgilSecurity/trust-provisioner/pkg/keys"
)

var (
	oidECPublicKey = encasn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidSecp256k1   = encasn1.ObjectIdentifier{1, 3, 132, 0, 10}
)

// MarshalPublicKey encodes a raw public key as a DER SubjectPublicKeyInfo.
func MarshalPublicKey(ec keys.ECType, raw []byte) ([]byte, error) {
	if len(raw) != ec.PublicKeySize() {
		return nil, fmt.Errorf("invalid %s public key length %d", ec, len(raw))
	}

	var (
		pub any
		err error
	)
	switch ec {
	case keys.SECP256R1:
		pub, err = ecdh.P256().NewPublicKey(raw)
	case keys.SECP384R1:
		pub, err = ecdh.P384().NewPublicKey(raw)
	case keys.SECP521R1:
		pub, err = ecdh.P521().NewPublicKey(raw)
	case keys.CURVE25519:
		pub, err = ecdh.X25519().NewPublicKey(raw)
	case keys.ED25519:
		pub = ed25519.PublicKey(raw)
	case keys.SECP256K1:
		return marshalSecp256k1(raw)
	default:
		return nil, fmt.Errorf("no SubjectPublicKeyInfo encoding for %s", ec)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid %s public key: %w", ec, err)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s public key: %w", ec, err)
	}
	return der, nil
}

// marshalSecp256k1 builds the SubjectPublicKeyInfo by hand; crypto/x509
// does not know the curve.
func marshalSecp256k1(raw []byte) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidECPublicKey)
			b.AddASN1ObjectIdentifier(oidSecp256k1)
		})
		b.AddASN1BitString(raw)
	})
	return b.Bytes()
}
