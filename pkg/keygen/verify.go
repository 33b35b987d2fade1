package keygen

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"

	ethcrypto "github.com/ava-labs/libevm/crypto"
	"github.com/ava-labs/libevm/crypto/ecies"
	"github.com/cloudflare/circl/sign/ed25519"

	"github.com/VirgilSecurity/trust-provisioner/pkg/keys"
)

// VerifySignature checks sig over data against a raw public key. Both the
// raw r||s form and the DER form are accepted on ECDSA curves.
func VerifySignature(ec keys.ECType, hash keys.HashType, pub, data, sig []byte) error {
	if len(pub) != ec.PublicKeySize() {
		return fmt.Errorf("invalid %s public key length %d", ec, len(pub))
	}

	if curve, _, ok := nistCurve(ec); ok {
		x, y := elliptic.Unmarshal(curve, pub)
		if x == nil {
			return fmt.Errorf("invalid %s public key", ec)
		}
		der := sig
		if len(sig) == ec.SignatureSize() {
			var err error
			if der, err = RawToDER(sig); err != nil {
				return err
			}
		}
		key := &ecdsa.PublicKey{Curve: curve, X: x, Y: y}
		if !ecdsa.VerifyASN1(key, hash.Sum(data), der) {
			return ErrInvalidSignature
		}
		return nil
	}

	switch ec {
	case keys.SECP256K1:
		raw := sig
		if len(sig) != ec.SignatureSize() {
			var err error
			if raw, err = DERToRaw(sig, ec.SignatureSize()); err != nil {
				return err
			}
		}
		if !ethcrypto.VerifySignature(pub, keys.SHA256.Sum(data), raw) {
			return ErrInvalidSignature
		}
		return nil
	case keys.ED25519:
		if !ed25519.Verify(ed25519.PublicKey(pub), data, sig) {
			return ErrInvalidSignature
		}
		return nil
	}
	return fmt.Errorf("%s verify: %w", ec, ErrUnsupportedCurve)
}

// EncryptTo encrypts data for the holder of a raw public key.
func EncryptTo(ec keys.ECType, pub, data []byte) ([]byte, error) {
	var key *ecdsa.PublicKey
	if curve, _, ok := nistCurve(ec); ok {
		x, y := elliptic.Unmarshal(curve, pub)
		if x == nil {
			return nil, fmt.Errorf("invalid %s public key", ec)
		}
		key = &ecdsa.PublicKey{Curve: curve, X: x, Y: y}
	}

	switch {
	case key != nil:
	case ec == keys.SECP256K1:
		k, err := ethcrypto.UnmarshalPubkey(pub)
		if err != nil {
			return nil, fmt.Errorf("invalid %s public key: %w", ec, err)
		}
		key = k
	case ec == keys.CURVE25519:
		return sealX25519(pub, data)
	default:
		return nil, fmt.Errorf("%s encrypt: %w", ec, ErrUnsupported)
	}

	ct, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(key), data, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}
	return ct, nil
}
