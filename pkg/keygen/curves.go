package keygen

import (
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"

	"github.com/ava-labs/avalanchego/utils/crypto/secp256k1"
	ethcrypto "github.com/ava-labs/libevm/crypto"
	"github.com/ava-labs/libevm/crypto/ecies"
	"github.com/cloudflare/circl/dh/x25519"
	"github.com/cloudflare/circl/sign/ed25519"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/VirgilSecurity/trust-provisioner/pkg/keys"
)

const x25519BoxInfo = "trust-provisioner x25519 box"

// material is software-held key material on one curve.
type material interface {
	public() []byte
	private() []byte
	sign(data []byte) ([]byte, error)
	decrypt(data []byte) ([]byte, error)
}

func nistCurve(ec keys.ECType) (elliptic.Curve, ecdh.Curve, bool) {
	switch ec {
	case keys.SECP256R1:
		return elliptic.P256(), ecdh.P256(), true
	case keys.SECP384R1:
		return elliptic.P384(), ecdh.P384(), true
	case keys.SECP521R1:
		return elliptic.P521(), ecdh.P521(), true
	}
	return nil, nil, false
}

func generateMaterial(ec keys.ECType) (material, error) {
	if curve, _, ok := nistCurve(ec); ok {
		priv, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate %s key: %w", ec, err)
		}
		return newECDSAMaterial(ec, priv)
	}

	switch ec {
	case keys.SECP256K1:
		priv, err := secp256k1.NewPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate %s key: %w", ec, err)
		}
		return newK1Material(priv)
	case keys.ED25519:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate %s key: %w", ec, err)
		}
		return &ed25519Material{priv: priv}, nil
	case keys.CURVE25519:
		var sec x25519.Key
		if _, err := rand.Read(sec[:]); err != nil {
			return nil, fmt.Errorf("failed to generate %s key: %w", ec, err)
		}
		return newX25519Material(sec), nil
	}
	return nil, fmt.Errorf("%s: %w", ec, ErrUnsupportedCurve)
}

func importMaterial(ec keys.ECType, priv []byte) (material, error) {
	if curve, dh, ok := nistCurve(ec); ok {
		ek, err := dh.NewPrivateKey(priv)
		if err != nil {
			return nil, fmt.Errorf("invalid %s private key: %w", ec, err)
		}
		x, y := elliptic.Unmarshal(curve, ek.PublicKey().Bytes())
		if x == nil {
			return nil, fmt.Errorf("invalid %s private key", ec)
		}
		key := &ecdsa.PrivateKey{
			PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
			D:         new(big.Int).SetBytes(priv),
		}
		return newECDSAMaterial(ec, key)
	}

	switch ec {
	case keys.SECP256K1:
		key, err := secp256k1.ToPrivateKey(priv)
		if err != nil {
			return nil, fmt.Errorf("invalid %s private key: %w", ec, err)
		}
		return newK1Material(key)
	case keys.ED25519:
		if len(priv) != ed25519.SeedSize {
			return nil, fmt.Errorf("invalid %s private key: expected %d bytes, got %d", ec, ed25519.SeedSize, len(priv))
		}
		return &ed25519Material{priv: ed25519.NewKeyFromSeed(priv)}, nil
	case keys.CURVE25519:
		var sec x25519.Key
		if len(priv) != x25519.Size {
			return nil, fmt.Errorf("invalid %s private key: expected %d bytes, got %d", ec, x25519.Size, len(priv))
		}
		copy(sec[:], priv)
		return newX25519Material(sec), nil
	}
	return nil, fmt.Errorf("%s: %w", ec, ErrUnsupportedCurve)
}

type ecdsaMaterial struct {
	ec   keys.ECType
	key  *ecdsa.PrivateKey
	pub  []byte
	priv []byte
}

func newECDSAMaterial(ec keys.ECType, key *ecdsa.PrivateKey) (*ecdsaMaterial, error) {
	ek, err := key.ECDH()
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s key: %w", ec, err)
	}
	return &ecdsaMaterial{
		ec:   ec,
		key:  key,
		pub:  ek.PublicKey().Bytes(),
		priv: ek.Bytes(),
	}, nil
}

func (m *ecdsaMaterial) public() []byte  { return m.pub }
func (m *ecdsaMaterial) private() []byte { return m.priv }

func (m *ecdsaMaterial) sign(data []byte) ([]byte, error) {
	der, err := ecdsa.SignASN1(rand.Reader, m.key, m.ec.DefaultHash().Sum(data))
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return DERToRaw(der, m.ec.SignatureSize())
}

func (m *ecdsaMaterial) decrypt(data []byte) ([]byte, error) {
	plain, err := ecies.ImportECDSA(m.key).Decrypt(data, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plain, nil
}

type k1Material struct {
	key  *secp256k1.PrivateKey
	ecdh *ecdsa.PrivateKey
	pub  []byte
}

func newK1Material(key *secp256k1.PrivateKey) (*k1Material, error) {
	ek, err := ethcrypto.ToECDSA(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to convert secp256k1 key: %w", err)
	}
	return &k1Material{
		key:  key,
		ecdh: ek,
		pub:  ethcrypto.FromECDSAPub(&ek.PublicKey),
	}, nil
}

func (m *k1Material) public() []byte  { return m.pub }
func (m *k1Material) private() []byte { return m.key.Bytes() }

// sign drops the trailing recovery byte of the [r || s || v] signature.
func (m *k1Material) sign(data []byte) ([]byte, error) {
	sig, err := m.key.Sign(data)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig[:keys.SECP256K1.SignatureSize()], nil
}

func (m *k1Material) decrypt(data []byte) ([]byte, error) {
	plain, err := ecies.ImportECDSA(m.ecdh).Decrypt(data, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plain, nil
}

type ed25519Material struct {
	priv ed25519.PrivateKey
}

func (m *ed25519Material) public() []byte {
	pub := make([]byte, ed25519.PublicKeySize)
	copy(pub, m.priv[ed25519.SeedSize:])
	return pub
}

func (m *ed25519Material) private() []byte { return m.priv.Seed() }

func (m *ed25519Material) sign(data []byte) ([]byte, error) {
	return ed25519.Sign(m.priv, data), nil
}

func (m *ed25519Material) decrypt([]byte) ([]byte, error) {
	return nil, fmt.Errorf("ed25519 decrypt: %w", ErrUnsupported)
}

type x25519Material struct {
	sec x25519.Key
	pub x25519.Key
}

func newX25519Material(sec x25519.Key) *x25519Material {
	m := &x25519Material{sec: sec}
	x25519.KeyGen(&m.pub, &m.sec)
	return m
}

func (m *x25519Material) public() []byte  { return cloneBytes(m.pub[:]) }
func (m *x25519Material) private() []byte { return cloneBytes(m.sec[:]) }

func (m *x25519Material) sign([]byte) ([]byte, error) {
	return nil, fmt.Errorf("curve25519 sign: %w", ErrUnsupported)
}

func (m *x25519Material) decrypt(data []byte) ([]byte, error) {
	if len(data) < x25519.Size+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("failed to decrypt: ciphertext too short")
	}
	var eph, shared x25519.Key
	copy(eph[:], data[:x25519.Size])
	if !x25519.Shared(&shared, &m.sec, &eph) {
		return nil, fmt.Errorf("failed to decrypt: invalid ephemeral key")
	}
	aead, err := x25519BoxAEAD(shared[:], eph[:], m.pub[:])
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, make([]byte, aead.NonceSize()), data[x25519.Size:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plain, nil
}

// sealX25519 encrypts to a Curve25519 public key as eph_pub || ciphertext.
// Every box uses a fresh ephemeral key, so the fixed nonce never repeats
// under one derived key.
func sealX25519(peer, data []byte) ([]byte, error) {
	if len(peer) != x25519.Size {
		return nil, fmt.Errorf("invalid curve25519 public key length %d", len(peer))
	}
	var peerKey, ephSec, ephPub, shared x25519.Key
	copy(peerKey[:], peer)
	if _, err := rand.Read(ephSec[:]); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	x25519.KeyGen(&ephPub, &ephSec)
	if !x25519.Shared(&shared, &ephSec, &peerKey) {
		return nil, fmt.Errorf("invalid curve25519 public key")
	}
	aead, err := x25519BoxAEAD(shared[:], ephPub[:], peerKey[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, x25519.Size+len(data)+aead.Overhead())
	out = append(out, ephPub[:]...)
	return aead.Seal(out, make([]byte, aead.NonceSize()), data, nil), nil
}

func x25519BoxAEAD(shared, ephPub, peer []byte) (cipher.AEAD, error) {
	salt := make([]byte, 0, len(ephPub)+len(peer))
	salt = append(salt, ephPub...)
	salt = append(salt, peer...)
	kdf := hkdf.New(sha256.New, shared, salt, []byte(x25519BoxInfo))
	boxKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, boxKey); err != nil {
		return nil, fmt.Errorf("failed to derive box key: %w", err)
	}
	aead, err := chacha20poly1305.New(boxKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}
	return aead, nil
}
