package keys

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"strings"
)

// KeyType identifies the role of a key in the hierarchy.
type KeyType uint8

const (
	Recovery         KeyType = 0
	Auth             KeyType = 1
	TrustListService KeyType = 2
	Firmware         KeyType = 3
	Factory          KeyType = 4
	IotDevice        KeyType = 5
	UserDevice       KeyType = 6
	FirmwareInternal KeyType = 7
	AuthInternal     KeyType = 8
	Cloud            KeyType = 9
)

var keyTypeNames = map[KeyType]string{
	Recovery:         "recovery",
	Auth:             "auth",
	TrustListService: "tl",
	Firmware:         "firmware",
	Factory:          "factory",
	IotDevice:        "iot_device",
	UserDevice:       "user_device",
	FirmwareInternal: "firmware_internal",
	AuthInternal:     "auth_internal",
	Cloud:            "cloud",
}

// UpperLevelTypes lists the co-signed tier in generation order.
var UpperLevelTypes = []KeyType{Recovery, Auth, TrustListService, Firmware}

// String returns the storage discriminator of the key type.
func (t KeyType) String() string {
	if name, ok := keyTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Wire returns the numeric code used in binary encodings.
func (t KeyType) Wire() uint8 {
	return uint8(t)
}

// Valid reports whether t is a known key type.
func (t KeyType) Valid() bool {
	_, ok := keyTypeNames[t]
	return ok
}

// IsUpperLevel reports whether keys of this type live in UpperLevelKeys.
func (t KeyType) IsUpperLevel() bool {
	switch t {
	case Recovery, Auth, TrustListService, Firmware:
		return true
	}
	return false
}

// IsInternal reports whether the key is used only for device-internal trust.
func (t KeyType) IsInternal() bool {
	return t == AuthInternal || t == FirmwareInternal
}

// DisplayName is the human readable label used in prompts and logs.
func (t KeyType) DisplayName() string {
	switch t {
	case Recovery:
		return "Recovery Key"
	case Auth:
		return "Auth Key"
	case TrustListService:
		return "TrustList Service Key"
	case Firmware:
		return "Firmware Key"
	case Factory:
		return "Factory Key"
	case Cloud:
		return "Cloud Key"
	case AuthInternal:
		return "Auth Internal Key"
	case FirmwareInternal:
		return "Firmware Internal Key"
	case IotDevice:
		return "IoT Device Key"
	case UserDevice:
		return "User Device Key"
	}
	return t.String()
}

// ParseKeyType parses a storage discriminator such as "tl" or "factory".
func ParseKeyType(s string) (KeyType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range keyTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown key type %q", s)
}

// KeyTypeFromWire converts a wire code into a KeyType.
func KeyTypeFromWire(code uint8) (KeyType, error) {
	t := KeyType(code)
	if !t.Valid() {
		return 0, fmt.Errorf("unknown key type code %d", code)
	}
	return t, nil
}

// MarshalJSON encodes the key type as its string code.
func (t KeyType) MarshalJSON() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown key type code %d", uint8(t))
	}
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes the key type from its string code.
func (t *KeyType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseKeyType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ECType identifies the curve (or RSA modulus) of a key.
type ECType uint8

const (
	SECP192R1  ECType = 1
	SECP224R1  ECType = 2
	SECP256R1  ECType = 3
	SECP384R1  ECType = 4
	SECP521R1  ECType = 5
	SECP192K1  ECType = 6
	SECP224K1  ECType = 7
	SECP256K1  ECType = 8
	CURVE25519 ECType = 9
	ED25519    ECType = 10
	RSA2048    ECType = 11

	// DefaultECType is the only curve exercised end to end by every backend.
	DefaultECType = SECP256R1
)

type curveInfo struct {
	name    string
	sigSize int
	keySize int
	hash    HashType
	weier   bool
}

var curves = map[ECType]curveInfo{
	SECP192R1:  {name: "secp192r1", sigSize: 48, keySize: 49, hash: SHA256, weier: true},
	SECP224R1:  {name: "secp224r1", sigSize: 56, keySize: 57, hash: SHA256, weier: true},
	SECP256R1:  {name: "secp256r1", sigSize: 64, keySize: 65, hash: SHA256, weier: true},
	SECP384R1:  {name: "secp384r1", sigSize: 96, keySize: 97, hash: SHA384, weier: true},
	SECP521R1:  {name: "secp521r1", sigSize: 132, keySize: 133, hash: SHA512, weier: true},
	SECP192K1:  {name: "secp192k1", sigSize: 48, keySize: 49, hash: SHA256, weier: true},
	SECP224K1:  {name: "secp224k1", sigSize: 56, keySize: 57, hash: SHA256, weier: true},
	SECP256K1:  {name: "secp256k1", sigSize: 64, keySize: 65, hash: SHA256, weier: true},
	CURVE25519: {name: "curve25519", sigSize: 0, keySize: 32, hash: SHA256},
	ED25519:    {name: "ed25519", sigSize: 64, keySize: 32, hash: SHA512},
	RSA2048:    {name: "rsa2048", sigSize: 256, keySize: 256, hash: SHA256},
}

// Valid reports whether e is a known curve.
func (e ECType) Valid() bool {
	_, ok := curves[e]
	return ok
}

// String returns the curve name.
func (e ECType) String() string {
	if c, ok := curves[e]; ok {
		return c.name
	}
	return fmt.Sprintf("unknown(%d)", uint8(e))
}

// Wire returns the numeric code used in binary encodings.
func (e ECType) Wire() uint8 {
	return uint8(e)
}

// SignatureSize is the length of a raw r||s signature on this curve.
func (e ECType) SignatureSize() int {
	return curves[e].sigSize
}

// PublicKeySize is the length of a raw public key on this curve.
// Weierstrass curves use the uncompressed SEC1 point (0x04 || X || Y).
func (e ECType) PublicKeySize() int {
	return curves[e].keySize
}

// TinyPublicKeySize is the public key length in the legacy layout, which
// drops the 0x04 prefix of uncompressed points.
func (e ECType) TinyPublicKeySize() int {
	c := curves[e]
	if c.weier {
		return c.keySize - 1
	}
	return c.keySize
}

// IsWeierstrass reports whether public keys are uncompressed SEC1 points.
func (e ECType) IsWeierstrass() bool {
	return curves[e].weier
}

// CanSign reports whether keys on this curve produce signatures.
func (e ECType) CanSign() bool {
	return curves[e].sigSize > 0
}

// DefaultHash returns the digest paired with the curve.
func (e ECType) DefaultHash() HashType {
	return curves[e].hash
}

// ParseECType parses a curve name such as "secp256r1".
func ParseECType(s string) (ECType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for e, c := range curves {
		if c.name == s {
			return e, nil
		}
	}
	return 0, fmt.Errorf("unknown ec type %q", s)
}

// ECTypeFromWire converts a wire code into an ECType.
func ECTypeFromWire(code uint8) (ECType, error) {
	e := ECType(code)
	if !e.Valid() {
		return 0, fmt.Errorf("unknown ec type code %d", code)
	}
	return e, nil
}

// HashType identifies the digest used by a signer.
type HashType uint8

const (
	SHA256 HashType = 0
	SHA384 HashType = 1
	SHA512 HashType = 2
)

// String returns the digest name.
func (h HashType) String() string {
	switch h {
	case SHA256:
		return "sha256"
	case SHA384:
		return "sha384"
	case SHA512:
		return "sha512"
	}
	return fmt.Sprintf("unknown(%d)", uint8(h))
}

// Valid reports whether h is a known digest.
func (h HashType) Valid() bool {
	return h <= SHA512
}

// Sum hashes data with the digest.
func (h HashType) Sum(data []byte) []byte {
	switch h {
	case SHA384:
		sum := sha512.Sum384(data)
		return sum[:]
	case SHA512:
		sum := sha512.Sum512(data)
		return sum[:]
	default:
		sum := sha256.Sum256(data)
		return sum[:]
	}
}

// HashTypeFromWire converts a wire code into a HashType.
func HashTypeFromWire(code uint8) (HashType, error) {
	h := HashType(code)
	if !h.Valid() {
		return 0, fmt.Errorf("unknown hash type code %d", code)
	}
	return h, nil
}
