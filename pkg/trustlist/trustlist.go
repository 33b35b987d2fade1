// Package trustlist encodes, signs and verifies the binary TrustList that
// devices use to validate firmware and peer keys.
package trustlist

import (
	"errors"
	"fmt"
	"strings"

	"github.com/VirgilSecurity/trust-provisioner/pkg/keys"
)

var (
	// ErrVersionOverflow is returned when a version cannot be incremented.
	ErrVersionOverflow = errors.New("trust list version overflow")

	// ErrMalformed is returned for input that does not decode.
	ErrMalformed = errors.New("malformed trust list")
)

// Type is the release class of a TrustList.
type Type uint8

const (
	Release Type = 0
	Beta    Type = 1
	Alpha   Type = 2
	Dev     Type = 3
)

// Class groups list types that share a folder and a version counter.
type Class string

const (
	ClassRelease Class = "release"
	ClassDev     Class = "dev"
)

var typeNames = map[Type]string{
	Release: "release",
	Beta:    "beta",
	Alpha:   "alpha",
	Dev:     "dev",
}

// Class returns the class of t. Only dev lists are tracked apart from
// release, beta and alpha.
func (t Type) Class() Class {
	if t == Dev {
		return ClassDev
	}
	return ClassRelease
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Valid reports whether t is a known class.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// ParseType parses "release", "beta", "alpha" or "dev".
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown trust list type %q", s)
}

// Entry is one public key carried in the list body.
type Entry struct {
	StartDate      uint32
	ExpirationDate uint32
	KeyType        keys.KeyType
	ECType         keys.ECType
	MetaData       []byte
	PublicKey      []byte
}

// EntryFromRecord copies the public fields of rec.
func EntryFromRecord(rec *keys.Record) Entry {
	return Entry{
		StartDate:      rec.StartDate,
		ExpirationDate: rec.ExpirationDate,
		KeyType:        rec.Type,
		ECType:         rec.ECType,
		MetaData:       append([]byte(nil), rec.MetaData...),
		PublicKey:      append([]byte(nil), rec.PublicKey...),
	}
}

// KeyID returns the id of the entry's public key.
func (e Entry) KeyID() keys.KeyID {
	return keys.ComputeKeyID(e.PublicKey)
}

// Signature is one signer block of the footer.
type Signature struct {
	SignerType keys.KeyType
	ECType     keys.ECType
	HashType   keys.HashType
	Signature  []byte
	PublicKey  []byte
}

// TrustList is the decoded form of a list.
type TrustList struct {
	Version    Version
	Type       Type
	Keys       []Entry
	Signatures []Signature
}

// signerRank orders footer signers: Auth first, then TrustListService.
var signerRank = map[keys.KeyType]int{
	keys.Auth:             0,
	keys.TrustListService: 1,
}

// Signers is the fixed signer order of every list.
var Signers = []keys.KeyType{keys.Auth, keys.TrustListService}

func checkSignerOrder(sigs []Signature) error {
	last := -1
	for i, s := range sigs {
		rank, ok := signerRank[s.SignerType]
		if !ok {
			return fmt.Errorf("%w: signature %d is from a %s", ErrMalformed, i, s.SignerType.DisplayName())
		}
		if rank < last {
			return fmt.Errorf("%w: signature %d breaks the Auth, TrustList Service order", ErrMalformed, i)
		}
		last = rank
	}
	return nil
}
