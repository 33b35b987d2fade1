// Package hierarchy holds the fixed signer table of the key hierarchy and
// the checks derived from it.
package hierarchy

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/VirgilSecurity/trust-provisioner/pkg/keygen"
	"github.com/VirgilSecurity/trust-provisioner/pkg/keys"
	"github.com/VirgilSecurity/trust-provisioner/pkg/trustlist"
)

var (
	// ErrKeyLimitExceeded is returned when a type already holds its fixed
	// number of keys.
	ErrKeyLimitExceeded = errors.New("key limit exceeded")

	// ErrNoSigner is returned when no key is eligible to sign.
	ErrNoSigner = errors.New("no eligible signer")

	// ErrUnverified is returned for a record whose upstream signature is
	// missing or does not check out.
	ErrUnverified = errors.New("record signature does not verify")
)

// RedundantCount is the number of keys held for each co-signed type.
const RedundantCount = 2

// Recovery key comments.
const (
	RecoveryComment1 = "1"
	RecoveryComment2 = "2"
)

// Policy is one row of the signer table.
type Policy struct {
	Type keys.KeyType
	// Signer is the type whose key countersigns this one; valid only when
	// Signed is set.
	Signer keys.KeyType
	Signed bool
	// Count is the exact number of keys held; 0 means any number.
	Count int
	// RequireDates makes start and expiration dates mandatory.
	RequireDates bool
	// SignatureLimit makes the operator bound the number of signatures.
	SignatureLimit bool
}

var policies = map[keys.KeyType]Policy{
	keys.Recovery:         {Type: keys.Recovery, Count: RedundantCount},
	keys.Auth:             {Type: keys.Auth, Signer: keys.Recovery, Signed: true, Count: RedundantCount},
	keys.TrustListService: {Type: keys.TrustListService, Signer: keys.Recovery, Signed: true, Count: RedundantCount},
	keys.Firmware:         {Type: keys.Firmware, Signer: keys.Recovery, Signed: true, Count: RedundantCount},
	keys.Factory:          {Type: keys.Factory, RequireDates: true, SignatureLimit: true},
	keys.Cloud:            {Type: keys.Cloud},
	keys.AuthInternal:     {Type: keys.AuthInternal},
	keys.FirmwareInternal: {Type: keys.FirmwareInternal},
}

// PolicyFor returns the signer table row of kt.
func PolicyFor(kt keys.KeyType) (Policy, error) {
	p, ok := policies[kt]
	if !ok {
		return Policy{}, fmt.Errorf("%s keys are not managed by the ceremony", kt.DisplayName())
	}
	return p, nil
}

// CheckCount fails when adding one more key of type kt would exceed its
// fixed count.
func CheckCount(kt keys.KeyType, existing int) error {
	p, err := PolicyFor(kt)
	if err != nil {
		return err
	}
	if p.Count > 0 && existing >= p.Count {
		return fmt.Errorf("%w: %d %s(s) already exist, at most %d allowed", ErrKeyLimitExceeded, existing, p.Type.DisplayName(), p.Count)
	}
	return nil
}

// Chooser lets the operator pick one of the candidates by index.
type Chooser func(candidates []*keys.Record) (int, error)

// PickSigner returns the candidate chosen by choose, or a random one when
// choose is nil.
func PickSigner(candidates []*keys.Record, choose Chooser) (*keys.Record, error) {
	if len(candidates) == 0 {
		return nil, ErrNoSigner
	}
	if choose == nil {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(candidates))))
		if err != nil {
			return nil, fmt.Errorf("failed to pick signer: %w", err)
		}
		return candidates[n.Int64()], nil
	}
	i, err := choose(candidates)
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(candidates) {
		return nil, fmt.Errorf("signer choice %d out of range", i)
	}
	return candidates[i], nil
}

// VerifyRecord checks that rec carries a valid signature by signer.
func VerifyRecord(rec, signer *keys.Record) error {
	p, err := PolicyFor(rec.Type)
	if err != nil {
		return err
	}
	if !p.Signed {
		return nil
	}
	if !rec.IsSigned() {
		return fmt.Errorf("%w: %s %s carries no signature", ErrUnverified, rec.Type.DisplayName(), rec.ID)
	}
	if signer.Type != p.Signer {
		return fmt.Errorf("%w: %s %s must be signed by a %s, not a %s", ErrUnverified, rec.Type.DisplayName(), rec.ID, p.Signer.DisplayName(), signer.Type.DisplayName())
	}
	if rec.SignerKeyID != signer.ID {
		return fmt.Errorf("%w: %s %s was signed by %s, not %s", ErrUnverified, rec.Type.DisplayName(), rec.ID, rec.SignerKeyID, signer.ID)
	}
	data, err := rec.DatedBytes()
	if err != nil {
		return err
	}
	if err := keygen.VerifySignature(signer.ECType, rec.SignerHashType, signer.PublicKey, data, rec.Signature); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnverified, rec.Type.DisplayName(), rec.ID, err)
	}
	return nil
}

// Eligible reports whether records of type kt go into a list of class t.
func Eligible(kt keys.KeyType, t trustlist.Type) bool {
	switch kt {
	case keys.Factory, keys.Cloud, keys.Firmware:
		return true
	case keys.AuthInternal, keys.FirmwareInternal:
		return t == trustlist.Dev
	}
	return false
}

// TrustListKeys selects the entries of a list of class t from records.
// Signed records must verify against their Recovery signer, which is
// looked up in records too. The result is sorted by type, then id.
func TrustListKeys(records []*keys.Record, t trustlist.Type) ([]*keys.Record, error) {
	byID := make(map[keys.KeyID]*keys.Record, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}

	var out []*keys.Record
	for _, rec := range records {
		if !Eligible(rec.Type, t) {
			continue
		}
		if p, _ := PolicyFor(rec.Type); p.Signed {
			signer, ok := byID[rec.SignerKeyID]
			if !ok {
				return nil, fmt.Errorf("%w: signer %s of %s %s is missing", ErrUnverified, rec.SignerKeyID, rec.Type.DisplayName(), rec.ID)
			}
			if err := VerifyRecord(rec, signer); err != nil {
				return nil, err
			}
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// TrustListSigners is the signer order of every list.
func TrustListSigners() []keys.KeyType {
	return append([]keys.KeyType(nil), trustlist.Signers...)
}

// RecoveryComment returns the free Recovery slot given the existing
// Recovery keys.
func RecoveryComment(existing []*keys.Record) (string, error) {
	taken := make(map[string]bool, len(existing))
	for _, rec := range existing {
		taken[rec.Comment] = true
	}
	for _, c := range []string{RecoveryComment1, RecoveryComment2} {
		if !taken[c] {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: both Recovery slots are taken", ErrKeyLimitExceeded)
}

// ValidRecoveryComment reports whether c names a Recovery slot.
func ValidRecoveryComment(c string) bool {
	return c == RecoveryComment1 || c == RecoveryComment2
}

// HasInfrastructure reports whether records already hold Recovery keys.
// A fresh initial generation must drop them first.
func HasInfrastructure(records []*keys.Record) bool {
	for _, rec := range records {
		if rec.Type == keys.Recovery {
			return true
		}
	}
	return false
}
