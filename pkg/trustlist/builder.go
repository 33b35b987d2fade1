package trustlist

import (
	"bytes"
	"context"
	"fmt"

	"github.com/VirgilSecurity/trust-provisioner/pkg/keygen"
	"github.com/VirgilSecurity/trust-provisioner/pkg/keys"
)

// Signer is a key able to sign a list. keygen.Key satisfies it.
type Signer interface {
	Type() keys.KeyType
	ECType() keys.ECType
	HashType() keys.HashType
	PublicKey() []byte
	Sign(ctx context.Context, data []byte, longForm bool) ([]byte, error)
}

// Build assembles a list of entries, signs it with signers in order and
// returns it with its encoding.
func Build(ctx context.Context, codec Codec, tlType Type, version Version, entries []Entry, signers []Signer) (*TrustList, []byte, error) {
	tl := &TrustList{
		Version:    version,
		Type:       tlType,
		Keys:       entries,
		Signatures: make([]Signature, len(signers)),
	}
	for i, s := range signers {
		tl.Signatures[i] = Signature{
			SignerType: s.Type(),
			ECType:     s.ECType(),
			HashType:   s.HashType(),
			PublicKey:  s.PublicKey(),
		}
	}
	if err := checkSignerOrder(tl.Signatures); err != nil {
		return nil, nil, err
	}

	data, err := codec.SignedData(tl)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode trust list: %w", err)
	}
	for i, s := range signers {
		sig, err := s.Sign(ctx, data, false)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to sign trust list with %s: %w", s.Type().DisplayName(), err)
		}
		tl.Signatures[i].Signature = sig
	}

	encoded, err := codec.Encode(tl)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode trust list: %w", err)
	}
	return tl, encoded, nil
}

// Verify decodes data and checks every footer signature. When trusted is
// non-empty each signer key must be one of trusted.
func Verify(codec Codec, data []byte, trusted [][]byte) (*TrustList, error) {
	tl, err := codec.Decode(data)
	if err != nil {
		return nil, err
	}
	if len(tl.Signatures) == 0 {
		return nil, fmt.Errorf("trust list is not signed")
	}
	signed, err := codec.SignedData(tl)
	if err != nil {
		return nil, err
	}
	for i, s := range tl.Signatures {
		if len(trusted) > 0 && !containsKey(trusted, s.PublicKey) {
			return nil, fmt.Errorf("signature %d: %s %s is not trusted", i, s.SignerType.DisplayName(), keys.ComputeKeyID(s.PublicKey))
		}
		if err := keygen.VerifySignature(s.ECType, s.HashType, s.PublicKey, signed, s.Signature); err != nil {
			return nil, fmt.Errorf("signature %d by %s %s: %w", i, s.SignerType.DisplayName(), keys.ComputeKeyID(s.PublicKey), err)
		}
	}
	return tl, nil
}

func containsKey(set [][]byte, key []byte) bool {
	for _, k := range set {
		if bytes.Equal(k, key) {
			return true
		}
	}
	return false
}
