// Package keygen produces and operates key pairs behind one capability
// interface. A backend is chosen once per ceremony and injected into the
// orchestrator; callers never branch on the concrete backend.
package keygen

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/VirgilSecurity/trust-provisioner/pkg/keys"
)

var (
	// ErrSignatureLimitExceeded is returned once a key has produced its
	// maximum number of signatures. It is never retryable.
	ErrSignatureLimitExceeded = errors.New("signature limit exceeded")

	// ErrUnsupportedCurve is returned for curves that exist only in the
	// wire-code table.
	ErrUnsupportedCurve = errors.New("unsupported curve")

	// ErrUnsupported is returned for operations a curve or backend cannot do.
	ErrUnsupported = errors.New("operation not supported")

	// ErrInvalidSignature is returned when a signature does not verify.
	ErrInvalidSignature = errors.New("invalid signature")
)

// Key is a generated or loaded key pair.
type Key interface {
	ID() keys.KeyID
	Type() keys.KeyType
	ECType() keys.ECType
	HashType() keys.HashType
	PublicKey() []byte
	// PrivateKey returns nil for keys held by a hardware token.
	PrivateKey() []byte
	Signature() []byte
	// Record returns a copy of the key's record including any private key.
	Record() *keys.Record

	// Sign returns the raw r||s signature, or the DER form when longForm is set.
	Sign(ctx context.Context, data []byte, longForm bool) ([]byte, error)
	Verify(ctx context.Context, data, sig []byte) error
	Encrypt(ctx context.Context, data []byte) ([]byte, error)
	Decrypt(ctx context.Context, data []byte) ([]byte, error)
}

// Generator creates keys on one backend.
type Generator interface {
	Name() string
	Generate(ctx context.Context, keyType keys.KeyType, opts Options) (Key, error)
	// Load rehydrates a stored record into a usable key.
	Load(ctx context.Context, rec *keys.Record) (Key, error)
}

// Options tune a single generation.
type Options struct {
	ECType keys.ECType
	// SignatureLimit caps the number of signatures the key may make.
	// Hardware backends enforce it on the device for the key's lifetime.
	// Software keys count in memory only: every Load starts a fresh count,
	// so the cap holds within one session.
	SignatureLimit *uint32
	// RecoveryPublicKeys are installed on hardware tokens that check
	// upstream signatures themselves.
	RecoveryPublicKeys [][]byte
	// Signer countersigns the new key's dated bytes.
	Signer Key
	// PrivateKey imports existing material instead of generating it.
	PrivateKey     []byte
	StartDate      uint32
	ExpirationDate uint32
	MetaData       []byte
	Comment        string
}

func (o Options) ecType() keys.ECType {
	if o.ECType == 0 {
		return keys.DefaultECType
	}
	return o.ECType
}

// keyOps is what a backend supplies for one key.
type keyOps interface {
	sign(ctx context.Context, data []byte) ([]byte, error)
	encrypt(ctx context.Context, data []byte) ([]byte, error)
	decrypt(ctx context.Context, data []byte) ([]byte, error)
}

// key implements Key on top of a record and backend operations.
type key struct {
	mu   sync.Mutex
	rec  *keys.Record
	ops  keyOps
	used uint32
}

func newKey(rec *keys.Record, ops keyOps) *key {
	return &key{rec: rec, ops: ops}
}

func (k *key) ID() keys.KeyID          { return k.rec.ID }
func (k *key) Type() keys.KeyType      { return k.rec.Type }
func (k *key) ECType() keys.ECType     { return k.rec.ECType }
func (k *key) HashType() keys.HashType { return k.rec.ECType.DefaultHash() }
func (k *key) PublicKey() []byte       { return cloneBytes(k.rec.PublicKey) }
func (k *key) PrivateKey() []byte      { return cloneBytes(k.rec.PrivateKey) }
func (k *key) Signature() []byte       { return cloneBytes(k.rec.Signature) }

func (k *key) Record() *keys.Record {
	c := *k.rec
	c.PublicKey = cloneBytes(k.rec.PublicKey)
	c.PrivateKey = cloneBytes(k.rec.PrivateKey)
	c.Signature = cloneBytes(k.rec.Signature)
	c.MetaData = cloneBytes(k.rec.MetaData)
	return &c
}

func (k *key) Sign(ctx context.Context, data []byte, longForm bool) ([]byte, error) {
	if !k.rec.ECType.CanSign() {
		return nil, fmt.Errorf("%s keys cannot sign: %w", k.rec.ECType, ErrUnsupported)
	}

	k.mu.Lock()
	if k.rec.SignatureLimit > 0 && k.used >= k.rec.SignatureLimit {
		k.mu.Unlock()
		return nil, fmt.Errorf("key %s made %d signatures: %w", k.rec.ID, k.used, ErrSignatureLimitExceeded)
	}
	k.used++
	k.mu.Unlock()

	raw, err := k.ops.sign(ctx, data)
	if err != nil {
		return nil, err
	}
	if size := k.rec.ECType.SignatureSize(); len(raw) != size {
		return nil, fmt.Errorf("backend returned %d byte signature, want %d", len(raw), size)
	}
	if longForm && k.rec.ECType.IsWeierstrass() {
		return RawToDER(raw)
	}
	return raw, nil
}

func (k *key) Verify(_ context.Context, data, sig []byte) error {
	return VerifySignature(k.rec.ECType, k.HashType(), k.rec.PublicKey, data, sig)
}

func (k *key) Encrypt(ctx context.Context, data []byte) ([]byte, error) {
	return k.ops.encrypt(ctx, data)
}

func (k *key) Decrypt(ctx context.Context, data []byte) ([]byte, error) {
	return k.ops.decrypt(ctx, data)
}

// newRecord fills the common fields of a freshly created key.
func newRecord(keyType keys.KeyType, ec keys.ECType, pub, priv []byte, opts Options) *keys.Record {
	rec := &keys.Record{
		ID:             keys.ComputeKeyID(pub),
		Type:           keyType,
		ECType:         ec,
		PublicKey:      pub,
		PrivateKey:     priv,
		StartDate:      opts.StartDate,
		ExpirationDate: opts.ExpirationDate,
		Comment:        opts.Comment,
		MetaData:       cloneBytes(opts.MetaData),
	}
	if opts.SignatureLimit != nil {
		rec.SignatureLimit = *opts.SignatureLimit
	}
	return rec
}

// signRecord countersigns rec with signer and stores the raw signature.
func signRecord(ctx context.Context, rec *keys.Record, signer Key) error {
	data, err := rec.DatedBytes()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(ctx, data, false)
	if err != nil {
		return fmt.Errorf("failed to sign %s with %s %s: %w", rec.Type.DisplayName(), signer.Type().DisplayName(), signer.ID(), err)
	}
	rec.Signature = sig
	rec.SignerKeyID = signer.ID()
	rec.SignerHashType = signer.HashType()
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// clearBytes zeros a byte slice holding key material.
func clearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
