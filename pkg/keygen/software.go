package keygen

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ava-labs/avalanchego/utils/timer/mockable"

	"github.com/VirgilSecurity/trust-provisioner/pkg/keys"
)

// SoftwareGenerator keeps private keys in process memory and in the
// private tables of the key store.
type SoftwareGenerator struct {
	clock *mockable.Clock
}

var _ Generator = (*SoftwareGenerator)(nil)

// NewSoftwareGenerator returns a software-only backend. A nil clock uses
// wall time.
func NewSoftwareGenerator(clock *mockable.Clock) *SoftwareGenerator {
	if clock == nil {
		clock = &mockable.Clock{}
	}
	return &SoftwareGenerator{clock: clock}
}

// Name identifies the backend in logs.
func (g *SoftwareGenerator) Name() string { return "software" }

// Generate creates a key, importing opts.PrivateKey when set, and
// countersigns it with opts.Signer.
func (g *SoftwareGenerator) Generate(ctx context.Context, keyType keys.KeyType, opts Options) (Key, error) {
	ec := opts.ecType()

	var (
		m   material
		err error
	)
	if len(opts.PrivateKey) > 0 {
		m, err = importMaterial(ec, opts.PrivateKey)
	} else {
		m, err = generateMaterial(ec)
	}
	if err != nil {
		return nil, err
	}

	rec := newRecord(keyType, ec, m.public(), m.private(), opts)
	rec.CreatedAt = g.clock.Time().UTC()

	if opts.Signer != nil {
		if err := signRecord(ctx, rec, opts.Signer); err != nil {
			clearBytes(rec.PrivateKey)
			return nil, err
		}
	}

	return newKey(rec, &softwareOps{ec: ec, m: m}), nil
}

// Load rebuilds a key from a private record.
func (g *SoftwareGenerator) Load(_ context.Context, rec *keys.Record) (Key, error) {
	if len(rec.PrivateKey) == 0 {
		return nil, fmt.Errorf("%s %s has no private key in the store", rec.Type.DisplayName(), rec.ID)
	}
	m, err := importMaterial(rec.ECType, rec.PrivateKey)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(m.public(), rec.PublicKey) {
		return nil, fmt.Errorf("%s %s: private key does not match public key", rec.Type.DisplayName(), rec.ID)
	}
	c := *rec
	return newKey(&c, &softwareOps{ec: rec.ECType, m: m}), nil
}

type softwareOps struct {
	ec keys.ECType
	m  material
}

func (o *softwareOps) sign(_ context.Context, data []byte) ([]byte, error) {
	return o.m.sign(data)
}

func (o *softwareOps) encrypt(_ context.Context, data []byte) ([]byte, error) {
	return EncryptTo(o.ec, o.m.public(), data)
}

func (o *softwareOps) decrypt(_ context.Context, data []byte) ([]byte, error) {
	return o.m.decrypt(data)
}
