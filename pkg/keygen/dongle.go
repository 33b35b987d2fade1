package keygen

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/ava-labs/avalanchego/utils/set"
	"github.com/ava-labs/avalanchego/utils/timer/mockable"
	"go.uber.org/zap"

	"github.com/VirgilSecurity/trust-provisioner/pkg/dongle"
	"github.com/VirgilSecurity/trust-provisioner/pkg/keys"
)

// DongleGenerator keeps every key on its own hardware dongle. Private keys
// never leave the device.
type DongleGenerator struct {
	ctrl   *dongle.Controller
	clock  *mockable.Clock
	logger *zap.Logger
	used   set.Set[string]
}

var _ Generator = (*DongleGenerator)(nil)

// NewDongleGenerator returns a backend driving ctrl.
func NewDongleGenerator(ctrl *dongle.Controller, clock *mockable.Clock, logger *zap.Logger) *DongleGenerator {
	if clock == nil {
		clock = &mockable.Clock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DongleGenerator{
		ctrl:   ctrl,
		clock:  clock,
		logger: logger,
		used:   set.NewSet[string](8),
	}
}

// Name identifies the backend in logs.
func (g *DongleGenerator) Name() string {
	if g.ctrl.Emulated() {
		return "dongle-emulator"
	}
	return "dongle"
}

// Generate provisions the next blank dongle with a new key.
func (g *DongleGenerator) Generate(ctx context.Context, keyType keys.KeyType, opts Options) (Key, error) {
	ec := opts.ecType()
	if ec != keys.SECP256R1 {
		return nil, fmt.Errorf("dongle keys support only %s, got %s: %w", keys.SECP256R1, ec, ErrUnsupportedCurve)
	}

	serial, err := g.freeDevice(ctx)
	if err != nil {
		return nil, err
	}
	log := g.logger.With(zap.String("serial", serial), zap.Stringer("type", keyType))

	if len(opts.PrivateKey) > 0 {
		err = g.ctrl.SetPrivateKey(ctx, serial, opts.PrivateKey, opts.SignatureLimit)
	} else {
		err = g.ctrl.GeneratePrivateKey(ctx, serial, opts.SignatureLimit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create key on dongle %s: %w", serial, err)
	}
	g.used.Add(serial)

	if err := g.ctrl.SetKeyType(ctx, serial, keyType.String()); err != nil {
		return nil, fmt.Errorf("failed to set key type on dongle %s: %w", serial, err)
	}
	for i, pub := range opts.RecoveryPublicKeys {
		if err := g.ctrl.SetRecoveryPubKey(ctx, serial, i+1, pub); err != nil {
			return nil, fmt.Errorf("failed to set recovery key %d on dongle %s: %w", i+1, serial, err)
		}
	}

	pub, err := g.ctrl.GetPublicKey(ctx, serial)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key from dongle %s: %w", serial, err)
	}
	pub = normalizePublicKey(ec, pub)

	rec := newRecord(keyType, ec, pub, nil, opts)
	rec.DeviceSerial = serial
	rec.CreatedAt = g.clock.Time().UTC()

	if opts.Signer != nil {
		if err := signRecord(ctx, rec, opts.Signer); err != nil {
			return nil, err
		}
		if err := g.ctrl.SetSignature(ctx, serial, rec.Signature); err != nil {
			return nil, fmt.Errorf("failed to store signature on dongle %s: %w", serial, err)
		}
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate device nonce: %w", err)
	}
	if err := g.ctrl.SetRandomNumber(ctx, serial, hex.EncodeToString(nonce)); err != nil {
		return nil, fmt.Errorf("failed to set random number on dongle %s: %w", serial, err)
	}
	if err := g.ctrl.LockData(ctx, serial); err != nil {
		return nil, fmt.Errorf("failed to lock dongle %s: %w", serial, err)
	}

	log.Info("dongle provisioned", zap.Stringer("key_id", rec.ID))
	return newKey(rec, &dongleOps{ctrl: g.ctrl, serial: serial, ec: ec, pub: pub}), nil
}

// Load attaches to the dongle that holds rec.
func (g *DongleGenerator) Load(ctx context.Context, rec *keys.Record) (Key, error) {
	if rec.DeviceSerial == "" {
		return nil, fmt.Errorf("%s %s is not bound to a dongle", rec.Type.DisplayName(), rec.ID)
	}
	pub, err := g.ctrl.GetPublicKey(ctx, rec.DeviceSerial)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key from dongle %s: %w", rec.DeviceSerial, err)
	}
	pub = normalizePublicKey(rec.ECType, pub)
	if !bytes.Equal(pub, rec.PublicKey) {
		return nil, fmt.Errorf("dongle %s holds a different key than %s %s", rec.DeviceSerial, rec.Type.DisplayName(), rec.ID)
	}
	g.used.Add(rec.DeviceSerial)
	c := *rec
	return newKey(&c, &dongleOps{ctrl: g.ctrl, serial: rec.DeviceSerial, ec: rec.ECType, pub: pub}), nil
}

// freeDevice returns the first attached dongle with no key type written.
func (g *DongleGenerator) freeDevice(ctx context.Context) (string, error) {
	serials, err := g.ctrl.ListDevices(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list dongles: %w", err)
	}
	for _, serial := range serials {
		if g.used.Contains(serial) {
			continue
		}
		kt, err := g.ctrl.GetKeyType(ctx, serial)
		if err != nil {
			return "", fmt.Errorf("failed to read key type of dongle %s: %w", serial, err)
		}
		if kt == "" {
			return serial, nil
		}
	}
	return "", fmt.Errorf("no blank dongle attached (%d checked)", len(serials))
}

// normalizePublicKey restores the 0x04 prefix some devices omit.
func normalizePublicKey(ec keys.ECType, pub []byte) []byte {
	if ec.IsWeierstrass() && len(pub) == ec.TinyPublicKeySize() {
		return append([]byte{0x04}, pub...)
	}
	return pub
}

type dongleOps struct {
	ctrl   *dongle.Controller
	serial string
	ec     keys.ECType
	pub    []byte
}

func (o *dongleOps) sign(ctx context.Context, data []byte) ([]byte, error) {
	sig, err := o.ctrl.SignByDevice(ctx, o.serial, data, false)
	if err != nil {
		return nil, fmt.Errorf("dongle %s failed to sign: %w", o.serial, err)
	}
	if len(sig) != o.ec.SignatureSize() {
		return DERToRaw(sig, o.ec.SignatureSize())
	}
	return sig, nil
}

func (o *dongleOps) encrypt(ctx context.Context, data []byte) ([]byte, error) {
	return o.ctrl.EncryptByDevice(ctx, o.serial, data, o.pub)
}

func (o *dongleOps) decrypt(ctx context.Context, data []byte) ([]byte, error) {
	return o.ctrl.DecryptByDevice(ctx, o.serial, data)
}
