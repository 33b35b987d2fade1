//go:build ledger

package keygen

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ava-labs/avalanchego/utils/timer/mockable"
	ethcrypto "github.com/ava-labs/libevm/crypto"
	ledger "github.com/ava-labs/ledger-avalanche-go"
	"go.uber.org/zap"

	"github.com/VirgilSecurity/trust-provisioner/pkg/keys"
)

// LedgerEnabled reports whether Ledger support is compiled in.
const LedgerEnabled = true

// BIP44 root for the Avalanche app: m/44'/9000'/0'
const ledgerRootPath = "m/44'/9000'/0'"

// LedgerGenerator derives secp256k1 keys on a Ledger device. Each key is
// bound to one address index and its path is kept as the device serial.
type LedgerGenerator struct {
	mu     sync.Mutex
	device *ledger.LedgerAvalanche
	next   uint32
	clock  *mockable.Clock
	logger *zap.Logger
}

var _ Generator = (*LedgerGenerator)(nil)

// NewLedgerGenerator connects to the Avalanche app. New keys are derived
// from firstIndex upwards.
func NewLedgerGenerator(firstIndex uint32, clock *mockable.Clock, logger *zap.Logger) (*LedgerGenerator, error) {
	device, err := ledger.FindLedgerAvalancheApp()
	if err != nil {
		return nil, fmt.Errorf("failed to find Ledger Avalanche app: %w\n\nMake sure:\n  1. Ledger is connected and unlocked\n  2. Avalanche app is open on the device\n  3. Ledger Live is NOT running", err)
	}
	if clock == nil {
		clock = &mockable.Clock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerGenerator{device: device, next: firstIndex, clock: clock, logger: logger.Named("ledger")}, nil
}

// Close releases the device.
func (g *LedgerGenerator) Close() {
	if g.device != nil {
		g.device.Close()
	}
}

// Name identifies the backend in logs.
func (g *LedgerGenerator) Name() string { return "ledger" }

// Generate binds the next address index to a new key.
func (g *LedgerGenerator) Generate(ctx context.Context, keyType keys.KeyType, opts Options) (Key, error) {
	ec := opts.ecType()
	if ec != keys.SECP256K1 {
		return nil, fmt.Errorf("ledger keys support only %s, got %s: %w", keys.SECP256K1, ec, ErrUnsupportedCurve)
	}
	if len(opts.PrivateKey) > 0 {
		return nil, fmt.Errorf("ledger cannot import private keys: %w", ErrUnsupported)
	}

	g.mu.Lock()
	path := fmt.Sprintf("%s/0/%d", ledgerRootPath, g.next)
	g.next++
	g.mu.Unlock()

	pub, err := g.publicKey(path)
	if err != nil {
		return nil, err
	}

	rec := newRecord(keyType, ec, pub, nil, opts)
	rec.DeviceSerial = path
	rec.CreatedAt = g.clock.Time().UTC()
	if opts.Signer != nil {
		if err := signRecord(ctx, rec, opts.Signer); err != nil {
			return nil, err
		}
	}
	g.logger.Info("ledger key derived", zap.String("path", path), zap.Stringer("key_id", rec.ID))
	return newKey(rec, &ledgerOps{device: g.device, path: path, pub: pub}), nil
}

// Load re-derives the key at the record's path and checks it matches.
func (g *LedgerGenerator) Load(_ context.Context, rec *keys.Record) (Key, error) {
	if !strings.HasPrefix(rec.DeviceSerial, ledgerRootPath) {
		return nil, fmt.Errorf("%s %s is not bound to a Ledger path", rec.Type.DisplayName(), rec.ID)
	}
	pub, err := g.publicKey(rec.DeviceSerial)
	if err != nil {
		return nil, err
	}
	if string(pub) != string(rec.PublicKey) {
		return nil, fmt.Errorf("ledger path %s holds a different key than %s %s", rec.DeviceSerial, rec.Type.DisplayName(), rec.ID)
	}
	c := *rec
	return newKey(&c, &ledgerOps{device: g.device, path: rec.DeviceSerial, pub: pub}), nil
}

// publicKey returns the uncompressed key at path.
func (g *LedgerGenerator) publicKey(path string) ([]byte, error) {
	resp, err := g.device.GetPubKey(path, false, "avax", "P")
	if err != nil {
		return nil, fmt.Errorf("failed to get public key from Ledger: %w", err)
	}
	pk, err := ethcrypto.DecompressPubkey(resp.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Ledger public key: %w", err)
	}
	return ethcrypto.FromECDSAPub(pk), nil
}

type ledgerOps struct {
	device *ledger.LedgerAvalanche
	path   string
	pub    []byte
}

func (o *ledgerOps) sign(_ context.Context, data []byte) ([]byte, error) {
	fmt.Printf("\n  >>> Please confirm the signature on your Ledger device <<<\n\n")
	resp, err := o.device.SignHash(o.path, []string{o.path}, keys.SHA256.Sum(data))
	if err != nil {
		return nil, fmt.Errorf("Ledger signing failed: %w", err)
	}
	sig, ok := resp.Signature[o.path]
	if !ok {
		for _, s := range resp.Signature {
			sig = s
			break
		}
	}
	if len(sig) < keys.SECP256K1.SignatureSize() {
		return nil, fmt.Errorf("Ledger returned %d byte signature", len(sig))
	}
	return sig[:keys.SECP256K1.SignatureSize()], nil
}

func (o *ledgerOps) encrypt(_ context.Context, data []byte) ([]byte, error) {
	return EncryptTo(keys.SECP256K1, o.pub, data)
}

func (o *ledgerOps) decrypt(context.Context, []byte) ([]byte, error) {
	return nil, fmt.Errorf("ledger decrypt: %w", ErrUnsupported)
}
