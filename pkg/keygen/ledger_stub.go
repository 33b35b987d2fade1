//go:build !ledger

package keygen

import (
	"context"
	"fmt"

	"github.com/ava-labs/avalanchego/utils/timer/mockable"
	"go.uber.org/zap"

	"github.com/VirgilSecurity/trust-provisioner/pkg/keys"
)

// LedgerEnabled reports whether Ledger support is compiled in.
const LedgerEnabled = false

var errLedgerNotCompiled = fmt.Errorf("ledger support not compiled. Rebuild with: go build -tags ledger")

// LedgerGenerator is a stub when Ledger support is not compiled.
type LedgerGenerator struct{}

var _ Generator = (*LedgerGenerator)(nil)

// NewLedgerGenerator returns an error when Ledger support is not compiled.
func NewLedgerGenerator(uint32, *mockable.Clock, *zap.Logger) (*LedgerGenerator, error) {
	return nil, errLedgerNotCompiled
}

// Close is a no-op for the stub.
func (*LedgerGenerator) Close() {}

// Name identifies the backend in logs.
func (*LedgerGenerator) Name() string { return "ledger" }

// Generate returns an error for the stub.
func (*LedgerGenerator) Generate(context.Context, keys.KeyType, Options) (Key, error) {
	return nil, errLedgerNotCompiled
}

// Load returns an error for the stub.
func (*LedgerGenerator) Load(context.Context, *keys.Record) (Key, error) {
	return nil, errLedgerNotCompiled
}
