package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ava-labs/avalanchego/utils/timer/mockable"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/VirgilSecurity/trust-provisioner/pkg/cards"
	"github.com/VirgilSecurity/trust-provisioner/pkg/ceremony"
	"github.com/VirgilSecurity/trust-provisioner/pkg/config"
	"github.com/VirgilSecurity/trust-provisioner/pkg/console"
	"github.com/VirgilSecurity/trust-provisioner/pkg/dongle"
	"github.com/VirgilSecurity/trust-provisioner/pkg/keygen"
	"github.com/VirgilSecurity/trust-provisioner/pkg/keystore"
	"github.com/VirgilSecurity/trust-provisioner/pkg/logging"
	"github.com/VirgilSecurity/trust-provisioner/pkg/pidfile"
	"github.com/VirgilSecurity/trust-provisioner/pkg/trustlist"
)

const (
	backendSoftware       = "software"
	backendDongle         = "dongle"
	backendDongleEmulator = "dongle-emulator"
	backendLedger         = "ledger"
)

// session is everything a command needs from the environment: config,
// logger, PID lock and an open key store.
type session struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *keystore.Store
	clock  *mockable.Clock

	closers []func()
}

// openSession loads the config, starts logging, takes the storage lock and
// opens the key store. Close must be called on success.
func openSession(p *console.Prompter) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, clock: &mockable.Clock{}}
	logger, closeLog, err := logging.New(logging.Config{Dir: cfg.Main.LogPath, Verbose: verbose})
	if err != nil {
		return nil, err
	}
	s.logger = logger
	s.closers = append(s.closers, closeLog)

	lock, err := pidfile.Acquire(cfg.PIDFile())
	if err != nil {
		s.Close()
		return nil, err
	}
	s.closers = append(s.closers, func() {
		if err := lock.Release(); err != nil {
			logger.Warn("failed to release PID file", zap.String("path", lock.Path()), zap.Error(err))
		}
	})

	password, err := storagePassword(cfg, p, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.store, err = keystore.Open(cfg.Main.StoragePath, password)
	clearBytes(password)
	if err != nil {
		s.Close()
		return nil, err
	}
	if err := s.store.Check(); err != nil {
		s.Close()
		return nil, fmt.Errorf("key store check failed: %w", err)
	}
	logger.Info("session opened",
		zap.String("storage", cfg.Main.StoragePath),
		zap.Bool("encrypted", len(password) > 0),
	)
	return s, nil
}

// Close releases resources in reverse order of acquisition.
func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if appToken != "" {
		cfg.Virgil.AppToken = appToken
	}
	if listFormat != "" {
		cfg.Main.TrustListFormat = listFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// storagePassword comes from the environment, or from the operator when
// stdin is a terminal. An empty password leaves the store unencrypted.
func storagePassword(cfg *config.Config, p *console.Prompter, logger *zap.Logger) ([]byte, error) {
	if cfg.StoragePassword != "" {
		return []byte(cfg.StoragePassword), nil
	}
	if p != nil && term.IsTerminal(int(os.Stdin.Fd())) {
		password, err := p.Secret("Enter storage password (empty for an unencrypted store): ")
		if err != nil {
			return nil, fmt.Errorf("failed to read storage password: %w", err)
		}
		if len(password) > 0 {
			return password, nil
		}
	}
	logger.Warn("key store is not encrypted, private keys are written in plain text",
		zap.String("storage", cfg.Main.StoragePath),
		zap.String("password_env", config.EnvStoragePassword),
	)
	return nil, nil
}

// newGenerator builds the key backend selected by --backend.
func (s *session) newGenerator() (keygen.Generator, error) {
	switch backendName {
	case backendSoftware:
		return keygen.NewSoftwareGenerator(s.clock), nil
	case backendDongle:
		ctrl := dongle.New(dongle.Config{Path: s.cfg.Dongles.CLIPath, Logger: s.logger})
		return keygen.NewDongleGenerator(ctrl, s.clock, s.logger), nil
	case backendDongleEmulator:
		ctrl := dongle.New(dongle.Config{
			Path:         s.cfg.Dongles.EmulatorCLIPath,
			EmulatorMode: s.cfg.Dongles.EmulatorMode,
			Logger:       s.logger,
		})
		return keygen.NewDongleGenerator(ctrl, s.clock, s.logger), nil
	case backendLedger:
		g, err := keygen.NewLedgerGenerator(s.cfg.Ledger.FirstIndex, s.clock, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Ledger: %w", err)
		}
		s.closers = append(s.closers, g.Close)
		return g, nil
	}
	return nil, fmt.Errorf("unknown backend %q (use software, dongle, dongle-emulator or ledger)", backendName)
}

// newCardClient returns nil when no app token is configured.
func (s *session) newCardClient() (*cards.HTTPClient, error) {
	if s.cfg.Virgil.AppToken == "" {
		s.logger.Warn("no app token configured, cards will not be registered")
		return nil, nil
	}
	return cards.NewHTTPClient(cards.Config{
		APIURL:   s.cfg.Virgil.IoTAPIURL,
		AppToken: s.cfg.Virgil.AppToken,
		Clock:    s.clock,
		Logger:   s.logger,
	})
}

func (s *session) codec() (trustlist.Codec, error) {
	f, err := trustlist.ParseFormat(s.cfg.Main.TrustListFormat)
	if err != nil {
		return nil, err
	}
	return trustlist.NewCodec(f)
}

// loadFactoryInfo accepts a JSON literal or the path of a JSON file.
func loadFactoryInfo(v string) (json.RawMessage, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	data := []byte(v)
	if !strings.HasPrefix(v, "{") {
		b, err := os.ReadFile(v)
		if err != nil {
			return nil, fmt.Errorf("failed to read factory info: %w", err)
		}
		data = b
	}
	if !json.Valid(data) {
		return nil, errors.New("factory info is not valid JSON")
	}
	return json.RawMessage(data), nil
}

// newOrchestrator wires a ceremony over the session.
func (s *session) newOrchestrator(p ceremony.Prompter) (*ceremony.Orchestrator, error) {
	gen, err := s.newGenerator()
	if err != nil {
		return nil, err
	}
	codec, err := s.codec()
	if err != nil {
		return nil, err
	}
	info, err := loadFactoryInfo(factoryInfo)
	if err != nil {
		return nil, err
	}
	client, err := s.newCardClient()
	if err != nil {
		return nil, err
	}

	cfg := ceremony.Config{
		Generator:        gen,
		Store:            s.store,
		Codec:            codec,
		Prompter:         p,
		Logger:           s.logger,
		Clock:            s.clock,
		SkipConfirm:      skipConfirm,
		FactoryInfo:      info,
		OutputDir:        s.cfg.Main.StoragePath,
		ProvisionPackDir: s.cfg.Main.ProvisionPackPath,
	}
	if client != nil {
		cfg.Registrar = client
		cfg.Cloud = client
	}
	return ceremony.New(cfg)
}

// clearBytes zeros a byte slice holding secret material.
func clearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
