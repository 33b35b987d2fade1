// Package ceremony sequences a key-management ceremony: it asks the
// operator, drives the key backend, registers cards and is the only writer
// of the key store.
package ceremony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/ava-labs/avalanchego/utils/timer/mockable"
	"go.uber.org/zap"

	"github.com/VirgilSecurity/trust-provisioner/pkg/cards"
	"github.com/VirgilSecurity/trust-provisioner/pkg/hierarchy"
	"github.com/VirgilSecurity/trust-provisioner/pkg/keygen"
	"github.com/VirgilSecurity/trust-provisioner/pkg/keys"
	"github.com/VirgilSecurity/trust-provisioner/pkg/keystore"
	"github.com/VirgilSecurity/trust-provisioner/pkg/trustlist"
)

// CloudService hands out the card service's own Cloud key.
type CloudService interface {
	InitCloudKey(ctx context.Context) error
	FetchCloudKey(ctx context.Context) (*cards.CloudKey, error)
	URL() string
}

// Config wires an Orchestrator.
type Config struct {
	Generator keygen.Generator
	Store     *keystore.Store
	// Registrar defaults to cards.NopRegistrar.
	Registrar cards.Registrar
	// Cloud is nil when no card service is configured.
	Cloud    CloudService
	Codec    trustlist.Codec
	Prompter Prompter
	Logger   *zap.Logger
	Clock    *mockable.Clock

	// SkipConfirm answers yes to every confirmation and picks signers at
	// random.
	SkipConfirm bool
	// FactoryInfo is attached to the cards of Factory keys.
	FactoryInfo json.RawMessage

	// OutputDir receives trust lists and exported keys.
	OutputDir string
	// ProvisionPackDir receives provision packs.
	ProvisionPackDir string
}

// Command is one entry of the operator menu.
type Command struct {
	Name string
	Run  func(ctx context.Context) error
}

// Orchestrator runs ceremony operations.
type Orchestrator struct {
	gen       keygen.Generator
	store     *keystore.Store
	registrar cards.Registrar
	cloud     CloudService
	codec     trustlist.Codec
	p         Prompter
	logger    *zap.Logger
	clock     *mockable.Clock

	skipConfirm bool
	factoryInfo json.RawMessage
	outputDir   string
	packDir     string

	commands []Command
}

// New validates cfg and builds the command table.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Generator == nil:
		return nil, fmt.Errorf("ceremony needs a key generator")
	case cfg.Store == nil:
		return nil, fmt.Errorf("ceremony needs a key store")
	case cfg.Codec == nil:
		return nil, fmt.Errorf("ceremony needs a trust list codec")
	case cfg.Prompter == nil:
		return nil, fmt.Errorf("ceremony needs a prompter")
	case cfg.OutputDir == "":
		return nil, fmt.Errorf("ceremony needs an output directory")
	}
	if len(cfg.FactoryInfo) > 0 && !json.Valid(cfg.FactoryInfo) {
		return nil, fmt.Errorf("factory info is not valid JSON")
	}

	o := &Orchestrator{
		gen:         cfg.Generator,
		store:       cfg.Store,
		registrar:   cfg.Registrar,
		cloud:       cfg.Cloud,
		codec:       cfg.Codec,
		p:           cfg.Prompter,
		logger:      cfg.Logger,
		clock:       cfg.Clock,
		skipConfirm: cfg.SkipConfirm,
		factoryInfo: cfg.FactoryInfo,
		outputDir:   cfg.OutputDir,
		packDir:     cfg.ProvisionPackDir,
	}
	if o.registrar == nil {
		o.registrar = cards.NopRegistrar{}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.clock == nil {
		o.clock = &mockable.Clock{}
	}
	if o.packDir == "" {
		o.packDir = filepath.Join(o.outputDir, "provision-pack")
	}
	o.commands = o.buildCommands()
	return o, nil
}

func (o *Orchestrator) buildCommands() []Command {
	n := hierarchy.RedundantCount
	regenerate := func(kt keys.KeyType) func(context.Context) error {
		return func(ctx context.Context) error { return o.RegenerateKeys(ctx, kt) }
	}
	internal := func(kt keys.KeyType) func(context.Context) error {
		return func(ctx context.Context) error {
			_, err := o.GenerateInternalKey(ctx, kt)
			return err
		}
	}
	return []Command{
		{fmt.Sprintf("Initial Generation (%[1]d Recovery, %[1]d Auth, %[1]d TL Service, %[1]d Firmware, 1 Factory)", n), o.InitialGeneration},
		{fmt.Sprintf("Generate Recovery Keys (%d)", n), regenerate(keys.Recovery)},
		{fmt.Sprintf("Generate Auth Keys (%d)", n), regenerate(keys.Auth)},
		{"Generate AuthInternal Key", internal(keys.AuthInternal)},
		{fmt.Sprintf("Generate TrustList Service Keys (%d)", n), regenerate(keys.TrustListService)},
		{"Generate Factory Key", func(ctx context.Context) error {
			_, err := o.GenerateFactoryKey(ctx)
			return err
		}},
		{"Delete Factory Key", o.DeleteFactoryKey},
		{fmt.Sprintf("Generate Firmware Keys (%d)", n), regenerate(keys.Firmware)},
		{"Generate FirmwareInternal Key", internal(keys.FirmwareInternal)},
		{"Receive Cloud Key", o.ReceiveCloudKey},
		{"Generate TrustList", o.chooseAndGenerateTrustList},
		{"Add Public Key to db (Factory)", o.AddPublicKey},
		{"Print all Public Keys", o.PrintPublicKeys},
		{"Export upper level Public Keys", func(context.Context) error {
			_, err := o.ExportUpperLevelPublicKeys(filepath.Join(o.outputDir, "pubkeys"))
			return err
		}},
		{"Export Private Keys", func(context.Context) error {
			_, err := o.ExportPrivateKeys()
			return err
		}},
		{"Create Provision Pack", func(context.Context) error {
			_, err := o.CreateProvisionPack()
			return err
		}},
		{"Exit", func(context.Context) error { return errExit }},
	}
}

// Commands returns the operator menu.
func (o *Orchestrator) Commands() []Command {
	return append([]Command(nil), o.commands...)
}

// Run shows the menu until the operator exits, input ends, ctx is done
// or an operation fails fatally. A FatalError is logged once here and
// returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("ceremony started", zap.String("backend", o.gen.Name()), zap.String("format", string(o.codec.Format())))
	names := make([]string, len(o.commands))
	for i, c := range o.commands {
		names[i] = c.Name
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		choice, err := o.p.Choose("\nPlease choose an operation:", names)
		if errors.Is(err, io.EOF) {
			o.logger.Info("operator input closed")
			return nil
		}
		if err != nil {
			return err
		}

		cmd := o.commands[choice]
		log := o.logger.With(zap.String("operation", cmd.Name))
		log.Info("operation started")
		err = cmd.Run(ctx)

		var fe *FatalError
		switch {
		case err == nil:
			log.Info("operation completed")
		case errors.Is(err, errExit):
			log.Info("ceremony finished")
			return nil
		case errors.Is(err, ErrCancelled):
			log.Info("operation cancelled")
			o.p.Warn("Operation cancelled")
		case errors.As(err, &fe):
			log.Error("fatal error, stopping ceremony", zap.String("stage", fe.Op), zap.Error(fe.Err))
			o.p.Error("%v", fe)
			return fe
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			log.Warn("operation failed", zap.Error(err))
			o.p.Error("%v", err)
		}
	}
}

// State is the bootstrap progress of the key hierarchy.
type State int

const (
	Empty State = iota
	PartiallyBootstrapped
	Bootstrapped
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case PartiallyBootstrapped:
		return "partially bootstrapped"
	case Bootstrapped:
		return "bootstrapped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// State inspects the public tables.
func (o *Orchestrator) State() (State, error) {
	all, err := o.store.AllPublic()
	if err != nil {
		return Empty, err
	}
	if len(all) == 0 {
		return Empty, nil
	}
	counts := make(map[keys.KeyType]int)
	for _, rec := range all {
		counts[rec.Type]++
	}
	for _, kt := range keys.UpperLevelTypes {
		if counts[kt] != hierarchy.RedundantCount {
			return PartiallyBootstrapped, nil
		}
	}
	if counts[keys.Factory] == 0 {
		return PartiallyBootstrapped, nil
	}
	return Bootstrapped, nil
}

// confirm asks the operator, or answers yes under SkipConfirm.
func (o *Orchestrator) confirm(prompt string) (bool, error) {
	if o.skipConfirm {
		o.logger.Debug("confirmation skipped", zap.String("prompt", prompt))
		return true, nil
	}
	return o.p.Confirm(prompt)
}

// requireConfirm turns a "no" into ErrCancelled.
func (o *Orchestrator) requireConfirm(prompt string) error {
	ok, err := o.confirm(prompt)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCancelled
	}
	return nil
}

// chooseRecord lets the operator pick one of recs, or picks one at random
// under SkipConfirm.
func (o *Orchestrator) chooseRecord(prompt string, recs []*keys.Record) (*keys.Record, error) {
	if o.skipConfirm {
		return hierarchy.PickSigner(recs, nil)
	}
	return hierarchy.PickSigner(recs, func(candidates []*keys.Record) (int, error) {
		labels := make([]string, len(candidates))
		for i, rec := range candidates {
			labels[i] = recordLabel(rec)
		}
		return o.p.Choose(prompt, labels)
	})
}

// loadSigner picks a key of type kt and attaches it through the backend.
func (o *Orchestrator) loadSigner(ctx context.Context, kt keys.KeyType, purpose string) (keygen.Key, error) {
	candidates, err := o.store.PublicRecords(kt)
	if err != nil {
		return nil, fatal("signer lookup", err)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no %s found, generate it first", hierarchy.ErrNoSigner, kt.DisplayName())
	}
	chosen, err := o.chooseRecord(fmt.Sprintf("Please choose %s %s:", kt.DisplayName(), purpose), candidates)
	if err != nil {
		return nil, err
	}
	rec, err := o.store.PrivateRecord(kt, chosen.ID)
	if err != nil {
		return nil, fatal("signer lookup", err)
	}
	key, err := o.gen.Load(ctx, rec)
	if err != nil {
		return nil, fatal("signer load", err)
	}
	o.logger.Info("signer chosen", zap.Stringer("type", kt), zap.Stringer("key_id", key.ID()), zap.String("purpose", purpose))
	return key, nil
}

func recordLabel(rec *keys.Record) string {
	if rec.Comment == "" {
		return fmt.Sprintf("%s %s", rec.Type.DisplayName(), rec.ID)
	}
	return fmt.Sprintf("%s %s (%s)", rec.Type.DisplayName(), rec.ID, rec.Comment)
}
