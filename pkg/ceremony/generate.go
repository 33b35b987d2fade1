package ceremony

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/VirgilSecurity/trust-provisioner/pkg/cards"
	"github.com/VirgilSecurity/trust-provisioner/pkg/hierarchy"
	"github.com/VirgilSecurity/trust-provisioner/pkg/keygen"
	"github.com/VirgilSecurity/trust-provisioner/pkg/keys"
	"github.com/VirgilSecurity/trust-provisioner/pkg/keystore"
)

// InitialGeneration bootstraps the whole hierarchy. Stages run in signer
// order and a failing stage stops the rest; finished stages stay saved.
func (o *Orchestrator) InitialGeneration(ctx context.Context) error {
	existing, err := o.store.AllPublic()
	if err != nil {
		return fatal("key store", err)
	}
	if hierarchy.HasInfrastructure(existing) {
		o.p.Warn("The key store already holds an infrastructure (%d public keys)", len(existing))
		if err := o.requireConfirm("Drop the existing infrastructure and start over?"); err != nil {
			return err
		}
		if err := o.store.Drop(); err != nil {
			return fatal("key store drop", err)
		}
		o.logger.Warn("infrastructure dropped", zap.Int("public_keys", len(existing)))
	}

	for _, kt := range keys.UpperLevelTypes {
		o.p.Print("\nGenerating %d %s keys", hierarchy.RedundantCount, kt.DisplayName())
		for i := 0; i < hierarchy.RedundantCount; i++ {
			if _, err := o.generateKey(ctx, kt); err != nil {
				return err
			}
		}
	}

	o.p.Print("\nGenerating Factory key")
	if _, err := o.GenerateFactoryKey(ctx); err != nil {
		return err
	}

	if o.cloud != nil {
		o.p.Print("\nReceiving Cloud key")
		if err := o.ReceiveCloudKey(ctx); err != nil {
			return err
		}
	}
	o.p.Print("\nInitial generation finished")
	return nil
}

// RegenerateKeys replaces both keys of an upper-level type.
func (o *Orchestrator) RegenerateKeys(ctx context.Context, kt keys.KeyType) error {
	if !kt.IsUpperLevel() {
		return fmt.Errorf("%s keys are not regenerated in pairs", kt.DisplayName())
	}
	existing, err := o.store.PublicRecords(kt)
	if err != nil {
		return fatal("key store", err)
	}
	if len(existing) > 0 {
		prompt := fmt.Sprintf("All %d %s keys will be deleted. Continue?", len(existing), kt.DisplayName())
		if kt == keys.Recovery {
			prompt = fmt.Sprintf("All %d Recovery keys will be deleted and keys signed by them must be regenerated too. Continue?", len(existing))
		}
		if err := o.requireConfirm(prompt); err != nil {
			return err
		}
		removed, err := o.store.DeleteType(kt)
		if err != nil {
			return fatal("key store", err)
		}
		o.logger.Info("keys deleted", zap.Stringer("type", kt), zap.Int("count", removed))
	}

	for i := 0; i < hierarchy.RedundantCount; i++ {
		if _, err := o.generateKey(ctx, kt); err != nil {
			return err
		}
	}
	return nil
}

// GenerateFactoryKey creates one Factory key with bounded signatures and
// mandatory dates.
func (o *Orchestrator) GenerateFactoryKey(ctx context.Context) (keygen.Key, error) {
	return o.generateKey(ctx, keys.Factory)
}

// DeleteFactoryKey removes one Factory key chosen by the operator.
func (o *Orchestrator) DeleteFactoryKey(ctx context.Context) error {
	factory, err := o.store.PublicRecords(keys.Factory)
	if err != nil {
		return fatal("key store", err)
	}
	if len(factory) == 0 {
		return errors.New("there are no Factory keys")
	}
	labels := make([]string, len(factory))
	for i, rec := range factory {
		labels[i] = recordLabel(rec)
	}
	i, err := o.p.Choose("Please choose the Factory key to delete:", labels)
	if err != nil {
		return err
	}
	rec := factory[i]
	if err := o.requireConfirm(fmt.Sprintf("Delete %s?", recordLabel(rec))); err != nil {
		return err
	}
	if err := o.store.DeleteRecord(keys.Factory, rec.ID); err != nil {
		return fatal("key store", err)
	}
	o.logger.Info("factory key deleted", zap.Stringer("key_id", rec.ID))
	o.p.Print("Factory key %s deleted", rec.ID)
	return nil
}

// GenerateInternalKey creates an AuthInternal or FirmwareInternal key.
func (o *Orchestrator) GenerateInternalKey(ctx context.Context, kt keys.KeyType) (keygen.Key, error) {
	if !kt.IsInternal() {
		return nil, fmt.Errorf("%s is not an internal key type", kt.DisplayName())
	}
	return o.generateKey(ctx, kt)
}

// ReceiveCloudKey asks the card service for its Cloud key and stores it.
func (o *Orchestrator) ReceiveCloudKey(ctx context.Context) error {
	if o.cloud == nil {
		return ErrCardServiceDisabled
	}
	if err := o.cloud.InitCloudKey(ctx); err != nil {
		return fmt.Errorf("failed to initialize cloud key: %w", err)
	}
	ck, err := o.cloud.FetchCloudKey(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch cloud key: %w", err)
	}

	rec := &keys.Record{
		ID:             keys.ComputeKeyID(ck.PublicKey),
		Type:           keys.Cloud,
		ECType:         keys.SECP256R1,
		PublicKey:      ck.PublicKey,
		StartDate:      ck.StartDate,
		ExpirationDate: ck.ExpirationDate,
		Comment:        "cloud",
		MetaData:       []byte(o.cloud.URL()),
		CreatedAt:      o.clock.Time().UTC(),
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("cloud key: %w", err)
	}
	if err := o.store.SaveRecord(rec); err != nil {
		return fatal("key store", err)
	}
	o.logger.Info("cloud key received", zap.Stringer("key_id", rec.ID), zap.String("api_url", o.cloud.URL()))
	o.p.Print("Cloud key %s saved", rec.ID)
	return nil
}

// AddPublicKey stores a Factory public key generated elsewhere.
func (o *Orchestrator) AddPublicKey(ctx context.Context) error {
	var pub []byte
	_, err := o.p.Input("Enter Factory public key (base64): ", func(s string) error {
		p, err := parsePublicKey(s)
		if err != nil {
			return err
		}
		pub = p
		return nil
	}, false)
	if err != nil {
		return err
	}
	comment, err := o.p.Input("Enter comment: ", nil, true)
	if err != nil {
		return err
	}

	table := o.store.Table(keystore.TrustListPubKeys)
	id := keys.ComputeKeyID(pub)
	if _, ok, err := table.Get(id); err != nil {
		return fatal("key store", err)
	} else if ok {
		return fmt.Errorf("key %s is already in %s", id, keystore.TrustListPubKeys)
	}

	rec := &keys.Record{
		ID:        id,
		Type:      keys.Factory,
		ECType:    keys.SECP256R1,
		PublicKey: pub,
		Comment:   comment,
		CreatedAt: o.clock.Time().UTC(),
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := table.Save(rec.ID, rec); err != nil {
		return fatal("key store", err)
	}
	o.logger.Info("public key added", zap.Stringer("type", rec.Type), zap.Stringer("key_id", rec.ID))
	o.p.Print("Factory public key %s added", rec.ID)
	return nil
}

// parsePublicKey decodes a base64 P-256 point. The 64-byte form without
// the 0x04 prefix is accepted too.
func parsePublicKey(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	size := keys.SECP256R1.PublicKeySize()
	if len(raw) == size-1 {
		raw = append([]byte{0x04}, raw...)
	}
	if len(raw) != size {
		return nil, fmt.Errorf("expected a %d byte %s public key, got %d bytes", size, keys.SECP256R1, len(raw))
	}
	if _, err := cards.MarshalPublicKey(keys.SECP256R1, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// generateKey runs one guarded generation: count policy, signer, limit,
// dates, comment, generation, verification, card and persistence.
func (o *Orchestrator) generateKey(ctx context.Context, kt keys.KeyType) (keygen.Key, error) {
	policy, err := hierarchy.PolicyFor(kt)
	if err != nil {
		return nil, fatal("key policy", err)
	}
	existing, err := o.store.PublicRecords(kt)
	if err != nil {
		return nil, fatal("key store", err)
	}
	if err := hierarchy.CheckCount(kt, len(existing)); err != nil {
		return nil, fatal("key policy", err)
	}

	o.p.Print("Generating %s key", kt.DisplayName())
	opts := keygen.Options{ECType: keys.DefaultECType}

	var signer keygen.Key
	if policy.Signed {
		signer, err = o.loadSigner(ctx, policy.Signer, fmt.Sprintf("to sign the %s key", kt.DisplayName()))
		if err != nil {
			return nil, err
		}
		opts.Signer = signer
	}

	if kt != keys.Recovery {
		recovery, err := o.store.PublicRecords(keys.Recovery)
		if err != nil {
			return nil, fatal("key store", err)
		}
		for _, rec := range recovery {
			opts.RecoveryPublicKeys = append(opts.RecoveryPublicKeys, rec.PublicKey)
		}
	}

	if policy.SignatureLimit {
		limit, err := o.askSignatureLimit()
		if err != nil {
			return nil, err
		}
		opts.SignatureLimit = &limit
	}

	if opts.StartDate, opts.ExpirationDate, err = o.askDates(policy.RequireDates); err != nil {
		return nil, err
	}
	if opts.Comment, err = o.askComment(kt, existing); err != nil {
		return nil, err
	}

	key, err := o.gen.Generate(ctx, kt, opts)
	if err != nil {
		return nil, fatal(fmt.Sprintf("%s key generation", kt.DisplayName()), err)
	}
	rec := key.Record()
	log := o.logger.With(zap.Stringer("type", kt), zap.Stringer("key_id", rec.ID))

	var signerRec *keys.Record
	if signer != nil {
		signerRec = signer.Record().Public()
		if err := hierarchy.VerifyRecord(rec, signerRec); err != nil {
			return nil, fatal("signature verification", err)
		}
	}

	info := cards.NewKeyInfo(rec, signerRec)
	if kt == keys.Factory {
		info.FactoryInfo = o.factoryInfo
	}
	if err := o.registrar.Register(ctx, key, info); err != nil {
		log.Warn("card registration failed", zap.Error(err))
		o.p.Warn("Card registration for %s %s failed: %v", kt.DisplayName(), rec.ID, err)
	}

	if err := o.store.SaveRecord(rec); err != nil {
		return nil, fatal("key store", err)
	}
	log.Info("key generated",
		zap.String("backend", o.gen.Name()),
		zap.Stringer("signer_key_id", rec.SignerKeyID),
		zap.String("comment", rec.Comment),
	)
	o.p.Print("%s key %s generated", kt.DisplayName(), rec.ID)
	return key, nil
}

func (o *Orchestrator) askSignatureLimit() (uint32, error) {
	answer, err := o.p.Input(fmt.Sprintf("Enter signature limit (1..%d) [%d]: ", uint32(math.MaxUint32), uint32(math.MaxUint32)), func(s string) error {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil || n == 0 {
			return fmt.Errorf("signature limit must be a number in 1..%d", uint32(math.MaxUint32))
		}
		return nil
	}, true)
	if err != nil {
		return 0, err
	}
	if answer == "" {
		return math.MaxUint32, nil
	}
	n, _ := strconv.ParseUint(answer, 10, 32)
	return uint32(n), nil
}

// askDates returns the start and expiration timestamps; 0 means unset.
func (o *Orchestrator) askDates(required bool) (uint32, uint32, error) {
	if !required {
		add, err := o.p.Confirm("Add start and expiration date?")
		if err != nil || !add {
			return 0, 0, err
		}
	}
	start, err := o.p.Date("Enter start date", true)
	if err != nil {
		return 0, 0, err
	}
	if !required {
		add, err := o.p.Confirm("Enter expiration date?")
		if err != nil || !add {
			return start, 0, err
		}
	}
	for {
		exp, err := o.p.Date("Enter expiration date", true)
		if err != nil {
			return 0, 0, err
		}
		if exp > start {
			return start, exp, nil
		}
		o.p.Error("Expiration date must be after start date %s", keys.FormatTimestamp(start))
	}
}

// askComment asks for a free-form comment. Recovery keys take one of the
// two slot comments instead, defaulting to the free one.
func (o *Orchestrator) askComment(kt keys.KeyType, existing []*keys.Record) (string, error) {
	if kt != keys.Recovery {
		return o.p.Input("Enter comment: ", nil, true)
	}
	free, err := hierarchy.RecoveryComment(existing)
	if err != nil {
		return "", fatal("key policy", err)
	}
	taken := make(map[string]bool, len(existing))
	for _, rec := range existing {
		taken[rec.Comment] = true
	}
	answer, err := o.p.Input(fmt.Sprintf("Enter Recovery key number (%s or %s) [%s]: ", hierarchy.RecoveryComment1, hierarchy.RecoveryComment2, free), func(s string) error {
		if !hierarchy.ValidRecoveryComment(s) {
			return fmt.Errorf("recovery key number must be %s or %s", hierarchy.RecoveryComment1, hierarchy.RecoveryComment2)
		}
		if taken[s] {
			return fmt.Errorf("recovery key %s already exists", s)
		}
		return nil
	}, true)
	if err != nil {
		return "", err
	}
	if answer == "" {
		return free, nil
	}
	return answer, nil
}
