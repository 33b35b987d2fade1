package ceremony

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/VirgilSecurity/trust-provisioner/pkg/hierarchy"
	"github.com/VirgilSecurity/trust-provisioner/pkg/keys"
	"github.com/VirgilSecurity/trust-provisioner/pkg/keystore"
	"github.com/VirgilSecurity/trust-provisioner/pkg/trustlist"
)

var listTypes = []trustlist.Type{trustlist.Release, trustlist.Beta, trustlist.Alpha, trustlist.Dev}

func (o *Orchestrator) chooseAndGenerateTrustList(ctx context.Context) error {
	names := make([]string, len(listTypes))
	for i, t := range listTypes {
		names[i] = t.String()
	}
	i, err := o.p.Choose("Please choose TrustList type:", names)
	if err != nil {
		return err
	}
	_, err = o.GenerateTrustList(ctx, listTypes[i])
	return err
}

// versionSlot maps the class of t to its version counter.
func versionSlot(t trustlist.Type) string {
	if t.Class() == trustlist.ClassDev {
		return keystore.DevVersion
	}
	return keystore.ReleaseVersion
}

// GenerateTrustList builds, signs and writes a list of class t and returns
// the file path. The version is recorded only once the file is written.
func (o *Orchestrator) GenerateTrustList(ctx context.Context, t trustlist.Type) (string, error) {
	if o.cloud != nil {
		if err := o.ReceiveCloudKey(ctx); err != nil {
			var fe *FatalError
			if errors.As(err, &fe) {
				return "", err
			}
			o.logger.Warn("cloud key refresh failed", zap.Error(err), zap.String("api_url", o.cloud.URL()))
			o.p.Warn("Failed to receive Cloud key, the stored one is used: %v", err)
		}
	}

	all, err := o.store.AllPublic()
	if err != nil {
		return "", fatal("key store", err)
	}
	recs, err := hierarchy.TrustListKeys(all, t)
	if err != nil {
		return "", fatal("trust list keys", err)
	}
	if len(recs) == 0 {
		return "", fmt.Errorf("no keys are eligible for a %s trust list", t)
	}

	slot := versionSlot(t)
	stored, err := o.store.Versions().Get(slot)
	if err != nil {
		return "", fatal("key store", err)
	}
	current, err := trustlist.ParseVersion(stored)
	if err != nil {
		return "", fatal("key store", fmt.Errorf("%w: %s: %v", keystore.ErrCorrupted, keystore.TrustListVersions, err))
	}
	o.p.Print("Current %s TrustList version: %s", t, current)

	next, nextErr := o.codec.NextVersion(current)
	prompt := "Enter TrustList version: "
	if nextErr == nil {
		prompt = fmt.Sprintf("Enter TrustList version [%s]: ", next)
	} else {
		o.p.Warn("Cannot increment version %s: %v", current, nextErr)
	}
	answer, err := o.p.Input(prompt, func(s string) error {
		v, err := trustlist.ParseVersion(s)
		if err != nil {
			return err
		}
		return o.codec.CheckVersion(v)
	}, nextErr == nil)
	if err != nil {
		return "", err
	}
	version := next
	if answer != "" {
		version, _ = trustlist.ParseVersion(answer)
	}
	if version.Compare(current) <= 0 {
		return "", fatal("trust list version", fmt.Errorf("%w: %s is not above %s", ErrVersionNotIncreasing, version, current))
	}
	if err := o.requireConfirm(fmt.Sprintf("Generate %s TrustList %s with %d keys (was %s)?", t, version, len(recs), current)); err != nil {
		return "", err
	}

	var signers []trustlist.Signer
	for _, kt := range hierarchy.TrustListSigners() {
		key, err := o.loadSigner(ctx, kt, "to sign the TrustList")
		if err != nil {
			if errors.Is(err, hierarchy.ErrNoSigner) {
				return "", fatal("trust list signing", err)
			}
			return "", err
		}
		signers = append(signers, key)
	}

	if version.Timestamp, err = keys.ToTimestamp(o.clock.Time()); err != nil {
		return "", err
	}
	entries := make([]trustlist.Entry, len(recs))
	for i, rec := range recs {
		entries[i] = trustlist.EntryFromRecord(rec)
	}
	_, data, err := trustlist.Build(ctx, o.codec, t, version, entries, signers)
	if err != nil {
		return "", fatal("trust list signing", err)
	}
	trusted := make([][]byte, len(signers))
	for i, s := range signers {
		trusted[i] = s.PublicKey()
	}
	if _, err := trustlist.Verify(o.codec, data, trusted); err != nil {
		return "", fatal("trust list verification", err)
	}

	path, err := trustlist.WriteFile(o.outputDir, t, data)
	if err != nil {
		return "", fatal("trust list write", err)
	}
	if err := o.store.Versions().Set(slot, version.String()); err != nil {
		return "", fatal("key store", err)
	}
	o.logger.Info("trust list generated",
		zap.Stringer("tl_type", t),
		zap.Stringer("version", version),
		zap.Int("keys", len(entries)),
		zap.String("format", string(o.codec.Format())),
		zap.String("path", path),
	)
	o.p.Print("TrustList %s saved to %s", version, path)
	return path, nil
}
