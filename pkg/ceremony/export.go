package ceremony

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/ava-labs/avalanchego/utils/perms"
	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	"github.com/VirgilSecurity/trust-provisioner/pkg/keys"
	"github.com/VirgilSecurity/trust-provisioner/pkg/keystore"
	"github.com/VirgilSecurity/trust-provisioner/pkg/trustlist"
)

const (
	pubKeyExtension  = ".pub"
	privKeyExtension = ".key"
)

var keyTableHeader = []string{"TYPE", "KEY ID", "EC TYPE", "START", "EXPIRATION", "COMMENT", "SIGNED BY"}

// PrintPublicKeys shows both public tables.
func (o *Orchestrator) PrintPublicKeys(context.Context) error {
	for _, name := range []keystore.Name{keystore.UpperLevelKeys, keystore.TrustListPubKeys} {
		all, err := o.store.Table(name).GetAll()
		if err != nil {
			return fatal("key store", err)
		}
		o.p.Table(string(name), keyTableHeader, keyRows(sortedRecords(all)))
	}
	return nil
}

func sortedRecords(m map[keys.KeyID]*keys.Record) []*keys.Record {
	out := make([]*keys.Record, 0, len(m))
	for _, rec := range m {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func keyRows(recs []*keys.Record) [][]string {
	rows := make([][]string, len(recs))
	for i, rec := range recs {
		signer := "-"
		if rec.IsSigned() {
			signer = rec.SignerKeyID.String()
		}
		rows[i] = []string{
			rec.Type.DisplayName(),
			rec.ID.String(),
			rec.ECType.String(),
			keys.FormatTimestamp(rec.StartDate),
			keys.FormatTimestamp(rec.ExpirationDate),
			rec.Comment,
			signer,
		}
	}
	return rows
}

// ExportUpperLevelPublicKeys writes one .pub file per upper-level key into
// dir and returns the written paths.
func (o *Orchestrator) ExportUpperLevelPublicKeys(dir string) ([]string, error) {
	recs, err := o.store.Table(keystore.UpperLevelKeys).GetAll()
	if err != nil {
		return nil, fatal("key store", err)
	}
	if len(recs) == 0 {
		return nil, errors.New("there are no upper level keys to export")
	}
	if err := os.MkdirAll(dir, perms.ReadWriteExecute); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	var paths []string
	for _, rec := range sortedRecords(recs) {
		var signer *keys.Record
		if rec.IsSigned() {
			s, ok := recs[rec.SignerKeyID]
			if !ok {
				return nil, fmt.Errorf("signer %s of %s %s is missing", rec.SignerKeyID, rec.Type.DisplayName(), rec.ID)
			}
			signer = s
		}
		data, err := trustlist.EncodeKeyFile(rec, signer)
		if err != nil {
			return nil, err
		}
		path := filepath.Join(dir, rec.FileName()+pubKeyExtension)
		if err := renameio.WriteFile(path, data, perms.ReadWrite); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	o.logger.Info("public keys exported", zap.String("dir", dir), zap.Int("count", len(paths)))
	o.p.Print("%d public keys exported to %s", len(paths), dir)
	return paths, nil
}

// ExportPrivateKeys writes the raw private key of every software key to
// <output>/private. Keys held by hardware tokens are skipped.
func (o *Orchestrator) ExportPrivateKeys() ([]string, error) {
	if err := o.requireConfirm("Private keys will be written to disk unencrypted. Continue?"); err != nil {
		return nil, err
	}
	dir := filepath.Join(o.outputDir, "private")
	var paths []string
	for _, name := range keystore.RecordTables {
		if name == keystore.UpperLevelKeys || name == keystore.TrustListPubKeys {
			continue
		}
		all, err := o.store.Table(name).GetAll()
		if err != nil {
			return nil, fatal("key store", err)
		}
		for _, rec := range sortedRecords(all) {
			if len(rec.PrivateKey) == 0 {
				continue
			}
			path, err := writePrivateKey(dir, rec)
			if err != nil {
				return nil, err
			}
			paths = append(paths, path)
		}
	}
	if len(paths) == 0 {
		return nil, errors.New("there are no exportable private keys")
	}
	o.logger.Warn("private keys exported", zap.String("dir", dir), zap.Int("count", len(paths)))
	o.p.Print("%d private keys exported to %s", len(paths), dir)
	return paths, nil
}

func writePrivateKey(dir string, rec *keys.Record) (string, error) {
	if err := os.MkdirAll(dir, perms.ReadWriteExecute); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	path := filepath.Join(dir, rec.FileName()+privKeyExtension)
	if err := renameio.WriteFile(path, rec.PrivateKey, perms.ReadWrite); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// CreateProvisionPack collects what a factory needs to provision devices:
// one Factory private key, the upper-level public keys and the latest
// TrustList. It returns the pack directory.
func (o *Orchestrator) CreateProvisionPack() (string, error) {
	factory, err := o.store.PublicRecords(keys.Factory)
	if err != nil {
		return "", fatal("key store", err)
	}
	var candidates []*keys.Record
	for _, pub := range factory {
		rec, err := o.store.PrivateRecord(keys.Factory, pub.ID)
		if err != nil || len(rec.PrivateKey) == 0 {
			continue
		}
		candidates = append(candidates, rec)
	}
	if len(candidates) == 0 {
		return "", errors.New("there is no Factory key with an exportable private key")
	}
	chosen, err := o.chooseRecord("Please choose Factory key for the provision pack:", candidates)
	if err != nil {
		return "", err
	}

	latest, err := trustlist.Latest(o.outputDir)
	if errors.Is(err, fs.ErrNotExist) {
		return "", errors.New("generate a TrustList before creating a provision pack")
	}
	if err != nil {
		return "", err
	}

	if _, err := writePrivateKey(o.packDir, chosen); err != nil {
		return "", err
	}
	if _, err := o.ExportUpperLevelPublicKeys(o.packDir); err != nil {
		return "", err
	}
	data, err := os.ReadFile(latest)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", latest, err)
	}
	if err := renameio.WriteFile(filepath.Join(o.packDir, filepath.Base(latest)), data, perms.ReadWrite); err != nil {
		return "", fmt.Errorf("failed to copy trust list: %w", err)
	}

	o.logger.Info("provision pack created",
		zap.String("dir", o.packDir),
		zap.Stringer("factory_key_id", chosen.ID),
		zap.String("trust_list", filepath.Base(latest)),
	)
	o.p.Print("Provision pack created in %s", o.packDir)
	return o.packDir, nil
}
