package trustlist

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ava-labs/avalanchego/utils/perms"
	"github.com/google/renameio/v2"

	"github.com/VirgilSecurity/trust-provisioner/pkg/keys"
)

const (
	listsDir      = "trust_lists"
	filePrefix    = "TrustList_"
	fileExtension = ".tl"
)

// FileName returns TrustList_<crc16 of data>.tl.
func FileName(data []byte) string {
	return fmt.Sprintf("%s%04x%s", filePrefix, keys.Checksum(data), fileExtension)
}

// ClassDir returns root/trust_lists/<class of t>.
func ClassDir(root string, t Type) string {
	return filepath.Join(root, listsDir, string(t.Class()))
}

// WriteFile stores an encoded list under ClassDir(root, t).
func WriteFile(root string, t Type, data []byte) (string, error) {
	dir := ClassDir(root, t)
	if err := os.MkdirAll(dir, perms.ReadWriteExecute); err != nil {
		return "", fmt.Errorf("failed to create trust list directory: %w", err)
	}
	path := filepath.Join(dir, FileName(data))
	if err := renameio.WriteFile(path, data, perms.ReadWrite); err != nil {
		return "", fmt.Errorf("failed to write trust list: %w", err)
	}
	return path, nil
}

// Latest returns the most recently written list under root, searching
// both classes.
func Latest(root string) (string, error) {
	var (
		newest string
		mtime  time.Time
	)
	base := filepath.Join(root, listsDir)
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipDir
			}
			return err
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), filePrefix) || filepath.Ext(path) != fileExtension {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if newest == "" || info.ModTime().After(mtime) {
			newest, mtime = path, info.ModTime()
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to scan %s: %w", base, err)
	}
	if newest == "" {
		return "", fmt.Errorf("no trust list under %s: %w", base, fs.ErrNotExist)
	}
	return newest, nil
}
