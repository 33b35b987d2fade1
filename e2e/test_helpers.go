package e2e

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

var cliBinaryPath string

// buildCLIBinaryForE2E builds a fresh CLI binary for this test run.
func buildCLIBinaryForE2E() (string, func(), error) {
	tempDir, err := os.MkdirTemp("", "trust-provisioner-e2e-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	binPath := filepath.Join(tempDir, "trust-provisioner")
	cmd := exec.Command("go", "build", "-o", binPath, ".")
	cmd.Dir = ".."
	if out, err := cmd.CombinedOutput(); err != nil {
		_ = os.RemoveAll(tempDir)
		return "", nil, fmt.Errorf("failed to build CLI binary: %w\n%s", err, out)
	}

	cleanup := func() {
		_ = os.RemoveAll(tempDir)
	}
	return binPath, cleanup, nil
}

// writeConfig creates a config whose paths all live under dir.
func writeConfig(dir, format string) (string, error) {
	cfg := fmt.Sprintf(`main:
  storage_path: %[1]s/storage
  log_path: %[1]s/logs
  provision_pack_path: %[1]s/pack
  trust_list_format: %[2]s
`, dir, format)
	path := filepath.Join(dir, "config.yaml")
	return path, os.WriteFile(path, []byte(cfg), 0600)
}
