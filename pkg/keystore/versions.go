package keystore

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Version slots of the TrustListVersions table.
const (
	ReleaseVersion = "release_version"
	DevVersion     = "dev_version"

	// UnsetVersion is returned for a slot that was never written.
	UnsetVersion = "0.0.0.0"
)

// Versions stores the last issued TrustList version per class.
type Versions struct {
	file     string
	password []byte

	mu     sync.Mutex
	values map[string]string
}

// Get returns the stored version string of slot.
func (v *Versions) Get(slot string) (string, error) {
	all, err := v.all()
	if err != nil {
		return "", err
	}
	if s, ok := all[slot]; ok && s != "" {
		return s, nil
	}
	return UnsetVersion, nil
}

// Set records version for slot.
func (v *Versions) Set(slot, version string) error {
	if slot != ReleaseVersion && slot != DevVersion {
		return fmt.Errorf("unknown version slot %q", slot)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.load(); err != nil {
		return err
	}
	next := make(map[string]string, len(v.values)+1)
	for k, s := range v.values {
		next[k] = s
	}
	next[slot] = version

	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", TrustListVersions, err)
	}
	if err := writeSealed(TrustListVersions, v.file, payload, v.password); err != nil {
		return err
	}
	v.values = next
	return nil
}

func (v *Versions) all() (map[string]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.load(); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(v.values))
	for k, s := range v.values {
		out[k] = s
	}
	return out, nil
}

func (v *Versions) load() error {
	if v.values != nil {
		return nil
	}
	payload, err := readSealed(TrustListVersions, v.file, v.password)
	if err != nil {
		return err
	}
	values := make(map[string]string)
	if payload != nil {
		if err := json.Unmarshal(payload, &values); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorrupted, TrustListVersions, err)
		}
	}
	v.values = values
	return nil
}
