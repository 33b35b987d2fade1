package dongle

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/patrickmn/go-cache"
)

// ListDevices returns the serials of the plugged devices. An error reply
// from the utility means no devices are attached.
func (c *Controller) ListDevices(ctx context.Context) ([]string, error) {
	doc, err := c.run(ctx, c.args("", "-l")...)
	if err != nil {
		var derr *Error
		if errors.As(err, &derr) {
			return nil, nil
		}
		return nil, err
	}
	devices, ok := doc["devices"].(map[string]any)
	if !ok {
		return nil, nil
	}
	serials := make([]string, 0, len(devices))
	for _, v := range devices {
		if s, ok := v.(string); ok {
			serials = append(serials, s)
		}
	}
	sort.Strings(serials)
	return serials, nil
}

// Info returns the device description reported by the utility.
func (c *Controller) Info(ctx context.Context, serial string) (map[string]any, error) {
	doc, err := c.run(ctx, c.args(serial, "--info")...)
	if err != nil {
		return nil, err
	}
	info, ok := doc["info"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("dongle reply has no \"info\" field")
	}
	return info, nil
}

// GeneratePrivateKey creates a key on the device. A non-nil limit caps the
// number of signatures the device will ever make with it.
func (c *Controller) GeneratePrivateKey(ctx context.Context, serial string, limit *uint32) error {
	args := []string{"-i"}
	if limit != nil {
		args = append(args, "--sl", strconv.FormatUint(uint64(*limit), 10), "--cl")
	}
	_, err := c.run(ctx, c.args(serial, args...)...)
	c.pubKeys.Delete(serial)
	return err
}

// SetPrivateKey installs existing key material on the device.
func (c *Controller) SetPrivateKey(ctx context.Context, serial string, privateKey []byte, limit *uint32) error {
	args := []string{"-i", base64.StdEncoding.EncodeToString(privateKey)}
	if limit != nil {
		args = append(args, "--sl", strconv.FormatUint(uint64(*limit), 10))
	}
	args = append(args, "--cl")
	_, err := c.run(ctx, c.args(serial, args...)...)
	c.pubKeys.Delete(serial)
	return err
}

// GetKeyType returns the key type string written to the device, empty for
// a blank device.
func (c *Controller) GetKeyType(ctx context.Context, serial string) (string, error) {
	doc, err := c.run(ctx, c.args(serial, "-t")...)
	if err != nil {
		return "", err
	}
	kt, _ := doc["type"].(string)
	return kt, nil
}

// SetKeyType writes the key type string to the device.
func (c *Controller) SetKeyType(ctx context.Context, serial, keyType string) error {
	_, err := c.run(ctx, c.args(serial, "-t", keyType)...)
	return err
}

// GetPublicKey returns the public key held by the device.
func (c *Controller) GetPublicKey(ctx context.Context, serial string) ([]byte, error) {
	if cached, ok := c.pubKeys.Get(serial); ok {
		return append([]byte(nil), cached.([]byte)...), nil
	}
	doc, err := c.run(ctx, c.args(serial, "-p")...)
	if err != nil {
		return nil, err
	}
	encoded, err := lookup(doc, "public_key", "key")
	if err != nil {
		return nil, err
	}
	pub, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode device public key: %w", err)
	}
	c.pubKeys.Set(serial, pub, cache.NoExpiration)
	return append([]byte(nil), pub...), nil
}

// SetSignature stores the upstream signature of the device key.
func (c *Controller) SetSignature(ctx context.Context, serial string, signature []byte) error {
	return c.withTempFile(signature, func(path string) error {
		_, err := c.run(ctx, c.args(serial, "-s", path)...)
		return err
	})
}

// SetRecoveryPubKey installs Recovery public key number num (1 or 2).
func (c *Controller) SetRecoveryPubKey(ctx context.Context, serial string, num int, publicKey []byte) error {
	if num != 1 && num != 2 {
		return fmt.Errorf("recovery key number must be 1 or 2, got %d", num)
	}
	return c.withTempFile(publicKey, func(path string) error {
		_, err := c.run(ctx, c.args(serial, fmt.Sprintf("--key%d", num), path)...)
		return err
	})
}

// SetRandomNumber stores a random value on the device.
func (c *Controller) SetRandomNumber(ctx context.Context, serial, value string) error {
	_, err := c.run(ctx, c.args(serial, "-r", value)...)
	return err
}

// LockData locks the device data zone. This cannot be undone.
func (c *Controller) LockData(ctx context.Context, serial string) error {
	_, err := c.run(ctx, c.args(serial, "--dl")...)
	return err
}

// SignByDevice signs data on the device. The long form is the DER signature.
func (c *Controller) SignByDevice(ctx context.Context, serial string, data []byte, longForm bool) ([]byte, error) {
	flag, path := "--sign", []string{"signature", "sign"}
	if longForm {
		flag, path = "--vsign", []string{"vsignature", "vsign"}
	}
	doc, err := c.run(ctx, c.args(serial, flag, base64.StdEncoding.EncodeToString(data))...)
	if err != nil {
		return nil, err
	}
	return decodeField(doc, path...)
}

// VerifyByDevice checks a signature on the device.
func (c *Controller) VerifyByDevice(ctx context.Context, serial string, data, signature, signerPubKey []byte, longForm bool) (bool, error) {
	verify, sig, key, path := "--verify", "--verify_sign", "--verify_key", []string{"verify", "verify"}
	if longForm {
		verify, sig, key, path = "--vverify", "--vverify_sign", "--vverify_key", []string{"vverify", "vverify"}
	}
	doc, err := c.run(ctx, c.args(serial,
		verify, base64.StdEncoding.EncodeToString(data),
		sig, base64.StdEncoding.EncodeToString(signature),
		key, base64.StdEncoding.EncodeToString(signerPubKey),
	)...)
	if err != nil {
		return false, err
	}
	result, err := lookup(doc, path...)
	if err != nil {
		return false, err
	}
	return result == "ok", nil
}

// EncryptByDevice encrypts data for the holder of publicKey.
func (c *Controller) EncryptByDevice(ctx context.Context, serial string, data, publicKey []byte) ([]byte, error) {
	doc, err := c.run(ctx, c.args(serial,
		"--crypt", base64.StdEncoding.EncodeToString(data),
		"--key", base64.StdEncoding.EncodeToString(publicKey),
	)...)
	if err != nil {
		return nil, err
	}
	return decodeField(doc, "crypto", "crypt")
}

// DecryptByDevice decrypts data with the device key.
func (c *Controller) DecryptByDevice(ctx context.Context, serial string, data []byte) ([]byte, error) {
	doc, err := c.run(ctx, c.args(serial, "--decrypt", base64.StdEncoding.EncodeToString(data))...)
	if err != nil {
		return nil, err
	}
	return decodeField(doc, "decrypt", "decrypt")
}

func decodeField(doc map[string]any, path ...string) ([]byte, error) {
	encoded, err := lookup(doc, path...)
	if err != nil {
		return nil, err
	}
	out, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode dongle reply: %w", err)
	}
	return out, nil
}

// withTempFile hands the utility a file path holding data.
func (c *Controller) withTempFile(data []byte, fn func(path string) error) error {
	dir, err := os.MkdirTemp("", "dongle-*")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "payload.bin")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	return fn(path)
}
