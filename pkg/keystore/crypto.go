package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	// Argon2id parameters (OWASP recommended)
	argon2Time    = 3
	argon2Memory  = 64 * 1024 // KiB
	argon2Threads = 4
	argon2KeyLen  = 32 // AES-256

	saltSize  = 16
	nonceSize = 12 // GCM standard nonce
)

// DeriveKey derives a table key from the storage passphrase using Argon2id.
func DeriveKey(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
}

func randomBytes(n int, what string) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate %s: %w", what, err)
	}
	return b, nil
}

// seal wraps a table payload into an envelope. With a password the payload
// is encrypted with AES-256-GCM and the table name is bound as associated
// data, so a sealed file cannot be moved to another table. Without one the
// envelope only carries a SHA-256 digest.
func seal(table Name, payload, password []byte) (*envelope, error) {
	env := &envelope{Version: envelopeVersion, Table: string(table)}
	if len(password) == 0 {
		env.Digest = payloadDigest(table, payload)
		env.Payload = payload
		return env, nil
	}

	salt, err := randomBytes(saltSize, "salt")
	if err != nil {
		return nil, err
	}
	nonce, err := randomBytes(nonceSize, "nonce")
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}

	env.Encrypted = true
	env.Salt = salt
	env.Nonce = nonce
	env.Ciphertext = gcm.Seal(nil, nonce, payload, []byte(table))
	return env, nil
}

// open reverses seal. Every failure wraps ErrCorrupted.
func open(table Name, env *envelope, password []byte) ([]byte, error) {
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", ErrCorrupted, env.Version)
	}
	if env.Table != string(table) {
		return nil, fmt.Errorf("%w: file belongs to table %q", ErrCorrupted, env.Table)
	}

	if !env.Encrypted {
		if len(password) > 0 {
			return nil, fmt.Errorf("%w: table is not encrypted but a storage password is set", ErrCorrupted)
		}
		want := payloadDigest(table, env.Payload)
		if subtle.ConstantTimeCompare([]byte(want), []byte(env.Digest)) != 1 {
			return nil, fmt.Errorf("%w: digest mismatch", ErrCorrupted)
		}
		return env.Payload, nil
	}

	if len(password) == 0 {
		return nil, ErrPasswordRequired
	}
	if len(env.Salt) != saltSize || len(env.Nonce) != nonceSize {
		return nil, fmt.Errorf("%w: malformed salt or nonce", ErrCorrupted)
	}
	gcm, err := newGCM(password, env.Salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, env.Nonce, env.Ciphertext, []byte(table))
	if err != nil {
		return nil, fmt.Errorf("%w: decryption failed (wrong password?): %v", ErrCorrupted, err)
	}
	return plaintext, nil
}

func newGCM(password, salt []byte) (cipher.AEAD, error) {
	key := DeriveKey(password, salt)
	defer clearBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func payloadDigest(table Name, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(table))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// clearBytes zeros a byte slice holding key material.
func clearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
