package keygen

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/ava-labs/avalanchego/utils/timer/mockable"
	"github.com/stretchr/testify/require"

	"github.com/VirgilSecurity/trust-provisioner/pkg/dongle"
	"github.com/VirgilSecurity/trust-provisioner/pkg/keys"
)

func TestSoftwareGenerator_SignVerify(t *testing.T) {
	curves := []keys.ECType{
		keys.SECP256R1,
		keys.SECP384R1,
		keys.SECP521R1,
		keys.SECP256K1,
		keys.ED25519,
	}
	gen := NewSoftwareGenerator(nil)
	ctx := context.Background()
	data := []byte("trust list body")

	for _, ec := range curves {
		t.Run(ec.String(), func(t *testing.T) {
			k, err := gen.Generate(ctx, keys.Auth, Options{ECType: ec})
			require.NoError(t, err)
			require.Len(t, k.PublicKey(), ec.PublicKeySize())
			require.Equal(t, keys.ComputeKeyID(k.PublicKey()), k.ID())

			sig, err := k.Sign(ctx, data, false)
			require.NoError(t, err)
			require.Len(t, sig, ec.SignatureSize())
			require.NoError(t, k.Verify(ctx, data, sig))
			require.NoError(t, VerifySignature(ec, ec.DefaultHash(), k.PublicKey(), data, sig))

			err = k.Verify(ctx, []byte("other body"), sig)
			require.ErrorIs(t, err, ErrInvalidSignature)
		})
	}
}

func TestSoftwareGenerator_LongForm(t *testing.T) {
	ctx := context.Background()
	k, err := NewSoftwareGenerator(nil).Generate(ctx, keys.Auth, Options{})
	require.NoError(t, err)
	require.Equal(t, keys.SECP256R1, k.ECType())

	der, err := k.Sign(ctx, []byte("card"), true)
	require.NoError(t, err)
	require.Equal(t, byte(0x30), der[0])
	require.NoError(t, k.Verify(ctx, []byte("card"), der))

	raw, err := DERToRaw(der, keys.SECP256R1.SignatureSize())
	require.NoError(t, err)
	back, err := RawToDER(raw)
	require.NoError(t, err)
	require.Equal(t, der, back)
}

func TestDERToRaw_Errors(t *testing.T) {
	_, err := DERToRaw([]byte{0x30, 0x01}, 64)
	require.Error(t, err)
	_, err = DERToRaw(nil, 63)
	require.Error(t, err)
	_, err = RawToDER([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestSoftwareGenerator_Import(t *testing.T) {
	ctx := context.Background()
	gen := NewSoftwareGenerator(nil)
	for _, ec := range []keys.ECType{keys.SECP256R1, keys.SECP256K1, keys.ED25519, keys.CURVE25519} {
		t.Run(ec.String(), func(t *testing.T) {
			orig, err := gen.Generate(ctx, keys.Factory, Options{ECType: ec})
			require.NoError(t, err)

			imported, err := gen.Generate(ctx, keys.Factory, Options{ECType: ec, PrivateKey: orig.PrivateKey()})
			require.NoError(t, err)
			require.Equal(t, orig.PublicKey(), imported.PublicKey())

			loaded, err := gen.Load(ctx, orig.Record())
			require.NoError(t, err)
			require.Equal(t, orig.ID(), loaded.ID())
		})
	}
}

func TestSoftwareGenerator_LoadMismatch(t *testing.T) {
	ctx := context.Background()
	gen := NewSoftwareGenerator(nil)
	a, err := gen.Generate(ctx, keys.Auth, Options{})
	require.NoError(t, err)
	b, err := gen.Generate(ctx, keys.Auth, Options{})
	require.NoError(t, err)

	rec := a.Record()
	rec.PrivateKey = b.PrivateKey()
	_, err = gen.Load(ctx, rec)
	require.Error(t, err)

	rec.PrivateKey = nil
	_, err = gen.Load(ctx, rec)
	require.Error(t, err)
}

func TestSoftwareGenerator_UnsupportedCurve(t *testing.T) {
	_, err := NewSoftwareGenerator(nil).Generate(context.Background(), keys.Auth, Options{ECType: keys.SECP192R1})
	require.ErrorIs(t, err, ErrUnsupportedCurve)
}

func TestSignatureLimit(t *testing.T) {
	ctx := context.Background()
	limit := uint32(2)
	k, err := NewSoftwareGenerator(nil).Generate(ctx, keys.Recovery, Options{SignatureLimit: &limit})
	require.NoError(t, err)
	require.Equal(t, limit, k.Record().SignatureLimit)

	for i := 0; i < 2; i++ {
		_, err := k.Sign(ctx, []byte("x"), false)
		require.NoError(t, err)
	}
	_, err = k.Sign(ctx, []byte("x"), false)
	require.ErrorIs(t, err, ErrSignatureLimitExceeded)

	// A software key reloaded from its record counts from zero again.
	reloaded, err := NewSoftwareGenerator(nil).Load(ctx, k.Record())
	require.NoError(t, err)
	require.Equal(t, limit, reloaded.Record().SignatureLimit)
	for i := 0; i < 2; i++ {
		_, err := reloaded.Sign(ctx, []byte("x"), false)
		require.NoError(t, err)
	}
	_, err = reloaded.Sign(ctx, []byte("x"), false)
	require.ErrorIs(t, err, ErrSignatureLimitExceeded)
}

func TestEncryptDecrypt(t *testing.T) {
	ctx := context.Background()
	gen := NewSoftwareGenerator(nil)
	msg := []byte("factory private key")

	for _, ec := range []keys.ECType{keys.SECP256R1, keys.SECP384R1, keys.SECP256K1, keys.CURVE25519} {
		t.Run(ec.String(), func(t *testing.T) {
			k, err := gen.Generate(ctx, keys.Factory, Options{ECType: ec})
			require.NoError(t, err)

			ct, err := k.Encrypt(ctx, msg)
			require.NoError(t, err)
			require.NotEqual(t, msg, ct)

			plain, err := k.Decrypt(ctx, ct)
			require.NoError(t, err)
			require.Equal(t, msg, plain)

			ct2, err := EncryptTo(ec, k.PublicKey(), msg)
			require.NoError(t, err)
			plain, err = k.Decrypt(ctx, ct2)
			require.NoError(t, err)
			require.Equal(t, msg, plain)
		})
	}

	k, err := gen.Generate(ctx, keys.Auth, Options{ECType: keys.ED25519})
	require.NoError(t, err)
	_, err = k.Decrypt(ctx, []byte{1})
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestSoftwareGenerator_Countersign(t *testing.T) {
	ctx := context.Background()
	clock := &mockable.Clock{}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock.Set(now)
	gen := NewSoftwareGenerator(clock)

	recovery, err := gen.Generate(ctx, keys.Recovery, Options{Comment: "recovery_1"})
	require.NoError(t, err)
	require.False(t, recovery.Record().IsSigned())

	auth, err := gen.Generate(ctx, keys.Auth, Options{Signer: recovery, StartDate: 100, ExpirationDate: 200})
	require.NoError(t, err)

	rec := auth.Record()
	require.True(t, rec.IsSigned())
	require.Equal(t, recovery.ID(), rec.SignerKeyID)
	require.Equal(t, keys.SHA256, rec.SignerHashType)
	require.Equal(t, now, rec.CreatedAt)

	data, err := rec.DatedBytes()
	require.NoError(t, err)
	require.NoError(t, recovery.Verify(ctx, data, rec.Signature))
}

func TestSoftwareGenerator_CountersignFailure(t *testing.T) {
	ctx := context.Background()
	gen := NewSoftwareGenerator(nil)
	one := uint32(1)

	recovery, err := gen.Generate(ctx, keys.Recovery, Options{SignatureLimit: &one})
	require.NoError(t, err)
	_, err = gen.Generate(ctx, keys.Auth, Options{Signer: recovery})
	require.NoError(t, err)

	_, err = gen.Generate(ctx, keys.TrustListService, Options{Signer: recovery})
	require.ErrorIs(t, err, ErrSignatureLimitExceeded)
}

// fakeDongles writes a dongle utility with two blank devices that all
// report tiny public key pub.
func fakeDongles(t *testing.T, pub, sig []byte) (string, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake dongle utility is a shell script")
	}
	dir := t.TempDir()
	logPath := filepath.Join(dir, "calls.log")
	script := `#!/bin/sh
echo "$@" >> "` + logPath + `"
case "$*" in
  *"--dl"*)
    echo '{"status":"ok"}'
    ;;
  *"-l"*)
    echo '{"status":"ok","devices":{"0":"SN1","1":"SN2"}}'
    ;;
  *"-t")
    echo '{"status":"ok","type":""}'
    ;;
  *"-p"*)
    echo '{"status":"ok","public_key":{"key":"` + base64.StdEncoding.EncodeToString(pub) + `"}}'
    ;;
  *"--sign"*)
    echo '{"status":"ok","signature":{"sign":"` + base64.StdEncoding.EncodeToString(sig) + `"}}'
    ;;
  *)
    echo '{"status":"ok"}'
    ;;
esac
`
	path := filepath.Join(dir, "dongles-cli")
	require.NoError(t, os.WriteFile(path, []byte(script), 0700))
	return path, logPath
}

func TestDongleGenerator_Generate(t *testing.T) {
	ctx := context.Background()
	soft := NewSoftwareGenerator(nil)
	recovery, err := soft.Generate(ctx, keys.Recovery, Options{})
	require.NoError(t, err)
	onDevice, err := soft.Generate(ctx, keys.Auth, Options{})
	require.NoError(t, err)
	deviceSig, err := onDevice.Sign(ctx, []byte("payload"), false)
	require.NoError(t, err)

	path, logPath := fakeDongles(t, onDevice.PublicKey()[1:], deviceSig)
	gen := NewDongleGenerator(dongle.New(dongle.Config{Path: path}), nil, nil)
	require.Equal(t, "dongle", gen.Name())

	k, err := gen.Generate(ctx, keys.Auth, Options{
		Signer:             recovery,
		RecoveryPublicKeys: [][]byte{recovery.PublicKey()},
	})
	require.NoError(t, err)
	require.Equal(t, onDevice.PublicKey(), k.PublicKey())
	require.Nil(t, k.PrivateKey())

	rec := k.Record()
	require.Equal(t, "SN1", rec.DeviceSerial)
	data, err := rec.DatedBytes()
	require.NoError(t, err)
	require.NoError(t, recovery.Verify(ctx, data, rec.Signature))

	sig, err := k.Sign(ctx, []byte("payload"), false)
	require.NoError(t, err)
	require.NoError(t, k.Verify(ctx, []byte("payload"), sig))

	// SN1 is taken, so the next key lands on SN2.
	k2, err := gen.Generate(ctx, keys.TrustListService, Options{})
	require.NoError(t, err)
	require.Equal(t, "SN2", k2.Record().DeviceSerial)

	// Both devices are used now.
	_, err = gen.Generate(ctx, keys.Firmware, Options{})
	require.Error(t, err)

	calls, err := os.ReadFile(logPath)
	require.NoError(t, err)
	log := string(calls)
	require.Contains(t, log, "-d SN1 -t auth")
	require.Contains(t, log, "-d SN1 --key1 ")
	require.Contains(t, log, "-d SN1 -s ")
	require.Contains(t, log, "-d SN1 --dl")
	require.Contains(t, log, "-d SN2 -t tl")
	require.NotContains(t, log, "-d SN2 -s ")
}

func TestDongleGenerator_RejectsCurve(t *testing.T) {
	gen := NewDongleGenerator(dongle.New(dongle.Config{Path: "/nonexistent"}), nil, nil)
	_, err := gen.Generate(context.Background(), keys.Auth, Options{ECType: keys.ED25519})
	require.True(t, errors.Is(err, ErrUnsupportedCurve))
}

func TestNormalizePublicKey(t *testing.T) {
	tiny := make([]byte, 64)
	got := normalizePublicKey(keys.SECP256R1, tiny)
	require.Len(t, got, 65)
	require.Equal(t, byte(0x04), got[0])

	full := append([]byte{0x04}, tiny...)
	require.Equal(t, full, normalizePublicKey(keys.SECP256R1, full))
	require.True(t, strings.HasPrefix(string(normalizePublicKey(keys.ED25519, tiny[:32])), string(tiny[:32])))
}
