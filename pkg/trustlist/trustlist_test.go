package trustlist

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/VirgilSecurity/trust-provisioner/pkg/keygen"
	"github.com/VirgilSecurity/trust-provisioner/pkg/keys"
)

type fixture struct {
	auth    keygen.Key
	tl      keygen.Key
	entries []Entry
}

func newFixture(t *testing.T, signerCurve keys.ECType) fixture {
	t.Helper()
	ctx := context.Background()
	gen := keygen.NewSoftwareGenerator(nil)

	auth, err := gen.Generate(ctx, keys.Auth, keygen.Options{ECType: signerCurve})
	require.NoError(t, err)
	tl, err := gen.Generate(ctx, keys.TrustListService, keygen.Options{ECType: signerCurve})
	require.NoError(t, err)

	factory, err := gen.Generate(ctx, keys.Factory, keygen.Options{StartDate: 100, ExpirationDate: 5000})
	require.NoError(t, err)
	cloud, err := gen.Generate(ctx, keys.Cloud, keygen.Options{MetaData: []byte("https://api.example.com")})
	require.NoError(t, err)

	return fixture{
		auth: auth,
		tl:   tl,
		entries: []Entry{
			EntryFromRecord(factory.Record()),
			EntryFromRecord(cloud.Record()),
		},
	}
}

func (f fixture) signers() []Signer {
	return []Signer{f.auth, f.tl}
}

func TestBuildVerify_RoundTrip(t *testing.T) {
	tests := []struct {
		format    Format
		curve     keys.ECType
		version   Version
		bodyStart int
	}{
		{format: Structured, curve: keys.SECP256R1, version: Version{Major: 1, Minor: 2, Patch: 3, Build: 4, Timestamp: 99}, bodyStart: structuredHeaderSize},
		{format: Structured, curve: keys.SECP384R1, version: Version{Build: 1}, bodyStart: structuredHeaderSize},
		{format: Structured, curve: keys.ED25519, version: Version{Build: 1}, bodyStart: structuredHeaderSize},
		{format: Structured, curve: keys.SECP256K1, version: Version{Build: 1}, bodyStart: structuredHeaderSize},
		{format: Legacy, curve: keys.SECP256R1, version: Version{Build: 7}, bodyStart: legacyHeaderSize},
		{format: Legacy, curve: keys.ED25519, version: Version{Build: 7}, bodyStart: legacyHeaderSize},
	}

	for _, tt := range tests {
		t.Run(string(tt.format)+"/"+tt.curve.String(), func(t *testing.T) {
			f := newFixture(t, tt.curve)
			codec, err := NewCodec(tt.format)
			require.NoError(t, err)

			built, data, err := Build(context.Background(), codec, Release, tt.version, f.entries, f.signers())
			require.NoError(t, err)
			require.Len(t, built.Signatures, 2)

			decoded, err := Verify(codec, data, [][]byte{f.auth.PublicKey(), f.tl.PublicKey()})
			require.NoError(t, err)
			require.Equal(t, Release, decoded.Type)
			require.Equal(t, 0, decoded.Version.Compare(tt.version))
			require.Len(t, decoded.Keys, 2)
			for i, e := range decoded.Keys {
				require.Equal(t, f.entries[i].PublicKey, e.PublicKey)
				require.Equal(t, f.entries[i].KeyType, e.KeyType)
				require.Equal(t, f.entries[i].StartDate, e.StartDate)
			}
			require.Equal(t, keys.Auth, decoded.Signatures[0].SignerType)
			require.Equal(t, keys.TrustListService, decoded.Signatures[1].SignerType)
			require.Equal(t, f.tl.PublicKey(), decoded.Signatures[1].PublicKey)

			again, err := codec.Encode(decoded)
			if tt.format == Structured {
				require.NoError(t, err)
				require.Equal(t, data, again)
			}

			// One flipped body byte breaks both signatures.
			flipped := append([]byte(nil), data...)
			flipped[tt.bodyStart] ^= 0x01
			_, err = Verify(codec, flipped, nil)
			require.ErrorIs(t, err, keygen.ErrInvalidSignature)
		})
	}
}

func TestLegacy_DropsMetaAndPrefix(t *testing.T) {
	f := newFixture(t, keys.SECP256R1)
	codec, err := NewCodec(Legacy)
	require.NoError(t, err)

	_, data, err := Build(context.Background(), codec, Dev, Version{Build: 1}, f.entries, f.signers())
	require.NoError(t, err)

	entry := 4 + 4 + 2 + 2 + 64
	footer := 1 + 2*(3+64+64)
	require.Len(t, data, legacyHeaderSize+2*entry+footer)
	require.Equal(t, uint32(len(data)), binary.LittleEndian.Uint32(data[0:4]))
	require.Equal(t, uint16(1), binary.LittleEndian.Uint16(data[4:6]))
	require.Equal(t, uint16(2), binary.LittleEndian.Uint16(data[6:8]))
	require.Equal(t, byte(2), data[8])
	require.Equal(t, byte(Dev), data[legacyHeaderSize+2*entry])

	decoded, err := Verify(codec, data, nil)
	require.NoError(t, err)
	require.Nil(t, decoded.Keys[1].MetaData)
	require.Equal(t, byte(0x04), decoded.Keys[0].PublicKey[0])

	_, _, err = Build(context.Background(), codec, Dev, Version{Major: 1}, f.entries, f.signers())
	require.Error(t, err)
}

func TestStructured_DevListLayout(t *testing.T) {
	f := newFixture(t, keys.SECP256R1)
	codec, err := NewCodec(Structured)
	require.NoError(t, err)

	_, data, err := Build(context.Background(), codec, Dev, Version{Build: 1}, f.entries, f.signers())
	require.NoError(t, err)

	require.Equal(t, uint32(len(data)), binary.BigEndian.Uint32(data[0:4]))
	require.Equal(t, []byte{0, 0, 0}, data[4:7])
	require.Equal(t, uint32(1), binary.BigEndian.Uint32(data[7:11]))
	require.Equal(t, uint16(2), binary.BigEndian.Uint16(data[15:17]))
	require.Equal(t, byte(2), data[17])

	body := 2*(12+65) + len(f.entries[1].MetaData)
	require.Equal(t, byte(Dev), data[structuredHeaderSize+body])
	require.Len(t, data, structuredHeaderSize+body+1+2*(3+64+65))
}

func TestDecode_Rejects(t *testing.T) {
	f := newFixture(t, keys.SECP256R1)
	codec, err := NewCodec(Structured)
	require.NoError(t, err)
	_, data, err := Build(context.Background(), codec, Release, Version{Build: 1}, f.entries, f.signers())
	require.NoError(t, err)

	withSize := func(b []byte) []byte {
		binary.BigEndian.PutUint32(b[0:4], uint32(len(b)))
		return b
	}

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "truncated", data: data[:len(data)-1]},
		{name: "trailing bytes", data: withSize(append(append([]byte(nil), data...), 0))},
		{name: "size mismatch", data: append(append([]byte(nil), data...), 0)},
		{name: "unknown key type", data: func() []byte {
			b := append([]byte(nil), data...)
			b[structuredHeaderSize+8] = 0x7f
			return b
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Decode(tt.data)
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestBuild_SignerOrder(t *testing.T) {
	f := newFixture(t, keys.SECP256R1)
	codec, err := NewCodec(Structured)
	require.NoError(t, err)

	_, _, err = Build(context.Background(), codec, Release, Version{Build: 1}, f.entries, []Signer{f.tl, f.auth})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestVerify_UntrustedSigner(t *testing.T) {
	f := newFixture(t, keys.SECP256R1)
	codec, err := NewCodec(Structured)
	require.NoError(t, err)
	_, data, err := Build(context.Background(), codec, Release, Version{Build: 1}, f.entries, f.signers())
	require.NoError(t, err)

	_, err = Verify(codec, data, [][]byte{f.auth.PublicKey()})
	require.Error(t, err)
}

func TestVersion(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr error
	}{
		{in: "0.0.0.0", want: "0.0.0.1"},
		{in: "1.2.3.4294967294", want: "1.2.3.4294967295"},
		{in: "1.2.3.4294967295", want: "1.2.4.0"},
		{in: "1.2.255.4294967295", want: "1.3.0.0"},
		{in: "1.255.255.4294967295", want: "2.0.0.0"},
		{in: "255.255.255.4294967295", wantErr: ErrVersionOverflow},
	}
	codec, err := NewCodec(Structured)
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			v, err := ParseVersion(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.in, v.String())

			next, err := codec.NextVersion(v)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, next.String())
			require.Equal(t, 1, next.Compare(v))
		})
	}
}

func TestVersion_Legacy(t *testing.T) {
	codec, err := NewCodec(Legacy)
	require.NoError(t, err)

	next, err := codec.NextVersion(Version{Build: 41})
	require.NoError(t, err)
	require.Equal(t, "0.0.0.42", next.String())

	_, err = codec.NextVersion(Version{Build: 65535})
	require.True(t, errors.Is(err, ErrVersionOverflow))

	_, err = codec.NextVersion(Version{Minor: 1})
	require.Error(t, err)

	require.NoError(t, codec.CheckVersion(Version{Build: 65535}))
	require.Error(t, codec.CheckVersion(Version{Major: 1}))
	require.Error(t, codec.CheckVersion(Version{Build: 65536}))

	structured, err := NewCodec(Structured)
	require.NoError(t, err)
	require.NoError(t, structured.CheckVersion(Version{Major: 1, Build: 65536}))
}

func TestParseVersion_Invalid(t *testing.T) {
	for _, s := range []string{"", "1.2.3", "256.0.0.0", "1.2.3.4294967296", "a.b.c.d", "1.2.3.4.5"} {
		_, err := ParseVersion(s)
		require.Error(t, err, s)
	}
}

func TestParseTypeAndFormat(t *testing.T) {
	tt, err := ParseType("DEV")
	require.NoError(t, err)
	require.Equal(t, Dev, tt)
	_, err = ParseType("nightly")
	require.Error(t, err)

	f, err := ParseFormat("legacy")
	require.NoError(t, err)
	require.Equal(t, Legacy, f)
	_, err = ParseFormat("soraa")
	require.Error(t, err)
}

func TestTypeClass(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		tlType Type
		want   Class
	}{
		{Release, ClassRelease},
		{Beta, ClassRelease},
		{Alpha, ClassRelease},
		{Dev, ClassDev},
	}
	for _, tt := range tests {
		t.Run(tt.tlType.String(), func(t *testing.T) {
			require.Equal(t, tt.want, tt.tlType.Class())

			path, err := WriteFile(root, tt.tlType, []byte(tt.tlType.String()))
			require.NoError(t, err)
			require.Equal(t, ClassDir(root, tt.tlType), filepath.Dir(path))
			require.Equal(t, string(tt.want), filepath.Base(filepath.Dir(path)))
		})
	}
}

func TestWriteFileLatest(t *testing.T) {
	root := t.TempDir()

	_, err := Latest(root)
	require.ErrorIs(t, err, os.ErrNotExist)

	older, err := WriteFile(root, Release, []byte("release list"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "trust_lists", "release", FileName([]byte("release list"))), older)

	newer, err := WriteFile(root, Dev, []byte("dev list"))
	require.NoError(t, err)
	require.Contains(t, newer, filepath.Join("trust_lists", "dev", "TrustList_"))

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))

	latest, err := Latest(root)
	require.NoError(t, err)
	require.Equal(t, newer, latest)
}

func TestEncodeKeyFile(t *testing.T) {
	ctx := context.Background()
	gen := keygen.NewSoftwareGenerator(nil)
	recovery, err := gen.Generate(ctx, keys.Recovery, keygen.Options{Comment: "1"})
	require.NoError(t, err)
	auth, err := gen.Generate(ctx, keys.Auth, keygen.Options{Signer: recovery, MetaData: []byte("m")})
	require.NoError(t, err)

	plain, err := EncodeKeyFile(recovery.Record(), nil)
	require.NoError(t, err)
	require.Len(t, plain, 12+keys.SECP256R1.PublicKeySize())
	require.Equal(t, recovery.PublicKey(), plain[12:])

	signed, err := EncodeKeyFile(auth.Record(), recovery.Record())
	require.NoError(t, err)
	entryLen := 12 + 1 + keys.SECP256R1.PublicKeySize()
	require.Len(t, signed, entryLen+3+64+65)
	require.Equal(t, byte('m'), signed[12])
	block := signed[entryLen:]
	require.Equal(t, keys.Recovery.Wire(), block[0])
	require.Equal(t, keys.SECP256R1.Wire(), block[1])
	require.Equal(t, auth.Signature(), block[3:67])
	require.Equal(t, recovery.PublicKey(), block[67:])

	dated, err := auth.Record().DatedBytes()
	require.NoError(t, err)
	require.Equal(t, dated, signed[:entryLen])

	other, err := gen.Generate(ctx, keys.Recovery, keygen.Options{Comment: "2"})
	require.NoError(t, err)
	_, err = EncodeKeyFile(auth.Record(), other.Record())
	require.Error(t, err)
}
