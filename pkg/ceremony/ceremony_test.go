package ceremony

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ava-labs/avalanchego/utils/timer/mockable"
	"github.com/stretchr/testify/require"

	"github.com/VirgilSecurity/trust-provisioner/pkg/cards"
	"github.com/VirgilSecurity/trust-provisioner/pkg/hierarchy"
	"github.com/VirgilSecurity/trust-provisioner/pkg/keygen"
	"github.com/VirgilSecurity/trust-provisioner/pkg/keys"
	"github.com/VirgilSecurity/trust-provisioner/pkg/keystore"
	"github.com/VirgilSecurity/trust-provisioner/pkg/trustlist"
)

// scriptedPrompter answers from per-kind queues. An empty queue means:
// Choose hits end of input, Confirm says no, Input gives an empty answer
// and Date fails.
type scriptedPrompter struct {
	choices  []int
	confirms []bool
	inputs   []string
	dates    []string

	prints   []string
	warnings []string
	errors   []string
	tables   []string
}

var _ Prompter = (*scriptedPrompter)(nil)

func (p *scriptedPrompter) Choose(_ string, options []string) (int, error) {
	if len(p.choices) == 0 {
		return 0, io.EOF
	}
	i := p.choices[0]
	p.choices = p.choices[1:]
	if i < 0 || i >= len(options) {
		return 0, fmt.Errorf("scripted choice %d out of %d options", i, len(options))
	}
	return i, nil
}

func (p *scriptedPrompter) Confirm(string) (bool, error) {
	if len(p.confirms) == 0 {
		return false, nil
	}
	ok := p.confirms[0]
	p.confirms = p.confirms[1:]
	return ok, nil
}

func (p *scriptedPrompter) Input(_ string, check func(string) error, allowEmpty bool) (string, error) {
	for {
		answer := ""
		if len(p.inputs) > 0 {
			answer = p.inputs[0]
			p.inputs = p.inputs[1:]
		}
		if answer == "" {
			if allowEmpty {
				return "", nil
			}
			return "", ErrCancelled
		}
		if check != nil {
			if err := check(answer); err != nil {
				p.errors = append(p.errors, err.Error())
				continue
			}
		}
		return answer, nil
	}
}

func (p *scriptedPrompter) Date(prompt string, required bool) (uint32, error) {
	if len(p.dates) == 0 {
		return 0, fmt.Errorf("no scripted date for %q", prompt)
	}
	d := p.dates[0]
	p.dates = p.dates[1:]
	return keys.ParseDate(d)
}

func (p *scriptedPrompter) Print(format string, args ...any) {
	p.prints = append(p.prints, fmt.Sprintf(format, args...))
}

func (p *scriptedPrompter) Warn(format string, args ...any) {
	p.warnings = append(p.warnings, fmt.Sprintf(format, args...))
}

func (p *scriptedPrompter) Error(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *scriptedPrompter) Table(title string, _ []string, rows [][]string) {
	p.tables = append(p.tables, fmt.Sprintf("%s:%d", title, len(rows)))
}

type recordingRegistrar struct {
	infos []cards.KeyInfo
	err   error
}

func (r *recordingRegistrar) Register(_ context.Context, _ keygen.Key, info cards.KeyInfo) error {
	r.infos = append(r.infos, info)
	return r.err
}

type fakeCloud struct {
	pub      []byte
	inits    int
	fetches  int
	fetchErr error
}

func (c *fakeCloud) InitCloudKey(context.Context) error {
	c.inits++
	return nil
}

func (c *fakeCloud) FetchCloudKey(context.Context) (*cards.CloudKey, error) {
	c.fetches++
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	return &cards.CloudKey{PublicKey: c.pub}, nil
}

func (*fakeCloud) URL() string { return "https://api.example.test" }

func newFakeCloud(t *testing.T) *fakeCloud {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &fakeCloud{pub: priv.PublicKey().Bytes()}
}

type fixture struct {
	o         *Orchestrator
	p         *scriptedPrompter
	store     *keystore.Store
	registrar *recordingRegistrar
	dir       string
}

func newFixture(t *testing.T, skipConfirm bool, mutate func(*Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := keystore.Open(dir, nil)
	require.NoError(t, err)
	codec, err := trustlist.NewCodec(trustlist.Structured)
	require.NoError(t, err)

	clock := &mockable.Clock{}
	clock.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	f := &fixture{
		p:         &scriptedPrompter{},
		store:     store,
		registrar: &recordingRegistrar{},
		dir:       dir,
	}
	cfg := Config{
		Generator:   keygen.NewSoftwareGenerator(clock),
		Store:       store,
		Registrar:   f.registrar,
		Codec:       codec,
		Prompter:    f.p,
		Clock:       clock,
		SkipConfirm: skipConfirm,
		FactoryInfo: json.RawMessage(`{"factory":"acme"}`),
		OutputDir:   dir,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.o, err = New(cfg)
	require.NoError(t, err)
	return f
}

// bootstrap runs an unattended initial generation.
func (f *fixture) bootstrap(t *testing.T) {
	t.Helper()
	f.p.dates = append(f.p.dates, "2024-01-01", "2030-01-01")
	require.NoError(t, f.o.InitialGeneration(context.Background()))
}

func commandIndex(t *testing.T, o *Orchestrator, prefix string) int {
	t.Helper()
	for i, c := range o.Commands() {
		if strings.HasPrefix(c.Name, prefix) {
			return i
		}
	}
	t.Fatalf("no command starting with %q", prefix)
	return -1
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no generator", func(c *Config) { c.Generator = nil }},
		{"no store", func(c *Config) { c.Store = nil }},
		{"no codec", func(c *Config) { c.Codec = nil }},
		{"no prompter", func(c *Config) { c.Prompter = nil }},
		{"no output dir", func(c *Config) { c.OutputDir = "" }},
		{"bad factory info", func(c *Config) { c.FactoryInfo = json.RawMessage(`{`) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := keystore.Open(t.TempDir(), nil)
			require.NoError(t, err)
			codec, err := trustlist.NewCodec(trustlist.Legacy)
			require.NoError(t, err)
			cfg := Config{
				Generator: keygen.NewSoftwareGenerator(nil),
				Store:     store,
				Codec:     codec,
				Prompter:  &scriptedPrompter{},
				OutputDir: t.TempDir(),
			}
			tt.mutate(&cfg)
			_, err = New(cfg)
			require.Error(t, err)
		})
	}
}

func TestInitialGeneration(t *testing.T) {
	f := newFixture(t, true, nil)

	state, err := f.o.State()
	require.NoError(t, err)
	require.Equal(t, Empty, state)

	f.bootstrap(t)

	state, err = f.o.State()
	require.NoError(t, err)
	require.Equal(t, Bootstrapped, state)

	for _, kt := range keys.UpperLevelTypes {
		recs, err := f.store.PublicRecords(kt)
		require.NoError(t, err)
		require.Len(t, recs, hierarchy.RedundantCount, kt.DisplayName())
		for _, rec := range recs {
			require.Nil(t, rec.PrivateKey, "public table must not hold private keys")
			priv, err := f.store.PrivateRecord(kt, rec.ID)
			require.NoError(t, err)
			require.NotEmpty(t, priv.PrivateKey)
		}
	}

	recovery, err := f.store.PublicRecords(keys.Recovery)
	require.NoError(t, err)
	comments := []string{recovery[0].Comment, recovery[1].Comment}
	require.ElementsMatch(t, []string{"1", "2"}, comments)

	factory, err := f.store.PublicRecords(keys.Factory)
	require.NoError(t, err)
	require.Len(t, factory, 1)
	require.Equal(t, uint32(math.MaxUint32), factory[0].SignatureLimit)
	require.Equal(t, "2024-01-01", keys.FormatTimestamp(factory[0].StartDate))
	require.Equal(t, "2030-01-01", keys.FormatTimestamp(factory[0].ExpirationDate))

	require.Len(t, f.registrar.infos, 9)
	last := f.registrar.infos[8]
	require.Equal(t, keys.Factory.Wire(), last.KeyType)
	require.JSONEq(t, `{"factory":"acme"}`, string(last.FactoryInfo))
	require.Empty(t, f.registrar.infos[0].FactoryInfo)
}

func TestInitialGeneration_WithCloud(t *testing.T) {
	cloud := newFakeCloud(t)
	f := newFixture(t, true, func(c *Config) { c.Cloud = cloud })
	f.bootstrap(t)

	require.Equal(t, 1, cloud.inits)
	recs, err := f.store.PublicRecords(keys.Cloud)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, cloud.pub, recs[0].PublicKey)
	require.Equal(t, "https://api.example.test", string(recs[0].MetaData))
}

func TestInitialGeneration_ThirdKeyIsFatal(t *testing.T) {
	f := newFixture(t, true, nil)
	f.bootstrap(t)

	for _, kt := range keys.UpperLevelTypes {
		_, err := f.o.generateKey(context.Background(), kt)
		var fe *FatalError
		require.ErrorAs(t, err, &fe, kt.DisplayName())
		require.ErrorIs(t, err, hierarchy.ErrKeyLimitExceeded)
	}
}

func TestInitialGeneration_DropExisting(t *testing.T) {
	f := newFixture(t, true, nil)
	f.bootstrap(t)
	before, err := f.store.AllPublic()
	require.NoError(t, err)

	t.Run("declined", func(t *testing.T) {
		g := newFixture(t, false, func(c *Config) { c.Store = f.store })
		g.p.confirms = []bool{false}
		err := g.o.InitialGeneration(context.Background())
		require.ErrorIs(t, err, ErrCancelled)

		after, err := f.store.AllPublic()
		require.NoError(t, err)
		require.Equal(t, len(before), len(after))
	})

	t.Run("accepted", func(t *testing.T) {
		f.bootstrap(t)
		after, err := f.store.AllPublic()
		require.NoError(t, err)
		require.Len(t, after, len(before))
		for _, rec := range after {
			for _, old := range before {
				require.NotEqual(t, old.ID, rec.ID, "old infrastructure survived the drop")
			}
		}
	})
}

func TestRecoverySignsAuth(t *testing.T) {
	f := newFixture(t, false, nil)
	ctx := context.Background()

	// Recovery keys take no signer; dates are declined by default.
	for i := 0; i < 2; i++ {
		_, err := f.o.generateKey(ctx, keys.Recovery)
		require.NoError(t, err)
	}
	recovery, err := f.store.PublicRecords(keys.Recovery)
	require.NoError(t, err)

	f.p.choices = []int{1}
	auth, err := f.o.generateKey(ctx, keys.Auth)
	require.NoError(t, err)

	rec := auth.Record()
	require.Equal(t, recovery[1].ID, rec.SignerKeyID)
	require.NoError(t, hierarchy.VerifyRecord(rec, recovery[1]))
	require.Error(t, hierarchy.VerifyRecord(rec, recovery[0]))

	data, err := rec.DatedBytes()
	require.NoError(t, err)
	require.NoError(t, keygen.VerifySignature(recovery[1].ECType, rec.SignerHashType, recovery[1].PublicKey, data, rec.Signature))
	data[len(data)-1] ^= 0x01
	require.Error(t, keygen.VerifySignature(recovery[1].ECType, rec.SignerHashType, recovery[1].PublicKey, data, rec.Signature))

	state, err := f.o.State()
	require.NoError(t, err)
	require.Equal(t, PartiallyBootstrapped, state)
}

func TestGenerateKey_NoSigner(t *testing.T) {
	f := newFixture(t, true, nil)
	_, err := f.o.generateKey(context.Background(), keys.Firmware)
	require.ErrorIs(t, err, hierarchy.ErrNoSigner)
	var fe *FatalError
	require.False(t, errors.As(err, &fe))
}

func TestGenerateKey_RecoveryComment(t *testing.T) {
	f := newFixture(t, false, nil)
	f.p.inputs = []string{"3", "2"}
	key, err := f.o.generateKey(context.Background(), keys.Recovery)
	require.NoError(t, err)
	require.Equal(t, "2", key.Record().Comment)
	require.Len(t, f.p.errors, 1)

	f.p.inputs = []string{"2", "1"}
	key, err = f.o.generateKey(context.Background(), keys.Recovery)
	require.NoError(t, err)
	require.Equal(t, "1", key.Record().Comment)
}

func TestGenerateKey_Dates(t *testing.T) {
	f := newFixture(t, false, nil)
	f.p.confirms = []bool{true, true}
	f.p.dates = []string{"2025-01-01", "2024-01-01", "2026-01-01"}
	f.p.inputs = []string{"internal"}

	key, err := f.o.GenerateInternalKey(context.Background(), keys.AuthInternal)
	require.NoError(t, err)
	rec := key.Record()
	require.Equal(t, "internal", rec.Comment)
	require.Equal(t, "2025-01-01", keys.FormatTimestamp(rec.StartDate))
	require.Equal(t, "2026-01-01", keys.FormatTimestamp(rec.ExpirationDate))
	require.Len(t, f.p.errors, 1, "expiration before start is re-asked")

	_, err = f.o.GenerateInternalKey(context.Background(), keys.Auth)
	require.Error(t, err)
}

func TestGenerateKey_CardFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, true, nil)
	f.registrar.err = &cards.StatusError{Method: "POST", URL: "https://api.example.test/things/card/key", StatusCode: 500}

	key, err := f.o.generateKey(context.Background(), keys.Recovery)
	require.NoError(t, err)
	require.Len(t, f.p.warnings, 1)
	require.Contains(t, f.p.warnings[0], "Card registration")

	recs, err := f.store.PublicRecords(keys.Recovery)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, key.ID(), recs[0].ID)
}

func TestGenerateFactoryKey_SignatureLimit(t *testing.T) {
	f := newFixture(t, true, nil)
	f.p.inputs = []string{"0", "abc", "100"}
	f.p.dates = []string{"2024-01-01", "2030-01-01"}

	key, err := f.o.GenerateFactoryKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint32(100), key.Record().SignatureLimit)
	require.Len(t, f.p.errors, 2)
}

func TestRegenerateKeys(t *testing.T) {
	f := newFixture(t, true, nil)
	f.bootstrap(t)
	before, err := f.store.PublicRecords(keys.Auth)
	require.NoError(t, err)

	require.NoError(t, f.o.RegenerateKeys(context.Background(), keys.Auth))

	after, err := f.store.PublicRecords(keys.Auth)
	require.NoError(t, err)
	require.Len(t, after, hierarchy.RedundantCount)
	for _, old := range before {
		_, err := f.store.PrivateRecord(keys.Auth, old.ID)
		require.Error(t, err, "old private record survived")
	}

	require.Error(t, f.o.RegenerateKeys(context.Background(), keys.Factory))

	g := newFixture(t, false, func(c *Config) { c.Store = f.store })
	g.p.confirms = []bool{false}
	require.ErrorIs(t, g.o.RegenerateKeys(context.Background(), keys.Auth), ErrCancelled)
}

func TestDeleteFactoryKey(t *testing.T) {
	f := newFixture(t, true, nil)
	require.Error(t, f.o.DeleteFactoryKey(context.Background()))

	f.p.dates = []string{"2024-01-01", "2030-01-01"}
	key, err := f.o.GenerateFactoryKey(context.Background())
	require.NoError(t, err)

	f.p.choices = []int{0}
	require.NoError(t, f.o.DeleteFactoryKey(context.Background()))

	recs, err := f.store.PublicRecords(keys.Factory)
	require.NoError(t, err)
	require.Empty(t, recs)
	_, err = f.store.PrivateRecord(keys.Factory, key.ID())
	require.Error(t, err)
}

func TestReceiveCloudKey_Disabled(t *testing.T) {
	f := newFixture(t, true, nil)
	require.ErrorIs(t, f.o.ReceiveCloudKey(context.Background()), ErrCardServiceDisabled)
}

func TestAddPublicKey(t *testing.T) {
	f := newFixture(t, true, nil)
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	pub := priv.PublicKey().Bytes()
	tiny := base64.StdEncoding.EncodeToString(pub[1:])

	bogus := make([]byte, 65)
	bogus[0] = 0x04
	f.p.inputs = []string{"%%%", base64.StdEncoding.EncodeToString(bogus), tiny, "line 3"}
	require.NoError(t, f.o.AddPublicKey(context.Background()))
	require.Len(t, f.p.errors, 2)

	rec, ok, err := f.store.Table(keystore.TrustListPubKeys).Get(keys.ComputeKeyID(pub))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pub, rec.PublicKey)
	require.Equal(t, keys.Factory, rec.Type)
	require.Equal(t, "line 3", rec.Comment)

	f.p.inputs = []string{tiny}
	require.Error(t, f.o.AddPublicKey(context.Background()), "duplicate key")

	f.p.inputs = nil
	require.ErrorIs(t, f.o.AddPublicKey(context.Background()), ErrCancelled)
}

// devListFixture holds the signers plus exactly one Factory and one Cloud
// key, so a dev list carries two entries.
func devListFixture(t *testing.T) *fixture {
	t.Helper()
	return devListFixtureWith(t, nil)
}

func devListFixtureWith(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	cloud := newFakeCloud(t)
	f := newFixture(t, true, func(c *Config) {
		c.Cloud = cloud
		if mutate != nil {
			mutate(c)
		}
	})
	ctx := context.Background()
	for _, kt := range []keys.KeyType{keys.Recovery, keys.Auth, keys.TrustListService} {
		require.NoError(t, f.o.RegenerateKeys(ctx, kt))
	}
	f.p.dates = []string{"2024-01-01", "2030-01-01"}
	_, err := f.o.GenerateFactoryKey(ctx)
	require.NoError(t, err)
	require.NoError(t, f.o.ReceiveCloudKey(ctx))
	return f
}

func TestGenerateTrustList_Dev(t *testing.T) {
	f := devListFixture(t)

	path, err := f.o.GenerateTrustList(context.Background(), trustlist.Dev)
	require.NoError(t, err)
	require.Equal(t, "dev", filepath.Base(filepath.Dir(path)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tl, err := trustlist.Verify(f.o.codec, data, nil)
	require.NoError(t, err)
	require.Equal(t, trustlist.Dev, tl.Type)
	require.Len(t, tl.Keys, 2)
	require.Equal(t, keys.Factory, tl.Keys[0].KeyType)
	require.Equal(t, keys.Cloud, tl.Keys[1].KeyType)
	require.Equal(t, "0.0.0.1", tl.Version.String())
	require.Len(t, tl.Signatures, 2)
	require.Equal(t, keys.Auth, tl.Signatures[0].SignerType)
	require.Equal(t, keys.TrustListService, tl.Signatures[1].SignerType)

	dev, err := f.store.Versions().Get(keystore.DevVersion)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.1", dev)
	release, err := f.store.Versions().Get(keystore.ReleaseVersion)
	require.NoError(t, err)
	require.Equal(t, keystore.UnsetVersion, release)
}

func TestGenerateTrustList_BetaSharesReleaseClass(t *testing.T) {
	f := devListFixture(t)

	path, err := f.o.GenerateTrustList(context.Background(), trustlist.Beta)
	require.NoError(t, err)
	require.Equal(t, trustlist.ClassDir(f.dir, trustlist.Beta), filepath.Dir(path))
	require.Equal(t, "release", filepath.Base(filepath.Dir(path)))

	release, err := f.store.Versions().Get(keystore.ReleaseVersion)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.1", release)
	dev, err := f.store.Versions().Get(keystore.DevVersion)
	require.NoError(t, err)
	require.Equal(t, keystore.UnsetVersion, dev)

	path, err = f.o.GenerateTrustList(context.Background(), trustlist.Alpha)
	require.NoError(t, err)
	require.Equal(t, "release", filepath.Base(filepath.Dir(path)))
	release, err = f.store.Versions().Get(keystore.ReleaseVersion)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.2", release)
}

func TestGenerateTrustList_LegacyReasksWideVersion(t *testing.T) {
	f := devListFixtureWith(t, func(c *Config) {
		codec, err := trustlist.NewCodec(trustlist.Legacy)
		require.NoError(t, err)
		c.Codec = codec
	})
	f.p.inputs = []string{"1.0.0.0", "0.0.0.5"}

	path, err := f.o.GenerateTrustList(context.Background(), trustlist.Dev)
	require.NoError(t, err)
	require.Empty(t, f.p.inputs)
	require.Len(t, f.p.errors, 1)
	require.Contains(t, f.p.errors[0], "legacy")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tl, err := trustlist.Verify(f.o.codec, data, nil)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.5", tl.Version.String())
}

func TestGenerateTrustList_RefreshesCloudKey(t *testing.T) {
	f := devListFixture(t)
	cloud := f.o.cloud.(*fakeCloud)
	fetches := cloud.fetches
	rotated := newFakeCloud(t).pub
	cloud.pub = rotated

	path, err := f.o.GenerateTrustList(context.Background(), trustlist.Dev)
	require.NoError(t, err)
	require.Equal(t, fetches+1, cloud.fetches)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tl, err := trustlist.Verify(f.o.codec, data, nil)
	require.NoError(t, err)
	var ids []keys.KeyID
	for _, e := range tl.Keys {
		ids = append(ids, e.KeyID())
	}
	require.Contains(t, ids, keys.ComputeKeyID(rotated))
}

func TestGenerateTrustList_CloudKeyFailureWarns(t *testing.T) {
	f := devListFixture(t)
	f.o.cloud.(*fakeCloud).fetchErr = errors.New("service unavailable")

	path, err := f.o.GenerateTrustList(context.Background(), trustlist.Dev)
	require.NoError(t, err)
	require.FileExists(t, path)
	require.Contains(t, strings.Join(f.p.warnings, "\n"), "service unavailable")
}

func TestGenerateTrustList_VersionMustIncrease(t *testing.T) {
	f := devListFixture(t)
	ctx := context.Background()
	f.p.inputs = []string{"0.0.1.0"}
	_, err := f.o.GenerateTrustList(ctx, trustlist.Dev)
	require.NoError(t, err)

	f.p.inputs = []string{"0.0.0.9"}
	_, err = f.o.GenerateTrustList(ctx, trustlist.Dev)
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	require.ErrorIs(t, err, ErrVersionNotIncreasing)

	dev, err := f.store.Versions().Get(keystore.DevVersion)
	require.NoError(t, err)
	require.Equal(t, "0.0.1.0", dev)
}

func TestGenerateTrustList_Cancelled(t *testing.T) {
	f := devListFixture(t)
	g := newFixture(t, false, func(c *Config) {
		c.Store = f.store
		c.OutputDir = f.dir
	})
	g.p.confirms = []bool{false}

	_, err := g.o.GenerateTrustList(context.Background(), trustlist.Dev)
	require.ErrorIs(t, err, ErrCancelled)

	_, err = trustlist.Latest(f.dir)
	require.Error(t, err)
	dev, err := f.store.Versions().Get(keystore.DevVersion)
	require.NoError(t, err)
	require.Equal(t, keystore.UnsetVersion, dev)
}

func TestGenerateTrustList_NoEligibleKeys(t *testing.T) {
	f := newFixture(t, true, nil)
	_, err := f.o.GenerateTrustList(context.Background(), trustlist.Release)
	require.Error(t, err)
	var fe *FatalError
	require.False(t, errors.As(err, &fe))
}

func TestExports(t *testing.T) {
	f := newFixture(t, true, nil)
	f.bootstrap(t)

	pubDir := filepath.Join(f.dir, "pubkeys")
	paths, err := f.o.ExportUpperLevelPublicKeys(pubDir)
	require.NoError(t, err)
	require.Len(t, paths, 4*hierarchy.RedundantCount)

	upper, err := f.store.Table(keystore.UpperLevelKeys).GetAll()
	require.NoError(t, err)
	for _, rec := range upper {
		data, err := os.ReadFile(filepath.Join(pubDir, rec.FileName()+".pub"))
		require.NoError(t, err)
		entry, err := rec.DatedBytes()
		require.NoError(t, err)
		if rec.Type == keys.Recovery {
			require.Equal(t, entry, data)
			continue
		}
		require.Equal(t, entry, data[:len(entry)])
		signer := upper[rec.SignerKeyID]
		require.Len(t, data, len(entry)+3+len(rec.Signature)+len(signer.PublicKey))
	}

	privPaths, err := f.o.ExportPrivateKeys()
	require.NoError(t, err)
	require.Len(t, privPaths, 4*hierarchy.RedundantCount+1)

	factory, err := f.store.PublicRecords(keys.Factory)
	require.NoError(t, err)
	priv, err := f.store.PrivateRecord(keys.Factory, factory[0].ID)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(f.dir, "private", priv.FileName()+".key"))
	require.NoError(t, err)
	require.Equal(t, priv.PrivateKey, data)
}

func TestCreateProvisionPack(t *testing.T) {
	f := newFixture(t, true, nil)
	f.bootstrap(t)

	_, err := f.o.CreateProvisionPack()
	require.Error(t, err, "no trust list yet")

	tlPath, err := f.o.GenerateTrustList(context.Background(), trustlist.Release)
	require.NoError(t, err)

	dir, err := f.o.CreateProvisionPack()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(f.dir, "provision-pack"), dir)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	counts := make(map[string]int)
	for _, e := range entries {
		counts[filepath.Ext(e.Name())]++
	}
	require.Equal(t, 1, counts[".key"])
	require.Equal(t, 4*hierarchy.RedundantCount, counts[".pub"])
	require.Equal(t, 1, counts[".tl"])

	want, err := os.ReadFile(tlPath)
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(dir, filepath.Base(tlPath)))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestPrintPublicKeys(t *testing.T) {
	f := newFixture(t, true, nil)
	f.bootstrap(t)
	require.NoError(t, f.o.PrintPublicKeys(context.Background()))
	require.Equal(t, []string{
		string(keystore.UpperLevelKeys) + ":" + strconv.Itoa(4*hierarchy.RedundantCount),
		string(keystore.TrustListPubKeys) + ":1",
	}, f.p.tables)
}

func TestRun(t *testing.T) {
	t.Run("exit", func(t *testing.T) {
		f := newFixture(t, true, nil)
		f.p.choices = []int{commandIndex(t, f.o, "Print all"), commandIndex(t, f.o, "Exit"), 0}
		require.NoError(t, f.o.Run(context.Background()))
		require.Len(t, f.p.tables, 2)
		require.Len(t, f.p.choices, 1, "menu shown after exit")
	})

	t.Run("end of input", func(t *testing.T) {
		f := newFixture(t, true, nil)
		require.NoError(t, f.o.Run(context.Background()))
	})

	t.Run("errors return to menu", func(t *testing.T) {
		f := newFixture(t, false, nil)
		f.p.choices = []int{commandIndex(t, f.o, "Delete Factory"), commandIndex(t, f.o, "Add Public Key")}
		require.NoError(t, f.o.Run(context.Background()))
		require.Len(t, f.p.errors, 1)
		require.Equal(t, []string{"Operation cancelled"}, f.p.warnings)
	})

	t.Run("fatal stops", func(t *testing.T) {
		f := newFixture(t, true, nil)
		file := filepath.Join(f.store.Dir(), string(keystore.UpperLevelKeys)+".json")
		require.NoError(t, os.WriteFile(file, []byte("garbage"), 0600))

		f.p.choices = []int{commandIndex(t, f.o, "Print all"), commandIndex(t, f.o, "Exit")}
		err := f.o.Run(context.Background())
		var fe *FatalError
		require.ErrorAs(t, err, &fe)
		require.ErrorIs(t, err, keystore.ErrCorrupted)
		require.Len(t, f.p.choices, 1)
	})

	t.Run("cancelled context", func(t *testing.T) {
		f := newFixture(t, true, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.ErrorIs(t, f.o.Run(ctx), context.Canceled)
	})
}
