package registry

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphafactory/hive/pkg/agent"
	"github.com/alphafactory/hive/pkg/errdefs"
)

func testKeypair(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(pub), priv
}

func writeArchive(t *testing.T, dir, name, manifest string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o644))
	return path
}

func signArchive(t *testing.T, path string, priv ed25519.PrivateKey, prehash bool) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	msg := data
	if prehash {
		digest := sha512.Sum512(data)
		msg = digest[:]
	}
	sig := ed25519.Sign(priv, msg)
	require.NoError(t, os.WriteFile(path+".sig", []byte(base64.StdEncoding.EncodeToString(sig)), 0o644))
}

const sampleManifest = `name: pricer
version: 1.2.0
kind: ping
period_seconds: 2
capabilities: [pricing]
`

func TestVerifyRawAndPrehashed(t *testing.T) {
	pub, priv := testKeypair(t)
	v, err := NewVerifier(pub, nil, false)
	require.NoError(t, err)

	dir := t.TempDir()
	raw := writeArchive(t, dir, "raw.agent", sampleManifest)
	signArchive(t, raw, priv, false)
	assert.NoError(t, v.Verify(raw))

	pre := writeArchive(t, dir, "pre.agent", sampleManifest)
	signArchive(t, pre, priv, true)
	assert.NoError(t, v.Verify(pre))
}

func TestVerifyRejections(t *testing.T) {
	pub, priv := testKeypair(t)
	dir := t.TempDir()

	path := writeArchive(t, dir, "pricer.agent", sampleManifest)
	signArchive(t, path, priv, false)

	t.Run("missing sig", func(t *testing.T) {
		v, err := NewVerifier(pub, nil, false)
		require.NoError(t, err)
		orphan := writeArchive(t, dir, "orphan.agent", sampleManifest)
		assert.ErrorIs(t, v.Verify(orphan), errdefs.ErrPluginRejected)
	})

	t.Run("wrong key", func(t *testing.T) {
		otherPub, _ := testKeypair(t)
		v, err := NewVerifier(otherPub, nil, false)
		require.NoError(t, err)
		assert.ErrorIs(t, v.Verify(path), errdefs.ErrPluginRejected)
	})

	t.Run("pin mismatch", func(t *testing.T) {
		v, err := NewVerifier(pub, map[string]string{"pricer.agent": "bm90LXRoZS1zaWc="}, false)
		require.NoError(t, err)
		assert.ErrorIs(t, v.Verify(path), errdefs.ErrPluginRejected)
	})

	t.Run("tampered body", func(t *testing.T) {
		v, err := NewVerifier(pub, nil, false)
		require.NoError(t, err)
		tampered := writeArchive(t, dir, "tampered.agent", sampleManifest)
		signArchive(t, tampered, priv, false)
		require.NoError(t, os.WriteFile(tampered, []byte(sampleManifest+"capabilities: [root]\n"), 0o644))
		assert.ErrorIs(t, v.Verify(tampered), errdefs.ErrPluginRejected)
	})
}

func TestVerifyInsecureBypass(t *testing.T) {
	v, err := NewVerifier("", nil, true)
	require.NoError(t, err)
	path := writeArchive(t, t.TempDir(), "any.agent", sampleManifest)
	assert.NoError(t, v.Verify(path))
}

func TestNewVerifierBadKey(t *testing.T) {
	_, err := NewVerifier("", nil, false)
	assert.Error(t, err)
	_, err = NewVerifier("not-base64!!", nil, false)
	assert.Error(t, err)
	_, err = NewVerifier(base64.StdEncoding.EncodeToString([]byte("short")), nil, false)
	assert.Error(t, err)
}

func TestLoadPins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pins")
	require.NoError(t, os.WriteFile(path, []byte("# trusted archives\npricer.agent = c2ln\n\nrisk.agent=b3RoZXI=\n"), 0o644))

	pins, err := LoadPins(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"pricer.agent": "c2ln",
		"risk.agent":   "b3RoZXI=",
	}, pins)
}

func TestLoaderRegistersManifest(t *testing.T) {
	pub, priv := testKeypair(t)
	v, err := NewVerifier(pub, nil, false)
	require.NoError(t, err)

	reg := New()
	loader := NewLoader(reg, v, map[string]agent.Constructor{"ping": agent.NewPing})

	dir := t.TempDir()
	path := writeArchive(t, dir, "pricer.agent", sampleManifest)
	signArchive(t, path, priv, false)

	require.NoError(t, loader.Load(path))
	meta, err := reg.Get("pricer")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", meta.Version)
	assert.Equal(t, []string{"pricing"}, meta.Capabilities)
	assert.Equal(t, 2.0, meta.Period.Seconds())
}

func TestLoaderRecordsFailures(t *testing.T) {
	pub, priv := testKeypair(t)
	v, err := NewVerifier(pub, nil, false)
	require.NoError(t, err)

	reg := New()
	loader := NewLoader(reg, v, map[string]agent.Constructor{"ping": agent.NewPing})
	dir := t.TempDir()

	unsigned := writeArchive(t, dir, "unsigned.agent", sampleManifest)
	assert.ErrorIs(t, loader.Load(unsigned), errdefs.ErrPluginRejected)

	badKind := writeArchive(t, dir, "badkind.agent", "name: x\nkind: warp\n")
	signArchive(t, badKind, priv, false)
	assert.ErrorIs(t, loader.Load(badKind), errdefs.ErrPluginRejected)

	noName := writeArchive(t, dir, "noname.agent", "kind: ping\n")
	signArchive(t, noName, priv, false)
	assert.ErrorIs(t, loader.Load(noName), errdefs.ErrPluginRejected)

	infos, failed := reg.ListAgents()
	assert.Empty(t, infos)
	assert.Len(t, failed, 3)
}

func TestHotDirScan(t *testing.T) {
	pub, priv := testKeypair(t)
	v, err := NewVerifier(pub, nil, false)
	require.NoError(t, err)

	reg := New()
	loader := NewLoader(reg, v, map[string]agent.Constructor{"ping": agent.NewPing})
	dir := t.TempDir()

	var loaded []string
	w := NewHotDirWatcher(dir, loader, time.Minute, func(name string) { loaded = append(loaded, name) })

	// Empty dir: nothing happens.
	w.Scan()
	assert.Empty(t, loaded)

	path := writeArchive(t, dir, "pricer.agent", sampleManifest)
	signArchive(t, path, priv, false)
	w.Scan()
	assert.Equal(t, []string{"pricer.agent"}, loaded)

	// Unchanged file is not reloaded.
	w.Scan()
	assert.Equal(t, []string{"pricer.agent"}, loaded)

	// A broken archive is recorded once and not retried until touched.
	writeArchive(t, dir, "broken.agent", sampleManifest)
	w.Scan()
	w.Scan()
	_, failed := reg.ListAgents()
	assert.Len(t, failed, 1)
	assert.Equal(t, []string{"pricer.agent"}, loaded)
}
