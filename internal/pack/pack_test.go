package pack

import (
	"archive/zip"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

// buildPack writes a pack.gtpack-shaped zip archive to dir/name containing
// a CBOR-encoded manifest.cbor plus whatever extra files the caller wants,
// and returns its path.
func buildPack(t *testing.T, dir, name string, manifest Manifest, extra map[string][]byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	manifestBytes, err := cbor.Marshal(manifest)
	require.NoError(t, err)
	w, err := zw.Create("manifest.cbor")
	require.NoError(t, err)
	_, err = w.Write(manifestBytes)
	require.NoError(t, err)

	for name, contents := range extra {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(contents)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return path
}

func testManifest() Manifest {
	var m Manifest
	m.Meta.PackID = "greeter-pack"
	m.Meta.Version = "1.0.0"
	m.Meta.EntryFlows = []string{"greeter"}
	return m
}

type fakeFetcher struct {
	path  string
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string, dest io.Writer) error {
	f.calls++
	src, err := os.Open(f.path)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(dest, src)
	return err
}

func TestResolver_Resolve_FreshFetchVerifiesDigestAndCachesManifest(t *testing.T) {
	srcDir := t.TempDir()
	cacheDir := t.TempDir()
	srcPath := buildPack(t, srcDir, "source.gtpack", testManifest(), nil)
	digest, err := digestFile(srcPath)
	require.NoError(t, err)

	fetcher := &fakeFetcher{path: srcPath}
	r, err := NewResolver(Options{CacheDir: cacheDir, Fetchers: map[string]Fetcher{"test": fetcher}})
	require.NoError(t, err)

	resolved, err := r.Resolve(context.Background(), Ref{Name: "greeter", Version: "1.0.0", Digest: digest, Locator: "test://greeter"})
	require.NoError(t, err)
	require.Equal(t, digest, resolved.Digest)
	require.Equal(t, "greeter-pack", resolved.Manifest.Meta.PackID)
	require.FileExists(t, filepath.Join(cacheDir, "greeter", "1.0.0", "pack.gtpack"))
	require.Equal(t, 1, fetcher.calls)
}

func TestResolver_Resolve_DigestMismatchFails(t *testing.T) {
	srcDir := t.TempDir()
	cacheDir := t.TempDir()
	srcPath := buildPack(t, srcDir, "source.gtpack", testManifest(), nil)

	fetcher := &fakeFetcher{path: srcPath}
	r, err := NewResolver(Options{CacheDir: cacheDir, Fetchers: map[string]Fetcher{"test": fetcher}})
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), Ref{Name: "greeter", Version: "1.0.0", Digest: "sha256:deadbeef", Locator: "test://greeter"})
	require.Error(t, err)
}

func TestResolver_Resolve_CacheHitSkipsRefetch(t *testing.T) {
	srcDir := t.TempDir()
	cacheDir := t.TempDir()
	srcPath := buildPack(t, srcDir, "source.gtpack", testManifest(), nil)
	digest, err := digestFile(srcPath)
	require.NoError(t, err)

	fetcher := &fakeFetcher{path: srcPath}
	r, err := NewResolver(Options{CacheDir: cacheDir, Fetchers: map[string]Fetcher{"test": fetcher}})
	require.NoError(t, err)

	ref := Ref{Name: "greeter", Version: "1.0.0", Digest: digest, Locator: "test://greeter"}
	_, err = r.Resolve(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, 1, fetcher.calls)

	_, err = r.Resolve(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, 1, fetcher.calls, "second Resolve should hit the cache, not refetch")
}

func TestResolver_Resolve_SignatureVerification(t *testing.T) {
	srcDir := t.TempDir()
	srcPath := buildPack(t, srcDir, "source.gtpack", testManifest(), nil)
	digest, err := digestFile(srcPath)
	require.NoError(t, err)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, []byte(digest))
	sigB64 := base64.StdEncoding.EncodeToString(sig)

	t.Run("valid signature", func(t *testing.T) {
		cacheDir := t.TempDir()
		fetcher := &fakeFetcher{path: srcPath}
		r, err := NewResolver(Options{CacheDir: cacheDir, PublicKey: pub, Fetchers: map[string]Fetcher{"test": fetcher}})
		require.NoError(t, err)

		_, err = r.Resolve(context.Background(), Ref{Name: "greeter", Version: "1.0.0", Locator: "test://greeter", Signature: sigB64})
		require.NoError(t, err)
	})

	t.Run("missing signature", func(t *testing.T) {
		cacheDir := t.TempDir()
		fetcher := &fakeFetcher{path: srcPath}
		r, err := NewResolver(Options{CacheDir: cacheDir, PublicKey: pub, Fetchers: map[string]Fetcher{"test": fetcher}})
		require.NoError(t, err)

		_, err = r.Resolve(context.Background(), Ref{Name: "greeter", Version: "1.0.0", Locator: "test://greeter"})
		require.Error(t, err)
	})

	t.Run("wrong signature", func(t *testing.T) {
		cacheDir := t.TempDir()
		otherPub, _, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		fetcher := &fakeFetcher{path: srcPath}
		r, err := NewResolver(Options{CacheDir: cacheDir, PublicKey: otherPub, Fetchers: map[string]Fetcher{"test": fetcher}})
		require.NoError(t, err)

		_, err = r.Resolve(context.Background(), Ref{Name: "greeter", Version: "1.0.0", Locator: "test://greeter", Signature: sigB64})
		require.Error(t, err)
	})
}

func TestResolver_LoadIndex(t *testing.T) {
	srcDir := t.TempDir()
	cacheDir := t.TempDir()
	idx := Index{
		"tenant-a": TenantEntry{
			MainPack: Ref{Name: "greeter", Version: "1.0.0", Locator: "fs:///packs/greeter.gtpack"},
		},
	}
	b, err := json.Marshal(idx)
	require.NoError(t, err)
	idxPath := filepath.Join(srcDir, "index.json")
	require.NoError(t, os.WriteFile(idxPath, b, 0o644))

	r, err := NewResolver(Options{CacheDir: cacheDir})
	require.NoError(t, err)

	got, err := r.LoadIndex(context.Background(), "fs://"+idxPath)
	require.NoError(t, err)
	require.Equal(t, "greeter", got["tenant-a"].MainPack.Name)
}

func TestLocatorScheme(t *testing.T) {
	cases := []struct {
		locator string
		want    string
		wantErr bool
	}{
		{"oci://registry/greeter:1.0.0", "oci", false},
		{"https://example.com/pack.gtpack", "https", false},
		{"/abs/path/pack.gtpack", "fs", false},
		{"./rel/path/pack.gtpack", "fs", false},
		{"pack.gtpack", "", true},
	}
	for _, c := range cases {
		got, err := locatorScheme(c.locator)
		if c.wantErr {
			require.Error(t, err, c.locator)
			continue
		}
		require.NoError(t, err, c.locator)
		require.Equal(t, c.want, got, c.locator)
	}
}

func TestManifestComponentAndFlowIR(t *testing.T) {
	dir := t.TempDir()
	manifest := testManifest()
	manifest.Components = append(manifest.Components, struct {
		FileWasm string `cbor:"file_wasm"`
	}{FileWasm: "component.wasm"})

	path := buildPack(t, dir, "pack.gtpack", manifest, map[string][]byte{
		"component.wasm":   []byte("wasm-bytes"),
		"flows/greeter.json": []byte(`{"id":"greeter"}`),
	})

	loaded, err := loadManifest(path)
	require.NoError(t, err)
	require.Equal(t, "greeter-pack", loaded.Meta.PackID)
	require.Equal(t, "component.wasm", loaded.Components[0].FileWasm)

	wasm, err := WasmComponent(path, "component.wasm")
	require.NoError(t, err)
	require.Equal(t, []byte("wasm-bytes"), wasm)

	_, err = WasmComponent(path, "missing.wasm")
	require.Error(t, err)

	flowIR, err := FlowIR(path, "greeter")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"greeter"}`, string(flowIR))

	_, err = FlowIR(path, "missing")
	require.Error(t, err)
}

func TestDigestFile_StableAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	path := buildPack(t, dir, "pack.gtpack", testManifest(), nil)

	d1, err := digestFile(path)
	require.NoError(t, err)
	d2, err := digestFile(path)
	require.NoError(t, err)
	require.Equal(t, d1, d2)
	require.Contains(t, d1, "sha256:")
}

func TestNewResolver_RequiresCacheDir(t *testing.T) {
	_, err := NewResolver(Options{})
	require.Error(t, err)
}
