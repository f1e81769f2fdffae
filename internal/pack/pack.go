// Package pack implements the pack resolver and cache:
// index -> scheme-dispatched fetch -> digest verify -> signature verify
// -> atomic cache placement -> manifest load. A cached file is reused
// when present and, if the Ref pins a digest, matching it; cache entries
// have no TTL and are never refreshed.
package pack

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/flowforge/flowhost/internal/errs"
)

// Ref names one pack entry in the index: either a
// (name, version) pair resolved by a scheme-specific resolver, or a
// digest-pinned artifact.
type Ref struct {
	Name      string `json:"name"`
	Version   string `json:"version,omitempty"`
	Digest    string `json:"digest,omitempty"`
	Locator   string `json:"locator"`
	Signature string `json:"signature,omitempty"`
}

// VersionOrDigest returns Version if supplied, else Digest, for building
// the cache path segment.
func (r Ref) VersionOrDigest() string {
	if r.Version != "" {
		return r.Version
	}
	return r.Digest
}

// TenantEntry is one tenant's row in the pack index.
type TenantEntry struct {
	MainPack Ref   `json:"main_pack"`
	Overlays []Ref `json:"overlays,omitempty"`
}

// Index maps tenant slug to its TenantEntry.
type Index map[string]TenantEntry

// ResolvedPack is the output of one Ref's resolution pipeline: its
// digest, locator, cached file path, and parsed manifest are stable —
// the same Ref always resolves to the same cache entry.
type ResolvedPack struct {
	Ref      Ref
	Digest   string // "sha256:<hex>"
	Path     string // cache_dir/<name>/<version-or-digest>/pack.gtpack
	Manifest Manifest
}

// Options configures a Resolver.
type Options struct {
	CacheDir  string
	PublicKey ed25519.PublicKey // nil disables signature verification
	Fetchers  map[string]Fetcher
}

// Resolver runs the resolution pipeline for one Ref at a time; Registry
// (internal/registry) drives it across a whole Index.
type Resolver struct {
	cacheDir  string
	publicKey ed25519.PublicKey
	fetchers  map[string]Fetcher
}

// NewResolver builds a Resolver with the default scheme fetchers
// (fs/http/https/oci/s3/gcs/azblob), overridable per-scheme via
// opts.Fetchers for tests.
func NewResolver(opts Options) (*Resolver, error) {
	if opts.CacheDir == "" {
		return nil, errors.New("pack: cache dir is required")
	}
	fetchers := defaultFetchers()
	for scheme, f := range opts.Fetchers {
		fetchers[scheme] = f
	}
	return &Resolver{cacheDir: opts.CacheDir, publicKey: opts.PublicKey, fetchers: fetchers}, nil
}

var sanitizeName = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func sanitize(name string) string {
	return sanitizeName.ReplaceAllString(name, "_")
}

// Resolve runs the full pipeline for one Ref: fetch, digest, signature,
// atomic cache placement, manifest load. A cache hit (file already
// present at the expected cache path and, when the Ref pins a digest,
// matching it) skips the fetch.
func (r *Resolver) Resolve(ctx context.Context, ref Ref) (*ResolvedPack, error) {
	destDir := filepath.Join(r.cacheDir, sanitize(ref.Name), sanitize(ref.VersionOrDigest()))
	destPath := filepath.Join(destDir, "pack.gtpack")

	if existing, err := os.Stat(destPath); err == nil && !existing.IsDir() {
		digest, err := digestFile(destPath)
		if err == nil && (ref.Digest == "" || digest == normalizeDigest(ref.Digest)) {
			manifest, err := loadManifest(destPath)
			if err == nil {
				return &ResolvedPack{Ref: ref, Digest: digest, Path: destPath, Manifest: manifest}, nil
			}
		}
	}

	scheme, err := locatorScheme(ref.Locator)
	if err != nil {
		return nil, errs.New(errs.Pack, fmt.Sprintf("pack %q: %v", ref.Name, err), err)
	}
	fetcher, ok := r.fetchers[scheme]
	if !ok {
		return nil, errs.New(errs.Pack, fmt.Sprintf("pack %q: no fetcher for scheme %q", ref.Name, scheme), nil)
	}

	tmp, err := os.CreateTemp(r.cacheDir, "pack-*.tmp")
	if err != nil {
		return nil, errs.New(errs.Pack, fmt.Sprintf("pack %q: create temp file", ref.Name), err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed into place

	if err := fetcher.Fetch(ctx, ref.Locator, tmp); err != nil {
		tmp.Close()
		return nil, errs.New(errs.Pack, fmt.Sprintf("pack %q: fetch %s", ref.Name, ref.Locator), err)
	}
	if err := tmp.Close(); err != nil {
		return nil, errs.New(errs.Pack, fmt.Sprintf("pack %q: close temp file", ref.Name), err)
	}

	digest, err := digestFile(tmpPath)
	if err != nil {
		return nil, errs.New(errs.Pack, fmt.Sprintf("pack %q: digest", ref.Name), err)
	}
	if ref.Digest != "" && digest != normalizeDigest(ref.Digest) {
		return nil, errs.New(errs.Pack, fmt.Sprintf("pack %q: digest mismatch: want %s got %s", ref.Name, normalizeDigest(ref.Digest), digest), nil)
	}
	if r.publicKey != nil {
		if ref.Signature == "" {
			return nil, errs.New(errs.Pack, fmt.Sprintf("pack %q: signature required but missing", ref.Name), nil)
		}
		if err := verifySignature(r.publicKey, digest, ref.Signature); err != nil {
			return nil, errs.New(errs.Pack, fmt.Sprintf("pack %q: signature verification failed", ref.Name), err)
		}
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, errs.New(errs.Pack, fmt.Sprintf("pack %q: mkdir cache dir", ref.Name), err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return nil, errs.New(errs.Pack, fmt.Sprintf("pack %q: place cache file", ref.Name), err)
	}

	manifest, err := loadManifest(destPath)
	if err != nil {
		return nil, errs.New(errs.Pack, fmt.Sprintf("pack %q: load manifest", ref.Name), err)
	}
	return &ResolvedPack{Ref: ref, Digest: digest, Path: destPath, Manifest: manifest}, nil
}

// LoadIndex fetches and JSON-decodes the index document at locator: a
// mapping tenant -> {main_pack, overlays[]}. The
// same scheme dispatch used for pack artifacts applies here, so the index
// itself may live on any configured fetcher (fs for local development,
// http(s)/oci/s3/gcs/azblob in production).
func (r *Resolver) LoadIndex(ctx context.Context, locator string) (Index, error) {
	scheme, err := locatorScheme(locator)
	if err != nil {
		return nil, errs.New(errs.Pack, fmt.Sprintf("index %q: %v", locator, err), err)
	}
	fetcher, ok := r.fetchers[scheme]
	if !ok {
		return nil, errs.New(errs.Pack, fmt.Sprintf("index %q: no fetcher for scheme %q", locator, scheme), nil)
	}
	var buf bytes.Buffer
	if err := fetcher.Fetch(ctx, locator, &buf); err != nil {
		return nil, errs.New(errs.Pack, fmt.Sprintf("index %q: fetch", locator), err)
	}
	var idx Index
	if err := json.Unmarshal(buf.Bytes(), &idx); err != nil {
		return nil, errs.New(errs.Pack, fmt.Sprintf("index %q: decode", locator), err)
	}
	return idx, nil
}

func locatorScheme(locator string) (string, error) {
	if idx := strings.Index(locator, "://"); idx > 0 {
		return locator[:idx], nil
	}
	if strings.HasPrefix(locator, "/") || strings.HasPrefix(locator, "./") {
		return "fs", nil
	}
	return "", fmt.Errorf("pack: cannot determine scheme for locator %q", locator)
}

func digestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

func normalizeDigest(d string) string {
	if strings.Contains(d, ":") {
		return d
	}
	return "sha256:" + d
}

func verifySignature(pub ed25519.PublicKey, digest, signatureB64 string) error {
	sig, err := decodeSignature(signatureB64)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, []byte(digest), sig) {
		return errors.New("pack: ed25519 signature does not match digest")
	}
	return nil
}
