package pack

import (
	"archive/zip"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Manifest is the decoded contents of manifest.cbor inside a pack.gtpack
// archive.
type Manifest struct {
	Meta struct {
		PackID     string   `cbor:"pack_id"`
		Version    string   `cbor:"version"`
		EntryFlows []string `cbor:"entry_flows"`
	} `cbor:"meta"`
	Flows []struct {
		ID   string `cbor:"id"`
		Kind string `cbor:"kind"`
	} `cbor:"flows"`
	Components []struct {
		FileWasm string `cbor:"file_wasm"`
	} `cbor:"components"`
}

// loadManifest opens the zip container at path and CBOR-decodes
// manifest.cbor.
func loadManifest(path string) (Manifest, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("pack: open archive: %w", err)
	}
	defer zr.Close()
	for _, f := range zr.File {
		if f.Name != "manifest.cbor" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return Manifest{}, fmt.Errorf("pack: open manifest.cbor: %w", err)
		}
		defer rc.Close()
		raw, err := io.ReadAll(rc)
		if err != nil {
			return Manifest{}, fmt.Errorf("pack: read manifest.cbor: %w", err)
		}
		var m Manifest
		if err := cbor.Unmarshal(raw, &m); err != nil {
			return Manifest{}, fmt.Errorf("pack: decode manifest.cbor: %w", err)
		}
		return m, nil
	}
	return Manifest{}, fmt.Errorf("pack: archive missing manifest.cbor")
}

// WasmComponent opens one of the manifest's component files by name
// directly out of the archive.
func WasmComponent(archivePath, fileName string) ([]byte, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("pack: open archive: %w", err)
	}
	defer zr.Close()
	for _, f := range zr.File {
		if f.Name != fileName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("pack: open component %q: %w", fileName, err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("pack: archive missing component %q", fileName)
}

func decodeSignature(signatureB64 string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(signatureB64)
}

// FlowIR opens the FlowIR document for flowID out of the archive at
// archivePath. Flow descriptors are packaged alongside manifest.cbor at
// "flows/<id>.json".
func FlowIR(archivePath string, flowID string) ([]byte, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("pack: open archive: %w", err)
	}
	defer zr.Close()
	name := "flows/" + flowID + ".json"
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("pack: open flow %q: %w", flowID, err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("pack: archive missing flow %q", flowID)
}
