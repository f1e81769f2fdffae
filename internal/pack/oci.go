package pack

import (
	"context"
	"fmt"
	"io"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// OCIFetcher pulls a single-layer OCI artifact and streams its
// (uncompressed) layer bytes as the pack archive.
type OCIFetcher struct{}

func (OCIFetcher) Fetch(ctx context.Context, locator string, dest io.Writer) error {
	ref, err := name.ParseReference(stripScheme(locator, "oci"))
	if err != nil {
		return fmt.Errorf("pack: parse oci reference: %w", err)
	}
	img, err := remote.Image(ref, remote.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("pack: transient: pull oci image %q: %w", ref, err)
	}
	layers, err := img.Layers()
	if err != nil {
		return fmt.Errorf("pack: read oci layers: %w", err)
	}
	if len(layers) != 1 {
		return fmt.Errorf("pack: oci artifact %q has %d layers, want exactly 1", ref, len(layers))
	}
	return copyLayer(layers[0], dest)
}

func copyLayer(layer v1.Layer, dest io.Writer) error {
	rc, err := layer.Uncompressed()
	if err != nil {
		return fmt.Errorf("pack: open oci layer: %w", err)
	}
	defer rc.Close()
	_, err = io.Copy(dest, rc)
	return err
}
