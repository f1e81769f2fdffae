package pack

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// Fetcher streams one locator's bytes into dest. Implementations strip
// their own scheme prefix from locator before resolving it.
type Fetcher interface {
	Fetch(ctx context.Context, locator string, dest io.Writer) error
}

func defaultFetchers() map[string]Fetcher {
	httpFetcher := &HTTPFetcher{Client: http.DefaultClient}
	return map[string]Fetcher{
		"fs":    FSFetcher{},
		"http":  httpFetcher,
		"https": httpFetcher,
		"oci":   &OCIFetcher{},
		"s3":    &S3Fetcher{},
		"gcs":   &GCSFetcher{},
		"azblob": &AzBlobFetcher{},
	}
}

func stripScheme(locator, scheme string) string {
	return strings.TrimPrefix(locator, scheme+"://")
}

// FSFetcher reads a locator off the local filesystem: it strips the
// "fs://" prefix, if any, and passes bare paths through untouched.
type FSFetcher struct{}

func (FSFetcher) Fetch(_ context.Context, locator string, dest io.Writer) error {
	path := stripScheme(locator, "fs")
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("pack: fs fetch %q: %w", path, err)
	}
	defer f.Close()
	_, err = io.Copy(dest, f)
	return err
}

// HTTPFetcher downloads a locator over http/https: a GET request, an
// error on any non-2xx response, streaming the body to dest.
type HTTPFetcher struct {
	Client *http.Client
}

func (h *HTTPFetcher) Fetch(ctx context.Context, locator string, dest io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return fmt.Errorf("pack: build http request: %w", err)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return fmt.Errorf("pack: transient: http fetch %q: %w", locator, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("pack: http fetch %q: status %d", locator, resp.StatusCode)
	}
	_, err = io.Copy(dest, resp.Body)
	return err
}
