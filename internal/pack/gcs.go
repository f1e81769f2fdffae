package pack

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSFetcher downloads a pack archive from Google Cloud Storage.
// locator is "gcs://bucket/object".
type GCSFetcher struct {
	Client *storage.Client
}

func (f *GCSFetcher) Fetch(ctx context.Context, locator string, dest io.Writer) error {
	client := f.Client
	if client == nil {
		c, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("pack: new gcs client: %w", err)
		}
		defer c.Close()
		client = c
	}
	bucket, object, err := parseBucketKey(stripScheme(locator, "gcs"))
	if err != nil {
		return fmt.Errorf("pack: parse gcs locator: %w", err)
	}
	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("pack: transient: gcs fetch gcs://%s/%s: %w", bucket, object, err)
	}
	defer r.Close()
	_, err = io.Copy(dest, r)
	return err
}
