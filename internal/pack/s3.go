package pack

import (
	"context"
	"fmt"
	"io"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Fetcher downloads a pack archive from S3. locator is
// "s3://bucket/key".
type S3Fetcher struct {
	Client *s3.Client
}

func (f *S3Fetcher) Fetch(ctx context.Context, locator string, dest io.Writer) error {
	client := f.Client
	if client == nil {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("pack: load aws config: %w", err)
		}
		client = s3.NewFromConfig(cfg)
	}
	bucket, key, err := parseBucketKey(stripScheme(locator, "s3"))
	if err != nil {
		return fmt.Errorf("pack: parse s3 locator: %w", err)
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return fmt.Errorf("pack: transient: s3 fetch s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()
	_, err = io.Copy(dest, out.Body)
	return err
}

func parseBucketKey(rest string) (bucket, key string, err error) {
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return "", "", fmt.Errorf("locator %q missing object key", rest)
	}
	return rest[:idx], rest[idx+1:], nil
}
