package pack

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzBlobFetcher downloads a pack archive from Azure Blob Storage.
// locator is "azblob://account/container/blob/path".
type AzBlobFetcher struct {
	Client *azblob.Client
}

func (f *AzBlobFetcher) Fetch(ctx context.Context, locator string, dest io.Writer) error {
	account, container, blob, err := parseAzBlobLocator(stripScheme(locator, "azblob"))
	if err != nil {
		return fmt.Errorf("pack: parse azblob locator: %w", err)
	}
	client := f.Client
	if client == nil {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return fmt.Errorf("pack: azure credential: %w", err)
		}
		serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", account)
		client, err = azblob.NewClient(serviceURL, cred, nil)
		if err != nil {
			return fmt.Errorf("pack: new azblob client: %w", err)
		}
	}
	resp, err := client.DownloadStream(ctx, container, blob, nil)
	if err != nil {
		return fmt.Errorf("pack: transient: azblob fetch azblob://%s/%s/%s: %w", account, container, blob, err)
	}
	defer resp.Body.Close()
	_, err = io.Copy(dest, resp.Body)
	return err
}

func parseAzBlobLocator(rest string) (account, container, blob string, err error) {
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("locator %q must be account/container/blob", rest)
	}
	return parts[0], parts[1], parts[2], nil
}
