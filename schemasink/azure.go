package schemasink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
)

// azureAccount adapts one storage account to the BlobAccount interface.
type azureAccount struct {
	name   string
	client *azblob.Client
}

// NewAzureAccounts parses a comma-separated list of storage connection
// strings into blob accounts. At least one account is required.
func NewAzureAccounts(connectionStrings string) ([]BlobAccount, error) {
	var accounts []BlobAccount
	for _, cs := range strings.Split(connectionStrings, ",") {
		cs = strings.TrimSpace(cs)
		if cs == "" {
			continue
		}
		var client, err = azblob.NewClientFromConnectionString(cs, nil)
		if err != nil {
			return nil, fmt.Errorf("parsing blob account connection string: %w", err)
		}
		accounts = append(accounts, &azureAccount{
			name:   accountName(cs),
			client: client,
		})
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("no blob accounts configured")
	}
	return accounts, nil
}

func (a *azureAccount) Name() string { return a.name }

func (a *azureAccount) Upload(ctx context.Context, container, blobName string, payload []byte) error {
	var _, err = a.client.UploadBuffer(ctx, container, blobName, payload, nil)
	if bloberror.HasCode(err, bloberror.ContainerNotFound) {
		return fmt.Errorf("%s/%s on %s: %w", container, blobName, a.name, ErrContainerNotFound)
	}
	if err != nil {
		return fmt.Errorf("uploading %s/%s to %s: %w", container, blobName, a.name, err)
	}
	return nil
}

func (a *azureAccount) CreateContainer(ctx context.Context, container string) error {
	var _, err = a.client.CreateContainer(ctx, container, nil)
	if bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		// Another partition won the race; the container is usable.
		return nil
	}
	if err != nil {
		return fmt.Errorf("creating container %s on %s: %w", container, a.name, err)
	}
	return nil
}

func (a *azureAccount) ReadSASURL(ctx context.Context, container, blobName string, expiry time.Time) (string, error) {
	var blobClient = a.client.ServiceClient().NewContainerClient(container).NewBlobClient(blobName)
	var url, err = blobClient.GetSASURL(sas.BlobPermissions{Read: true}, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("building SAS URL for %s/%s: %w", container, blobName, err)
	}
	return url, nil
}

// accountName extracts the AccountName member of a storage connection
// string, for logging.
func accountName(connectionString string) string {
	for _, part := range strings.Split(connectionString, ";") {
		if v, ok := strings.CutPrefix(part, "AccountName="); ok {
			return v
		}
	}
	return "unknown"
}
