package blob

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
)

// AzureStore reads objects from an Azure storage account. The first key segment is the
// container name.
type AzureStore struct {
	client *azblob.Client
}

var (
	_ Store    = (*AzureStore)(nil)
	_ ModTimer = (*AzureStore)(nil)
)

// Credential chains the environment, Azure CLI and managed identity credentials.
// Sources that can't be constructed in the current environment are skipped.
func Credential() (azcore.TokenCredential, error) {
	sources := make([]azcore.TokenCredential, 0, 3)

	envCred, err := azidentity.NewEnvironmentCredential(nil)
	if err == nil {
		sources = append(sources, envCred)
	} else {
		log.Debug().Err(err).Msg("Skipping environment credential")
	}

	cliCred, err := azidentity.NewAzureCLICredential(nil)
	if err == nil {
		sources = append(sources, cliCred)
	} else {
		log.Debug().Err(err).Msg("Skipping Azure CLI credential")
	}

	miCred, err := azidentity.NewManagedIdentityCredential(nil)
	if err == nil {
		sources = append(sources, miCred)
	} else {
		log.Debug().Err(err).Msg("Skipping managed identity credential")
	}

	if len(sources) == 0 {
		return nil, eris.New("no usable Azure credential found")
	}

	cred, err := azidentity.NewChainedTokenCredential(sources, nil)
	if err != nil {
		return nil, eris.Wrap(err, "failed to build credential chain")
	}

	return cred, nil
}

// NewAzureStore connects to the given storage account. endpoint overrides the default
// https://<account>.blob.core.windows.net/ URL (useful for Azurite).
func NewAzureStore(account, endpoint string, anonymous bool) (*AzureStore, error) {
	if endpoint == "" {
		if account == "" {
			return nil, eris.New("either an account name or an endpoint is required")
		}
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	}

	var client *azblob.Client
	var err error
	if anonymous {
		client, err = azblob.NewClientWithNoCredential(endpoint, nil)
	} else {
		var cred azcore.TokenCredential
		cred, err = Credential()
		if err != nil {
			return nil, err
		}

		client, err = azblob.NewClient(endpoint, cred, nil)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "failed to create blob client for %s", endpoint)
	}

	return &AzureStore{client: client}, nil
}

func splitContainer(key string) (string, string, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", "", err
	}

	parts := strings.SplitN(cleaned, "/", 2)
	if parts[0] == "" {
		return "", "", eris.Wrapf(ErrInvalidKey, "%q has no container", key)
	}

	if len(parts) == 1 {
		return parts[0], "", nil
	}
	return parts[0], parts[1], nil
}

// List implements Store
func (s *AzureStore) List(ctx context.Context, prefix string) ([]string, error) {
	containerName, dir, err := splitContainer(prefix)
	if err != nil {
		return nil, err
	}

	if dir != "" {
		dir += "/"
	}

	client := s.client.ServiceClient().NewContainerClient(containerName)
	pager := client.NewListBlobsHierarchyPager("/", &container.ListBlobsHierarchyOptions{
		Prefix: &dir,
	})

	names := make([]string, 0)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			if bloberror.HasCode(err, bloberror.ContainerNotFound) {
				return nil, eris.Wrapf(ErrNotFound, "container %s", containerName)
			}
			return nil, eris.Wrapf(err, "failed to list %s", prefix)
		}

		for _, item := range page.Segment.BlobPrefixes {
			if item.Name != nil {
				names = append(names, Join(containerName, *item.Name))
			}
		}

		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				names = append(names, Join(containerName, *item.Name))
			}
		}
	}
	sort.Strings(names)

	return names, nil
}

// Get implements Store
func (s *AzureStore) Get(ctx context.Context, key string) ([]byte, error) {
	containerName, name, err := splitContainer(key)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.DownloadStream(ctx, containerName, name, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, eris.Wrapf(ErrNotFound, "%s", key)
		}
		return nil, eris.Wrapf(err, "failed to download %s", key)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read %s", key)
	}

	return data, nil
}

// ModTime implements ModTimer
func (s *AzureStore) ModTime(ctx context.Context, key string) (time.Time, error) {
	containerName, name, err := splitContainer(key)
	if err != nil {
		return time.Time{}, err
	}

	props, err := s.client.ServiceClient().NewContainerClient(containerName).NewBlobClient(name).GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return time.Time{}, eris.Wrapf(ErrNotFound, "%s", key)
		}
		return time.Time{}, eris.Wrapf(err, "failed to get properties of %s", key)
	}

	if props.LastModified == nil {
		return time.Time{}, nil
	}
	return *props.LastModified, nil
}
