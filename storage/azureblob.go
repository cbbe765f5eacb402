// Copyright 2025 Moltbook
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
)

// AzureBlobStore implements BlobStore on an Azure Blob Storage container.
// Authentication is ambient: DefaultAzureCredential resolves the managed
// identity of the container instance, so no storage credentials appear in
// config. The append-only guarantee rides on the service's conditional
// create (If-None-Match: *).
type AzureBlobStore struct {
	client    *azblob.Client
	container string
}

// NewAzureBlobStore connects to the given storage account and container
// using the ambient credential chain.
func NewAzureBlobStore(accountName, containerName string) (*AzureBlobStore, error) {
	if accountName == "" || containerName == "" {
		return nil, fmt.Errorf("azure blob store requires account and container names")
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", accountName)
	client, err := azblob.NewClient(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}

	return &AzureBlobStore{
		client:    client,
		container: containerName,
	}, nil
}

// Put uploads a new blob with If-None-Match: * so a concurrent or repeated
// write on the same key fails at the service rather than overwriting.
func (s *AzureBlobStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	metadata := make(map[string]*string, len(opts.Metadata))
	for k, v := range opts.Metadata {
		metadata[k] = to.Ptr(v)
	}

	uploadOpts := &azblob.UploadBufferOptions{
		Metadata: metadata,
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfNoneMatch: to.Ptr(azcore.ETagAny),
			},
		},
	}
	if opts.ContentType != "" {
		uploadOpts.HTTPHeaders = &blob.HTTPHeaders{
			BlobContentType: to.Ptr(opts.ContentType),
		}
	}

	_, err := s.client.UploadBuffer(ctx, s.container, key, data, uploadOpts)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet) {
			return ErrBlobExists
		}
		return fmt.Errorf("failed to upload blob %s: %w", key, err)
	}
	return nil
}

// Get downloads the blob's full content.
func (s *AzureBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, key, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to download blob %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", key, err)
	}
	return data, nil
}

// List pages through the container's flat listing under the prefix. Azure
// treats metadata keys case-insensitively; they are normalized to lower
// case here so callers can match flags reliably.
func (s *AzureBlobStore) List(ctx context.Context, prefix string, includeMetadata bool) ([]BlobInfo, error) {
	pager := s.client.NewListBlobsFlatPager(s.container, &container.ListBlobsFlatOptions{
		Prefix:  to.Ptr(prefix),
		Include: container.ListBlobsInclude{Metadata: includeMetadata},
	})

	var infos []BlobInfo
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list blobs under %s: %w", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			info := BlobInfo{Name: *item.Name}
			if item.Properties != nil && item.Properties.LastModified != nil {
				info.LastModified = *item.Properties.LastModified
			}
			if includeMetadata && item.Metadata != nil {
				info.Metadata = make(map[string]string, len(item.Metadata))
				for k, v := range item.Metadata {
					if v != nil {
						info.Metadata[strings.ToLower(k)] = *v
					}
				}
			}
			infos = append(infos, info)
		}
	}
	return infos, nil
}

// SetMetadata replaces the blob's metadata in place.
func (s *AzureBlobStore) SetMetadata(ctx context.Context, key string, metadata map[string]string) error {
	md := make(map[string]*string, len(metadata))
	for k, v := range metadata {
		md[k] = to.Ptr(v)
	}

	blobClient := s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(key)
	if _, err := blobClient.SetMetadata(ctx, md, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return ErrBlobNotFound
		}
		return fmt.Errorf("failed to set metadata on blob %s: %w", key, err)
	}
	return nil
}

var _ BlobStore = (*AzureBlobStore)(nil)
