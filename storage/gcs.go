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
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GCSStore implements BlobStore on a Google Cloud Storage bucket using
// application default credentials. The DoesNotExist write condition
// provides the append-only guarantee.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore connects to the given bucket with ambient credentials.
func NewGCSStore(ctx context.Context, bucket string) (*GCSStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs store requires a bucket name")
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSStore{
		client: client,
		bucket: bucket,
	}, nil
}

// Put writes a new object guarded by DoesNotExist. GCS reports a lost
// precondition as HTTP 412.
func (s *GCSStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	obj := s.client.Bucket(s.bucket).Object(key).If(storage.Conditions{DoesNotExist: true})

	w := obj.NewWriter(ctx)
	w.ContentType = opts.ContentType
	w.Metadata = opts.Metadata

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return ErrBlobExists
		}
		return fmt.Errorf("failed to finalize object %s: %w", key, err)
	}
	return nil
}

// Get downloads the object's full content.
func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to open object %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

// List iterates the bucket under the prefix. GCS listings already carry
// object metadata, so includeMetadata is free here.
func (s *GCSStore) List(ctx context.Context, prefix string, includeMetadata bool) ([]BlobInfo, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	var infos []BlobInfo
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, err)
		}
		info := BlobInfo{
			Name:         attrs.Name,
			LastModified: attrs.Updated,
		}
		if includeMetadata {
			info.Metadata = attrs.Metadata
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// SetMetadata replaces the object's metadata.
func (s *GCSStore) SetMetadata(ctx context.Context, key string, metadata map[string]string) error {
	obj := s.client.Bucket(s.bucket).Object(key)
	if _, err := obj.Update(ctx, storage.ObjectAttrsToUpdate{Metadata: metadata}); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return ErrBlobNotFound
		}
		return fmt.Errorf("failed to set metadata on object %s: %w", key, err)
	}
	return nil
}

var _ BlobStore = (*GCSStore)(nil)
