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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Store implements BlobStore on an S3 bucket. Credentials come from the
// default chain (instance profile / IRSA / env), matching the ambient-
// identity contract. Conditional PutObject (If-None-Match: *) provides the
// append-only guarantee.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store connects to the given bucket using the default AWS config.
func NewS3Store(ctx context.Context, bucket string) (*S3Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 store requires a bucket name")
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &S3Store{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
	}, nil
}

// Put uploads a new object with If-None-Match: *. S3 answers an existing
// key with 412 PreconditionFailed, or 409 ConditionalRequestConflict when
// two conditional writers race; both mean the key is taken.
func (s *S3Store) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		Metadata:    opts.Metadata,
		IfNoneMatch: aws.String("*"),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "PreconditionFailed", "ConditionalRequestConflict":
				return ErrBlobExists
			}
		}
		return fmt.Errorf("failed to upload object %s: %w", key, err)
	}
	return nil
}

// Get downloads the object's full content.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to download object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

// List pages through the bucket under the prefix. S3 omits user metadata
// from listings, so includeMetadata costs one HeadObject per key.
func (s *S3Store) List(ctx context.Context, prefix string, includeMetadata bool) ([]BlobInfo, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var infos []BlobInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			info := BlobInfo{Name: aws.ToString(obj.Key)}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			if includeMetadata {
				head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
					Bucket: aws.String(s.bucket),
					Key:    obj.Key,
				})
				if err != nil {
					return nil, fmt.Errorf("failed to head object %s: %w", aws.ToString(obj.Key), err)
				}
				info.Metadata = head.Metadata
			}
			infos = append(infos, info)
		}
	}
	return infos, nil
}

// SetMetadata replaces the object's metadata via a self-copy with the
// REPLACE directive, preserving the stored content type.
func (s *S3Store) SetMetadata(ctx context.Context, key string, metadata map[string]string) error {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return ErrBlobNotFound
		}
		return fmt.Errorf("failed to head object %s: %w", key, err)
	}

	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(url.PathEscape(s.bucket + "/" + key)),
		Metadata:          metadata,
		MetadataDirective: types.MetadataDirectiveReplace,
		ContentType:       head.ContentType,
	})
	if err != nil {
		return fmt.Errorf("failed to set metadata on object %s: %w", key, err)
	}
	return nil
}

var _ BlobStore = (*S3Store)(nil)
