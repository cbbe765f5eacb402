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

// Package storage provides the append-only blob store backing the memory
// API. The store holds two prefixes: memory/ (written once by the proxy,
// metadata mutated by the out-of-band analyzer) and verdicts/ (written by
// the analyzer, only ever listed here). Put relies on each backend's
// create-if-not-exists primitive, never a blind overwrite.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all backends.
var (
	// ErrBlobExists is returned by Put when the key already holds a blob.
	ErrBlobExists = errors.New("blob already exists")
	// ErrBlobNotFound is returned by Get and SetMetadata for absent keys.
	ErrBlobNotFound = errors.New("blob not found")
)

// BlobInfo describes a stored blob as returned by List.
type BlobInfo struct {
	Name         string
	LastModified time.Time
	Metadata     map[string]string
}

// PutOptions carries the content type and initial metadata for a write.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// BlobStore is the contract the memory API consumes. Implementations must
// be safe for concurrent use, and Put must be atomic: a concurrent reader
// never observes a partial object, and a second Put on the same key fails
// with ErrBlobExists.
type BlobStore interface {
	// Put writes a new blob. Fails with ErrBlobExists if the key is taken.
	Put(ctx context.Context, key string, data []byte, opts PutOptions) error

	// Get returns the blob's content.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns the blobs under a key prefix. Metadata is populated only
	// when includeMetadata is set; some backends pay an extra round trip
	// per blob for it.
	List(ctx context.Context, prefix string, includeMetadata bool) ([]BlobInfo, error)

	// SetMetadata replaces the blob's metadata without touching its content.
	SetMetadata(ctx context.Context, key string, metadata map[string]string) error
}
