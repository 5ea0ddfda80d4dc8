// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

// Package blob stores raw fetched documents on disk, content-addressed by
// SHA-256 under date-partitioned directories:
//
//	{root}/{yyyy}/{mm}/{dd}/{sha256}.html
//	{root}/{yyyy}/{mm}/{dd}/{sha256}.meta.json
//
// Identical bodies fetched on the same day share one blob. The sidecar
// carries fetch provenance for later reprocessing.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/pfielding/spyglass/internal/metrics"
)

// Meta is the sidecar written next to each blob.
type Meta struct {
	URL         string    `json:"url"`
	CompanyID   string    `json:"company_id,omitempty"`
	SourceKind  string    `json:"source_kind,omitempty"`
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
	BodySHA256  string    `json:"body_sha256"`
	BodyBytes   int       `json:"body_bytes"`
}

// Store writes and reads raw snapshot blobs.
type Store struct {
	root string
}

// New returns a store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("blob store root is empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Write persists body and its metadata sidecar. Returns the blob path and
// the body hash. Writing an already-present blob is a no-op for the body
// but refreshes the sidecar.
func (s *Store) Write(_ context.Context, body []byte, meta Meta) (path, hash string, err error) {
	sum := sha256.Sum256(body)
	hash = hex.EncodeToString(sum[:])

	day := meta.FetchedAt
	if day.IsZero() {
		day = time.Now().UTC()
	}
	dir := filepath.Join(s.root, day.UTC().Format("2006"), day.UTC().Format("01"), day.UTC().Format("02"))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		metrics.BlobWrites.WithLabelValues("error").Inc()
		return "", "", fmt.Errorf("create blob dir: %w", err)
	}

	path = filepath.Join(dir, hash+".html")
	if _, statErr := os.Stat(path); statErr == nil {
		metrics.BlobWrites.WithLabelValues("deduplicated").Inc()
	} else {
		if err := writeAtomic(path, body); err != nil {
			metrics.BlobWrites.WithLabelValues("error").Inc()
			return "", "", fmt.Errorf("write blob: %w", err)
		}
		metrics.BlobWrites.WithLabelValues("written").Inc()
	}

	meta.BodySHA256 = hash
	meta.BodyBytes = len(body)
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("marshal blob meta: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, hash+".meta.json"), metaData); err != nil {
		metrics.BlobWrites.WithLabelValues("error").Inc()
		return "", "", fmt.Errorf("write blob meta: %w", err)
	}
	return path, hash, nil
}

// Read returns the blob body for a path previously returned by Write.
func (s *Store) Read(_ context.Context, path string) ([]byte, error) {
	// Paths are produced by this store; refuse anything outside root.
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("blob path %s outside store root", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// ReadMeta returns the sidecar for a blob path.
func (s *Store) ReadMeta(ctx context.Context, blobPath string) (*Meta, error) {
	sidecar := blobPath[:len(blobPath)-len(filepath.Ext(blobPath))] + ".meta.json"
	data, err := s.Read(ctx, sidecar)
	if err != nil {
		return nil, err
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal blob meta: %w", err)
	}
	return &m, nil
}

// writeAtomic writes via a temp file and rename so readers never observe a
// partial blob.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
