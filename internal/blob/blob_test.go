// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteAndRead(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	body := []byte("<html><body>pricing page</body></html>")
	fetchedAt := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	path, hash, err := s.Write(ctx, body, Meta{
		URL:        "https://acme.example/pricing",
		StatusCode: 200,
		FetchedAt:  fetchedAt,
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(hash) != 64 {
		t.Errorf("hash length = %d, want 64", len(hash))
	}
	if want := filepath.Join("2026", "08", "25", hash+".html"); !strings.HasSuffix(path, want) {
		t.Errorf("path %s does not end with %s", path, want)
	}

	got, err := s.Read(ctx, path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(body) {
		t.Error("read body differs from written body")
	}

	meta, err := s.ReadMeta(ctx, path)
	if err != nil {
		t.Fatalf("read meta: %v", err)
	}
	if meta.URL != "https://acme.example/pricing" || meta.BodySHA256 != hash || meta.BodyBytes != len(body) {
		t.Errorf("unexpected meta: %+v", meta)
	}
}

func TestWriteDeduplicatesSameDay(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	body := []byte("same content")
	at := time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC)

	p1, h1, err := s.Write(ctx, body, Meta{URL: "https://a.example/", FetchedAt: at})
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	p2, h2, err := s.Write(ctx, body, Meta{URL: "https://b.example/", FetchedAt: at.Add(time.Hour)})
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if p1 != p2 || h1 != h2 {
		t.Errorf("same-day identical bodies should share a blob: %s vs %s", p1, p2)
	}

	// Sidecar reflects the most recent write.
	meta, err := s.ReadMeta(ctx, p1)
	if err != nil {
		t.Fatalf("read meta: %v", err)
	}
	if meta.URL != "https://b.example/" {
		t.Errorf("sidecar URL = %s, want refreshed value", meta.URL)
	}
}

func TestReadRejectsOutsideRoot(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	outside := filepath.Join(t.TempDir(), "secret.html")
	if err := os.WriteFile(outside, []byte("x"), 0o600); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if _, err := s.Read(context.Background(), outside); err == nil {
		t.Error("expected error reading path outside store root")
	}
}
