// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

package parsers

import (
	"testing"
)

const landingPage = `<html><head>
<title>Acme — Widgets for Teams</title>
<meta name="description" content="Acme builds widgets.">
<meta name="keywords" content="widgets, teams">
<meta property="og:title" content="Acme">
<meta property="og:image" content="https://acme.example/og.png">
<meta name="twitter:card" content="summary">
</head><body>
<nav>
  <a href="/pricing">Pricing</a>
  <a href="/about">About</a>
  <a href="/blog">Blog</a>
  <a href="#">skip</a>
</nav>
<main><h1>Widgets for Teams</h1><p>intro</p></main>
<section><h2>How it works</h2><p>details</p></section>
</body></html>`

func TestParseStructure(t *testing.T) {
	res, err := ParseStructure(landingPage, "https://acme.example/")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if len(res.Data.NavLinks) != 3 {
		t.Fatalf("nav links = %d, want 3 (bare # anchors skipped): %+v", len(res.Data.NavLinks), res.Data.NavLinks)
	}
	for _, link := range res.Data.NavLinks {
		if link.URL[:len("https://acme.example/")] != "https://acme.example/" {
			t.Errorf("nav link not resolved against base: %s", link.URL)
		}
	}

	wantPresent := map[string]bool{"pricing": true, "about": true, "blog": true, "news": false, "careers": false, "features": false}
	for page, want := range wantPresent {
		if res.Data.KeyPages[page] != want {
			t.Errorf("key page %q = %v, want %v", page, res.Data.KeyPages[page], want)
		}
	}

	meta := res.Data.Metadata
	if meta.Title != "Acme — Widgets for Teams" {
		t.Errorf("title = %q", meta.Title)
	}
	if meta.Description != "Acme builds widgets." {
		t.Errorf("description = %q", meta.Description)
	}
	if meta.OpenGraph["og:title"] != "Acme" || meta.OpenGraph["og:image"] == "" {
		t.Errorf("open graph = %v", meta.OpenGraph)
	}
	if meta.Twitter["twitter:card"] != "summary" {
		t.Errorf("twitter = %v", meta.Twitter)
	}

	if len(res.Data.SectionHashes) != 2 {
		t.Errorf("section hashes = %v, want entries for both headings", res.Data.SectionHashes)
	}
	if _, ok := res.Data.SectionHashes["How it works"]; !ok {
		t.Errorf("missing section hash for %q: %v", "How it works", res.Data.SectionHashes)
	}
}

func TestParseStructureStableHash(t *testing.T) {
	a, err := ParseStructure(landingPage, "https://acme.example/")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b, err := ParseStructure(landingPage, "https://acme.example/")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	ha, _, _ := HashNormalized(a.Data)
	hb, _, _ := HashNormalized(b.Data)
	if ha != hb {
		t.Errorf("structure hash unstable: %s vs %s", ha, hb)
	}
}

func TestParseStructureSectionContentChangesHash(t *testing.T) {
	a, err := ParseStructure(landingPage, "https://acme.example/")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	reworded := `<html><body><section><h2>How it works</h2><p>completely different</p></section></body></html>`
	b, err := ParseStructure(reworded, "https://acme.example/")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if a.Data.SectionHashes["How it works"] == b.Data.SectionHashes["How it works"] {
		t.Error("section hash should change when section text changes")
	}
}
