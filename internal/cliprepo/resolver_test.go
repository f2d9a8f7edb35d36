/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package cliprepo

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func testResolver(t *testing.T, root string) *Resolver {
	t.Helper()
	r, err := NewResolver(context.Background(), root, S3Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return r
}

func TestResolveFilesystemLocator(t *testing.T) {
	root := t.TempDir()
	r := testResolver(t, root)

	got, err := r.Resolve(context.Background(), "fs:loops/morning.opus")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := filepath.Join(root, "loops", "morning.opus")
	if got != want {
		t.Fatalf("resolved = %q, want %q", got, want)
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	r := testResolver(t, t.TempDir())

	for _, locator := range []string{
		"fs:../etc/passwd",
		"fs:loops/../../../secret",
		"fs:/../../outside",
	} {
		got, err := r.Resolve(context.Background(), locator)
		if err != nil {
			continue // rejection is fine
		}
		rel, relErr := filepath.Rel(r.mediaRoot, got)
		if relErr != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			t.Fatalf("locator %q escaped media root: %q", locator, got)
		}
	}
}

func TestResolvePassesThroughHTTP(t *testing.T) {
	r := testResolver(t, t.TempDir())

	const url = "https://cdn.example.net/loops/a.opus"
	got, err := r.Resolve(context.Background(), url)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != url {
		t.Fatalf("resolved = %q, want %q", got, url)
	}
}

func TestResolveUnknownScheme(t *testing.T) {
	r := testResolver(t, t.TempDir())

	if _, err := r.Resolve(context.Background(), "gopher:foo"); !errors.Is(err, ErrUnknownScheme) {
		t.Fatalf("err = %v, want ErrUnknownScheme", err)
	}
}

func TestResolveS3WithoutConfig(t *testing.T) {
	r := testResolver(t, t.TempDir())

	if _, err := r.Resolve(context.Background(), "s3:loops/a.opus"); !errors.Is(err, ErrS3NotConfigured) {
		t.Fatalf("err = %v, want ErrS3NotConfigured", err)
	}
}
