package remotearchive

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestIsRemote(t *testing.T) {
	cases := map[string]bool{
		"s3://bucket/prefix":      true,
		"gs://bucket/obj":         true,
		"azblob://container/blob": true,
		"/local/path":             false,
		"relative/path":           false,
		"":                        false,
	}
	for path, want := range cases {
		if got := IsRemote(path); got != want {
			t.Errorf("IsRemote(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestResolve_LocalPathPassesThrough(t *testing.T) {
	dir, cleanup, err := Resolve(context.Background(), "/some/local/dir")
	if err != nil {
		t.Fatalf("Resolve returned error for a local path: %v", err)
	}
	defer cleanup()
	if dir != "/some/local/dir" {
		t.Fatalf("expected the local path unchanged, got %q", dir)
	}
}

func TestSplitContainerPrefix(t *testing.T) {
	bucket, prefix := splitContainerPrefix("s3://my-bucket/team/project", "s3://")
	if bucket != "my-bucket" || prefix != "team/project" {
		t.Fatalf("unexpected split: %q, %q", bucket, prefix)
	}

	bucket, prefix = splitContainerPrefix("gs://only-bucket", "gs://")
	if bucket != "only-bucket" || prefix != "" {
		t.Fatalf("unexpected split without prefix: %q, %q", bucket, prefix)
	}
}

func TestWriteLocal_CreatesNestedDirectories(t *testing.T) {
	scratch := t.TempDir()
	if err := writeLocal(scratch, "a/b/c.go", strings.NewReader("package c")); err != nil {
		t.Fatalf("writeLocal returned error: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(scratch, "a", "b", "c.go"))
	if err != nil {
		t.Fatalf("reading written file: %v", err)
	}
	if string(data) != "package c" {
		t.Fatalf("unexpected content: %q", data)
	}
}
