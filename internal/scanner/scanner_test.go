package scanner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/qualys/dspm/internal/models"
)

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

// Scanner completeness (property 1): the discovered set equals every file
// whose extension is supported and whose path doesn't intersect an ignored
// directory.
func TestScanPath_DiscoversSupportedExtensionsOnly(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "app.js", "const x = 1;")
	writeFile(t, dir, "readme.txt", "not source")
	writeFile(t, dir, "main.go", "package main")

	sc := New(DefaultConfig())
	files, errs := sc.ScanPath(context.Background(), dir, models.DefaultOptions())
	if len(errs) != 0 {
		t.Fatalf("unexpected discovery errors: %v", errs)
	}

	paths := map[string]bool{}
	for _, f := range files {
		paths[filepath.Base(f.Path)] = true
	}
	if !paths["app.js"] || !paths["main.go"] {
		t.Fatalf("expected app.js and main.go to be discovered, got %v", paths)
	}
	if paths["readme.txt"] {
		t.Fatal("did not expect readme.txt (unsupported extension) to be discovered")
	}
}

func TestScanPath_SkipsIgnoredDirectories(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "node_modules/dep/index.js", "module.exports = {}")
	writeFile(t, dir, ".git/hooks/pre-commit.js", "// hook")
	writeFile(t, dir, "src/app.js", "const x = 1;")

	sc := New(DefaultConfig())
	files, _ := sc.ScanPath(context.Background(), dir, models.DefaultOptions())

	for _, f := range files {
		if strings.Contains(f.Path, "node_modules") || strings.Contains(f.Path, ".git") {
			t.Fatalf("expected ignored directory to be skipped, got file %s", f.Path)
		}
	}
	found := false
	for _, f := range files {
		if filepath.Base(f.Path) == "app.js" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected src/app.js to be discovered")
	}
}

func TestScanPath_SkipsToolSelfSequence(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "tool/self/generated.js", "const x = 1;")
	writeFile(t, dir, "tool/other/app.js", "const y = 2;")

	sc := New(DefaultConfig())
	files, _ := sc.ScanPath(context.Background(), dir, models.DefaultOptions())

	for _, f := range files {
		if strings.Contains(f.Path, filepath.Join("tool", "self")) {
			t.Fatalf("expected tool/self to be ignored, got file %s", f.Path)
		}
	}
	found := false
	for _, f := range files {
		if filepath.Base(f.Path) == "app.js" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected tool/other/app.js to still be discovered (only tool/self is ignored)")
	}
}

func TestScanPath_HonorsConfiguredIgnoredExtra(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "vendor/lib.js", "const x = 1;")
	writeFile(t, dir, "src/app.js", "const y = 2;")

	sc := New(Config{Workers: 4, IgnoredExtra: []string{"vendor"}})
	files, _ := sc.ScanPath(context.Background(), dir, models.DefaultOptions())

	for _, f := range files {
		if strings.Contains(f.Path, "vendor") {
			t.Fatalf("expected configured IgnoredExtra entry 'vendor' to be skipped, got file %s", f.Path)
		}
	}
	found := false
	for _, f := range files {
		if filepath.Base(f.Path) == "app.js" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected src/app.js to still be discovered")
	}
}

func TestScanPath_DotPrefixedDirectoryNotBlanketSkipped(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".config/app.js", "const x = 1;")

	sc := New(DefaultConfig())
	files, _ := sc.ScanPath(context.Background(), dir, models.DefaultOptions())

	found := false
	for _, f := range files {
		if filepath.Base(f.Path) == "app.js" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected .config/app.js to be discovered; only the fixed ignored-path set should be skipped, not every dot-prefixed directory")
	}
}

// Discovery is defined by extension and path alone: an empty file that
// matches still appears in the discovered set, with empty content.
func TestScanPath_IncludesZeroByteFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "empty.go", "")

	sc := New(DefaultConfig())
	files, errs := sc.ScanPath(context.Background(), dir, models.DefaultOptions())
	if len(errs) != 0 {
		t.Fatalf("unexpected discovery errors: %v", errs)
	}
	if len(files) != 1 {
		t.Fatalf("expected the zero-byte file discovered, got %d files", len(files))
	}
	if files[0].Content != "" || files[0].Truncated {
		t.Fatalf("expected empty, untruncated content, got %q (truncated=%v)", files[0].Content, files[0].Truncated)
	}
}

func TestScanPath_SkipsBinaryFiles(t *testing.T) {
	dir := t.TempDir()
	binPath := filepath.Join(dir, "data.go")
	if err := os.WriteFile(binPath, []byte{0x00, 0x01, 0x02, 'p', 'a', 'c', 'k', 'a', 'g', 'e'}, 0o644); err != nil {
		t.Fatalf("write binary fixture: %v", err)
	}

	sc := New(DefaultConfig())
	files, _ := sc.ScanPath(context.Background(), dir, models.DefaultOptions())
	if len(files) != 0 {
		t.Fatalf("expected the NUL-containing file to be skipped as binary, got %d files", len(files))
	}
}

func TestScanPath_TruncatesOverSizedFiles(t *testing.T) {
	dir := t.TempDir()
	big := make([]byte, 100)
	for i := range big {
		big[i] = 'a'
	}
	writeFile(t, dir, "big.go", "package main\n"+string(big))

	sc := New(DefaultConfig())
	opts := models.DefaultOptions()
	opts.MaxBytesPerFile = 20

	files, _ := sc.ScanPath(context.Background(), dir, opts)
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	if !files[0].Truncated {
		t.Fatal("expected the over-sized file to be flagged as truncated")
	}
	if int64(len(files[0].Content)) > opts.MaxBytesPerFile {
		t.Fatalf("expected content capped at %d bytes, got %d", opts.MaxBytesPerFile, len(files[0].Content))
	}
}

func TestScanPath_BreaksSymlinkLoops(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, dir, "sub/app.js", "const x = 1;")

	loop := filepath.Join(sub, "loop")
	if err := os.Symlink(dir, loop); err != nil {
		t.Skipf("symlinks not supported in this environment: %v", err)
	}

	sc := New(DefaultConfig())
	done := make(chan []File, 1)
	go func() {
		files, _ := sc.ScanPath(context.Background(), dir, models.DefaultOptions())
		done <- files
	}()

	var files []File
	select {
	case files = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ScanPath did not terminate; symlink loop was not broken")
	}

	count := 0
	for _, f := range files {
		if filepath.Base(f.Path) == "app.js" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one visit of app.js through the symlink loop, got %d", count)
	}
}

func TestScanInline_MaterializesAndCleansUpScratchDir(t *testing.T) {
	sc := New(DefaultConfig())
	files, errs := sc.ScanInline(context.Background(), models.InlineSource{Content: "public class T {}", FileType: "java"}, models.DefaultOptions())
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(files) != 1 {
		t.Fatalf("expected exactly one inline file, got %d", len(files))
	}
	if files[0].Language != models.LangJava {
		t.Fatalf("expected Java language inferred from file_type, got %s", files[0].Language)
	}
	if filepath.Base(files[0].Path) != "test.java" {
		t.Fatalf("expected the inline unit named test.<file_type>, got %s", files[0].Path)
	}
	if _, err := os.Stat(filepath.Dir(files[0].Path)); !os.IsNotExist(err) {
		t.Fatal("expected the scratch directory removed after scanning")
	}
	if files[0].Content != "public class T {}" {
		t.Fatalf("expected the content read back intact, got %q", files[0].Content)
	}
}

func TestScanInline_ConcurrentCallsUseDistinctScratchDirs(t *testing.T) {
	sc := New(DefaultConfig())
	type result struct {
		files []File
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			files, _ := sc.ScanInline(context.Background(), models.InlineSource{Content: "x = 1", FileType: "py"}, models.DefaultOptions())
			results <- result{files}
		}()
	}
	a, b := <-results, <-results
	if len(a.files) != 1 || len(b.files) != 1 {
		t.Fatalf("expected one file per invocation, got %d and %d", len(a.files), len(b.files))
	}
	if a.files[0].Path == b.files[0].Path {
		t.Fatal("expected concurrent invocations to use distinct scratch directories")
	}
}

func TestScanPath_EmptyDirectoryReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	sc := New(DefaultConfig())
	files, errs := sc.ScanPath(context.Background(), dir, models.DefaultOptions())
	if len(files) != 0 || len(errs) != 0 {
		t.Fatalf("expected no files and no errors for an empty directory, got %d files, %d errs", len(files), len(errs))
	}
}
