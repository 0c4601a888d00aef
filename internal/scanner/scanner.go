// Package scanner implements the Scanner Set (C1): per-language file
// discovery across a project tree (or a single inline source unit), with
// bounded concurrency, truncation, and symlink-loop protection.
package scanner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/qualys/dspm/internal/models"
)

// ignoredDirs are never descended into, regardless of language filters.
// Fixed by spec §4.1 and property 1: exactly node_modules, .git, dist,
// build, .venv; tool/self is a two-component sequence handled separately
// by ignoredPathSequences.
var ignoredDirs = map[string]bool{
	"node_modules": true, ".git": true, "dist": true, "build": true, ".venv": true,
}

// ignoredPathSequences are consecutive-component path segments ignored
// wherever they occur under root, for ignored entries spec §4.1 names as a
// path rather than a single directory (tool/self).
var ignoredPathSequences = [][2]string{
	{"tool", "self"},
}

var extToLanguage = map[string]models.Language{
	".js": models.LangJavaScript, ".jsx": models.LangJavaScript, ".mjs": models.LangJavaScript, ".cjs": models.LangJavaScript,
	".ts": models.LangTypeScript, ".tsx": models.LangTypeScript,
	".java":  models.LangJava,
	".py":    models.LangPython,
	".go":    models.LangGo,
	".cs":    models.LangCSharp,
	".php":   models.LangPHP,
	".rb":    models.LangRuby,
	".swift": models.LangSwift,
	".kt":    models.LangKotlin, ".kts": models.LangKotlin,
	".rs":    models.LangRust,
	".scala": models.LangScala,
}

// File is one discovered scannable source unit.
type File struct {
	Path      string
	Language  models.Language
	Content   string
	Truncated bool
}

// DiscoverError records one file that could not be read; discovery continues
// past individual failures rather than aborting the whole walk.
type DiscoverError struct {
	Path string
	Err  error
}

func (e DiscoverError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

// Config tunes the discovery walk. IgnoredExtra is SPEC_FULL.md's
// ScannerConfig.IgnoredPathExtra: deployment-level path substrings; a
// directory whose full path contains any of them is skipped, in addition to
// the fixed ignoredDirs set.
type Config struct {
	Workers      int
	IgnoredExtra []string
}

func DefaultConfig() Config {
	return Config{Workers: 4}
}

type Scanner struct {
	cfg Config
}

func New(cfg Config) *Scanner {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Scanner{cfg: cfg}
}

// ScanInline materializes a single in-memory source unit as test.<file_type>
// inside a freshly created scratch directory, walks that directory like any
// project tree, and removes it before returning (the content has been read
// into memory by then). Every call gets its own scratch path, so concurrent
// invocations never share state. Cleanup errors are ignored; the OS temp
// dir reaper handles stragglers.
func (s *Scanner) ScanInline(ctx context.Context, src models.InlineSource, opts models.Options) ([]File, []DiscoverError) {
	scratch, err := os.MkdirTemp("", "inline-scan-*")
	if err != nil {
		return nil, []DiscoverError{{Path: "<inline>", Err: err}}
	}
	defer os.RemoveAll(scratch)

	name := "test." + strings.TrimPrefix(src.FileType, ".")
	path := filepath.Join(scratch, name)
	if err := os.WriteFile(path, []byte(src.Content), 0o600); err != nil {
		return nil, []DiscoverError{{Path: path, Err: err}}
	}

	return s.ScanPath(ctx, scratch, opts)
}

// ScanPath walks root, reading every recognized source file up to
// opts.MaxBytesPerFile, skipping ignored directories, binaries, and symlink
// cycles, and honoring opts.LanguageFilter. Discovery and reading happen
// concurrently across s.cfg.Workers goroutines; file order in the returned
// slice is not guaranteed, callers that need determinism should sort by Path.
func (s *Scanner) ScanPath(ctx context.Context, root string, opts models.Options) ([]File, []DiscoverError) {
	paths := s.discoverPaths(root, opts)

	pathCh := make(chan string, len(paths))
	fileCh := make(chan File, len(paths))
	errCh := make(chan DiscoverError, len(paths))

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range pathCh {
				select {
				case <-ctx.Done():
					return
				default:
				}
				f, err := readSourceFile(p, opts.MaxBytesPerFile)
				if err != nil {
					errCh <- DiscoverError{Path: p, Err: err}
					continue
				}
				if f == nil {
					continue // binary, skipped
				}
				fileCh <- *f
			}
		}()
	}

	go func() {
		for _, p := range paths {
			pathCh <- p
		}
		close(pathCh)
	}()

	go func() {
		wg.Wait()
		close(fileCh)
		close(errCh)
	}()

	var files []File
	var errs []DiscoverError
	for fileCh != nil || errCh != nil {
		select {
		case f, ok := <-fileCh:
			if !ok {
				fileCh = nil
				continue
			}
			files = append(files, f)
		case e, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			errs = append(errs, e)
		}
	}
	return files, errs
}

// discoverPaths walks root collecting candidate file paths that pass the
// extension and language filter. Symlinks are resolved once and a visited
// set of canonical directories prevents infinite loops.
func (s *Scanner) discoverPaths(root string, opts models.Options) []string {
	var out []string
	visitedDirs := map[string]bool{}

	var walk func(dir, parentName string)
	walk = func(dir, parentName string) {
		real, err := filepath.EvalSymlinks(dir)
		if err != nil {
			real = dir
		}
		if visitedDirs[real] {
			return
		}
		visitedDirs[real] = true

		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, entry := range entries {
			name := entry.Name()
			full := filepath.Join(dir, name)
			isDir := entry.IsDir()
			if !isDir && entry.Type()&os.ModeSymlink != 0 {
				if info, err := os.Stat(full); err == nil && info.IsDir() {
					isDir = true
				}
			}
			if isDir {
				if ignoredDirs[name] || isIgnoredSequence(parentName, name) || matchesIgnoredExtra(full, s.cfg.IgnoredExtra) {
					continue
				}
				walk(full, name)
				continue
			}
			lang, ok := extToLanguage[strings.ToLower(filepath.Ext(name))]
			if !ok {
				continue
			}
			if !opts.LanguageAllowed(lang) {
				continue
			}
			out = append(out, full)
		}
	}
	walk(root, "")
	return out
}

// isIgnoredSequence reports whether (parentName, name) completes one of
// ignoredPathSequences.
func isIgnoredSequence(parentName, name string) bool {
	for _, seq := range ignoredPathSequences {
		if seq[0] == parentName && seq[1] == name {
			return true
		}
	}
	return false
}

// matchesIgnoredExtra reports whether path contains any of the deployment-
// configured IGNORED_PATH_EXTRA substrings (spec §6: "comma-list of extra
// path substrings to ignore").
func matchesIgnoredExtra(path string, extra []string) bool {
	for _, sub := range extra {
		if sub != "" && strings.Contains(path, sub) {
			return true
		}
	}
	return false
}

// readSourceFile reads up to maxBytes of path, returning nil (no error) if the
// file's content is detected as binary.
func readSourceFile(path string, maxBytes int64) (*File, error) {
	if maxBytes <= 0 {
		maxBytes = 1_048_576
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	limited := io.LimitReader(f, maxBytes)
	content, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}

	if looksBinary(content) {
		return nil, nil
	}

	lang, _ := extToLanguage[strings.ToLower(filepath.Ext(path))]
	return &File{
		Path:      path,
		Language:  lang,
		Content:   string(content),
		Truncated: info.Size() > int64(len(content)),
	}, nil
}

// looksBinary applies the common NUL-byte / invalid-UTF-8 heuristic used by
// source scanners to skip non-text files cheaply.
func looksBinary(b []byte) bool {
	if bytes.IndexByte(b, 0) >= 0 {
		return true
	}
	sample := b
	if len(sample) > 8192 {
		sample = sample[:8192]
	}
	return !utf8.Valid(sample)
}
