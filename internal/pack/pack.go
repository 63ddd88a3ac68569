// Package pack walks a project directory, applies include/exclude rules,
// and produces a deterministic tar+zstd archive together with a manifest
// whose digest is the unit of idempotence for deploys: identical project
// contents always yield the identical digest.
package pack

import (
	"archive/tar"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"
	"github.com/moby/patternmatcher"
	"github.com/zeebo/blake3"

	"github.com/orbit88/cube.js/pkg/logger"
)

// ErrPackageTooLarge indicates the project exceeds the configured package
// ceiling. Raised before any network call so oversized projects fail fast.
var ErrPackageTooLarge = errors.New("package exceeds size limit")

// FileError reports an I/O failure on a specific project file. A build
// that hits one is aborted; partial archives are never produced.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// FileEntry describes one file included in the package.
type FileEntry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	Hash string `json:"hash"`
}

// Manifest is the immutable description of a built package.
type Manifest struct {
	Files     []FileEntry `json:"files"`
	TotalSize int64       `json:"total_size"`
	Digest    string      `json:"digest"`
}

// Rules holds include/exclude glob patterns applied relative to the
// project root. Empty include means everything not excluded.
type Rules struct {
	Include []string
	Exclude []string
}

// Builder produces deployment packages.
type Builder struct {
	maxBytes int64
	log      *slog.Logger
}

// NewBuilder creates a Builder with the given package size ceiling in
// bytes. A non-positive ceiling disables the check.
func NewBuilder(maxBytes int64, log *slog.Logger) *Builder {
	if log == nil {
		log = logger.Discard()
	}
	return &Builder{maxBytes: maxBytes, log: log}
}

// Build enumerates root under the rules and returns the manifest plus the
// archive bytes. File paths are ordered lexicographically before hashing
// and archiving so the digest is reproducible regardless of filesystem
// enumeration order.
func (b *Builder) Build(root string, rules Rules) (*Manifest, []byte, error) {
	paths, sizes, err := b.enumerate(root, rules)
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(paths)

	var total int64
	for _, p := range paths {
		total += sizes[p]
	}
	if b.maxBytes > 0 && total > b.maxBytes {
		return nil, nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPackageTooLarge, total, b.maxBytes)
	}

	manifest := &Manifest{TotalSize: total}
	digest := blake3.New()

	var buf bytes.Buffer
	// Single-threaded encoder keeps archive bytes reproducible, which
	// lets the remote dedup identical uploads by digest and content.
	zw, err := zstd.NewWriter(&buf, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, nil, fmt.Errorf("init zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	for _, rel := range paths {
		data, err := os.ReadFile(filepath.Join(root, rel))
		if err != nil {
			return nil, nil, &FileError{Path: rel, Err: err}
		}
		sum := blake3.Sum256(data)
		manifest.Files = append(manifest.Files, FileEntry{
			Path: rel,
			Size: int64(len(data)),
			Hash: hex.EncodeToString(sum[:]),
		})

		// Digest covers the ordered (path, bytes) stream. The NUL
		// separator keeps path/content boundaries unambiguous.
		digest.Write([]byte(rel))
		digest.Write([]byte{0})
		digest.Write(data)
		digest.Write([]byte{0})

		hdr := &tar.Header{
			Name:   filepath.ToSlash(rel),
			Mode:   0o644,
			Size:   int64(len(data)),
			Format: tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, nil, fmt.Errorf("write archive header for %s: %w", rel, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, nil, fmt.Errorf("write archive entry for %s: %w", rel, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, nil, fmt.Errorf("finalize archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, nil, fmt.Errorf("finalize compression: %w", err)
	}

	manifest.Digest = hex.EncodeToString(digest.Sum(nil))
	b.log.Debug("package built",
		"files", len(manifest.Files),
		"bytes", manifest.TotalSize,
		"digest", manifest.Digest)
	return manifest, buf.Bytes(), nil
}

// enumerate collects relative paths of regular files under root that pass
// the include/exclude rules, along with their sizes.
func (b *Builder) enumerate(root string, rules Rules) ([]string, map[string]int64, error) {
	excludes, err := patternmatcher.New(rules.Exclude)
	if err != nil {
		return nil, nil, fmt.Errorf("compile exclude rules: %w", err)
	}
	var includes *patternmatcher.PatternMatcher
	if len(rules.Include) > 0 {
		includes, err = patternmatcher.New(rules.Include)
		if err != nil {
			return nil, nil, fmt.Errorf("compile include rules: %w", err)
		}
	}

	var paths []string
	sizes := make(map[string]int64)
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				rel = path
			}
			return &FileError{Path: rel, Err: err}
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return &FileError{Path: path, Err: err}
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		excluded, err := excludes.MatchesOrParentMatches(rel)
		if err != nil {
			return fmt.Errorf("match %s against exclude rules: %w", rel, err)
		}
		if excluded {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			// Sockets, devices, and symlinks are not deployable content.
			b.log.Debug("skipping irregular file", "path", rel)
			return nil
		}
		if includes != nil {
			included, err := includes.MatchesOrParentMatches(rel)
			if err != nil {
				return fmt.Errorf("match %s against include rules: %w", rel, err)
			}
			if !included {
				return nil
			}
		}

		info, err := d.Info()
		if err != nil {
			return &FileError{Path: rel, Err: err}
		}
		paths = append(paths, rel)
		sizes[rel] = info.Size()
		return nil
	})
	if walkErr != nil {
		var fe *FileError
		if errors.As(walkErr, &fe) {
			return nil, nil, fe
		}
		return nil, nil, walkErr
	}
	if len(paths) == 0 {
		return nil, nil, fmt.Errorf("no deployable files under %s", root)
	}
	return paths, sizes, nil
}
