// Package fingerprint computes content digests for sync items. A
// fingerprint is the unit of change detection: two fingerprints compare
// equal exactly when the item content is identical, and an absent item
// has a well-defined fingerprint of its own.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"
)

// Fingerprint is a hex-encoded 128-bit content digest. Fingerprints are
// change-detection tokens, not integrity proofs.
type Fingerprint string

// Absent is the fingerprint of an item that does not exist on disk or
// in the remote record. It is a valid state, not an error.
const Absent Fingerprint = ""

// Present reports whether the fingerprint describes an existing item.
func (f Fingerprint) Present() bool {
	return f != Absent
}

// hashWorkers bounds concurrent item hashing.
const hashWorkers = 4

// NormalizePath converts a relative path to its canonical form: forward
// slashes and NFC-normalized Unicode. macOS reports NFD names, so
// without normalization the same file would fingerprint differently
// across platforms.
func NormalizePath(p string) string {
	return norm.NFC.String(filepath.ToSlash(p))
}

// Excluder matches entry base names against a set of glob patterns.
type Excluder struct {
	patterns []string
}

// NewExcluder validates the patterns and returns a matcher over them.
func NewExcluder(patterns []string) (*Excluder, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid exclude pattern %q", p)
		}
	}

	return &Excluder{patterns: patterns}, nil
}

// Match reports whether the entry base name matches any exclude pattern.
func (x *Excluder) Match(base string) bool {
	for _, p := range x.patterns {
		if ok, _ := doublestar.Match(p, base); ok {
			return true
		}
	}

	return false
}

// Engine computes fingerprints for items under a configuration root.
type Engine struct {
	root    string
	exclude *Excluder
	logger  *slog.Logger
}

// NewEngine creates a fingerprint engine rooted at the configuration
// directory.
func NewEngine(root string, exclude *Excluder, logger *slog.Logger) *Engine {
	return &Engine{root: root, exclude: exclude, logger: logger}
}

// Content returns the fingerprint of a byte slice.
func Content(data []byte) Fingerprint {
	sum := md5.Sum(data)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// Item computes the fingerprint of a single sync item, named relative
// to the root. Directory items end with a slash. A missing item yields
// Absent with no error.
func (e *Engine) Item(name string) (Fingerprint, error) {
	itemPath := filepath.Join(e.root, filepath.FromSlash(strings.TrimSuffix(name, "/")))

	info, err := os.Stat(itemPath)
	if os.IsNotExist(err) {
		return Absent, nil
	}
	if err != nil {
		return Absent, fmt.Errorf("stat %s: %w", name, err)
	}

	if info.IsDir() {
		return e.dirFingerprint(name, itemPath)
	}

	return e.fileFingerprint(name, itemPath)
}

// Items fingerprints a set of items concurrently and returns a map
// keyed by item name.
func (e *Engine) Items(names []string) (map[string]Fingerprint, error) {
	var mu sync.Mutex
	result := make(map[string]Fingerprint, len(names))

	g := &errgroup.Group{}
	g.SetLimit(hashWorkers)

	for _, name := range names {
		name := name
		g.Go(func() error {
			fp, err := e.Item(name)
			if err != nil {
				return err
			}

			mu.Lock()
			result[name] = fp
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return result, nil
}

func (e *Engine) fileFingerprint(name, path string) (Fingerprint, error) {
	h := md5.New()
	if err := hashFileInto(h, path); err != nil {
		return Absent, fmt.Errorf("hashing %s: %w", name, err)
	}

	return Fingerprint(hex.EncodeToString(h.Sum(nil))), nil
}

// dirFingerprint folds every non-excluded file under the directory into
// one digest: the normalized relative path followed by the file bytes,
// in lexical walk order. Renames therefore change the fingerprint even
// when content is untouched. Unreadable files are skipped so a single
// locked file cannot wedge the whole cycle.
func (e *Engine) dirFingerprint(name, dirPath string) (Fingerprint, error) {
	h := md5.New()

	err := filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			e.logger.Debug("skipping unreadable entry",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if e.exclude.Match(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dirPath, path)
		if err != nil {
			return fmt.Errorf("relativizing %s: %w", path, err)
		}

		f, err := os.Open(path)
		if err != nil {
			e.logger.Debug("skipping unreadable file",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)

			return nil
		}

		h.Write([]byte(NormalizePath(rel)))
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}

		return nil
	})
	if err != nil {
		return Absent, fmt.Errorf("walking %s: %w", name, err)
	}

	return Fingerprint(hex.EncodeToString(h.Sum(nil))), nil
}

func hashFileInto(h hash.Hash, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	return nil
}
