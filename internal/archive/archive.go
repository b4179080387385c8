// Package archive packs sync items into an in-memory zip container and
// unpacks containers back onto disk. All entry paths are relative to
// the configuration root, in normalized forward-slash form, so archives
// round-trip between platforms.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"tabsync/internal/fingerprint"
)

// extractWorkers bounds concurrent entry extraction.
const extractWorkers = 8

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Packer builds and extracts zip containers for items under a
// configuration root.
type Packer struct {
	root    string
	exclude *fingerprint.Excluder
	logger  *slog.Logger
}

// NewPacker creates a packer rooted at the configuration directory.
// The root must be an absolute path.
func NewPacker(root string, exclude *fingerprint.Excluder, logger *slog.Logger) *Packer {
	return &Packer{root: root, exclude: exclude, logger: logger}
}

// Pack archives the named items into a zip held in memory. Items that
// do not exist are skipped, excluded entries are omitted, and
// unreadable files are logged and skipped. Entry order is sorted so the
// same tree always produces the same archive listing.
func (p *Packer) Pack(items []string) ([]byte, error) {
	sorted := append([]string(nil), items...)
	sort.Strings(sorted)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, item := range sorted {
		itemPath := filepath.Join(p.root, filepath.FromSlash(strings.TrimSuffix(item, "/")))

		info, err := os.Stat(itemPath)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", item, err)
		}

		if info.IsDir() {
			if err := p.packDir(zw, itemPath); err != nil {
				return nil, err
			}

			continue
		}

		if err := p.packFile(zw, itemPath); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing archive: %w", err)
	}

	return buf.Bytes(), nil
}

func (p *Packer) packDir(zw *zip.Writer, dirPath string) error {
	return filepath.WalkDir(dirPath, func(walkPath string, d fs.DirEntry, err error) error {
		if err != nil {
			p.logger.Warn("skipping unreadable entry",
				slog.String("path", walkPath),
				slog.String("error", err.Error()),
			)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if p.exclude.Match(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		return p.packFile(zw, walkPath)
	})
}

func (p *Packer) packFile(zw *zip.Writer, filePath string) error {
	rel, err := filepath.Rel(p.root, filePath)
	if err != nil {
		return fmt.Errorf("relativizing %s: %w", filePath, err)
	}

	f, err := os.Open(filePath)
	if err != nil {
		p.logger.Warn("skipping unreadable file",
			slog.String("path", filePath),
			slog.String("error", err.Error()),
		)

		return nil
	}
	defer f.Close()

	w, err := zw.Create(fingerprint.NormalizePath(rel))
	if err != nil {
		return fmt.Errorf("adding %s to archive: %w", rel, err)
	}

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("writing %s to archive: %w", rel, err)
	}

	return nil
}

// Unpack extracts a zip container into dest. When only is non-nil, just
// entries belonging to those items are extracted. Entries are written
// concurrently; on error the destination may hold a partial extraction,
// so callers must snapshot before unpacking and restore on failure.
func (p *Packer) Unpack(ctx context.Context, blob []byte, dest string, only []string) error {
	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}

	destAbs, err := filepath.Abs(dest)
	if err != nil {
		return fmt.Errorf("resolving destination: %w", err)
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(extractWorkers)

	for _, f := range zr.File {
		f := f
		if f.FileInfo().IsDir() {
			continue
		}

		name, err := safeEntryName(f.Name)
		if err != nil {
			return err
		}

		if only != nil && !entryInItems(name, only) {
			continue
		}

		g.Go(func() error {
			return extractEntry(f, destAbs, name)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("extracting archive: %w", err)
	}

	return nil
}

// ReadEntry returns the content of a single named entry without
// touching disk. The second return reports whether the entry exists.
func ReadEntry(blob []byte, name string) ([]byte, bool, error) {
	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return nil, false, fmt.Errorf("opening archive: %w", err)
	}

	for _, f := range zr.File {
		if path.Clean(f.Name) != name {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, false, fmt.Errorf("opening entry %s: %w", name, err)
		}
		defer rc.Close()

		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, false, fmt.Errorf("reading entry %s: %w", name, err)
		}

		return data, true, nil
	}

	return nil, false, nil
}

// safeEntryName rejects entries whose paths would escape the
// destination directory.
func safeEntryName(name string) (string, error) {
	cleaned := path.Clean(name)
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}

	return cleaned, nil
}

func entryInItems(name string, items []string) bool {
	for _, item := range items {
		it := strings.TrimSuffix(item, "/")
		if name == it || strings.HasPrefix(name, it+"/") {
			return true
		}
	}

	return false
}

func extractEntry(f *zip.File, destAbs, name string) error {
	target := filepath.Join(destAbs, filepath.FromSlash(name))
	if !strings.HasPrefix(target, destAbs+string(os.PathSeparator)) {
		return fmt.Errorf("archive entry %q escapes destination", name)
	}

	if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return fmt.Errorf("creating directory for %s: %w", name, err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening entry %s: %w", name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}

	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("writing %s: %w", name, err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", name, err)
	}

	return nil
}
