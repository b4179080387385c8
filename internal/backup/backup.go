// Package backup captures safety snapshots of sync items before any
// destructive write, prunes old snapshots, and restores a chosen
// snapshot with validation and rollback support.
package backup

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"tabsync/internal/syncerrors"
)

const (
	// snapshotPrefix names snapshot directories taken before
	// destructive writes.
	snapshotPrefix = "config_backup_"

	// fallbackPrefix names offline saves written when every transport
	// failed during an upload.
	fallbackPrefix = "fallback_backup_"

	// timestampLayout encodes snapshot times into names.
	timestampLayout = "20060102_150405"

	dirPerm  = fs.FileMode(0o755)
	filePerm = fs.FileMode(0o644)
)

// Entry describes one snapshot on disk.
type Entry struct {
	Name string
	Path string
	Time time.Time
	Size int64
}

// Describe renders the entry for listing output.
func (e Entry) Describe() string {
	return fmt.Sprintf("%s  %s  (%s)", e.Name, humanize.Bytes(uint64(e.Size)), humanize.Time(e.Time))
}

// Manager owns the backup directory.
type Manager struct {
	dir    string
	max    int
	logger *slog.Logger
}

// New creates a backup manager keeping at most max snapshots.
func New(dir string, max int, logger *slog.Logger) *Manager {
	return &Manager{dir: dir, max: max, logger: logger}
}

// Snapshot copies the named items from root into a new timestamped
// snapshot directory. It either completes fully or removes the partial
// directory and reports ErrBackup; callers abort the destructive
// operation in that case. Missing items are skipped, a snapshot of
// nothing is still a valid (empty) snapshot.
func (m *Manager) Snapshot(root string, items []string) (*Entry, error) {
	if err := os.MkdirAll(m.dir, dirPerm); err != nil {
		return nil, fmt.Errorf("creating backup directory: %v: %w", err, syncerrors.ErrBackup)
	}

	name := m.freeName(snapshotPrefix + time.Now().Format(timestampLayout))
	dest := filepath.Join(m.dir, name)

	if err := os.Mkdir(dest, dirPerm); err != nil {
		return nil, fmt.Errorf("creating snapshot %s: %v: %w", name, err, syncerrors.ErrBackup)
	}

	var size int64

	for _, item := range items {
		src := filepath.Join(root, filepath.FromSlash(strings.TrimSuffix(item, "/")))

		info, err := os.Stat(src)
		if os.IsNotExist(err) {
			continue
		}
		if err == nil {
			dst := filepath.Join(dest, filepath.FromSlash(strings.TrimSuffix(item, "/")))
			var n int64
			if info.IsDir() {
				n, err = copyTree(src, dst)
			} else {
				n, err = copyFile(src, dst)
			}
			size += n
		}
		if err != nil {
			os.RemoveAll(dest)
			return nil, fmt.Errorf("snapshotting %s: %v: %w", item, err, syncerrors.ErrBackup)
		}
	}

	m.logger.Info("snapshot captured",
		slog.String("name", name),
		slog.String("size", humanize.Bytes(uint64(size))),
	)

	return &Entry{Name: name, Path: dest, Time: time.Now(), Size: size}, nil
}

// SaveFallback writes an upload payload that could not reach the remote
// record to a dated file in the backup area.
func (m *Manager) SaveFallback(blob []byte) (string, error) {
	if err := os.MkdirAll(m.dir, dirPerm); err != nil {
		return "", fmt.Errorf("creating backup directory: %w", err)
	}

	name := m.freeName(fallbackPrefix+time.Now().Format(timestampLayout)) + ".zip"
	path := filepath.Join(m.dir, name)

	if err := os.WriteFile(path, blob, filePerm); err != nil {
		return "", fmt.Errorf("writing offline save: %w", err)
	}

	m.logger.Warn("upload saved offline",
		slog.String("path", path),
		slog.String("size", humanize.Bytes(uint64(len(blob)))),
	)

	return path, nil
}

// freeName appends a numeric suffix when two snapshots land in the same
// second.
func (m *Manager) freeName(base string) string {
	name := base
	for n := 2; ; n++ {
		if _, err := os.Stat(filepath.Join(m.dir, name)); os.IsNotExist(err) {
			return name
		}

		name = fmt.Sprintf("%s_%d", base, n)
	}
}

// List returns all snapshots, newest first.
func (m *Manager) List() ([]Entry, error) {
	dirents, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	var entries []Entry

	for _, d := range dirents {
		if !d.IsDir() || !strings.HasPrefix(d.Name(), snapshotPrefix) {
			continue
		}

		path := filepath.Join(m.dir, d.Name())

		entries = append(entries, Entry{
			Name: d.Name(),
			Path: path,
			Time: entryTime(d.Name(), snapshotPrefix),
			Size: treeSize(path),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Time.Equal(entries[j].Time) {
			return entries[i].Name > entries[j].Name
		}

		return entries[i].Time.After(entries[j].Time)
	})

	return entries, nil
}

// Find returns the snapshot with the given name.
func (m *Manager) Find(name string) (*Entry, error) {
	entries, err := m.List()
	if err != nil {
		return nil, err
	}

	for i := range entries {
		if entries[i].Name == name {
			return &entries[i], nil
		}
	}

	return nil, fmt.Errorf("backup %q not found", name)
}

// Prune deletes the oldest snapshots and offline saves beyond the
// retention limit.
func (m *Manager) Prune() error {
	entries, err := m.List()
	if err != nil {
		return err
	}

	for _, e := range entries[min(len(entries), m.max):] {
		if err := os.RemoveAll(e.Path); err != nil {
			return fmt.Errorf("pruning %s: %w", e.Name, err)
		}

		m.logger.Debug("pruned snapshot", slog.String("name", e.Name))
	}

	return m.pruneFallbacks()
}

func (m *Manager) pruneFallbacks() error {
	dirents, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading backup directory: %w", err)
	}

	var names []string
	for _, d := range dirents {
		if !d.IsDir() && strings.HasPrefix(d.Name(), fallbackPrefix) {
			names = append(names, d.Name())
		}
	}

	// Timestamped names sort chronologically.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names[min(len(names), m.max):] {
		if err := os.Remove(filepath.Join(m.dir, name)); err != nil {
			return fmt.Errorf("pruning %s: %w", name, err)
		}

		m.logger.Debug("pruned offline save", slog.String("name", name))
	}

	return nil
}

// Restore copies a snapshot's contents back into root. The current
// state of the affected items is snapshotted first; that pre-restore
// snapshot is always returned so the caller can roll back. When
// validate is non-nil it runs against the restored primary document,
// and a failure is reported as ErrIntegrity without undoing the
// restore.
func (m *Manager) Restore(e Entry, root string, primary string, validate func([]byte) error) (*Entry, error) {
	items, err := snapshotItems(e.Path)
	if err != nil {
		return nil, err
	}

	pre, err := m.Snapshot(root, items)
	if err != nil {
		return nil, err
	}

	if _, err := copyTree(e.Path, root); err != nil {
		return pre, fmt.Errorf("restoring %s: %w", e.Name, err)
	}

	if validate != nil {
		doc, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(primary)))
		if err == nil {
			if verr := validate(doc); verr != nil {
				return pre, fmt.Errorf("restored %s failed validation: %v: %w", primary, verr, syncerrors.ErrIntegrity)
			}
		}
	}

	m.logger.Info("restored snapshot", slog.String("name", e.Name))

	return pre, nil
}

// entryTime recovers a snapshot's creation time from its name.
// Collision suffixes after the timestamp are ignored.
func entryTime(name, prefix string) time.Time {
	stamp := strings.TrimPrefix(name, prefix)
	if len(stamp) > len(timestampLayout) {
		stamp = stamp[:len(timestampLayout)]
	}

	t, err := time.ParseInLocation(timestampLayout, stamp, time.Local)
	if err != nil {
		return time.Time{}
	}

	return t
}

func treeSize(path string) int64 {
	var size int64

	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}

		if info, err := d.Info(); err == nil {
			size += info.Size()
		}

		return nil
	})

	return size
}

// snapshotItems lists the top-level entries of a snapshot directory.
func snapshotItems(path string) ([]string, error) {
	dirents, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", path, err)
	}

	items := make([]string, 0, len(dirents))
	for _, d := range dirents {
		name := d.Name()
		if d.IsDir() {
			name += "/"
		}

		items = append(items, name)
	}

	return items, nil
}

func copyTree(src, dst string) (int64, error) {
	var size int64

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, dirPerm)
		}

		if !d.Type().IsRegular() {
			return nil
		}

		n, err := copyFile(path, target)
		size += n

		return err
	})

	return size, err
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return 0, err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, err
	}

	return n, out.Close()
}
