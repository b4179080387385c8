// Package state persists sync metadata in a bbolt database inside the
// Tabby config directory: per-item fingerprints from the last
// successful sync, an append-only action history, the gist id, and a
// stable device identity. Metadata is local-only and never transmitted.
package state

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/denisbrodbeck/machineid"
	bolt "go.etcd.io/bbolt"

	"tabsync/internal/syncerrors"
)

const (
	// stateDirPerm is the permission mode for the metadata directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// machineIDApp salts the hashed machine id so it cannot be
	// correlated with other applications' device identifiers.
	machineIDApp = "tabsync"
)

var (
	appBucket     = []byte("app")
	itemsBucket   = []byte("items")
	historyBucket = []byte("history")

	deviceIDKey = []byte("device_id")
	gistIDKey   = []byte("gist_id")
	lastPullKey = []byte("last_pull")
)

// ItemState holds the fingerprints recorded after the last successful
// sync of one item. Empty fingerprints mean the item was absent.
type ItemState struct {
	LastLocal  string `json:"last_local"`
	LastRemote string `json:"last_remote"`
	SyncedAt   int64  `json:"synced_at"`
}

// Zero reports whether the item has never been synced.
func (st ItemState) Zero() bool {
	return st.LastLocal == "" && st.LastRemote == "" && st.SyncedAt == 0
}

// HistoryEntry records one applied sync action.
type HistoryEntry struct {
	Time   int64  `json:"time"`
	Action string `json:"action"`
	Item   string `json:"item"`
	Device string `json:"device_id"`
}

// Store wraps a bbolt database for all persistent sync metadata.
type Store struct {
	db       *bolt.DB
	deviceID string
}

// Load opens the metadata database at the given path, creating it if it
// does not exist. An unreadable database file is moved aside and
// replaced with a fresh one, so corrupt metadata degrades to a
// first-run state instead of blocking sync. A lock timeout is not
// corruption: it means another instance holds the database, and moving
// the live file aside would destroy its fingerprints and gist id.
func Load(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, fmt.Errorf("state db is locked, another tabsync instance is probably running: %w", err)
	}
	if err != nil {
		aside := path + ".corrupt"
		if renameErr := os.Rename(path, aside); renameErr != nil {
			return nil, fmt.Errorf("opening state db: %w", err)
		}

		db, err = bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
		if err != nil {
			return nil, fmt.Errorf("reopening state db after moving corrupt file aside: %w", err)
		}
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		if _, err := tx.CreateBucketIfNotExists(itemsBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(historyBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	s := &Store{db: db}
	if err := s.ensureDeviceID(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DeviceID returns the stable identity this machine signs history
// entries with.
func (s *Store) DeviceID() string {
	return s.deviceID
}

// ensureDeviceID loads the persisted device id, generating one on first
// run. machineid yields an app-scoped hash of the OS machine id; when
// that is unavailable (some containers), a hash of the hostname is used.
func (s *Store) ensureDeviceID() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		if v := b.Get(deviceIDKey); v != nil {
			s.deviceID = string(v)
			return nil
		}

		id, err := machineid.ProtectedID(machineIDApp)
		if err != nil {
			hostname, hostErr := os.Hostname()
			if hostErr != nil {
				hostname = "unknown"
			}

			sum := md5.Sum([]byte(hostname))
			id = hex.EncodeToString(sum[:])
		}

		// Short form is enough to tell devices apart in history output.
		if len(id) > 16 {
			id = id[:16]
		}

		s.deviceID = id

		return b.Put(deviceIDKey, []byte(id))
	})
	if err != nil {
		return fmt.Errorf("ensuring device id: %w", err)
	}

	return nil
}

// GetItem returns the recorded state for a sync item. A missing record
// yields a zero state. A record that fails to decode also yields a zero
// state, wrapped with ErrMetadata so the caller can log the degradation.
func (s *Store) GetItem(name string) (ItemState, error) {
	var st ItemState

	var decodeErr error

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(itemsBucket).Get([]byte(name))
		if v == nil {
			return nil
		}

		if err := json.Unmarshal(v, &st); err != nil {
			st = ItemState{}
			decodeErr = fmt.Errorf("decoding state for %s: %v: %w", name, err, syncerrors.ErrMetadata)
		}

		return nil
	})
	if err != nil {
		return ItemState{}, fmt.Errorf("reading state for %s: %w", name, err)
	}

	return st, decodeErr
}

// AllItems returns the recorded state for every known item.
func (s *Store) AllItems() (map[string]ItemState, error) {
	result := make(map[string]ItemState)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(itemsBucket).ForEach(func(k, v []byte) error {
			var st ItemState
			if err := json.Unmarshal(v, &st); err != nil {
				// Undecodable entries behave as never-synced.
				return nil
			}

			result[string(k)] = st

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading item states: %w", err)
	}

	return result, nil
}

// SetItem records item state without a history entry. Used to baseline
// items that are discovered already converged, where no action was
// applied and history would be noise.
func (s *Store) SetItem(name string, st ItemState) error {
	if st.SyncedAt == 0 {
		st.SyncedAt = time.Now().Unix()
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}

		return tx.Bucket(itemsBucket).Put([]byte(name), data)
	})
	if err != nil {
		return fmt.Errorf("writing state for %s: %w", name, err)
	}

	return nil
}

// Commit records the outcome of a successfully applied action for one
// item: the new fingerprints and a history entry, in a single
// transaction. It must only be called after the external write has
// durably succeeded.
func (s *Store) Commit(name, action string, st ItemState) error {
	now := time.Now()
	if st.SyncedAt == 0 {
		st.SyncedAt = now.Unix()
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}

		if err := tx.Bucket(itemsBucket).Put([]byte(name), data); err != nil {
			return err
		}

		return appendHistory(tx, HistoryEntry{
			Time:   now.Unix(),
			Action: action,
			Item:   name,
			Device: s.deviceID,
		})
	})
	if err != nil {
		return fmt.Errorf("committing state for %s: %w", name, err)
	}

	return nil
}

func appendHistory(tx *bolt.Tx, e HistoryEntry) error {
	b := tx.Bucket(historyBucket)

	seq, err := b.NextSequence()
	if err != nil {
		return err
	}

	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	return b.Put(key, data)
}

// History returns up to limit entries, most recent first.
func (s *Store) History(limit int) ([]HistoryEntry, error) {
	var entries []HistoryEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(historyBucket).Cursor()

		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var e HistoryEntry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}

			entries = append(entries, e)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}

	return entries, nil
}

// GistID returns the persisted gist id, or empty string.
func (s *Store) GistID() string {
	var id string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(gistIDKey); v != nil {
			id = string(v)
		}

		return nil
	})

	return id
}

// SetGistID persists the gist id returned by record creation.
func (s *Store) SetGistID(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(gistIDKey, []byte(id))
	})
}

// LastPull returns the remote timestamp seen at the last applied
// download, or the zero time.
func (s *Store) LastPull() time.Time {
	var t time.Time

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(lastPullKey)
		if v == nil {
			return nil
		}

		parsed, err := time.Parse(time.RFC3339, string(v))
		if err != nil {
			return nil
		}

		t = parsed

		return nil
	})

	return t
}

// SetLastPull records the remote timestamp after an applied download.
func (s *Store) SetLastPull(t time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(lastPullKey, []byte(t.UTC().Format(time.RFC3339)))
	})
}
