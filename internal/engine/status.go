package engine

import (
	"context"
	"errors"
	"time"

	"tabsync/internal/fingerprint"
	"tabsync/internal/state"
	"tabsync/internal/syncerrors"
)

// ItemStatus classifies one item without applying anything.
type ItemStatus struct {
	Item       string
	Action     Action
	LastSynced time.Time
}

// Status is a read-only view of where sync stands.
type Status struct {
	ConfigDir string
	GistID    string
	Device    string
	LastPull  time.Time

	// Offline is set when the remote record could not be reached; item
	// classification then assumes the remote side is unchanged.
	Offline bool

	// RemoteMissing is set when no record exists yet.
	RemoteMissing bool

	Items []ItemStatus
}

// Status fingerprints everything and classifies each item, with no
// writes on either side.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		ConfigDir: e.cfg.ConfigDir,
		GistID:    e.remote.GistID(),
		Device:    e.store.DeviceID(),
		LastPull:  e.store.LastPull(),
	}

	localFPs, err := e.fp.Items(e.cfg.SyncItems)
	if err != nil {
		return nil, err
	}

	remoteFPs := make(map[string]fingerprint.Fingerprint)

	snap, err := e.remote.Fetch(ctx)
	switch {
	case err == nil:
		for item, fp := range snap.Manifest.Items {
			remoteFPs[item] = fingerprint.Fingerprint(fp)
		}
	case errors.Is(err, syncerrors.ErrRemoteNotFound):
		st.RemoteMissing = true
	case errors.Is(err, syncerrors.ErrTransport):
		st.Offline = true
	default:
		return nil, err
	}

	for _, item := range e.cfg.SyncItems {
		itemState, err := e.store.GetItem(item)
		if err != nil && !errors.Is(err, syncerrors.ErrMetadata) {
			return nil, err
		}

		remote := remoteFPs[item]
		if st.Offline {
			remote = fingerprint.Fingerprint(itemState.LastRemote)
		}

		var synced time.Time
		if itemState.SyncedAt != 0 {
			synced = time.Unix(itemState.SyncedAt, 0)
		}

		st.Items = append(st.Items, ItemStatus{
			Item:       item,
			Action:     Classify(localFPs[item], remote, itemState),
			LastSynced: synced,
		})
	}

	return st, nil
}

// HistoryEntries exposes recent applied actions for the CLI.
func (e *Engine) HistoryEntries(limit int) ([]state.HistoryEntry, error) {
	return e.store.History(limit)
}
