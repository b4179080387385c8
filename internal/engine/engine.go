// Package engine drives sync cycles: it fingerprints local items,
// compares them against the remote record and the stored metadata,
// classifies each item into an action, and applies the actions in a
// safe order with backups before every destructive write.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofrs/flock"

	"tabsync/internal/archive"
	"tabsync/internal/backup"
	"tabsync/internal/config"
	"tabsync/internal/fingerprint"
	"tabsync/internal/mergecfg"
	"tabsync/internal/state"
	"tabsync/internal/transport"
)

// Action is the per-item decision of a sync cycle.
type Action int

const (
	// ActionNone means neither side changed.
	ActionNone Action = iota

	// ActionUpload means only the local copy changed.
	ActionUpload

	// ActionDownload means only the remote copy changed.
	ActionDownload

	// ActionMerge means both sides changed since the last sync.
	ActionMerge
)

func (a Action) String() string {
	switch a {
	case ActionUpload:
		return "upload"
	case ActionDownload:
		return "download"
	case ActionMerge:
		return "merge"
	default:
		return "none"
	}
}

// Force short-circuits classification for explicit push/pull commands.
type Force int

const (
	ForceNone Force = iota
	ForceUpload
	ForceDownload
)

// Outcome is the per-item result of applying an action.
type Outcome int

const (
	// OutcomeNoop means nothing needed to change.
	OutcomeNoop Outcome = iota

	// OutcomeUploaded means the item reached the remote record.
	OutcomeUploaded

	// OutcomeDownloaded means the remote copy was applied locally.
	OutcomeDownloaded

	// OutcomeMerged means both sides were combined and uploaded.
	OutcomeMerged

	// OutcomeOffline means the upload payload was saved to a dated
	// local file because every transport failed. Metadata is untouched
	// so the next cycle retries.
	OutcomeOffline

	// OutcomePending means a manual conflict decision is required.
	// Nothing was written.
	OutcomePending

	// OutcomeFailed means the action errored; see ItemReport.Err.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUploaded:
		return "uploaded"
	case OutcomeDownloaded:
		return "downloaded"
	case OutcomeMerged:
		return "merged"
	case OutcomeOffline:
		return "offline-saved"
	case OutcomePending:
		return "pending-decision"
	case OutcomeFailed:
		return "failed"
	default:
		return "up-to-date"
	}
}

// ItemReport records what happened to one sync item during a cycle.
type ItemReport struct {
	Item    string
	Action  Action
	Outcome Outcome
	Err     error
}

// Report summarizes a completed sync cycle.
type Report struct {
	When  time.Time
	Items []ItemReport

	// Diff is set when a manual conflict decision is pending on the
	// primary document.
	Diff string
}

// Pending reports whether any item awaits a manual decision.
func (r *Report) Pending() bool {
	for _, it := range r.Items {
		if it.Outcome == OutcomePending {
			return true
		}
	}

	return false
}

// Failed returns the first item error, if any.
func (r *Report) Failed() error {
	for _, it := range r.Items {
		if it.Err != nil {
			return it.Err
		}
	}

	return nil
}

// Remote is the slice of the gist client the engine drives. Narrowed to
// an interface so cycle tests can run against an in-memory record.
type Remote interface {
	Fetch(ctx context.Context) (*transport.Snapshot, error)
	ProbeUpdatedAt(ctx context.Context) (time.Time, error)
	Upload(ctx context.Context, description string, archive, manifest []byte) (transport.Outcome, error)
	Create(ctx context.Context, description string, archive, manifest []byte) (string, transport.Outcome, error)
	GistID() string
	SetGistID(id string)
}

// Engine owns one configuration root and its sync collaborators.
type Engine struct {
	cfg      *config.Config
	fp       *fingerprint.Engine
	packer   *archive.Packer
	remote   Remote
	backups  *backup.Manager
	store    *state.Store
	strategy mergecfg.Strategy
	lock     *flock.Flock
	logger   *slog.Logger
}

// New wires an engine from its collaborators.
func New(cfg *config.Config, fp *fingerprint.Engine, packer *archive.Packer, remote Remote, backups *backup.Manager, store *state.Store, strategy mergecfg.Strategy, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		fp:       fp,
		packer:   packer,
		remote:   remote,
		backups:  backups,
		store:    store,
		strategy: strategy,
		lock:     flock.New(cfg.LockPath()),
		logger:   logger,
	}
}

// Classify maps the four fingerprint comparisons onto an action. An
// item with no recorded state is treated as new: an existing local copy
// is pushed up, a remote-only copy is pulled down.
func Classify(local, remote fingerprint.Fingerprint, st state.ItemState) Action {
	if st.Zero() {
		switch {
		case local.Present() && remote.Present() && local != remote:
			return ActionMerge
		case local.Present() && local != remote:
			return ActionUpload
		case remote.Present() && !local.Present():
			return ActionDownload
		default:
			return ActionNone
		}
	}

	localChanged := string(local) != st.LastLocal
	remoteChanged := string(remote) != st.LastRemote

	switch {
	case localChanged && remoteChanged:
		return ActionMerge
	case localChanged:
		return ActionUpload
	case remoteChanged:
		return ActionDownload
	default:
		return ActionNone
	}
}
