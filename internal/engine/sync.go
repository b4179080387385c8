package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tabsync/internal/archive"
	"tabsync/internal/backup"
	"tabsync/internal/config"
	"tabsync/internal/fingerprint"
	"tabsync/internal/mergecfg"
	"tabsync/internal/state"
	"tabsync/internal/syncerrors"
	"tabsync/internal/transport"
)

// plan is the classified work of one cycle.
type plan struct {
	uploads   []string
	downloads []string
	merges    []string
	reports   map[string]*ItemReport

	localFPs  map[string]fingerprint.Fingerprint
	remoteFPs map[string]fingerprint.Fingerprint
	snap      *transport.Snapshot

	// offline means the remote record could not be fetched; downloads
	// fail and uploads degrade to offline saves.
	offline bool

	// remoteMissing means the record does not exist yet and must be
	// created on first upload.
	remoteMissing bool
}

// Sync runs one full cycle: fingerprint, fetch, classify, apply.
// Exactly one cycle runs at a time per config root, enforced by a
// cross-process file lock.
func (e *Engine) Sync(ctx context.Context, force Force) (*Report, error) {
	locked, err := e.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring sync lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another sync is already running for %s", e.cfg.ConfigDir)
	}
	defer e.lock.Unlock()

	p, err := e.buildPlan(ctx, force)
	if err != nil {
		return nil, err
	}

	report := &Report{When: time.Now()}

	e.applyMerges(ctx, p, report)
	e.applyDownloads(ctx, p)
	e.applyUploads(ctx, p)

	for _, item := range e.cfg.SyncItems {
		if r, ok := p.reports[item]; ok {
			report.Items = append(report.Items, *r)
		}
	}

	if err := e.backups.Prune(); err != nil {
		e.logger.Warn("pruning backups failed", slog.String("error", err.Error()))
	}

	e.logCycle(report)

	return report, nil
}

func (e *Engine) buildPlan(ctx context.Context, force Force) (*plan, error) {
	p := &plan{reports: make(map[string]*ItemReport)}

	localFPs, err := e.fp.Items(e.cfg.SyncItems)
	if err != nil {
		return nil, fmt.Errorf("fingerprinting local items: %w", err)
	}
	p.localFPs = localFPs

	p.snap, err = e.remote.Fetch(ctx)
	switch {
	case err == nil:
	case errors.Is(err, syncerrors.ErrRemoteNotFound):
		p.remoteMissing = true
	case errors.Is(err, syncerrors.ErrTransport):
		p.offline = true
		e.logger.Warn("remote record unreachable, continuing offline", slog.String("error", err.Error()))
	default:
		return nil, err
	}

	p.remoteFPs = make(map[string]fingerprint.Fingerprint, len(e.cfg.SyncItems))
	if p.snap != nil {
		for item, fp := range p.snap.Manifest.Items {
			p.remoteFPs[item] = fingerprint.Fingerprint(fp)
		}
	}

	for _, item := range e.cfg.SyncItems {
		st, err := e.store.GetItem(item)
		if err != nil {
			if !errors.Is(err, syncerrors.ErrMetadata) {
				return nil, err
			}

			// Unreadable metadata behaves as first contact.
			e.logger.Warn("item metadata unreadable, treating as never synced",
				slog.String("item", item),
				slog.String("error", err.Error()),
			)
			st = state.ItemState{}
		}

		local := localFPs[item]
		remote := p.remoteFPs[item]
		if p.offline {
			// Without a reachable record the remote side is assumed
			// unchanged, so only local edits produce work.
			remote = fingerprint.Fingerprint(st.LastRemote)
		}

		action := e.decide(force, local, remote, st)
		p.reports[item] = &ItemReport{Item: item, Action: action}

		switch action {
		case ActionUpload:
			p.uploads = append(p.uploads, item)
		case ActionDownload:
			p.downloads = append(p.downloads, item)
		case ActionMerge:
			p.merges = append(p.merges, item)
		case ActionNone:
			if st.Zero() && local.Present() && local == remote {
				// Already converged on first contact: baseline the
				// fingerprints so later edits classify correctly.
				if err := e.store.SetItem(item, state.ItemState{
					LastLocal:  string(local),
					LastRemote: string(remote),
				}); err != nil {
					e.logger.Warn("baselining item failed", slog.String("item", item), slog.String("error", err.Error()))
				}
			}
		}
	}

	return p, nil
}

func (e *Engine) decide(force Force, local, remote fingerprint.Fingerprint, st state.ItemState) Action {
	switch force {
	case ForceUpload:
		if local.Present() {
			return ActionUpload
		}

		return ActionNone
	case ForceDownload:
		if remote.Present() {
			return ActionDownload
		}

		return ActionNone
	default:
		return Classify(local, remote, st)
	}
}

// applyMerges resolves both-changed items. Only the primary document
// has structure worth merging; every other conflicted item is settled
// wholesale by the strategy, turning into an upload or a download.
func (e *Engine) applyMerges(ctx context.Context, p *plan, report *Report) {
	for _, item := range p.merges {
		r := p.reports[item]

		if p.snap == nil || p.snap.Archive == nil {
			r.Outcome = OutcomeFailed
			r.Err = fmt.Errorf("conflicted item %s needs the remote archive: %w", item, syncerrors.ErrTransport)

			continue
		}

		if item == config.PrimaryDocument {
			e.mergePrimary(p, r, report)
			continue
		}

		if e.strategy == mergecfg.StrategyManual {
			r.Outcome = OutcomePending
			continue
		}

		if e.strategy.PreferLocal(e.localMtime(item), p.snap.Manifest.UploadedAt) {
			r.Action = ActionUpload
			p.uploads = append(p.uploads, item)
		} else {
			r.Action = ActionDownload
			p.downloads = append(p.downloads, item)
		}
	}
}

// mergePrimary runs the structured resolver over config.yaml, writes
// the merged document locally, and schedules it for upload.
func (e *Engine) mergePrimary(p *plan, r *ItemReport, report *Report) {
	item := config.PrimaryDocument
	localPath := filepath.Join(e.cfg.ConfigDir, filepath.FromSlash(item))

	localDoc, err := os.ReadFile(localPath)
	if err != nil {
		r.Outcome = OutcomeFailed
		r.Err = fmt.Errorf("reading %s: %w", item, err)

		return
	}

	remoteDoc, found, err := archive.ReadEntry(p.snap.Archive, item)
	if err != nil || !found {
		if err == nil {
			err = fmt.Errorf("remote archive has no %s despite manifest fingerprint", item)
		}

		r.Outcome = OutcomeFailed
		r.Err = err

		return
	}

	result, err := mergecfg.Resolve(mergecfg.Input{
		Local:      localDoc,
		Remote:     remoteDoc,
		LocalTime:  e.localMtime(item),
		RemoteTime: p.snap.Manifest.UploadedAt,
	}, e.strategy)
	if err != nil {
		r.Outcome = OutcomeFailed
		r.Err = err

		return
	}

	if result.Pending {
		r.Outcome = OutcomePending
		report.Diff = result.Diff

		return
	}

	if _, err := e.backups.Snapshot(e.cfg.ConfigDir, []string{item}); err != nil {
		r.Outcome = OutcomeFailed
		r.Err = err

		return
	}

	if err := os.WriteFile(localPath, result.Content, 0o644); err != nil {
		r.Outcome = OutcomeFailed
		r.Err = fmt.Errorf("writing merged %s: %w", item, err)

		return
	}

	e.logger.Info("resolved conflict",
		slog.String("item", item),
		slog.String("strategy", e.strategy.String()),
		slog.String("source", result.Source),
	)

	p.localFPs[item] = fingerprint.Content(result.Content)
	p.uploads = append(p.uploads, item)
}

// applyDownloads snapshots the affected items, extracts the remote
// archive over them, validates the primary document, and commits
// metadata. Any failure after extraction begins rolls the items back
// from the snapshot.
func (e *Engine) applyDownloads(ctx context.Context, p *plan) {
	if len(p.downloads) == 0 {
		return
	}

	fail := func(err error) {
		for _, item := range p.downloads {
			r := p.reports[item]
			if r.Outcome == OutcomeNoop && r.Err == nil {
				r.Outcome = OutcomeFailed
				r.Err = err
			}
		}
	}

	if p.snap == nil || p.snap.Archive == nil {
		fail(fmt.Errorf("remote archive unavailable: %w", syncerrors.ErrTransport))
		return
	}

	pre, err := e.backups.Snapshot(e.cfg.ConfigDir, p.downloads)
	if err != nil {
		// No snapshot, no overwrite.
		fail(err)
		return
	}

	if err := e.packer.Unpack(ctx, p.snap.Archive, e.cfg.ConfigDir, p.downloads); err != nil {
		e.rollback(pre, err)
		fail(err)

		return
	}

	// An item the manifest no longer lists was deleted remotely;
	// applying that download means removing the local copy.
	for _, item := range p.downloads {
		if p.remoteFPs[item].Present() {
			continue
		}

		target := filepath.Join(e.cfg.ConfigDir, filepath.FromSlash(strings.TrimSuffix(item, "/")))
		if err := os.RemoveAll(target); err != nil {
			err = fmt.Errorf("removing deleted item %s: %w", item, err)
			e.rollback(pre, err)
			fail(err)

			return
		}
	}

	if containsItem(p.downloads, config.PrimaryDocument) {
		doc, readErr := os.ReadFile(filepath.Join(e.cfg.ConfigDir, config.PrimaryDocument))
		if readErr == nil {
			if verr := mergecfg.Validate(doc); verr != nil {
				err := fmt.Errorf("downloaded %s invalid: %v: %w", config.PrimaryDocument, verr, syncerrors.ErrIntegrity)
				e.rollback(pre, err)
				fail(err)

				return
			}
		}
	}

	for _, item := range p.downloads {
		r := p.reports[item]

		// The local fingerprint is recomputed from disk rather than
		// trusted from the manifest, so metadata always matches what the
		// extraction actually produced.
		localFP, err := e.fp.Item(item)
		if err != nil {
			r.Outcome = OutcomeFailed
			r.Err = err

			continue
		}

		if err := e.store.Commit(item, ActionDownload.String(), state.ItemState{
			LastLocal:  string(localFP),
			LastRemote: string(p.remoteFPs[item]),
		}); err != nil {
			r.Outcome = OutcomeFailed
			r.Err = err

			continue
		}

		r.Outcome = OutcomeDownloaded
	}

	if err := e.store.SetLastPull(p.snap.UpdatedAt); err != nil {
		e.logger.Warn("recording pull timestamp failed", slog.String("error", err.Error()))
	}
}

// rollback restores a pre-download snapshot after a failed extraction.
func (e *Engine) rollback(pre *backup.Entry, cause error) {
	e.logger.Error("applying remote archive failed, rolling back",
		slog.String("snapshot", pre.Name),
		slog.String("error", cause.Error()),
	)

	if _, err := e.backups.Restore(*pre, e.cfg.ConfigDir, config.PrimaryDocument, nil); err != nil {
		e.logger.Error("rollback failed, local config may be partial",
			slog.String("snapshot", pre.Name),
			slog.String("error", err.Error()),
		)
	}
}

// applyUploads packs every present item and replaces the remote record.
// The archive always carries the full item set so the record stays
// self-contained; the manifest carries the fingerprints the pack was
// built from.
func (e *Engine) applyUploads(ctx context.Context, p *plan) {
	if len(p.uploads) == 0 {
		return
	}

	// A failed download leaves the remote side newer than local for
	// those items; uploading the full archive now would clobber them.
	// Skip the upload phase and let the next cycle retry both.
	for _, item := range p.downloads {
		if r := p.reports[item]; r.Outcome == OutcomeFailed {
			err := fmt.Errorf("upload skipped: download of %s failed in the same cycle", item)
			for _, up := range p.uploads {
				ur := p.reports[up]
				ur.Outcome = OutcomeFailed
				ur.Err = err
			}

			return
		}
	}

	var present []string
	for _, item := range e.cfg.SyncItems {
		if p.localFPs[item].Present() {
			present = append(present, item)
		}
	}

	blob, err := e.packer.Pack(present)
	if err != nil {
		e.failUploads(p, fmt.Errorf("packing archive: %w", err))
		return
	}

	manifest := transport.Manifest{
		Items:      make(map[string]string, len(present)),
		UploadedAt: time.Now().UTC(),
		Device:     e.store.DeviceID(),
	}
	for _, item := range present {
		manifest.Items[item] = string(p.localFPs[item])
	}

	manifestData, err := transport.EncodeManifest(manifest)
	if err != nil {
		e.failUploads(p, err)
		return
	}

	description := fmt.Sprintf("Tabby configuration sync from %s", e.cfg.DeviceName)

	outcome, err := e.deliver(ctx, p, description, blob, manifestData)
	if err != nil {
		e.failUploads(p, err)
		return
	}

	if outcome == transport.OutcomeOffline {
		// The write never reached the record: leave metadata alone so
		// the next cycle retries, and report the saved payload.
		for _, item := range p.uploads {
			p.reports[item].Outcome = OutcomeOffline
		}

		return
	}

	for _, item := range p.uploads {
		r := p.reports[item]
		localFP := string(p.localFPs[item])

		action := ActionUpload
		if r.Action == ActionMerge {
			action = ActionMerge
		}

		if err := e.store.Commit(item, action.String(), state.ItemState{
			LastLocal:  localFP,
			LastRemote: localFP,
		}); err != nil {
			r.Outcome = OutcomeFailed
			r.Err = err

			continue
		}

		if action == ActionMerge {
			r.Outcome = OutcomeMerged
		} else {
			r.Outcome = OutcomeUploaded
		}
	}
}

// deliver updates the record, creating it first when none exists yet.
func (e *Engine) deliver(ctx context.Context, p *plan, description string, blob, manifest []byte) (transport.Outcome, error) {
	if e.remote.GistID() == "" || p.remoteMissing {
		id, outcome, err := e.remote.Create(ctx, description, blob, manifest)
		if err != nil {
			return outcome, err
		}

		if outcome == transport.OutcomeSynced {
			if err := e.store.SetGistID(id); err != nil {
				return outcome, fmt.Errorf("persisting gist id: %w", err)
			}

			e.logger.Info("created sync record, set GIST_ID to reuse it on other devices",
				slog.String("gist_id", id),
			)
		}

		return outcome, nil
	}

	return e.remote.Upload(ctx, description, blob, manifest)
}

func (e *Engine) failUploads(p *plan, err error) {
	for _, item := range p.uploads {
		r := p.reports[item]
		r.Outcome = OutcomeFailed
		r.Err = err
	}
}

// localMtime returns the newest modification time under an item, used
// for newest/oldest conflict decisions.
func (e *Engine) localMtime(item string) time.Time {
	itemPath := filepath.Join(e.cfg.ConfigDir, filepath.FromSlash(strings.TrimSuffix(item, "/")))

	var latest time.Time

	_ = filepath.WalkDir(itemPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}

		return nil
	})

	return latest
}

func (e *Engine) logCycle(report *Report) {
	counts := make(map[Outcome]int)
	for _, it := range report.Items {
		counts[it.Outcome]++
	}

	e.logger.Info("sync cycle finished",
		slog.Int("up_to_date", counts[OutcomeNoop]),
		slog.Int("uploaded", counts[OutcomeUploaded]),
		slog.Int("downloaded", counts[OutcomeDownloaded]),
		slog.Int("merged", counts[OutcomeMerged]),
		slog.Int("offline", counts[OutcomeOffline]),
		slog.Int("pending", counts[OutcomePending]),
		slog.Int("failed", counts[OutcomeFailed]),
	)
}

func containsItem(items []string, want string) bool {
	for _, it := range items {
		if it == want {
			return true
		}
	}

	return false
}
