package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"tabsync/internal/archive"
	"tabsync/internal/backup"
	"tabsync/internal/config"
	"tabsync/internal/fingerprint"
	"tabsync/internal/mergecfg"
	"tabsync/internal/state"
	"tabsync/internal/syncerrors"
	"tabsync/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// recordedUpload captures one archive/manifest pair handed to the fake
// remote.
type recordedUpload struct {
	archive  []byte
	manifest []byte
}

// fakeRemote is an in-memory stand-in for the gist client.
type fakeRemote struct {
	id       string
	snap     *transport.Snapshot
	fetchErr error

	uploadOutcome transport.Outcome
	uploadErr     error

	fetches int
	uploads []recordedUpload
	created int
}

func (f *fakeRemote) Fetch(ctx context.Context) (*transport.Snapshot, error) {
	f.fetches++

	if f.fetchErr != nil {
		return nil, f.fetchErr
	}

	if f.snap == nil {
		return nil, fmt.Errorf("no record: %w", syncerrors.ErrRemoteNotFound)
	}

	return f.snap, nil
}

func (f *fakeRemote) ProbeUpdatedAt(ctx context.Context) (time.Time, error) {
	if f.fetchErr != nil {
		return time.Time{}, f.fetchErr
	}

	if f.snap == nil {
		return time.Time{}, fmt.Errorf("no record: %w", syncerrors.ErrRemoteNotFound)
	}

	return f.snap.UpdatedAt, nil
}

func (f *fakeRemote) Upload(ctx context.Context, description string, blob, manifest []byte) (transport.Outcome, error) {
	if f.uploadErr != nil {
		return transport.OutcomeSynced, f.uploadErr
	}

	if f.uploadOutcome == transport.OutcomeOffline {
		return transport.OutcomeOffline, nil
	}

	f.uploads = append(f.uploads, recordedUpload{archive: blob, manifest: manifest})

	return transport.OutcomeSynced, nil
}

func (f *fakeRemote) Create(ctx context.Context, description string, blob, manifest []byte) (string, transport.Outcome, error) {
	if f.uploadErr != nil {
		return "", transport.OutcomeSynced, f.uploadErr
	}

	f.created++
	f.id = "fresh-gist"
	f.uploads = append(f.uploads, recordedUpload{archive: blob, manifest: manifest})

	return f.id, transport.OutcomeSynced, nil
}

func (f *fakeRemote) GistID() string      { return f.id }
func (f *fakeRemote) SetGistID(id string) { f.id = id }

// fixture wires a real engine over a temp config root with the remote
// faked out.
type fixture struct {
	engine  *Engine
	remote  *fakeRemote
	store   *state.Store
	backups *backup.Manager
	exclude *fingerprint.Excluder
	cfg     *config.Config
}

func newFixture(t *testing.T, strategy mergecfg.Strategy) *fixture {
	t.Helper()

	cfg := &config.Config{
		ConfigDir:        filepath.Join(t.TempDir(), "tabby"),
		SyncItems:        []string{"config.yaml", "keymaps.yaml", "profiles/"},
		ExcludePatterns:  config.DefaultExcludePatterns,
		MaxBackups:       5,
		DeviceName:       "test-box",
		ConflictStrategy: strategy.String(),
	}
	require.NoError(t, os.MkdirAll(cfg.ConfigDir, 0o755))

	store, err := state.Load(cfg.StatePath())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	exclude, err := fingerprint.NewExcluder(cfg.ExcludePatterns)
	require.NoError(t, err)

	logger := testLogger()
	remote := &fakeRemote{id: "gist123"}
	backups := backup.New(cfg.BackupDir(), cfg.MaxBackups, logger)

	eng := New(cfg,
		fingerprint.NewEngine(cfg.ConfigDir, exclude, logger),
		archive.NewPacker(cfg.ConfigDir, exclude, logger),
		remote,
		backups,
		store,
		strategy,
		logger,
	)

	return &fixture{
		engine:  eng,
		remote:  remote,
		store:   store,
		backups: backups,
		exclude: exclude,
		cfg:     cfg,
	}
}

func (fx *fixture) writeLocal(t *testing.T, rel, content string) {
	t.Helper()

	path := filepath.Join(fx.cfg.ConfigDir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (fx *fixture) readLocal(t *testing.T, rel string) string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(fx.cfg.ConfigDir, filepath.FromSlash(rel)))
	require.NoError(t, err)

	return string(data)
}

// remoteSnapshot builds a record the way another device would: pack the
// files and fingerprint them into a manifest.
func remoteSnapshot(t *testing.T, files map[string]string, uploadedAt time.Time) *transport.Snapshot {
	t.Helper()

	scratch := t.TempDir()

	items := make([]string, 0, len(files))
	for rel, content := range files {
		path := filepath.Join(scratch, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		items = append(items, rel)
	}

	exclude, err := fingerprint.NewExcluder(nil)
	require.NoError(t, err)

	logger := testLogger()

	blob, err := archive.NewPacker(scratch, exclude, logger).Pack(items)
	require.NoError(t, err)

	fps, err := fingerprint.NewEngine(scratch, exclude, logger).Items(items)
	require.NoError(t, err)

	manifest := transport.Manifest{
		Items:      make(map[string]string, len(fps)),
		UploadedAt: uploadedAt,
		Device:     "other-box",
	}
	for item, fp := range fps {
		manifest.Items[item] = string(fp)
	}

	return &transport.Snapshot{ID: "gist123", UpdatedAt: uploadedAt, Archive: blob, Manifest: manifest}
}

func itemReport(t *testing.T, report *Report, item string) ItemReport {
	t.Helper()

	for _, r := range report.Items {
		if r.Item == item {
			return r
		}
	}

	t.Fatalf("no report for item %s", item)

	return ItemReport{}
}

// --- cycle scenarios ---

func TestSync_ConvergedFirstContactBaselines(t *testing.T) {
	fx := newFixture(t, mergecfg.StrategyMerge)
	fx.writeLocal(t, "config.yaml", "theme: dark\n")
	fx.remote.snap = remoteSnapshot(t, map[string]string{"config.yaml": "theme: dark\n"}, time.Now())

	report, err := fx.engine.Sync(context.Background(), ForceNone)
	require.NoError(t, err)

	r := itemReport(t, report, "config.yaml")
	assert.Equal(t, ActionNone, r.Action)
	assert.Equal(t, OutcomeNoop, r.Outcome)
	assert.Empty(t, fx.remote.uploads)

	// Converged first contact records a baseline without a history entry,
	// so a later local edit classifies as a plain upload.
	st, err := fx.store.GetItem("config.yaml")
	require.NoError(t, err)
	assert.False(t, st.Zero())
	assert.Equal(t, st.LastLocal, st.LastRemote)

	history, err := fx.store.History(10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSync_LocalChangeUploads(t *testing.T) {
	fx := newFixture(t, mergecfg.StrategyMerge)
	fx.writeLocal(t, "config.yaml", "theme: dark\n")
	fx.remote.snap = remoteSnapshot(t, map[string]string{"config.yaml": "theme: dark\n"}, time.Now())

	_, err := fx.engine.Sync(context.Background(), ForceNone)
	require.NoError(t, err)

	fx.writeLocal(t, "config.yaml", "theme: light\n")

	report, err := fx.engine.Sync(context.Background(), ForceNone)
	require.NoError(t, err)

	r := itemReport(t, report, "config.yaml")
	assert.Equal(t, ActionUpload, r.Action)
	assert.Equal(t, OutcomeUploaded, r.Outcome)

	require.Len(t, fx.remote.uploads, 1)
	up := fx.remote.uploads[0]

	// The archive carries the new document and the manifest its
	// fingerprint.
	doc, found, err := archive.ReadEntry(up.archive, "config.yaml")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "theme: light\n", string(doc))

	wantFP := string(fingerprint.Content([]byte("theme: light\n")))
	assert.Equal(t, wantFP, gjson.GetBytes(up.manifest, "items.config\\.yaml").String())

	st, err := fx.store.GetItem("config.yaml")
	require.NoError(t, err)
	assert.Equal(t, wantFP, st.LastLocal)
	assert.Equal(t, wantFP, st.LastRemote)

	history, err := fx.store.History(10)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, "upload", history[0].Action)
	assert.Equal(t, "config.yaml", history[0].Item)
}

func TestSync_MissingRemoteCreatesRecord(t *testing.T) {
	fx := newFixture(t, mergecfg.StrategyMerge)
	fx.remote.id = ""
	fx.remote.snap = nil
	fx.writeLocal(t, "config.yaml", "theme: dark\n")

	report, err := fx.engine.Sync(context.Background(), ForceNone)
	require.NoError(t, err)

	r := itemReport(t, report, "config.yaml")
	assert.Equal(t, ActionUpload, r.Action)
	assert.Equal(t, OutcomeUploaded, r.Outcome)

	assert.Equal(t, 1, fx.remote.created)
	assert.Equal(t, "fresh-gist", fx.store.GistID())
}

func TestSync_RemoteChangeDownloads(t *testing.T) {
	fx := newFixture(t, mergecfg.StrategyMerge)
	fx.writeLocal(t, "config.yaml", "theme: dark\n")
	fx.remote.snap = remoteSnapshot(t, map[string]string{"config.yaml": "theme: dark\n"}, time.Now())

	_, err := fx.engine.Sync(context.Background(), ForceNone)
	require.NoError(t, err)

	updatedAt := time.Now().Add(time.Minute)
	fx.remote.snap = remoteSnapshot(t, map[string]string{"config.yaml": "theme: light\n"}, updatedAt)

	report, err := fx.engine.Sync(context.Background(), ForceNone)
	require.NoError(t, err)

	r := itemReport(t, report, "config.yaml")
	assert.Equal(t, ActionDownload, r.Action)
	assert.Equal(t, OutcomeDownloaded, r.Outcome)
	assert.Equal(t, "theme: light\n", fx.readLocal(t, "config.yaml"))
	assert.Empty(t, fx.remote.uploads)

	wantFP := string(fingerprint.Content([]byte("theme: light\n")))
	st, err := fx.store.GetItem("config.yaml")
	require.NoError(t, err)
	assert.Equal(t, wantFP, st.LastLocal)
	assert.Equal(t, wantFP, st.LastRemote)

	// The overwrite was preceded by a safety snapshot.
	entries, err := fx.backups.List()
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	assert.Equal(t, updatedAt.Unix(), fx.store.LastPull().Unix())
}

func TestSync_RemoteDeletionRemovesLocalCopy(t *testing.T) {
	fx := newFixture(t, mergecfg.StrategyMerge)
	fx.writeLocal(t, "config.yaml", "theme: dark\n")
	fx.writeLocal(t, "profiles/work.yaml", "name: work\nshell: zsh\n")
	fx.remote.snap = remoteSnapshot(t, map[string]string{
		"config.yaml":        "theme: dark\n",
		"profiles/work.yaml": "name: work\nshell: zsh\n",
	}, time.Now())

	_, err := fx.engine.Sync(context.Background(), ForceNone)
	require.NoError(t, err)

	// Another device deleted profiles/; its manifest no longer lists it.
	fx.remote.snap = remoteSnapshot(t, map[string]string{"config.yaml": "theme: dark\n"}, time.Now().Add(time.Minute))

	report, err := fx.engine.Sync(context.Background(), ForceNone)
	require.NoError(t, err)

	r := itemReport(t, report, "profiles/")
	assert.Equal(t, ActionDownload, r.Action)
	assert.Equal(t, OutcomeDownloaded, r.Outcome)

	_, statErr := os.Stat(filepath.Join(fx.cfg.ConfigDir, "profiles"))
	assert.True(t, os.IsNotExist(statErr), "deleted item must be removed locally")

	st, err := fx.store.GetItem("profiles/")
	require.NoError(t, err)
	assert.Empty(t, st.LastLocal)
	assert.Empty(t, st.LastRemote)

	// The deletion must stick: the next cycle has nothing to resurrect.
	report, err = fx.engine.Sync(context.Background(), ForceNone)
	require.NoError(t, err)

	r = itemReport(t, report, "profiles/")
	assert.Equal(t, ActionNone, r.Action)
	assert.Empty(t, fx.remote.uploads)
}

func TestSync_DownloadCommitsFingerprintFromDisk(t *testing.T) {
	fx := newFixture(t, mergecfg.StrategyMerge)
	fx.writeLocal(t, "config.yaml", "theme: dark\n")
	fx.remote.snap = remoteSnapshot(t, map[string]string{"config.yaml": "theme: dark\n"}, time.Now())

	_, err := fx.engine.Sync(context.Background(), ForceNone)
	require.NoError(t, err)

	fx.remote.snap = remoteSnapshot(t, map[string]string{"config.yaml": "theme: light\n"}, time.Now().Add(time.Minute))

	_, err = fx.engine.Sync(context.Background(), ForceNone)
	require.NoError(t, err)

	// What was committed must match a fresh hash of the file on disk.
	onDisk := fingerprint.Content([]byte(fx.readLocal(t, "config.yaml")))

	st, err := fx.store.GetItem("config.yaml")
	require.NoError(t, err)
	assert.Equal(t, string(onDisk), st.LastLocal)
}

func TestSync_BothChangedMergesPrimary(t *testing.T) {
	fx := newFixture(t, mergecfg.StrategyMerge)
	fx.writeLocal(t, "config.yaml", "theme: dark\n")
	fx.remote.snap = remoteSnapshot(t, map[string]string{"config.yaml": "theme: dark\n"}, time.Now())

	_, err := fx.engine.Sync(context.Background(), ForceNone)
	require.NoError(t, err)

	fx.writeLocal(t, "config.yaml", "theme: dark\nfontSize: 14\n")
	fx.remote.snap = remoteSnapshot(t, map[string]string{"config.yaml": "theme: dark\nhotkeys: true\n"}, time.Now())

	report, err := fx.engine.Sync(context.Background(), ForceNone)
	require.NoError(t, err)

	r := itemReport(t, report, "config.yaml")
	assert.Equal(t, ActionMerge, r.Action)
	assert.Equal(t, OutcomeMerged, r.Outcome)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(fx.readLocal(t, "config.yaml")), &doc))
	assert.Equal(t, "dark", doc["theme"])
	assert.Equal(t, 14, doc["fontSize"])
	assert.Equal(t, true, doc["hotkeys"])

	// The merged document went back up.
	require.Len(t, fx.remote.uploads, 1)
	merged, found, err := archive.ReadEntry(fx.remote.uploads[0].archive, "config.yaml")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, fx.readLocal(t, "config.yaml"), string(merged))
}

func TestSync_ManualConflictIsPending(t *testing.T) {
	fx := newFixture(t, mergecfg.StrategyManual)
	fx.writeLocal(t, "config.yaml", "theme: dark\n")
	fx.remote.snap = remoteSnapshot(t, map[string]string{"config.yaml": "theme: dark\n"}, time.Now())

	_, err := fx.engine.Sync(context.Background(), ForceNone)
	require.NoError(t, err)

	stBefore, err := fx.store.GetItem("config.yaml")
	require.NoError(t, err)

	fx.writeLocal(t, "config.yaml", "theme: light\n")
	fx.remote.snap = remoteSnapshot(t, map[string]string{"config.yaml": "theme: solarized\n"}, time.Now())

	report, err := fx.engine.Sync(context.Background(), ForceNone)
	require.NoError(t, err)

	r := itemReport(t, report, "config.yaml")
	assert.Equal(t, OutcomePending, r.Outcome)
	assert.True(t, report.Pending())
	assert.Contains(t, report.Diff, "- theme: light")
	assert.Contains(t, report.Diff, "+ theme: solarized")

	// Nothing moved: local file, remote record, and metadata all stay
	// put until the user decides.
	assert.Equal(t, "theme: light\n", fx.readLocal(t, "config.yaml"))
	assert.Empty(t, fx.remote.uploads)

	stAfter, err := fx.store.GetItem("config.yaml")
	require.NoError(t, err)
	assert.Equal(t, stBefore, stAfter)
}

func TestSync_OfflineUploadKeepsMetadata(t *testing.T) {
	fx := newFixture(t, mergecfg.StrategyMerge)
	fx.writeLocal(t, "config.yaml", "theme: dark\n")
	fx.remote.snap = remoteSnapshot(t, map[string]string{"config.yaml": "theme: dark\n"}, time.Now())

	_, err := fx.engine.Sync(context.Background(), ForceNone)
	require.NoError(t, err)

	stBefore, err := fx.store.GetItem("config.yaml")
	require.NoError(t, err)

	fx.writeLocal(t, "config.yaml", "theme: light\n")
	fx.remote.fetchErr = fmt.Errorf("all transports failed: %w", syncerrors.ErrTransport)
	fx.remote.uploadOutcome = transport.OutcomeOffline

	report, err := fx.engine.Sync(context.Background(), ForceNone)
	require.NoError(t, err)

	r := itemReport(t, report, "config.yaml")
	assert.Equal(t, ActionUpload, r.Action)
	assert.Equal(t, OutcomeOffline, r.Outcome)

	// Metadata untouched so the next cycle retries the upload.
	stAfter, err := fx.store.GetItem("config.yaml")
	require.NoError(t, err)
	assert.Equal(t, stBefore, stAfter)
}

func TestSync_BackupFailureBlocksDownloadAndUpload(t *testing.T) {
	fx := newFixture(t, mergecfg.StrategyMerge)
	fx.writeLocal(t, "config.yaml", "theme: dark\n")
	fx.writeLocal(t, "keymaps.yaml", "copy: ctrl-c\n")
	fx.remote.snap = remoteSnapshot(t, map[string]string{
		"config.yaml":  "theme: dark\n",
		"keymaps.yaml": "copy: ctrl-c\n",
	}, time.Now())

	_, err := fx.engine.Sync(context.Background(), ForceNone)
	require.NoError(t, err)

	// One remote change (download) and one local change (upload) in the
	// same cycle, with the backup directory blocked by a regular file.
	fx.remote.snap = remoteSnapshot(t, map[string]string{
		"config.yaml":  "theme: light\n",
		"keymaps.yaml": "copy: ctrl-c\n",
	}, time.Now().Add(time.Minute))
	fx.writeLocal(t, "keymaps.yaml", "copy: cmd-c\n")
	require.NoError(t, os.WriteFile(fx.cfg.BackupDir(), []byte("in the way"), 0o644))

	report, err := fx.engine.Sync(context.Background(), ForceNone)
	require.NoError(t, err)

	download := itemReport(t, report, "config.yaml")
	assert.Equal(t, OutcomeFailed, download.Outcome)
	assert.ErrorIs(t, download.Err, syncerrors.ErrBackup)

	// No snapshot, no overwrite.
	assert.Equal(t, "theme: dark\n", fx.readLocal(t, "config.yaml"))

	// The upload is held back too: pushing the full archive now would
	// clobber the newer remote copy of the failed item.
	upload := itemReport(t, report, "keymaps.yaml")
	assert.Equal(t, OutcomeFailed, upload.Outcome)
	require.Error(t, upload.Err)
	assert.Contains(t, upload.Err.Error(), "upload skipped")
	assert.Empty(t, fx.remote.uploads)
}

func TestSync_SecondCycleIsNoop(t *testing.T) {
	fx := newFixture(t, mergecfg.StrategyMerge)
	fx.writeLocal(t, "config.yaml", "theme: dark\n")
	fx.remote.snap = remoteSnapshot(t, map[string]string{"config.yaml": "theme: dark\n"}, time.Now())

	_, err := fx.engine.Sync(context.Background(), ForceNone)
	require.NoError(t, err)

	fx.writeLocal(t, "config.yaml", "theme: light\n")

	_, err = fx.engine.Sync(context.Background(), ForceNone)
	require.NoError(t, err)
	require.Len(t, fx.remote.uploads, 1)

	history, err := fx.store.History(10)
	require.NoError(t, err)
	uploadsBefore := len(history)

	// The record now holds what was just uploaded; a further cycle with
	// converged fingerprints must write nothing anywhere.
	fx.remote.snap = remoteSnapshot(t, map[string]string{"config.yaml": "theme: light\n"}, time.Now().Add(time.Minute))

	report, err := fx.engine.Sync(context.Background(), ForceNone)
	require.NoError(t, err)

	r := itemReport(t, report, "config.yaml")
	assert.Equal(t, ActionNone, r.Action)
	assert.Equal(t, OutcomeNoop, r.Outcome)
	assert.Len(t, fx.remote.uploads, 1)
	assert.Equal(t, "theme: light\n", fx.readLocal(t, "config.yaml"))

	history, err = fx.store.History(10)
	require.NoError(t, err)
	assert.Len(t, history, uploadsBefore)
}

func TestSync_ForceDownloadOverwritesLocalEdits(t *testing.T) {
	fx := newFixture(t, mergecfg.StrategyMerge)
	fx.writeLocal(t, "config.yaml", "theme: dark\n")
	fx.remote.snap = remoteSnapshot(t, map[string]string{"config.yaml": "theme: remote\n"}, time.Now())

	report, err := fx.engine.Sync(context.Background(), ForceDownload)
	require.NoError(t, err)

	r := itemReport(t, report, "config.yaml")
	assert.Equal(t, ActionDownload, r.Action)
	assert.Equal(t, OutcomeDownloaded, r.Outcome)
	assert.Equal(t, "theme: remote\n", fx.readLocal(t, "config.yaml"))
}

func TestSync_ForceUploadPushesUnchangedItems(t *testing.T) {
	fx := newFixture(t, mergecfg.StrategyMerge)
	fx.writeLocal(t, "config.yaml", "theme: dark\n")
	fx.remote.snap = remoteSnapshot(t, map[string]string{"config.yaml": "theme: dark\n"}, time.Now())

	_, err := fx.engine.Sync(context.Background(), ForceNone)
	require.NoError(t, err)

	report, err := fx.engine.Sync(context.Background(), ForceUpload)
	require.NoError(t, err)

	r := itemReport(t, report, "config.yaml")
	assert.Equal(t, ActionUpload, r.Action)
	assert.Equal(t, OutcomeUploaded, r.Outcome)
	require.Len(t, fx.remote.uploads, 1)
}

func TestSync_DirectoryItemsRoundTrip(t *testing.T) {
	fx := newFixture(t, mergecfg.StrategyMerge)
	fx.writeLocal(t, "config.yaml", "theme: dark\n")
	fx.writeLocal(t, "profiles/work.yaml", "name: work\nshell: zsh\n")
	fx.remote.id = ""
	fx.remote.snap = nil

	report, err := fx.engine.Sync(context.Background(), ForceNone)
	require.NoError(t, err)

	r := itemReport(t, report, "profiles/")
	assert.Equal(t, OutcomeUploaded, r.Outcome)

	require.Len(t, fx.remote.uploads, 1)
	doc, found, err := archive.ReadEntry(fx.remote.uploads[0].archive, "profiles/work.yaml")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "name: work\nshell: zsh\n", string(doc))
}

// --- watch-mode callbacks ---

func TestOnProcessStopped_SkipsWhenNothingChanged(t *testing.T) {
	fx := newFixture(t, mergecfg.StrategyMerge)
	fx.writeLocal(t, "config.yaml", "theme: dark\n")

	tracker := NewTracker(fx.cfg.ConfigDir, fx.exclude, testLogger())

	require.NoError(t, fx.engine.onProcessStopped(tracker)(context.Background()))
	assert.Zero(t, fx.remote.fetches)
	assert.Empty(t, fx.remote.uploads)
}

func TestOnProcessStopped_UploadsWhenDirty(t *testing.T) {
	fx := newFixture(t, mergecfg.StrategyMerge)
	fx.writeLocal(t, "config.yaml", "theme: dark\n")
	fx.remote.snap = remoteSnapshot(t, map[string]string{"config.yaml": "theme: old\n"}, time.Now())

	tracker := NewTracker(fx.cfg.ConfigDir, fx.exclude, testLogger())
	tracker.markDirty(filepath.Join(fx.cfg.ConfigDir, "config.yaml"))

	require.NoError(t, fx.engine.onProcessStopped(tracker)(context.Background()))
	assert.Len(t, fx.remote.uploads, 1)
	assert.False(t, tracker.Dirty())
}

func TestOnProcessStarted_SkipsWhenRemoteUnchanged(t *testing.T) {
	fx := newFixture(t, mergecfg.StrategyMerge)
	fx.writeLocal(t, "config.yaml", "theme: dark\n")

	updatedAt := time.Now().Add(-time.Hour)
	fx.remote.snap = remoteSnapshot(t, map[string]string{"config.yaml": "theme: dark\n"}, updatedAt)
	require.NoError(t, fx.store.SetLastPull(time.Now()))

	tracker := NewTracker(fx.cfg.ConfigDir, fx.exclude, testLogger())

	require.NoError(t, fx.engine.onProcessStarted(tracker)(context.Background()))
	assert.Zero(t, fx.remote.fetches)
}

func TestOnProcessStarted_PullsWhenRemoteNewer(t *testing.T) {
	fx := newFixture(t, mergecfg.StrategyMerge)
	fx.writeLocal(t, "config.yaml", "theme: dark\n")

	fx.remote.snap = remoteSnapshot(t, map[string]string{"config.yaml": "theme: fresh\n"}, time.Now())
	require.NoError(t, fx.store.SetLastPull(time.Now().Add(-time.Hour)))

	tracker := NewTracker(fx.cfg.ConfigDir, fx.exclude, testLogger())

	require.NoError(t, fx.engine.onProcessStarted(tracker)(context.Background()))
	assert.Equal(t, "theme: fresh\n", fx.readLocal(t, "config.yaml"))
}
