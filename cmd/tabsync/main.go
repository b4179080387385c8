// Command tabsync keeps a Tabby terminal configuration in step across
// machines through a private GitHub gist.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"tabsync/internal/archive"
	"tabsync/internal/backup"
	"tabsync/internal/config"
	"tabsync/internal/engine"
	"tabsync/internal/fingerprint"
	"tabsync/internal/logging"
	"tabsync/internal/mergecfg"
	"tabsync/internal/state"
	"tabsync/internal/transport"
)

var Version = "dev"

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "tabsync",
		Short:   "Sync Tabby terminal configuration through a GitHub gist",
		Version: Version,
		Long: `tabsync keeps Tabby's configuration files, profiles, plugins and
themes consistent across machines. A private GitHub gist holds the
shared copy; each machine compares fingerprints against its own sync
metadata to decide whether to upload, download, or merge.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newSyncCmd(),
		newPushCmd(),
		newPullCmd(),
		newInitCmd(),
		newStatusCmd(),
		newBackupsCmd(),
		newRestoreCmd(),
		newHistoryCmd(),
		newWatchCmd(),
	)

	return root
}

// app holds the wired collaborators for one invocation. Commands build
// it in RunE and close it when done.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *state.Store
	backups  *backup.Manager
	remote   *transport.Client
	exclude  *fingerprint.Excluder
	engine   *engine.Engine
	strategy mergecfg.Strategy
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)

	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	if cfg.GithubToken == "" {
		return nil, fmt.Errorf("GITHUB_TOKEN is required (a token with the gist scope)")
	}

	exclude, err := fingerprint.NewExcluder(cfg.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("parsing exclude patterns: %w", err)
	}

	strategy, err := mergecfg.ParseStrategy(cfg.ConflictStrategy)
	if err != nil {
		return nil, fmt.Errorf("parsing conflict strategy: %w", err)
	}

	store, err := state.Load(cfg.StatePath())
	if err != nil {
		return nil, fmt.Errorf("loading sync metadata: %w", err)
	}

	// The configured gist id wins; the persisted one covers machines
	// that created the record themselves.
	gistID := cfg.GistID
	if gistID == "" {
		gistID = store.GistID()
	}

	backups := backup.New(cfg.BackupDir(), cfg.MaxBackups, logger)
	chain := transport.NewChain(cfg.RequestTimeout, logger)
	remote := transport.NewClient(chain, cfg.GithubToken, gistID, backups, logger)

	fp := fingerprint.NewEngine(cfg.ConfigDir, exclude, logger)
	packer := archive.NewPacker(cfg.ConfigDir, exclude, logger)

	eng := engine.New(cfg, fp, packer, remote, backups, store, strategy, logger)

	logger.Debug("tabsync initialized",
		slog.String("version", Version),
		slog.String("config_dir", cfg.ConfigDir),
		slog.String("device", cfg.DeviceName),
		slog.String("strategy", strategy.String()),
	)

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		backups:  backups,
		remote:   remote,
		exclude:  exclude,
		engine:   eng,
		strategy: strategy,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing metadata store", slog.String("error", err.Error()))
	}
}
