// Package config loads tabsync configuration from the environment,
// with an optional .env file for development setups.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// PrimaryDocument is the main Tabby configuration file. It is the only
// sync item eligible for structured merging; everything else is synced
// whole.
const PrimaryDocument = "config.yaml"

// DefaultSyncItems are the files and directories under the Tabby config
// root that tabsync keeps in step across machines. Directory items end
// with a slash.
var DefaultSyncItems = []string{
	"config.yaml",
	"keymaps.yaml",
	"window-config.yaml",
	"vault/",
	"profiles/",
	"plugins/",
	"themes/",
}

// DefaultExcludePatterns are glob patterns matched against entry base
// names when hashing or archiving directory items.
var DefaultExcludePatterns = []string{
	"*.log",
	"*.tmp",
	"*.cache",
	"node_modules",
	"*.gitkeep",
}

// Config holds all environment-based configuration for tabsync.
type Config struct {
	// Tabby configuration root. Defaults to the platform's standard
	// Tabby location (see DefaultConfigDir).
	ConfigDir string `env:"TABSYNC_CONFIG_DIR"`

	// GitHub credentials. The token needs the gist scope. GistID may be
	// empty until `tabsync init` or the first upload creates the gist.
	GithubToken string `env:"GITHUB_TOKEN"`
	GistID      string `env:"GIST_ID"`

	// Conflict resolution strategy applied when both sides changed:
	// newest, oldest, local, cloud, merge, or manual.
	ConflictStrategy string `env:"CONFLICT_STRATEGY" envDefault:"merge"`

	// Items to sync and patterns to exclude. Comma-separated overrides
	// for the defaults above.
	SyncItems       []string `env:"SYNC_ITEMS" envSeparator:","`
	ExcludePatterns []string `env:"EXCLUDE_PATTERNS" envSeparator:","`

	// Backup retention. Oldest snapshots beyond this count are pruned.
	MaxBackups int `env:"MAX_BACKUPS" envDefault:"10"`

	// Watch-mode settings: process name to monitor and poll interval.
	ProcessName  string        `env:"TABBY_PROCESS"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`

	// Per-attempt timeout for each transport in the fallback chain.
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`

	// Device name recorded in sync history. Defaults to the hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Warnings collected while loading, emitted by the caller once a
	// logger exists.
	Warnings []string `env:"-"`
}

// envFileWarning checks whether the .env file (if present) has overly
// permissive permissions. On Unix systems, group or world readable
// files risk exposing the GitHub token to other users.
func envFileWarning(path string) string {
	if runtime.GOOS == "windows" {
		return ""
	}

	info, err := os.Stat(path)
	if err != nil {
		return "" // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		return fmt.Sprintf(".env file has insecure permissions %04o, recommended 0600", mode)
	}

	return ""
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if w := envFileWarning(".env"); w != "" {
		cfg.Warnings = append(cfg.Warnings, w)
	}

	if cfg.ConfigDir == "" {
		dir, err := DefaultConfigDir()
		if err != nil {
			return nil, fmt.Errorf("determining config dir: %w", err)
		}

		cfg.ConfigDir = dir
	}

	// Path gating in the archive and backup layers relies on string
	// prefix comparison, which only works reliably with absolute paths.
	absDir, err := filepath.Abs(cfg.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("resolving config dir to absolute path: %w", err)
	}
	cfg.ConfigDir = absDir

	if len(cfg.SyncItems) == 0 {
		cfg.SyncItems = append([]string(nil), DefaultSyncItems...)
	}

	if len(cfg.ExcludePatterns) == 0 {
		cfg.ExcludePatterns = append([]string(nil), DefaultExcludePatterns...)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "tabsync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.ProcessName == "" {
		cfg.ProcessName = defaultProcessName()
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.ConflictStrategy {
	case "newest", "oldest", "local", "cloud", "merge", "manual":
	default:
		return fmt.Errorf("unknown CONFLICT_STRATEGY %q (want newest, oldest, local, cloud, merge, or manual)", c.ConflictStrategy)
	}

	if c.MaxBackups < 1 {
		return fmt.Errorf("MAX_BACKUPS must be at least 1, got %d", c.MaxBackups)
	}

	if c.PollInterval < time.Second {
		return fmt.Errorf("POLL_INTERVAL must be at least 1s, got %s", c.PollInterval)
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}

	return nil
}

// DefaultConfigDir returns the standard Tabby configuration directory
// for the current platform.
func DefaultConfigDir() (string, error) {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "tabby"), nil
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "tabby"), nil
	}

	return filepath.Join(home, ".config", "tabby"), nil
}

func defaultProcessName() string {
	if runtime.GOOS == "windows" {
		return "Tabby.exe"
	}

	return "tabby"
}

// BackupDir returns the directory holding safety snapshots and offline
// saves. It lives next to the config root rather than inside it so
// writing a backup never trips the watch-mode change tracker.
func (c *Config) BackupDir() string {
	return filepath.Join(filepath.Dir(c.ConfigDir), "tabby-backups")
}

// StatePath returns the location of the sync metadata database.
func (c *Config) StatePath() string {
	return filepath.Join(c.ConfigDir, ".tabsync", "state.db")
}

// LockPath returns the cross-process lock file guarding sync cycles.
func (c *Config) LockPath() string {
	return filepath.Join(c.ConfigDir, ".tabsync", "sync.lock")
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
