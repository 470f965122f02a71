// Package config loads, validates, and watches the takopi.toml
// configuration file. Old-format files are upgraded by versioned
// migrations exactly once at load time (see migrations.go).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// CurrentVersion is the schema version written by this build.
const CurrentVersion = 2

// FileName is the config file searched for in the working directory and
// under ~/.config/takopi/.
const FileName = "takopi.toml"

// Config is the validated configuration snapshot. Snapshots are immutable;
// a reload produces a new value and in-flight runs keep the one they were
// dispatched with.
type Config struct {
	Version       int                     `mapstructure:"version"`
	DefaultEngine string                  `mapstructure:"default_engine"`
	Runtime       Runtime                 `mapstructure:"runtime"`
	Engines       map[string]EngineConfig `mapstructure:"engines"`
	Inject        Inject                  `mapstructure:"inject"`
	Store         Store                   `mapstructure:"store"`
	Worktree      Worktree                `mapstructure:"worktree"`
}

// Runtime holds the orchestration knobs.
type Runtime struct {
	MaxConcurrentRuns int           `mapstructure:"max_concurrent_runs"`
	CoalesceWindow    time.Duration `mapstructure:"coalesce_window"`
	EditInterval      time.Duration `mapstructure:"edit_interval"`
	CancelGrace       time.Duration `mapstructure:"cancel_grace"`
	Overflow          string        `mapstructure:"overflow"`
	ConflictPolicy    string        `mapstructure:"conflict_policy"`
	SessionCap        int           `mapstructure:"session_cap"`
	ParseFailureLimit int           `mapstructure:"parse_failure_limit"`
}

// EngineConfig configures one coding-agent backend.
type EngineConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	Binary  string            `mapstructure:"binary"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
}

// Inject configures the file-injection watcher. An empty Dir disables it.
type Inject struct {
	Dir    string `mapstructure:"dir"`
	ChatID string `mapstructure:"chat_id"`
}

// Store configures session persistence. An empty Path places the database
// alongside the config file.
type Store struct {
	Path string `mapstructure:"path"`
}

// Worktree configures per-run working directories. An empty Root makes
// runs execute in the process working directory instead.
type Worktree struct {
	Root    string `mapstructure:"root"`
	Project string `mapstructure:"project"`
}

// Overflow policy values.
const (
	OverflowTrim  = "trim"
	OverflowSplit = "split"
)

// Conflict policy values for an occupied run slot.
const (
	ConflictReplace = "replace"
	ConflictQueue   = "queue"
	ConflictReject  = "reject"
)

// Default returns the configuration used when a file omits a field.
func Default() Config {
	return Config{
		Version:       CurrentVersion,
		DefaultEngine: "claude",
		Runtime: Runtime{
			MaxConcurrentRuns: 4,
			CoalesceWindow:    time.Second,
			EditInterval:      3 * time.Second,
			CancelGrace:       5 * time.Second,
			Overflow:          OverflowTrim,
			ConflictPolicy:    ConflictReplace,
			SessionCap:        20,
			ParseFailureLimit: 5,
		},
		Engines: map[string]EngineConfig{
			"claude": {Enabled: true, Binary: "claude"},
			"codex":  {Enabled: true, Binary: "codex"},
		},
	}
}

// Loader owns a viper instance bound to one config file and hands out
// validated snapshots.
type Loader struct {
	v      *viper.Viper
	logger *slog.Logger

	mu      sync.RWMutex
	current Config
	path    string
}

// NewLoader builds a loader. path may be empty, in which case the file is
// searched for in the working directory and ~/.config/takopi/.
func NewLoader(path string, logger *slog.Logger) *Loader {
	return &Loader{v: viper.New(), logger: logger, path: path}
}

// Load reads, migrates, validates, and caches the configuration. A missing
// file yields Default() without error; a malformed or invalid file is fatal
// to the caller.
func (l *Loader) Load() (Config, error) {
	l.v.SetConfigType("toml")
	if l.path != "" {
		l.v.SetConfigFile(l.path)
	} else {
		l.v.SetConfigName("takopi")
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "takopi"))
		}
	}
	setDefaults(l.v)

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.path == "" && errors.As(err, &notFound) {
			cfg := Default()
			l.setCurrent(cfg)
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if applied := Migrate(l.v); len(applied) > 0 {
		for _, name := range applied {
			l.logger.Info("config migrated", "migration", name, "path", l.v.ConfigFileUsed())
		}
		if err := l.v.WriteConfig(); err != nil {
			return Config{}, fmt.Errorf("persist migrated config %s: %w", l.v.ConfigFileUsed(), err)
		}
	}

	cfg, err := l.unmarshal()
	if err != nil {
		return Config{}, err
	}
	l.setCurrent(cfg)
	return cfg, nil
}

// Current returns the most recently loaded snapshot.
func (l *Loader) Current() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Watch re-validates the file on change and calls onChange with the new
// snapshot. An invalid edit keeps the previous snapshot in effect.
func (l *Loader) Watch(onChange func(Config)) {
	l.v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := l.unmarshal()
		if err != nil {
			l.logger.Warn("config reload rejected", "error", err)
			return
		}
		l.setCurrent(cfg)
		l.logger.Info("config reloaded", "path", l.v.ConfigFileUsed())
		if onChange != nil {
			onChange(cfg)
		}
	})
	l.v.WatchConfig()
}

func (l *Loader) unmarshal() (Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", l.v.ConfigFileUsed(), err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (l *Loader) setCurrent(cfg Config) {
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
}

func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("version", def.Version)
	v.SetDefault("default_engine", def.DefaultEngine)
	v.SetDefault("runtime.max_concurrent_runs", def.Runtime.MaxConcurrentRuns)
	v.SetDefault("runtime.coalesce_window", def.Runtime.CoalesceWindow.String())
	v.SetDefault("runtime.edit_interval", def.Runtime.EditInterval.String())
	v.SetDefault("runtime.cancel_grace", def.Runtime.CancelGrace.String())
	v.SetDefault("runtime.overflow", def.Runtime.Overflow)
	v.SetDefault("runtime.conflict_policy", def.Runtime.ConflictPolicy)
	v.SetDefault("runtime.session_cap", def.Runtime.SessionCap)
	v.SetDefault("runtime.parse_failure_limit", def.Runtime.ParseFailureLimit)
	v.SetDefault("engines.claude.enabled", true)
	v.SetDefault("engines.claude.binary", "claude")
	v.SetDefault("engines.codex.enabled", true)
	v.SetDefault("engines.codex.binary", "codex")
}

// Validate checks the snapshot and returns hint-carrying errors for the
// mistakes users actually make.
func (c Config) Validate() error {
	if c.Version > CurrentVersion {
		return fmt.Errorf("configuration error: version %d is newer than this build supports (%d)", c.Version, CurrentVersion)
	}
	if c.DefaultEngine == "" {
		return fmt.Errorf("configuration error: missing 'default_engine'\n\nHint: set it to one of your [engines.*] sections, e.g.\n  default_engine = \"claude\"")
	}
	if _, ok := c.Engines[c.DefaultEngine]; !ok {
		return fmt.Errorf("configuration error: default_engine %q has no [engines.%s] section", c.DefaultEngine, c.DefaultEngine)
	}
	for name, e := range c.Engines {
		if e.Enabled && e.Binary == "" {
			return fmt.Errorf("configuration error: engine %q has empty 'binary'\n\nHint: set [engines.%s] binary = %q", name, name, name)
		}
	}
	switch c.Runtime.Overflow {
	case OverflowTrim, OverflowSplit:
	default:
		return fmt.Errorf("configuration error: invalid runtime.overflow %q (want %q or %q)", c.Runtime.Overflow, OverflowTrim, OverflowSplit)
	}
	switch c.Runtime.ConflictPolicy {
	case ConflictReplace, ConflictQueue, ConflictReject:
	default:
		return fmt.Errorf("configuration error: invalid runtime.conflict_policy %q (want replace, queue, or reject)", c.Runtime.ConflictPolicy)
	}
	if c.Runtime.MaxConcurrentRuns < 1 {
		return fmt.Errorf("configuration error: runtime.max_concurrent_runs must be >= 1, got %d", c.Runtime.MaxConcurrentRuns)
	}
	if c.Runtime.SessionCap < 1 {
		return fmt.Errorf("configuration error: runtime.session_cap must be >= 1, got %d", c.Runtime.SessionCap)
	}
	if c.Runtime.ParseFailureLimit < 1 {
		return fmt.Errorf("configuration error: runtime.parse_failure_limit must be >= 1, got %d", c.Runtime.ParseFailureLimit)
	}
	if c.Runtime.CoalesceWindow < 0 || c.Runtime.EditInterval < 0 || c.Runtime.CancelGrace < 0 {
		return fmt.Errorf("configuration error: runtime durations must not be negative")
	}
	if c.Inject.Dir != "" && c.Inject.ChatID == "" {
		return fmt.Errorf("configuration error: inject.dir is set but inject.chat_id is empty")
	}
	if c.Worktree.Root != "" && c.Worktree.Project == "" {
		return fmt.Errorf("configuration error: worktree.root is set but worktree.project is empty")
	}
	return nil
}

// StorePath resolves the session database location for this snapshot.
func (c Config) StorePath(configPath string) string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	if configPath != "" {
		return filepath.Join(filepath.Dir(configPath), "takopi.db")
	}
	return "takopi.db"
}
