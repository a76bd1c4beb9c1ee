// Package config loads tiercache configuration from layered JSONC files.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/tiercache/internal/fs"
)

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config")
)

// Tier names accepted in the "tiers" list.
const (
	TierMemory  = "memory"
	TierSegment = "segment"
	TierDurable = "durable"
)

// FileName is the project config file name.
const FileName = ".tiercache.json"

// Duration is a time.Duration that reads and writes as a Go duration string
// ("90s", "1h").
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}

	*d = Duration(v)

	return nil
}

// Config holds all configuration options.
type Config struct {
	// From config files (serialized)
	SegmentPath      string   `json:"segment_path"`
	SegmentCapacity  uint64   `json:"segment_capacity"`
	HeaderReserve    uint64   `json:"header_reserve"`
	LockTimeout      Duration `json:"lock_timeout"`
	DurablePath      string   `json:"durable_path"`
	DefaultTTL       Duration `json:"default_ttl"`
	MemoryMaxEntries int      `json:"memory_max_entries"`
	LogLevel         string   `json:"log_level"`
	Tiers            []string `json:"tiers"`

	// Resolved paths (computed, not serialized)
	EffectiveCwd   string `json:"-"`
	SegmentPathAbs string `json:"-"`
	DurablePathAbs string `json:"-"`

	// Sources tracks which config files were loaded (for diagnostics)
	Sources Sources `json:"-"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project or explicit config if loaded, empty otherwise
}

// fileConfig is one config file. Pointer fields distinguish "absent" from an
// explicit zero so a later layer can, for example, set default_ttl to "0s".
type fileConfig struct {
	SegmentPath      *string   `json:"segment_path"`
	SegmentCapacity  *uint64   `json:"segment_capacity"`
	HeaderReserve    *uint64   `json:"header_reserve"`
	LockTimeout      *Duration `json:"lock_timeout"`
	DurablePath      *string   `json:"durable_path"`
	DefaultTTL       *Duration `json:"default_ttl"`
	MemoryMaxEntries *int      `json:"memory_max_entries"`
	LogLevel         *string   `json:"log_level"`
	Tiers            []string  `json:"tiers"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		SegmentPath:     filepath.Join(".tiercache", "cache.seg"),
		SegmentCapacity: 64 << 20,
		LockTimeout:     Duration(5 * time.Second),
		DurablePath:     filepath.Join(".tiercache", "cache.db"),
		DefaultTTL:      Duration(time.Hour),
		LogLevel:        "warn",
		Tiers:           []string{TierMemory, TierSegment, TierDurable},
	}
}

// globalPath returns $XDG_CONFIG_HOME/tiercache/config.json, falling back to
// ~/.config/tiercache/config.json. Empty if neither variable is set.
func globalPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "tiercache", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "tiercache", "config.json")
	}

	return ""
}

// LoadInput holds the inputs for Load.
type LoadInput struct {
	WorkDirOverride     string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath          string            // -c/--config flag value
	SegmentPathOverride string            // --segment flag value; empty means no override
	DurablePathOverride string            // --durable flag value; empty means no override
	Env                 map[string]string // environment variables
	FS                  fs.FS             // config file reads; nil means the real filesystem
}

// Load loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/tiercache/config.json or ~/.config/tiercache/config.json)
// 3. Project config file (.tiercache.json in the working directory, if it exists)
// 4. Explicit config file via ConfigPath (replaces 3; must exist)
// 5. CLI overrides.
//
// All paths in the returned Config are resolved to absolute paths.
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	fsys := input.FS
	if fsys == nil {
		fsys = fs.NewReal()
	}

	cfg := Default()

	if path := globalPath(input.Env); path != "" {
		fc, loaded, err := loadFile(fsys, path, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg = merge(cfg, fc)
			cfg.Sources.Global = path
		}
	}

	projectPath := filepath.Join(workDir, FileName)
	mustExist := false

	if input.ConfigPath != "" {
		projectPath = input.ConfigPath
		if !filepath.IsAbs(projectPath) {
			projectPath = filepath.Join(workDir, projectPath)
		}

		mustExist = true
	}

	fc, loaded, err := loadFile(fsys, projectPath, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg = merge(cfg, fc)
		cfg.Sources.Project = projectPath
	}

	if input.SegmentPathOverride != "" {
		cfg.SegmentPath = input.SegmentPathOverride
	}

	if input.DurablePathOverride != "" {
		cfg.DurablePath = input.DurablePathOverride
	}

	err = Validate(cfg)
	if err != nil {
		return Config{}, err
	}

	cfg.EffectiveCwd = workDir
	cfg.SegmentPathAbs = resolve(workDir, cfg.SegmentPath)
	cfg.DurablePathAbs = resolve(workDir, cfg.DurablePath)

	return cfg, nil
}

func resolve(workDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(workDir, path)
}

// loadFile loads a config file. If mustExist is false, a missing file is not
// an error and loaded is false.
func loadFile(fsys fs.FS, path string, mustExist bool) (fileConfig, bool, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if mustExist {
				return fileConfig{}, false, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
			}

			return fileConfig{}, false, nil
		}

		return fileConfig{}, false, fmt.Errorf("%w %s: %w", ErrConfigFileRead, path, err)
	}

	fc, err := parse(data)
	if err != nil {
		return fileConfig{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return fc, true, nil
}

// parse decodes one JSONC config document. Comments and trailing commas are
// allowed; unknown fields are rejected.
func parse(data []byte) (fileConfig, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var fc fileConfig

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()

	err = dec.Decode(&fc)
	if err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return fc, nil
}

func merge(base Config, overlay fileConfig) Config {
	if overlay.SegmentPath != nil {
		base.SegmentPath = *overlay.SegmentPath
	}

	if overlay.SegmentCapacity != nil {
		base.SegmentCapacity = *overlay.SegmentCapacity
	}

	if overlay.HeaderReserve != nil {
		base.HeaderReserve = *overlay.HeaderReserve
	}

	if overlay.LockTimeout != nil {
		base.LockTimeout = *overlay.LockTimeout
	}

	if overlay.DurablePath != nil {
		base.DurablePath = *overlay.DurablePath
	}

	if overlay.DefaultTTL != nil {
		base.DefaultTTL = *overlay.DefaultTTL
	}

	if overlay.MemoryMaxEntries != nil {
		base.MemoryMaxEntries = *overlay.MemoryMaxEntries
	}

	if overlay.LogLevel != nil {
		base.LogLevel = *overlay.LogLevel
	}

	if overlay.Tiers != nil {
		base.Tiers = slices.Clone(overlay.Tiers)
	}

	return base
}

// Validate checks a merged config.
func Validate(cfg Config) error {
	if len(cfg.Tiers) == 0 {
		return fmt.Errorf("%w: tiers cannot be empty", ErrConfigInvalid)
	}

	seen := make(map[string]bool, len(cfg.Tiers))

	for _, t := range cfg.Tiers {
		switch t {
		case TierMemory, TierSegment, TierDurable:
		default:
			return fmt.Errorf("%w: unknown tier %q", ErrConfigInvalid, t)
		}

		if seen[t] {
			return fmt.Errorf("%w: tier %q listed twice", ErrConfigInvalid, t)
		}

		seen[t] = true
	}

	if seen[TierSegment] {
		if cfg.SegmentPath == "" {
			return fmt.Errorf("%w: segment_path cannot be empty", ErrConfigInvalid)
		}

		if cfg.SegmentCapacity == 0 {
			return fmt.Errorf("%w: segment_capacity must be > 0", ErrConfigInvalid)
		}

		if cfg.HeaderReserve != 0 && cfg.HeaderReserve >= cfg.SegmentCapacity {
			return fmt.Errorf("%w: header_reserve must be smaller than segment_capacity", ErrConfigInvalid)
		}
	}

	if seen[TierDurable] && cfg.DurablePath == "" {
		return fmt.Errorf("%w: durable_path cannot be empty", ErrConfigInvalid)
	}

	if cfg.DefaultTTL < 0 {
		return fmt.Errorf("%w: default_ttl cannot be negative", ErrConfigInvalid)
	}

	if cfg.MemoryMaxEntries < 0 {
		return fmt.Errorf("%w: memory_max_entries cannot be negative", ErrConfigInvalid)
	}

	_, err := cfg.Level()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	return nil
}

// Level parses LogLevel ("debug", "info", "warn", "error").
func (cfg Config) Level() (slog.Level, error) {
	var level slog.Level

	err := level.UnmarshalText([]byte(cfg.LogLevel))
	if err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}

	return level, nil
}

// Has reports whether tier is enabled.
func (cfg Config) Has(tier string) bool {
	return slices.Contains(cfg.Tiers, tier)
}

// Marshal renders the serializable fields as indented JSON, the format
// written by "tiercache init".
func (cfg Config) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	return append(data, '\n'), nil
}
