// Package config loads fixgate configuration from JSONC files and CLI
// overrides.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/fixgate/pkg/seqindex"
)

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config")
	ErrIndexPathEmpty     = errors.New("index_path cannot be empty")
)

// FileName is the project config file looked up in the working directory.
const FileName = ".fixgate.json"

// Config holds all configuration options.
type Config struct {
	IndexPath        string   `json:"index_path,omitempty"        validate:"required"`
	FlushInterval    Duration `json:"flush_interval,omitempty"    validate:"gte=0"`
	Capacity         uint64   `json:"capacity,omitempty"          validate:"gte=1,lte=268435456"`
	PositionCapacity uint64   `json:"position_capacity,omitempty" validate:"gte=1,lte=268435456"`
	LogLevel         string   `json:"log_level,omitempty"         validate:"oneof=debug info warn error"`
	LogFormat        string   `json:"log_format,omitempty"        validate:"oneof=text json"`
	MetricsAddr      string   `json:"metrics_addr,omitempty"      validate:"omitempty,hostname_port"`
	DisableLocking   bool     `json:"disable_locking,omitempty"`

	// Resolved (not serialized)
	WorkDir      string  `json:"-"`
	IndexPathAbs string  `json:"-"`
	Sources      Sources `json:"-"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string
	Project string
}

// Duration is a time.Duration that reads and writes Go duration strings.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string

	err := json.Unmarshal(data, &s)
	if err != nil {
		return fmt.Errorf("duration must be a string like \"10s\": %w", err)
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}

	*d = Duration(parsed)

	return nil
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		IndexPath:        "fixgate.seqnums",
		FlushInterval:    Duration(seqindex.DefaultFlushInterval),
		Capacity:         seqindex.DefaultCapacity,
		PositionCapacity: seqindex.DefaultPositionCapacity,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// Overrides are values set on the command line. Empty fields do not override.
type Overrides struct {
	IndexPath string
	LogLevel  string
}

// LoadInput holds the inputs for Load.
type LoadInput struct {
	WorkDir    string            // if empty, os.Getwd() is used
	ConfigPath string            // -c/--config flag value
	Overrides  Overrides         // CLI flag values
	Env        map[string]string // environment variables
}

// Load resolves configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global config ($XDG_CONFIG_HOME/fixgate/config.json or ~/.config/fixgate/config.json)
// 3. Project config (.fixgate.json in the working directory, if present)
// 4. Explicit config file (ConfigPath, must exist)
// 5. CLI overrides.
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDir
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := Default()

	if globalPath := globalConfigPath(input.Env); globalPath != "" {
		raw, loaded, err := loadFile(globalPath, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg, err = merge(cfg, raw, globalPath)
			if err != nil {
				return Config{}, err
			}

			cfg.Sources.Global = globalPath
		}
	}

	projectPath, mustExist := filepath.Join(workDir, FileName), false

	if input.ConfigPath != "" {
		projectPath, mustExist = input.ConfigPath, true
		if !filepath.IsAbs(projectPath) {
			projectPath = filepath.Join(workDir, projectPath)
		}
	}

	raw, loaded, err := loadFile(projectPath, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg, err = merge(cfg, raw, projectPath)
		if err != nil {
			return Config{}, err
		}

		cfg.Sources.Project = projectPath
	}

	if input.Overrides.IndexPath != "" {
		cfg.IndexPath = input.Overrides.IndexPath
	}

	if input.Overrides.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(input.Overrides.LogLevel)
	}

	err = Validate(cfg)
	if err != nil {
		return Config{}, err
	}

	cfg.WorkDir = workDir

	cfg.IndexPathAbs = cfg.IndexPath
	if !filepath.IsAbs(cfg.IndexPathAbs) {
		cfg.IndexPathAbs = filepath.Join(workDir, cfg.IndexPath)
	}

	return cfg, nil
}

// Uses $XDG_CONFIG_HOME/fixgate/config.json if set, otherwise
// ~/.config/fixgate/config.json. Empty if neither is known.
func globalConfigPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "fixgate", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "fixgate", "config.json")
	}

	return ""
}

// loadFile returns the standardized JSON of a config file. A missing file is
// not an error unless mustExist is set.
func loadFile(path string, mustExist bool) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if mustExist {
				return nil, false, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
			}

			return nil, false, nil
		}

		return nil, false, fmt.Errorf("%w %s: %w", ErrConfigFileRead, path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, false, fmt.Errorf("%w %s: invalid JSONC: %w", ErrConfigInvalid, path, err)
	}

	return standardized, true, nil
}

// merge decodes a file over base. Fields absent from the file keep their
// value; an explicitly empty index_path is rejected rather than ignored.
func merge(base Config, data []byte, path string) (Config, error) {
	var probe map[string]any

	err := json.Unmarshal(data, &probe)
	if err != nil {
		return Config{}, fmt.Errorf("%w %s: invalid JSON: %w", ErrConfigInvalid, path, err)
	}

	if v, ok := probe["index_path"]; ok {
		if s, isStr := v.(string); isStr && s == "" {
			return Config{}, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, ErrIndexPathEmpty)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	err = dec.Decode(&base)
	if err != nil {
		return Config{}, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	base.LogLevel = strings.ToLower(base.LogLevel)
	base.LogFormat = strings.ToLower(base.LogFormat)

	return base, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}

		return name
	})

	return v
}

// Validate checks field constraints and reports the first violation by its
// JSON name.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	fe := verrs[0]

	if fe.Field() == "index_path" && fe.Tag() == "required" {
		return ErrIndexPathEmpty
	}

	if fe.Param() != "" {
		return fmt.Errorf("%w: %s must satisfy %s=%s (got %v)", ErrConfigInvalid, fe.Field(), fe.Tag(), fe.Param(), fe.Value())
	}

	return fmt.Errorf("%w: %s must satisfy %s (got %v)", ErrConfigInvalid, fe.Field(), fe.Tag(), fe.Value())
}

// Level returns the slog level for LogLevel.
func (c Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Format renders the serializable fields as indented JSON.
func Format(cfg Config) (string, error) {
	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("formatting config: %w", err)
	}

	return string(out), nil
}
