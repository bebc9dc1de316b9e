package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adrg/xdg"
	"github.com/vk/cellar/internal/host"
	"github.com/vk/cellar/internal/scheduler"
)

const appName = "cellar"

// EnvPrefix marks environment variables that override settings.
const EnvPrefix = "CELLAR_"

// Duration is a time.Duration written as a string such as "90s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler for Duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Settings configure every cellar command.
type Settings struct {
	// FormulaPaths are files or directories holding *.hcl formulas.
	FormulaPaths []string `toml:"formula_paths"`
	// StoreDir holds installed slots.
	StoreDir string `toml:"store_dir"`
	// PrefixDir is the active prefix; links live in PrefixDir/opt.
	PrefixDir string `toml:"prefix_dir"`
	// StateFile is the installation log.
	StateFile string `toml:"state_file"`
	// LogDir receives compressed build logs. Empty disables them.
	LogDir string `toml:"log_dir"`
	// SandboxDir is where build environments are created.
	SandboxDir string `toml:"sandbox_dir"`

	Workers       int      `toml:"workers"`
	FailurePolicy string   `toml:"failure_policy"`
	OutputCap     int      `toml:"output_cap"`
	StepTimeout   Duration `toml:"step_timeout"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	// Env seeds every build environment, e.g. PATH or LANG.
	Env  map[string]string `toml:"env"`
	Host host.Overrides    `toml:"host"`
}

// DefaultPath is where the settings file is looked up when none is given.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, appName, "config.toml")
}

// Default returns the built-in settings.
func Default() Settings {
	data := filepath.Join(xdg.DataHome, appName)
	return Settings{
		FormulaPaths:  []string{filepath.Join(data, "formulas")},
		StoreDir:      filepath.Join(data, "store"),
		PrefixDir:     filepath.Join(data, "prefix"),
		StateFile:     filepath.Join(data, "installed.jsonl"),
		LogDir:        filepath.Join(xdg.StateHome, appName, "logs"),
		Workers:       4,
		FailurePolicy: string(scheduler.PolicyContinue),
		OutputCap:     1 << 20,
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// Load builds settings from the defaults, the file at path and the
// CELLAR_* variables in environ. An empty path means DefaultPath, which may
// be missing; an explicit path must exist.
func Load(path string, environ []string) (*Settings, error) {
	s := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if err := s.mergeFile(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	if err := s.mergeEnv(environ); err != nil {
		return nil, err
	}
	if err := s.AbsPaths(); err != nil {
		return nil, err
	}
	return &s, nil
}

// AbsPaths makes every configured path absolute relative to the working
// directory. Slots and links are recorded by path, so they must not depend
// on where cellar was started.
func (s *Settings) AbsPaths() error {
	paths := []*string{&s.StoreDir, &s.PrefixDir, &s.StateFile, &s.LogDir, &s.SandboxDir}
	for i := range s.FormulaPaths {
		paths = append(paths, &s.FormulaPaths[i])
	}
	for _, p := range paths {
		if *p == "" || filepath.IsAbs(*p) {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", *p, err)
		}
		*p = abs
	}
	return nil
}

func (s *Settings) mergeFile(path string) error {
	md, err := toml.DecodeFile(path, s)
	if err != nil {
		return fmt.Errorf("reading settings %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("settings %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func (s *Settings) mergeEnv(environ []string) error {
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		var err error
		switch strings.TrimPrefix(key, EnvPrefix) {
		case "FORMULA_PATH":
			s.FormulaPaths = filepath.SplitList(value)
		case "STORE_DIR":
			s.StoreDir = value
		case "PREFIX":
			s.PrefixDir = value
		case "STATE_FILE":
			s.StateFile = value
		case "LOG_DIR":
			s.LogDir = value
		case "SANDBOX_DIR":
			s.SandboxDir = value
		case "WORKERS":
			s.Workers, err = strconv.Atoi(value)
		case "FAILURE_POLICY":
			s.FailurePolicy = value
		case "OUTPUT_CAP":
			s.OutputCap, err = strconv.Atoi(value)
		case "STEP_TIMEOUT":
			err = s.StepTimeout.UnmarshalText([]byte(value))
		case "LOG_LEVEL":
			s.LogLevel = value
		case "LOG_FORMAT":
			s.LogFormat = value
		default:
			continue
		}
		if err != nil {
			return fmt.Errorf("environment variable %s: %w", key, err)
		}
	}
	return nil
}

// Validate checks that the settings are usable.
func (s *Settings) Validate() error {
	var errs []error
	switch s.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log level %q: must be 'debug', 'info', 'warn', or 'error'", s.LogLevel))
	}
	if s.LogFormat != "text" && s.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("invalid log format %q: must be 'text' or 'json'", s.LogFormat))
	}
	if s.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", s.Workers))
	}
	if s.OutputCap < 1 {
		errs = append(errs, fmt.Errorf("output cap must be positive, got %d", s.OutputCap))
	}
	if s.StepTimeout.Duration < 0 {
		errs = append(errs, fmt.Errorf("step timeout must not be negative, got %s", s.StepTimeout))
	}
	if _, err := scheduler.ParsePolicy(s.FailurePolicy); err != nil {
		errs = append(errs, err)
	}
	for _, req := range []struct{ key, value string }{
		{"store_dir", s.StoreDir},
		{"prefix_dir", s.PrefixDir},
		{"state_file", s.StateFile},
	} {
		if req.value == "" {
			errs = append(errs, fmt.Errorf("%s must be set", req.key))
		}
	}
	for _, p := range []struct{ key, value string }{
		{"store_dir", s.StoreDir},
		{"prefix_dir", s.PrefixDir},
		{"state_file", s.StateFile},
		{"log_dir", s.LogDir},
		{"sandbox_dir", s.SandboxDir},
	} {
		if p.value != "" && !filepath.IsAbs(p.value) {
			errs = append(errs, fmt.Errorf("%s must be an absolute path, got %q", p.key, p.value))
		}
	}
	return errors.Join(errs...)
}
