// Package config loads sitenet configuration files.
//
// A file is YAML. It is checked against an embedded CUE schema, which
// also supplies the defaults, and then decoded into Config.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"

	"github.com/roach88/sitenet/internal/keys"
)

//go:embed schema.cue
var schemaSource string

// Config is a validated configuration with defaults applied.
type Config struct {
	Site        SiteConfig        `json:"site" yaml:"site"`
	Coordinator CoordinatorConfig `json:"coordinator" yaml:"coordinator"`
	Exchange    ExchangeConfig    `json:"exchange" yaml:"exchange"`
	Ledger      LedgerConfig      `json:"ledger" yaml:"ledger"`
	Log         LogConfig         `json:"log" yaml:"log"`
	Listen      ListenConfig      `json:"listen" yaml:"listen"`
}

type SiteConfig struct {
	Store   string `json:"store" yaml:"store"`
	Version string `json:"version" yaml:"version"`
}

type CoordinatorConfig struct {
	Store        string `json:"store" yaml:"store"`
	KeyAlgorithm string `json:"keyAlgorithm" yaml:"keyAlgorithm"`
	URL          string `json:"url" yaml:"url"`
}

type ExchangeConfig struct {
	ConnectTimeout    Duration `json:"connectTimeout" yaml:"connectTimeout"`
	ReadTimeout       Duration `json:"readTimeout" yaml:"readTimeout"`
	ReplayLimit       int      `json:"replayLimit" yaml:"replayLimit"`
	IntakeCapacity    int      `json:"intakeCapacity" yaml:"intakeCapacity"`
	RedeliverInterval Duration `json:"redeliverInterval" yaml:"redeliverInterval"`
}

type LedgerConfig struct {
	MaxParked   int  `json:"maxParked" yaml:"maxParked"`
	LenientFold bool `json:"lenientFold" yaml:"lenientFold"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type ListenConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Error is a configuration that does not satisfy the schema.
type Error struct {
	Path    string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() && e.Pos.Filename() != "" {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	if e.Path != "" {
		return fmt.Sprintf("config %s: %s", e.Path, e.Message)
	}
	return "config: " + e.Message
}

// Default returns the configuration an empty file produces.
func Default() *Config {
	cfg, err := Parse(nil)
	if err != nil {
		panic(fmt.Sprintf("config schema rejects the empty file: %v", err))
	}
	return cfg
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	slog.Debug("config loaded", "path", path)
	return cfg, nil
}

// Parse validates YAML data against the schema and decodes it.
func Parse(data []byte) (*Config, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &Error{Message: err.Error()}
	}
	if doc == nil {
		doc = map[string]any{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(doc))
	if err := v.Validate(cue.Final(), cue.Concrete(true)); err != nil {
		return nil, schemaError(err)
	}

	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, schemaError(err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, &Error{Message: err.Error()}
	}
	if _, err := keys.ParseAlgorithm(cfg.Coordinator.KeyAlgorithm); err != nil {
		return nil, &Error{Path: "coordinator.keyAlgorithm", Message: err.Error()}
	}
	return &cfg, nil
}

// schemaError reports the first CUE error with its path.
func schemaError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &Error{Message: err.Error()}
	}
	first := errs[0]
	e := &Error{Message: first.Error()}
	if path := first.Path(); len(path) > 0 {
		e.Path = strings.Join(path, ".")
	}
	if pos := errors.Positions(first); len(pos) > 0 {
		e.Pos = pos[0]
	}
	return e
}

// SlogLevel maps the configured level name.
func (c LogConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Algorithm returns the configured key algorithm for new keys.
func (c CoordinatorConfig) Algorithm() keys.Algorithm {
	return keys.Algorithm(c.KeyAlgorithm)
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
