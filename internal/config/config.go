// Package config loads decksync settings.
//
// Precedence, lowest first: built-in defaults, the YAML config file,
// .env and DECKSYNC_* environment variables, command-line flags. The
// merged result is validated against an embedded CUE schema.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// Config is the full decksync configuration.
type Config struct {
	Server ServerConfig `yaml:"server" json:"server"`
	Client ClientConfig `yaml:"client" json:"client"`
}

// ServerConfig configures `decksync serve`.
type ServerConfig struct {
	Listen          string   `yaml:"listen" json:"listen"`
	StatusListen    string   `yaml:"status_listen" json:"status_listen"`
	DBPath          string   `yaml:"db_path" json:"db_path"`
	DeckBackend     string   `yaml:"deck_backend" json:"deck_backend"`
	DeckDir         string   `yaml:"deck_dir" json:"deck_dir"`
	PrivilegeDriver string   `yaml:"privilege_driver" json:"privilege_driver"`
	PostgresDSN     string   `yaml:"postgres_dsn" json:"postgres_dsn"`
	ReadTimeout     Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout" json:"write_timeout"`
	MaxBatchBytes   int64    `yaml:"max_batch_bytes" json:"max_batch_bytes"`
}

// ClientConfig configures the push, pull, clone, sync and forget commands.
type ClientConfig struct {
	ServerAddr       string   `yaml:"server_addr" json:"server_addr"`
	User             string   `yaml:"user" json:"user"`
	AnkiConnectURL   string   `yaml:"anki_connect_url" json:"anki_connect_url"`
	StateDir         string   `yaml:"state_dir" json:"state_dir"`
	DialTimeout      Duration `yaml:"dial_timeout" json:"dial_timeout"`
	RoundTripTimeout Duration `yaml:"round_trip_timeout" json:"round_trip_timeout"`
}

// Backends and drivers.
const (
	BackendSQLite  = "sqlite"
	BackendJSON    = "json"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen:          ":9999",
			DBPath:          "decksync.db",
			DeckBackend:     BackendSQLite,
			PrivilegeDriver: DriverSQLite,
			ReadTimeout:     Duration{30 * time.Second},
			WriteTimeout:    Duration{30 * time.Second},
			MaxBatchBytes:   64 << 20,
		},
		Client: ClientConfig{
			ServerAddr:       "127.0.0.1:9999",
			AnkiConnectURL:   "http://127.0.0.1:8765",
			StateDir:         ".decksync",
			DialTimeout:      Duration{10 * time.Second},
			RoundTripTimeout: Duration{60 * time.Second},
		},
	}
}

// Load reads defaults, the config file at path (skipped when path is
// empty), the .env file in the working directory and the environment, and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := LoadDotEnv(".env"); err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// decodeYAML overlays data on cfg. Unknown keys are an error.
func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ValidationError is one schema violation.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every violation found.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return "invalid config: " + strings.Join(msgs, "; ")
}

// Validate checks cfg against the embedded CUE schema. It returns
// ValidationErrors when the schema rejects the configuration.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	value := ctx.CompileBytes(data, cue.Filename("config"))
	if err := value.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		var out ValidationErrors
		for _, e := range cueerrors.Errors(err) {
			format, args := e.Msg()
			out = append(out, ValidationError{
				Field:   strings.Join(e.Path(), "."),
				Message: fmt.Sprintf(format, args...),
			})
		}
		if len(out) == 0 {
			return fmt.Errorf("validate config: %w", err)
		}
		return out
	}
	return nil
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}
