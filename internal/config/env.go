package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DECKSYNC_"

// LoadDotEnv loads variables from path into the process environment.
// Variables already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

type envVar struct {
	name string
	set  func(c *Config, v string) error
}

func str(field func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func dur(field func(c *Config) *Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		field(c).Duration = d
		return nil
	}
}

var envVars = []envVar{
	{"LISTEN", str(func(c *Config) *string { return &c.Server.Listen })},
	{"STATUS_LISTEN", str(func(c *Config) *string { return &c.Server.StatusListen })},
	{"DB_PATH", str(func(c *Config) *string { return &c.Server.DBPath })},
	{"DECK_BACKEND", str(func(c *Config) *string { return &c.Server.DeckBackend })},
	{"DECK_DIR", str(func(c *Config) *string { return &c.Server.DeckDir })},
	{"PRIVILEGE_DRIVER", str(func(c *Config) *string { return &c.Server.PrivilegeDriver })},
	{"POSTGRES_DSN", str(func(c *Config) *string { return &c.Server.PostgresDSN })},
	{"READ_TIMEOUT", dur(func(c *Config) *Duration { return &c.Server.ReadTimeout })},
	{"WRITE_TIMEOUT", dur(func(c *Config) *Duration { return &c.Server.WriteTimeout })},
	{"MAX_BATCH_BYTES", func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		c.Server.MaxBatchBytes = n
		return nil
	}},
	{"SERVER_ADDR", str(func(c *Config) *string { return &c.Client.ServerAddr })},
	{"USER", str(func(c *Config) *string { return &c.Client.User })},
	{"ANKI_CONNECT_URL", str(func(c *Config) *string { return &c.Client.AnkiConnectURL })},
	{"STATE_DIR", str(func(c *Config) *string { return &c.Client.StateDir })},
	{"DIAL_TIMEOUT", dur(func(c *Config) *Duration { return &c.Client.DialTimeout })},
	{"ROUND_TRIP_TIMEOUT", dur(func(c *Config) *Duration { return &c.Client.RoundTripTimeout })},
}

// ApplyEnv overrides settings from DECKSYNC_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, ev := range envVars {
		v, ok := lookup(EnvPrefix + ev.name)
		if !ok {
			continue
		}
		if err := ev.set(c, v); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, ev.name, err)
		}
	}
	return nil
}
