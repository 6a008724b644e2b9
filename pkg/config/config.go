// Package config loads and validates the YAML configuration that names the
// library trees to mirror and the Plex server to notify.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/plexmirror/plexmirror/pkg/library"
	"github.com/plexmirror/plexmirror/pkg/plog"
	"github.com/plexmirror/plexmirror/pkg/util"
)

// DefaultCachePath is used when the config file does not name a cache
// database location.
const DefaultCachePath = "cache.db"

// Default connection values for a local Plex server.
const (
	DefaultHost = "localhost"
	DefaultPort = 32400
)

// Mapping is one configured (source, destination, kind) triple. The source
// tree is mirrored into the destination tree via hardlinks.
type Mapping struct {
	Kind   library.Kind `yaml:"type"`
	Source string       `yaml:"src"`
	Dest   string       `yaml:"dest"`
}

// Host holds the Plex server connection parameters.
type Host struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Token string `yaml:"token"`
}

// Config is the full file-backed configuration. Runtime switches (dry-run,
// skip-refresh, ...) are command-line flags, not config entries, because
// they are per-invocation decisions.
type Config struct {
	Libraries []Mapping `yaml:"libs"`
	Plex      Host      `yaml:"plex"`
	CachePath string    `yaml:"cache"`
	LogLevel  string    `yaml:"logLevel"`
	LogFile   string    `yaml:"logFile"`
}

// Load reads and validates the configuration file. Mappings with an
// unsupported type or a missing root are dropped with a warning rather
// than failing the whole run; a missing server token is fatal because
// every remote call needs it.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.Libraries = validMappings(cfg.Libraries)

	if cfg.Plex.Host == "" {
		cfg.Plex.Host = DefaultHost
	}
	if cfg.Plex.Port == 0 {
		cfg.Plex.Port = DefaultPort
	}
	if cfg.Plex.Token == "" {
		return Config{}, fmt.Errorf("config file %s is missing the plex token", path)
	}

	if cfg.CachePath == "" {
		cfg.CachePath = DefaultCachePath
	}
	if cfg.CachePath, err = util.ExpandPath(cfg.CachePath); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// validMappings filters the configured library list down to mappings that
// can actually be reconciled. Invalid entries are excluded, not fatal, so
// one broken mount does not block the remaining libraries.
func validMappings(mappings []Mapping) []Mapping {
	valid := make([]Mapping, 0, len(mappings))
	for _, m := range mappings {
		plog.Debug("Validating library mapping", "type", m.Kind, "src", m.Source, "dest", m.Dest)

		if _, err := library.ParseKind(string(m.Kind)); err != nil {
			plog.Warn("Dropping library mapping", "error", err)
			continue
		}

		var err error
		if m.Source, err = util.ExpandPath(m.Source); err != nil {
			plog.Warn("Dropping library mapping", "error", err)
			continue
		}
		if m.Dest, err = util.ExpandPath(m.Dest); err != nil {
			plog.Warn("Dropping library mapping", "error", err)
			continue
		}

		if _, err := os.Stat(m.Source); err != nil {
			plog.Warn("Dropping library mapping, source root is missing", "src", m.Source)
			continue
		}
		if _, err := os.Stat(m.Dest); err != nil {
			plog.Warn("Dropping library mapping, destination root is missing", "dest", m.Dest)
			continue
		}

		valid = append(valid, m)
	}
	return valid
}
