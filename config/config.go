// Package config loads protocol and link settings from YAML or TOML files
// and configures logging.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Clouded-Sabre/Pseudo-Socket/lib"
	"github.com/Clouded-Sabre/Pseudo-Socket/link"
)

// PeerConfig maps a remote link address to the UDP address serving it.
type PeerConfig struct {
	Link int    `yaml:"link" toml:"link" json:"link"`
	Addr string `yaml:"addr" toml:"addr" json:"addr"`
}

// LinkConfig describes the UDP link a process runs on.
type LinkConfig struct {
	Address int          `yaml:"address" toml:"address" json:"address"` // this host's link address
	Bind    string       `yaml:"bind" toml:"bind" json:"bind"`          // local UDP address
	MTU     int          `yaml:"mtu" toml:"mtu" json:"mtu"`
	Peers   []PeerConfig `yaml:"peers" toml:"peers" json:"peers"`
}

// Config is the whole configuration file.
type Config struct {
	LogLevel   string               `yaml:"log_level" toml:"log_level" json:"log_level"`
	Link       LinkConfig           `yaml:"link" toml:"link" json:"link"`
	Core       lib.CoreConfig       `yaml:"core" toml:"core" json:"core"`
	Connection lib.ConnectionConfig `yaml:"connection" toml:"connection" json:"connection"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Link: LinkConfig{
			Address: 1,
			Bind:    "127.0.0.1:7080",
			MTU:     link.DefaultMTU,
		},
		Core:       *lib.DefaultCoreConfig(),
		Connection: *lib.DefaultConnectionConfig(),
	}
}

// ReadConfig reads a configuration file. The format follows the extension:
// .toml for TOML, anything else is parsed as YAML.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, errors.Wrapf(err, "parse %s", path)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse %s", path)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}
	return cfg, nil
}

// LoadConfig reads path and returns the protocol core and connection
// settings.
func LoadConfig(path string) (*lib.CoreConfig, *lib.ConnectionConfig, error) {
	cfg, err := ReadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	return &cfg.Core, &cfg.Connection, nil
}

// Validate rejects settings the protocol cannot run with.
func (c *Config) Validate() error {
	if c.Link.MTU <= lib.HeaderSize {
		return errors.Errorf("link mtu %d must exceed the %d-byte frame header", c.Link.MTU, lib.HeaderSize)
	}
	if c.Core.PortLimit <= 0 || c.Core.PortLimit > 256 {
		return errors.Errorf("port_limit %d out of range 1..256", c.Core.PortLimit)
	}
	if c.Core.TickPeriod <= 0 {
		return errors.Errorf("tick_period_ms must be positive")
	}
	if c.Connection.WindowSize <= 0 {
		return errors.Errorf("window_size must be positive")
	}
	if c.Connection.RetransmitTimeout < c.Core.TickPeriod {
		return errors.Errorf("retransmit_timeout_ms %d is shorter than one tick", c.Connection.RetransmitTimeout)
	}
	if c.Connection.ConnectRetries < -1 {
		return errors.Errorf("connect_retries must be -1 or more")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// SetupLogging applies level to the standard logrus logger.
func SetupLogging(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return errors.Wrap(err, "log level")
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	return nil
}

// OpenLink binds the UDP link described by c.Link and registers its peers.
func (c *Config) OpenLink() (*link.UDPLink, error) {
	l, err := link.ListenUDP(c.Link.Address, c.Link.Bind, c.Link.MTU)
	if err != nil {
		return nil, err
	}
	for _, p := range c.Link.Peers {
		if err := l.AddPeer(p.Link, p.Addr); err != nil {
			l.Close()
			return nil, err
		}
	}
	return l, nil
}
