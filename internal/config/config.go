// Package config loads the KEY=VALUE configuration files of the
// directory and the client. The file is read with godotenv (KEY=VALUE
// lines, # comments) into the process environment, then bound to a
// struct with envconfig. The file is authoritative for the keys it
// names; keys it omits fall back to the environment, then defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Directory is the configuration of the directory/control process.
type Directory struct {
	// Bind address for the control socket; 0.0.0.0 accepts from anywhere.
	ServerIP   string `envconfig:"SERVER_IP" default:"0.0.0.0"`
	ServerPort int    `envconfig:"SERVER_PORT" default:"8000"`

	// First group port; group i binds BasePort+i.
	BasePort  int `envconfig:"BASE_PORT" default:"8010"`
	MaxGroups int `envconfig:"MAX_GROUPS" default:"32"`

	// Idle budget handed to every spawned group. 0 disables expiry.
	IdleTimeoutSec int `envconfig:"IDLE_TIMEOUT_SEC" default:"120"`

	// Override for the group daemon command. Empty means re-exec the
	// running binary with the "group" subcommand.
	GroupCmd string `envconfig:"GROUP_CMD"`

	// Optional SQLite journal of directory events. Empty disables it.
	AuditDBPath string `envconfig:"AUDIT_DB_PATH"`

	// Optional file watched for admin banner text. First non-empty line
	// becomes the banner; an empty file clears it.
	BannerFile string `envconfig:"BANNER_FILE"`

	// Per-source-IP request budget on the control socket (datagrams per
	// second). Excess requests are dropped silently.
	RatePerIP int `envconfig:"RATE_PER_IP" default:"50"`
}

// Client is the configuration of a client session.
type Client struct {
	User          string `envconfig:"USER" default:"user"`
	ServerIP      string `envconfig:"SERVER_IP" default:"127.0.0.1"`
	ServerPort    int    `envconfig:"SERVER_PORT" default:"8000"`
	LocalRecvPort int    `envconfig:"LOCAL_RECV_PORT" default:"9001"`
}

func (c *Directory) Validate() error {
	if c.ServerIP != "" && net.ParseIP(c.ServerIP) == nil {
		return errors.New("SERVER_IP must be a valid IP address")
	}
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return errors.New("SERVER_PORT must be 1..65535")
	}
	if c.BasePort < 1 || c.BasePort > 65535 {
		return errors.New("BASE_PORT must be 1..65535")
	}
	if c.MaxGroups < 1 || c.MaxGroups > 256 {
		return errors.New("MAX_GROUPS must be 1..256")
	}
	if c.BasePort+c.MaxGroups-1 > 65535 {
		return errors.New("BASE_PORT+MAX_GROUPS exceeds the port range")
	}
	if c.IdleTimeoutSec < 0 {
		return errors.New("IDLE_TIMEOUT_SEC must be >= 0")
	}
	if c.RatePerIP < 1 {
		return errors.New("RATE_PER_IP must be > 0")
	}
	return nil
}

func (c *Client) Validate() error {
	if c.User == "" {
		return errors.New("USER is required")
	}
	if net.ParseIP(c.ServerIP) == nil {
		return errors.New("SERVER_IP must be a valid IP address")
	}
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return errors.New("SERVER_PORT must be 1..65535")
	}
	if c.LocalRecvPort < 0 || c.LocalRecvPort > 65535 {
		return errors.New("LOCAL_RECV_PORT must be 0..65535")
	}
	return nil
}

// LoadDirectory reads a directory config file. A missing path loads
// defaults and environment overrides only.
func LoadDirectory(path string) (Directory, error) {
	if err := loadFile(path); err != nil {
		return Directory{}, err
	}
	var cfg Directory
	if err := envconfig.Process("", &cfg); err != nil {
		return Directory{}, fmt.Errorf("bind directory config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Directory{}, err
	}
	return cfg, nil
}

// LoadClient reads a client config file.
func LoadClient(path string) (Client, error) {
	if err := loadFile(path); err != nil {
		return Client{}, err
	}
	var cfg Client
	if err := envconfig.Process("", &cfg); err != nil {
		return Client{}, fmt.Errorf("bind client config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

func loadFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	// Overload: the file is authoritative for the keys it names; keys it
	// omits keep their environment or default values.
	if err := godotenv.Overload(path); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}
