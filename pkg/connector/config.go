// linepuppet - A Matrix-LINE puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	_ "embed"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	Puppeteer PuppeteerConfig `yaml:"puppeteer"`
	Sync      SyncConfig      `yaml:"sync"`
	Database  DatabaseConfig  `yaml:"database"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type PuppeteerConfig struct {
	// Connection is where the RPC server listens for the bridge.
	Connection ConnectionConfig `yaml:"connection"`
	DevTools   DevToolsConfig   `yaml:"devtools"`
}

type ConnectionConfig struct {
	// Type is either "unix" or "tcp".
	Type string `yaml:"type"`
	Path string `yaml:"path"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Network returns the arguments for net.Listen.
func (c *ConnectionConfig) Network() (network, address string) {
	if c.Type == "unix" {
		return "unix", c.Path
	}
	return "tcp", net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type DevToolsConfig struct {
	// URL is the browser websocket debugger URL. If empty, it is discovered
	// from ActivePortFile.
	URL string `yaml:"url"`
	// ActivePortFile is the DevToolsActivePort file Chromium writes into its
	// profile directory.
	ActivePortFile string `yaml:"active_port_file"`
	// TimelineSelector locates the message list of the open chat.
	TimelineSelector string `yaml:"timeline_selector"`
}

// SyncConfig holds the bounds of the waits in the sync engine.
type SyncConfig struct {
	DecryptTimeout     time.Duration `yaml:"decrypt_timeout"`
	ImageTimeout       time.Duration `yaml:"image_timeout"`
	InlineImageTimeout time.Duration `yaml:"inline_image_timeout"`
	OwnSendTimeout     time.Duration `yaml:"own_send_timeout"`
}

const (
	DefaultDecryptTimeout     = 5 * time.Second
	DefaultImageTimeout       = 10 * time.Second
	DefaultInlineImageTimeout = 2 * time.Second
	DefaultOwnSendTimeout     = 30 * time.Second
)

func (c SyncConfig) withDefaults() SyncConfig {
	if c.DecryptTimeout <= 0 {
		c.DecryptTimeout = DefaultDecryptTimeout
	}
	if c.ImageTimeout <= 0 {
		c.ImageTimeout = DefaultImageTimeout
	}
	if c.InlineImageTimeout <= 0 {
		c.InlineImageTimeout = DefaultInlineImageTimeout
	}
	if c.OwnSendTimeout <= 0 {
		c.OwnSendTimeout = DefaultOwnSendTimeout
	}
	return c
}

type DatabaseConfig struct {
	URI string `yaml:"uri"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type LoggingConfig struct {
	MinLevel string `yaml:"min_level"`
	Pretty   bool   `yaml:"pretty"`

	level zerolog.Level
}

// Level returns the parsed minimum log level.
func (c *LoggingConfig) Level() zerolog.Level {
	return c.level
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

func (c *Config) PostProcess() error {
	switch c.Puppeteer.Connection.Type {
	case "unix":
		if c.Puppeteer.Connection.Path == "" {
			return errors.New("puppeteer.connection.path is required for unix sockets")
		}
	case "tcp":
		if c.Puppeteer.Connection.Port <= 0 || c.Puppeteer.Connection.Port > 65535 {
			return fmt.Errorf("invalid puppeteer.connection.port %d", c.Puppeteer.Connection.Port)
		}
	default:
		return fmt.Errorf("unknown puppeteer.connection.type %q", c.Puppeteer.Connection.Type)
	}
	if c.Puppeteer.DevTools.URL == "" && c.Puppeteer.DevTools.ActivePortFile == "" {
		return errors.New("either puppeteer.devtools.url or puppeteer.devtools.active_port_file must be set")
	}
	if c.Database.URI == "" {
		return errors.New("database.uri is required")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return errors.New("metrics.listen is required when metrics are enabled")
	}
	c.Sync = c.Sync.withDefaults()
	return c.Logging.parseLevel()
}

func (c *LoggingConfig) parseLevel() error {
	if c.MinLevel == "" {
		c.level = zerolog.InfoLevel
		return nil
	}
	level, err := zerolog.ParseLevel(c.MinLevel)
	if err != nil {
		return fmt.Errorf("invalid logging.min_level: %w", err)
	}
	c.level = level
	return nil
}

// envOverrides are read from LINEPUPPET_* environment variables.
type envOverrides struct {
	DevToolsURL string `envconfig:"DEVTOOLS_URL"`
	LogLevel    string `envconfig:"LOG_LEVEL"`
	DatabaseURI string `envconfig:"DATABASE_URI"`
}

// ApplyEnv overrides config values with LINEPUPPET_* environment variables.
func (c *Config) ApplyEnv() error {
	var env envOverrides
	if err := envconfig.Process("linepuppet", &env); err != nil {
		return err
	}
	if env.DevToolsURL != "" {
		c.Puppeteer.DevTools.URL = env.DevToolsURL
	}
	if env.DatabaseURI != "" {
		c.Database.URI = env.DatabaseURI
	}
	if env.LogLevel != "" {
		c.Logging.MinLevel = env.LogLevel
		return c.Logging.parseLevel()
	}
	return nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "puppeteer", "connection", "type")
	helper.Copy(up.Str, "puppeteer", "connection", "path")
	helper.Copy(up.Str, "puppeteer", "connection", "host")
	helper.Copy(up.Int, "puppeteer", "connection", "port")
	helper.Copy(up.Str|up.Null, "puppeteer", "devtools", "url")
	helper.Copy(up.Str|up.Null, "puppeteer", "devtools", "active_port_file")
	helper.Copy(up.Str, "puppeteer", "devtools", "timeline_selector")
	helper.Copy(up.Str, "sync", "decrypt_timeout")
	helper.Copy(up.Str, "sync", "image_timeout")
	helper.Copy(up.Str, "sync", "inline_image_timeout")
	helper.Copy(up.Str, "sync", "own_send_timeout")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Bool, "metrics", "enabled")
	helper.Copy(up.Str, "metrics", "listen")
	helper.Copy(up.Str, "logging", "min_level")
	helper.Copy(up.Bool, "logging", "pretty")
}

var configUpgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks: [][]string{
		{"sync"},
		{"database"},
		{"metrics"},
		{"logging"},
	},
	Base: ExampleConfig,
}

// LoadConfig reads the config file at path, writing the example config there
// first if it doesn't exist. Missing keys are filled in from the example and,
// if save is set, written back to the file.
func LoadConfig(path string, save bool) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err = os.WriteFile(path, []byte(ExampleConfig), 0600); err != nil {
			return nil, fmt.Errorf("failed to write example config: %w", err)
		}
	}
	data, _, err := up.Do(path, save, configUpgrader)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
