// Package config loads arbor configuration from .arbor/config.yaml.
// Missing files or fields fall back to defaults so a bare workspace
// works without any setup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all arbor configuration.
type Config struct {
	// Agent process settings
	Agent AgentConfig `yaml:"agent"`

	// Image input handling
	Images ImagesConfig `yaml:"images"`

	// Maintenance pipeline settings
	Maintenance MaintenanceConfig `yaml:"maintenance"`

	// Knowledge-store tool servers
	Graph GraphConfig `yaml:"graph"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// AgentConfig configures the external LLM CLI invocations.
type AgentConfig struct {
	Binary     string `yaml:"binary"`      // CLI binary name (default: claude)
	Model      string `yaml:"model"`       // Model passed via --model
	Timeout    string `yaml:"timeout"`     // Per-invocation timeout (duration string)
	ScratchDir string `yaml:"scratch_dir"` // Root for per-invocation scratch dirs (default: os temp)
}

// ImagesConfig configures resizing of image inputs before handoff.
type ImagesConfig struct {
	MaxLongEdge int `yaml:"max_long_edge"` // Longest-edge bound in pixels
	JPEGQuality int `yaml:"jpeg_quality"`  // Compression quality for resized copies
}

// MaintenanceConfig configures the maintenance pipeline.
type MaintenanceConfig struct {
	CrawlerFanout  int    `yaml:"crawler_fanout"`  // Max concurrent crawler invocations
	SplitThreshold int    `yaml:"split_threshold"` // Findings count above which resolver runs two passes
	AutoThreshold  int    `yaml:"auto_threshold"`  // Conversations between automatic runs
	SettleDelay    string `yaml:"settle_delay"`    // Delay after threshold crossing before auto-run
}

// GraphConfig names the external knowledge-store tool server commands
// handed to agents. The engine itself runs outside arbor.
type GraphConfig struct {
	Command      string   `yaml:"command"`        // graph tool server binary
	Args         []string `yaml:"args"`           // extra args for the write-capable server
	ReadOnlyArgs []string `yaml:"read_only_args"` // args for the read-only variant
	ImageViewer  string   `yaml:"image_viewer"`   // image-viewing helper binary
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`      // debug, info, warn, error
	DebugMode  bool            `yaml:"debug_mode"` // Master toggle - false = no logging (production)
	Categories map[string]bool `yaml:"categories"` // Per-category toggles
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Binary:  "claude",
			Model:   "sonnet",
			Timeout: "300s",
		},
		Images: ImagesConfig{
			MaxLongEdge: 1568,
			JPEGQuality: 85,
		},
		Maintenance: MaintenanceConfig{
			CrawlerFanout:  8,
			SplitThreshold: 50,
			AutoThreshold:  10,
			SettleDelay:    "30s",
		},
		Graph: GraphConfig{
			Command:      "garden-engine",
			ReadOnlyArgs: []string{"--read-only"},
			ImageViewer:  "garden-image-viewer",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, ".arbor", "config.yaml")
}

// Load reads the config for a workspace, applying defaults for anything
// unset. A missing file is not an error.
func Load(workspace string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults backfills zero values after unmarshal.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Agent.Binary == "" {
		c.Agent.Binary = d.Agent.Binary
	}
	if c.Agent.Model == "" {
		c.Agent.Model = d.Agent.Model
	}
	if c.Agent.Timeout == "" {
		c.Agent.Timeout = d.Agent.Timeout
	}
	if c.Images.MaxLongEdge <= 0 {
		c.Images.MaxLongEdge = d.Images.MaxLongEdge
	}
	if c.Images.JPEGQuality <= 0 {
		c.Images.JPEGQuality = d.Images.JPEGQuality
	}
	if c.Maintenance.CrawlerFanout <= 0 {
		c.Maintenance.CrawlerFanout = d.Maintenance.CrawlerFanout
	}
	if c.Maintenance.SplitThreshold <= 0 {
		c.Maintenance.SplitThreshold = d.Maintenance.SplitThreshold
	}
	if c.Maintenance.AutoThreshold <= 0 {
		c.Maintenance.AutoThreshold = d.Maintenance.AutoThreshold
	}
	if c.Maintenance.SettleDelay == "" {
		c.Maintenance.SettleDelay = d.Maintenance.SettleDelay
	}
	if c.Graph.Command == "" {
		c.Graph.Command = d.Graph.Command
	}
	if len(c.Graph.ReadOnlyArgs) == 0 {
		c.Graph.ReadOnlyArgs = d.Graph.ReadOnlyArgs
	}
	if c.Graph.ImageViewer == "" {
		c.Graph.ImageViewer = d.Graph.ImageViewer
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
}

// AgentTimeout parses the agent timeout, falling back to 300s.
func (c *Config) AgentTimeout() time.Duration {
	if d, err := time.ParseDuration(c.Agent.Timeout); err == nil && d > 0 {
		return d
	}
	return 300 * time.Second
}

// MaintenanceSettleDelay parses the settle delay, falling back to 30s.
func (c *Config) MaintenanceSettleDelay() time.Duration {
	if d, err := time.ParseDuration(c.Maintenance.SettleDelay); err == nil && d > 0 {
		return d
	}
	return 30 * time.Second
}
