package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// OverflowPolicy decides what happens when a session's outbound queue is full.
type OverflowPolicy string

const (
	// DropOldest discards the oldest queued frame to make room.
	DropOldest OverflowPolicy = "drop-oldest"
	// Disconnect closes the session.
	Disconnect OverflowPolicy = "disconnect"
)

// Config holds every tunable of the relay. Values come from defaults, then
// an optional YAML file, then flags, then $PORT.
type Config struct {
	Addr              string         `yaml:"addr"`
	StaticDir         string         `yaml:"static_dir"`
	DBPath            string         `yaml:"db_path"`
	OutboundQueue     int            `yaml:"outbound_queue"`
	OverflowPolicy    OverflowPolicy `yaml:"overflow_policy"`
	PongWait          time.Duration  `yaml:"pong_wait"`
	WriteWait         time.Duration  `yaml:"write_wait"`
	MaxMessageSize    int64          `yaml:"max_message_size"`
	MessagesPerSecond int            `yaml:"messages_per_second"`
	ResumeGrace       time.Duration  `yaml:"resume_grace"`
	MaxSpeed          float64        `yaml:"max_speed"`
	MaxConnsPerIP     int            `yaml:"max_conns_per_ip"`
	MaxTotalConns     int            `yaml:"max_total_conns"`
	AdminPasswordHash string         `yaml:"admin_password_hash"`
	PublicURL         string         `yaml:"public_url"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		OutboundQueue:     256,
		OverflowPolicy:    DropOldest,
		PongWait:          60 * time.Second,
		WriteWait:         10 * time.Second,
		MaxMessageSize:    16 * 1024,
		MessagesPerSecond: 50,
		ResumeGrace:       30 * time.Second,
		MaxConnsPerIP:     16,
		MaxTotalConns:     1000,
	}
}

// PingPeriod is how often the write pump sends a websocket ping. It must be
// shorter than PongWait.
func (c Config) PingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.OverflowPolicy {
	case DropOldest, Disconnect:
	default:
		return fmt.Errorf("overflow_policy must be %q or %q, got %q", DropOldest, Disconnect, c.OverflowPolicy)
	}
	if c.OutboundQueue < 1 {
		return fmt.Errorf("outbound_queue must be positive, got %d", c.OutboundQueue)
	}
	if c.PongWait <= 0 || c.WriteWait <= 0 {
		return fmt.Errorf("pong_wait and write_wait must be positive")
	}
	if c.MessagesPerSecond < 1 {
		return fmt.Errorf("messages_per_second must be positive, got %d", c.MessagesPerSecond)
	}
	if c.ResumeGrace < 0 || c.MaxSpeed < 0 {
		return fmt.Errorf("resume_grace and max_speed must not be negative")
	}
	return nil
}

// LoadConfigFile overlays the YAML file at path onto cfg.
func LoadConfigFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ParseConfig builds the configuration from command-line arguments.
func ParseConfig(args []string) (Config, error) {
	cfg := DefaultConfig()

	fs := flag.NewFlagSet("pixelverse-relay", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to YAML config file")
	addr := fs.String("addr", "", "HTTP listen address")
	staticDir := fs.String("static", "", "Directory of static client files")
	dbPath := fs.String("db", "", "SQLite database path (empty = in-memory only)")
	queue := fs.Int("queue", 0, "Per-session outbound queue length")
	policy := fs.String("overflow", "", "Outbound overflow policy: drop-oldest or disconnect")
	resume := fs.Duration("resume-grace", -1, "Session resume window (0 disables)")
	maxSpeed := fs.Float64("max-speed", -1, "Reject movement faster than this (units/s, 0 = trust clients)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if *configPath != "" {
		if err := LoadConfigFile(&cfg, *configPath); err != nil {
			return cfg, err
		}
	}

	// Flags win over the file when set explicitly.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "static":
			cfg.StaticDir = *staticDir
		case "db":
			cfg.DBPath = *dbPath
		case "queue":
			cfg.OutboundQueue = *queue
		case "overflow":
			cfg.OverflowPolicy = OverflowPolicy(*policy)
		case "resume-grace":
			cfg.ResumeGrace = *resume
		case "max-speed":
			cfg.MaxSpeed = *maxSpeed
		}
	})

	if port := os.Getenv("PORT"); port != "" {
		cfg.Addr = ":" + port
	}
	return cfg, cfg.Validate()
}
