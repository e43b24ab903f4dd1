// Package config holds the ambient knobs the core exposes: slave
// heartbeat/idle deadlines, the overseer's idle-suicide interval, the
// transport high-water mark, and the event bus's NATS URL. It is
// deliberately thin — full configuration-file parsing and the CLI front
// end are out of scope (spec §1); this package only fixes the shape those
// external layers populate before handing a *Config to the core.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the timing and wiring defaults shared by the engine,
// slave, and overseer packages.
type Config struct {
	// HeartbeatDeadline is how long a slave waits between heartbeats
	// before transitioning to Dead.
	HeartbeatDeadline time.Duration `yaml:"heartbeat_deadline"`

	// IdleDeadline is how long a slave's session map may be empty before
	// the supervisor issues a graceful terminate.
	IdleDeadline time.Duration `yaml:"idle_deadline"`

	// OverseerIdleInterval is how long an overseer may have no active
	// scheduler before it self-terminates (spec §4.2 item 8). Default 600s.
	OverseerIdleInterval time.Duration `yaml:"overseer_idle_interval"`

	// TransportHighWaterMark bounds outstanding frames per direction
	// before Send reports Overloaded (spec §5).
	TransportHighWaterMark int `yaml:"transport_high_water_mark"`

	// MaxSlavesPerTarget bounds how many slaves one engine will spawn for
	// a single target concurrently (§11 of SPEC_FULL.md). Zero means
	// unbounded.
	MaxSlavesPerTarget int `yaml:"max_slaves_per_target"`

	// EventBusURL is the NATS server URL the outbound event bus connects
	// to. Empty disables publication (used in tests).
	EventBusURL string `yaml:"event_bus_url"`
}

// Default returns the configuration used when no file is supplied,
// matching the defaults named in spec.md.
func Default() *Config {
	return &Config{
		HeartbeatDeadline:      30 * time.Second,
		IdleDeadline:           60 * time.Second,
		OverseerIdleInterval:   600 * time.Second,
		TransportHighWaterMark: 256,
		MaxSlavesPerTarget:     0,
		EventBusURL:            "nats://127.0.0.1:4222",
	}
}

// Load reads and parses a YAML config file, filling any field the file
// omits with Default's value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
