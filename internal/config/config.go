// Package config loads the HCL configuration shared by every cardroom
// service. A single file configures all of them; each binary reads the
// blocks it needs.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// Config is the complete cardroom configuration.
type Config struct {
	Log     LogConfig     `hcl:"log,block"`
	Redis   RedisConfig   `hcl:"redis,block"`
	Auth    AuthConfig    `hcl:"auth,block"`
	Gateway GatewayConfig `hcl:"gateway,block"`
	Game    GameConfig    `hcl:"game,block"`
	Event   EventConfig   `hcl:"event,block"`
	Player  PlayerConfig  `hcl:"player,block"`
}

// LogConfig controls logging across services.
type LogConfig struct {
	Level  string `hcl:"level,optional"`  // debug | info | warn | error
	Format string `hcl:"format,optional"` // text | json
}

// RedisConfig locates the coordination fabric. Empty Addr selects the
// in-memory fabric (single-process mode).
type RedisConfig struct {
	Addr     string `hcl:"addr,optional"`
	Password string `hcl:"password,optional"`
	DB       int    `hcl:"db,optional"`
}

// AuthConfig selects the token verifier.
type AuthConfig struct {
	Mode    string `hcl:"mode,optional"` // hmac | pem | jwks
	Secret  string `hcl:"secret,optional"`
	PEMFile string `hcl:"pem_file,optional"`
	JWKSURL string `hcl:"jwks_url,optional"`
}

// GatewayConfig controls the realtime gateway.
type GatewayConfig struct {
	Listen         string  `hcl:"listen,optional"`
	GameURL        string  `hcl:"game_url,optional"`
	EventURL       string  `hcl:"event_url,optional"`
	PlayerURL      string  `hcl:"player_url,optional"`
	PingInterval   string  `hcl:"ping_interval,optional"`
	SendQueue      int     `hcl:"send_queue,optional"`
	SendQueueBytes int     `hcl:"send_queue_bytes,optional"`
	ChatRate       float64 `hcl:"chat_rate,optional"`   // messages per second
	ChatBurst      int     `hcl:"chat_burst,optional"`
	ActionRate     float64 `hcl:"action_rate,optional"` // actions per second
	ActionBurst    int     `hcl:"action_burst,optional"`
	AwayAfter      string  `hcl:"away_after,optional"`
}

// GameConfig controls the game service.
type GameConfig struct {
	Listen       string `hcl:"listen,optional"`
	EventURL     string `hcl:"event_url,optional"`
	PlayerURL    string `hcl:"player_url,optional"`
	IdleWindow   string `hcl:"idle_window,optional"`
	SitOutWindow string `hcl:"sitout_window,optional"`
	TickInterval string `hcl:"tick_interval,optional"`
}

// EventConfig controls the event service.
type EventConfig struct {
	Listen            string `hcl:"listen,optional"`
	DBPath            string `hcl:"db_path,optional"`
	Retention         string `hcl:"retention,optional"`
	Archive           bool   `hcl:"archive,optional"`
	PoisonAckStrategy string `hcl:"poison_ack_strategy,optional"` // halt | skip
	ClaimIdle         string `hcl:"claim_idle,optional"`
}

// PlayerConfig controls the player service.
type PlayerConfig struct {
	Listen           string `hcl:"listen,optional"`
	DBPath           string `hcl:"db_path,optional"`
	StartingBankroll int    `hcl:"starting_bankroll,optional"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "hmac"
	}
	if c.Auth.Mode == "hmac" && c.Auth.Secret == "" {
		c.Auth.Secret = "cardroom-dev-secret"
	}
	if c.Gateway.Listen == "" {
		c.Gateway.Listen = ":8080"
	}
	if c.Game.Listen == "" {
		c.Game.Listen = ":8081"
	}
	if c.Event.Listen == "" {
		c.Event.Listen = ":8082"
	}
	if c.Player.Listen == "" {
		c.Player.Listen = ":8083"
	}
	if c.Gateway.GameURL == "" {
		c.Gateway.GameURL = "http://localhost:8081"
	}
	if c.Gateway.EventURL == "" {
		c.Gateway.EventURL = "http://localhost:8082"
	}
	if c.Gateway.PlayerURL == "" {
		c.Gateway.PlayerURL = "http://localhost:8083"
	}
	if c.Game.EventURL == "" {
		c.Game.EventURL = "http://localhost:8082"
	}
	if c.Game.PlayerURL == "" {
		c.Game.PlayerURL = "http://localhost:8083"
	}
	if c.Gateway.PingInterval == "" {
		c.Gateway.PingInterval = "15s"
	}
	if c.Gateway.SendQueue == 0 {
		c.Gateway.SendQueue = 256
	}
	if c.Gateway.SendQueueBytes == 0 {
		c.Gateway.SendQueueBytes = 1 << 20
	}
	if c.Gateway.ChatRate == 0 {
		c.Gateway.ChatRate = 1
	}
	if c.Gateway.ChatBurst == 0 {
		c.Gateway.ChatBurst = 5
	}
	if c.Gateway.ActionRate == 0 {
		c.Gateway.ActionRate = 4
	}
	if c.Gateway.ActionBurst == 0 {
		c.Gateway.ActionBurst = 8
	}
	if c.Gateway.AwayAfter == "" {
		c.Gateway.AwayAfter = "2m"
	}
	if c.Game.IdleWindow == "" {
		c.Game.IdleWindow = "10m"
	}
	if c.Game.SitOutWindow == "" {
		c.Game.SitOutWindow = "10m"
	}
	if c.Game.TickInterval == "" {
		c.Game.TickInterval = "250ms"
	}
	if c.Event.DBPath == "" {
		c.Event.DBPath = "cardroom-events.db"
	}
	if c.Event.Retention == "" {
		c.Event.Retention = "720h"
	}
	if c.Event.PoisonAckStrategy == "" {
		c.Event.PoisonAckStrategy = "halt"
	}
	if c.Event.ClaimIdle == "" {
		c.Event.ClaimIdle = "30s"
	}
	if c.Player.DBPath == "" {
		c.Player.DBPath = "cardroom-players.db"
	}
	if c.Player.StartingBankroll == 0 {
		c.Player.StartingBankroll = 10000
	}
}

// Load reads configuration from an HCL file. A missing file yields
// defaults.
func Load(filename string) (*Config, error) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return Default(), nil
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file: %s", diags.Error())
	}

	var config Config
	diags = gohcl.DecodeBody(file.Body, nil, &config)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL: %s", diags.Error())
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks cross-field constraints and duration syntax.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log: invalid level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log: invalid format %q", c.Log.Format)
	}

	switch c.Auth.Mode {
	case "hmac":
		if c.Auth.Secret == "" {
			return fmt.Errorf("auth: hmac mode requires secret")
		}
	case "pem":
		if c.Auth.PEMFile == "" {
			return fmt.Errorf("auth: pem mode requires pem_file")
		}
	case "jwks":
		if c.Auth.JWKSURL == "" {
			return fmt.Errorf("auth: jwks mode requires jwks_url")
		}
	default:
		return fmt.Errorf("auth: invalid mode %q", c.Auth.Mode)
	}

	durations := map[string]string{
		"gateway.ping_interval": c.Gateway.PingInterval,
		"gateway.away_after":    c.Gateway.AwayAfter,
		"game.idle_window":      c.Game.IdleWindow,
		"game.sitout_window":    c.Game.SitOutWindow,
		"game.tick_interval":    c.Game.TickInterval,
		"event.retention":       c.Event.Retention,
		"event.claim_idle":      c.Event.ClaimIdle,
	}
	for name, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, value)
		}
	}

	if c.Gateway.SendQueue < 1 {
		return fmt.Errorf("gateway: send_queue must be positive")
	}
	if c.Gateway.SendQueueBytes < 1 {
		return fmt.Errorf("gateway: send_queue_bytes must be positive")
	}
	if c.Gateway.ChatRate <= 0 || c.Gateway.ActionRate <= 0 {
		return fmt.Errorf("gateway: rates must be positive")
	}

	switch c.Event.PoisonAckStrategy {
	case "halt", "skip":
	default:
		return fmt.Errorf("event: invalid poison_ack_strategy %q", c.Event.PoisonAckStrategy)
	}

	if c.Player.StartingBankroll < 0 {
		return fmt.Errorf("player: starting_bankroll must not be negative")
	}
	return nil
}

// duration returns a validated duration string's value. Call only
// after Validate.
func duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// PingIntervalDuration is gateway.ping_interval parsed.
func (c *GatewayConfig) PingIntervalDuration() time.Duration { return duration(c.PingInterval) }

// AwayAfterDuration is gateway.away_after parsed.
func (c *GatewayConfig) AwayAfterDuration() time.Duration { return duration(c.AwayAfter) }

// IdleWindowDuration is game.idle_window parsed.
func (c *GameConfig) IdleWindowDuration() time.Duration { return duration(c.IdleWindow) }

// SitOutWindowDuration is game.sitout_window parsed.
func (c *GameConfig) SitOutWindowDuration() time.Duration { return duration(c.SitOutWindow) }

// TickIntervalDuration is game.tick_interval parsed.
func (c *GameConfig) TickIntervalDuration() time.Duration { return duration(c.TickInterval) }

// RetentionDuration is event.retention parsed.
func (c *EventConfig) RetentionDuration() time.Duration { return duration(c.Retention) }

// ClaimIdleDuration is event.claim_idle parsed.
func (c *EventConfig) ClaimIdleDuration() time.Duration { return duration(c.ClaimIdle) }
