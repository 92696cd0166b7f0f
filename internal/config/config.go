// Package config loads and validates the gateway's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultMaxTextChars          = 4000
	defaultReconnectDelayMs      = 3000
	defaultMaxQrGenerations      = 3
	defaultHistoryGraceWindowSec = 90
)

// Config is the gateway's full configuration: the session runtime options
// from the spec's option table, plus the provider identity and the bridge
// process that speaks the Transport Driver contract over stdio.
type Config struct {
	Provider      string   `yaml:"provider"`
	AuthDir       string   `yaml:"auth_dir"`
	BridgeCommand []string `yaml:"bridge_command"`

	MaxTextChars          int      `yaml:"max_text_chars"`
	ReconnectDelayMs      int      `yaml:"reconnect_delay_ms"`
	MaxQrGenerations      int      `yaml:"max_qr_generations"`
	AllowSelfFromMe       bool     `yaml:"allow_self_from_me"`
	RequirePrefix         string   `yaml:"require_prefix"`
	HistoryGraceWindowSec int      `yaml:"history_grace_window_sec"`
	AllowedSenders        []string `yaml:"allowed_senders"`
}

// Load reads, decodes, defaults, and validates the config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}

	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Provider == "" {
		cfg.Provider = "whatsapp"
	}
	if cfg.AuthDir == "" {
		cfg.AuthDir = DefaultAuthDir()
	}
	if cfg.MaxTextChars <= 0 {
		cfg.MaxTextChars = defaultMaxTextChars
	}
	if cfg.ReconnectDelayMs == 0 {
		cfg.ReconnectDelayMs = defaultReconnectDelayMs
	}
	if cfg.MaxQrGenerations <= 0 {
		cfg.MaxQrGenerations = defaultMaxQrGenerations
	}
	if cfg.HistoryGraceWindowSec == 0 {
		cfg.HistoryGraceWindowSec = defaultHistoryGraceWindowSec
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.AuthDir) == "" {
		return errors.New("auth_dir cannot be empty")
	}
	if len(cfg.BridgeCommand) == 0 {
		return errors.New("bridge_command cannot be empty")
	}
	if cfg.MaxQrGenerations <= 0 {
		return errors.New("max_qr_generations must be positive")
	}
	if cfg.MaxTextChars <= 0 {
		return errors.New("max_text_chars must be positive")
	}
	if cfg.ReconnectDelayMs < 0 {
		return errors.New("reconnect_delay_ms cannot be negative")
	}
	if cfg.HistoryGraceWindowSec < 0 {
		return errors.New("history_grace_window_sec cannot be negative")
	}

	seen := map[string]struct{}{}
	for _, sender := range cfg.AllowedSenders {
		trimmed := strings.TrimSpace(sender)
		if trimmed == "" {
			return errors.New("allowed_senders entries cannot be empty")
		}
		if _, ok := seen[trimmed]; ok {
			return fmt.Errorf("duplicate allowed_senders entry: %s", trimmed)
		}
		seen[trimmed] = struct{}{}
	}

	return nil
}
