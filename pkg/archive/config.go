// telegrab - A Telegram message archiving daemon.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package archive

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Duration decodes yaml values like "1s" or "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type TelegramConfig struct {
	APIID       int    `yaml:"api_id"`
	APIHash     string `yaml:"api_hash"`
	Phone       string `yaml:"phone"`
	SessionFile string `yaml:"session_file"`
}

type SyncConfig struct {
	RequestsPerSecond   float64  `yaml:"requests_per_second"`
	MessagesPerRequest  int      `yaml:"messages_per_request"`
	HistoryLimitPerChat int64    `yaml:"history_limit_per_chat"`
	MissedLimitPerChat  int      `yaml:"missed_limit_per_chat"`
	MissedDaysLimit     int      `yaml:"missed_days_limit"`
	MaxChatsToLoad      int      `yaml:"max_chats_to_load"`
	AutoLoadHistory     bool     `yaml:"auto_load_history"`
	AutoLoadMissed      bool     `yaml:"auto_load_missed"`
	RetryMaxAttempts    int      `yaml:"retry_max_attempts"`
	RetryBaseBackoff    Duration `yaml:"retry_base_backoff"`
}

type APIConfig struct {
	Listen string `yaml:"listen"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Database string         `yaml:"database"`
	Sync     SyncConfig     `yaml:"sync"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
}

func defaultConfig() *Config {
	return &Config{
		Database: "telegrab.db",
		Telegram: TelegramConfig{
			SessionFile: "telegrab.session",
		},
		Sync: SyncConfig{
			RequestsPerSecond:   1,
			MessagesPerRequest:  100,
			HistoryLimitPerChat: 200,
			MissedLimitPerChat:  500,
			MissedDaysLimit:     7,
			MaxChatsToLoad:      20,
			AutoLoadHistory:     false,
			AutoLoadMissed:      true,
			RetryMaxAttempts:    5,
			RetryBaseBackoff:    Duration(time.Second),
		},
		API: APIConfig{
			Listen: ":3000",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads and validates the config file. Missing fields fall back
// to defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.Telegram.APIID == 0 || cfg.Telegram.APIHash == "" {
		return fmt.Errorf("telegram.api_id and telegram.api_hash are required")
	}
	if cfg.Sync.RequestsPerSecond <= 0 {
		cfg.Sync.RequestsPerSecond = 1
	}
	if cfg.Sync.MessagesPerRequest <= 0 || cfg.Sync.MessagesPerRequest > 100 {
		cfg.Sync.MessagesPerRequest = 100
	}
	if cfg.Sync.RetryMaxAttempts <= 0 {
		cfg.Sync.RetryMaxAttempts = 5
	}
	if cfg.Sync.RetryBaseBackoff <= 0 {
		cfg.Sync.RetryBaseBackoff = Duration(time.Second)
	}
	return nil
}

// WatchConfig reloads the file on change and calls onReload with the new
// config. Only pacing-related settings are meant to take effect without a
// restart; the callback decides what to apply. Returns a stop function.
func WatchConfig(path string, log zerolog.Logger, onReload func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch config: %w", err)
	}
	watchLog := log.With().Str("component", "config_watch").Logger()
	go func() {
		for {
			select {
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
					continue
				}
				cfg, err := LoadConfig(path)
				if err != nil {
					watchLog.Err(err).Msg("Ignoring config reload with invalid content")
					continue
				}
				watchLog.Info().Msg("Config reloaded")
				onReload(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				watchLog.Err(err).Msg("Config watcher error")
			}
		}
	}()
	return func() { _ = watcher.Close() }, nil
}
