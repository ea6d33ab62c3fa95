// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig      `yaml:"server"`
	Database dbutil.Config     `yaml:"database"`
	Logging  zeroconfig.Config `yaml:"logging"`
	Session  SessionConfig     `yaml:"session"`
	Crypto   CryptoConfig      `yaml:"crypto"`
}

type ServerConfig struct {
	BaseURL       string   `yaml:"base_url"`
	WebsocketURLs []string `yaml:"websocket_urls"`
	SessionCookie string   `yaml:"session_cookie"`
}

type SessionConfig struct {
	SubscribeRetryMin time.Duration `yaml:"subscribe_retry_min"`
	SubscribeRetryMax time.Duration `yaml:"subscribe_retry_max"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	PollingFallback   bool          `yaml:"polling_fallback"`
	PollInterval      time.Duration `yaml:"poll_interval"`
}

type CryptoConfig struct {
	UploadRetryDelay       time.Duration `yaml:"upload_retry_delay"`
	AllowPlaintextFallback *bool         `yaml:"allow_plaintext_fallback"`
}

var defaultConfig = Config{
	Server: ServerConfig{
		BaseURL:       "http://localhost:8080",
		WebsocketURLs: []string{"/ws", "/ws/websocket"},
	},
	Database: dbutil.Config{
		PoolConfig: dbutil.PoolConfig{
			Type:         "sqlite3-fk-wal",
			URI:          "file:hitest.db?_txlock=immediate",
			MaxOpenConns: 5,
			MaxIdleConns: 1,
		},
	},
	Session: SessionConfig{
		PollInterval: time.Second,
	},
}

func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &cfg, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Server.BaseURL == "" {
		return nil, errors.New("server.base_url not configured")
	} else if len(cfg.Server.WebsocketURLs) == 0 && !cfg.Session.PollingFallback {
		return nil, errors.New("server.websocket_urls is empty and polling fallback is disabled")
	}
	return &cfg, nil
}
