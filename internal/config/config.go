/*
 * Copyright 2026 The FileRipper Team
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package config holds the explicit configuration surface of spec
// section 6: one struct with every recognized option and a
// DefaultConfig constructor, replacing a dynamic option dictionary.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Remote describes how to reach and authenticate against one FTP or
// SFTP server.
type Remote struct {
	Protocol   string `toml:"protocol"` // "sftp" or "ftp"
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	User       string `toml:"user"`
	Password   string `toml:"password"`
	RemoteRoot string `toml:"remote_root"`
}

// Config is the full set of options an orchestrator run is driven by.
type Config struct {
	Remote Remote `toml:"remote"`

	Project   string `toml:"project"`    // state-path derivation source
	LocalRoot string `toml:"local_root"` // local mirror destination
	StateDir  string `toml:"state_dir"`  // Pebble container directory

	Workers    int `toml:"workers"`
	MaxRetries int `toml:"max_retries"`

	VerifyIntegrity     bool   `toml:"verify_integrity"`
	UseHashVerification bool   `toml:"use_hash_verification"`
	HashAlgorithm       string `toml:"hash_algorithm"`

	UseIncrementalScan         bool `toml:"use_incremental_scan"`
	IncrementalThresholdHours  int  `toml:"incremental_threshold_hours"`

	CheckpointInterval int      `toml:"checkpoint_interval"`
	ExcludePatterns    []string `toml:"exclude_patterns"`
	HandleDeletions    bool     `toml:"handle_deletions"`
	BulkThreshold      int      `toml:"bulk_threshold"`

	HealthCheckInterval int `toml:"health_check_interval"`
	StallTimeoutSeconds int `toml:"stall_timeout_seconds"`
	StaggerDelayMillis  int `toml:"stagger_delay_millis"`
}

// IncrementalThreshold is IncrementalThresholdHours as a Duration.
func (c Config) IncrementalThreshold() time.Duration {
	return time.Duration(c.IncrementalThresholdHours) * time.Hour
}

// StallTimeout is StallTimeoutSeconds as a Duration.
func (c Config) StallTimeout() time.Duration {
	return time.Duration(c.StallTimeoutSeconds) * time.Second
}

// StaggerDelay is StaggerDelayMillis as a Duration.
func (c Config) StaggerDelay() time.Duration {
	return time.Duration(c.StaggerDelayMillis) * time.Millisecond
}

// DefaultExcludePatterns is the recognized token set of spec section 6.
var DefaultExcludePatterns = []string{
	"*.log", "*.tmp", "*.pyc",
	".git/", ".svn/", "node_modules/", "__pycache__/",
	"cache/", "tmp/", "temp/",
	".DS_Store", "Thumbs.db",
	".idea/", ".vscode/",
	".sessions/", "sessions/", "sess_",
}

// DefaultConfig returns a Config populated with every default named in
// spec section 6, with an empty Remote and project left for the
// caller to fill in.
func DefaultConfig() *Config {
	return &Config{
		Workers:                   5,
		MaxRetries:                3,
		VerifyIntegrity:           true,
		UseHashVerification:       false,
		HashAlgorithm:             "sha256",
		UseIncrementalScan:        true,
		IncrementalThresholdHours: 24,
		CheckpointInterval:        1000,
		ExcludePatterns:           append([]string(nil), DefaultExcludePatterns...),
		HandleDeletions:           true,
		BulkThreshold:             500,
		HealthCheckInterval:       50,
		StallTimeoutSeconds:       300,
		StaggerDelayMillis:        500,
	}
}

// LoadTOML decodes a TOML file at path over a DefaultConfig, so unset
// fields keep their defaults. It is ambient config-loading plumbing
// for an external caller; the interactive loader itself is out of
// scope here.
func LoadTOML(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}
