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

// Package scanner produces the current remote Index using the
// cheapest strategy the transport and cache allow: shell-find,
// incremental, or full-recursive, in that preference order (spec
// section 4.3).
package scanner

import (
	"context"
	"log/slog"
	"time"

	"github.com/nasmirror/nasync"
	"github.com/nasmirror/nasync/internal/transport"
)

// DefaultIncrementalThreshold is the freshness window for strategy (b).
const DefaultIncrementalThreshold = 24 * time.Hour

// Cache is the persistence boundary the scanner needs: the previous
// committed Index (to trust unknown-vs-known subdirectories and to
// skip a full scan entirely) and two small metadata scalars
// (last-full-scan time, strategy tag) — together spec section 3's
// ScanCache. In this module the state store itself satisfies Cache.
type Cache interface {
	GetMeta(key string) (string, bool, error)
	SetMeta(key, value string) error
	GetAll(fn func(nasync.FileEntry) error) error
}

// Config controls strategy selection.
type Config struct {
	UseIncrementalScan   bool
	IncrementalThreshold time.Duration
	// Reconnect builds a fresh, unconnected Transport for the
	// full-recursive strategy's one-reconnect-per-directory policy.
	Reconnect transport.Factory
}

// Scanner selects and runs one of the three strategies.
type Scanner struct {
	cfg    Config
	cache  Cache
	logger *slog.Logger
}

func New(cfg Config, cache Cache, logger *slog.Logger) *Scanner {
	if cfg.IncrementalThreshold <= 0 {
		cfg.IncrementalThreshold = DefaultIncrementalThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{cfg: cfg, cache: cache, logger: logger}
}

// Scan produces the current remote Index rooted at root, picking (a)
// shell-find when the transport has a shell, else (b) incremental
// when the cache is fresh, else (c) full-recursive.
func (s *Scanner) Scan(ctx context.Context, t transport.Transport, root string) (nasync.Index, nasync.ScanStats, error) {
	if t.HasShell() {
		idx, stats, err := s.shellFind(ctx, t, root)
		if err == nil {
			s.markFullScan("shell_find")
			return idx, stats, nil
		}
		s.logger.Warn("shell-find strategy failed, falling back", "error", err)
	}

	if s.cfg.UseIncrementalScan {
		fresh, err := s.cacheFresh()
		if err != nil {
			s.logger.Warn("scan cache freshness check failed", "error", err)
		}
		if fresh {
			idx, stats, err := s.incremental(ctx, t, root)
			if err == nil {
				return idx, stats, nil
			}
			s.logger.Warn("incremental strategy failed, falling back", "error", err)
		}
	}

	idx, stats, err := s.fullRecursive(ctx, t, root)
	if err != nil {
		return nil, stats, err
	}
	if !stats.Partial {
		s.markFullScan("full_recursive")
	}
	return idx, stats, nil
}

func (s *Scanner) markFullScan(strategy string) {
	now := time.Now().UTC().Format(time.RFC3339)
	if err := s.cache.SetMeta("last_full_scan", now); err != nil {
		s.logger.Warn("failed to persist scan cache timestamp", "error", err)
	}
	if err := s.cache.SetMeta("strategy", strategy); err != nil {
		s.logger.Warn("failed to persist scan cache strategy tag", "error", err)
	}
}

func (s *Scanner) cacheFresh() (bool, error) {
	v, ok, err := s.cache.GetMeta("last_full_scan")
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return false, nil
	}
	return time.Since(t) < s.cfg.IncrementalThreshold, nil
}
