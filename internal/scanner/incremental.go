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

package scanner

import (
	"context"
	"path"
	"strings"

	"github.com/nasmirror/nasync"
	"github.com/nasmirror/nasync/internal/transport"
)

// incremental lists only the top level of root and trusts the cached
// Index for any subdirectory whose name was already known at the last
// full scan; an unrecognized subdirectory (created since) is scanned
// fully. Strategy (b) of spec section 4.3 — it requires a fresh cache,
// checked by the caller before invoking this.
func (s *Scanner) incremental(ctx context.Context, t transport.Transport, root string) (nasync.Index, nasync.ScanStats, error) {
	stats := nasync.ScanStats{Strategy: "incremental"}

	prevIndex := nasync.Index{}
	prevDirs := make(map[string]bool)
	if err := s.cache.GetAll(func(e nasync.FileEntry) error {
		prevIndex[e.Path] = e
		if i := strings.IndexByte(e.Path, '/'); i >= 0 {
			prevDirs[e.Path[:i]] = true
		}
		return nil
	}); err != nil {
		return nil, stats, err
	}

	topLevel, err := t.List(ctx, root)
	if err != nil {
		return nil, stats, err
	}

	idx := nasync.Index{}
	for _, e := range topLevel {
		switch e.Kind {
		case transport.KindFile:
			relNorm, ok := nasync.NormalizePath(e.Name)
			if !ok {
				continue
			}
			idx[relNorm] = nasync.FileEntry{Path: relNorm, Size: e.Size, Mtime: e.Mtime}
			stats.FilesFound++

		case transport.KindDir:
			if prevDirs[e.Name] {
				prefix := e.Name + "/"
				for p, fe := range prevIndex {
					if p == e.Name || strings.HasPrefix(p, prefix) {
						idx[p] = fe
						stats.FilesFound++
						stats.CacheHits++
					}
				}
				continue
			}
			sub, subStats, err := s.fullRecursive(ctx, t, path.Join(root, e.Name))
			if err != nil {
				stats.Partial = true
				stats.ScanErrors++
				continue
			}
			for p, fe := range sub {
				fullPath := path.Join(e.Name, p)
				relNorm, ok := nasync.NormalizePath(fullPath)
				if !ok {
					continue
				}
				fe.Path = relNorm
				idx[relNorm] = fe
			}
			stats.DirsScanned += subStats.DirsScanned
			stats.FilesFound += subStats.FilesFound
			stats.ScanErrors += subStats.ScanErrors
			stats.Reconnections += subStats.Reconnections
			if subStats.Partial {
				stats.Partial = true
			}

		case transport.KindLink:
			// symlinks are never followed
		}
	}

	return idx, stats, nil
}
