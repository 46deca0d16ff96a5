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
	"errors"
	"path"
	"strings"

	"github.com/nasmirror/nasync"
	"github.com/nasmirror/nasync/internal/core"
	"github.com/nasmirror/nasync/internal/transport"
)

// fullRecursive walks the remote tree depth-first via Transport.List,
// strategy (c) of spec section 4.3. A directory listing that fails
// with a connection-loss error is retried exactly once, after
// reconnecting through cfg.Reconnect; any other failure, or a second
// failure after reconnect, marks the scan partial and skips that
// subtree rather than aborting the whole walk.
//
// The returned Index is keyed relative to root.
func (s *Scanner) fullRecursive(ctx context.Context, t transport.Transport, root string) (nasync.Index, nasync.ScanStats, error) {
	idx := nasync.Index{}
	stats := nasync.ScanStats{Strategy: "full_recursive"}

	var walk func(dir string) error
	walk = func(dir string) error {
		entries, err := t.List(ctx, dir)
		if err != nil {
			if errors.Is(err, core.ErrTransientTransport) && s.cfg.Reconnect != nil {
				stats.Reconnections++
				reconnected := s.cfg.Reconnect()
				if cerr := reconnected.Connect(ctx); cerr == nil {
					t = reconnected
					entries, err = t.List(ctx, dir)
				}
			}
			if err != nil {
				s.logger.Warn("scanner: skipping unreadable directory", "dir", dir, "error", err)
				stats.ScanErrors++
				stats.Partial = true
				return nil
			}
		}
		stats.DirsScanned++

		for _, e := range entries {
			full := path.Join(dir, e.Name)
			rel := strings.TrimPrefix(strings.TrimPrefix(full, root), "/")
			switch e.Kind {
			case transport.KindDir:
				if err := walk(full); err != nil {
					return err
				}
			case transport.KindFile:
				relNorm, ok := nasync.NormalizePath(rel)
				if !ok {
					continue
				}
				idx[relNorm] = nasync.FileEntry{Path: relNorm, Size: e.Size, Mtime: e.Mtime}
				stats.FilesFound++
			case transport.KindLink:
				// symlinks are never followed by the recursive walker
			}
		}
		return nil
	}

	if err := walk(root); err != nil {
		return nil, stats, err
	}
	return idx, stats, nil
}
