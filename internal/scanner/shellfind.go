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
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nasmirror/nasync"
	"github.com/nasmirror/nasync/internal/transport"
)

// shellFind runs a single find(1) invocation over the shell transport
// and parses its streamed output, strategy (a) of spec section 4.3.
func (s *Scanner) shellFind(ctx context.Context, t transport.Transport, root string) (nasync.Index, nasync.ScanStats, error) {
	stats := nasync.ScanStats{Strategy: "shell_find"}

	realRoot, err := s.resolveChrootRoot(ctx, t, root)
	if err != nil {
		s.logger.Debug("chroot root probe failed, using configured root", "error", err)
		realRoot = root
	}

	cmd := fmt.Sprintf(`find -L %s -type f -printf '%%P\t%%s\t%%T@\n'`, shellQuote(realRoot))
	res, err := t.Exec(ctx, cmd)
	if err != nil {
		return nil, stats, fmt.Errorf("scanner: shell-find exec: %w", err)
	}
	if res.Stdin != nil {
		res.Stdin.Close()
	}

	idx := nasync.Index{}
	sc := bufio.NewScanner(res.Stdout)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			stats.ScanErrors++
			continue
		}
		rel, ok := nasync.NormalizePath(parts[0])
		if !ok {
			continue
		}
		size, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			stats.ScanErrors++
			continue
		}
		epoch, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			stats.ScanErrors++
			continue
		}
		mtime := time.Unix(int64(epoch), 0).UTC()
		idx[rel] = nasync.FileEntry{Path: rel, Size: size, Mtime: nasync.FormatMtime(mtime)}
		stats.FilesFound++
	}

	stderrBytes, _ := io.ReadAll(res.Stderr)
	exitCode, _ := res.Wait()
	if exitCode != 0 && len(idx) == 0 {
		return nil, stats, fmt.Errorf("scanner: find exited %d: %s", exitCode, bytes.TrimSpace(stderrBytes))
	}
	if bytes.Contains(stderrBytes, []byte("Permission denied")) {
		stats.ScanErrors++
		stats.Partial = true
	}
	return idx, stats, nil
}

// resolveChrootRoot walks up from $HOME looking for the directory find
// should actually start from: SFTP and restricted shells often report
// a $HOME that does not correspond to the configured remote root, so
// candidates are probed up to six levels up and validated against a
// handful of entries already known to exist directly under root.
func (s *Scanner) resolveChrootRoot(ctx context.Context, t transport.Transport, root string) (string, error) {
	homeRes, err := t.Exec(ctx, "echo $HOME")
	if err != nil {
		return "", err
	}
	if homeRes.Stdin != nil {
		homeRes.Stdin.Close()
	}
	homeOut, _ := io.ReadAll(homeRes.Stdout)
	homeRes.Wait()
	home := strings.TrimSpace(string(homeOut))
	if home == "" {
		return root, nil
	}

	var knownChildren []string
	if entries, err := t.List(ctx, root); err == nil {
		for i, e := range entries {
			if i >= 5 {
				break
			}
			knownChildren = append(knownChildren, e.Name)
		}
	}
	if len(knownChildren) == 0 {
		return home, nil
	}

	candidates := make([]string, 0, 6)
	dir := home
	for i := 0; i < 6; i++ {
		candidates = append(candidates, dir)
		parent := path.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	matched := make([]int, len(candidates))
	isDir := make([]bool, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, candidate := range candidates {
		i, candidate := i, candidate
		g.Go(func() error {
			dirRes, err := t.Exec(gctx, fmt.Sprintf("test -d %s && echo DIR", shellQuote(candidate)))
			if err != nil {
				return nil
			}
			if dirRes.Stdin != nil {
				dirRes.Stdin.Close()
			}
			out, _ := io.ReadAll(dirRes.Stdout)
			dirRes.Wait()
			if !bytes.Contains(out, []byte("DIR")) {
				return nil
			}
			isDir[i] = true

			count := 0
			for _, child := range knownChildren {
				probe := path.Join(candidate, child)
				childRes, err := t.Exec(gctx, fmt.Sprintf("test -e %s && echo YES", shellQuote(probe)))
				if err != nil {
					continue
				}
				if childRes.Stdin != nil {
					childRes.Stdin.Close()
				}
				childOut, _ := io.ReadAll(childRes.Stdout)
				childRes.Wait()
				if bytes.Contains(childOut, []byte("YES")) {
					count++
				}
			}
			matched[i] = count
			return nil
		})
	}
	_ = g.Wait()

	for i, candidate := range candidates {
		if isDir[i] && matched[i] >= 2 {
			return candidate, nil
		}
	}

	// No candidate matched at least two known children: fall back to
	// whichever directory candidate has the most entries within two
	// levels, a weaker signal than a direct child match.
	best, bestCount := "", -1
	for i, candidate := range candidates {
		if !isDir[i] {
			continue
		}
		countRes, err := t.Exec(ctx, fmt.Sprintf("find %s -maxdepth 2 2>/dev/null | wc -l", shellQuote(candidate)))
		if err != nil {
			continue
		}
		if countRes.Stdin != nil {
			countRes.Stdin.Close()
		}
		out, _ := io.ReadAll(countRes.Stdout)
		countRes.Wait()
		n, err := strconv.Atoi(strings.TrimSpace(string(out)))
		if err != nil {
			continue
		}
		if n > bestCount {
			bestCount, best = n, candidate
		}
	}
	if best != "" {
		return best, nil
	}
	return home, nil
}

// shellQuote wraps s in single quotes for POSIX shell, escaping any
// embedded single quote the way every shell-invoking corner of the
// corpus does it.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
