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

package tarstream

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/nasmirror/nasync/internal/transport"
)

// DownloadSelective fetches exactly relPaths from remoteRoot, trying
// the three tiers of spec section 4.6 in order. It returns the
// accumulated extraction Result for everything tar managed to pull,
// plus the subset of relPaths that no tier could deliver and must be
// handed to the Transfer Pool.
func (s *Streamer) DownloadSelective(ctx context.Context, t transport.Transport, remoteRoot, localRoot string, relPaths []string, progress ProgressFunc) (Result, []string, error) {
	var total Result

	if tmpDir, ok := s.findWritableTempDir(ctx, t); ok {
		res, err := s.downloadViaServerFileList(ctx, t, remoteRoot, localRoot, tmpDir, relPaths, progress)
		if err == nil && res.FilesExtracted > 0 {
			total = merge(total, res)
			remaining := remainder(relPaths, res)
			return total, remaining, nil
		}
		s.logger.Warn("tarstream: server-side file list tier failed, falling back to argument batches", "error", err)
	}

	total, unhandled, err := s.downloadViaArgBatches(ctx, t, remoteRoot, localRoot, relPaths, progress)
	if len(unhandled) < len(relPaths) {
		return total, unhandled, nil
	}
	s.logger.Warn("tarstream: argument-list batch tier failed entirely, falling back to per-file transfer", "error", err)

	// Tier 3: nothing left for tar to do; every requested path is
	// handed back for the pool to fetch individually.
	return total, relPaths, nil
}

func merge(a, b Result) Result {
	a.FilesExtracted += b.FilesExtracted
	a.BytesTransferred += b.BytesTransferred
	a.Failed = append(a.Failed, b.Failed...)
	return a
}

// remainder returns the members that failed to extract (res.Failed),
// or nil when every requested path was extracted. A requested path
// that tar never emitted (e.g. because it no longer exists remotely)
// is not included.
func remainder(requested []string, res Result) []string {
	if int64(len(requested)) == res.FilesExtracted && len(res.Failed) == 0 {
		return nil
	}
	return res.Failed
}

// downloadViaServerFileList writes relPaths, NUL-separated, into a
// temp file on the server via the transport, then invokes tar with
// --files-from=TMP --null, cleaning the temp file afterwards.
func (s *Streamer) downloadViaServerFileList(ctx context.Context, t transport.Transport, remoteRoot, localRoot, tmpDir string, relPaths []string, progress ProgressFunc) (Result, error) {
	compress := ""
	if s.cfg.UseCompression {
		compress = "z"
	}
	cmd := fmt.Sprintf(
		`tmp=$(mktemp %s/nasyncXXXXXX) && cat > "$tmp" && tar c%shf - -C %s --null --files-from="$tmp"; rc=$?; rm -f "$tmp"; exit $rc`,
		shellQuote(tmpDir), compress, shellQuote(remoteRoot),
	)

	payload := []byte(strings.Join(relPaths, "\x00") + "\x00")
	return s.runAndExtract(ctx, t, cmd, payload, localRoot, progress)
}

// downloadViaArgBatches splits relPaths into chunks whose shell-quoted
// combined length stays under Config.ArgListBudget, invoking tar once
// per batch. Every path in a batch whose tar invocation errors
// outright, plus every path tar itself reported failing to extract,
// is returned as unhandled for the caller to fall back on.
func (s *Streamer) downloadViaArgBatches(ctx context.Context, t transport.Transport, remoteRoot, localRoot string, relPaths []string, progress ProgressFunc) (Result, []string, error) {
	batches := batchBySize(relPaths, s.cfg.ArgListBudget)
	var total Result
	var unhandled []string
	var lastErr error

	compress := ""
	if s.cfg.UseCompression {
		compress = "z"
	}

	for _, batch := range batches {
		quoted := make([]string, len(batch))
		for i, p := range batch {
			quoted[i] = shellQuote(p)
		}
		cmd := fmt.Sprintf(`tar c%shf - -C %s -- %s`, compress, shellQuote(remoteRoot), strings.Join(quoted, " "))
		res, err := s.runAndExtract(ctx, t, cmd, nil, localRoot, progress)
		if err != nil {
			lastErr = err
			unhandled = append(unhandled, batch...)
			continue
		}
		total = merge(total, res)
		unhandled = append(unhandled, res.Failed...)
	}
	return total, unhandled, lastErr
}

// batchBySize groups paths into the fewest chunks whose shell-quoted,
// space-joined length stays under budget bytes.
func batchBySize(paths []string, budget int) [][]string {
	var batches [][]string
	var current []string
	size := 0
	for _, p := range paths {
		cost := len(p) + 3 // quotes + separating space
		if size+cost > budget && len(current) > 0 {
			batches = append(batches, current)
			current = nil
			size = 0
		}
		current = append(current, p)
		size += cost
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// findWritableTempDir probes the standard candidates in order, per
// spec section 4.6, returning the first one the remote user can write
// to.
func (s *Streamer) findWritableTempDir(ctx context.Context, t transport.Transport) (string, bool) {
	for _, dir := range []string{"/tmp", "/var/tmp", "."} {
		res, err := t.Exec(ctx, fmt.Sprintf("test -w %s && echo OK", shellQuote(dir)))
		if err != nil {
			continue
		}
		if res.Stdin != nil {
			res.Stdin.Close()
		}
		out, _ := io.ReadAll(res.Stdout)
		res.Wait()
		if strings.Contains(string(out), "OK") {
			return dir, true
		}
	}
	return "", false
}
