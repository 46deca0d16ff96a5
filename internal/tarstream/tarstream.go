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

// Package tarstream bulk-downloads a remote tree by piping a
// server-side tar invocation over the shell transport and extracting
// the stream locally, instead of paying per-file SFTP overhead for
// every one of a large download set (spec section 4.6).
package tarstream

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nasmirror/nasync/internal/transport"
)

// Config controls compression and thresholds.
type Config struct {
	UseCompression    bool
	FullTreeThreshold float64 // fraction (0..1) of the Index; default 0.8
	ProgressEvery     int     // members between progress callbacks; default 100
	ArgListBudget     int     // byte budget for one argument-list batch; default ~100KB
}

func (c Config) withDefaults() Config {
	if c.FullTreeThreshold <= 0 {
		c.FullTreeThreshold = 0.8
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = 100
	}
	if c.ArgListBudget <= 0 {
		c.ArgListBudget = 100 * 1024
	}
	return c
}

// ProgressFunc is invoked every Config.ProgressEvery extracted members.
type ProgressFunc func(extracted int, bytesTransferred int64)

// Result summarizes one tar invocation.
type Result struct {
	FilesExtracted   int64
	BytesTransferred int64
	// Failed lists relative paths that tar reported trouble with
	// during extraction (to be handed to the verifier / pool for retry).
	Failed []string
}

// Streamer runs server-side tar and extracts the stream locally.
type Streamer struct {
	cfg    Config
	logger *slog.Logger

	createdDirs sync.Map
}

func New(cfg Config, logger *slog.Logger) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{cfg: cfg.withDefaults(), logger: logger}
}

// Available reports whether t offers a shell with a tar binary on PATH.
func (s *Streamer) Available(ctx context.Context, t transport.Transport) bool {
	if !t.HasShell() {
		return false
	}
	res, err := t.Exec(ctx, "command -v tar")
	if err != nil {
		return false
	}
	if res.Stdin != nil {
		res.Stdin.Close()
	}
	out, _ := io.ReadAll(res.Stdout)
	code, _ := res.Wait()
	return code == 0 && len(bytes.TrimSpace(out)) > 0
}

// ShouldUseFullTree reports whether the to-download set is large
// enough, relative to the full Index, to prefer full-tree mode over
// selective mode (spec section 4.6).
func (s *Streamer) ShouldUseFullTree(toDownload, totalIndex int) bool {
	if totalIndex == 0 {
		return false
	}
	return float64(toDownload)/float64(totalIndex) >= s.cfg.FullTreeThreshold
}

// DownloadFullTree streams the entire resolved root, following
// symlinks-to-files at the leaf and ignoring unreadable files.
func (s *Streamer) DownloadFullTree(ctx context.Context, t transport.Transport, remoteRoot, localRoot string, progress ProgressFunc) (Result, error) {
	compress := ""
	if s.cfg.UseCompression {
		compress = "z"
	}
	cmd := fmt.Sprintf(`tar c%shf - -C %s .`, compress, shellQuote(remoteRoot))
	return s.runAndExtract(ctx, t, cmd, nil, localRoot, progress)
}

// runAndExtract executes cmd on the shell transport, optionally
// feeding stdinPayload from a dedicated goroutine so a full remote
// stdout buffer can never deadlock against a full stdin buffer, and
// streams the resulting tar (optionally gzip-compressed) into
// localRoot.
func (s *Streamer) runAndExtract(ctx context.Context, t transport.Transport, cmd string, stdinPayload []byte, localRoot string, progress ProgressFunc) (Result, error) {
	res, err := t.Exec(ctx, cmd)
	if err != nil {
		return Result{}, fmt.Errorf("tarstream: exec: %w", err)
	}

	if stdinPayload != nil {
		go func() {
			if res.Stdin == nil {
				return
			}
			if _, err := res.Stdin.Write(stdinPayload); err != nil {
				s.logger.Warn("tarstream: stdin write failed", "error", err)
			}
			res.Stdin.Close()
		}()
	} else if res.Stdin != nil {
		res.Stdin.Close()
	}

	var reader io.Reader = res.Stdout
	var gz *gzip.Reader
	if s.cfg.UseCompression {
		gz, err = gzip.NewReader(reader)
		if err != nil {
			return Result{}, fmt.Errorf("tarstream: gzip reader: %w", err)
		}
		reader = gz
	}

	result, extractErr := s.extract(tar.NewReader(reader), localRoot, progress)
	if gz != nil {
		gz.Close()
	}

	stderrBytes, _ := io.ReadAll(res.Stderr)
	exitCode, waitErr := res.Wait()

	s.logStderr(stderrBytes)

	if extractErr != nil {
		return result, fmt.Errorf("tarstream: extraction: %w", extractErr)
	}
	if exitCode != 0 && result.FilesExtracted == 0 {
		return result, fmt.Errorf("tarstream: tar exited %d: %s", exitCode, bytes.TrimSpace(stderrBytes))
	}
	if waitErr != nil && result.FilesExtracted == 0 {
		return result, fmt.Errorf("tarstream: wait: %w", waitErr)
	}
	return result, nil
}

func (s *Streamer) extract(tr *tar.Reader, localRoot string, progress ProgressFunc) (Result, error) {
	var result Result
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return result, err
		}

		name := normalizeMemberName(hdr.Name)
		if name == "" {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			s.ensureDir(filepath.Join(localRoot, filepath.FromSlash(name)))
			continue
		case tar.TypeReg:
			// fall through to extraction below
		default:
			continue
		}

		localPath := filepath.Join(localRoot, filepath.FromSlash(name))
		if err := s.ensureDir(filepath.Dir(localPath)); err != nil {
			result.Failed = append(result.Failed, name)
			continue
		}

		out, err := os.Create(localPath)
		if err != nil {
			result.Failed = append(result.Failed, name)
			continue
		}
		written, copyErr := io.Copy(out, tr)
		out.Close()
		if copyErr != nil {
			result.Failed = append(result.Failed, name)
			continue
		}

		result.FilesExtracted++
		result.BytesTransferred += written

		if progress != nil && result.FilesExtracted%int64(s.cfg.ProgressEvery) == 0 {
			progress(int(result.FilesExtracted), result.BytesTransferred)
		}
	}
	if progress != nil {
		progress(int(result.FilesExtracted), result.BytesTransferred)
	}
	return result, nil
}

func (s *Streamer) ensureDir(dir string) error {
	if _, ok := s.createdDirs.Load(dir); ok {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	s.createdDirs.Store(dir, struct{}{})
	return nil
}

func normalizeMemberName(name string) string {
	name = strings.TrimPrefix(name, "./")
	name = strings.TrimPrefix(name, "/")
	return name
}

// benignStderrPatterns are tar diagnostics that reflect expected races
// and cosmetics, not real extraction failures (spec section 4.6).
var benignStderrPatterns = []string{
	"removing leading",            // leading-slash/./ stripping
	"file changed as we read it",  // file-changed-while-reading
	"cannot stat",                 // stat-impossible
	"file removed before we read", // missing-after-listing
	"no such file or directory",   // missing-after-listing
}

func (s *Streamer) logStderr(raw []byte) {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		benign := false
		for _, pat := range benignStderrPatterns {
			if strings.Contains(lower, pat) {
				benign = true
				break
			}
		}
		if benign {
			s.logger.Debug("tar", "line", line)
		} else {
			s.logger.Warn("tar", "line", line)
		}
	}
}

// VerifyExtraction compares extracted files against expected sizes,
// returning the relative paths that fail (absent, or wrong size).
func VerifyExtraction(localRoot string, expected map[string]uint64) []string {
	var failed []string
	for rel, size := range expected {
		local := filepath.Join(localRoot, filepath.FromSlash(rel))
		info, err := os.Stat(local)
		if err != nil {
			failed = append(failed, rel)
			continue
		}
		if size > 0 && uint64(info.Size()) != size {
			failed = append(failed, rel)
		}
	}
	return failed
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
