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

// Package verify implements the integrity check a pool worker runs
// against every downloaded file (spec section 4.4):
// checksum comparison when a checksum was recorded, remote-hash
// comparison when the transport offers a shell and a hash utility,
// and otherwise a size-tolerance comparison with a smart rescan to
// tell a changed-in-flight file apart from real corruption.
package verify

import (
	"bufio"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/nasmirror/nasync"
	"github.com/nasmirror/nasync/internal/transport"
)

// Config controls which verification tiers are available.
type Config struct {
	UseHashVerification bool
	HashAlgorithm       string // "md5", "sha1", or "sha256"
	Logger              *slog.Logger
}

// Result is the outcome of one Verify call.
type Result struct {
	OK            bool
	Message       string
	CorrectedSize *uint64
}

// hashUtilByAlgo maps a configured algorithm to its remote CLI name.
var hashUtilByAlgo = map[string]string{
	"md5":    "md5sum",
	"sha1":   "sha1sum",
	"sha256": "sha256sum",
}

// Verifier holds the remote-hash-utility probe cache; one Verifier is
// shared across a pool's workers since the probe result ("does this
// server have md5sum on PATH") does not vary by worker.
type Verifier struct {
	cfg    Config
	logger *slog.Logger

	probeOnce sync.Once
	hasUtil   bool
}

func New(cfg Config) *Verifier {
	if cfg.HashAlgorithm == "" {
		cfg.HashAlgorithm = "sha256"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{cfg: cfg, logger: logger}
}

// Verify checks localPath against the remote file described by
// expectedSize/expectedHash/remotePath, applying the policy of spec
// section 4.4 in order. t and remotePath may be zero values when no
// transport is available, in which case only tiers 1 and 3 apply.
func (v *Verifier) Verify(ctx context.Context, t transport.Transport, localPath string, expectedSize uint64, expectedHash *nasync.Checksum, remotePath string) (Result, error) {
	if expectedHash != nil {
		return v.verifyChecksum(localPath, *expectedHash)
	}

	if v.cfg.UseHashVerification && t != nil && t.HasShell() {
		if res, ok, err := v.verifyRemoteHash(ctx, t, localPath, remotePath); ok {
			return res, err
		}
		// probe failed or utility unavailable: fall through to size
		// tolerance rather than failing verification outright.
	}

	return v.verifySizeTolerance(ctx, t, localPath, expectedSize, remotePath)
}

func (v *Verifier) verifyChecksum(localPath string, expected nasync.Checksum) (Result, error) {
	digest, err := localDigest(localPath, expected.Algo)
	if err != nil {
		return Result{}, fmt.Errorf("verify: local digest: %w", err)
	}
	if digest != expected.Digest {
		return Result{OK: false, Message: fmt.Sprintf("checksum mismatch: local %s != expected %s", digest, expected.Digest)}, nil
	}
	return Result{OK: true, Message: "checksum match"}, nil
}

func (v *Verifier) verifyRemoteHash(ctx context.Context, t transport.Transport, localPath, remotePath string) (Result, bool, error) {
	util, ok := v.probeHashUtil(ctx, t)
	if !ok {
		return Result{}, false, nil
	}

	remoteDigest, err := remoteDigest(ctx, t, util, remotePath)
	if err != nil {
		v.logger.Debug("verify: remote hash exec failed", "error", err)
		return Result{}, false, nil
	}
	localDig, err := localDigest(localPath, v.cfg.HashAlgorithm)
	if err != nil {
		return Result{}, true, fmt.Errorf("verify: local digest: %w", err)
	}
	if localDig != remoteDigest {
		return Result{OK: false, Message: fmt.Sprintf("remote hash mismatch: local %s != remote %s", localDig, remoteDigest)}, true, nil
	}
	return Result{OK: true, Message: "remote hash match"}, true, nil
}

func (v *Verifier) probeHashUtil(ctx context.Context, t transport.Transport) (string, bool) {
	util := hashUtilByAlgo[v.cfg.HashAlgorithm]
	if util == "" {
		return "", false
	}
	v.probeOnce.Do(func() {
		res, err := t.Exec(ctx, fmt.Sprintf("command -v %s", util))
		if err != nil {
			return
		}
		if res.Stdin != nil {
			res.Stdin.Close()
		}
		out, _ := io.ReadAll(res.Stdout)
		res.Wait()
		v.hasUtil = strings.TrimSpace(string(out)) != ""
	})
	if !v.hasUtil {
		return "", false
	}
	return util, true
}

func remoteDigest(ctx context.Context, t transport.Transport, util, remotePath string) (string, error) {
	res, err := t.Exec(ctx, fmt.Sprintf("%s %s", util, shellQuote(remotePath)))
	if err != nil {
		return "", err
	}
	if res.Stdin != nil {
		res.Stdin.Close()
	}
	sc := bufio.NewScanner(res.Stdout)
	var digest string
	if sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) > 0 {
			digest = fields[0]
		}
	}
	if _, err := res.Wait(); err != nil {
		return "", err
	}
	if digest == "" {
		return "", fmt.Errorf("verify: empty hash output from %s", util)
	}
	return digest, nil
}

func localDigest(localPath, algo string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var h hash.Hash
	switch algo {
	case "md5":
		h = md5.New()
	case "sha1":
		h = sha1.New()
	default:
		h = sha256.New()
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// SizeTolerance returns max(floor(0.1% of size), 10 bytes), the
// slack allowed when only a size comparison is possible.
func SizeTolerance(expectedSize uint64) uint64 {
	tolerance := expectedSize / 1000
	if tolerance < 10 {
		tolerance = 10
	}
	return tolerance
}

func (v *Verifier) verifySizeTolerance(ctx context.Context, t transport.Transport, localPath string, expectedSize uint64, remotePath string) (Result, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return Result{}, fmt.Errorf("verify: stat local: %w", err)
	}
	actual := uint64(info.Size())
	tolerance := SizeTolerance(expectedSize)

	var diff uint64
	if actual > expectedSize {
		diff = actual - expectedSize
	} else {
		diff = expectedSize - actual
	}
	if diff <= tolerance {
		return Result{OK: true, Message: "size within tolerance"}, nil
	}

	if t != nil && remotePath != "" {
		newSize, _, err := t.Stat(ctx, remotePath)
		if err == nil && newSize != expectedSize {
			corrected := newSize
			return Result{OK: true, Message: "remote file changed since scan", CorrectedSize: &corrected}, nil
		}
	}

	return Result{OK: false, Message: fmt.Sprintf("size mismatch: local %d, expected %d (tolerance %d)", actual, expectedSize, tolerance)}, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
