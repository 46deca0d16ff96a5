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

// Package orchestrator drives one end-to-end mirroring run (spec
// section 4.7): scan, exclude, diff, delete, transfer, commit. It
// takes a Transport factory, a State Store, a Scanner, a Tar Streamer
// and a Verifier as independent values rather than owning their
// implementations, per the "composition by interface" design note,
// and builds a Transfer Pool for each pool-based transfer phase.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nasmirror/nasync"
	"github.com/nasmirror/nasync/internal/config"
	"github.com/nasmirror/nasync/internal/core"
	"github.com/nasmirror/nasync/internal/pool"
	"github.com/nasmirror/nasync/internal/scanner"
	"github.com/nasmirror/nasync/internal/store"
	"github.com/nasmirror/nasync/internal/tarstream"
	"github.com/nasmirror/nasync/internal/transport"
	"github.com/nasmirror/nasync/internal/verify"
)

// Report summarizes one completed (or aborted) run.
type Report struct {
	SyncID           string
	Status           nasync.CheckpointStatus
	FilesDownloaded  int64
	FilesDeleted     int64
	FilesFailed      int64
	BytesTransferred int64
	Reconnections    int64
	ScanStats        nasync.ScanStats
}

// Orchestrator drives runs against one configured remote project.
type Orchestrator struct {
	cfg      config.Config
	connect  transport.Factory
	store    *store.Store
	scanner  *scanner.Scanner
	tar      *tarstream.Streamer
	verifier *verify.Verifier
	logger   *slog.Logger

	activePool atomic.Pointer[pool.Pool]
}

func New(cfg config.Config, connect transport.Factory, st *store.Store, sc *scanner.Scanner, tar *tarstream.Streamer, v *verify.Verifier, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, connect: connect, store: st, scanner: sc, tar: tar, verifier: v, logger: logger}
}

// Stats returns a live snapshot of the transfer pool driving the
// current run, or a zero Stats when no pool-based transfer is active
// (e.g. a tar-based run, or between runs). Safe to call concurrently
// with Run, for a status poller such as internal/statusapi.
func (o *Orchestrator) Stats() pool.Stats {
	p := o.activePool.Load()
	if p == nil {
		return pool.Stats{}
	}
	return p.Stats()
}

// Run executes one complete sync per spec section 4.7.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	syncID := uuid.NewString()
	report := Report{SyncID: syncID}
	logger := o.logger.With("sync_id", syncID, "project", o.cfg.Project)

	t := o.connect()
	if err := t.Connect(ctx); err != nil {
		return report, fmt.Errorf("orchestrator: connect: %w", err)
	}
	defer t.Close()

	index, scanStats, err := o.scanner.Scan(ctx, t, o.cfg.Remote.RemoteRoot)
	if err != nil {
		return report, fmt.Errorf("orchestrator: scan: %w", err)
	}
	report.ScanStats = scanStats
	logger.Info("scan complete", "strategy", scanStats.Strategy, "files", scanStats.FilesFound, "partial", scanStats.Partial)

	paths := make([]string, 0, len(index))
	for p := range index {
		paths = append(paths, p)
	}
	kept := excludeIndex(paths, o.cfg.ExcludePatterns)
	filtered := make(nasync.Index, len(kept))
	for _, p := range kept {
		filtered[p] = index[p]
	}
	logger.Debug("exclusion filter applied", "remote_files", len(index), "kept", len(filtered))

	diff, err := o.store.Diff(func(yield func(nasync.FileEntry) bool) {
		for _, p := range kept {
			if !yield(filtered[p]) {
				return
			}
		}
	})
	if err != nil {
		return report, fmt.Errorf("orchestrator: diff: %w", err)
	}

	if o.cfg.HandleDeletions && len(diff.ToDelete) > 0 {
		deleted := o.applyDeletions(diff.ToDelete, logger)
		report.FilesDeleted = int64(deleted)
		if err := o.store.Delete(diff.ToDelete); err != nil {
			return report, fmt.Errorf("orchestrator: delete from store: %w", err)
		}
	}

	if len(diff.ToDownload) == 0 {
		if err := o.commitIndex(filtered); err != nil {
			return report, fmt.Errorf("orchestrator: commit index: %w", err)
		}
		if err := o.store.CreateCheckpoint(syncID, 0, 0, 0, nasync.StatusCompleted); err != nil {
			return report, fmt.Errorf("orchestrator: final checkpoint: %w", err)
		}
		report.Status = nasync.StatusCompleted
		return report, nil
	}

	useTar := t.HasShell() &&
		len(diff.ToDownload) >= o.cfg.BulkThreshold &&
		o.tar.Available(ctx, t)

	var failed int64
	var bytesMoved int64
	var completed int64

	checkpointEvery := o.cfg.CheckpointInterval
	if checkpointEvery <= 0 {
		checkpointEvery = 1000
	}
	total := int64(len(diff.ToDownload))

	checkpoint := func() {
		status := nasync.StatusInProgress
		if err := o.store.CreateCheckpoint(syncID, completed, total, bytesMoved, status); err != nil {
			logger.Warn("checkpoint write failed", "error", err)
		}
	}

	corrections := make(map[string]uint64)
	var stalled bool
	if useTar {
		logger.Info("using tar streamer", "to_download", len(diff.ToDownload), "total_index", len(filtered))
		failed, stalled = o.runTar(ctx, t, diff.ToDownload, len(filtered), syncID, &completed, &bytesMoved, checkpoint, checkpointEvery, corrections, filtered, logger)
	} else {
		logger.Info("using transfer pool", "to_download", len(diff.ToDownload))
		var reconnections int64
		failed, reconnections, stalled = o.runPool(ctx, diff.ToDownload, t.HasShell(), syncID, &completed, &bytesMoved, checkpoint, checkpointEvery, corrections, filtered, logger)
		report.Reconnections = reconnections
	}

	// A file that changed size in flight (spec section 8, scenario 6)
	// is committed to the Index under its corrected size, not the size
	// observed at scan time.
	for path, size := range corrections {
		if e, ok := filtered[path]; ok {
			e.Size = size
			filtered[path] = e
		}
	}

	report.FilesDownloaded = completed
	report.FilesFailed = failed
	report.BytesTransferred = bytesMoved

	if err := o.commitIndex(filtered); err != nil {
		return report, fmt.Errorf("orchestrator: commit index: %w", err)
	}

	status := nasync.StatusCompleted
	switch {
	case stalled:
		status = nasync.StatusPartial
	case failed > 0:
		status = nasync.StatusCompletedWithErrors
	}
	if err := o.store.CreateCheckpoint(syncID, completed, total, bytesMoved, status); err != nil {
		return report, fmt.Errorf("orchestrator: final checkpoint: %w", err)
	}
	report.Status = status
	return report, nil
}

// commitIndex writes the full post-run map via repeated UpsertBatch;
// old keys not present in filtered were already removed by the
// explicit deletion step, never by this upsert.
func (o *Orchestrator) commitIndex(filtered nasync.Index) error {
	entries := make([]nasync.FileEntry, 0, len(filtered))
	for _, e := range filtered {
		entries = append(entries, e)
	}
	return o.store.UpsertBatch(entries)
}

// applyDeletions removes local files for paths no longer present
// remotely, refusing to touch anything that resolves outside
// LocalRoot.
func (o *Orchestrator) applyDeletions(paths []string, logger *slog.Logger) int {
	deleted := 0
	for _, rel := range paths {
		local, ok := safeLocalPath(o.cfg.LocalRoot, rel)
		if !ok {
			logger.Warn("skipping deletion outside local root", "path", rel)
			continue
		}
		if err := os.Remove(local); err != nil && !os.IsNotExist(err) {
			logger.Warn("local deletion failed", "path", rel, "error", err)
			continue
		}
		deleted++
	}
	return deleted
}

// safeLocalPath joins root and rel and verifies the cleaned result
// still lives under root, refusing to follow a path component out of
// the configured local root.
func safeLocalPath(root, rel string) (string, bool) {
	local := filepath.Join(root, filepath.FromSlash(rel))
	cleanRoot := filepath.Clean(root)
	if local != cleanRoot && !strings.HasPrefix(local, cleanRoot+string(filepath.Separator)) {
		return "", false
	}
	return local, true
}

func (o *Orchestrator) runPool(ctx context.Context, toDownload []store.DownloadCandidate, hasShell bool, syncID string, completed, bytesMoved *int64, checkpoint func(), checkpointEvery int, corrections map[string]uint64, filtered nasync.Index, logger *slog.Logger) (failed int64, reconnections int64, stalled bool) {
	candidates := make([]pool.Candidate, len(toDownload))
	for i, c := range toDownload {
		candidates[i] = pool.Candidate{RelPath: c.Path, Size: c.Size}
	}

	pcfg := pool.DefaultConfig(hasShell)
	pcfg.Workers = o.cfg.Workers
	if hasShell && pcfg.Workers > pool.MaxSFTPWorkers {
		pcfg.Workers = pool.MaxSFTPWorkers
	}
	pcfg.MaxRetries = o.cfg.MaxRetries
	pcfg.VerifyIntegrity = o.cfg.VerifyIntegrity
	pcfg.UseHashVerification = o.cfg.UseHashVerification
	pcfg.HashAlgorithm = o.cfg.HashAlgorithm
	pcfg.HealthCheckInterval = o.cfg.HealthCheckInterval
	pcfg.StallTimeout = o.cfg.StallTimeout()
	pcfg.StaggerDelay = o.cfg.StaggerDelay()

	queue := pool.BuildQueue(candidates, o.cfg.Remote.RemoteRoot, o.cfg.LocalRoot, pcfg.SmallFileThreshold)
	// Every task is already queued; closing lets workers exit once the
	// queue is empty. Requeued retries still go through Push.
	queue.Close()
	p := pool.New(pcfg, queue, o.connect, o.verifier, o.logger)
	o.activePool.Store(p)
	defer o.activePool.Store(nil)

	since := int64(0)
	for res := range p.Run(ctx) {
		if res.OK {
			*completed++
			*bytesMoved += int64(res.Task.Size)
			if res.CorrectedSize != nil {
				*bytesMoved += int64(*res.CorrectedSize) - int64(res.Task.Size)
				corrections[res.Task.RelPath] = *res.CorrectedSize
			}
		} else {
			failed++
			delete(filtered, res.Task.RelPath)
			if err := o.store.LogError(syncID, res.Task.RelPath, errString(res.Err), res.Task.RetryCount); err != nil {
				logger.Warn("error log write failed", "error", err)
			}
		}
		since++
		if since >= int64(checkpointEvery) {
			checkpoint()
			since = 0
		}
	}

	stats := p.Stats()
	reconnections = stats.Reconnections
	stalled = p.Stalled()
	if stalled {
		logger.Error("transfer pool stalled", "error", core.ErrStalled)
	}
	return failed, reconnections, stalled
}

func (o *Orchestrator) runTar(ctx context.Context, t transport.Transport, toDownload []store.DownloadCandidate, totalIndex int, syncID string, completed, bytesMoved *int64, checkpoint func(), checkpointEvery int, corrections map[string]uint64, filtered nasync.Index, logger *slog.Logger) (failed int64, stalled bool) {
	sizes := make(map[string]uint64, len(toDownload))
	relPaths := make([]string, len(toDownload))
	for i, c := range toDownload {
		relPaths[i] = c.Path
		sizes[c.Path] = c.Size
	}

	progress := func(extracted int, bytes int64) {
		*completed = int64(extracted)
		*bytesMoved = bytes
		if extracted > 0 && extracted%checkpointEvery == 0 {
			checkpoint()
		}
	}

	var failedPaths []string
	if o.tar.ShouldUseFullTree(len(toDownload), totalIndex) {
		res, err := o.tar.DownloadFullTree(ctx, t, o.cfg.Remote.RemoteRoot, o.cfg.LocalRoot, progress)
		if err != nil {
			logger.Warn("full-tree tar failed, falling back to selective", "error", err)
			res2, remaining, serr := o.tar.DownloadSelective(ctx, t, o.cfg.Remote.RemoteRoot, o.cfg.LocalRoot, relPaths, progress)
			if serr != nil {
				logger.Warn("selective tar failed", "error", serr)
			}
			*completed = res2.FilesExtracted
			*bytesMoved = res2.BytesTransferred
			failedPaths = remaining
		} else {
			*completed = res.FilesExtracted
			*bytesMoved = res.BytesTransferred
			failedPaths = res.Failed
		}
	} else {
		res, remaining, err := o.tar.DownloadSelective(ctx, t, o.cfg.Remote.RemoteRoot, o.cfg.LocalRoot, relPaths, progress)
		if err != nil {
			logger.Warn("selective tar failed", "error", err)
		}
		*completed = res.FilesExtracted
		*bytesMoved = res.BytesTransferred
		failedPaths = remaining
	}

	// The tar process's own accounting only catches members it failed
	// to write out; compare every extracted file's size against what
	// was expected to catch a silent truncation or skip it never
	// reported as a failure (spec section 4.6 post-extraction check).
	seen := make(map[string]struct{}, len(failedPaths))
	for _, p := range failedPaths {
		seen[p] = struct{}{}
	}
	for _, p := range tarstream.VerifyExtraction(o.cfg.LocalRoot, sizes) {
		if _, already := seen[p]; already {
			continue
		}
		seen[p] = struct{}{}
		failedPaths = append(failedPaths, p)
		*completed--
	}

	if len(failedPaths) > 0 {
		logger.Info("falling back to transfer pool for undelivered paths", "count", len(failedPaths))
		remainder := make([]store.DownloadCandidate, len(failedPaths))
		for i, p := range failedPaths {
			remainder[i] = store.DownloadCandidate{Path: p, Size: sizes[p]}
		}
		poolCompleted := int64(0)
		poolBytes := int64(0)
		f, _, poolStalled := o.runPool(ctx, remainder, t.HasShell(), syncID, &poolCompleted, &poolBytes, checkpoint, checkpointEvery, corrections, filtered, logger)
		*completed += poolCompleted
		*bytesMoved += poolBytes
		failed += f
		stalled = poolStalled
	}

	return failed, stalled
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
