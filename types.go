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

// Package nasync defines the shared data model for the mirroring
// engine: the remote file index, sync checkpoints, and error records
// that flow between the scanner, state store, transfer pool, tar
// streamer, and orchestrator.
package nasync

import (
	"strings"
	"time"
)

// MtimeLayout is the canonical 14-digit UTC modify-time format used
// throughout the Index whenever a timestamp (rather than an opaque
// server string) is available.
const MtimeLayout = "20060102150405"

// Checksum pairs a hash algorithm tag with its hex digest.
type Checksum struct {
	Algo   string `json:"algo"`
	Digest string `json:"digest"`
}

// FileEntry is one remote file as recorded in the Index: its
// normalized relative path, size, modify-time string, and optional
// checksum.
type FileEntry struct {
	Path     string    `json:"path"`
	Size     uint64    `json:"size"`
	Mtime    string    `json:"mtime"`
	Checksum *Checksum `json:"checksum,omitempty"`
}

// Equal reports whether two entries for the same path describe the
// same remote content, per spec: size and mtime string must match
// byte-for-byte, or — when both carry a checksum — the checksums must
// match.
func (e FileEntry) Equal(o FileEntry) bool {
	if e.Checksum != nil && o.Checksum != nil {
		return e.Checksum.Algo == o.Checksum.Algo && e.Checksum.Digest == o.Checksum.Digest
	}
	return e.Size == o.Size && e.Mtime == o.Mtime
}

// NormalizePath converts backslashes to forward slashes, strips a
// leading "./" or "/", and rejects empty, "." and ".." components. It
// returns the cleaned path and whether it is valid for inclusion in
// an Index.
func NormalizePath(p string) (string, bool) {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "", false
	}
	for _, comp := range strings.Split(p, "/") {
		if comp == "" || comp == "." || comp == ".." {
			return "", false
		}
	}
	return p, true
}

// FormatMtime renders t as the canonical 14-digit UTC string.
func FormatMtime(t time.Time) string {
	return t.UTC().Format(MtimeLayout)
}

// CheckpointStatus is the terminal or in-flight status of a Checkpoint.
type CheckpointStatus string

const (
	StatusInProgress          CheckpointStatus = "in_progress"
	StatusCompleted           CheckpointStatus = "completed"
	StatusCompletedWithErrors CheckpointStatus = "completed_with_errors"
	StatusPartial             CheckpointStatus = "partial"
)

// Checkpoint is a progress record within one orchestrator run.
type Checkpoint struct {
	SyncID         string           `json:"sync_id"`
	Timestamp      time.Time        `json:"timestamp"`
	FilesProcessed int64            `json:"files_processed"`
	FilesTotal     int64            `json:"files_total"`
	BytesTransferred int64          `json:"bytes_transferred"`
	Status         CheckpointStatus `json:"status"`
}

// ErrorRecord is one append-only failure entry in the error log.
type ErrorRecord struct {
	SyncID     string    `json:"sync_id"`
	Path       string    `json:"path"`
	Message    string    `json:"message"`
	RetryCount int       `json:"retry_count"`
	Timestamp  time.Time `json:"timestamp"`
}

// Index is an in-memory total mapping path -> FileEntry, used when a
// caller (e.g. the scanner) needs to hand the orchestrator a complete
// remote snapshot rather than stream it. The state store itself never
// holds two full copies at once — see internal/store.
type Index map[string]FileEntry

// ScanStats describes one scanner run.
type ScanStats struct {
	Strategy      string
	DirsScanned   int64
	FilesFound    int64
	CacheHits     int64
	Reconnections int64
	ScanErrors    int64
	Partial       bool
}
