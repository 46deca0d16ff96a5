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

package store

import (
	"fmt"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/cockroachdb/pebble"

	"github.com/nasmirror/nasync"
)

// seq is a process-local monotonic counter appended to checkpoint and
// error keys so the records of one sync-id sort in invocation order
// within a process (append-only tables, spec section 3).
var seq atomic.Uint64

func (s *Store) ckptKey(syncID string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%020d", ckptPrefix, s.project, syncID, seq.Add(1)))
}

func (s *Store) errKey(syncID string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%020d", errPrefix, s.project, syncID, seq.Add(1)))
}

// CreateCheckpoint appends a progress record for syncID. Checkpoints
// are never updated in place; only appended.
func (s *Store) CreateCheckpoint(syncID string, filesProcessed, filesTotal, bytesTransferred int64, status nasync.CheckpointStatus) error {
	cp := nasync.Checkpoint{
		SyncID:           syncID,
		Timestamp:        time.Now().UTC(),
		FilesProcessed:   filesProcessed,
		FilesTotal:       filesTotal,
		BytesTransferred: bytesTransferred,
		Status:           status,
	}
	v, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("store: encode checkpoint: %w", err)
	}
	if err := s.db.Set(s.ckptKey(syncID), v, pebble.Sync); err != nil {
		return fmt.Errorf("store: write checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the most recently appended checkpoint for
// syncID, used on resume.
func (s *Store) LatestCheckpoint(syncID string) (nasync.Checkpoint, bool, error) {
	prefix := []byte(fmt.Sprintf("%s%s/%s/", ckptPrefix, s.project, syncID))
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nasync.Checkpoint{}, false, fmt.Errorf("store: iterator: %w", err)
	}
	defer iter.Close()

	if !iter.Last() {
		return nasync.Checkpoint{}, false, iter.Error()
	}
	var cp nasync.Checkpoint
	if err := json.Unmarshal(iter.Value(), &cp); err != nil {
		return nasync.Checkpoint{}, false, fmt.Errorf("store: decode checkpoint: %w", err)
	}
	return cp, true, nil
}

// LogError appends an ErrorRecord. Append-only.
func (s *Store) LogError(syncID, path, message string, retryCount int) error {
	rec := nasync.ErrorRecord{
		SyncID:     syncID,
		Path:       path,
		Message:    message,
		RetryCount: retryCount,
		Timestamp:  time.Now().UTC(),
	}
	v, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode error record: %w", err)
	}
	if err := s.db.Set(s.errKey(syncID), v, pebble.Sync); err != nil {
		return fmt.Errorf("store: write error record: %w", err)
	}
	return nil
}

// Errors streams every ErrorRecord for syncID to fn.
func (s *Store) Errors(syncID string, fn func(nasync.ErrorRecord) error) error {
	prefix := []byte(fmt.Sprintf("%s%s/%s/", errPrefix, s.project, syncID))
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("store: iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var rec nasync.ErrorRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return fmt.Errorf("store: decode error record: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Statistics summarizes the store's current index.
type Statistics struct {
	Count        int64
	TotalBytes   uint64
	LastSync     time.Time
	StoreSizeOnDisk int64
}

// Statistics computes {count, total-bytes, last-sync, store-size-on-disk}.
func (s *Store) Statistics(syncID string) (Statistics, error) {
	var stats Statistics
	if err := s.GetAll(func(e nasync.FileEntry) error {
		stats.Count++
		stats.TotalBytes += e.Size
		return nil
	}); err != nil {
		return Statistics{}, err
	}
	if syncID != "" {
		if cp, ok, err := s.LatestCheckpoint(syncID); err == nil && ok {
			stats.LastSync = cp.Timestamp
		}
	}
	metrics := s.db.Metrics()
	stats.StoreSizeOnDisk = int64(metrics.DiskSpaceUsage())
	return stats, nil
}
