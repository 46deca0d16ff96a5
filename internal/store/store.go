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

// Package store is the durable state store (spec section 4.2): one
// Pebble database per configured state directory holds the primary
// path -> FileEntry index, the append-only checkpoint log, and the
// append-only error log, each under its own key prefix so the three
// "tables" of spec section 6 live in a single on-disk container.
package store

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/cockroachdb/pebble"

	"github.com/nasmirror/nasync"
)

const (
	idxPrefix   = "idx/"
	ckptPrefix  = "ckpt/"
	errPrefix   = "err/"
	defaultBatch = 1000
)

// Options configures the store. VacuumOnClose triggers a manual
// compaction on Close to reclaim space after heavy deletion, mirroring
// the "vacuum_on_close" option of spec section 4.2.
type Options struct {
	BatchSize     int
	VacuumOnClose bool
}

// Store is the durable Index + checkpoint + error log for one project.
type Store struct {
	db      *pebble.DB
	project string
	opts    Options
}

// Open opens (creating if absent) the Pebble container at dir for the
// named project. Multiple projects may share one directory; their
// keys are namespaced by project so one on-disk container can back
// every configured remote (spec section 6, "Persisted state layout").
func Open(dir, project string, opts Options) (*Store, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatch
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", dir, err)
	}
	return &Store{db: db, project: project, opts: opts}, nil
}

func (s *Store) Close() error {
	if s.opts.VacuumOnClose {
		_ = s.db.Compact(nil, []byte{0xFF}, true)
	}
	return s.db.Close()
}

func (s *Store) idxKey(path string) []byte {
	return []byte(idxPrefix + s.project + "/" + path)
}

func (s *Store) idxPrefixBytes() []byte {
	return []byte(idxPrefix + s.project + "/")
}

// Get returns the FileEntry for path, or ok=false if absent.
func (s *Store) Get(path string) (entry nasync.FileEntry, ok bool, err error) {
	v, closer, err := s.db.Get(s.idxKey(path))
	if err == pebble.ErrNotFound {
		return nasync.FileEntry{}, false, nil
	}
	if err != nil {
		return nasync.FileEntry{}, false, fmt.Errorf("store: get %s: %w", path, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &entry); err != nil {
		return nasync.FileEntry{}, false, fmt.Errorf("store: decode %s: %w", path, err)
	}
	return entry, true, nil
}

// GetAll streams every FileEntry in the index to fn, stopping at the
// first error fn returns. Internally chunked via a single forward
// iterator, so the whole index is never materialized in memory here.
func (s *Store) GetAll(fn func(nasync.FileEntry) error) error {
	prefix := s.idxPrefixBytes()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("store: iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var entry nasync.FileEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return fmt.Errorf("store: decode entry: %w", err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Paths streams just the path component of every index key to fn;
// cheaper than GetAll since it never decodes the value.
func (s *Store) Paths(fn func(string) error) error {
	prefix := s.idxPrefixBytes()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("store: iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		path := string(iter.Key()[len(prefix):])
		if err := fn(path); err != nil {
			return err
		}
	}
	return iter.Error()
}

// DiffResult is the outcome of comparing the store's committed index
// against a freshly scanned remote index.
type DiffResult struct {
	ToDownload []DownloadCandidate
	ToDelete   []string
	TotalBytes uint64
}

// DownloadCandidate is one file the orchestrator must fetch.
type DownloadCandidate struct {
	Path string
	Size uint64
}

// Diff streams remote entries against the stored index: a path needs
// download iff it is absent from the store, or its size or mtime
// string differs (or, when both carry checksums, the checksums
// differ). Paths present in the store but absent from remote are
// collected for deletion. Neither the full stored index nor the full
// remote index is held as a second in-memory copy — remote is
// provided as an iterator-style callback-driven source, and lookups
// against the store use point Gets.
func (s *Store) Diff(remote func(yield func(nasync.FileEntry) bool)) (DiffResult, error) {
	var result DiffResult
	seen := make(map[string]struct{})

	var iterErr error
	remote(func(e nasync.FileEntry) bool {
		seen[e.Path] = struct{}{}
		stored, ok, err := s.Get(e.Path)
		if err != nil {
			iterErr = err
			return false
		}
		if !ok || !stored.Equal(e) {
			result.ToDownload = append(result.ToDownload, DownloadCandidate{Path: e.Path, Size: e.Size})
			result.TotalBytes += e.Size
		}
		return true
	})
	if iterErr != nil {
		return DiffResult{}, iterErr
	}

	if err := s.Paths(func(path string) error {
		if _, ok := seen[path]; !ok {
			result.ToDelete = append(result.ToDelete, path)
		}
		return nil
	}); err != nil {
		return DiffResult{}, err
	}

	return result, nil
}

// UpsertBatch commits entries in contiguous chunks of BatchSize, each
// chunk in its own atomic Pebble batch: after UpsertBatch returns, a
// crash leaves the store at either the pre-batch or post-batch state
// for every chunk, never a torn write within a chunk, and chunks are
// applied in invocation order.
func (s *Store) UpsertBatch(entries []nasync.FileEntry) error {
	batchSize := s.opts.BatchSize
	for start := 0; start < len(entries); start += batchSize {
		end := min(start+batchSize, len(entries))
		b := s.db.NewBatch()
		for _, e := range entries[start:end] {
			v, err := json.Marshal(e)
			if err != nil {
				b.Close()
				return fmt.Errorf("store: encode %s: %w", e.Path, err)
			}
			if err := b.Set(s.idxKey(e.Path), v, nil); err != nil {
				b.Close()
				return fmt.Errorf("store: stage %s: %w", e.Path, err)
			}
		}
		if err := b.Commit(pebble.Sync); err != nil {
			return fmt.Errorf("store: commit batch [%d:%d]: %w", start, end, err)
		}
	}
	return nil
}

// Delete removes paths in batches.
func (s *Store) Delete(paths []string) error {
	batchSize := s.opts.BatchSize
	for start := 0; start < len(paths); start += batchSize {
		end := min(start+batchSize, len(paths))
		b := s.db.NewBatch()
		for _, p := range paths[start:end] {
			if err := b.Delete(s.idxKey(p), nil); err != nil {
				b.Close()
				return fmt.Errorf("store: stage delete %s: %w", p, err)
			}
		}
		if err := b.Commit(pebble.Sync); err != nil {
			return fmt.Errorf("store: commit delete batch [%d:%d]: %w", start, end, err)
		}
	}
	return nil
}

func prefixUpperBound(prefix []byte) []byte {
	// Standard Pebble idiom: increment the last byte that isn't 0xFF
	// to get an exclusive upper bound covering every key with this
	// prefix.
	upper := bytes.Clone(prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil // prefix is all 0xFF bytes; no upper bound needed
}
