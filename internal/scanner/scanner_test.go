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
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasmirror/nasync"
	"github.com/nasmirror/nasync/internal/core"
	"github.com/nasmirror/nasync/internal/transport"
)

// fakeTransport is an in-memory transport.Transport backed by a tree
// of directories keyed by absolute path, with no shell support unless
// shell is set, for exercising the recursive and incremental scanners
// without a real network stack.
type fakeTransport struct {
	shell   bool
	tree    map[string][]transport.Entry
	failing map[string]int // dir -> remaining failures before success
}

func newFakeTransport(tree map[string][]transport.Entry) *fakeTransport {
	return &fakeTransport{tree: tree, failing: map[string]int{}}
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }
func (f *fakeTransport) Close() error                      { return nil }
func (f *fakeTransport) HasShell() bool                    { return f.shell }

func (f *fakeTransport) List(ctx context.Context, dir string) ([]transport.Entry, error) {
	if n := f.failing[dir]; n > 0 {
		f.failing[dir] = n - 1
		return nil, fmt.Errorf("%w: simulated reset", core.ErrTransientTransport)
	}
	entries, ok := f.tree[dir]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrPathNotFound, dir)
	}
	return entries, nil
}

func (f *fakeTransport) Exec(ctx context.Context, cmd string) (*transport.ExecResult, error) {
	return nil, core.ErrNotSupported
}

func (f *fakeTransport) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	return nil, core.ErrNotSupported
}

func (f *fakeTransport) Noop(ctx context.Context) error { return nil }

func (f *fakeTransport) Mtime(ctx context.Context, path string) (string, bool, error) {
	return "", false, nil
}

func (f *fakeTransport) Stat(ctx context.Context, path string) (uint64, string, error) {
	return 0, "", core.ErrNotSupported
}

// fakeCache is an in-memory Cache for scanner tests.
type fakeCache struct {
	meta  map[string]string
	index nasync.Index
}

func newFakeCache() *fakeCache {
	return &fakeCache{meta: map[string]string{}, index: nasync.Index{}}
}

func (c *fakeCache) GetMeta(key string) (string, bool, error) {
	v, ok := c.meta[key]
	return v, ok, nil
}

func (c *fakeCache) SetMeta(key, value string) error {
	c.meta[key] = value
	return nil
}

func (c *fakeCache) GetAll(fn func(nasync.FileEntry) error) error {
	for _, e := range c.index {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func TestFullRecursive_WalksEntireTree(t *testing.T) {
	ft := newFakeTransport(map[string][]transport.Entry{
		"/root": {
			{Name: "a.txt", Kind: transport.KindFile, Size: 10, Mtime: "20260101000000"},
			{Name: "sub", Kind: transport.KindDir},
		},
		"/root/sub": {
			{Name: "b.txt", Kind: transport.KindFile, Size: 20, Mtime: "20260101000001"},
			{Name: "link", Kind: transport.KindLink},
		},
	})

	s := New(Config{}, newFakeCache(), nil)
	idx, stats, err := s.fullRecursive(context.Background(), ft, "/root")
	require.NoError(t, err)
	assert.Len(t, idx, 2)
	assert.Equal(t, uint64(10), idx["a.txt"].Size)
	assert.Equal(t, uint64(20), idx["sub/b.txt"].Size)
	assert.EqualValues(t, 2, stats.DirsScanned)
	assert.EqualValues(t, 2, stats.FilesFound)
	assert.False(t, stats.Partial)
}

func TestFullRecursive_ReconnectsOnceThenSkipsOnRepeatedFailure(t *testing.T) {
	ft := newFakeTransport(map[string][]transport.Entry{
		"/root": {
			{Name: "bad", Kind: transport.KindDir},
		},
		"/root/bad": {
			{Name: "c.txt", Kind: transport.KindFile, Size: 5, Mtime: "20260101000000"},
		},
	})
	ft.failing["/root/bad"] = 2 // fails every attempt, even after reconnect

	reconnectCalls := 0
	cfg := Config{
		Reconnect: func() transport.Transport {
			reconnectCalls++
			return ft
		},
	}
	s := New(cfg, newFakeCache(), nil)
	idx, stats, err := s.fullRecursive(context.Background(), ft, "/root")
	require.NoError(t, err)
	assert.Empty(t, idx)
	assert.True(t, stats.Partial)
	assert.EqualValues(t, 1, stats.Reconnections)
	assert.Equal(t, 1, reconnectCalls)
}

func TestIncremental_TrustsKnownDirAndRescansUnknown(t *testing.T) {
	cache := newFakeCache()
	cache.index["known/old.txt"] = nasync.FileEntry{Path: "known/old.txt", Size: 1, Mtime: "20260101000000"}

	ft := newFakeTransport(map[string][]transport.Entry{
		"/root": {
			{Name: "top.txt", Kind: transport.KindFile, Size: 3, Mtime: "20260102000000"},
			{Name: "known", Kind: transport.KindDir},
			{Name: "newdir", Kind: transport.KindDir},
		},
		"/root/newdir": {
			{Name: "fresh.txt", Kind: transport.KindFile, Size: 4, Mtime: "20260103000000"},
		},
	})

	s := New(Config{}, cache, nil)
	idx, stats, err := s.incremental(context.Background(), ft, "/root")
	require.NoError(t, err)
	assert.Contains(t, idx, "top.txt")
	assert.Contains(t, idx, "known/old.txt")
	assert.Contains(t, idx, "newdir/fresh.txt")
	assert.EqualValues(t, 1, stats.CacheHits)
}

func TestScan_FallsBackToFullRecursiveWhenShellFindFails(t *testing.T) {
	// HasShell true but Exec unsupported forces a fallback to
	// full-recursive, exercising the strategy-selection fallback path
	// without needing a real shell session.
	ft := &fakeTransport{shell: true, tree: map[string][]transport.Entry{
		"/root": {
			{Name: "a.txt", Kind: transport.KindFile, Size: 1, Mtime: "20260101000000"},
		},
	}, failing: map[string]int{}}

	s := New(Config{}, newFakeCache(), nil)
	idx, stats, err := s.Scan(context.Background(), ft, "/root")
	require.NoError(t, err)
	assert.Equal(t, "full_recursive", stats.Strategy)
	assert.Contains(t, idx, "a.txt")
}

func TestScan_SkipsIncrementalWhenCacheStale(t *testing.T) {
	cache := newFakeCache()
	ft := newFakeTransport(map[string][]transport.Entry{
		"/root": {
			{Name: "a.txt", Kind: transport.KindFile, Size: 1, Mtime: "20260101000000"},
		},
	})

	s := New(Config{UseIncrementalScan: true}, cache, nil)
	_, stats, err := s.Scan(context.Background(), ft, "/root")
	require.NoError(t, err)
	assert.Equal(t, "full_recursive", stats.Strategy)

	// last_full_scan is now set, so a second run within the threshold
	// could take the incremental path if triggered again; nothing to
	// assert here beyond no error, since List(root) already satisfies
	// full-recursive identically for a flat tree.
	v, ok, err := cache.GetMeta("last_full_scan")
	require.NoError(t, err)
	require.True(t, ok)
	_, parseErr := time.Parse(time.RFC3339, v)
	assert.NoError(t, parseErr)
}

func TestCacheFresh_StaleOrMissing(t *testing.T) {
	cache := newFakeCache()
	s := New(Config{}, cache, nil)
	fresh, err := s.cacheFresh()
	require.NoError(t, err)
	assert.False(t, fresh)

	cache.meta["last_full_scan"] = time.Now().Add(-48 * time.Hour).UTC().Format(time.RFC3339)
	fresh, err = s.cacheFresh()
	require.NoError(t, err)
	assert.False(t, fresh)

	cache.meta["last_full_scan"] = time.Now().UTC().Format(time.RFC3339)
	fresh, err = s.cacheFresh()
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'plain'`, shellQuote("plain"))
	assert.True(t, strings.Contains(shellQuote("it's"), `'\''`))
}
