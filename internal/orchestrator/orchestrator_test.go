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

package orchestrator

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasmirror/nasync"
	"github.com/nasmirror/nasync/internal/config"
	"github.com/nasmirror/nasync/internal/core"
	"github.com/nasmirror/nasync/internal/scanner"
	"github.com/nasmirror/nasync/internal/store"
	"github.com/nasmirror/nasync/internal/tarstream"
	"github.com/nasmirror/nasync/internal/transport"
	"github.com/nasmirror/nasync/internal/verify"
)

// memFS is a shared in-memory remote filesystem; fakeRemote instances
// returned by the test's Factory all read from the same memFS, the
// way every pool worker's connection reaches the same real server.
type memFS struct {
	dirs    map[string][]transport.Entry
	content map[string][]byte
}

type fakeRemote struct{ fs *memFS }

func (f *fakeRemote) Connect(ctx context.Context) error { return nil }
func (f *fakeRemote) Close() error                      { return nil }
func (f *fakeRemote) HasShell() bool                    { return false }

func (f *fakeRemote) List(ctx context.Context, dir string) ([]transport.Entry, error) {
	entries, ok := f.fs.dirs[dir]
	if !ok {
		return nil, core.ErrPathNotFound
	}
	return entries, nil
}

func (f *fakeRemote) Exec(ctx context.Context, cmd string) (*transport.ExecResult, error) {
	return nil, core.ErrNotSupported
}

func (f *fakeRemote) OpenRead(ctx context.Context, p string) (io.ReadCloser, error) {
	data, ok := f.fs.content[p]
	if !ok {
		return nil, core.ErrPathNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeRemote) Noop(ctx context.Context) error { return nil }

func (f *fakeRemote) Mtime(ctx context.Context, p string) (string, bool, error) {
	return "", false, nil
}

func (f *fakeRemote) Stat(ctx context.Context, p string) (uint64, string, error) {
	data, ok := f.fs.content[p]
	if !ok {
		return 0, "", core.ErrPathNotFound
	}
	return uint64(len(data)), "", nil
}

func newOrchestrator(t *testing.T, fs *memFS, localRoot string) *Orchestrator {
	t.Helper()
	st, err := store.Open(t.TempDir(), "testproj", store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	connect := func() transport.Transport { return &fakeRemote{fs: fs} }
	sc := scanner.New(scanner.Config{Reconnect: connect}, st, nil)
	ts := tarstream.New(tarstream.Config{}, nil)
	v := verify.New(verify.Config{})

	cfg := *config.DefaultConfig()
	cfg.Project = "testproj"
	cfg.LocalRoot = localRoot
	cfg.Remote.RemoteRoot = "/remote"
	cfg.Workers = 2
	cfg.StaggerDelayMillis = 1

	return New(cfg, connect, st, sc, ts, v, nil)
}

func TestOrchestrator_FirstRunDownloadsAllFiles(t *testing.T) {
	fs := &memFS{
		dirs: map[string][]transport.Entry{
			"/remote": {
				{Name: "a.txt", Kind: transport.KindFile, Size: 5, Mtime: "20260101000000"},
				{Name: "d", Kind: transport.KindDir},
			},
			"/remote/d": {
				{Name: "b.txt", Kind: transport.KindFile, Size: 3, Mtime: "20260101000000"},
			},
		},
		content: map[string][]byte{
			"/remote/a.txt": []byte("hello"),
			"/remote/d/b.txt": []byte("yes"),
		},
	}
	local := t.TempDir()
	o := newOrchestrator(t, fs, local)

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.FilesDownloaded)
	assert.Zero(t, report.FilesFailed)

	got, err := os.ReadFile(filepath.Join(local, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	got, err = os.ReadFile(filepath.Join(local, "d", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "yes", string(got))
}

func TestOrchestrator_SecondRunIsIdempotent(t *testing.T) {
	fs := &memFS{
		dirs: map[string][]transport.Entry{
			"/remote": {
				{Name: "a.txt", Kind: transport.KindFile, Size: 5, Mtime: "20260101000000"},
			},
		},
		content: map[string][]byte{"/remote/a.txt": []byte("hello")},
	}
	local := t.TempDir()
	o := newOrchestrator(t, fs, local)

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	report2, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report2.FilesDownloaded)
	assert.Zero(t, report2.BytesTransferred)
}

func TestOrchestrator_DeletesLocalFileRemovedRemotely(t *testing.T) {
	fs := &memFS{
		dirs: map[string][]transport.Entry{
			"/remote": {
				{Name: "a.txt", Kind: transport.KindFile, Size: 5, Mtime: "20260101000000"},
				{Name: "b.txt", Kind: transport.KindFile, Size: 3, Mtime: "20260101000000"},
			},
		},
		content: map[string][]byte{
			"/remote/a.txt": []byte("hello"),
			"/remote/b.txt": []byte("yes"),
		},
	}
	local := t.TempDir()
	o := newOrchestrator(t, fs, local)

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	delete(fs.dirs, "/remote")
	fs.dirs["/remote"] = []transport.Entry{
		{Name: "a.txt", Kind: transport.KindFile, Size: 5, Mtime: "20260101000000"},
	}
	delete(fs.content, "/remote/b.txt")

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.FilesDeleted)

	_, err = os.Stat(filepath.Join(local, "b.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(local, "a.txt"))
	assert.NoError(t, err)
}

func TestOrchestrator_EmptyRemoteProducesEmptyIndexAndExitsCleanly(t *testing.T) {
	fs := &memFS{dirs: map[string][]transport.Entry{"/remote": {}}, content: map[string][]byte{}}
	local := t.TempDir()
	o := newOrchestrator(t, fs, local)

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, nasync.StatusCompleted, report.Status)
	assert.Zero(t, report.FilesDownloaded)
}

func TestOrchestrator_PermanentDownloadFailureIsExcludedFromCommittedIndex(t *testing.T) {
	fs := &memFS{
		dirs: map[string][]transport.Entry{
			"/remote": {
				{Name: "a.txt", Kind: transport.KindFile, Size: 5, Mtime: "20260101000000"},
				{Name: "bad.txt", Kind: transport.KindFile, Size: 4, Mtime: "20260101000000"},
			},
		},
		content: map[string][]byte{
			"/remote/a.txt": []byte("hello"),
			// bad.txt is deliberately absent: OpenRead/Stat on it always
			// return core.ErrPathNotFound, exhausting the pool's retries.
		},
	}
	local := t.TempDir()
	o := newOrchestrator(t, fs, local)

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.FilesDownloaded)
	assert.Equal(t, int64(1), report.FilesFailed)
	assert.Equal(t, nasync.StatusCompletedWithErrors, report.Status)

	_, ok, err := o.store.Get("bad.txt")
	require.NoError(t, err)
	assert.False(t, ok, "a permanently failed download must not be committed to the index")

	_, ok, err = o.store.Get("a.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}

// blockingRemote never completes a read, simulating a server that
// accepts a connection but stops responding mid-transfer.
type blockingRemote struct{ fs *memFS }

func (f *blockingRemote) Connect(ctx context.Context) error { return nil }
func (f *blockingRemote) Close() error                      { return nil }
func (f *blockingRemote) HasShell() bool                    { return false }

func (f *blockingRemote) List(ctx context.Context, dir string) ([]transport.Entry, error) {
	entries, ok := f.fs.dirs[dir]
	if !ok {
		return nil, core.ErrPathNotFound
	}
	return entries, nil
}

func (f *blockingRemote) Exec(ctx context.Context, cmd string) (*transport.ExecResult, error) {
	return nil, core.ErrNotSupported
}

func (f *blockingRemote) OpenRead(ctx context.Context, p string) (io.ReadCloser, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *blockingRemote) Noop(ctx context.Context) error { return nil }

func (f *blockingRemote) Mtime(ctx context.Context, p string) (string, bool, error) {
	return "", false, nil
}

func (f *blockingRemote) Stat(ctx context.Context, p string) (uint64, string, error) {
	return 0, "", core.ErrNotSupported
}

func TestOrchestrator_StalledPoolReportsStatusPartial(t *testing.T) {
	fs := &memFS{
		dirs: map[string][]transport.Entry{
			"/remote": {
				{Name: "a.txt", Kind: transport.KindFile, Size: 5, Mtime: "20260101000000"},
			},
		},
	}
	local := t.TempDir()
	connect := func() transport.Transport { return &blockingRemote{fs: fs} }

	st, err := store.Open(t.TempDir(), "testproj", store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sc := scanner.New(scanner.Config{Reconnect: connect}, st, nil)
	ts := tarstream.New(tarstream.Config{}, nil)
	v := verify.New(verify.Config{})

	cfg := *config.DefaultConfig()
	cfg.Project = "testproj"
	cfg.LocalRoot = local
	cfg.Remote.RemoteRoot = "/remote"
	cfg.Workers = 1
	cfg.StaggerDelayMillis = 1
	cfg.StallTimeoutSeconds = 1

	o := New(cfg, connect, st, sc, ts, v, nil)

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, nasync.StatusPartial, report.Status)
}

func TestSafeLocalPath_RefusesEscapeOutsideRoot(t *testing.T) {
	_, ok := safeLocalPath("/data/mirror", "../../etc/passwd")
	assert.False(t, ok)

	p, ok := safeLocalPath("/data/mirror", "sub/file.txt")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join("/data/mirror", "sub", "file.txt"), p)
}

func TestExcludeIndex_MatchesDirAndSuffixPatterns(t *testing.T) {
	paths := []string{
		"a.log",
		".git/HEAD",
		"src/main.go",
		"node_modules/pkg/index.js",
		"cache/tmpfile",
	}
	kept := excludeIndex(paths, []string{"*.log", ".git/", "node_modules/"})
	assert.ElementsMatch(t, []string{"src/main.go", "cache/tmpfile"}, kept)
}
