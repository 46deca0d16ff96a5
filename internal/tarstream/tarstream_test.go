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
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasmirror/nasync/internal/core"
	"github.com/nasmirror/nasync/internal/transport"
)

// buildTar writes a tar archive with the given name->content entries,
// standing in for what a server-side `tar c` would emit.
func buildTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{Name: "./" + name, Mode: 0o644, Size: int64(len(content))}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// fakeShellTransport answers Exec with a pre-baked tar stream,
// ignoring the actual command, so extract-side logic can be tested
// without spawning a real tar process.
type fakeShellTransport struct {
	tarBytes []byte
	stderr   string
	exitCode int
}

func (f *fakeShellTransport) Connect(ctx context.Context) error { return nil }
func (f *fakeShellTransport) Close() error                      { return nil }
func (f *fakeShellTransport) HasShell() bool                    { return true }
func (f *fakeShellTransport) List(ctx context.Context, dir string) ([]transport.Entry, error) {
	return nil, core.ErrNotSupported
}

func (f *fakeShellTransport) Exec(ctx context.Context, cmd string) (*transport.ExecResult, error) {
	stdinBuf := &bytes.Buffer{}
	return &transport.ExecResult{
		Stdin:  nopWriteCloser{stdinBuf},
		Stdout: bytes.NewReader(f.tarBytes),
		Stderr: bytes.NewReader([]byte(f.stderr)),
		Wait:   func() (int, error) { return f.exitCode, nil },
	}, nil
}

func (f *fakeShellTransport) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	return nil, core.ErrNotSupported
}
func (f *fakeShellTransport) Noop(ctx context.Context) error { return nil }
func (f *fakeShellTransport) Mtime(ctx context.Context, path string) (string, bool, error) {
	return "", false, nil
}
func (f *fakeShellTransport) Stat(ctx context.Context, path string) (uint64, string, error) {
	return 0, "", core.ErrNotSupported
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func TestDownloadFullTree_ExtractsAllRegularFiles(t *testing.T) {
	tarBytes := buildTar(t, map[string]string{
		"a.txt":     "hello",
		"sub/b.txt": "world",
	})
	ft := &fakeShellTransport{tarBytes: tarBytes}
	localRoot := t.TempDir()

	s := New(Config{}, nil)
	res, err := s.DownloadFullTree(context.Background(), ft, "/remote/root", localRoot, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.FilesExtracted)

	content, err := os.ReadFile(filepath.Join(localRoot, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(content))
}

func TestAvailable_RequiresShellAndTarBinary(t *testing.T) {
	ft := &fakeShellTransport{tarBytes: nil, exitCode: 0}
	// Exec always returns the tarBytes as stdout; here that's empty,
	// which for the "command -v tar" probe should read as unavailable.
	s := New(Config{}, nil)
	assert.False(t, s.Available(context.Background(), ft))
}

func TestShouldUseFullTree(t *testing.T) {
	s := New(Config{}, nil)
	assert.True(t, s.ShouldUseFullTree(85, 100))
	assert.False(t, s.ShouldUseFullTree(10, 100))
	assert.False(t, s.ShouldUseFullTree(5, 0))
}

func TestBatchBySize_SplitsOnBudget(t *testing.T) {
	paths := []string{"aaaaaaaaaa", "bbbbbbbbbb", "cccccccccc"}
	batches := batchBySize(paths, 20)
	require.Len(t, batches, 3)
	for _, b := range batches {
		assert.Len(t, b, 1)
	}

	batches = batchBySize(paths, 1000)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 3)
}

func TestNormalizeMemberName(t *testing.T) {
	assert.Equal(t, "a/b", normalizeMemberName("./a/b"))
	assert.Equal(t, "a/b", normalizeMemberName("/a/b"))
	assert.Equal(t, "a/b", normalizeMemberName("a/b"))
}

func TestVerifyExtraction_DetectsMissingAndWrongSize(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ok.txt"), []byte("12345"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong.txt"), []byte("12"), 0o644))

	failed := VerifyExtraction(dir, map[string]uint64{
		"ok.txt":      5,
		"wrong.txt":   5,
		"missing.txt": 5,
	})
	assert.ElementsMatch(t, []string{"wrong.txt", "missing.txt"}, failed)
}

func TestLogStderr_ClassifiesBenignVsWarning(t *testing.T) {
	s := New(Config{}, nil)
	// Just exercises the code path without crashing; benign classification
	// routes through slog.Debug vs slog.Warn, which isn't separately
	// observable here without a custom handler, so this is a smoke test.
	s.logStderr([]byte("tar: Removing leading `/' from member names\ntar: some other warning\n"))
}
