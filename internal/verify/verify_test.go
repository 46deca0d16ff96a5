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

package verify

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasmirror/nasync"
	"github.com/nasmirror/nasync/internal/core"
	"github.com/nasmirror/nasync/internal/transport"
)

func writeTempFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestVerify_ChecksumMatch(t *testing.T) {
	path := writeTempFile(t, "hello world")
	sum := sha256.Sum256([]byte("hello world"))
	expected := &nasync.Checksum{Algo: "sha256", Digest: fmt.Sprintf("%x", sum)}

	v := New(Config{})
	res, err := v.Verify(context.Background(), nil, path, 11, expected, "")
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestVerify_ChecksumMismatch(t *testing.T) {
	path := writeTempFile(t, "hello world")
	expected := &nasync.Checksum{Algo: "sha256", Digest: "deadbeef"}

	v := New(Config{})
	res, err := v.Verify(context.Background(), nil, path, 11, expected, "")
	require.NoError(t, err)
	assert.False(t, res.OK)
}

func TestVerify_SizeWithinTolerance(t *testing.T) {
	path := writeTempFile(t, strings.Repeat("x", 1000))

	v := New(Config{})
	res, err := v.Verify(context.Background(), nil, path, 1005, nil, "")
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestVerify_SizeMismatchWithoutTransportFails(t *testing.T) {
	path := writeTempFile(t, strings.Repeat("x", 1000))

	v := New(Config{})
	res, err := v.Verify(context.Background(), nil, path, 2000, nil, "")
	require.NoError(t, err)
	assert.False(t, res.OK)
}

// statOnlyTransport answers only Stat and HasShell, enough to exercise
// the smart-rescan path of verifySizeTolerance.
type statOnlyTransport struct {
	size uint64
}

func (s *statOnlyTransport) Connect(ctx context.Context) error { return nil }
func (s *statOnlyTransport) Close() error                      { return nil }
func (s *statOnlyTransport) HasShell() bool                    { return false }
func (s *statOnlyTransport) List(ctx context.Context, dir string) ([]transport.Entry, error) {
	return nil, core.ErrNotSupported
}
func (s *statOnlyTransport) Exec(ctx context.Context, cmd string) (*transport.ExecResult, error) {
	return nil, core.ErrNotSupported
}
func (s *statOnlyTransport) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	return nil, core.ErrNotSupported
}
func (s *statOnlyTransport) Noop(ctx context.Context) error { return nil }
func (s *statOnlyTransport) Mtime(ctx context.Context, path string) (string, bool, error) {
	return "", false, nil
}
func (s *statOnlyTransport) Stat(ctx context.Context, path string) (uint64, string, error) {
	return s.size, "20260101000000", nil
}

func TestVerify_SmartRescanDetectsChangeInFlight(t *testing.T) {
	path := writeTempFile(t, strings.Repeat("x", 1000))
	tr := &statOnlyTransport{size: 1000}

	v := New(Config{})
	res, err := v.Verify(context.Background(), tr, path, 2000, nil, "remote/path")
	require.NoError(t, err)
	require.True(t, res.OK)
	require.NotNil(t, res.CorrectedSize)
	assert.Equal(t, uint64(1000), *res.CorrectedSize)
}

func TestVerify_SmartRescanConfirmsRealMismatch(t *testing.T) {
	path := writeTempFile(t, strings.Repeat("x", 1000))
	tr := &statOnlyTransport{size: 2000} // remote still reports the expected size

	v := New(Config{})
	res, err := v.Verify(context.Background(), tr, path, 2000, nil, "remote/path")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Nil(t, res.CorrectedSize)
}

func TestSizeTolerance(t *testing.T) {
	assert.Equal(t, uint64(10), SizeTolerance(100))
	assert.Equal(t, uint64(10), SizeTolerance(5000))
	assert.Equal(t, uint64(100), SizeTolerance(100000))
}
