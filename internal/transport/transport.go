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

// Package transport presents one capability interface over both FTP
// and SFTP, so the rest of the core (scanner, pool, tar streamer)
// never branches on protocol.
package transport

import (
	"context"
	"io"
)

// EntryKind classifies a remote directory entry.
type EntryKind int

const (
	KindFile EntryKind = iota
	KindDir
	KindLink
)

// Entry is one remote directory listing entry. List hides "." and
// ".." and skips links, so neither backend returns a KindLink entry;
// callers still skip KindLink entries if one is present.
type Entry struct {
	Name  string
	Kind  EntryKind
	Size  uint64
	Mtime string // canonical 14-digit string when derivable, else server-native
}

// ExecResult bundles the three standard streams and exit status of a
// remote shell command. Stdin is only valid until the caller closes
// it; closing stdin signals end-of-input to the remote command.
type ExecResult struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader
	Wait   func() (exitCode int, err error)
}

// Transport is the capability bundle both backends implement.
type Transport interface {
	// Connect establishes the underlying connection. Close tears it
	// down. Both are idempotent-safe to call once each.
	Connect(ctx context.Context) error
	Close() error

	// HasShell reports whether Exec is usable. True for SFTP (SSH
	// shell channel), false for FTP.
	HasShell() bool

	// List enumerates dir, hiding "." and ".." and skipping symlinks.
	// It must prefer the machine-readable listing (MLSD / SFTP
	// attributes) and fall back to parsing a human-readable listing.
	List(ctx context.Context, dir string) ([]Entry, error)

	// Exec runs cmd on the remote shell. Only valid when HasShell is
	// true; returns ErrNotSupported otherwise.
	Exec(ctx context.Context, cmd string) (*ExecResult, error)

	// OpenRead opens path for streaming read, with pipelined prefetch
	// when the protocol allows it.
	OpenRead(ctx context.Context, path string) (io.ReadCloser, error)

	// Noop is a cheap liveness probe of the control channel.
	Noop(ctx context.Context) error

	// Mtime returns the remote modify-time string for path, if the
	// backend can report one cheaply without a full Stat-equivalent.
	Mtime(ctx context.Context, path string) (string, bool, error)

	// Stat returns size and mtime for a single path. Used by the
	// integrity verifier's smart-rescan.
	Stat(ctx context.Context, path string) (size uint64, mtime string, err error)
}

// Factory builds a fresh, unconnected Transport. Pool workers and the
// scanner's reconnect path use a Factory rather than holding a single
// shared connection, since every worker and every scanner reconnect
// owns an independent connection (spec section 5, "Shared resources").
type Factory func() Transport
