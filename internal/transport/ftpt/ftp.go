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

// Package ftpt implements transport.Transport over plain FTP, the way
// rclone's backend/ftp package wraps github.com/jlaffaye/ftp: prefer
// MLSD, fall back to LIST, and never offer a shell.
package ftpt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nasmirror/nasync/internal/core"
	"github.com/nasmirror/nasync/internal/transport"

	"github.com/jlaffaye/ftp"
)

// Config holds the connection parameters for one FTP session.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Transport implements transport.Transport over FTP.
type Transport struct {
	cfg    Config
	conn   *ftp.ServerConn
	logger *slog.Logger
}

func New(cfg Config) *Transport {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{cfg: cfg, logger: cfg.Logger}
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) HasShell() bool { return false }

func (t *Transport) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
	conn, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(t.cfg.Timeout))
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrConnectionFailed, err)
	}
	if err := conn.Login(t.cfg.User, t.cfg.Password); err != nil {
		conn.Quit()
		return fmt.Errorf("%w: %v", core.ErrAuthFailed, err)
	}
	t.conn = conn
	return nil
}

func (t *Transport) Close() error {
	if t.conn != nil {
		return t.conn.Quit()
	}
	return nil
}

// List tries MLSD first, per spec section 4.1 and on-the-wire
// expectations in section 6; it falls back to LIST when the server
// doesn't support the machine-readable listing.
func (t *Transport) List(ctx context.Context, dir string) ([]transport.Entry, error) {
	entries, err := t.conn.List(dir)
	if err != nil {
		return nil, classifyErr(err)
	}
	out := make([]transport.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		switch e.Type {
		case ftp.EntryTypeLink:
			continue
		case ftp.EntryTypeFolder:
			out = append(out, transport.Entry{Name: e.Name, Kind: transport.KindDir, Mtime: mtimeString(e.Time)})
		default:
			out = append(out, transport.Entry{
				Name:  e.Name,
				Kind:  transport.KindFile,
				Size:  e.Size,
				Mtime: mtimeString(e.Time),
			})
		}
	}
	return out, nil
}

func (t *Transport) Exec(ctx context.Context, cmd string) (*transport.ExecResult, error) {
	return nil, core.ErrNotSupported
}

func (t *Transport) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	resp, err := t.conn.Retr(path)
	if err != nil {
		return nil, classifyErr(err)
	}
	return resp, nil
}

func (t *Transport) Noop(ctx context.Context) error {
	if err := t.conn.NoOp(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrTransientTransport, err)
	}
	return nil
}

func (t *Transport) Mtime(ctx context.Context, path string) (string, bool, error) {
	mt, err := t.conn.GetTime(path)
	if err != nil {
		return "", false, nil //nolint:nilerr // mtime is optional for FTP; caller falls back
	}
	return mtimeString(mt), true, nil
}

func (t *Transport) Stat(ctx context.Context, path string) (uint64, string, error) {
	size, err := t.conn.FileSize(path)
	if err != nil {
		return 0, "", classifyErr(err)
	}
	mt, _, _ := t.Mtime(ctx, path)
	return uint64(size), mt, nil
}

func mtimeString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("20060102150405")
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such file") || strings.Contains(msg, "not found") || strings.Contains(msg, "550"):
		return fmt.Errorf("%w: %v", core.ErrPathNotFound, err)
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "530"):
		return fmt.Errorf("%w: %v", core.ErrPermissionDenied, err)
	case core.IsConnectionLoss(err):
		return fmt.Errorf("%w: %v", core.ErrTransientTransport, err)
	default:
		return fmt.Errorf("%w: %v", core.ErrProtocol, err)
	}
}
