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

// Package sftpt implements transport.Transport over SSH + SFTP,
// generalizing the session lifecycle of the original FileRipper
// network.SftpSession into the shared capability interface.
package sftpt

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/nasmirror/nasync/internal/core"
	"github.com/nasmirror/nasync/internal/transport"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// KeepaliveInterval is how often a background goroutine pings the SSH
// transport layer to keep NAT/firewall state alive on long downloads.
const KeepaliveInterval = 30 * time.Second

// PrefetchBlockSize is the pipelined-read chunk size for OpenRead,
// per spec section 6 "pipelined reads with 256 KiB blocks".
const PrefetchBlockSize = 256 * 1024

// Config holds the connection parameters for one SFTP session.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Transport implements transport.Transport over SFTP.
type Transport struct {
	cfg        Config
	sshClient  *ssh.Client
	sftpClient *sftp.Client
	logger     *slog.Logger
	stopKeepalive chan struct{}
}

// New builds an unconnected SFTP transport.
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

func (t *Transport) HasShell() bool { return true }

// Connect opens the SSH tunnel and the SFTP subsystem on top of it.
func (t *Transport) Connect(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)

	hostKeyCallback := func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		h := sha256.Sum256(key.Marshal())
		fp := base64.StdEncoding.EncodeToString(h[:])
		t.logger.Debug("sftp host key", "hostname", hostname, "fingerprint", fp)
		return nil
	}

	config := &ssh.ClientConfig{
		User:            t.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(t.cfg.Password)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         t.cfg.Timeout,
	}

	dialer := net.Dialer{Timeout: t.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrConnectionFailed, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrAuthFailed, err)
	}
	t.sshClient = ssh.NewClient(c, chans, reqs)

	client, err := sftp.NewClient(t.sshClient, sftp.UseConcurrentReads(true))
	if err != nil {
		t.sshClient.Close()
		return fmt.Errorf("%w: %v", core.ErrConnectionFailed, err)
	}
	t.sftpClient = client

	t.stopKeepalive = make(chan struct{})
	go t.keepaliveLoop()

	return nil
}

func (t *Transport) keepaliveLoop() {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopKeepalive:
			return
		case <-ticker.C:
			if t.sshClient != nil {
				_, _, _ = t.sshClient.SendRequest("keepalive@nasync", true, nil)
			}
		}
	}
}

func (t *Transport) Close() error {
	if t.stopKeepalive != nil {
		close(t.stopKeepalive)
	}
	if t.sftpClient != nil {
		t.sftpClient.Close()
	}
	if t.sshClient != nil {
		t.sshClient.Close()
	}
	return nil
}

func (t *Transport) List(ctx context.Context, dir string) ([]transport.Entry, error) {
	infos, err := t.sftpClient.ReadDir(dir)
	if err != nil {
		return nil, classifyErr(err)
	}
	out := make([]transport.Entry, 0, len(infos))
	for _, fi := range infos {
		name := fi.Name()
		if name == "." || name == ".." {
			continue
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			continue
		}
		kind := transport.KindFile
		if fi.IsDir() {
			kind = transport.KindDir
		}
		out = append(out, transport.Entry{
			Name:  name,
			Kind:  kind,
			Size:  uint64(fi.Size()),
			Mtime: nasyncMtime(fi.ModTime()),
		})
	}
	return out, nil
}

func (t *Transport) Exec(ctx context.Context, cmd string) (*transport.ExecResult, error) {
	session, err := t.sshClient.NewSession()
	if err != nil {
		return nil, classifyErr(err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, classifyErr(err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, classifyErr(err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, classifyErr(err)
	}

	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, classifyErr(err)
	}

	return &transport.ExecResult{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		Wait: func() (int, error) {
			defer session.Close()
			err := session.Wait()
			if err == nil {
				return 0, nil
			}
			if exitErr, ok := err.(*ssh.ExitError); ok {
				return exitErr.ExitStatus(), nil
			}
			return -1, classifyErr(err)
		},
	}, nil
}

func (t *Transport) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	f, err := t.sftpClient.Open(path)
	if err != nil {
		return nil, classifyErr(err)
	}
	// Pipelined prefetch: pkg/sftp supports read-ahead when the
	// caller issues sequential reads with a generous buffer.
	f.SetReadAhead(PrefetchBlockSize)
	return f, nil
}

func (t *Transport) Noop(ctx context.Context) error {
	if t.sshClient == nil {
		return core.ErrTransientTransport
	}
	_, _, err := t.sshClient.SendRequest("keepalive@nasync", true, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrTransientTransport, err)
	}
	return nil
}

func (t *Transport) Mtime(ctx context.Context, path string) (string, bool, error) {
	fi, err := t.sftpClient.Stat(path)
	if err != nil {
		return "", false, classifyErr(err)
	}
	return nasyncMtime(fi.ModTime()), true, nil
}

func (t *Transport) Stat(ctx context.Context, path string) (uint64, string, error) {
	fi, err := t.sftpClient.Stat(path)
	if err != nil {
		return 0, "", classifyErr(err)
	}
	return uint64(fi.Size()), nasyncMtime(fi.ModTime()), nil
}

func nasyncMtime(t time.Time) string {
	return t.UTC().Format("20060102150405")
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if err == io.EOF {
		return fmt.Errorf("%w: %v", core.ErrTransientTransport, err)
	}
	if os.IsNotExist(err) || strings.Contains(err.Error(), "no such file") {
		return fmt.Errorf("%w: %v", core.ErrPathNotFound, err)
	}
	if status, ok := err.(*sftp.StatusError); ok {
		switch status.Code() {
		case 2: // SSH_FX_NO_SUCH_FILE
			return fmt.Errorf("%w: %v", core.ErrPathNotFound, err)
		case 3: // SSH_FX_PERMISSION_DENIED
			return fmt.Errorf("%w: %v", core.ErrPermissionDenied, err)
		}
	}
	if core.IsConnectionLoss(err) {
		return fmt.Errorf("%w: %v", core.ErrTransientTransport, err)
	}
	return fmt.Errorf("%w: %v", core.ErrProtocol, err)
}
