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

// Package core holds the error taxonomy shared by every component, so
// the rest of the tree never does string-matching on error text
// except at the one documented boundary (transport connection-loss
// classification) that spec section 4.5 requires.
package core

import (
	"errors"
	"strings"
)

// Sentinel errors. Backends and components wrap the underlying
// library error with one of these via fmt.Errorf("...: %w", Err...)
// so callers can classify with errors.Is regardless of which
// transport produced the failure.
var (
	// ErrTransientTransport covers a dead socket/channel or a timed
	// out operation; the caller should retry or reconnect.
	ErrTransientTransport = errors.New("transient_transport")
	// ErrPathNotFound covers a "no such file" diagnostic from the
	// remote.
	ErrPathNotFound = errors.New("path_not_found")
	// ErrPermissionDenied covers the server rejecting an operation.
	ErrPermissionDenied = errors.New("permission_denied")
	// ErrProtocol covers a malformed or unexpected response.
	ErrProtocol = errors.New("protocol_error")
	// ErrNotSupported covers an operation the backend cannot perform
	// (e.g. Exec on the FTP backend).
	ErrNotSupported = errors.New("not_supported")

	ErrConnectionFailed = errors.New("connection_failed")
	ErrAuthFailed       = errors.New("authentication_failed")

	// ErrStalled is logged by the transfer pool when no completion has
	// been observed within the configured stall timeout; callers read
	// Pool.Stalled() after Run's channel closes rather than receiving
	// this value directly, since Run has no error return.
	ErrStalled = errors.New("stalled")
	// ErrScanPartial marks a scan that could not enumerate every
	// directory; the scan cache's last-full-scan timestamp must not
	// advance when this is returned.
	ErrScanPartial = errors.New("scan_partial")
)

// connectionLossPatterns are substrings of low-level library errors
// that indicate the underlying connection died rather than the
// operation being semantically rejected. This is the one place the
// core classifies errors by substring match (spec section 4.5 rule 7,
// DESIGN NOTES section 9): every transport backend is expected to
// wrap its own errors into the sentinels above at its boundary, but
// third-party client libraries (pkg/sftp, jlaffaye/ftp, golang.org/x/
// crypto/ssh) don't expose a typed "connection closed" error in every
// code path, so a last-resort substring check lives here, in exactly
// one function.
var connectionLossPatterns = []string{
	"broken pipe",
	"reset by peer",
	"socket closed",
	"timed out",
	"channel closed",
	"eof",
	"transport",
	"use of closed network connection",
	"connection reset",
}

// IsConnectionLoss reports whether err looks like the underlying
// connection died, based on a known set of substrings seen across the
// SFTP and FTP client libraries this module wraps.
func IsConnectionLoss(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pat := range connectionLossPatterns {
		if strings.Contains(msg, pat) {
			return true
		}
	}
	return false
}
