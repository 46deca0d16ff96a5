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

// Package pool is the parallel Transfer Pool (spec section 4.5): a
// fixed worker set drains a priority queue of download tasks, each
// worker owning its own transport connection end to end.
package pool

import "time"

// MaxSFTPWorkers caps the worker count for SFTP, since each worker
// owns a full SSH session and those are comparatively heavy.
const MaxSFTPWorkers = 5

// Task is one file the pool must fetch.
type Task struct {
	RelPath    string
	RemotePath string
	LocalPath  string
	Size       uint64
	Priority   int
	RetryCount int

	seq   int64
	index int
}

// Candidate is the input to BuildQueue: a relative path and its
// remote size, independent of the store package so pool has no
// dependency on it.
type Candidate struct {
	RelPath string
	Size    uint64
}

// Config configures one pool Run.
type Config struct {
	Workers               int
	MaxRetries            int
	VerifyIntegrity       bool
	UseHashVerification   bool
	HashAlgorithm         string
	HealthCheckInterval   int // dequeues between Noop probes
	StallTimeout          time.Duration
	StaggerDelay          time.Duration
	SmallFileThreshold    uint64
	ConsecutiveFailLimit  int
	ReconnectCooldown     time.Duration
}

// DefaultConfig returns the defaults named in spec section 4.5.
func DefaultConfig(hasShell bool) Config {
	workers := 10
	stagger := 100 * time.Millisecond
	if hasShell {
		workers = MaxSFTPWorkers
		stagger = 500 * time.Millisecond
	}
	return Config{
		Workers:              workers,
		MaxRetries:            3,
		HealthCheckInterval:  50,
		StallTimeout:         300 * time.Second,
		StaggerDelay:         stagger,
		SmallFileThreshold:   1 << 20,
		HashAlgorithm:        "sha256",
		ConsecutiveFailLimit: 5,
		ReconnectCooldown:    2 * time.Second,
	}
}

// Stats is a snapshot of pool progress, returned on demand by
// Pool.Stats in place of the teacher's process-wide monitor
// singleton. Pool.Stats fills in the counters and WorkersActive;
// FilesPerSecond, MiBPerSecond and ETA are not computed and stay zero.
type Stats struct {
	Completed      int64
	Failed         int64
	BytesTransferred int64
	WorkersActive  int
	FilesPerSecond float64
	MiBPerSecond   float64
	ETA            time.Duration
	Reconnections  int64
}

// Result is emitted by a worker for every task it finishes, success
// or failure, for the orchestrator's checkpointing and error logging.
type Result struct {
	Task          Task
	OK            bool
	Err           error
	CorrectedSize *uint64
}
