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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nasmirror/nasync/internal/config"
	"github.com/nasmirror/nasync/internal/orchestrator"
	"github.com/nasmirror/nasync/internal/scanner"
	"github.com/nasmirror/nasync/internal/statusapi"
	"github.com/nasmirror/nasync/internal/store"
	"github.com/nasmirror/nasync/internal/tarstream"
	"github.com/nasmirror/nasync/internal/transport"
	"github.com/nasmirror/nasync/internal/transport/ftpt"
	"github.com/nasmirror/nasync/internal/transport/sftpt"
	"github.com/nasmirror/nasync/internal/verify"
)

func main() {
	fmt.Println("nasync - remote filesystem mirror")

	if len(os.Args) < 2 {
		printUsage()
		return
	}

	switch os.Args[1] {
	case "run":
		runCommand(os.Args[2:])
	default:
		fmt.Printf("Error: unknown command: %s\n", os.Args[1])
		printUsage()
	}
}

func runCommand(args []string) {
	if len(args) < 1 {
		fmt.Println("Error: Missing arguments.")
		fmt.Println("Usage: nasync run <config.toml> [--status-port <port>]")
		return
	}

	cfg, err := config.LoadTOML(args[0])
	if err != nil {
		fmt.Printf("Error: failed to load config: %v\n", err)
		os.Exit(1)
	}

	statusPort := 0
	for i := 1; i < len(args)-1; i++ {
		if args[i] == "--status-port" {
			if p, err := strconv.Atoi(args[i+1]); err == nil {
				statusPort = p
			}
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	st, err := store.Open(cfg.StateDir, cfg.Project, store.Options{})
	if err != nil {
		fmt.Printf("Error: failed to open state store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	connect := makeFactory(*cfg, logger)

	sc := scanner.New(scanner.Config{
		UseIncrementalScan:   cfg.UseIncrementalScan,
		IncrementalThreshold: cfg.IncrementalThreshold(),
		Reconnect:            connect,
	}, st, logger)

	ts := tarstream.New(tarstream.Config{}, logger)

	v := verify.New(verify.Config{
		UseHashVerification: cfg.UseHashVerification,
		HashAlgorithm:       cfg.HashAlgorithm,
		Logger:              logger,
	})

	orc := orchestrator.New(*cfg, connect, st, sc, ts, v, logger)

	if statusPort > 0 {
		srv := statusapi.New(st, cfg.Project, orc.Stats, logger)
		go func() {
			if err := srv.ListenAndServe(fmt.Sprintf("127.0.0.1:%d", statusPort)); err != nil {
				logger.Error("status server stopped", "error", err)
			}
		}()
	}

	startTime := time.Now()
	report, err := orc.Run(context.Background())
	elapsed := time.Since(startTime).Round(time.Second)

	if err != nil {
		fmt.Printf("\n>> Status: Run failed after %s: %v\n", elapsed, err)
		os.Exit(1)
	}

	fmt.Printf(">> Downloaded %s files (%s), deleted %d, failed %d, %d reconnections, in %s\n",
		humanize.Comma(report.FilesDownloaded),
		humanize.Bytes(uint64(report.BytesTransferred)),
		report.FilesDeleted, report.FilesFailed, report.Reconnections, elapsed)
	fmt.Printf(">> Status: %s (sync %s)\n", report.Status, report.SyncID)
}

func makeFactory(cfg config.Config, logger *slog.Logger) transport.Factory {
	switch cfg.Remote.Protocol {
	case "ftp":
		return func() transport.Transport {
			return ftpt.New(ftpt.Config{
				Host:     cfg.Remote.Host,
				Port:     cfg.Remote.Port,
				User:     cfg.Remote.User,
				Password: cfg.Remote.Password,
				Logger:   logger,
			})
		}
	default:
		return func() transport.Transport {
			return sftpt.New(sftpt.Config{
				Host:     cfg.Remote.Host,
				Port:     cfg.Remote.Port,
				User:     cfg.Remote.User,
				Password: cfg.Remote.Password,
				Logger:   logger,
			})
		}
	}
}

func printUsage() {
	fmt.Println(`
Usage: nasync [command] [args]

Commands:
  run <config.toml> [--status-port <port>]   Run one mirroring pass
`)
}
