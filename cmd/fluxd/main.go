// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// fluxd is the Flux control plane daemon.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/flux/internal/config"
	"github.com/tombee/flux/internal/log"
	"github.com/tombee/flux/internal/server"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  string
		host        string
		port        int
		databaseURL string
	)

	root := &cobra.Command{
		Use:     "fluxd",
		Short:   "Flux workflow orchestration server",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("database-url") {
				cfg.Server.DatabaseURL = databaseURL
			}

			logger := log.New(&log.Config{
				Level:  cfg.Log.Level,
				Format: log.Format(cfg.Log.Format),
				Output: os.Stderr,
			})

			srv, err := server.New(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	root.Flags().StringVar(&host, "host", "127.0.0.1", "Bind address")
	root.Flags().IntVar(&port, "port", 8484, "Listen port")
	root.Flags().StringVar(&databaseURL, "database-url", "", "Storage backend: \"memory\" or a SQLite path")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
