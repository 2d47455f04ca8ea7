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

// fluxworker runs workflow executions against a fluxd server. Production
// deployments build their own worker binary embedding their compiled
// workflows; this one ships the example workflows for trying Flux out.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/flux/internal/config"
	"github.com/tombee/flux/internal/examples"
	"github.com/tombee/flux/internal/log"
	"github.com/tombee/flux/internal/output"
	"github.com/tombee/flux/internal/worker"
	"github.com/tombee/flux/pkg/flux"
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
		serverURL   string
		sessionName string
		maxActive   int
	)

	root := &cobra.Command{
		Use:     "fluxworker",
		Short:   "Flux worker serving the example workflows",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("server-url") {
				cfg.Worker.ServerURL = serverURL
			}
			if cmd.Flags().Changed("session-name") {
				cfg.Worker.SessionName = sessionName
			}
			if cmd.Flags().Changed("max-concurrent") {
				cfg.Worker.MaxConcurrentExecutions = maxActive
			}

			logger := log.New(&log.Config{
				Level:  cfg.Log.Level,
				Format: log.Format(cfg.Log.Format),
				Output: os.Stderr,
			})

			registry := flux.NewRegistry()
			if err := examples.RegisterAll(registry); err != nil {
				return err
			}

			var outputs flux.OutputStore
			if dir := cfg.Storage.LocalStoragePath; dir != "" {
				if outputs, err = output.NewFileStore(dir); err != nil {
					return err
				}
			}

			w, err := worker.New(worker.Options{
				Config:    cfg.Worker,
				Workflows: registry,
				Outputs:   outputs,
				Logger:    logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return w.Run(ctx)
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	root.Flags().StringVar(&serverURL, "server-url", "http://127.0.0.1:8484", "fluxd base URL")
	root.Flags().StringVar(&sessionName, "session-name", "", "Worker session name")
	root.Flags().IntVar(&maxActive, "max-concurrent", 4, "Maximum concurrent executions")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
