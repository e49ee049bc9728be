// Copyright 2025 Kadir Pekel
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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kadirpekel/tandem/pkg/observability"
	"github.com/kadirpekel/tandem/pkg/runner"
	"github.com/kadirpekel/tandem/pkg/server"
)

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Port  int  `help:"Port to listen on (overrides config)." default:"0"`
	Watch bool `help:"Watch the config file for changes."`
	Trace bool `help:"Enable span export to stdout."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, loader, err := loadConfig(cli)
	if err != nil {
		return configErr(err)
	}
	defer loader.Close()

	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.Watch {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch error", "error", err)
			}
		}()
	}

	if _, err := observability.InitGlobalTracer(ctx, observability.TracerConfig{Enabled: c.Trace}); err != nil {
		return runtimeErr(err)
	}

	rt, err := runner.BuildRuntime(cfg)
	if err != nil {
		return runtimeErr(err)
	}
	defer rt.Close()

	// Finalize runs interrupted by a previous crash before accepting
	// new ones.
	if _, err := rt.Coordinator.Recover(ctx); err != nil {
		return runtimeErr(err)
	}

	srv := server.New(server.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		DefaultSpec: defaultSpec(cfg),
	}, rt, observability.NewMetrics())

	httpSrv := &http.Server{Addr: srv.Addr(), Handler: srv.Handler()}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", srv.Addr())
		errCh <- httpSrv.ListenAndServe()
	}()

	fmt.Printf("tandem ready at http://%s\n", srv.Addr())
	fmt.Printf("  Health:  http://%s/healthz\n", srv.Addr())
	fmt.Printf("  Metrics: http://%s/metrics\n", srv.Addr())
	fmt.Println("Press Ctrl+C to stop")

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return runtimeErr(err)
		}
		return nil
	}
}
