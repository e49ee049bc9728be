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

// Command tandem runs the multi-agent runtime.
//
// Usage:
//
//	tandem serve --config config.yaml
//	tandem chat --config config.yaml --spec research_team
//	tandem validate --config config.yaml
package main

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sort"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/tandem/pkg/config"
	"github.com/kadirpekel/tandem/pkg/logger"
)

// Exit codes: 0 clean, 1 configuration error, 2 runtime error,
// 130 interrupted.
const (
	exitOK        = 0
	exitConfig    = 1
	exitRuntime   = 2
	exitInterrupt = 130
)

// exitError carries a process exit code through kong's Run chain.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func configErr(err error) error  { return &exitError{code: exitConfig, err: err} }
func runtimeErr(err error) error { return &exitError{code: exitRuntime, err: err} }
func interruptErr() error        { return &exitError{code: exitInterrupt} }

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP server."`
	Chat     ChatCmd     `cmd:"" help:"Chat with an agent or team from the terminal."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config   string `short:"c" help:"Path to config file." type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile  string `help:"Log file path (empty = stderr)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("tandem version %s\n", version)
	return nil
}

// ValidateCmd parses and validates a configuration file.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return configErr(fmt.Errorf("--config is required"))
	}
	cfg, err := config.LoadFile(cli.Config)
	if err != nil {
		return configErr(err)
	}
	fmt.Printf("%s: OK (%d agents, %d teams)\n", cli.Config, len(cfg.Agents), len(cfg.Teams))
	return nil
}

// loadConfig loads and validates the config named by --config.
func loadConfig(cli *CLI) (*config.Config, *config.Loader, error) {
	if cli.Config == "" {
		return nil, nil, fmt.Errorf("--config is required")
	}
	_ = config.LoadEnvFiles()
	loader, err := config.NewLoader(cli.Config)
	if err != nil {
		return nil, nil, err
	}
	return loader.Current(), loader, nil
}

// defaultSpec picks the spec a run targets when none is named: the
// first team in name order, the first agent otherwise.
func defaultSpec(cfg *config.Config) string {
	if len(cfg.Teams) > 0 {
		ids := make([]string, 0, len(cfg.Teams))
		for id := range cfg.Teams {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return ids[0]
	}
	ids := make([]string, 0, len(cfg.Agents))
	for id := range cfg.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("tandem"),
		kong.Description("tandem - multi-agent conversational runtime"),
		kong.UsageOnError(),
	)

	level, _ := logger.ParseLevel(cli.LogLevel)
	output := os.Stderr
	if cli.LogFile != "" {
		f, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(exitConfig)
		}
		defer cleanup()
		output = f
	}
	logger.Init(level, output, "simple")

	err := ctx.Run(&cli)
	if err == nil {
		return
	}
	var xe *exitError
	if errors.As(err, &xe) {
		if xe.err != nil {
			fmt.Fprintf(os.Stderr, "tandem: %v\n", xe.err)
		}
		os.Exit(xe.code)
	}
	fmt.Fprintf(os.Stderr, "tandem: %v\n", err)
	os.Exit(exitRuntime)
}
