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
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/kadirpekel/tandem/pkg/event"
	"github.com/kadirpekel/tandem/pkg/runner"
)

// ChatCmd runs an interactive REPL: one line of input per run, events
// streamed to the terminal as they arrive.
type ChatCmd struct {
	Spec    string `help:"Agent or team to chat with (default: first team, then first agent)."`
	User    string `help:"User identity for the session." default:"local"`
	Session string `help:"Session to resume (default: a fresh one)."`
	Verbose bool   `short:"v" help:"Show delegation and tool activity."`
}

var exitTokens = map[string]bool{"exit": true, "quit": true, "bye": true}

func (c *ChatCmd) Run(cli *CLI) error {
	cfg, loader, err := loadConfig(cli)
	if err != nil {
		return configErr(err)
	}
	defer loader.Close()

	spec := c.Spec
	if spec == "" {
		spec = defaultSpec(cfg)
	}
	if spec == "" {
		return configErr(fmt.Errorf("no agents or teams configured"))
	}

	rt, err := runner.BuildRuntime(cfg)
	if err != nil {
		return runtimeErr(err)
	}
	defer rt.Close()

	if _, err := rt.Coordinator.Recover(context.Background()); err != nil {
		return runtimeErr(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupted := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		close(interrupted)
		cancel()
	}()

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		fmt.Printf("Chatting with %s. Type 'exit' to leave.\n", spec)
	}

	sessionID := c.Session
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		if interactive {
			fmt.Print("> ")
		}
		if !scanner.Scan() {
			select {
			case <-interrupted:
				fmt.Println()
				return interruptErr()
			default:
			}
			if err := scanner.Err(); err != nil {
				return runtimeErr(err)
			}
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if exitTokens[strings.ToLower(line)] {
			return nil
		}

		handle, err := rt.Coordinator.Start(ctx, c.User, sessionID, line, spec)
		if err != nil {
			fmt.Fprintf(os.Stderr, "tandem: %v\n", err)
			continue
		}
		sessionID = handle.SessionID

		if err := c.streamRun(handle, interrupted); err != nil {
			return err
		}
	}
}

// streamRun renders one run's event stream to the terminal.
func (c *ChatCmd) streamRun(handle *runner.Handle, interrupted <-chan struct{}) error {
	for {
		select {
		case <-interrupted:
			handle.Cancel()
			for range handle.Events {
			}
			fmt.Println()
			return interruptErr()

		case e, open := <-handle.Events:
			if !open {
				fmt.Println()
				return nil
			}
			c.render(e)
		}
	}
}

func (c *ChatCmd) render(e *event.Event) {
	switch e.Kind {
	case event.KindContentDelta:
		if p, ok := e.Payload.(*event.ContentDelta); ok {
			fmt.Print(p.Text)
		}
	case event.KindRunFailed:
		if p, ok := e.Payload.(*event.RunFailed); ok {
			fmt.Fprintf(os.Stderr, "\n[run failed: %s] %s\n", p.ErrorKind, p.Message)
		}
	case event.KindRunCancelled:
		fmt.Fprintln(os.Stderr, "\n[run cancelled]")
	case event.KindError:
		if p, ok := e.Payload.(*event.Error); ok {
			fmt.Fprintf(os.Stderr, "\n[%s] %s\n", p.ErrorKind, p.Message)
		}
	}

	if !c.Verbose {
		return
	}
	switch e.Kind {
	case event.KindToolCallStarted:
		if p, ok := e.Payload.(*event.ToolCallStarted); ok {
			fmt.Fprintf(os.Stderr, "[tool %s]\n", p.ToolName)
		}
	case event.KindMemberDelegation:
		if p, ok := e.Payload.(*event.MemberDelegation); ok {
			fmt.Fprintf(os.Stderr, "[delegate %s -> %s] %s\n", p.From, p.To, p.Task)
		}
	case event.KindMemberCompleted:
		if p, ok := e.Payload.(*event.MemberCompleted); ok {
			fmt.Fprintf(os.Stderr, "[member %s %s]\n", p.MemberID, p.Status)
		}
	case event.KindReasoningStep:
		if p, ok := e.Payload.(*event.ReasoningStep); ok {
			fmt.Fprintf(os.Stderr, "[phase %s]\n", p.Title)
		}
	}
}
