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

package team

import "fmt"

// State is a phase of the per-run delegation lifecycle.
type State string

const (
	StateInit         State = "init"
	StatePlanning     State = "planning"
	StateDelegating   State = "delegating"
	StateCollecting   State = "collecting"
	StateSynthesizing State = "synthesizing"
	StateDone         State = "done"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// Terminal reports whether the state ends the run.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateCancelled:
		return true
	}
	return false
}

var transitions = map[State][]State{
	StateInit:         {StatePlanning},
	StatePlanning:     {StateDelegating, StateDone},
	StateDelegating:   {StateCollecting},
	StateCollecting:   {StateDelegating, StateSynthesizing, StateDone},
	StateSynthesizing: {StateDone},
}

// machine validates delegation state transitions. Failed and Cancelled
// are reachable from any non-terminal state.
type machine struct {
	state State
}

func newMachine() *machine {
	return &machine{state: StateInit}
}

func (m *machine) current() State {
	return m.state
}

func (m *machine) to(next State) error {
	if m.state.Terminal() {
		return fmt.Errorf("invalid transition: %s is terminal", m.state)
	}
	if next == StateFailed || next == StateCancelled {
		m.state = next
		return nil
	}
	for _, allowed := range transitions[m.state] {
		if next == allowed {
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s -> %s", m.state, next)
}
