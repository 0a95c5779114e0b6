// Copyright 2019 The Arena Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"fmt"
	"sort"
)

// State is an opaque environment game state. Environments own its concrete
// type; the match server only threads it through.
type State interface{}

// StepResult is the outcome of applying one action to an environment state.
type StepResult struct {
	State        State
	Observations map[int]map[string]interface{}
	Rewards      map[int]float64
	Terminal     bool
	Winners      []int
}

// Environment is the contract between an environment implementation and the
// matchmaker and match server. Implementations must be pure with respect to
// state transitions: no I/O, so the match server can drive ticks
// deterministically given the action stream.
//
// The empty action string is the universal no-op. It is substituted by the
// match server for disconnected or late players and every environment must
// accept it.
type Environment interface {
	// Name is the class name published to clients in the server state record.
	Name() string
	// MinPlayers is the number of seats required to start a match.
	MinPlayers() int
	// ObservationNames lists the observation dimensions in the player record.
	ObservationNames() []string
	// NewState creates a fresh state from the configured environment string.
	NewState(config string) (State, error)
	// NextPlayer selects the seat whose turn it is in the given state.
	NextPlayer(state State) int
	// Observe renders one seat's view of the state.
	Observe(state State, seat int) map[string]interface{}
	// Step applies one seat's action and returns the transition.
	Step(state State, seat int, action string) (StepResult, error)
	// SerializeState encodes the full state for clients, when enabled.
	SerializeState(state State) []byte
}

var environmentRegistry = map[string]func() Environment{
	"test":      func() Environment { return &TestEnvironment{} },
	"tictactoe": func() Environment { return &TicTacToeEnvironment{} },
}

// LookupEnvironment resolves an environment by registry name.
func LookupEnvironment(name string) (Environment, error) {
	factory, ok := environmentRegistry[name]
	if !ok {
		return nil, fmt.Errorf("no environment named %q, available environments: %v", name, AvailableEnvironments())
	}
	return factory(), nil
}

// AvailableEnvironments lists registered environment names, sorted.
func AvailableEnvironments() []string {
	names := make([]string, 0, len(environmentRegistry))
	for name := range environmentRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
