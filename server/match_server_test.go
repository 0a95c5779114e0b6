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
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type connectResult struct {
	env *ClientEnv
	obs map[string]interface{}
	err error
}

func startTestMatch(t *testing.T, config *Config, port int, whitelist []string) <-chan error {
	server := NewMatchServer(newTestLogger(), config, &TestEnvironment{}, port, whitelist)
	t.Cleanup(server.Stop)

	ready := make(chan error, 1)
	done := make(chan error, 1)
	go func() {
		done <- server.Run(ready)
	}()
	require.NoError(t, <-ready)
	return done
}

func connectAsync(port int, name, token string) <-chan connectResult {
	out := make(chan connectResult, 1)
	go func() {
		env, obs, err := ConnectClientEnv(newTestLogger(), "localhost", port, name, token)
		out <- connectResult{env: env, obs: obs, err: err}
	}()
	return out
}

func TestMatchServerPlaysToCompletion(t *testing.T) {
	config := newTestConfig(t)
	config.EnvConfig = "42"
	done := startTestMatch(t, config, 21710, []string{"a", "b"})

	// Seats follow arrival order, so alice connects strictly first.
	aliceCh := connectAsync(21710, "alice", "a")
	time.Sleep(300 * time.Millisecond)
	bobCh := connectAsync(21710, "bob", "b")

	alice := <-aliceCh
	require.NoError(t, alice.err)
	defer alice.env.Close()
	require.Equal(t, 0, alice.env.Seat())
	require.EqualValues(t, 42, alice.obs["state"])

	_, reward, terminal, winners, err := alice.env.Step("42")
	require.NoError(t, err)
	require.True(t, terminal)
	require.Equal(t, []int{0}, winners)
	require.Equal(t, 0.0, reward)

	// Bob never got a turn; his connect resolves with the terminal outcome.
	bob := <-bobCh
	require.NoError(t, bob.err)
	defer bob.env.Close()
	require.True(t, bob.env.Terminal())
	require.Equal(t, []int{0}, bob.env.Winners())

	require.NoError(t, <-done)
}

func TestMatchServerHandlesDisconnect(t *testing.T) {
	config := newTestConfig(t)
	config.EnvConfig = "7"
	done := startTestMatch(t, config, 21712, []string{"a", "b"})

	aliceCh := connectAsync(21712, "alice", "a")
	time.Sleep(300 * time.Millisecond)
	bob, err := DialDataframe(newTestLogger(), "localhost", 21712, "bob", "b")
	require.NoError(t, err)

	alice := <-aliceCh
	require.NoError(t, alice.err)
	defer alice.env.Close()
	require.Equal(t, 0, alice.env.Seat())

	// Bob drops mid-match; his turns turn into no-ops and the game goes on.
	require.NoError(t, bob.Close())

	_, reward, terminal, _, err := alice.env.Step("3")
	require.NoError(t, err)
	require.False(t, terminal)
	require.Equal(t, -4.0, reward)

	_, reward, terminal, winners, err := alice.env.Step("7")
	require.NoError(t, err)
	require.True(t, terminal)
	require.Equal(t, []int{0}, winners)
	require.Equal(t, 0.0, reward)

	require.NoError(t, <-done)
}

// runRealtimeMatch joins two passive clients and waits for the match to run
// itself to termination, returning the last snapshot the first client saw.
func runRealtimeMatch(t *testing.T, done <-chan error, port int) *dfSnapshot {
	alice, err := DialDataframe(newTestLogger(), "localhost", port, "alice", "a")
	require.NoError(t, err)
	defer alice.Close()
	bob, err := DialDataframe(newTestLogger(), "localhost", port, "bob", "b")
	require.NoError(t, err)
	defer bob.Close()

	var last *dfSnapshot
	require.Eventually(t, func() bool {
		snapshot, err := alice.Pull()
		if err != nil {
			return false
		}
		last = snapshot
		return last.ServerState.Terminal
	}, 15*time.Second, 20*time.Millisecond)

	require.NoError(t, alice.Commit(map[string]interface{}{"acknowledges_game_over": true}))
	require.NoError(t, bob.Commit(map[string]interface{}{"acknowledges_game_over": true}))
	require.NoError(t, <-done)
	return last
}

func TestMatchServerRealtimeNoOpDraw(t *testing.T) {
	config := newTestConfig(t)
	config.Realtime = true
	config.EnvConfig = "42"
	done := startTestMatch(t, config, 21716, []string{"a", "b"})

	// Neither client ever submits an action; in realtime mode the server
	// substitutes a no-op each tick until the game calls itself as a draw.
	last := runRealtimeMatch(t, done, 21716)

	var winners []int
	require.NoError(t, json.Unmarshal(last.ServerState.Winners, &winners))
	require.Empty(t, winners)
	require.NotEmpty(t, last.ServerState.SerializedState)
}

func TestMatchServerObservationsOnly(t *testing.T) {
	config := newTestConfig(t)
	config.Realtime = true
	config.ObservationsOnly = true
	config.EnvConfig = "42"
	done := startTestMatch(t, config, 21717, []string{"a", "b"})

	last := runRealtimeMatch(t, done, 21717)

	// Observations still flow, the raw game state does not.
	require.NotEmpty(t, last.Players)
	require.NotNil(t, last.Players[0].Observation)
	require.Empty(t, last.ServerState.SerializedState)
}

func TestMatchServerStopAbortsMatch(t *testing.T) {
	config := newTestConfig(t)
	server := NewMatchServer(newTestLogger(), config, &TestEnvironment{}, 21714, []string{"a", "b"})

	ready := make(chan error, 1)
	done := make(chan error, 1)
	go func() {
		done <- server.Run(ready)
	}()
	require.NoError(t, <-ready)

	server.Stop()
	require.ErrorIs(t, <-done, errMatchAborted)
}

func TestMatchServerBindFailure(t *testing.T) {
	listener, err := net.Listen("tcp", ":21715")
	require.NoError(t, err)
	defer listener.Close()

	config := newTestConfig(t)
	server := NewMatchServer(newTestLogger(), config, &TestEnvironment{}, 21715, nil)

	ready := make(chan error, 1)
	done := make(chan error, 1)
	go func() {
		done <- server.Run(ready)
	}()
	require.Error(t, <-ready)
	require.Error(t, <-done)
}
