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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stepResult struct {
	obs      map[string]interface{}
	reward   float64
	terminal bool
	winners  []int
	err      error
}

// Drives a dataframe by hand to pin the blocking contract of Step: it may
// only return once the submitted action has been folded into the server's
// view and the resulting observation published.
func TestClientEnvStepWaitsForAppliedAction(t *testing.T) {
	df := startTestDataframe(t, 21705, []string{"tok"})

	connectCh := connectAsync(21705, "alice", "tok")

	var pid string
	require.Eventually(t, func() bool {
		_, players := df.Checkout()
		if len(players) != 1 {
			return false
		}
		pid = players[0].PID
		return true
	}, time.Second, 10*time.Millisecond)

	df.UpdatePlayer(pid, func(p *PlayerRecord) {
		p.Number = 0
		p.Turn = true
		p.Observation = map[string]interface{}{"state": 1}
	})
	df.Commit()

	connected := <-connectCh
	require.NoError(t, connected.err)
	defer connected.env.Close()
	require.EqualValues(t, 1, connected.obs["state"])

	stepCh := make(chan stepResult, 1)
	go func() {
		obs, reward, terminal, winners, err := connected.env.Step("42")
		stepCh <- stepResult{obs: obs, reward: reward, terminal: terminal, winners: winners, err: err}
	}()

	// With the server idle the turn grant is still the published state; the
	// step must keep blocking rather than treat it as the action's result.
	select {
	case <-stepCh:
		t.Fatal("step returned before the server applied the action")
	case <-time.After(500 * time.Millisecond):
	}

	// The fold alone is not enough either, only the following publish is.
	var players []*PlayerRecord
	require.Eventually(t, func() bool {
		_, players = df.Checkout()
		return len(players) == 1 && players[0].ReadyForAction
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, "42", players[0].Action)

	select {
	case <-stepCh:
		t.Fatal("step returned before the action's result was published")
	case <-time.After(500 * time.Millisecond):
	}

	df.UpdatePlayer(pid, func(p *PlayerRecord) {
		p.ReadyForAction = false
		p.Turn = true
		p.Observation = map[string]interface{}{"state": 2}
		p.RewardFromLastTurn = -1
	})
	df.Commit()

	select {
	case step := <-stepCh:
		require.NoError(t, step.err)
		require.False(t, step.terminal)
		require.EqualValues(t, 2, step.obs["state"])
		require.Equal(t, -1.0, step.reward)
	case <-time.After(2 * time.Second):
		t.Fatal("step did not return after the action's result was published")
	}

	// ServerState reads the record as currently published, not a stale copy.
	df.SetServerState(func(s *ServerStateRecord) {
		s.EnvConfig = "updated"
	})
	df.Commit()
	require.Equal(t, "updated", connected.env.ServerState().EnvConfig)
}
