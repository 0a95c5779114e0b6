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

func startTestDataframe(t *testing.T, port int, whitelist []string) *Dataframe {
	df := NewDataframe(newTestLogger(), whitelist)
	df.SetServerState(func(s *ServerStateRecord) {
		s.EnvClassName = "TestGame"
		s.Joinable = true
	})
	df.Commit()
	require.NoError(t, df.ListenAndServe(port))
	t.Cleanup(df.Close)
	return df
}

func TestDataframeRoundTrip(t *testing.T) {
	df := startTestDataframe(t, 21700, []string{"tok"})

	client, err := DialDataframe(newTestLogger(), "localhost", 21700, "alice", "tok")
	require.NoError(t, err)
	defer client.Close()

	// The join is staged: the server sees it at its next checkout.
	var pid string
	require.Eventually(t, func() bool {
		_, players := df.Checkout()
		if len(players) != 1 {
			return false
		}
		pid = players[0].PID
		return true
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, client.PID(), pid)

	_, players := df.Checkout()
	require.Equal(t, "alice", players[0].Name)
	require.Equal(t, -1, players[0].Number)

	// Not committed yet, so clients cannot see the record.
	snapshot, err := client.Pull()
	require.NoError(t, err)
	require.Equal(t, "TestGame", snapshot.ServerState.EnvClassName)
	require.Empty(t, snapshot.Players)

	df.UpdatePlayer(pid, func(p *PlayerRecord) {
		p.Number = 0
		p.Turn = true
	})
	df.Commit()

	snapshot, err = client.Pull()
	require.NoError(t, err)
	require.Len(t, snapshot.Players, 1)
	require.Equal(t, pid, snapshot.You)
	require.Equal(t, 0, snapshot.Players[0].Number)
	require.True(t, snapshot.Players[0].Turn)
}

func TestDataframePatchWhitelist(t *testing.T) {
	df := startTestDataframe(t, 21701, []string{"tok"})

	client, err := DialDataframe(newTestLogger(), "localhost", 21701, "alice", "tok")
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool {
		_, players := df.Checkout()
		return len(players) == 1
	}, time.Second, 10*time.Millisecond)

	// Server-owned fields in the patch are discarded, client-owned applied.
	require.NoError(t, client.Commit(map[string]interface{}{
		"action":                       "5",
		"ready_for_action_to_be_taken": true,
		"number":                       7,
		"reward_from_last_turn":        99.0,
	}))

	require.Eventually(t, func() bool {
		_, players := df.Checkout()
		return len(players) == 1 && players[0].ReadyForAction
	}, time.Second, 10*time.Millisecond)

	_, players := df.Checkout()
	require.Equal(t, "5", players[0].Action)
	require.Equal(t, -1, players[0].Number)
	require.Equal(t, 0.0, players[0].RewardFromLastTurn)
}

func TestDataframeReadYourWrites(t *testing.T) {
	df := startTestDataframe(t, 21704, []string{"tok"})

	client, err := DialDataframe(newTestLogger(), "localhost", 21704, "alice", "tok")
	require.NoError(t, err)
	defer client.Close()

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
	})
	df.Commit()

	require.NoError(t, client.Commit(map[string]interface{}{
		"action":                       "42",
		"ready_for_action_to_be_taken": true,
	}))

	// The patch has not been checked out, yet the client must already read
	// its own write instead of the stale turn grant.
	require.Eventually(t, func() bool {
		snapshot, err := client.Pull()
		if err != nil || len(snapshot.Players) != 1 {
			return false
		}
		return snapshot.Players[0].ReadyForAction && snapshot.Players[0].Action == "42"
	}, time.Second, 10*time.Millisecond)

	// Folding the patch without publishing keeps the overlay in place.
	_, players := df.Checkout()
	require.True(t, players[0].ReadyForAction)
	require.Equal(t, "42", players[0].Action)

	snapshot, err := client.Pull()
	require.NoError(t, err)
	require.True(t, snapshot.Players[0].ReadyForAction)

	// Only the publish after the fold retires the overlay and exposes the
	// server's reaction to the patch.
	df.UpdatePlayer(pid, func(p *PlayerRecord) {
		p.ReadyForAction = false
		p.Turn = false
	})
	df.Commit()

	snapshot, err = client.Pull()
	require.NoError(t, err)
	require.False(t, snapshot.Players[0].ReadyForAction)
	require.False(t, snapshot.Players[0].Turn)
}

func TestDataframeAdmissionControl(t *testing.T) {
	df := startTestDataframe(t, 21702, []string{"tok", "tok2"})

	_, err := DialDataframe(newTestLogger(), "localhost", 21702, "mallory", "stolen")
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid authentication key")

	client, err := DialDataframe(newTestLogger(), "localhost", 21702, "alice", "tok")
	require.NoError(t, err)
	defer client.Close()

	_, err = DialDataframe(newTestLogger(), "localhost", 21702, "alice2", "tok")
	require.Error(t, err)
	require.Contains(t, err.Error(), "already connected")

	// Once the match seals, even whitelisted tokens are refused.
	df.SetServerState(func(s *ServerStateRecord) {
		s.Joinable = false
	})
	_, err = DialDataframe(newTestLogger(), "localhost", 21702, "bob", "tok2")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no longer joinable")
}

func TestDataframeLeaveRemovesRecord(t *testing.T) {
	df := startTestDataframe(t, 21703, []string{"tok"})

	client, err := DialDataframe(newTestLogger(), "localhost", 21703, "alice", "tok")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, players := df.Checkout()
		return len(players) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, client.Close())

	require.Eventually(t, func() bool {
		_, players := df.Checkout()
		return len(players) == 0
	}, time.Second, 10*time.Millisecond)

	// The freed token may be used by a fresh connection.
	reclaimed, err := DialDataframe(newTestLogger(), "localhost", 21703, "alice", "tok")
	require.NoError(t, err)
	reclaimed.Close()
}
