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
	"fmt"
	"time"

	"go.uber.org/zap"
)

// How long a client waits for the match to start or for its next turn before
// giving up. Covers the server's admission grace period with room to spare.
const clientWaitTimeout = 60 * time.Second

// ClientEnv is the player-side view of a running match: a blocking
// observe/act interface layered over the dataframe protocol. Not safe for
// concurrent use.
type ClientEnv struct {
	logger *zap.Logger
	client *DataframeClient
	pacer  *Pacer

	seat   int
	reward float64
	state  ServerStateRecord
}

// ConnectClientEnv joins a match endpoint and blocks until the match starts
// and it is this player's turn, or until the match terminates first. The
// returned observation is the player's view of the initial state.
func ConnectClientEnv(logger *zap.Logger, host string, port int, name, authKey string) (*ClientEnv, map[string]interface{}, error) {
	client, err := DialDataframe(logger, host, port, name, authKey)
	if err != nil {
		return nil, nil, err
	}

	e := &ClientEnv{
		logger: logger,
		client: client,
		pacer:  NewPacer(60),
		seat:   -1,
	}
	observation, err := e.waitForTurn()
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return e, observation, nil
}

// Seat is this player's number, assigned when admission completed.
func (e *ClientEnv) Seat() int {
	return e.seat
}

// Terminal reports whether the match has ended.
func (e *ClientEnv) Terminal() bool {
	return e.state.Terminal
}

// ServerState reads the current match-level record. If the connection is
// gone it falls back to the last pulled copy.
func (e *ClientEnv) ServerState() ServerStateRecord {
	if snapshot, err := e.client.Pull(); err == nil {
		e.state = snapshot.ServerState
	}
	return e.state
}

// Winners decodes the winning seat numbers from the last pulled state. Empty
// means a draw or an aborted match.
func (e *ClientEnv) Winners() []int {
	if len(e.state.Winners) == 0 {
		return []int{}
	}
	var winners []int
	if err := json.Unmarshal(e.state.Winners, &winners); err != nil {
		e.logger.Warn("Error decoding winners", zap.Error(err))
		return []int{}
	}
	return winners
}

// Step submits an action and blocks until the server has applied it and it
// is this player's turn again, or the match has ended. When the returned
// terminal flag is set the game-over is acknowledged automatically and the
// winners slice is populated.
func (e *ClientEnv) Step(action string) (map[string]interface{}, float64, bool, []int, error) {
	if e.state.Terminal {
		return nil, 0, true, e.Winners(), nil
	}

	err := e.client.Commit(map[string]interface{}{
		"action":                       action,
		"ready_for_action_to_be_taken": true,
	})
	if err != nil {
		return nil, 0, false, nil, fmt.Errorf("error submitting action: %w", err)
	}

	observation, err := e.waitForTurn()
	if err != nil {
		return nil, 0, false, nil, err
	}
	if !e.state.Terminal {
		return observation, e.reward, false, nil, nil
	}
	return observation, e.reward, true, e.Winners(), nil
}

// acknowledgeGameOver releases the server from its end-of-match grace
// period. Sent as soon as the terminal state is observed, from whichever
// wait noticed it first; repeats are harmless.
func (e *ClientEnv) acknowledgeGameOver() {
	if err := e.client.Commit(map[string]interface{}{"acknowledges_game_over": true}); err != nil {
		e.logger.Warn("Error acknowledging game over", zap.Error(err))
	}
}

// Close tears down the connection. The server treats it like a disconnect if
// the match is still running.
func (e *ClientEnv) Close() error {
	return e.client.Close()
}

// waitForTurn polls committed snapshots until this player is seated with the
// turn flag raised and no action pending, or the match-level state turns
// terminal. Seeing turn set with ready cleared guarantees the last submitted
// action was applied and the observation in the record reflects it.
func (e *ClientEnv) waitForTurn() (map[string]interface{}, error) {
	e.pacer.StartTimeout(clientWaitTimeout)
	for {
		timedOut := e.pacer.Tick()

		snapshot, err := e.client.Pull()
		if err != nil {
			return nil, fmt.Errorf("error pulling match state: %w", err)
		}
		e.state = snapshot.ServerState

		me := findPlayer(snapshot.Players, e.client.PID())
		if me != nil {
			if me.Number >= 0 {
				e.seat = me.Number
			}
			if e.state.Terminal {
				e.reward = me.RewardFromLastTurn
				e.acknowledgeGameOver()
				return me.Observation, nil
			}
			if me.Number >= 0 && me.Turn && !me.ReadyForAction {
				e.reward = me.RewardFromLastTurn
				return me.Observation, nil
			}
		} else if e.state.Terminal {
			// The server may drop the record during teardown; the match-level
			// outcome is still valid.
			return nil, nil
		}

		if timedOut {
			return nil, fmt.Errorf("timed out waiting for turn")
		}
	}
}
