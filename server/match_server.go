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
	"errors"
	"fmt"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Grace periods for the match lifecycle phases.
var matchTimeouts = struct {
	Connect time.Duration // Phase A: waiting for enough players
	Move    time.Duration // Phase B: warn interval while waiting on a turn
	End     time.Duration // terminal: waiting for game-over acknowledgements
}{
	Connect: 30 * time.Second,
	Move:    5 * time.Second,
	End:     10 * time.Second,
}

var errMatchAborted = errors.New("match aborted")

// MatchServer drives one environment instance to completion over its
// dataframe. It is internally single-goroutine; the dataframe's socket
// sessions are its only concurrent collaborators.
type MatchServer struct {
	logger  *zap.Logger
	config  *Config
	env     Environment
	port    int
	df      *Dataframe
	stopped *atomic.Bool

	// Seat index -> pid, fixed when admission completes.
	seatPids []string
}

func NewMatchServer(logger *zap.Logger, config *Config, env Environment, port int, whitelist []string) *MatchServer {
	return &MatchServer{
		logger:  logger.With(zap.Int("port", port)),
		config:  config,
		env:     env,
		port:    port,
		df:      NewDataframe(logger.With(zap.Int("port", port)), whitelist),
		stopped: atomic.NewBool(false),
	}
}

// Stop requests teardown. The running match commits a terminal draw and
// exits its loop at the next tick.
func (m *MatchServer) Stop() {
	m.stopped.Store(true)
}

// Run executes the full match lifecycle. The ready channel receives nil as
// soon as the endpoint is listening and admission is open, or the bind
// error. Run returns once teardown is complete.
func (m *MatchServer) Run(ready chan<- error) error {
	m.df.SetServerState(func(s *ServerStateRecord) {
		s.EnvClassName = m.env.Name()
		s.EnvConfig = m.config.EnvConfig
		s.EnvDimensions = m.env.ObservationNames()
		s.Terminal = false
		s.Joinable = true
	})
	m.df.Commit()

	if err := m.df.ListenAndServe(m.port); err != nil {
		ready <- err
		return err
	}
	defer m.df.Close()
	ready <- nil

	pacer := NewPacer(m.config.TickRate)

	if err := m.waitForPlayers(pacer); err != nil {
		return err
	}
	return m.play(pacer)
}

// waitForPlayers is Phase A: admission. Seats are assigned in the order the
// player records were observed; a client that leaves before the cohort is
// complete frees its place in that order.
func (m *MatchServer) waitForPlayers(pacer *Pacer) error {
	min := m.env.MinPlayers()
	m.logger.Info("Waiting for players to join", zap.Int("required", min))

	pacer.StartTimeout(matchTimeouts.Connect)
	for {
		timedOut := pacer.Tick()
		if m.stopped.Load() {
			m.abort("Match server interrupted during admission")
			return errMatchAborted
		}
		if timedOut {
			m.abort("Game could not find enough players, shutting down game server")
			return errMatchAborted
		}

		_, players := m.df.Checkout()
		if len(players) < min {
			continue
		}

		m.seatPids = make([]string, min)
		for i, p := range players[:min] {
			m.seatPids[i] = p.PID
			seat := i
			m.df.UpdatePlayer(p.PID, func(pr *PlayerRecord) {
				pr.Number = seat
			})
			m.logger.Info("Player seated", zap.String("name", p.Name), zap.Int("seat", seat))
		}
		m.df.SetServerState(func(s *ServerStateRecord) {
			s.Joinable = false
		})
		return nil
	}
}

// play is Phase B: the turn loop, and Phase C on the way out.
func (m *MatchServer) play(pacer *Pacer) error {
	state, err := m.env.NewState(m.config.EnvConfig)
	if err != nil {
		m.logger.Error("Error creating environment state", zap.Error(err))
		m.abort(fmt.Sprintf("Environment failed to initialize: %v", err))
		return errMatchAborted
	}

	// First observation for every seat, then hand the first turn out. The
	// whole setup is one commit so no client can observe a seated player
	// without its observation.
	for seat, pid := range m.seatPids {
		obs := m.env.Observe(state, seat)
		m.df.UpdatePlayer(pid, func(p *PlayerRecord) {
			p.Observation = obs
		})
	}
	m.writeSerializedState(state)
	current := m.env.NextPlayer(state)
	m.df.UpdatePlayer(m.seatPids[current], func(p *PlayerRecord) {
		p.Turn = true
	})
	m.df.Commit()

	m.logger.Info("Game started", zap.String("env", m.env.Name()))

	pacer.StartTimeout(matchTimeouts.Move)
	for {
		moveTimedOut := pacer.Tick()
		if m.stopped.Load() {
			m.abort("Match server interrupted mid-game")
			return errMatchAborted
		}

		_, players := m.df.Checkout()
		cur := findPlayer(players, m.seatPids[current])

		var action string
		apply := false
		switch {
		case cur == nil:
			// Current seat disconnected: a no-op is applied every tick so
			// the match cannot stall.
			action, apply = "", true
		case cur.ReadyForAction:
			action, apply = cur.Action, true
		case m.config.Realtime:
			action, apply = "", true
		}

		if !apply {
			if moveTimedOut {
				m.logger.Debug("Still waiting for action", zap.Int("seat", current))
				pacer.StartTimeout(matchTimeouts.Move)
			}
			continue
		}

		result, err := m.env.Step(state, current, action)
		if err != nil {
			m.logger.Error("Environment step failed", zap.Int("seat", current), zap.Error(err))
			m.abort(fmt.Sprintf("Environment failure: %v", err))
			return errMatchAborted
		}
		state = result.State

		// Clearing ready+turn, the new observations and rewards, and any
		// terminal announcement all land in a single commit: a client seeing
		// turn=true with ready=false is guaranteed its action was applied.
		if cur != nil {
			m.df.UpdatePlayer(cur.PID, func(p *PlayerRecord) {
				p.ReadyForAction = false
				p.Turn = false
			})
		}
		for seat, obs := range result.Observations {
			if seat >= 0 && seat < len(m.seatPids) {
				o := obs
				m.df.UpdatePlayer(m.seatPids[seat], func(p *PlayerRecord) {
					p.Observation = o
				})
			}
		}
		for seat, reward := range result.Rewards {
			if seat >= 0 && seat < len(m.seatPids) {
				r := reward
				m.df.UpdatePlayer(m.seatPids[seat], func(p *PlayerRecord) {
					p.RewardFromLastTurn = r
				})
			}
		}
		m.writeSerializedState(state)

		if result.Terminal {
			m.announceGameOver(result.Winners)
			m.waitForAcknowledgements(pacer)
			m.logger.Info("Game has ended", zap.Ints("winners", result.Winners))
			return nil
		}

		current = m.env.NextPlayer(state)
		m.df.UpdatePlayer(m.seatPids[current], func(p *PlayerRecord) {
			p.Turn = true
		})
		m.df.Commit()
		pacer.StartTimeout(matchTimeouts.Move)
	}
}

// announceGameOver publishes the terminal state. Every player's turn flag is
// raised so blocked clients wake up and observe the result.
func (m *MatchServer) announceGameOver(winners []int) {
	if winners == nil {
		winners = []int{}
	}
	encoded, _ := json.Marshal(winners)
	m.df.SetServerState(func(s *ServerStateRecord) {
		s.Terminal = true
		s.Winners = encoded
	})
	for _, pid := range m.seatPids {
		m.df.UpdatePlayer(pid, func(p *PlayerRecord) {
			p.Turn = true
			p.ReadyForAction = false
		})
	}
	m.df.Commit()
}

// waitForAcknowledgements blocks until every still-connected player has
// acknowledged the game over, bounded by the end grace period. Disconnected
// players are not waited on.
func (m *MatchServer) waitForAcknowledgements(pacer *Pacer) {
	pacer.StartTimeout(matchTimeouts.End)
	for {
		timedOut := pacer.Tick()
		_, players := m.df.Checkout()

		acked := true
		for _, p := range players {
			if p.Number >= 0 && !p.AcknowledgesGameOver {
				acked = false
				break
			}
		}
		if acked || timedOut {
			return
		}
	}
}

// abort terminates the match as a draw: terminal with no winners.
func (m *MatchServer) abort(reason string) {
	m.logger.Error(reason)
	m.announceGameOver([]int{})
	// Give connected clients one last chance to pull the terminal state.
	m.waitForAcknowledgements(NewPacer(m.config.TickRate))
}

func (m *MatchServer) writeSerializedState(state State) {
	if m.config.ObservationsOnly {
		return
	}
	serialized := m.env.SerializeState(state)
	m.df.SetServerState(func(s *ServerStateRecord) {
		s.SerializedState = serialized
	})
}

func findPlayer(players []*PlayerRecord, pid string) *PlayerRecord {
	for _, p := range players {
		if p.PID == pid {
			return p
		}
	}
	return nil
}
