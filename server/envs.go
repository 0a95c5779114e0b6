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
	"math"
	"math/rand"
	"strconv"
	"strings"
)

// TestEnvironment is a two player guess-the-number game used for
// integration testing. Each player in turn guesses an integer; the reward is
// the negative distance to the hidden target and an exact guess wins. The
// config string, when not empty, fixes the target for deterministic runs.
type TestEnvironment struct{}

const testGameMaxTurns = 100

type testGameState struct {
	Target     int `json:"target"`
	Turn       int `json:"turn"`
	LastAction int `json:"last_action"`
	TurnCount  int `json:"turn_count"`
}

func (e *TestEnvironment) Name() string { return "TestGame" }

func (e *TestEnvironment) MinPlayers() int { return 2 }

func (e *TestEnvironment) ObservationNames() []string {
	return []string{"state", "last_action"}
}

func (e *TestEnvironment) NewState(config string) (State, error) {
	target := rand.Intn(100)
	if config != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(config))
		if err != nil {
			return nil, fmt.Errorf("test environment config must be an integer target: %w", err)
		}
		target = parsed
	}
	return &testGameState{
		Target:     target,
		Turn:       0,
		LastAction: -1,
	}, nil
}

func (e *TestEnvironment) NextPlayer(state State) int {
	return state.(*testGameState).Turn
}

func (e *TestEnvironment) Observe(state State, seat int) map[string]interface{} {
	s := state.(*testGameState)
	return map[string]interface{}{
		"state":       s.Target,
		"last_action": s.LastAction,
	}
}

func (e *TestEnvironment) Step(state State, seat int, action string) (StepResult, error) {
	s := *state.(*testGameState)
	s.TurnCount++

	reward := 0.0
	terminal := false
	winners := []int{}

	if action != "" {
		guess, err := strconv.Atoi(strings.TrimSpace(action))
		if err == nil {
			reward = -math.Abs(float64(guess - s.Target))
			s.LastAction = guess
			if guess == s.Target {
				terminal = true
				winners = []int{seat}
			}
		}
	}

	// A stalled game is called as a draw rather than running forever.
	if !terminal && s.TurnCount >= testGameMaxTurns {
		terminal = true
	}

	s.Turn = (seat + 1) % 2

	next := &s
	return StepResult{
		State: next,
		Observations: map[int]map[string]interface{}{
			0: e.Observe(next, 0),
			1: e.Observe(next, 1),
		},
		Rewards:  map[int]float64{seat: reward},
		Terminal: terminal,
		Winners:  winners,
	}, nil
}

func (e *TestEnvironment) SerializeState(state State) []byte {
	data, _ := json.Marshal(state)
	return data
}

// TicTacToeEnvironment is a two player tic-tac-toe game. Actions are "r,c"
// cell coordinates. An empty, malformed or illegal action forfeits the game
// to the opponent, which also bounds matches where a player has dropped.
type TicTacToeEnvironment struct{}

type ticTacToeState struct {
	Board [3][3]int `json:"board"`
	Turn  int       `json:"turn"`
	Moves int       `json:"moves"`
}

func (e *TicTacToeEnvironment) Name() string { return "TicTacToe" }

func (e *TicTacToeEnvironment) MinPlayers() int { return 2 }

func (e *TicTacToeEnvironment) ObservationNames() []string {
	return []string{"board"}
}

func (e *TicTacToeEnvironment) NewState(config string) (State, error) {
	s := &ticTacToeState{}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			s.Board[r][c] = -1
		}
	}
	return s, nil
}

func (e *TicTacToeEnvironment) NextPlayer(state State) int {
	return state.(*ticTacToeState).Turn
}

func (e *TicTacToeEnvironment) Observe(state State, seat int) map[string]interface{} {
	s := state.(*ticTacToeState)
	board := make([][]int, 3)
	for r := 0; r < 3; r++ {
		board[r] = []int{s.Board[r][0], s.Board[r][1], s.Board[r][2]}
	}
	return map[string]interface{}{"board": board}
}

func (e *TicTacToeEnvironment) Step(state State, seat int, action string) (StepResult, error) {
	s := *state.(*ticTacToeState)
	opponent := 1 - seat

	r, c, ok := parseCell(action)
	if !ok || s.Board[r][c] != -1 {
		// Forfeit: pass or illegal move loses immediately.
		return e.result(&s, map[int]float64{seat: -1.0, opponent: 1.0}, true, []int{opponent}), nil
	}

	s.Board[r][c] = seat
	s.Moves++
	s.Turn = opponent

	if wonBy(&s.Board, seat) {
		return e.result(&s, map[int]float64{seat: 1.0, opponent: -1.0}, true, []int{seat}), nil
	}
	if s.Moves == 9 {
		return e.result(&s, map[int]float64{seat: 0.0, opponent: 0.0}, true, []int{}), nil
	}
	return e.result(&s, map[int]float64{seat: 0.0}, false, nil), nil
}

func (e *TicTacToeEnvironment) result(s *ticTacToeState, rewards map[int]float64, terminal bool, winners []int) StepResult {
	return StepResult{
		State: s,
		Observations: map[int]map[string]interface{}{
			0: e.Observe(s, 0),
			1: e.Observe(s, 1),
		},
		Rewards:  rewards,
		Terminal: terminal,
		Winners:  winners,
	}
}

func (e *TicTacToeEnvironment) SerializeState(state State) []byte {
	data, _ := json.Marshal(state)
	return data
}

func parseCell(action string) (int, int, bool) {
	parts := strings.Split(strings.TrimSpace(action), ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	r, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	c, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || r < 0 || r > 2 || c < 0 || c > 2 {
		return 0, 0, false
	}
	return r, c, true
}

func wonBy(board *[3][3]int, seat int) bool {
	for i := 0; i < 3; i++ {
		if board[i][0] == seat && board[i][1] == seat && board[i][2] == seat {
			return true
		}
		if board[0][i] == seat && board[1][i] == seat && board[2][i] == seat {
			return true
		}
	}
	if board[0][0] == seat && board[1][1] == seat && board[2][2] == seat {
		return true
	}
	return board[0][2] == seat && board[1][1] == seat && board[2][0] == seat
}
