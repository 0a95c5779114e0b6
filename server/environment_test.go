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

	"github.com/stretchr/testify/require"
)

func TestLookupEnvironment(t *testing.T) {
	env, err := LookupEnvironment("test")
	require.NoError(t, err)
	require.Equal(t, "TestGame", env.Name())

	env, err = LookupEnvironment("tictactoe")
	require.NoError(t, err)
	require.Equal(t, "TicTacToe", env.Name())

	_, err = LookupEnvironment("nonexistent")
	require.Error(t, err)

	require.Equal(t, []string{"test", "tictactoe"}, AvailableEnvironments())
}

func TestTestEnvironmentFixedTarget(t *testing.T) {
	env := &TestEnvironment{}

	state, err := env.NewState("42")
	require.NoError(t, err)
	require.Equal(t, 0, env.NextPlayer(state))
	require.Equal(t, 42, env.Observe(state, 0)["state"])

	// Wrong guess: negative distance reward, turn passes.
	result, err := env.Step(state, 0, "40")
	require.NoError(t, err)
	require.False(t, result.Terminal)
	require.Equal(t, -2.0, result.Rewards[0])
	require.Equal(t, 1, env.NextPlayer(result.State))
	require.Equal(t, 40, result.Observations[1]["last_action"])

	// Exact guess wins.
	result, err = env.Step(result.State, 1, "42")
	require.NoError(t, err)
	require.True(t, result.Terminal)
	require.Equal(t, []int{1}, result.Winners)
	require.Equal(t, 0.0, result.Rewards[1])
}

func TestTestEnvironmentBadConfig(t *testing.T) {
	env := &TestEnvironment{}
	_, err := env.NewState("not a number")
	require.Error(t, err)
}

func TestTestEnvironmentNoOpDraw(t *testing.T) {
	env := &TestEnvironment{}
	state, err := env.NewState("42")
	require.NoError(t, err)

	// A game fed nothing but no-ops ends as a draw at the turn cap.
	var result StepResult
	for i := 0; i < testGameMaxTurns; i++ {
		result, err = env.Step(state, env.NextPlayer(state), "")
		require.NoError(t, err)
		state = result.State
	}
	require.True(t, result.Terminal)
	require.Empty(t, result.Winners)
}

func TestTicTacToeWin(t *testing.T) {
	env := &TicTacToeEnvironment{}
	state, err := env.NewState("")
	require.NoError(t, err)

	moves := []string{"0,0", "1,0", "0,1", "1,1", "0,2"}
	var result StepResult
	for _, move := range moves {
		seat := env.NextPlayer(state)
		result, err = env.Step(state, seat, move)
		require.NoError(t, err)
		state = result.State
	}

	require.True(t, result.Terminal)
	require.Equal(t, []int{0}, result.Winners)
	require.Equal(t, 1.0, result.Rewards[0])
	require.Equal(t, -1.0, result.Rewards[1])
}

func TestTicTacToeForfeitOnIllegalMove(t *testing.T) {
	env := &TicTacToeEnvironment{}

	for _, action := range []string{"", "garbage", "3,0", "0,-1"} {
		state, err := env.NewState("")
		require.NoError(t, err)
		result, err := env.Step(state, 0, action)
		require.NoError(t, err)
		require.True(t, result.Terminal)
		require.Equal(t, []int{1}, result.Winners, "action %q should forfeit", action)
	}

	// Playing an occupied cell also forfeits.
	state, err := env.NewState("")
	require.NoError(t, err)
	result, err := env.Step(state, 0, "1,1")
	require.NoError(t, err)
	result, err = env.Step(result.State, 1, "1,1")
	require.NoError(t, err)
	require.True(t, result.Terminal)
	require.Equal(t, []int{0}, result.Winners)
}

func TestTicTacToeDraw(t *testing.T) {
	env := &TicTacToeEnvironment{}
	state, err := env.NewState("")
	require.NoError(t, err)

	moves := []string{"0,0", "0,1", "0,2", "1,1", "1,0", "1,2", "2,1", "2,0", "2,2"}
	var result StepResult
	for _, move := range moves {
		seat := env.NextPlayer(state)
		result, err = env.Step(state, seat, move)
		require.NoError(t, err)
		state = result.State
	}

	require.True(t, result.Terminal)
	require.Empty(t, result.Winners)
}
