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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseArgsDefaults(t *testing.T) {
	config := ParseArgs(newTestLogger(), []string{"arena"})

	require.Equal(t, "test", config.Environment)
	require.Equal(t, "localhost", config.Hostname)
	require.Equal(t, 50051, config.MatchmakingPort)
	require.Equal(t, 21450, config.GamePort)
	require.Equal(t, 1, config.MaxGames)
	require.Equal(t, 60, config.TickRate)
	require.False(t, config.Realtime)
	require.False(t, config.ObservationsOnly)
	require.Equal(t, "test.sqlite", config.Database)
	require.Equal(t, "info", config.Logger.Level)
}

func TestParseArgsFlagOverrides(t *testing.T) {
	config := ParseArgs(newTestLogger(), []string{
		"arena",
		"--environment", "tictactoe",
		"--max-games", "4",
		"--realtime",
		"--config", "42",
	})

	require.Equal(t, "tictactoe", config.Environment)
	require.Equal(t, 4, config.MaxGames)
	require.True(t, config.Realtime)
	require.Equal(t, "42", config.EnvConfig)
}

func TestParseArgsConfigFilePrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	content := []byte("environment: tictactoe\nhostname: fromfile\nmax_games: 2\nlogger:\n  level: debug\n")
	require.NoError(t, os.WriteFile(path, content, 0644))

	// Flags override the file, the file overrides the defaults.
	config := ParseArgs(newTestLogger(), []string{
		"arena",
		"--config-file", path,
		"--max-games", "3",
	})

	require.Equal(t, "tictactoe", config.Environment)
	require.Equal(t, "fromfile", config.Hostname)
	require.Equal(t, 3, config.MaxGames)
	require.Equal(t, "debug", config.Logger.Level)
	require.Equal(t, 50051, config.MatchmakingPort)
}
