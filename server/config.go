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
	"flag"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config holds the full server configuration. Values are populated from
// defaults, then an optional YAML file, then command line flags.
type Config struct {
	Environment      string        `yaml:"environment"`
	Hostname         string        `yaml:"hostname"`
	MatchmakingPort  int           `yaml:"matchmaking_port"`
	GamePort         int           `yaml:"game_port"`
	MaxGames         int           `yaml:"max_games"`
	TickRate         int           `yaml:"tick_rate"`
	Realtime         bool          `yaml:"realtime"`
	ObservationsOnly bool          `yaml:"observations_only"`
	EnvConfig        string        `yaml:"config"`
	Database         string        `yaml:"database"`
	Logger           *LoggerConfig `yaml:"logger"`
}

// LoggerConfig is configuration relevant to logging levels and output.
type LoggerConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// NewConfig constructs a Config struct which represents server settings.
func NewConfig() *Config {
	return &Config{
		Environment:      "test",
		Hostname:         "localhost",
		MatchmakingPort:  50051,
		GamePort:         21450,
		MaxGames:         1,
		TickRate:         60,
		Realtime:         false,
		ObservationsOnly: false,
		EnvConfig:        "",
		Database:         "test.sqlite",
		Logger: &LoggerConfig{
			Level: "info",
			File:  "",
		},
	}
}

// ParseArgs reads an optional YAML config file then applies command line
// overrides. Invalid configuration is fatal.
func ParseArgs(logger *zap.Logger, args []string) *Config {
	config := NewConfig()

	// A config file, if present, is applied before any flag overrides.
	for i, arg := range args {
		if arg == "--config-file" && i+1 < len(args) {
			data, err := os.ReadFile(args[i+1])
			if err != nil {
				logger.Fatal("Could not read config file", zap.String("path", args[i+1]), zap.Error(err))
			}
			if err := yaml.Unmarshal(data, config); err != nil {
				logger.Fatal("Could not parse config file", zap.String("path", args[i+1]), zap.Error(err))
			}
		}
	}

	flagSet := flag.NewFlagSet("arena", flag.ExitOnError)
	flagSet.String("config-file", "", "The absolute file path to a configuration YAML file.")
	flagSet.StringVar(&config.Environment, "environment", config.Environment, "The name of the environment to serve matches for.")
	flagSet.StringVar(&config.Hostname, "hostname", config.Hostname, "Hostname to advertise for the matchmaking and game servers.")
	flagSet.IntVar(&config.MatchmakingPort, "matchmaking-port", config.MatchmakingPort, "Port to start the matchmaking server on.")
	flagSet.IntVar(&config.GamePort, "game-port", config.GamePort, "First port to start game servers on. A range of twice the number of games is scanned from here.")
	flagSet.IntVar(&config.MaxGames, "max-games", config.MaxGames, "Number of games to run in parallel on this server.")
	flagSet.IntVar(&config.TickRate, "tick-rate", config.TickRate, "The max tick rate that game servers will run on.")
	flagSet.BoolVar(&config.Realtime, "realtime", config.Realtime, "Do not wait for clients to respond before advancing the game.")
	flagSet.BoolVar(&config.ObservationsOnly, "observations-only", config.ObservationsOnly, "Do not push the serialized game state to clients along with observations.")
	flagSet.StringVar(&config.EnvConfig, "config", config.EnvConfig, "Config string passed verbatim to the environment constructor.")
	flagSet.StringVar(&config.Database, "database", config.Database, "Path of the embedded user database file.")
	flagSet.StringVar(&config.Logger.Level, "log-level", config.Logger.Level, "Log level: debug, info, warn or error.")
	flagSet.StringVar(&config.Logger.File, "log-file", config.Logger.File, "Also write logs to this file, rotated.")
	if err := flagSet.Parse(args[1:]); err != nil {
		logger.Fatal("Could not parse command line arguments", zap.Error(err))
	}

	config.Validate(logger)
	return config
}

// Validate enforces invariants the rest of the server relies on.
func (c *Config) Validate(logger *zap.Logger) {
	if c.MaxGames < 1 {
		logger.Fatal("Max games must be at least 1", zap.Int("max_games", c.MaxGames))
	}
	if c.TickRate < 1 {
		logger.Fatal("Tick rate must be at least 1", zap.Int("tick_rate", c.TickRate))
	}
	if c.MatchmakingPort < 1 || c.MatchmakingPort > 65535 {
		logger.Fatal("Matchmaking port must be between 1 and 65535", zap.Int("matchmaking_port", c.MatchmakingPort))
	}
	if c.GamePort < 1 || c.GamePort+2*c.MaxGames > 65535 {
		logger.Fatal("Game port range out of bounds", zap.Int("game_port", c.GamePort), zap.Int("max_games", c.MaxGames))
	}
	if c.Environment == "" {
		logger.Fatal("Environment name must not be empty")
	}
}
