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

package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rlcompetition/arena/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version  string = "1.0.0"
	commitID string = "dev"
)

func main() {
	semver := fmt.Sprintf("%s+%s", version, commitID)

	tmpLogger := server.NewJSONLogger(os.Stdout, zapcore.InfoLevel)

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Println(semver)
		return
	}

	config := server.ParseArgs(tmpLogger, os.Args)
	logger, startupLogger := server.SetupLogging(tmpLogger, config)

	startupLogger.Info("Arena starting")
	startupLogger.Info("Node", zap.String("version", semver), zap.String("runtime", runtime.Version()), zap.Int("cpu", runtime.NumCPU()))

	// Resolve the environment before anything touches the filesystem so a
	// bad --environment leaves no database file behind.
	env, err := server.LookupEnvironment(config.Environment)
	if err != nil {
		startupLogger.Fatal("Unknown environment", zap.String("environment", config.Environment), zap.Strings("available", server.AvailableEnvironments()), zap.Error(err))
	}
	startupLogger.Info("Environment", zap.String("name", config.Environment), zap.Int("min_players", env.MinPlayers()))

	db, err := server.OpenRankingStore(startupLogger, config.Database)
	if err != nil {
		startupLogger.Fatal("Error opening ranking database", zap.String("path", config.Database), zap.Error(err))
	}
	startupLogger.Info("Ranking database", zap.String("path", config.Database))

	metrics := server.NewMetrics(logger, 10*time.Second)

	matchmaker, err := server.NewMatchmaker(logger, startupLogger, config, db, env, metrics)
	if err != nil {
		startupLogger.Fatal("Error starting matchmaker", zap.Error(err))
	}
	matchmaker.Start()

	apiServer := server.StartApiServer(logger, startupLogger, config, matchmaker)

	// Respect OS stop signals.
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	startupLogger.Info("Startup done")

	// Wait for a termination signal.
	<-c
	startupLogger.Info("Shutting down")

	// Gracefully stop server components.
	apiServer.Stop()
	matchmaker.Stop()
	metrics.Stop(logger)
	if err := db.Close(); err != nil {
		logger.Error("Error closing ranking database", zap.Error(err))
	}

	os.Exit(0)
}
