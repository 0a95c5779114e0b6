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
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Cooldown before a port that failed to bind is returned to the pool; gives
// the OS time to release a socket stuck in a transient state.
const portReleaseCooldown = time.Second

// matchJanitor owns the lifetime of one game server and the resources
// reserved for it: a match-limit semaphore slot, a port and the login state
// of every cohort member. Each resource is released exactly once on every
// exit path, including a panicking match server.
type matchJanitor struct {
	logger     *zap.Logger
	matchLimit *semaphore.Weighted
	ports      chan int
	db         *RankingStore
	metrics    *Metrics
	active     *atomic.Int64
	server     *MatchServer
	port       int
	usernames  []string
	finished   chan struct{}
}

func newMatchJanitor(logger *zap.Logger, matchLimit *semaphore.Weighted, ports chan int, db *RankingStore, metrics *Metrics, active *atomic.Int64, server *MatchServer, port int, usernames []string) *matchJanitor {
	return &matchJanitor{
		logger:     logger.With(zap.Int("port", port)),
		matchLimit: matchLimit,
		ports:      ports,
		db:         db,
		metrics:    metrics,
		active:     active,
		server:     server,
		port:       port,
		usernames:  usernames,
		finished:   make(chan struct{}),
	}
}

// run blocks until the match server exits, then reclaims everything. The
// ready channel is forwarded to the match server, which sends nil on it
// once admission is open, or the bind error.
func (j *matchJanitor) run(ready chan<- error) {
	bindFailed := false

	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("Match server panicked", zap.Any("panic", r))
			j.metrics.MatchesAborted.Inc(1)
		}

		if bindFailed {
			time.Sleep(portReleaseCooldown)
		}
		j.ports <- j.port
		for _, username := range j.usernames {
			j.db.Logoff(username)
		}
		j.matchLimit.Release(1)
		j.metrics.MatchesActive.Update(float64(j.active.Dec()))
		close(j.finished)
		j.logger.Info("Match resources reclaimed")
	}()

	err := j.server.Run(ready)
	switch {
	case err == nil:
		j.metrics.MatchesCompleted.Inc(1)
	case err == errMatchAborted:
		j.metrics.MatchesAborted.Inc(1)
	default:
		// The endpoint never bound; ready already carries the error.
		bindFailed = true
		j.logger.Error("Match server failed to start", zap.Error(err))
		j.metrics.MatchesAborted.Inc(1)
	}
}
