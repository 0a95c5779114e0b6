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
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/gofrs/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

type incomingRequest struct {
	identity uuid.UUID
	request  *QuickMatchRequest
	replyC   chan *QuickMatchReply
}

// pendingRequest is one authenticated entry in the waiting queue.
type pendingRequest struct {
	in       *incomingRequest
	username string
	token    string
}

// Matchmaker authenticates match requests, pools them into cohorts of
// env.MinPlayers, allocates ports and spawns one janitor per match. All
// requests are serialized through a single owning goroutine, so the waiting
// queue needs no lock.
type Matchmaker struct {
	logger  *zap.Logger
	config  *Config
	db      *RankingStore
	env     Environment
	metrics *Metrics

	requestCh  chan *incomingRequest
	matchLimit *semaphore.Weighted
	ports      chan int
	active     *atomic.Int64

	ctx       context.Context
	ctxCancel context.CancelFunc
	loopWg    sync.WaitGroup
	janitorWg sync.WaitGroup

	janitorsMu sync.Mutex
	janitors   []*matchJanitor
}

// NewMatchmaker probes the game port range and builds the matchmaker. It is
// a configuration error if fewer free ports survive than max games.
func NewMatchmaker(logger, startupLogger *zap.Logger, config *Config, db *RankingStore, env Environment, metrics *Metrics) (*Matchmaker, error) {
	maxPort := config.GamePort + 2*config.MaxGames
	ports := make(chan int, 2*config.MaxGames)
	free := 0
	for port := config.GamePort; port < maxPort; port++ {
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			startupLogger.Warn("Skipping port, already in use", zap.Int("port", port))
			continue
		}
		listener.Close()
		ports <- port
		free++
	}
	if free < config.MaxGames {
		return nil, fmt.Errorf("port range %d through %d does not have enough unallocated ports to hold %d simultaneous games",
			config.GamePort, maxPort, config.MaxGames)
	}
	startupLogger.Info("Game port pool ready", zap.Int("free", free), zap.Int("max_games", config.MaxGames))

	ctx, cancel := context.WithCancel(context.Background())
	return &Matchmaker{
		logger:     logger,
		config:     config,
		db:         db,
		env:        env,
		metrics:    metrics,
		requestCh:  make(chan *incomingRequest, 128),
		matchLimit: semaphore.NewWeighted(int64(config.MaxGames)),
		ports:      ports,
		active:     atomic.NewInt64(0),
		ctx:        ctx,
		ctxCancel:  cancel,
	}, nil
}

// Start launches the request handling loop.
func (m *Matchmaker) Start() {
	m.loopWg.Add(1)
	go m.loop()
}

// Stop refuses new work, fails queued requests, interrupts running matches
// and waits for every janitor to reclaim its resources.
func (m *Matchmaker) Stop() {
	m.ctxCancel()
	m.loopWg.Wait()

	m.janitorsMu.Lock()
	for _, j := range m.janitors {
		j.server.Stop()
	}
	m.janitorsMu.Unlock()
	m.janitorWg.Wait()
}

// GetMatch submits one request and blocks until the matchmaker replies,
// which happens only after the assigned match server is listening.
func (m *Matchmaker) GetMatch(ctx context.Context, request *QuickMatchRequest) (*QuickMatchReply, error) {
	in := &incomingRequest{
		identity: uuid.Must(uuid.NewV4()),
		request:  request,
		replyC:   make(chan *QuickMatchReply, 1),
	}

	select {
	case m.requestCh <- in:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.ctx.Done():
		return nil, fmt.Errorf("matchmaker is shutting down")
	}

	select {
	case reply := <-in.replyC:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.ctx.Done():
		return nil, fmt.Errorf("matchmaker is shutting down")
	}
}

func (m *Matchmaker) loop() {
	defer m.loopWg.Done()

	queue := make([]*pendingRequest, 0, 16)
	minPlayers := m.env.MinPlayers()

	for {
		select {
		case <-m.ctx.Done():
			m.drain(queue)
			return
		case in := <-m.requestCh:
			if pending := m.authenticate(in); pending != nil {
				queue = append(queue, pending)
			}
		}

		// FIFO: cohorts pop from the front, arrivals append at the back.
		for len(queue) >= minPlayers {
			// Blocking here applies backpressure on future logins once the
			// match limit is reached. That is intentional.
			if err := m.matchLimit.Acquire(m.ctx, 1); err != nil {
				m.drain(queue)
				return
			}
			cohort := queue[:minPlayers]
			queue = queue[minPlayers:]
			m.startMatch(cohort)
		}
	}
}

// authenticate logs the user in, creating the account on first sighting.
// Failed logins are answered immediately and never enqueued.
func (m *Matchmaker) authenticate(in *incomingRequest) *pendingRequest {
	username := strings.ToLower(in.request.Username)

	result := m.db.Login(username, in.request.Password)
	if result == LoginNoUser {
		m.db.Set(username, in.request.Password)
		result = m.db.Login(username, in.request.Password)
	}

	switch result {
	case LoginDuplicate:
		m.metrics.LoginsRejected.Inc(1)
		m.logger.Info("Rejected duplicate login", zap.String("username", username))
		in.replyC <- failReply(username, "Failed to login: Cannot login twice at the same time.")
		return nil
	case LoginWrongPassword:
		m.metrics.LoginsRejected.Inc(1)
		m.logger.Info("Rejected login with wrong password", zap.String("username", username))
		in.replyC <- failReply(username, "Failed to login: Wrong password.")
		return nil
	}

	m.metrics.LoginsSuccess.Inc(1)
	m.logger.Info("User enqueued for a match", zap.String("username", username), zap.String("identity", in.identity.String()))
	return &pendingRequest{
		in:       in,
		username: username,
		token:    mintAuthToken(),
	}
}

// startMatch reserves a port, spawns the janitor and replies to every
// cohort member once the match server is accepting connections.
func (m *Matchmaker) startMatch(cohort []*pendingRequest) {
	var port int
	select {
	case port = <-m.ports:
	default:
		// The pool is sized by the same bound as the semaphore, so this is a
		// broken state machine, not a transient condition.
		m.logger.Fatal("No free port available despite holding a match slot")
	}

	whitelist := make([]string, len(cohort))
	usernames := make([]string, len(cohort))
	for i, p := range cohort {
		whitelist[i] = p.token
		usernames[i] = p.username
	}

	server := NewMatchServer(m.logger, m.config, m.env, port, whitelist)
	janitor := newMatchJanitor(m.logger, m.matchLimit, m.ports, m.db, m.metrics, m.active, server, port, usernames)
	m.trackJanitor(janitor)

	m.metrics.MatchesStarted.Inc(1)
	m.metrics.MatchesActive.Update(float64(m.active.Inc()))
	m.logger.Info("Starting match", zap.Int("port", port), zap.Strings("usernames", usernames))

	ready := make(chan error, 1)
	m.janitorWg.Add(1)
	go func() {
		defer m.janitorWg.Done()
		janitor.run(ready)
	}()

	if err := <-ready; err != nil {
		// The janitor reclaims the port, slot and logins on its own.
		m.logger.Error("Match failed to start", zap.Int("port", port), zap.Error(err))
		for _, p := range cohort {
			p.in.replyC <- failReply(p.username, "Match failed to start.")
		}
		return
	}

	rankings := make(map[string]float64, len(usernames))
	entries, err := m.db.GetMulti(usernames...)
	if err != nil {
		m.logger.Error("Error reading rankings for cohort", zap.Error(err))
	}
	for _, entry := range entries {
		rankings[entry.Username] = entry.Ranking
	}

	address := fmt.Sprintf("%s:%d", m.config.Hostname, port)
	for _, p := range cohort {
		p.in.replyC <- &QuickMatchReply{
			Username: p.username,
			Server:   address,
			AuthKey:  p.token,
			Ranking:  rankings[p.username],
			Response: "",
		}
	}
}

// drain fails every queued request on shutdown so no login state leaks.
func (m *Matchmaker) drain(queue []*pendingRequest) {
	for _, p := range queue {
		m.db.Logoff(p.username)
		p.in.replyC <- failReply(p.username, "Matchmaker is shutting down.")
	}
}

func (m *Matchmaker) trackJanitor(janitor *matchJanitor) {
	m.janitorsMu.Lock()
	kept := m.janitors[:0]
	for _, j := range m.janitors {
		select {
		case <-j.finished:
		default:
			kept = append(kept, j)
		}
	}
	m.janitors = append(kept, janitor)
	m.janitorsMu.Unlock()
}

func failReply(username, reason string) *QuickMatchReply {
	return &QuickMatchReply{
		Username: username,
		Server:   "FAIL",
		AuthKey:  "FAIL",
		Ranking:  0,
		Response: reason,
	}
}

// mintAuthToken returns 32 bytes of cryptographically-strong randomness as
// a 64 character hex string.
func mintAuthToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b)
}
