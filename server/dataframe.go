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
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// PlayerRecord is the per-client record replicated through a match
// dataframe. The match server owns number, turn and reward fields; the
// owning client writes name, action, ready and game-over acknowledgement.
type PlayerRecord struct {
	PID                  string                 `json:"pid"`
	Name                 string                 `json:"name"`
	Number               int                    `json:"number"`
	Turn                 bool                   `json:"turn"`
	Action               string                 `json:"action"`
	ReadyForAction       bool                   `json:"ready_for_action_to_be_taken"`
	RewardFromLastTurn   float64                `json:"reward_from_last_turn"`
	AcknowledgesGameOver bool                   `json:"acknowledges_game_over"`
	Observation          map[string]interface{} `json:"observation"`
}

func (p *PlayerRecord) copyRecord() *PlayerRecord {
	cp := *p
	if p.Observation != nil {
		obs := make(map[string]interface{}, len(p.Observation))
		for k, v := range p.Observation {
			obs[k] = v
		}
		cp.Observation = obs
	}
	return &cp
}

// ServerStateRecord is the singleton match-wide record. It is the only
// record a joining client is guaranteed to see before the player schema is
// known. The match server is its sole writer.
type ServerStateRecord struct {
	EnvClassName    string   `json:"env_class_name"`
	EnvConfig       string   `json:"env_config"`
	EnvDimensions   []string `json:"env_dimensions"`
	Terminal        bool     `json:"terminal"`
	Winners         []byte   `json:"winners"`
	SerializedState []byte   `json:"serialized_state"`
	Joinable        bool     `json:"joinable"`
}

func (s *ServerStateRecord) copyRecord() ServerStateRecord {
	cp := *s
	cp.EnvDimensions = append([]string(nil), s.EnvDimensions...)
	cp.Winners = append([]byte(nil), s.Winners...)
	cp.SerializedState = append([]byte(nil), s.SerializedState...)
	return cp
}

// Fields of the player record a client is allowed to patch. Everything else
// belongs to the match server.
var clientWritableFields = map[string]bool{
	"name":                         true,
	"action":                       true,
	"ready_for_action_to_be_taken": true,
	"acknowledges_game_over":       true,
}

// Wire envelopes exchanged on a dataframe websocket. Exactly one field is
// set per message.
type dfEnvelope struct {
	Join     *dfJoin     `json:"join,omitempty"`
	Joined   *dfJoined   `json:"joined,omitempty"`
	Commit   *dfCommit   `json:"commit,omitempty"`
	Pull     *dfPull     `json:"pull,omitempty"`
	Snapshot *dfSnapshot `json:"snapshot,omitempty"`
	Leave    *dfLeave    `json:"leave,omitempty"`
	Error    *dfError    `json:"error,omitempty"`
}

type dfJoin struct {
	Name    string `json:"name"`
	AuthKey string `json:"auth_key"`
}

type dfJoined struct {
	PID string `json:"pid"`
}

type dfCommit struct {
	Patch map[string]json.RawMessage `json:"patch"`
}

type dfPull struct{}

type dfSnapshot struct {
	ServerState ServerStateRecord `json:"server_state"`
	Players     []*PlayerRecord   `json:"players"`
	You         string            `json:"you"`
}

type dfLeave struct{}

type dfError struct {
	Message string `json:"message"`
}

type dfStore struct {
	serverState ServerStateRecord
	players     map[string]*PlayerRecord
	order       []string
}

func newDfStore() dfStore {
	return dfStore{
		players: make(map[string]*PlayerRecord),
		order:   make([]string, 0, 4),
	}
}

func (s *dfStore) copyStore() dfStore {
	cp := dfStore{
		serverState: s.serverState.copyRecord(),
		players:     make(map[string]*PlayerRecord, len(s.players)),
		order:       append([]string(nil), s.order...),
	}
	for pid, p := range s.players {
		cp.players[pid] = p.copyRecord()
	}
	return cp
}

func (s *dfStore) remove(pid string) {
	delete(s.players, pid)
	for i, id := range s.order {
		if id == pid {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Dataframe is the replicated observable object store shared between one
// match server and its clients. The match server mutates a working view and
// publishes it with Commit; client mutations arrive as field patches and
// become visible to the match server at its next Checkout. Clients always
// read the last published snapshot, so a reader never observes a
// half-written turn. A client's own patches overlay its record in the
// snapshots it pulls until a commit publishes their effect, so it can never
// mistake the pre-patch state for the server's reaction to the patch.
type Dataframe struct {
	logger *zap.Logger

	mu        sync.Mutex
	working   dfStore
	published dfStore
	staged    []func()

	whitelist map[string]bool
	connected map[string]string // auth token -> pid
	sessions  map[string]*dfSession

	httpServer *http.Server
	stopped    *atomic.Bool
}

func NewDataframe(logger *zap.Logger, whitelist []string) *Dataframe {
	wl := make(map[string]bool, len(whitelist))
	for _, token := range whitelist {
		wl[token] = true
	}
	return &Dataframe{
		logger:    logger,
		working:   newDfStore(),
		published: newDfStore(),
		whitelist: wl,
		connected: make(map[string]string),
		sessions:  make(map[string]*dfSession),
		stopped:   atomic.NewBool(false),
	}
}

// SetServerState mutates the working server state record.
func (df *Dataframe) SetServerState(mut func(*ServerStateRecord)) {
	df.mu.Lock()
	mut(&df.working.serverState)
	df.mu.Unlock()
}

// UpdatePlayer mutates one working player record, if it still exists.
func (df *Dataframe) UpdatePlayer(pid string, mut func(*PlayerRecord)) {
	df.mu.Lock()
	if p, ok := df.working.players[pid]; ok {
		mut(p)
	}
	df.mu.Unlock()
}

// Checkout folds all staged client mutations (joins, patches, leaves) into
// the working view and returns a consistent copy of it. Player records are
// returned in arrival order.
func (df *Dataframe) Checkout() (ServerStateRecord, []*PlayerRecord) {
	df.mu.Lock()
	defer df.mu.Unlock()

	for _, apply := range df.staged {
		apply()
	}
	df.staged = df.staged[:0]

	players := make([]*PlayerRecord, 0, len(df.working.order))
	for _, pid := range df.working.order {
		players = append(players, df.working.players[pid].copyRecord())
	}
	return df.working.serverState.copyRecord(), players
}

// Commit publishes the working view. Mutations made since the last Commit
// are not visible to any client until this returns.
func (df *Dataframe) Commit() {
	df.mu.Lock()
	df.published = df.working.copyStore()
	// Patches folded by an earlier Checkout are visible in this publish, so
	// their read-your-writes overlays retire here. Patches staged since that
	// checkout keep overlaying.
	for _, s := range df.sessions {
		if len(s.pending) == 0 {
			continue
		}
		kept := s.pending[:0]
		for _, pp := range s.pending {
			if !pp.folded {
				kept = append(kept, pp)
			}
		}
		s.pending = kept
	}
	df.mu.Unlock()
}

// ListenAndServe binds the match endpoint. The bind happens synchronously
// so the caller can treat a port conflict as a startup failure.
func (df *Dataframe) ListenAndServe(port int) error {
	router := mux.NewRouter()
	router.HandleFunc("/ws", df.serveWS)
	router.HandleFunc("/status", df.serveStatus).Methods("GET")

	CORSOrigins := handlers.AllowedOrigins([]string{"*"})
	CORSHeaders := handlers.AllowedHeaders([]string{"Content-Type"})
	handlerWithCORS := handlers.CORS(CORSOrigins, CORSHeaders)(router)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}

	df.httpServer = &http.Server{
		Handler:      handlers.RecoveryHandler()(handlerWithCORS),
		ReadTimeout:  0,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := df.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			df.logger.Error("Match endpoint listener failed", zap.Error(err))
		}
	}()
	return nil
}

// Close tears down the listening endpoint and every connected session.
func (df *Dataframe) Close() {
	if !df.stopped.CAS(false, true) {
		return
	}
	if df.httpServer != nil {
		df.httpServer.Close()
	}
	df.mu.Lock()
	for _, s := range df.sessions {
		s.conn.Close()
	}
	df.mu.Unlock()
}

var dfUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// pendingPatch is one staged client patch, tracked from staging until the
// commit that makes its effect visible in the published store.
type pendingPatch struct {
	fields map[string]json.RawMessage
	folded bool
}

type dfSession struct {
	pid       string
	token     string
	conn      *websocket.Conn
	dataframe *Dataframe
	logger    *zap.Logger

	// Patches not yet reflected in a published commit. Guarded by df.mu.
	pending []*pendingPatch
}

func (df *Dataframe) serveStatus(w http.ResponseWriter, r *http.Request) {
	df.mu.Lock()
	status := map[string]interface{}{
		"env":      df.published.serverState.EnvClassName,
		"players":  len(df.published.players),
		"terminal": df.published.serverState.Terminal,
	}
	df.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (df *Dataframe) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := dfUpgrader.Upgrade(w, r, nil)
	if err != nil {
		df.logger.Debug("Could not upgrade dataframe connection", zap.Error(err))
		return
	}

	session, err := df.admit(conn)
	if err != nil {
		writeEnvelope(conn, &dfEnvelope{Error: &dfError{Message: err.Error()}})
		conn.Close()
		return
	}

	session.consume()
}

// admit performs the join handshake. Connections presenting a token outside
// the whitelist, or one already connected, never insert a record.
func (df *Dataframe) admit(conn *websocket.Conn) (*dfSession, error) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var envelope dfEnvelope
	if err := conn.ReadJSON(&envelope); err != nil {
		return nil, fmt.Errorf("error reading join message: %w", err)
	}
	if envelope.Join == nil {
		return nil, fmt.Errorf("first message must be a join")
	}
	join := envelope.Join

	df.mu.Lock()
	defer df.mu.Unlock()

	if df.stopped.Load() {
		return nil, fmt.Errorf("match server is shutting down")
	}
	if !df.working.serverState.Joinable {
		return nil, fmt.Errorf("match is no longer joinable")
	}
	if len(df.whitelist) > 0 {
		if !df.whitelist[join.AuthKey] {
			df.logger.Info("Player tried to join with invalid auth key", zap.String("name", join.Name))
			return nil, fmt.Errorf("invalid authentication key")
		}
		if _, dup := df.connected[join.AuthKey]; dup {
			df.logger.Info("Player tried to join twice with the same auth key", zap.String("name", join.Name))
			return nil, fmt.Errorf("authentication key already connected")
		}
	}

	pid := uuid.Must(uuid.NewV4()).String()
	name := join.Name
	df.staged = append(df.staged, func() {
		df.working.players[pid] = &PlayerRecord{
			PID:    pid,
			Name:   name,
			Number: -1,
		}
		df.working.order = append(df.working.order, pid)
	})
	df.connected[join.AuthKey] = pid

	session := &dfSession{
		pid:       pid,
		token:     join.AuthKey,
		conn:      conn,
		dataframe: df,
		logger:    df.logger.With(zap.String("pid", pid), zap.String("name", name)),
	}
	df.sessions[pid] = session

	session.logger.Info("New player joined")
	if err := writeEnvelope(conn, &dfEnvelope{Joined: &dfJoined{PID: pid}}); err != nil {
		df.dropSessionLocked(session)
		return nil, fmt.Errorf("error completing join handshake: %w", err)
	}
	return session, nil
}

// consume runs a session's read loop until the client leaves or the socket
// drops, then stages the record removal.
func (s *dfSession) consume() {
	df := s.dataframe
	defer func() {
		df.mu.Lock()
		df.dropSessionLocked(s)
		df.mu.Unlock()
		s.conn.Close()
		s.logger.Info("Player left")
	}()

	for {
		s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		var envelope dfEnvelope
		if err := s.conn.ReadJSON(&envelope); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Debug("Error reading from dataframe client", zap.Error(err))
			}
			return
		}

		switch {
		case envelope.Commit != nil:
			s.stageCommit(envelope.Commit.Patch)
		case envelope.Pull != nil:
			if err := s.sendSnapshot(); err != nil {
				s.logger.Debug("Error writing snapshot", zap.Error(err))
				return
			}
		case envelope.Leave != nil:
			return
		default:
			s.logger.Debug("Ignoring unexpected dataframe message")
		}
	}
}

// stageCommit buffers a client field patch. Only the client-owned fields may
// be written; anything else in the patch is discarded. The patch also joins
// the session's pending overlay so the client reads its own writes.
func (s *dfSession) stageCommit(patch map[string]json.RawMessage) {
	fields := make(map[string]json.RawMessage, len(patch))
	for field, raw := range patch {
		if !clientWritableFields[field] {
			s.logger.Warn("Client attempted to patch a server-owned field", zap.String("field", field))
			continue
		}
		fields[field] = raw
	}

	pid := s.pid
	df := s.dataframe

	df.mu.Lock()
	defer df.mu.Unlock()

	pp := &pendingPatch{fields: fields}
	s.pending = append(s.pending, pp)
	df.staged = append(df.staged, func() {
		pp.folded = true
		if p, ok := df.working.players[pid]; ok {
			s.applyPatch(p, fields)
		}
	})
}

// applyPatch decodes pre-filtered patch fields onto a player record.
// Callers hold df.mu.
func (s *dfSession) applyPatch(p *PlayerRecord, fields map[string]json.RawMessage) {
	for field, raw := range fields {
		var err error
		switch field {
		case "name":
			err = json.Unmarshal(raw, &p.Name)
		case "action":
			err = json.Unmarshal(raw, &p.Action)
		case "ready_for_action_to_be_taken":
			err = json.Unmarshal(raw, &p.ReadyForAction)
		case "acknowledges_game_over":
			err = json.Unmarshal(raw, &p.AcknowledgesGameOver)
		}
		if err != nil {
			s.logger.Warn("Malformed patch value", zap.String("field", field), zap.Error(err))
		}
	}
}

func (s *dfSession) sendSnapshot() error {
	df := s.dataframe

	df.mu.Lock()
	snapshot := &dfSnapshot{
		ServerState: df.published.serverState.copyRecord(),
		Players:     make([]*PlayerRecord, 0, len(df.published.order)),
		You:         s.pid,
	}
	for _, pid := range df.published.order {
		record := df.published.players[pid].copyRecord()
		if pid == s.pid {
			// Read-your-writes: the client's not-yet-published patches
			// overlay its own record.
			for _, pp := range s.pending {
				s.applyPatch(record, pp.fields)
			}
		}
		snapshot.Players = append(snapshot.Players, record)
	}
	df.mu.Unlock()

	return writeEnvelope(s.conn, &dfEnvelope{Snapshot: snapshot})
}

// dropSessionLocked stages removal of the session's player record and frees
// its auth token for reconnection bookkeeping. Callers hold df.mu.
func (df *Dataframe) dropSessionLocked(s *dfSession) {
	if _, ok := df.sessions[s.pid]; !ok {
		return
	}
	delete(df.sessions, s.pid)
	delete(df.connected, s.token)
	s.pending = nil
	pid := s.pid
	df.staged = append(df.staged, func() {
		df.working.remove(pid)
	})
}

func writeEnvelope(conn *websocket.Conn, envelope *dfEnvelope) error {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(envelope)
}
