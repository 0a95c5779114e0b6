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

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// DataframeClient is the remote side of a match dataframe. It is not safe
// for concurrent use; the client adapter drives it from a single goroutine.
type DataframeClient struct {
	logger *zap.Logger
	conn   *websocket.Conn
	pid    string
	closed *atomic.Bool
}

// DialDataframe connects to a match endpoint and performs the join
// handshake. The returned client owns exactly one player record, already
// inserted (pending the server's next checkout).
func DialDataframe(logger *zap.Logger, host string, port int, name, authKey string) (*DataframeClient, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(fmt.Sprintf("ws://%s:%d/ws", host, port), nil)
	if err != nil {
		return nil, fmt.Errorf("error connecting to match server: %w", err)
	}

	c := &DataframeClient{
		logger: logger,
		conn:   conn,
		closed: atomic.NewBool(false),
	}

	if err := c.write(&dfEnvelope{Join: &dfJoin{Name: name, AuthKey: authKey}}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("error sending join: %w", err)
	}
	envelope, err := c.read()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("error completing join: %w", err)
	}
	if envelope.Error != nil {
		conn.Close()
		return nil, fmt.Errorf("server rejected join: %s", envelope.Error.Message)
	}
	if envelope.Joined == nil {
		conn.Close()
		return nil, fmt.Errorf("unexpected reply to join")
	}

	c.pid = envelope.Joined.PID
	return c, nil
}

// PID identifies this client's player record.
func (c *DataframeClient) PID() string {
	return c.pid
}

// Pull requests and returns the server's latest committed snapshot.
func (c *DataframeClient) Pull() (*dfSnapshot, error) {
	if err := c.write(&dfEnvelope{Pull: &dfPull{}}); err != nil {
		return nil, err
	}
	envelope, err := c.read()
	if err != nil {
		return nil, err
	}
	if envelope.Error != nil {
		return nil, fmt.Errorf("pull failed: %s", envelope.Error.Message)
	}
	if envelope.Snapshot == nil {
		return nil, fmt.Errorf("unexpected reply to pull")
	}
	return envelope.Snapshot, nil
}

// Commit pushes a field patch for this client's player record. The server
// applies it at its next checkout; ordering with a following Pull is
// guaranteed by the connection.
func (c *DataframeClient) Commit(patch map[string]interface{}) error {
	raw := make(map[string]json.RawMessage, len(patch))
	for field, value := range patch {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("error encoding patch field %q: %w", field, err)
		}
		raw[field] = data
	}
	return c.write(&dfEnvelope{Commit: &dfCommit{Patch: raw}})
}

// Close deletes the player record and tears down the connection. Closing an
// already closed client is a no-op.
func (c *DataframeClient) Close() error {
	if !c.closed.CAS(false, true) {
		return nil
	}
	// Best effort: the server also drops the record when the socket dies.
	c.write(&dfEnvelope{Leave: &dfLeave{}})
	return c.conn.Close()
}

func (c *DataframeClient) write(envelope *dfEnvelope) error {
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(envelope)
}

func (c *DataframeClient) read() (*dfEnvelope, error) {
	c.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	envelope := &dfEnvelope{}
	if err := c.conn.ReadJSON(envelope); err != nil {
		return nil, err
	}
	return envelope, nil
}
