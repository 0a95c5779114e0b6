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
	"bytes"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// DefaultRanking is assigned to users on their first sighting.
const DefaultRanking = 1000.0

// LoginResult enumerates the outcomes of a login attempt.
type LoginResult int

const (
	LoginOK LoginResult = iota
	LoginWrongPassword
	LoginDuplicate
	LoginNoUser
)

// UserEntry is one row of the user table as returned by GetMulti.
type UserEntry struct {
	Username     string
	PasswordHash []byte
	Ranking      float64
}

// RankingStore is a thread-safe user+ranking+login-state store over a local
// embedded database file. All methods serialize on one writer lock;
// contention is low since the matchmaker goroutine is the only caller in
// steady state.
type RankingStore struct {
	sync.Mutex
	logger *zap.Logger
	db     *sql.DB
}

// OpenRankingStore opens (creating if needed) the database file and resets
// all logged-in state left over from a previous run.
func OpenRankingStore(logger *zap.Logger, path string) (*RankingStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		password_hash BLOB,
		ranking REAL,
		logged_in BOOLEAN
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating user table: %w", err)
	}

	if _, err := db.Exec("UPDATE users SET logged_in = 0"); err != nil {
		db.Close()
		return nil, fmt.Errorf("error resetting login state: %w", err)
	}

	return &RankingStore{
		logger: logger,
		db:     db,
	}, nil
}

func (r *RankingStore) Close() error {
	r.Lock()
	defer r.Unlock()
	return r.db.Close()
}

// Set inserts a new user with the default ranking, logged out. It is a
// no-op if the user already exists.
func (r *RankingStore) Set(username string, passwordHash []byte) {
	r.Lock()
	defer r.Unlock()

	if _, err := r.db.Exec("INSERT OR IGNORE INTO users (username, password_hash, ranking, logged_in) VALUES (?, ?, ?, 0)",
		username, passwordHash, DefaultRanking); err != nil {
		r.logger.Error("Error inserting user", zap.String("username", username), zap.Error(err))
	}
}

// Login atomically checks credentials and flips the user to logged in.
func (r *RankingStore) Login(username string, passwordHash []byte) LoginResult {
	r.Lock()
	defer r.Unlock()

	var storedHash []byte
	var loggedIn bool
	err := r.db.QueryRow("SELECT password_hash, logged_in FROM users WHERE username = ?", username).Scan(&storedHash, &loggedIn)
	if err == sql.ErrNoRows {
		return LoginNoUser
	}
	if err != nil {
		r.logger.Error("Error reading user", zap.String("username", username), zap.Error(err))
		return LoginNoUser
	}

	if !bytes.Equal(storedHash, passwordHash) {
		return LoginWrongPassword
	}
	if loggedIn {
		return LoginDuplicate
	}

	if _, err := r.db.Exec("UPDATE users SET logged_in = 1 WHERE username = ?", username); err != nil {
		r.logger.Error("Error updating login state", zap.String("username", username), zap.Error(err))
		return LoginNoUser
	}
	return LoginOK
}

// Logoff clears the logged-in flag. Logging off a user that is not logged
// in, or does not exist, is a no-op.
func (r *RankingStore) Logoff(username string) {
	r.Lock()
	defer r.Unlock()

	if _, err := r.db.Exec("UPDATE users SET logged_in = 0 WHERE username = ?", username); err != nil {
		r.logger.Error("Error clearing login state", zap.String("username", username), zap.Error(err))
	}
}

// GetMulti bulk fetches user entries by name. Unknown names are absent from
// the result.
func (r *RankingStore) GetMulti(usernames ...string) ([]*UserEntry, error) {
	r.Lock()
	defer r.Unlock()

	if len(usernames) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(usernames)), ", ")
	args := make([]interface{}, 0, len(usernames))
	for _, username := range usernames {
		args = append(args, username)
	}

	rows, err := r.db.Query("SELECT username, password_hash, ranking FROM users WHERE username IN ("+placeholders+")", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]*UserEntry, 0, len(usernames))
	for rows.Next() {
		entry := &UserEntry{}
		if err := rows.Scan(&entry.Username, &entry.PasswordHash, &entry.Ranking); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// UpdateRanking adjusts a user's ranking by delta. Present for ranking
// integrations; the core matchmaking flow does not call it.
func (r *RankingStore) UpdateRanking(username string, delta float64) {
	r.Lock()
	defer r.Unlock()

	if _, err := r.db.Exec("UPDATE users SET ranking = ranking + ? WHERE username = ?", delta, username); err != nil {
		r.logger.Error("Error updating ranking", zap.String("username", username), zap.Error(err))
	}
}

// HashPassword derives the wire credential for a username and password:
// SHA-256 over the password bytes followed by the username bytes.
func HashPassword(password, username string) []byte {
	h := sha256.New()
	h.Write([]byte(password))
	h.Write([]byte(username))
	return h.Sum(nil)
}
