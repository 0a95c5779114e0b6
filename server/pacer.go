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

import "time"

// Pacer caps a polling loop to a target tick rate and tracks a single
// optional timeout. Deadlines are re-anchored at the time each tick
// completes, so a long stall never causes a catch-up burst.
type Pacer struct {
	interval time.Duration
	last     time.Time

	timeoutStart time.Time
	timeout      time.Duration
}

func NewPacer(tickRateHz int) *Pacer {
	return &Pacer{
		interval: time.Second / time.Duration(tickRateHz),
		last:     time.Now(),
	}
}

// Tick blocks until at least one tick interval has elapsed since the
// previous Tick returned. It reports whether the active timeout, if any,
// has expired.
func (p *Pacer) Tick() bool {
	if wait := p.interval - time.Since(p.last); wait > 0 {
		time.Sleep(wait)
	}
	p.last = time.Now()

	return p.timeout > 0 && p.last.Sub(p.timeoutStart) > p.timeout
}

// StartTimeout begins a new timeout, replacing any previous one. Only one
// timeout is active at a time.
func (p *Pacer) StartTimeout(d time.Duration) {
	p.timeoutStart = time.Now()
	p.timeout = d
}
