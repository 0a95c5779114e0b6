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
	"io"
	"time"

	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"
)

// Metrics wraps the tally scope used by the matchmaker and match servers.
// Values are flushed to the structured log on a fixed interval.
type Metrics struct {
	scope  tally.Scope
	closer io.Closer

	LoginsSuccess    tally.Counter
	LoginsRejected   tally.Counter
	MatchesStarted   tally.Counter
	MatchesCompleted tally.Counter
	MatchesAborted   tally.Counter
	MatchesActive    tally.Gauge
}

func NewMetrics(logger *zap.Logger, reportingInterval time.Duration) *Metrics {
	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:   "arena",
		Reporter: &zapStatsReporter{logger: logger},
	}, reportingInterval)

	return &Metrics{
		scope:  scope,
		closer: closer,

		LoginsSuccess:    scope.Counter("logins_success"),
		LoginsRejected:   scope.Counter("logins_rejected"),
		MatchesStarted:   scope.Counter("matches_started"),
		MatchesCompleted: scope.Counter("matches_completed"),
		MatchesAborted:   scope.Counter("matches_aborted"),
		MatchesActive:    scope.Gauge("matches_active"),
	}
}

func (m *Metrics) Stop(logger *zap.Logger) {
	if err := m.closer.Close(); err != nil {
		logger.Error("Error stopping metrics scope", zap.Error(err))
	}
}

// zapStatsReporter emits tally metrics as structured log lines. There is no
// external metrics sink in a single-process deployment.
type zapStatsReporter struct {
	logger *zap.Logger
}

func (r *zapStatsReporter) ReportCounter(name string, tags map[string]string, value int64) {
	if value == 0 {
		return
	}
	r.logger.Debug("metric", zap.String("name", name), zap.Int64("count", value))
}

func (r *zapStatsReporter) ReportGauge(name string, tags map[string]string, value float64) {
	r.logger.Debug("metric", zap.String("name", name), zap.Float64("gauge", value))
}

func (r *zapStatsReporter) ReportTimer(name string, tags map[string]string, interval time.Duration) {
	r.logger.Debug("metric", zap.String("name", name), zap.Duration("timer", interval))
}

func (r *zapStatsReporter) ReportHistogramValueSamples(name string, tags map[string]string, buckets tally.Buckets, bucketLowerBound, bucketUpperBound float64, samples int64) {
}

func (r *zapStatsReporter) ReportHistogramDurationSamples(name string, tags map[string]string, buckets tally.Buckets, bucketLowerBound, bucketUpperBound time.Duration, samples int64) {
}

func (r *zapStatsReporter) Capabilities() tally.Capabilities {
	return r
}

func (r *zapStatsReporter) Reporting() bool {
	return true
}

func (r *zapStatsReporter) Tagging() bool {
	return false
}

func (r *zapStatsReporter) Flush() {}
