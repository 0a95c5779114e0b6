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
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newTestLogger() *zap.Logger {
	return NewJSONLogger(os.Stdout, zapcore.ErrorLevel)
}

func newTestConfig(t *testing.T) *Config {
	config := NewConfig()
	config.Database = filepath.Join(t.TempDir(), "test.sqlite")
	config.TickRate = 120
	return config
}

func newTestMetrics() *Metrics {
	return NewMetrics(newTestLogger(), time.Hour)
}
