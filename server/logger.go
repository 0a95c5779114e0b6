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
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupLogging builds the runtime loggers from config. It returns the
// logger used by server components and a multi logger for startup messages.
func SetupLogging(tmpLogger *zap.Logger, config *Config) (*zap.Logger, *zap.Logger) {
	zapLevel := zapcore.InfoLevel
	switch strings.ToLower(config.Logger.Level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		tmpLogger.Fatal("Logger level invalid, must be one of: debug, info, warn, or error")
	}

	consoleLogger := NewJSONLogger(os.Stdout, zapLevel)

	if config.Logger.File != "" {
		fileLogger := NewRotatingJSONFileLogger(config.Logger.File, zapLevel)
		multiLogger := NewMultiLogger(consoleLogger, fileLogger)
		zap.RedirectStdLog(multiLogger)
		return multiLogger, multiLogger
	}

	zap.RedirectStdLog(consoleLogger)
	return consoleLogger, consoleLogger
}

// NewRotatingJSONFileLogger writes JSON logs to a size-rotated file.
func NewRotatingJSONFileLogger(fpath string, level zapcore.Level) *zap.Logger {
	output := &lumberjack.Logger{
		Filename:   fpath,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
	}
	return newJSONLogger(zapcore.AddSync(output), level)
}

func NewMultiLogger(loggers ...*zap.Logger) *zap.Logger {
	cores := make([]zapcore.Core, 0, len(loggers))
	for _, logger := range loggers {
		cores = append(cores, logger.Core())
	}

	teeCore := zapcore.NewTee(cores...)
	options := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
	return zap.New(teeCore, options...)
}

func NewJSONLogger(output io.Writer, level zapcore.Level) *zap.Logger {
	return newJSONLogger(zapcore.AddSync(output), level)
}

func newJSONLogger(output zapcore.WriteSyncer, level zapcore.Level) *zap.Logger {
	jsonEncoder := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	})

	core := zapcore.NewCore(jsonEncoder, zapcore.Lock(output), level)
	options := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
	return zap.New(core, options...)
}
