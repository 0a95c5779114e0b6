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
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// ApiServer exposes the matchmaking service over gRPC. It is a thin edge:
// all decisions live in the Matchmaker it delegates to.
type ApiServer struct {
	logger     *zap.Logger
	config     *Config
	grpcServer *grpc.Server
	matchmaker *Matchmaker
}

// StartApiServer binds the matchmaking port and begins serving. Failure to
// bind is fatal; the process is useless without this endpoint.
func StartApiServer(logger, startupLogger *zap.Logger, config *Config, matchmaker *Matchmaker) *ApiServer {
	s := &ApiServer{
		logger:     logger,
		config:     config,
		grpcServer: grpc.NewServer(),
		matchmaker: matchmaker,
	}
	RegisterMatchmakerServer(s.grpcServer, s)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", config.MatchmakingPort))
	if err != nil {
		startupLogger.Fatal("API server listener failed to start", zap.Error(err))
	}
	go func() {
		if err := s.grpcServer.Serve(listener); err != nil {
			logger.Error("API server listener failed", zap.Error(err))
		}
	}()
	startupLogger.Info("Starting API server for gRPC requests", zap.Int("port", config.MatchmakingPort))

	return s
}

// GetMatch implements MatchmakerServer.
func (s *ApiServer) GetMatch(ctx context.Context, request *QuickMatchRequest) (*QuickMatchReply, error) {
	s.logger.Debug("Received match request", zap.String("username", request.Username))
	return s.matchmaker.GetMatch(ctx, request)
}

// Stop drains in-flight RPCs and closes the listener.
func (s *ApiServer) Stop() {
	s.grpcServer.GracefulStop()
}
