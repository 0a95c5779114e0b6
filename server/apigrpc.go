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
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

// QuickMatchRequest asks for admission to the next available match. The
// password travels pre-hashed; see HashPassword.
type QuickMatchRequest struct {
	Username string `json:"username"`
	Password []byte `json:"password"`
}

// QuickMatchReply carries the match assignment, or Server == "FAIL" with the
// reason in Response.
type QuickMatchReply struct {
	Username string  `json:"username"`
	Server   string  `json:"server"`
	AuthKey  string  `json:"auth_key"`
	Ranking  float64 `json:"ranking"`
	Response string  `json:"response"`
}

// MatchmakerServer is the service side of the matchmaking RPC.
type MatchmakerServer interface {
	GetMatch(ctx context.Context, request *QuickMatchRequest) (*QuickMatchReply, error)
}

const (
	matchmakerServiceName  = "arena.Matchmaker"
	matchmakerGetMatchPath = "/arena.Matchmaker/GetMatch"
	matchmakerCodecSubtype = "json"
)

// jsonCodec lets the matchmaking service speak plain JSON over gRPC framing,
// so clients in any language can call it without generated bindings.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return matchmakerCodecSubtype
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

func getMatchHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(QuickMatchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MatchmakerServer).GetMatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: matchmakerGetMatchPath,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MatchmakerServer).GetMatch(ctx, req.(*QuickMatchRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var matchmakerServiceDesc = grpc.ServiceDesc{
	ServiceName: matchmakerServiceName,
	HandlerType: (*MatchmakerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetMatch",
			Handler:    getMatchHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "arena/matchmaker",
}

// RegisterMatchmakerServer attaches the matchmaking service to a gRPC server.
func RegisterMatchmakerServer(s *grpc.Server, srv MatchmakerServer) {
	s.RegisterService(&matchmakerServiceDesc, srv)
}

// MatchmakerClient calls the matchmaking service.
type MatchmakerClient struct {
	cc *grpc.ClientConn
}

// DialMatchmaker opens a client connection to a matchmaking endpoint, e.g.
// "localhost:50051".
func DialMatchmaker(target string) (*MatchmakerClient, error) {
	cc, err := grpc.Dial(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(matchmakerCodecSubtype)),
	)
	if err != nil {
		return nil, fmt.Errorf("error dialing matchmaker: %w", err)
	}
	return &MatchmakerClient{cc: cc}, nil
}

func (c *MatchmakerClient) GetMatch(ctx context.Context, request *QuickMatchRequest) (*QuickMatchReply, error) {
	reply := new(QuickMatchReply)
	if err := c.cc.Invoke(ctx, matchmakerGetMatchPath, request, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *MatchmakerClient) Close() error {
	return c.cc.Close()
}
