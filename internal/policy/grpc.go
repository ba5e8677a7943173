package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/danielpatrickdp/pair-sim/internal/attribution"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region service

// ServiceName is the fully qualified gRPC service exposing the policy.
// Messages are google.protobuf.Struct values carrying the JSON wire shape.
const ServiceName = "pairsim.policy.v1.PolicyService"

const (
	humanMethod     = "/" + ServiceName + "/HumanAction"
	assistantMethod = "/" + ServiceName + "/AssistantAction"
)

// ServiceDesc describes the policy service for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Client)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "HumanAction", Handler: turnHandler(attribution.AuthorHuman, humanMethod)},
		{MethodName: "AssistantAction", Handler: turnHandler(attribution.AuthorAssistant, assistantMethod)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pairsim/policy/v1/policy.proto",
}

// RegisterPolicyServer serves p on s.
func RegisterPolicyServer(s grpc.ServiceRegistrar, p Client) {
	s.RegisterService(&ServiceDesc, p)
}

func turnHandler(author attribution.Author, method string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		serve := func(ctx context.Context, req any) (any, error) {
			return serveTurn(ctx, srv.(Client), author, req.(*structpb.Struct))
		}
		if interceptor == nil {
			return serve(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, serve)
	}
}

func serveTurn(ctx context.Context, p Client, author attribution.Author, in *structpb.Struct) (*structpb.Struct, error) {
	var w wireRequest
	if err := fromStruct(in, &w); err != nil {
		return nil, err
	}
	req := decodeRequest(w)
	req.Author = author

	resp, err := Request(ctx, p, req)
	if errors.Is(err, ErrNoAction) {
		return toStruct(wireResponse{})
	}
	if err != nil {
		return nil, err
	}
	return toStruct(encodeResponse(resp))
}

// #endregion service

// #region client

// GRPCClient calls the policy service over gRPC.
type GRPCClient struct {
	conn *grpc.ClientConn
	cc   grpc.ClientConnInterface
}

// NewGRPCClient connects to the policy gRPC server at addr.
func NewGRPCClient(addr string) (*GRPCClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &GRPCClient{conn: conn, cc: conn}, nil
}

// NewGRPCClientWithConn wraps an existing connection. The caller keeps
// ownership of cc.
func NewGRPCClientWithConn(cc grpc.ClientConnInterface) *GRPCClient {
	return &GRPCClient{cc: cc}
}

// Close shuts down a connection opened by NewGRPCClient.
func (c *GRPCClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// RequestHumanTurn asks the human policy for its next action.
func (c *GRPCClient) RequestHumanTurn(ctx context.Context, req TurnRequest) (TurnResponse, error) {
	return c.invoke(ctx, humanMethod, req)
}

// RequestAssistantTurn asks the assistant policy for its next action.
func (c *GRPCClient) RequestAssistantTurn(ctx context.Context, req TurnRequest) (TurnResponse, error) {
	return c.invoke(ctx, assistantMethod, req)
}

func (c *GRPCClient) invoke(ctx context.Context, method string, req TurnRequest) (TurnResponse, error) {
	in, err := toStruct(encodeRequest(req))
	if err != nil {
		return TurnResponse{}, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out); err != nil {
		return TurnResponse{}, fmt.Errorf("%s rpc: %w", method, err)
	}
	data, err := json.Marshal(out.AsMap())
	if err != nil {
		return TurnResponse{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return decodeResponse(data)
}

// #endregion client

// #region struct-helpers

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode struct: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("encode struct: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode struct: %w", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decode struct: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode struct: %w", err)
	}
	return nil
}

// #endregion struct-helpers
