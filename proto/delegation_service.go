package proto

import (
	"context"

	"google.golang.org/grpc"
)

// Stub types for the DelegationService gRPC service
// TODO: Replace with generated protobuf code

// TaskRequest asks a remote runtime to run one task on a hosted agent.
type TaskRequest struct {
	AgentId        string
	Task           string
	Context        string
	ExpectedOutput string
	SharedContext  []string
	SessionId      string
}

// TaskResult is the outcome of a remotely executed task.
type TaskResult struct {
	Success    bool
	Response   string
	Error      string
	Iterations int32
	Status     string
}

// ListAgentsRequest asks a runtime to describe its hosted agents.
type ListAgentsRequest struct{}

// ListAgentsResponse lists the agents a runtime hosts.
type ListAgentsResponse struct {
	Agents []*AgentInfo
}

// AgentInfo describes one hosted agent.
type AgentInfo struct {
	Id          string
	Name        string
	Description string
}

// DelegationServiceClient is the client interface for the delegation service
type DelegationServiceClient interface {
	ExecuteTask(ctx context.Context, in *TaskRequest, opts ...grpc.CallOption) (*TaskResult, error)
	ListAgents(ctx context.Context, in *ListAgentsRequest, opts ...grpc.CallOption) (*ListAgentsResponse, error)
}

// delegationServiceClient implements DelegationServiceClient
type delegationServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewDelegationServiceClient creates a new DelegationServiceClient
func NewDelegationServiceClient(cc grpc.ClientConnInterface) DelegationServiceClient {
	return &delegationServiceClient{cc}
}

func (c *delegationServiceClient) ExecuteTask(ctx context.Context, in *TaskRequest, opts ...grpc.CallOption) (*TaskResult, error) {
	out := new(TaskResult)
	err := c.cc.Invoke(ctx, "/drover.DelegationService/ExecuteTask", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *delegationServiceClient) ListAgents(ctx context.Context, in *ListAgentsRequest, opts ...grpc.CallOption) (*ListAgentsResponse, error) {
	out := new(ListAgentsResponse)
	err := c.cc.Invoke(ctx, "/drover.DelegationService/ListAgents", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DelegationServiceServer is the server interface for the delegation service
type DelegationServiceServer interface {
	ExecuteTask(context.Context, *TaskRequest) (*TaskResult, error)
	ListAgents(context.Context, *ListAgentsRequest) (*ListAgentsResponse, error)
}

// UnimplementedDelegationServiceServer provides default implementations
type UnimplementedDelegationServiceServer struct{}

func (UnimplementedDelegationServiceServer) ExecuteTask(context.Context, *TaskRequest) (*TaskResult, error) {
	return nil, nil
}

func (UnimplementedDelegationServiceServer) ListAgents(context.Context, *ListAgentsRequest) (*ListAgentsResponse, error) {
	return nil, nil
}

// _DelegationService_ExecuteTask_Handler is the handler for the ExecuteTask RPC method
func _DelegationService_ExecuteTask_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(TaskRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DelegationServiceServer).ExecuteTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/drover.DelegationService/ExecuteTask",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DelegationServiceServer).ExecuteTask(ctx, req.(*TaskRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// _DelegationService_ListAgents_Handler is the handler for the ListAgents RPC method
func _DelegationService_ListAgents_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListAgentsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DelegationServiceServer).ListAgents(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/drover.DelegationService/ListAgents",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DelegationServiceServer).ListAgents(ctx, req.(*ListAgentsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterDelegationServiceServer registers the delegation service with gRPC
func RegisterDelegationServiceServer(s grpc.ServiceRegistrar, srv DelegationServiceServer) {
	// Stub implementation - would be generated by protoc
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "drover.DelegationService",
		HandlerType: (*DelegationServiceServer)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "ExecuteTask",
				Handler:    _DelegationService_ExecuteTask_Handler,
			},
			{
				MethodName: "ListAgents",
				Handler:    _DelegationService_ListAgents_Handler,
			},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "delegation.proto",
	}, srv)
}
