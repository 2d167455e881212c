package proto

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc"
)

type fixtureServer struct {
	UnimplementedDelegationServiceServer
	gotTask *TaskRequest
}

func (s *fixtureServer) ExecuteTask(ctx context.Context, in *TaskRequest) (*TaskResult, error) {
	s.gotTask = in
	return &TaskResult{Success: true, Response: "done by " + in.AgentId}, nil
}

func (s *fixtureServer) ListAgents(ctx context.Context, in *ListAgentsRequest) (*ListAgentsResponse, error) {
	return &ListAgentsResponse{Agents: []*AgentInfo{
		{Id: "a1", Name: "Researcher", Description: "Finds things."},
	}}, nil
}

type fakeRegistrar struct {
	desc *grpc.ServiceDesc
	impl interface{}
}

func (f *fakeRegistrar) RegisterService(desc *grpc.ServiceDesc, impl interface{}) {
	f.desc = desc
	f.impl = impl
}

func TestExecuteTaskHandler(t *testing.T) {
	srv := &fixtureServer{}
	dec := func(v interface{}) error {
		*(v.(*TaskRequest)) = TaskRequest{
			AgentId:       "a1",
			Task:          "summarize",
			SharedContext: []string{"earlier finding"},
			SessionId:     "s1",
		}
		return nil
	}

	out, err := _DelegationService_ExecuteTask_Handler(srv, context.Background(), dec, nil)
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	res, ok := out.(*TaskResult)
	if !ok {
		t.Fatalf("handler returned %T, want *TaskResult", out)
	}
	if !res.Success || res.Response != "done by a1" {
		t.Errorf("result = %+v", res)
	}
	if srv.gotTask == nil || srv.gotTask.Task != "summarize" {
		t.Errorf("server saw request %+v", srv.gotTask)
	}
	if len(srv.gotTask.SharedContext) != 1 || srv.gotTask.SessionId != "s1" {
		t.Errorf("request fields dropped: %+v", srv.gotTask)
	}
}

func TestExecuteTaskHandlerDecodeError(t *testing.T) {
	srv := &fixtureServer{}
	decErr := errors.New("bad payload")
	dec := func(v interface{}) error { return decErr }

	_, err := _DelegationService_ExecuteTask_Handler(srv, context.Background(), dec, nil)
	if !errors.Is(err, decErr) {
		t.Fatalf("err = %v, want %v", err, decErr)
	}
	if srv.gotTask != nil {
		t.Error("server was invoked despite decode failure")
	}
}

func TestExecuteTaskHandlerInterceptor(t *testing.T) {
	srv := &fixtureServer{}
	dec := func(v interface{}) error {
		*(v.(*TaskRequest)) = TaskRequest{AgentId: "a1", Task: "t"}
		return nil
	}

	var gotMethod string
	interceptor := func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		gotMethod = info.FullMethod
		return handler(ctx, req)
	}

	out, err := _DelegationService_ExecuteTask_Handler(srv, context.Background(), dec, interceptor)
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if gotMethod != "/drover.DelegationService/ExecuteTask" {
		t.Errorf("FullMethod = %q", gotMethod)
	}
	if res := out.(*TaskResult); !res.Success {
		t.Errorf("result = %+v", res)
	}
}

func TestListAgentsHandler(t *testing.T) {
	srv := &fixtureServer{}
	dec := func(v interface{}) error { return nil }

	out, err := _DelegationService_ListAgents_Handler(srv, context.Background(), dec, nil)
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	res := out.(*ListAgentsResponse)
	if len(res.Agents) != 1 || res.Agents[0].Name != "Researcher" {
		t.Errorf("agents = %+v", res.Agents)
	}
}

func TestRegisterDelegationServiceServer(t *testing.T) {
	fr := &fakeRegistrar{}
	srv := &fixtureServer{}
	RegisterDelegationServiceServer(fr, srv)

	if fr.desc == nil {
		t.Fatal("service was not registered")
	}
	if fr.desc.ServiceName != "drover.DelegationService" {
		t.Errorf("ServiceName = %q", fr.desc.ServiceName)
	}
	if fr.impl != srv {
		t.Error("registered implementation is not the server")
	}

	want := map[string]bool{"ExecuteTask": false, "ListAgents": false}
	for _, m := range fr.desc.Methods {
		if _, ok := want[m.MethodName]; !ok {
			t.Errorf("unexpected method %q", m.MethodName)
			continue
		}
		want[m.MethodName] = true
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("method %q not registered", name)
		}
	}
	if fr.desc.Metadata != "delegation.proto" {
		t.Errorf("Metadata = %v", fr.desc.Metadata)
	}
}
