package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"
	"testing"

	"google.golang.org/grpc"

	"github.com/drover-dev/drover/proto"
)

type fakeDelegationClient struct {
	resp    *proto.TaskResult
	err     error
	gotReq  *proto.TaskRequest
	listed  *proto.ListAgentsResponse
	listErr error
}

func (f *fakeDelegationClient) ExecuteTask(ctx context.Context, in *proto.TaskRequest, opts ...grpc.CallOption) (*proto.TaskResult, error) {
	f.gotReq = in
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeDelegationClient) ListAgents(ctx context.Context, in *proto.ListAgentsRequest, opts ...grpc.CallOption) (*proto.ListAgentsResponse, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.listed, nil
}

func TestRemoteSubAgentExecuteTask(t *testing.T) {
	fake := &fakeDelegationClient{resp: &proto.TaskResult{
		Success:    true,
		Response:   "found it",
		Iterations: 3,
		Status:     "completed",
	}}
	remote := &RemoteSubAgent{id: "r1", name: "researcher", description: "digs", client: fake}

	res, err := remote.ExecuteTask(context.Background(), &TaskRequest{
		Task:           "find the answer",
		Context:        "earlier notes",
		ExpectedOutput: "one line",
		SharedContext:  []string{"s1", "s2"},
		SessionID:      "sess-9",
	})
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}

	if !res.Success {
		t.Error("expected success")
	}
	if res.Response != "found it" {
		t.Errorf("response = %q", res.Response)
	}
	if res.Metadata.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", res.Metadata.Iterations)
	}
	if res.Metadata.Status != StatusCompleted {
		t.Errorf("status = %q, want %q", res.Metadata.Status, StatusCompleted)
	}

	req := fake.gotReq
	if req == nil {
		t.Fatal("wire request not sent")
	}
	if req.AgentId != "r1" {
		t.Errorf("AgentId = %q, want r1", req.AgentId)
	}
	if req.Task != "find the answer" || req.Context != "earlier notes" || req.ExpectedOutput != "one line" {
		t.Errorf("task fields not carried: %+v", req)
	}
	if len(req.SharedContext) != 2 || req.SharedContext[0] != "s1" {
		t.Errorf("SharedContext = %v", req.SharedContext)
	}
	if req.SessionId != "sess-9" {
		t.Errorf("SessionId = %q", req.SessionId)
	}
}

func TestRemoteSubAgentTransportFailure(t *testing.T) {
	fake := &fakeDelegationClient{err: errors.New("connection refused")}
	remote := &RemoteSubAgent{id: "r1", name: "researcher", client: fake}

	res, err := remote.ExecuteTask(context.Background(), &TaskRequest{Task: "t"})
	if err != nil {
		t.Fatalf("transport failure must not surface as an error, got %v", err)
	}
	if res.Success {
		t.Error("expected failed result")
	}
	for _, want := range []string{"researcher", "unreachable", "connection refused"} {
		if !strings.Contains(res.Error, want) {
			t.Errorf("error %q missing %q", res.Error, want)
		}
	}
}

func TestRemoteSubAgentRemoteFailure(t *testing.T) {
	fake := &fakeDelegationClient{resp: &proto.TaskResult{
		Success: false,
		Error:   "model quota exhausted",
		Status:  "failed",
	}}
	remote := &RemoteSubAgent{id: "r1", name: "researcher", client: fake}

	res, err := remote.ExecuteTask(context.Background(), &TaskRequest{Task: "t"})
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if res.Success {
		t.Error("expected failed result")
	}
	if res.Error != "model quota exhausted" {
		t.Errorf("error = %q", res.Error)
	}
	if res.Metadata.Status != StatusFailed {
		t.Errorf("status = %q", res.Metadata.Status)
	}
}

func TestNewRemoteSubAgent(t *testing.T) {
	if _, err := NewRemoteSubAgent(RemoteAgentConfig{}); err == nil || !strings.Contains(err.Error(), "target") {
		t.Fatalf("expected target validation error, got %v", err)
	}

	remote, err := NewRemoteSubAgent(RemoteAgentConfig{Target: "localhost:50099"})
	if err != nil {
		t.Fatalf("NewRemoteSubAgent: %v", err)
	}
	defer remote.Close()
	if remote.Name() != "remote-agent" {
		t.Errorf("default name = %q", remote.Name())
	}
	if remote.ID() != "remote-agent" {
		t.Errorf("default id = %q", remote.ID())
	}

	named, err := NewRemoteSubAgent(RemoteAgentConfig{
		Target:      "localhost:50099",
		AgentID:     "w9",
		Name:        "writer",
		Description: "writes prose",
		TLS:         &tls.Config{MinVersion: tls.VersionTLS12},
	})
	if err != nil {
		t.Fatalf("NewRemoteSubAgent with TLS: %v", err)
	}
	defer named.Close()
	if named.ID() != "w9" || named.Name() != "writer" || named.Description() != "writes prose" {
		t.Errorf("identity not applied: %q %q %q", named.ID(), named.Name(), named.Description())
	}
}

func TestRemoteRosterAgents(t *testing.T) {
	fake := &fakeDelegationClient{listed: &proto.ListAgentsResponse{Agents: []*proto.AgentInfo{
		{Id: "a1", Name: "researcher", Description: "digs"},
		{Id: "a2", Name: "writer", Description: "writes"},
	}}}
	roster := &RemoteRoster{target: "host:50051", client: fake}

	agents, err := roster.Agents(context.Background())
	if err != nil {
		t.Fatalf("Agents: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("got %d agents, want 2", len(agents))
	}
	if agents[0].ID() != "a1" || agents[0].Name() != "researcher" || agents[0].Description() != "digs" {
		t.Errorf("agent[0] = %q %q %q", agents[0].ID(), agents[0].Name(), agents[0].Description())
	}
	if agents[1].Name() != "writer" {
		t.Errorf("agent[1] name = %q", agents[1].Name())
	}

	// Roster members route through the shared client with their own IDs.
	fake.resp = &proto.TaskResult{Success: true, Response: "ok"}
	if _, err := agents[1].ExecuteTask(context.Background(), &TaskRequest{Task: "t"}); err != nil {
		t.Fatalf("member ExecuteTask: %v", err)
	}
	if fake.gotReq.AgentId != "a2" {
		t.Errorf("member AgentId = %q, want a2", fake.gotReq.AgentId)
	}

	// Members do not own the connection; closing one is a no-op.
	member, ok := agents[0].(*RemoteSubAgent)
	if !ok {
		t.Fatalf("agent[0] is %T", agents[0])
	}
	if err := member.Close(); err != nil {
		t.Errorf("member Close: %v", err)
	}
}

func TestRemoteRosterListFailure(t *testing.T) {
	fake := &fakeDelegationClient{listErr: errors.New("deadline exceeded")}
	roster := &RemoteRoster{target: "host:50051", client: fake}

	_, err := roster.Agents(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "host:50051") || !strings.Contains(err.Error(), "deadline exceeded") {
		t.Errorf("error = %v", err)
	}
}

type stubSubAgent struct {
	id   string
	name string
	desc string
	res  *TaskResult
	err  error
	got  *TaskRequest
}

func (s *stubSubAgent) ID() string          { return s.id }
func (s *stubSubAgent) Name() string        { return s.name }
func (s *stubSubAgent) Description() string { return s.desc }

func (s *stubSubAgent) ExecuteTask(ctx context.Context, req *TaskRequest) (*TaskResult, error) {
	s.got = req
	return s.res, s.err
}

func TestDelegationServerExecuteTask(t *testing.T) {
	stub := &stubSubAgent{id: "s1", name: "researcher", res: &TaskResult{
		Success:  true,
		Response: "done",
		Metadata: RunMetadata{Iterations: 2, Status: StatusCompleted},
	}}
	server := NewDelegationServer(stub)

	res, err := server.ExecuteTask(context.Background(), &proto.TaskRequest{
		AgentId:       "s1",
		Task:          "dig",
		Context:       "ctx",
		SharedContext: []string{"c1"},
		SessionId:     "sess",
	})
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if !res.Success || res.Response != "done" {
		t.Errorf("result = %+v", res)
	}
	if res.Iterations != 2 {
		t.Errorf("iterations = %d", res.Iterations)
	}
	if res.Status != "completed" {
		t.Errorf("status = %q", res.Status)
	}

	if stub.got == nil {
		t.Fatal("agent not invoked")
	}
	if stub.got.Task != "dig" || stub.got.Context != "ctx" || stub.got.SessionID != "sess" {
		t.Errorf("request not carried: %+v", stub.got)
	}
	if len(stub.got.SharedContext) != 1 || stub.got.SharedContext[0] != "c1" {
		t.Errorf("SharedContext = %v", stub.got.SharedContext)
	}
}

func TestDelegationServerUnknownAgent(t *testing.T) {
	server := NewDelegationServer()

	res, err := server.ExecuteTask(context.Background(), &proto.TaskRequest{AgentId: "ghost", Task: "t"})
	if err != nil {
		t.Fatalf("unknown agent must fail inside the result, got error %v", err)
	}
	if res.Success {
		t.Error("expected failure")
	}
	if !strings.Contains(res.Error, `"ghost"`) {
		t.Errorf("error = %q", res.Error)
	}
}

func TestDelegationServerAgentError(t *testing.T) {
	stub := &stubSubAgent{id: "s1", name: "flaky", err: errors.New("boom")}
	server := NewDelegationServer(stub)

	res, err := server.ExecuteTask(context.Background(), &proto.TaskRequest{AgentId: "s1", Task: "t"})
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if res.Success || res.Error != "boom" {
		t.Errorf("result = %+v", res)
	}
}

func TestDelegationServerListAgents(t *testing.T) {
	server := NewDelegationServer(
		&stubSubAgent{id: "a", name: "first", desc: "one"},
		&stubSubAgent{id: "b", name: "second", desc: "two"},
	)

	resp, err := server.ListAgents(context.Background(), &proto.ListAgentsRequest{})
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(resp.Agents) != 2 {
		t.Fatalf("got %d agents", len(resp.Agents))
	}
	if resp.Agents[0].Id != "a" || resp.Agents[1].Id != "b" {
		t.Errorf("order = %q, %q", resp.Agents[0].Id, resp.Agents[1].Id)
	}
	if resp.Agents[0].Name != "first" || resp.Agents[0].Description != "one" {
		t.Errorf("agent[0] = %+v", resp.Agents[0])
	}

	// Re-adding an ID replaces the entry without duplicating it.
	server.Add(&stubSubAgent{id: "a", name: "first", desc: "updated"})
	resp, err = server.ListAgents(context.Background(), &proto.ListAgentsRequest{})
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(resp.Agents) != 2 {
		t.Fatalf("got %d agents after re-add", len(resp.Agents))
	}
	if resp.Agents[0].Description != "updated" {
		t.Errorf("description = %q", resp.Agents[0].Description)
	}
}
