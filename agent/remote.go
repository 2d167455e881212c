package agent

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/drover-dev/drover/proto"
)

// RemoteAgentConfig describes a sub-agent served by another runner process.
type RemoteAgentConfig struct {
	// Target is the gRPC address of the remote runner, e.g. "10.0.0.5:50051".
	Target string

	// AgentID names the agent on the remote side. Defaults to Name.
	AgentID string

	// Name and Description are shown to the coordinating model. Name
	// defaults to "remote-agent".
	Name        string
	Description string

	// TLS secures the connection when set; plaintext otherwise.
	TLS *tls.Config
}

// RemoteSubAgent proxies delegated tasks to another runner over gRPC. It
// satisfies SubAgent, so a coordinator roster can span processes. Transport
// failures come back as failed task results, not errors, so one unreachable
// host cannot abort a broadcast.
type RemoteSubAgent struct {
	id          string
	name        string
	description string
	conn        *grpc.ClientConn
	client      proto.DelegationServiceClient
}

// NewRemoteSubAgent dials the remote runner and returns a proxy for one of
// its agents. The caller owns the connection and must Close it.
func NewRemoteSubAgent(cfg RemoteAgentConfig) (*RemoteSubAgent, error) {
	if cfg.Target == "" {
		return nil, fmt.Errorf("remote agent: target address is required")
	}
	conn, err := dialRemote(cfg.Target, cfg.TLS)
	if err != nil {
		return nil, err
	}

	name := cfg.Name
	if name == "" {
		name = "remote-agent"
	}
	id := cfg.AgentID
	if id == "" {
		id = name
	}
	return &RemoteSubAgent{
		id:          id,
		name:        name,
		description: cfg.Description,
		conn:        conn,
		client:      proto.NewDelegationServiceClient(conn),
	}, nil
}

func dialRemote(target string, tlsCfg *tls.Config) (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	if tlsCfg != nil {
		creds = credentials.NewTLS(tlsCfg)
	}
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("remote agent: dial %s: %w", target, err)
	}
	return conn, nil
}

func (r *RemoteSubAgent) ID() string          { return r.id }
func (r *RemoteSubAgent) Name() string        { return r.name }
func (r *RemoteSubAgent) Description() string { return r.description }

// ExecuteTask forwards the task to the remote runner. The remote agent runs
// with its own models and tools; FallbackModel does not cross the wire.
func (r *RemoteSubAgent) ExecuteTask(ctx context.Context, req *TaskRequest) (*TaskResult, error) {
	resp, err := r.client.ExecuteTask(ctx, &proto.TaskRequest{
		AgentId:        r.id,
		Task:           req.Task,
		Context:        req.Context,
		ExpectedOutput: req.ExpectedOutput,
		SharedContext:  append([]string(nil), req.SharedContext...),
		SessionId:      req.SessionID,
	})
	if err != nil {
		return &TaskResult{
			Success: false,
			Error:   fmt.Sprintf("remote agent %s unreachable: %v", r.name, err),
		}, nil
	}
	return &TaskResult{
		Success:  resp.Success,
		Response: resp.Response,
		Error:    resp.Error,
		Metadata: RunMetadata{
			Iterations: int(resp.Iterations),
			Status:     Status(resp.Status),
		},
	}, nil
}

// Close releases the connection. Agents obtained from a RemoteRoster share
// the roster's connection and must not be closed individually.
func (r *RemoteSubAgent) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

// RemoteRoster discovers the agents a remote runner serves and exposes them
// as SubAgents sharing a single connection.
type RemoteRoster struct {
	target string
	conn   *grpc.ClientConn
	client proto.DelegationServiceClient
}

// DialRemoteRoster connects to a remote runner for agent discovery.
func DialRemoteRoster(target string, tlsCfg *tls.Config) (*RemoteRoster, error) {
	if target == "" {
		return nil, fmt.Errorf("remote roster: target address is required")
	}
	conn, err := dialRemote(target, tlsCfg)
	if err != nil {
		return nil, err
	}
	return &RemoteRoster{
		target: target,
		conn:   conn,
		client: proto.NewDelegationServiceClient(conn),
	}, nil
}

// Agents lists the remote runner's agents. Each returned agent proxies
// through the roster's connection, so closing the roster invalidates them.
func (r *RemoteRoster) Agents(ctx context.Context) ([]SubAgent, error) {
	resp, err := r.client.ListAgents(ctx, &proto.ListAgentsRequest{})
	if err != nil {
		return nil, fmt.Errorf("remote roster: list agents on %s: %w", r.target, err)
	}
	agents := make([]SubAgent, 0, len(resp.Agents))
	for _, info := range resp.Agents {
		agents = append(agents, &RemoteSubAgent{
			id:          info.Id,
			name:        info.Name,
			description: info.Description,
			client:      r.client,
		})
	}
	return agents, nil
}

// Close releases the shared connection.
func (r *RemoteRoster) Close() error { return r.conn.Close() }

// DelegationServer exposes local sub-agents to remote coordinators. Register
// it on a grpc.Server with proto.RegisterDelegationServiceServer.
type DelegationServer struct {
	proto.UnimplementedDelegationServiceServer

	mu     sync.RWMutex
	agents map[string]SubAgent
	order  []string
}

// NewDelegationServer serves the given agents, keyed by their IDs.
func NewDelegationServer(agents ...SubAgent) *DelegationServer {
	s := &DelegationServer{agents: make(map[string]SubAgent)}
	for _, a := range agents {
		s.Add(a)
	}
	return s
}

// Add registers another agent. Re-adding an ID replaces the earlier entry.
func (s *DelegationServer) Add(a SubAgent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := a.ID()
	if _, exists := s.agents[id]; !exists {
		s.order = append(s.order, id)
	}
	s.agents[id] = a
}

// ExecuteTask runs one delegated task on the named local agent. Failures,
// including an unknown agent ID, are reported inside the result.
func (s *DelegationServer) ExecuteTask(ctx context.Context, req *proto.TaskRequest) (*proto.TaskResult, error) {
	s.mu.RLock()
	target, ok := s.agents[req.AgentId]
	s.mu.RUnlock()
	if !ok {
		return &proto.TaskResult{
			Success: false,
			Error:   fmt.Sprintf("no agent with id %q", req.AgentId),
		}, nil
	}

	res, err := target.ExecuteTask(ctx, &TaskRequest{
		Task:           req.Task,
		Context:        req.Context,
		ExpectedOutput: req.ExpectedOutput,
		SharedContext:  append([]string(nil), req.SharedContext...),
		SessionID:      req.SessionId,
	})
	if err != nil {
		return &proto.TaskResult{Success: false, Error: err.Error()}, nil
	}
	return &proto.TaskResult{
		Success:    res.Success,
		Response:   res.Response,
		Error:      res.Error,
		Iterations: int32(res.Metadata.Iterations),
		Status:     string(res.Metadata.Status),
	}, nil
}

// ListAgents describes the served agents in registration order.
func (s *DelegationServer) ListAgents(ctx context.Context, _ *proto.ListAgentsRequest) (*proto.ListAgentsResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resp := &proto.ListAgentsResponse{Agents: make([]*proto.AgentInfo, 0, len(s.order))}
	for _, id := range s.order {
		a := s.agents[id]
		resp.Agents = append(resp.Agents, &proto.AgentInfo{
			Id:          a.ID(),
			Name:        a.Name(),
			Description: a.Description(),
		})
	}
	return resp, nil
}
