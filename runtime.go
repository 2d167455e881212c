package drover

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/drover-dev/drover/agent"
	"github.com/drover-dev/drover/agents"
	"github.com/drover-dev/drover/internal/llm/provider"
	"github.com/drover-dev/drover/internal/observability"
	"github.com/drover-dev/drover/pkg/memory"
	metrics "github.com/drover-dev/drover/pkg/observability"
	"github.com/drover-dev/drover/pkg/pause"
	"github.com/drover-dev/drover/pkg/tool"
	"github.com/drover-dev/drover/proto"
)

// Runtime assembles the engine from a Config: resolved models, the memory
// store, per-agent runners, the roster, the coordinator, pause bookkeeping,
// and the metrics endpoint.
type Runtime struct {
	cfg *Config

	store        memory.Store
	pauses       *pause.Registry
	checkpointer pause.Checkpointer

	toolset map[string]agent.Tool
	models  map[string]agent.Model
	runners map[string]*agents.Runner
	roster  []agent.SubAgent
	extras  []agent.SubAgent
	flock   *agents.Coordinator

	closers []io.Closer

	cron       *cron.Cron
	metricsSrv *metrics.Server
	group      *errgroup.Group

	mu      sync.Mutex
	started bool
}

// RuntimeOption customizes construction before the config is wired up.
type RuntimeOption func(*Runtime)

// WithTool makes a custom tool available to agents that list its name.
func WithTool(t agent.Tool) RuntimeOption {
	return func(rt *Runtime) {
		rt.toolset[t.Definition().Name] = t
	}
}

// WithModel preseeds a model under a name, bypassing provider detection.
// Agents referencing the name use the given model directly.
func WithModel(name string, m agent.Model) RuntimeOption {
	return func(rt *Runtime) {
		rt.models[name] = m
	}
}

// WithStore replaces the configured memory backend.
func WithStore(s memory.Store) RuntimeOption {
	return func(rt *Runtime) {
		rt.store = s
	}
}

// WithSubAgent adds an extra roster member beyond the configured agents.
func WithSubAgent(a agent.SubAgent) RuntimeOption {
	return func(rt *Runtime) {
		rt.extras = append(rt.extras, a)
	}
}

// NewRuntime builds a runtime from the config. Models, tools, and remote
// connections are resolved eagerly so misconfiguration fails here rather
// than mid-run.
func NewRuntime(ctx context.Context, cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}

	rt := &Runtime{
		cfg:     cfg,
		pauses:  pause.NewRegistry(),
		toolset: make(map[string]agent.Tool),
		models:  make(map[string]agent.Model),
		runners: make(map[string]*agents.Runner),
	}
	for _, t := range []agent.Tool{tool.Calculator(), tool.Clock(), tool.AskHuman()} {
		rt.toolset[t.Definition().Name] = t
	}
	for _, opt := range opts {
		opt(rt)
	}

	if rt.store == nil {
		store, err := buildStore(ctx, cfg.Memory)
		if err != nil {
			return nil, err
		}
		rt.store = store
	}

	cp, err := pause.NewFileCheckpointer(cfg.Pause.CheckpointDir)
	if err != nil {
		return nil, fmt.Errorf("checkpointer: %w", err)
	}
	rt.checkpointer = cp

	for i := range cfg.Agents {
		def := &cfg.Agents[i]
		model, err := rt.modelFor(def.Model)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", def.Name, err)
		}
		selected, err := rt.toolsFor(def)
		if err != nil {
			return nil, err
		}

		rt.runners[def.Name] = agents.NewRunner(model,
			agents.WithName(def.Name),
			agents.WithTools(tool.NewRegistry(selected...)),
			agents.WithMemory(rt.store),
			agents.WithPauseRegistry(rt.pauses, rt.checkpointer),
		)
		rt.roster = append(rt.roster, agents.NewLocalAgent(agents.Definition{
			Name:          def.Name,
			Description:   def.Description,
			SystemPrompt:  def.SystemPrompt,
			Model:         model,
			Tools:         selected,
			Memory:        rt.store,
			MaxIterations: def.MaxIterations,
		}))
	}

	for i := range cfg.Remotes {
		if err := rt.connectRemote(ctx, &cfg.Remotes[i]); err != nil {
			rt.closeConns()
			return nil, err
		}
	}
	rt.roster = append(rt.roster, rt.extras...)

	coordModel := cfg.Coordinator.Model
	if coordModel == "" {
		coordModel = cfg.DefaultModel
	}
	if coordModel != "" {
		model, err := rt.modelFor(coordModel)
		if err != nil {
			rt.closeConns()
			return nil, fmt.Errorf("coordinator: %w", err)
		}
		rt.flock = agents.NewCoordinator(model, rt.roster,
			agents.WithCoordinatorName(cfg.Coordinator.Name))
	}

	rt.cron = cron.New()
	if _, err := rt.cron.AddFunc(cfg.Pause.SweepSchedule, rt.sweepPaused); err != nil {
		rt.closeConns()
		return nil, fmt.Errorf("pause sweep schedule %q: %w", cfg.Pause.SweepSchedule, err)
	}

	return rt, nil
}

func (rt *Runtime) connectRemote(ctx context.Context, def *RemoteDef) error {
	tlsCfg, err := buildTLS(def.TLS)
	if err != nil {
		return fmt.Errorf("remote %s: %w", def.Target, err)
	}

	if def.Discover {
		roster, err := agent.DialRemoteRoster(def.Target, tlsCfg)
		if err != nil {
			return err
		}
		discovered, err := roster.Agents(ctx)
		if err != nil {
			roster.Close()
			return err
		}
		rt.roster = append(rt.roster, discovered...)
		rt.closers = append(rt.closers, roster)
		log.Printf("Discovered %d agents on %s", len(discovered), def.Target)
		return nil
	}

	remote, err := agent.NewRemoteSubAgent(agent.RemoteAgentConfig{
		Target:      def.Target,
		AgentID:     def.AgentID,
		Name:        def.Name,
		Description: def.Description,
		TLS:         tlsCfg,
	})
	if err != nil {
		return err
	}
	rt.roster = append(rt.roster, remote)
	rt.closers = append(rt.closers, remote)
	return nil
}

// modelFor resolves a model name through the provider registry, caching
// per name. Preseeded models (WithModel) take precedence.
func (rt *Runtime) modelFor(name string) (agent.Model, error) {
	if name == "" {
		name = rt.cfg.DefaultModel
	}
	if name == "" {
		return nil, fmt.Errorf("no model configured and default_model is empty")
	}
	if m, ok := rt.models[name]; ok {
		return m, nil
	}

	provName, ok := provider.Detect(name)
	if !ok {
		return nil, fmt.Errorf("cannot detect provider for model %q (available providers: %s)",
			name, strings.Join(provider.Names(), ", "))
	}
	conf := make(map[string]any, len(rt.cfg.Providers[provName])+1)
	for k, v := range rt.cfg.Providers[provName] {
		conf[k] = v
	}
	conf["model"] = name

	m, err := provider.New(provName, conf)
	if err != nil {
		return nil, err
	}
	rt.models[name] = m
	return m, nil
}

func (rt *Runtime) toolsFor(def *AgentDef) ([]agent.Tool, error) {
	selected := make([]agent.Tool, 0, len(def.Tools))
	for _, name := range def.Tools {
		t, ok := rt.toolset[name]
		if !ok {
			return nil, fmt.Errorf("agent %s: unknown tool %q (available: %s)",
				def.Name, name, strings.Join(rt.toolNames(), ", "))
		}
		selected = append(selected, t)
	}
	return selected, nil
}

func (rt *Runtime) toolNames() []string {
	names := make([]string, 0, len(rt.toolset))
	for name := range rt.toolset {
		names = append(names, name)
	}
	return names
}

func buildStore(ctx context.Context, cfg MemoryConfig) (memory.Store, error) {
	switch cfg.Backend {
	case "inmemory":
		return memory.NewInMemoryStore(), nil
	case "file":
		return memory.NewFileStore(cfg.BaseDir)
	case "redis":
		var ttl time.Duration
		if cfg.Redis.TTL != "" {
			ttl, _ = time.ParseDuration(cfg.Redis.TTL)
		}
		return memory.NewRedisStore(memory.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      ttl,
		})
	case "firestore":
		var opts []memory.FirestoreOption
		if cfg.Firestore.ProjectID != "" {
			opts = append(opts, memory.WithProjectID(cfg.Firestore.ProjectID))
		}
		if cfg.Firestore.CredentialsFile != "" {
			opts = append(opts, memory.WithCredentialsFile(cfg.Firestore.CredentialsFile))
		}
		if cfg.Firestore.Collection != "" {
			opts = append(opts, memory.WithCollection(cfg.Firestore.Collection))
		}
		return memory.NewFirestoreStore(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Backend)
	}
}

// buildTLS turns cert file paths into a tls.Config for dialing or serving.
func buildTLS(def *RemoteTLSDef) (*tls.Config, error) {
	if def == nil {
		return nil, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if def.ServerName != "" {
		cfg.ServerName = def.ServerName
	}
	if def.CAFile != "" {
		caData, err := os.ReadFile(def.CAFile) // #nosec G304 - operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caData) {
			return nil, fmt.Errorf("parse CA certificate in %s", def.CAFile)
		}
		cfg.RootCAs = pool
	}
	if def.CertFile != "" && def.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(def.CertFile, def.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// Start brings up the background pieces: metrics collectors, the metrics
// endpoint when configured, tracing, and the pause sweeper.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.started {
		return fmt.Errorf("runtime already started")
	}

	metrics.InitMetrics()
	if rt.cfg.Observability.Tracing {
		if err := observability.InitFromEnv(); err != nil {
			log.Printf("Warning: failed to initialize tracing: %v", err)
		}
	}

	rt.group = &errgroup.Group{}
	if addr := rt.cfg.Observability.MetricsAddr; addr != "" {
		srv := metrics.NewServer(addr)
		srv.Health().Register(metrics.SessionStoreProbe(rt.storeProbe))
		rt.metricsSrv = srv
		rt.group.Go(func() error {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		log.Printf("Metrics endpoint on %s", addr)
	}

	rt.cron.Start()
	rt.started = true
	log.Printf("Runtime started: %d agents, memory backend %s", len(rt.roster), rt.cfg.Memory.Backend)
	return nil
}

// Stop shuts everything down: the sweeper, the metrics endpoint, tracing,
// remote connections, and the memory store. Safe to call once after Start.
func (rt *Runtime) Stop(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.started {
		return nil
	}

	cronDone := rt.cron.Stop()
	select {
	case <-cronDone.Done():
	case <-ctx.Done():
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if rt.metricsSrv != nil {
		keep(rt.metricsSrv.Shutdown(ctx))
	}
	keep(rt.group.Wait())
	if rt.cfg.Observability.Tracing {
		keep(observability.Shutdown(ctx))
	}
	rt.closeConns()
	keep(rt.store.Close())

	rt.started = false
	return firstErr
}

func (rt *Runtime) closeConns() {
	for _, c := range rt.closers {
		if err := c.Close(); err != nil {
			log.Printf("Warning: closing remote connection: %v", err)
		}
	}
	rt.closers = nil
}

// sweepPaused cancels paused runs older than the configured age and
// refreshes the paused-runs gauge.
func (rt *Runtime) sweepPaused() {
	maxAge, err := time.ParseDuration(rt.cfg.Pause.MaxAge)
	if err != nil {
		return
	}
	swept := rt.pauses.SweepOlderThan(maxAge)
	if len(swept) > 0 {
		log.Printf("Swept %d stale paused runs: %v", len(swept), swept)
	}
	metrics.SetPausedRuns(len(rt.pauses.List()))
}

// storeProbe exercises the session store for the health endpoint. Stores
// with a native Ping use it; the rest answer a read for a reserved session.
func (rt *Runtime) storeProbe(ctx context.Context) error {
	if p, ok := rt.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	_, err := rt.store.GetMessages(ctx, "health-probe")
	return err
}

// Roster returns the assembled sub-agents, locals first, in config order.
func (rt *Runtime) Roster() []agent.SubAgent {
	out := make([]agent.SubAgent, len(rt.roster))
	copy(out, rt.roster)
	return out
}

// Coordinated reports whether Run should route through the coordinator: a
// coordinator model is resolvable and there is more than one agent.
func (rt *Runtime) Coordinated() bool {
	return rt.flock != nil && len(rt.roster) > 1
}

func (rt *Runtime) agentDef(name string) (*AgentDef, error) {
	if len(rt.cfg.Agents) == 0 {
		return nil, fmt.Errorf("no local agents configured")
	}
	if name == "" {
		return &rt.cfg.Agents[0], nil
	}
	for i := range rt.cfg.Agents {
		if rt.cfg.Agents[i].Name == name {
			return &rt.cfg.Agents[i], nil
		}
	}
	return nil, fmt.Errorf("agent %q not configured", name)
}

// RunAgent executes one run on the named local agent; an empty name selects
// the first. Zero-valued cfg fields fall back to the agent's configured
// system prompt and iteration cap.
func (rt *Runtime) RunAgent(ctx context.Context, name string, cfg agent.RunConfig) (*agent.RunResult, error) {
	def, err := rt.agentDef(name)
	if err != nil {
		return nil, err
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = def.SystemPrompt
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	return rt.runners[def.Name].Run(ctx, cfg)
}

// RunFlock routes one task through the coordinator over the whole roster.
// Zero-valued cfg fields fall back to the coordinator's configured values.
func (rt *Runtime) RunFlock(ctx context.Context, cfg agent.CoordinatorConfig) (*agent.CoordinatorResult, error) {
	if rt.flock == nil {
		return nil, fmt.Errorf("coordinator model is not configured (set coordinator.model or default_model)")
	}

	def := rt.cfg.Coordinator
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = def.SystemPrompt
	}
	if cfg.RoutingStrategy == "" {
		cfg.RoutingStrategy = agent.RoutingStrategy(def.RoutingStrategy)
	}
	if cfg.MaxDelegations == 0 {
		cfg.MaxDelegations = def.MaxDelegations
	}
	if cfg.AggregationMode == "" {
		cfg.AggregationMode = agent.AggregationMode(def.AggregationMode)
	}
	if !cfg.ParallelExecution {
		cfg.ParallelExecution = def.Parallel
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.TimeoutMS == 0 {
		cfg.TimeoutMS = def.TimeoutMS
	}
	return rt.flock.Execute(ctx, cfg)
}

// Resume continues a paused run with the human's response, on the agent
// that paused it; an empty name selects the first agent.
func (rt *Runtime) Resume(ctx context.Context, name, executionID, response string) (*agent.RunResult, error) {
	def, err := rt.agentDef(name)
	if err != nil {
		return nil, err
	}
	return rt.runners[def.Name].Resume(ctx, executionID, response)
}

// CancelPaused abandons a paused run.
func (rt *Runtime) CancelPaused(ctx context.Context, name, executionID string) error {
	def, err := rt.agentDef(name)
	if err != nil {
		return err
	}
	return rt.runners[def.Name].Cancel(ctx, executionID)
}

// PausedRuns lists runs currently waiting for human input.
func (rt *Runtime) PausedRuns() []pause.PausedRun {
	return rt.pauses.List()
}

// Checkpoints lists persisted checkpoints, including ones from earlier
// processes that can no longer be resumed in-memory.
func (rt *Runtime) Checkpoints(ctx context.Context) ([]*pause.Checkpoint, error) {
	return rt.checkpointer.List(ctx)
}

// Serve exposes the roster to remote coordinators over gRPC. It blocks
// until ctx is cancelled or the listener fails.
func (rt *Runtime) Serve(ctx context.Context, addr string, tlsCfg *tls.Config) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	var opts []grpc.ServerOption
	if tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	server := grpc.NewServer(opts...)
	proto.RegisterDelegationServiceServer(server, agent.NewDelegationServer(rt.roster...))

	go func() {
		<-ctx.Done()
		server.GracefulStop()
	}()

	log.Printf("Serving %d agents on %s", len(rt.roster), addr)
	if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
