package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/gridreduce/internal/cluster"
	"github.com/dreamware/gridreduce/internal/coordinator"
	"github.com/dreamware/gridreduce/internal/endpoint"
	"github.com/dreamware/gridreduce/internal/protocol"
)

// maxOutputLines bounds the output kept per group for GET /groups/{id}/output.
const maxOutputLines = 1000

// errNoManagers is returned when a launch finds no node to place tasks on.
var errNoManagers = errors.New("no managers available")

// LaunchRequest is the body of POST /groups.
type LaunchRequest struct {
	Program string   `json:"program"`
	Args    []string `json:"args,omitempty"`
	// Tasks is the group size. Zero starts one task per manager.
	Tasks int `json:"tasks,omitempty"`
	// Nodes lists the node addresses to place tasks on. Empty uses the
	// ring, if configured, or else the healthy registered nodes.
	Nodes []string `json:"nodes,omitempty"`
}

// LaunchResponse is the answer to POST /groups.
type LaunchResponse struct {
	ID    string        `json:"id"`
	Tasks []endpoint.ID `json:"tasks"`
	GC    *endpoint.ID  `json:"gc,omitempty"`
}

// server is the coordinator process: the launcher endpoint, the registry
// of worker nodes, and the HTTP API around them.
type server struct {
	cfg      Config
	logger   *zap.Logger
	host     *endpoint.Node
	launcher *coordinator.Launcher
	health   *cluster.HealthMonitor
	registry *prometheus.Registry

	mu      sync.RWMutex
	nodes   []cluster.NodeInfo
	outputs map[string][]protocol.Output

	// onOutput, when set, also receives every output line.
	onOutput func(group string, out protocol.Output)
}

// newServer creates the endpoint node of the coordinator process and starts
// its launcher.
func newServer(cfg Config, logger *zap.Logger) (*server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &server{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		outputs:  make(map[string][]protocol.Output),
	}
	s.registry.MustRegister(collectors.NewGoCollector())

	router := cluster.NewRouter(cluster.RouterOptions{Timeout: cfg.RequestTimeout, Logger: logger})
	s.host = endpoint.NewNode(cfg.Advertise, router, logger)
	launcher, err := coordinator.Start(s.host, coordinator.Options{
		Config:     cfg.Launcher,
		Logger:     logger,
		Registerer: s.registry,
		OnOutput:   s.recordOutput,
	})
	if err != nil {
		s.host.Close()
		return nil, err
	}
	s.launcher = launcher
	s.health = cluster.NewHealthMonitor(cfg.Health, logger)
	s.health.SetOnUnhealthy(s.markNodeUnhealthy)
	return s, nil
}

// Handler returns the HTTP API of the coordinator.
//
// Routes:
//
//	POST   /register          node registration
//	GET    /nodes             registered nodes with health
//	GET    /groups            all groups
//	POST   /groups            launch a group
//	GET    /groups/{id}       one group
//	DELETE /groups/{id}       kill a group
//	GET    /groups/{id}/output program output of a group
//	POST   /groups/{id}/gc    trigger a collection
//	GET    /health, /metrics
//	POST   /deliver, /link, /unlink (endpoint transport)
func (s *server) Handler() http.Handler {
	mux := http.NewServeMux()
	cluster.NewHandler(s.host, s.logger).Register(mux)
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/nodes", s.handleListNodes)
	mux.HandleFunc("GET /groups", s.handleListGroups)
	mux.HandleFunc("POST /groups", s.handleLaunch)
	mux.HandleFunc("GET /groups/{id}", s.handleGetGroup)
	mux.HandleFunc("DELETE /groups/{id}", s.handleKillGroup)
	mux.HandleFunc("GET /groups/{id}/output", s.handleGroupOutput)
	mux.HandleFunc("POST /groups/{id}/gc", s.handleTriggerGC)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

// MonitorPeers checks registered nodes and every process the launcher is
// linked to. It blocks until ctx ends or Close is called.
func (s *server) MonitorPeers(ctx context.Context) {
	s.health.Start(ctx, s.peerAddrs)
}

// Close stops the health monitor, the launcher with its GC coordinators,
// and the endpoint node. Running tasks are left alone.
func (s *server) Close() {
	s.health.Stop()
	s.launcher.Stop()
	s.host.Close()
}

func (s *server) peerAddrs() []string {
	addrs := s.host.RemoteAddrs()
	s.mu.RLock()
	for _, n := range s.nodes {
		if !slices.Contains(addrs, n.Addr) {
			addrs = append(addrs, n.Addr)
		}
	}
	s.mu.RUnlock()
	slices.Sort(addrs)
	return addrs
}

// markNodeUnhealthy records a failed node and tells every local endpoint
// linked into it that its target has exited.
func (s *server) markNodeUnhealthy(addr string) {
	s.mu.Lock()
	idx := slices.IndexFunc(s.nodes, func(n cluster.NodeInfo) bool { return n.Addr == addr })
	if idx >= 0 {
		s.nodes[idx].HealthStatus = cluster.StatusUnhealthy
		s.nodes[idx].LastHealthCheck = time.Now()
	}
	s.mu.Unlock()

	groups := s.launcher.Groups().GroupsOnNode(addr)
	s.logger.Warn("node down", zap.String("node", addr), zap.Strings("groups", groups))
	s.host.NotifyNodeDown(addr)
}

func (s *server) recordOutput(group string, out protocol.Output) {
	s.mu.Lock()
	lines := append(s.outputs[group], out)
	if len(lines) > maxOutputLines {
		lines = lines[len(lines)-maxOutputLines:]
	}
	s.outputs[group] = lines
	s.mu.Unlock()
	s.logger.Info("output", zap.String("group", group), zap.Int("tid", out.TID), zap.String("text", out.Text))
	if s.onOutput != nil {
		s.onOutput(group, out)
	}
}

// registeredNodes returns the registered nodes with their latest health.
func (s *server) registeredNodes() []cluster.NodeInfo {
	s.mu.RLock()
	nodes := slices.Clone(s.nodes)
	s.mu.RUnlock()
	for i := range nodes {
		if h := s.health.PeerHealth(nodes[i].Addr); h != nil {
			nodes[i].HealthStatus = h.Status
			nodes[i].LastHealthCheck = h.LastCheck
		}
	}
	return nodes
}

// managers resolves the managers a launch request places tasks on.
func (s *server) managers(ctx context.Context, nodes []string) ([]endpoint.ID, error) {
	switch {
	case len(nodes) > 0:
		return coordinator.ManagersFromPeers(nodes), nil
	case len(s.cfg.Peers) > 0:
		return coordinator.ManagersFromPeers(s.cfg.Peers), nil
	case s.cfg.Ring != "":
		entry := endpoint.ID{Addr: s.cfg.Ring, Local: endpoint.RingID}
		return coordinator.DiscoverManagers(ctx, s.host, entry, s.cfg.MaxRingNodes)
	}
	var addrs []string
	for _, n := range s.registeredNodes() {
		if n.HealthStatus != cluster.StatusUnhealthy {
			addrs = append(addrs, n.Addr)
		}
	}
	if len(addrs) == 0 {
		return nil, errNoManagers
	}
	return coordinator.ManagersFromPeers(addrs), nil
}

// launch resolves managers, places the tasks and runs the barrier.
func (s *server) launch(ctx context.Context, req LaunchRequest) (*coordinator.Group, error) {
	managers, err := s.managers(ctx, req.Nodes)
	if err != nil {
		return nil, err
	}
	n := req.Tasks
	if n == 0 {
		n = len(managers)
	}
	placed, err := coordinator.Place(n, managers)
	if err != nil {
		return nil, err
	}
	return s.launcher.Launch(ctx, coordinator.GroupRequest{
		Program:  req.Program,
		Args:     req.Args,
		Managers: placed,
	})
}

// handleRegister adds or refreshes a worker node.
//
// Endpoint: POST /register
//
// Response:
//   - 204 No Content: node registered
//   - 400 Bad Request: malformed body or missing/invalid address
func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := validHostPort(req.Node.Addr); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.Node.HealthStatus = cluster.StatusUnknown
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := slices.IndexFunc(s.nodes, func(n cluster.NodeInfo) bool { return n.Addr == req.Node.Addr })
	if idx >= 0 {
		s.nodes[idx] = req.Node
	} else {
		s.nodes = append(s.nodes, req.Node)
	}
	s.logger.Info("node registered", zap.String("node", req.Node.Addr), zap.Uint64("ring_id", req.Node.RingID))
	w.WriteHeader(http.StatusNoContent)
}

// handleListNodes returns the registered nodes with their latest health.
//
// Endpoint: GET /nodes
func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Nodes []cluster.NodeInfo `json:"nodes"`
	}{Nodes: s.registeredNodes()})
}

func (s *server) handleListGroups(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Groups []*coordinator.GroupRecord `json:"groups"`
	}{Groups: s.launcher.Groups().All()})
}

// handleLaunch creates a task group and answers once every task has been
// started.
//
// Endpoint: POST /groups
//
// Response:
//   - 201 Created: LaunchResponse
//   - 400 Bad Request: malformed request
//   - 502 Bad Gateway: the group was aborted
//   - 503 Service Unavailable: no managers to place tasks on
func (s *server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Program == "" || req.Tasks < 0 {
		http.Error(w, "program required and tasks must not be negative", http.StatusBadRequest)
		return
	}
	group, err := s.launch(r.Context(), req)
	switch {
	case errors.Is(err, coordinator.ErrGroupAborted):
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	resp := LaunchResponse{ID: group.ID, Tasks: group.Tasks}
	if group.GC != nil {
		gc := group.GC.ID()
		resp.GC = &gc
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.launcher.Groups().Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "unknown group", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleKillGroup stops every task of a group.
//
// Endpoint: DELETE /groups/{id}
func (s *server) handleKillGroup(w http.ResponseWriter, r *http.Request) {
	err := s.launcher.Kill(r.PathValue("id"))
	switch {
	case errors.Is(err, coordinator.ErrUnknownGroup):
		http.Error(w, err.Error(), http.StatusNotFound)
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *server) handleGroupOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.launcher.Groups().Get(id); !ok {
		http.Error(w, "unknown group", http.StatusNotFound)
		return
	}
	s.mu.RLock()
	lines := slices.Clone(s.outputs[id])
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, struct {
		Lines []protocol.Output `json:"lines"`
	}{Lines: lines})
}

// handleTriggerGC starts a collection of a group right away.
//
// Endpoint: POST /groups/{id}/gc
//
// Response:
//   - 202 Accepted: the cycle was requested
//   - 404 Not Found: unknown group, or a group without a collector
//   - 409 Conflict: the collector has stopped
func (s *server) handleTriggerGC(w http.ResponseWriter, r *http.Request) {
	gc, ok := s.launcher.Coordinator(r.PathValue("id"))
	if !ok {
		http.Error(w, "no collector for group", http.StatusNotFound)
		return
	}
	if err := gc.Trigger(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func validHostPort(addr string) error {
	if addr == "" {
		return errors.New("missing addr")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("addr %q must be host:port", addr)
	}
	return nil
}
