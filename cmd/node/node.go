package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/gridreduce/internal/chord"
	"github.com/dreamware/gridreduce/internal/cluster"
	"github.com/dreamware/gridreduce/internal/endpoint"
	"github.com/dreamware/gridreduce/internal/manager"
	"github.com/dreamware/gridreduce/internal/protocol"
	"github.com/dreamware/gridreduce/internal/task"
)

// Config holds the settings of a node process.
type Config struct {
	// Listen is the local HTTP listen address.
	Listen string
	// Advertise is the host:port other processes reach this node at. It is
	// also the address part of every endpoint id hosted here.
	Advertise string
	// Join is the address of a node already in the ring. Empty starts a new
	// ring.
	Join string
	// Coordinator is the base URL of a coordinator to register with. Empty
	// skips registration.
	Coordinator string
	// RegisterAttempts bounds the registration retries.
	RegisterAttempts uint64
	Ring             chord.Config
	Health           cluster.HealthConfig
	// RequestTimeout bounds one HTTP exchange with another process.
	RequestTimeout time.Duration
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if _, _, err := net.SplitHostPort(c.Advertise); err != nil {
		return fmt.Errorf("advertise address %q must be host:port: %w", c.Advertise, err)
	}
	if c.Join != "" {
		if _, _, err := net.SplitHostPort(c.Join); err != nil {
			return fmt.Errorf("join address %q must be host:port: %w", c.Join, err)
		}
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be positive")
	}
	return c.Ring.Validate()
}

// Node is a running gridreduce worker process. It hosts the manager that
// creates tasks, the ring node that places this process on the ring, the
// HTTP transport for endpoint traffic, and the failure detector that turns
// unreachable peers into exit notifications.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                 Node                    │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /deliver /link /unlink - transport   │
//	│    /health   - liveness probe           │
//	│    /status   - ring table and tasks     │
//	│    /metrics  - prometheus               │
//	├─────────────────────────────────────────┤
//	│  Endpoints (advertise:port:local):      │
//	│    1  manager                           │
//	│    2  ring                              │
//	│    16+ tasks and temporary callers      │
//	├─────────────────────────────────────────┤
//	│  HealthMonitor over linked peers        │
//	└─────────────────────────────────────────┘
type Node struct {
	cfg       Config
	logger    *zap.Logger
	registry  *prometheus.Registry
	endpoints *endpoint.Node
	manager   *manager.Manager
	health    *cluster.HealthMonitor
	started   time.Time

	mu   sync.Mutex
	ring *chord.Ring
}

// NewNode creates the endpoint node and the manager. Programs defaults to
// the built-in program set.
func NewNode(cfg Config, programs task.Registry, logger *zap.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("node", cfg.Advertise))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	router := cluster.NewRouter(cluster.RouterOptions{Timeout: cfg.RequestTimeout, Logger: logger})
	host := endpoint.NewNode(cfg.Advertise, router, logger)
	mgr, err := manager.Start(host, manager.Options{Programs: programs, Logger: logger, Registerer: registry})
	if err != nil {
		host.Close()
		return nil, err
	}
	health := cluster.NewHealthMonitor(cfg.Health, logger)
	health.SetOnUnhealthy(host.NotifyNodeDown)

	return &Node{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		endpoints: host,
		manager:   mgr,
		health:    health,
		started:   time.Now(),
	}, nil
}

// Handler returns the HTTP API of the node.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	cluster.NewHandler(n.endpoints, n.logger).Register(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/status", n.handleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))
	return mux
}

// JoinRing starts the ring node and waits until it has joined. The HTTP
// API must already be served when joining an existing ring.
func (n *Node) JoinRing(ctx context.Context) (protocol.RingNode, error) {
	var initial endpoint.ID
	if n.cfg.Join != "" {
		initial = endpoint.ID{Addr: n.cfg.Join, Local: endpoint.RingID}
	}
	ring, err := chord.Join(ctx, n.endpoints, initial, chord.Options{
		Config:     n.cfg.Ring,
		Logger:     n.logger,
		Registerer: n.registry,
	})
	if err != nil {
		return protocol.RingNode{}, fmt.Errorf("joining ring via %q: %w", n.cfg.Join, err)
	}
	n.mu.Lock()
	n.ring = ring
	n.mu.Unlock()
	self := ring.Node()
	n.logger.Info("joined ring", zap.Uint64("ring_id", self.ID), zap.String("via", n.cfg.Join))
	return self, nil
}

// Register announces the node to the coordinator, retrying with
// exponential backoff while the coordinator is not reachable.
func (n *Node) Register(ctx context.Context) error {
	if n.cfg.Coordinator == "" {
		return nil
	}
	info := cluster.NodeInfo{Addr: n.cfg.Advertise}
	if ring := n.Ring(); ring != nil {
		info.RingID = ring.Node().ID
	}
	body := cluster.RegisterRequest{Node: info}
	url := strings.TrimRight(cluster.BaseURL(n.cfg.Coordinator), "/") + "/register"

	attempt := 0
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, n.cfg.RegisterAttempts), ctx)
	err := backoff.Retry(func() error {
		attempt++
		err := cluster.PostJSON(ctx, url, body, nil)
		var status *cluster.StatusError
		if errors.As(err, &status) && status.Code < 500 {
			return backoff.Permanent(err)
		}
		if err != nil {
			n.logger.Warn("register retry", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}, policy)
	if err != nil {
		return fmt.Errorf("registering with coordinator %s: %w", n.cfg.Coordinator, err)
	}
	n.logger.Info("registered with coordinator", zap.String("coordinator", n.cfg.Coordinator))
	return nil
}

// MonitorPeers runs the failure detector over every process local
// endpoints are linked to. It blocks until ctx ends or Close is called.
func (n *Node) MonitorPeers(ctx context.Context) {
	n.health.Start(ctx, n.endpoints.RemoteAddrs)
}

// Ring returns the ring node, or nil before JoinRing succeeded.
func (n *Node) Ring() *chord.Ring {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ring
}

// Endpoints returns the endpoint node of the process.
func (n *Node) Endpoints() *endpoint.Node { return n.endpoints }

// Manager returns the manager of the process.
func (n *Node) Manager() *manager.Manager { return n.manager }

// Close stops the health monitor, the ring node, the manager with its
// tasks, and finally every remaining endpoint.
func (n *Node) Close() {
	n.health.Stop()
	if ring := n.Ring(); ring != nil {
		ring.Stop()
	}
	n.manager.Stop()
	n.endpoints.Close()
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Addr   string                         `json:"addr"`
	Uptime string                         `json:"uptime"`
	Ring   *protocol.ReplyTable           `json:"ring,omitempty"`
	Tasks  []protocol.TaskInfo            `json:"tasks"`
	Peers  map[string]*cluster.PeerHealth `json:"peers"`
	Errors []string                       `json:"errors,omitempty"`
}

// handleStatus reports the routing table of the ring node, the hosted
// tasks and the health of linked peers.
//
// Endpoint: GET /status
//
// Response:
//   - 200 OK: StatusResponse as JSON. Ring is omitted before the node has
//     joined; a failed table query is listed in Errors.
//   - 405 Method Not Allowed: not a GET
func (n *Node) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := StatusResponse{
		Addr:   n.cfg.Advertise,
		Uptime: time.Since(n.started).Round(time.Second).String(),
		Tasks:  n.manager.Tasks(),
		Peers:  n.health.AllPeerHealth(),
	}
	if ring := n.Ring(); ring != nil {
		ctx, cancel := context.WithTimeout(r.Context(), n.cfg.RequestTimeout)
		table, err := chord.Table(ctx, n.endpoints, ring.Endpoint())
		cancel()
		if err != nil {
			resp.Errors = append(resp.Errors, err.Error())
		} else {
			resp.Ring = &table
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		n.logger.Debug("writing status", zap.Error(err))
	}
}
