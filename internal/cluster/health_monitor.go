package cluster

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Health states reported by the monitor.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// PeerHealth is the health status of one peer process, as observed by
// periodic checks.
//
// Status transitions:
//   - unknown → healthy: first successful check
//   - unknown/healthy → unhealthy: MaxFailures consecutive failures
//   - unhealthy → healthy: any successful check
type PeerHealth struct {
	LastCheck        time.Time `json:"last_check"`
	LastHealthy      time.Time `json:"last_healthy"`
	Addr             string    `json:"addr"`
	Status           string    `json:"status"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// HealthConfig configures a HealthMonitor.
type HealthConfig struct {
	// Interval between check rounds.
	Interval time.Duration
	// Timeout of a single check.
	Timeout time.Duration
	// MaxFailures is the number of consecutive failures after which a peer
	// is declared unhealthy.
	MaxFailures int
	Clock       clockwork.Clock
}

// DefaultHealthConfig returns the settings used by gridreduce processes.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Interval:    2 * time.Second,
		Timeout:     2 * time.Second,
		MaxFailures: 3,
		Clock:       clockwork.NewRealClock(),
	}
}

// HealthMonitor is the failure detector of a process. It periodically
// checks every peer process local endpoints are linked to and reports a
// peer that stops answering, which the process turns into EndpointExit
// notifications for every link into that peer.
//
// Architecture:
//
//	┌─────────────────────────────────────────────┐
//	│              HealthMonitor                  │
//	├─────────────────────────────────────────────┤
//	│  ticker ──▶ peers() ──▶ check(addr) ...     │
//	│                │                            │
//	│                ▼                            │
//	│  peers: map[addr]*PeerHealth                │
//	│                │ MaxFailures reached        │
//	│                ▼                            │
//	│  onUnhealthy(addr) → node.NotifyNodeDown    │
//	└─────────────────────────────────────────────┘
//
// Thread Safety:
// All exported methods are safe for concurrent use.
type HealthMonitor struct {
	cfg         HealthConfig
	logger      *zap.Logger
	httpClient  *http.Client
	checkFunc   func(ctx context.Context, addr string) error
	onUnhealthy func(addr string)

	mu    sync.RWMutex
	peers map[string]*PeerHealth

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthMonitor creates a monitor. Zero fields of cfg take their
// defaults.
//
// Example:
//
//	hm := cluster.NewHealthMonitor(cluster.DefaultHealthConfig(), logger)
//	hm.SetOnUnhealthy(node.NotifyNodeDown)
//	go hm.Start(ctx, node.RemoteAddrs)
//	defer hm.Stop()
func NewHealthMonitor(cfg HealthConfig, logger *zap.Logger) *HealthMonitor {
	def := DefaultHealthConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &HealthMonitor{
		cfg:        cfg,
		logger:     logger.Named("health"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		peers:      make(map[string]*PeerHealth),
		ctx:        ctx,
		cancel:     cancel,
	}
	h.checkFunc = h.defaultHealthCheck
	return h
}

// SetOnUnhealthy sets the callback invoked once when a peer becomes
// unhealthy. It must be set before Start.
func (h *HealthMonitor) SetOnUnhealthy(callback func(addr string)) {
	h.onUnhealthy = callback
}

// SetCheckFunction replaces the HTTP check. It must be set before Start.
func (h *HealthMonitor) SetCheckFunction(fn func(ctx context.Context, addr string) error) {
	h.checkFunc = fn
}

// Start checks every address returned by peers once right away and then
// every Interval, until ctx is cancelled or Stop is called. It blocks.
func (h *HealthMonitor) Start(ctx context.Context, peers func() []string) {
	if h.ctx.Err() != nil {
		return
	}
	h.wg.Add(1)
	defer h.wg.Done()

	ticker := h.cfg.Clock.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	h.logger.Debug("health monitor started", zap.Duration("interval", h.cfg.Interval))
	h.checkAll(peers())
	for {
		select {
		case <-ticker.Chan():
			h.checkAll(peers())
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop ends Start and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// checkAll checks the given peers and forgets the ones no longer listed.
func (h *HealthMonitor) checkAll(addrs []string) {
	current := make(map[string]bool, len(addrs))
	var lost []string
	for _, addr := range addrs {
		current[addr] = true
		if h.check(addr) {
			lost = append(lost, addr)
		}
	}

	h.mu.Lock()
	for addr := range h.peers {
		if !current[addr] {
			delete(h.peers, addr)
		}
	}
	h.mu.Unlock()

	if h.onUnhealthy != nil {
		for _, addr := range lost {
			h.onUnhealthy(addr)
		}
	}
}

// check runs one check of addr and reports whether the peer has just
// become unhealthy.
func (h *HealthMonitor) check(addr string) bool {
	now := h.cfg.Clock.Now()
	h.mu.Lock()
	health, exists := h.peers[addr]
	if !exists {
		health = &PeerHealth{Addr: addr, Status: StatusUnknown, LastHealthy: now}
		h.peers[addr] = health
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.Timeout)
	err := h.checkFunc(ctx, addr)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()
	health.LastCheck = h.cfg.Clock.Now()
	if err != nil {
		health.ConsecutiveFails++
		h.logger.Debug("health check failed",
			zap.String("peer", addr),
			zap.Int("attempt", health.ConsecutiveFails),
			zap.Int("max", h.cfg.MaxFailures),
			zap.Error(err))
		if health.ConsecutiveFails >= h.cfg.MaxFailures && health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			h.logger.Warn("peer unhealthy", zap.String("peer", addr), zap.Int("failures", health.ConsecutiveFails))
			return true
		}
		return false
	}
	if health.Status == StatusUnhealthy {
		h.logger.Info("peer recovered", zap.String("peer", addr))
	}
	health.Status = StatusHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = health.LastCheck
	return false
}

func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, addr string) error {
	url := strings.TrimRight(BaseURL(addr), "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// PeerHealth returns a copy of the health of addr, or nil if addr is not
// monitored.
func (h *HealthMonitor) PeerHealth(addr string) *PeerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.peers[addr]
	if !ok {
		return nil
	}
	c := *health
	return &c
}

// AllPeerHealth returns copies of the health of every monitored peer.
func (h *HealthMonitor) AllPeerHealth() map[string]*PeerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]*PeerHealth, len(h.peers))
	for addr, health := range h.peers {
		c := *health
		out[addr] = &c
	}
	return out
}

// IsHealthy reports whether addr passed its last check. Unmonitored peers
// are not healthy.
func (h *HealthMonitor) IsHealthy(addr string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.peers[addr]
	return ok && health.Status == StatusHealthy
}
