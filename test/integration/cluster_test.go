package integration

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/exp/slices"

	"github.com/dreamware/gridreduce/internal/chord"
	"github.com/dreamware/gridreduce/internal/cluster"
	"github.com/dreamware/gridreduce/internal/coordinator"
	"github.com/dreamware/gridreduce/internal/endpoint"
	"github.com/dreamware/gridreduce/internal/manager"
	"github.com/dreamware/gridreduce/internal/protocol"
	"github.com/dreamware/gridreduce/internal/task"
)

const waitFor = 15 * time.Second

// process is one HTTP-connected endpoint node, the way cmd/node and
// cmd/coordinator assemble it.
type process struct {
	addr   string
	srv    *httptest.Server
	host   *endpoint.Node
	health *cluster.HealthMonitor
	cancel context.CancelFunc
}

func newProcess(t *testing.T, logger *zap.Logger) *process {
	t.Helper()
	srv := httptest.NewUnstartedServer(nil)
	addr := srv.Listener.Addr().String()
	host := endpoint.NewNode(addr, cluster.NewRouter(cluster.RouterOptions{Timeout: time.Second, Logger: logger}), logger)

	mux := http.NewServeMux()
	cluster.NewHandler(host, logger).Register(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	srv.Config.Handler = mux
	srv.Start()

	hc := cluster.DefaultHealthConfig()
	hc.Interval = 50 * time.Millisecond
	hc.Timeout = 200 * time.Millisecond
	hc.MaxFailures = 2
	health := cluster.NewHealthMonitor(hc, logger)
	health.SetOnUnhealthy(host.NotifyNodeDown)
	ctx, cancel := context.WithCancel(context.Background())
	go health.Start(ctx, host.RemoteAddrs)

	return &process{addr: addr, srv: srv, host: host, health: health, cancel: cancel}
}

// crash stops serving without closing any endpoint.
func (p *process) crash() {
	p.srv.CloseClientConnections()
	p.srv.Close()
}

func (p *process) stop() {
	p.cancel()
	p.health.Stop()
	p.host.Close()
	p.srv.Close()
}

// worker is a node: a manager and a ring member.
type worker struct {
	*process
	manager *manager.Manager
	ring    *chord.Ring
}

// cluster is a ring of workers plus a launcher process.
type testCluster struct {
	t        *testing.T
	logger   *zap.Logger
	workers  []*worker
	ctl      *process
	launcher *coordinator.Launcher

	mu     sync.Mutex
	output map[string][]protocol.Output
}

func ringConfig(id uint64) chord.Config {
	cfg := chord.DefaultConfig()
	cfg.Bits = 8
	cfg.StabilizeDelay = 50 * time.Millisecond
	cfg.JoinTimeout = 500 * time.Millisecond
	cfg.MaxJoinTime = 10 * time.Second
	cfg.ID = &id
	return cfg
}

func newCluster(t *testing.T, ids ...uint64) *testCluster {
	logger := zaptest.NewLogger(t)
	c := &testCluster{t: t, logger: logger, output: make(map[string][]protocol.Output)}

	programs := task.DefaultRegistry()
	for i, id := range ids {
		p := newProcess(t, logger.Named(fmt.Sprintf("n%d", i)))
		m, err := manager.Start(p.host, manager.Options{Programs: programs, Logger: logger})
		require.NoError(t, err)

		var initial endpoint.ID
		if i > 0 {
			initial = c.workers[0].ring.Endpoint()
		}
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		ring, err := chord.Join(ctx, p.host, initial, chord.Options{Config: ringConfig(id), Logger: logger})
		cancel()
		require.NoError(t, err)
		c.workers = append(c.workers, &worker{process: p, manager: m, ring: ring})
	}

	c.ctl = newProcess(t, logger.Named("ctl"))
	lcfg := coordinator.DefaultConfig()
	lcfg.RequestTimeout = 2 * time.Second
	lcfg.GC.IdleDelay = 0
	l, err := coordinator.Start(c.ctl.host, coordinator.Options{
		Config: lcfg,
		Logger: logger,
		OnOutput: func(group string, out protocol.Output) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.output[group] = append(c.output[group], out)
		},
	})
	require.NoError(t, err)
	c.launcher = l

	t.Cleanup(func() {
		l.Stop()
		c.ctl.stop()
		for _, w := range c.workers {
			var tasks []*task.Task
			for _, info := range w.manager.Tasks() {
				if tk, ok := w.manager.Task(info.Endpoint.Local); ok {
					tasks = append(tasks, tk)
				}
			}
			w.ring.Stop()
			w.manager.Stop()
			w.stop()
			for _, tk := range tasks {
				select {
				case <-tk.Done():
				case <-time.After(waitFor):
					t.Errorf("task %s did not stop", tk.ID())
				}
			}
		}
	})
	return c
}

// discover walks the ring until it reports every worker.
func (c *testCluster) discover() []endpoint.ID {
	c.t.Helper()
	var managers []endpoint.ID
	require.Eventually(c.t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		found, err := coordinator.DiscoverManagers(ctx, c.ctl.host, c.workers[0].ring.Endpoint(), 16)
		if err != nil || len(found) != len(c.workers) {
			return false
		}
		managers = found
		return true
	}, waitFor, 50*time.Millisecond)
	return managers
}

func (c *testCluster) launch(program string, args []string, managers []endpoint.ID) *coordinator.Group {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	g, err := c.launcher.Launch(ctx, coordinator.GroupRequest{Program: program, Args: args, Managers: managers})
	require.NoError(c.t, err)
	return g
}

func (c *testCluster) wait(id string) *coordinator.GroupRecord {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	rec, err := c.launcher.Wait(ctx, id)
	require.NoError(c.t, err)
	return rec
}

// TestRingGroupAcrossProcesses discovers the managers through the ring,
// runs the ring program over HTTP and collects the group's heaps.
func TestRingGroupAcrossProcesses(t *testing.T) {
	c := newCluster(t, 10, 100, 200)
	managers := c.discover()
	wantOrder := []string{c.workers[0].addr, c.workers[1].addr, c.workers[2].addr}
	var gotOrder []string
	for _, m := range managers {
		gotOrder = append(gotOrder, m.Addr)
	}
	require.Equal(t, wantOrder, gotOrder, "managers come in ring order")

	g := c.launch("ring", []string{"2"}, managers)
	require.NotNil(t, g.GC)
	rec := c.wait(g.ID)
	assert.Equal(t, coordinator.GroupFinished, rec.State)

	c.mu.Lock()
	lines := make(map[int][]string)
	for _, out := range c.output[g.ID] {
		lines[out.TID] = append(lines[out.TID], out.Text)
	}
	c.mu.Unlock()
	want := map[int][]string{
		0: {"t2.0", "t2.1"},
		1: {"t0.0", "t0.1"},
		2: {"t1.0", "t1.1"},
	}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}

	// Every walk dropped its list, so a collection frees the lists and
	// their proxies.
	// Address acks may still be in flight, so a first cycle can free less.
	require.Eventually(t, func() bool {
		rec, ok := c.launcher.Groups().Get(g.ID)
		if ok && rec.GC.Freed > 0 {
			return true
		}
		_ = g.GC.Trigger()
		return false
	}, waitFor, 100*time.Millisecond)
	rec, _ = c.launcher.Groups().Get(g.ID)
	assert.Positive(t, rec.GC.Cycles)
}

// TestPlacementOverFewerNodes places a group larger than the ring.
func TestPlacementOverFewerNodes(t *testing.T) {
	c := newCluster(t, 1, 2)
	placed, err := coordinator.Place(5, c.discover())
	require.NoError(t, err)

	g := c.launch("idle", nil, placed)
	require.Len(t, g.Tasks, 5)
	rec := c.wait(g.ID)
	assert.Equal(t, coordinator.GroupFinished, rec.State)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, rec.Done)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	tasks, err := coordinator.ListTasks(ctx, c.ctl.host, coordinator.ManagerOf(g.Tasks[0]))
	require.NoError(t, err)
	assert.Len(t, tasks, 3, "tids 0, 2 and 4 run on the first node")
}

// TestNodeCrashFailsGroup crashes one worker while a group runs. The
// launcher's failure detector turns the crash into task exits, and the
// surviving tasks stop once their peer is gone.
func TestNodeCrashFailsGroup(t *testing.T) {
	c := newCluster(t, 10, 20, 30)
	g := c.launch("hold", nil, c.discover())

	require.Eventually(t, func() bool {
		return c.ctl.health.IsHealthy(c.workers[2].addr)
	}, waitFor, 20*time.Millisecond)
	c.workers[2].crash()

	rec := c.wait(g.ID)
	assert.Equal(t, coordinator.GroupFailed, rec.State)

	// A surviving task can report its peer loss before the crashed task's
	// exit is detected, which already fails the group.
	require.Eventually(t, func() bool {
		rec, ok := c.launcher.Groups().Get(g.ID)
		return ok && slices.Contains(rec.Exited, 2)
	}, waitFor, 20*time.Millisecond)

	for _, w := range c.workers[:2] {
		w := w
		assert.Eventually(t, func() bool { return len(w.manager.Tasks()) == 0 }, waitFor, 20*time.Millisecond, "tasks on %s", w.addr)
	}
}
