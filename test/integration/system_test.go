package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

// binDir holds the coordinator and node binaries.
func binDir() string {
	if dir := os.Getenv("GRIDREDUCE_BIN_DIR"); dir != "" {
		return dir
	}
	return filepath.Join("..", "..", "bin")
}

// TestSystem is a coordinator process and a ring of node processes started
// from the built binaries.
type TestSystem struct {
	t          *testing.T
	coord      *exec.Cmd
	nodes      []*exec.Cmd
	coordAddr  string
	nodeAddrs  []string
	httpClient *http.Client
}

// NewTestSystem describes a coordinator and three nodes on high ports.
func NewTestSystem(t *testing.T) *TestSystem {
	return &TestSystem{
		t:         t,
		coordAddr: "127.0.0.1:18180",
		nodeAddrs: []string{
			"127.0.0.1:18181",
			"127.0.0.1:18182",
			"127.0.0.1:18183",
		},
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func (ts *TestSystem) command(name string, args ...string) *exec.Cmd {
	cmd := exec.Command(filepath.Join(binDir(), name), args...)
	cmd.Env = append(os.Environ(), "GRIDREDUCE_LOG_LEVEL=warn")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}

// Start launches the coordinator, then the nodes one by one. The first
// node starts the ring and the others join through it.
func (ts *TestSystem) Start() error {
	ts.t.Log("Starting coordinator...")
	ts.coord = ts.command("coordinator", "serve",
		"--listen", ts.coordAddr,
		"--advertise", ts.coordAddr,
		"--ring", ts.nodeAddrs[0],
		"--gc-delay", "0s",
		"--health-interval", "200ms",
	)
	if err := ts.coord.Start(); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	if err := ts.waitForService(ts.coordAddr); err != nil {
		return fmt.Errorf("coordinator failed to start: %w", err)
	}

	for i, addr := range ts.nodeAddrs {
		ts.t.Logf("Starting node %d...", i+1)
		args := []string{
			"--listen", addr,
			"--advertise", addr,
			"--coordinator", "http://" + ts.coordAddr,
			"--stabilize-delay", "100ms",
			"--health-interval", "200ms",
		}
		if i > 0 {
			args = append(args, "--join", ts.nodeAddrs[0])
		}
		node := ts.command("node", args...)
		if err := node.Start(); err != nil {
			return fmt.Errorf("failed to start node %d: %w", i+1, err)
		}
		ts.nodes = append(ts.nodes, node)
		if err := ts.waitForService(addr); err != nil {
			return fmt.Errorf("node %d failed to start: %w", i+1, err)
		}
	}
	return nil
}

// Stop kills every process.
func (ts *TestSystem) Stop() {
	for i, node := range ts.nodes {
		if node != nil && node.Process != nil {
			ts.t.Logf("Stopping node %d...", i+1)
			_ = node.Process.Kill()
			_ = node.Wait()
		}
	}
	if ts.coord != nil && ts.coord.Process != nil {
		ts.t.Log("Stopping coordinator...")
		_ = ts.coord.Process.Kill()
		_ = ts.coord.Wait()
	}
}

// waitForService polls /health of the process at addr.
func (ts *TestSystem) waitForService(addr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for %s", addr)
		default:
			resp, err := ts.httpClient.Get("http://" + addr + "/health")
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
}

func (ts *TestSystem) url(path string) string {
	return "http://" + ts.coordAddr + path
}

// Launch starts a group through the coordinator API.
func (ts *TestSystem) Launch(program string, args ...string) (int, map[string]any, error) {
	body, _ := json.Marshal(map[string]any{"program": program, "args": args})
	resp, err := ts.httpClient.Post(ts.url("/groups"), "application/json", bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	var out map[string]any
	if resp.StatusCode == http.StatusCreated {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return resp.StatusCode, nil, err
		}
	}
	return resp.StatusCode, out, nil
}

// Group returns the coordinator's record of a group.
func (ts *TestSystem) Group(id string) (map[string]any, error) {
	resp, err := ts.httpClient.Get(ts.url("/groups/" + id))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var out map[string]any
	return out, json.NewDecoder(resp.Body).Decode(&out)
}

// GetNodes returns the nodes registered with the coordinator.
func (ts *TestSystem) GetNodes() ([]map[string]any, error) {
	resp, err := ts.httpClient.Get(ts.url("/nodes"))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var result struct {
		Nodes []map[string]any `json:"nodes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result.Nodes, nil
}

func (ts *TestSystem) waitGroupState(t *testing.T, id, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := ts.Group(id)
		if err == nil && rec["state"] == want {
			return rec
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("group %s never reached state %q", id, want)
	return nil
}

// TestSystemBinaries runs the scenario against real processes.
func TestSystemBinaries(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	for _, name := range []string{"coordinator", "node"} {
		if _, err := os.Stat(filepath.Join(binDir(), name)); os.IsNotExist(err) {
			t.Skipf("Skipping integration test: %s binary not found (build into ../../bin or set GRIDREDUCE_BIN_DIR)", name)
		}
	}

	ts := NewTestSystem(t)
	if err := ts.Start(); err != nil {
		ts.Stop()
		t.Fatalf("Failed to start test system: %v", err)
	}
	defer ts.Stop()

	t.Run("NodesRegister", func(t *testing.T) {
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			nodes, err := ts.GetNodes()
			if err == nil && len(nodes) == len(ts.nodeAddrs) {
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
		t.Fatal("nodes did not register")
	})

	t.Run("RingGroupFinishes", func(t *testing.T) {
		var (
			status int
			group  map[string]any
			err    error
		)
		// The ring needs a few stabilization rounds before a walk sees
		// every node.
		deadline := time.Now().Add(15 * time.Second)
		for time.Now().Before(deadline) {
			status, group, err = ts.Launch("ring", "3")
			if err == nil && status == http.StatusCreated && len(group["tasks"].([]any)) == len(ts.nodeAddrs) {
				break
			}
			time.Sleep(200 * time.Millisecond)
		}
		if err != nil || status != http.StatusCreated {
			t.Fatalf("launch failed: status %d, err %v", status, err)
		}
		id := group["id"].(string)
		ts.waitGroupState(t, id, "finished")

		resp, err := ts.httpClient.Post(ts.url("/groups/"+id+"/gc"), "application/json", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Errorf("gc trigger: got status %d", resp.StatusCode)
		}
	})

	t.Run("NodeCrashFailsGroup", func(t *testing.T) {
		status, group, err := ts.Launch("hold")
		if err != nil || status != http.StatusCreated {
			t.Fatalf("launch failed: status %d, err %v", status, err)
		}
		last := ts.nodes[len(ts.nodes)-1]
		_ = last.Process.Kill()
		_ = last.Wait()
		ts.nodes = ts.nodes[:len(ts.nodes)-1]

		rec := ts.waitGroupState(t, group["id"].(string), "failed")
		if rec["error"] == "" {
			t.Error("failed group should carry an error")
		}
	})
}
