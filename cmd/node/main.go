// Package main implements the gridreduce node, the worker process of the
// cluster. A node hosts the manager that creates task processes for the
// launcher, takes part in the Chord ring that lets launchers discover it,
// and carries endpoint traffic to and from other processes over HTTP.
//
// Configuration is read from flags, or from GRIDREDUCE_* environment
// variables named after the flags:
//   - --listen / GRIDREDUCE_LISTEN: listen address (default ":7000")
//   - --advertise / GRIDREDUCE_ADVERTISE: host:port other processes use
//     (default "127.0.0.1:7000")
//   - --join / GRIDREDUCE_JOIN: host:port of a node already in the ring
//   - --coordinator / GRIDREDUCE_COORDINATOR: coordinator URL to register with
//
// Example usage:
//
//	# First node starts a new ring
//	node --listen :7000 --advertise 10.0.0.1:7000
//
//	# Further nodes join through any ring member
//	GRIDREDUCE_ADVERTISE=10.0.0.2:7000 GRIDREDUCE_JOIN=10.0.0.1:7000 node
//
//	# Inspect the routing table
//	curl 10.0.0.2:7000/status
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/dreamware/gridreduce/internal/chord"
	"github.com/dreamware/gridreduce/internal/cluster"
	"github.com/dreamware/gridreduce/internal/logging"
)

// EnvPrefix prefixes the environment variables bound to flags.
const EnvPrefix = "GRIDREDUCE"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "node",
		Short:         "Run a gridreduce worker node",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v, cmd.Flags())
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.ProfileRuntime)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
	bindFlags(cmd.Flags())
	return cmd
}

// bindFlags declares the node flags.
func bindFlags(flags *pflag.FlagSet) {
	def := chord.DefaultConfig()
	health := cluster.DefaultHealthConfig()
	flags.SortFlags = true
	flags.String("listen", ":7000", "HTTP listen address")
	flags.String("advertise", "127.0.0.1:7000", "host:port other processes reach this node at")
	flags.String("join", "", "host:port of a ring member to join through, empty starts a new ring")
	flags.String("coordinator", "", "coordinator URL to register with")
	flags.Uint64("register-attempts", 10, "registration retries before giving up")
	flags.Uint("ring-bits", def.Bits, "width of the ring keyspace")
	flags.Int64("ring-id", -1, "fixed ring id, negative derives it from the address")
	flags.Int("successors", 0, "successor list length, 0 uses ring-bits")
	flags.Duration("stabilize-delay", def.StabilizeDelay, "mean interval between stabilization rounds")
	flags.Duration("join-timeout", def.JoinTimeout, "first wait for a join answer")
	flags.Duration("max-join-time", def.MaxJoinTime, "total time spent retrying a join, 0 retries forever")
	flags.Duration("health-interval", health.Interval, "interval between peer health checks")
	flags.Int("health-failures", health.MaxFailures, "failed checks before a peer is declared down")
	flags.Duration("request-timeout", 5*time.Second, "timeout of one HTTP exchange with another process")
}

// loadConfig resolves flags and GRIDREDUCE_* variables into a Config.
func loadConfig(v *viper.Viper, flags *pflag.FlagSet) (Config, error) {
	if err := v.BindPFlags(flags); err != nil {
		return Config{}, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	ring := chord.DefaultConfig()
	ring.Bits = v.GetUint("ring-bits")
	ring.SuccessorListLen = v.GetInt("successors")
	ring.StabilizeDelay = v.GetDuration("stabilize-delay")
	ring.JoinTimeout = v.GetDuration("join-timeout")
	ring.MaxJoinTime = v.GetDuration("max-join-time")
	if id := v.GetInt64("ring-id"); id >= 0 {
		fixed := uint64(id)
		ring.ID = &fixed
	}

	health := cluster.DefaultHealthConfig()
	health.Interval = v.GetDuration("health-interval")
	health.MaxFailures = v.GetInt("health-failures")

	cfg := Config{
		Listen:           v.GetString("listen"),
		Advertise:        v.GetString("advertise"),
		Join:             v.GetString("join"),
		Coordinator:      v.GetString("coordinator"),
		RegisterAttempts: v.GetUint64("register-attempts"),
		Ring:             ring,
		Health:           health,
		RequestTimeout:   v.GetDuration("request-timeout"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// run serves the node until ctx ends.
//
// Startup order:
//  1. Create the endpoint node and the manager
//  2. Serve the HTTP API, so that ring traffic can reach the node
//  3. Join the ring (or start a new one)
//  4. Register with the coordinator, if one is configured
//  5. Monitor linked peers until shutdown
func run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	node, err := NewNode(cfg, nil, logger)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		node.Close()
		return fmt.Errorf("listen: %w", err)
	}
	srv := &http.Server{
		Handler:           node.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("node listening", zap.String("listen", cfg.Listen), zap.String("advertise", cfg.Advertise))
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()
	defer func() {
		// Endpoints close first so that exits still reach remote watchers.
		node.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
		logger.Info("node stopped")
	}()

	if _, err := node.JoinRing(ctx); err != nil {
		return err
	}
	if err := node.Register(ctx); err != nil {
		return err
	}
	go node.MonitorPeers(ctx)

	select {
	case <-ctx.Done():
		return nil
	case err := <-serveErr:
		return err
	case <-node.Ring().Done():
		return fmt.Errorf("ring node exited: %w", node.Ring().Err())
	}
}
