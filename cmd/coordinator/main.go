// Package main implements the gridreduce coordinator. It launches task
// groups on worker nodes through the launcher's three-phase barrier, runs
// the distributed collector of each group, and tracks the nodes that
// registered with it.
//
// Commands:
//   - serve: long-running HTTP service (register nodes, launch and inspect
//     groups, trigger collections)
//   - run PROGRAM [ARGS...]: launch one group, print its output and exit
//     with the group's result
//
// Managers are found, in order of preference, from --peers, by walking the
// ring through --ring, or from the nodes registered with a serving
// coordinator.
//
// Example usage:
//
//	# Launch a ring program over every node of the ring
//	coordinator run --advertise 10.0.0.9:7100 --ring 10.0.0.1:7000 ring 8
//
//	# Serve, then launch through the API
//	coordinator serve --advertise 10.0.0.9:7100
//	curl -X POST 10.0.0.9:7100/groups -d '{"program":"ring","args":["8"]}'
package main

import (
	"context"
	"errors"
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

	"github.com/dreamware/gridreduce/internal/cluster"
	"github.com/dreamware/gridreduce/internal/coordinator"
	"github.com/dreamware/gridreduce/internal/logging"
	"github.com/dreamware/gridreduce/internal/protocol"
)

// EnvPrefix prefixes the environment variables bound to flags.
const EnvPrefix = "GRIDREDUCE"

// Config holds the settings of a coordinator process.
type Config struct {
	Listen    string
	Advertise string
	// Ring is the address of a ring member used to discover managers.
	Ring string
	// Peers lists node addresses to use instead of discovery.
	Peers []string
	// MaxRingNodes bounds a discovery walk.
	MaxRingNodes   int
	Launcher       coordinator.Config
	Health         cluster.HealthConfig
	RequestTimeout time.Duration
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if _, _, err := net.SplitHostPort(c.Advertise); err != nil {
		return fmt.Errorf("advertise address %q must be host:port", c.Advertise)
	}
	if c.Ring != "" {
		if _, _, err := net.SplitHostPort(c.Ring); err != nil {
			return fmt.Errorf("ring address %q must be host:port", c.Ring)
		}
	}
	for _, p := range c.Peers {
		if err := validHostPort(p); err != nil {
			return fmt.Errorf("peer: %w", err)
		}
	}
	if c.MaxRingNodes <= 0 {
		return errors.New("max ring nodes must be positive")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be positive")
	}
	return c.Launcher.Validate()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:          "coordinator",
		Short:        "Launch and collect gridreduce task groups",
		SilenceUsage: true,
	}
	bindFlags(root.PersistentFlags())
	root.AddCommand(serveCommand(v), runCommand(v))
	return root
}

// bindFlags declares the flags shared by every subcommand.
func bindFlags(flags *pflag.FlagSet) {
	def := coordinator.DefaultConfig()
	health := cluster.DefaultHealthConfig()
	flags.SortFlags = true
	flags.String("listen", ":7100", "HTTP listen address")
	flags.String("advertise", "127.0.0.1:7100", "host:port nodes reach the coordinator at")
	flags.String("ring", "", "host:port of a ring member to discover managers through")
	flags.StringSlice("peers", nil, "node addresses to launch on, instead of discovery")
	flags.Int("max-ring-nodes", 1024, "upper bound on the nodes visited by a discovery walk")
	flags.Duration("phase-timeout", def.RequestTimeout, "timeout of one launch barrier phase")
	flags.Bool("no-gc", false, "do not run a distributed collector for launched groups")
	flags.Duration("gc-delay", def.GC.IdleDelay, "idle time before a collection starts, 0 only collects on request")
	flags.Duration("gc-timeout", def.GC.CycleTimeout, "abort a collection that takes longer, 0 waits forever")
	flags.Duration("health-interval", health.Interval, "interval between node health checks")
	flags.Int("health-failures", health.MaxFailures, "failed checks before a node is declared down")
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

	launcher := coordinator.DefaultConfig()
	launcher.RequestTimeout = v.GetDuration("phase-timeout")
	launcher.EnableGC = !v.GetBool("no-gc")
	launcher.GC.IdleDelay = v.GetDuration("gc-delay")
	launcher.GC.CycleTimeout = v.GetDuration("gc-timeout")

	health := cluster.DefaultHealthConfig()
	health.Interval = v.GetDuration("health-interval")
	health.MaxFailures = v.GetInt("health-failures")

	cfg := Config{
		Listen:         v.GetString("listen"),
		Advertise:      v.GetString("advertise"),
		Ring:           v.GetString("ring"),
		Peers:          v.GetStringSlice("peers"),
		MaxRingNodes:   v.GetInt("max-ring-nodes"),
		Launcher:       launcher,
		Health:         health,
		RequestTimeout: v.GetDuration("request-timeout"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func serveCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the coordinator API",
		Args:  cobra.NoArgs,
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
			return serve(ctx, cfg, logger)
		},
	}
}

func runCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run PROGRAM [ARGS...]",
		Short: "Launch one task group and wait for it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, cmd.Flags())
			if err != nil {
				return err
			}
			tasks, err := cmd.Flags().GetInt("tasks")
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

			out := cmd.OutOrStdout()
			req := LaunchRequest{Program: args[0], Args: args[1:], Tasks: tasks}
			rec, err := launchAndWait(ctx, cfg, req, logger, func(_ string, o protocol.Output) {
				fmt.Fprintf(out, "%d: %s\n", o.TID, o.Text)
			})
			if rec != nil {
				fmt.Fprintf(out, "group %s %s, %d collections, %d cells freed\n", rec.ID, rec.State, rec.GC.Cycles, rec.GC.Freed)
			}
			return err
		},
	}
	cmd.Flags().Int("tasks", 0, "group size, 0 starts one task per manager")
	return cmd
}

// listenAndServe starts the coordinator's HTTP API on cfg.Listen. The
// returned function shuts it down.
func listenAndServe(s *server, cfg Config, logger *zap.Logger) (<-chan error, func(), error) {
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, nil, fmt.Errorf("listen: %w", err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() {
		logger.Info("coordinator listening", zap.String("listen", cfg.Listen), zap.String("advertise", cfg.Advertise))
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()
	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
	}
	return errc, shutdown, nil
}

// serve runs the coordinator API until ctx ends.
func serve(ctx context.Context, cfg Config, logger *zap.Logger) error {
	s, err := newServer(cfg, logger)
	if err != nil {
		return err
	}
	errc, shutdown, err := listenAndServe(s, cfg, logger)
	if err != nil {
		s.Close()
		return err
	}
	defer func() {
		s.Close()
		shutdown()
		logger.Info("coordinator stopped")
	}()
	go s.MonitorPeers(ctx)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		return err
	}
}

// launchAndWait launches one group and waits for it to end. It returns an
// error unless every task finished cleanly.
func launchAndWait(ctx context.Context, cfg Config, req LaunchRequest, logger *zap.Logger, onOutput func(string, protocol.Output)) (*coordinator.GroupRecord, error) {
	s, err := newServer(cfg, logger)
	if err != nil {
		return nil, err
	}
	s.onOutput = onOutput
	_, shutdown, err := listenAndServe(s, cfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	defer func() {
		s.Close()
		shutdown()
	}()
	monitorCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.MonitorPeers(monitorCtx)

	group, err := s.launch(ctx, req)
	if err != nil {
		return nil, err
	}
	rec, err := s.launcher.Wait(ctx, group.ID)
	if err != nil {
		return nil, err
	}
	if rec.State != coordinator.GroupFinished {
		return rec, fmt.Errorf("group %s %s: %s", rec.ID, rec.State, rec.Error)
	}
	return rec, nil
}
