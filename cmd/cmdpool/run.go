package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Swind/go-command-pool/core"
	"github.com/Swind/go-command-pool/internal/config"
	cmdprom "github.com/Swind/go-command-pool/observability/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type runFlags struct {
	configPath  string
	metricsAddr string
	linger      time.Duration
}

func newRunCmd(global *globalFlags) *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run --config FILE",
		Short: "Queue every task of a config file on a command pool and wait for them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPool(cmd, global, flags)
		},
	}
	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "YAML or JSON config file")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	cmd.Flags().DurationVar(&flags.linger, "linger", 0, "keep serving metrics this long after the tasks finished")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func runPool(cmd *cobra.Command, global *globalFlags, flags *runFlags) error {
	cfg, err := config.LoadFile(flags.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !cmd.Flags().Changed("log-level") && cfg.Log.Level != "" {
		global.logLevel = cfg.Log.Level
	}
	logger, err := global.logger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	backendCfg, err := cfg.ToBackendConfig()
	if err != nil {
		return err
	}
	interval, err := cfg.PollInterval()
	if err != nil {
		return err
	}
	tasks, err := cfg.ToTasks()
	if err != nil {
		return err
	}

	reg := prom.NewRegistry()
	exporter, err := cmdprom.NewMetricsExporter(cmdprom.DefaultNamespace, reg, cmdprom.ExporterOptions{})
	if err != nil {
		return fmt.Errorf("create metrics exporter: %w", err)
	}
	poller, err := cmdprom.NewSnapshotPoller(reg, time.Second)
	if err != nil {
		return fmt.Errorf("create snapshot poller: %w", err)
	}

	opts := append(cfg.PoolOptions(),
		core.WithLogger(logger),
		core.WithMetrics(exporter),
		core.WithPanicHandler(exporter.PanicHandler(nil)),
		core.WithRejectedTaskHandler(&core.DefaultRejectedTaskHandler{Logger: logger}),
	)
	pool, err := core.NewCommandPool(backendCfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := pool.Close(); err != nil {
			logger.Error("pool close failed", core.F("error", err.Error()))
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	poller.AddPool(pool.Name(), pool)
	poller.Start(ctx)
	defer poller.Stop()

	if err := pool.Start(interval); err != nil {
		return err
	}

	handles := make([]*core.TaskHandle, 0, len(tasks))
	for _, st := range tasks {
		var h *core.TaskHandle
		if st.Delay > 0 {
			h, err = pool.SubmitAfter(st.Task, st.Delay)
		} else {
			h, err = pool.Submit(st.Task)
		}
		if err != nil {
			return fmt.Errorf("submit %q: %w", st.Task.String(), err)
		}
		handles = append(handles, h)
	}

	g, gctx := errgroup.WithContext(ctx)
	tasksDone := make(chan struct{})

	var failed int
	g.Go(func() error {
		defer close(tasksDone)
		for i, h := range handles {
			select {
			case <-h.Done():
			case <-gctx.Done():
				return gctx.Err()
			}
			out, err := h.Wait()
			if !reportTask(cmd, tasks[i].Task, out, err) {
				failed++
			}
		}
		return nil
	})

	if flags.metricsAddr != "" {
		ln, err := net.Listen("tcp", flags.metricsAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", flags.metricsAddr, err)
		}
		logger.Info("serving metrics", core.F("addr", ln.Addr().String()))
		serveMetrics(g, gctx, ln, reg, tasksDone, flags.linger)
	}

	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%d tasks: %d ok, %d failed\n", len(handles), len(handles)-failed, failed)
	logger.Info("run finished", core.F("pool", pool.Name()), core.F("stats", fmt.Sprintf("%+v", pool.Stats())))
	if failed > 0 {
		return &exitError{code: 1}
	}
	return nil
}

// serveMetrics runs a /metrics server in g until the tasks are done and
// linger has passed, or ctx is cancelled.
func serveMetrics(g *errgroup.Group, ctx context.Context, ln net.Listener, reg *prom.Registry, tasksDone <-chan struct{}, linger time.Duration) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-tasksDone:
			select {
			case <-time.After(linger):
			case <-ctx.Done():
			}
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// reportTask prints one result line and reports whether the task succeeded.
func reportTask(cmd *cobra.Command, task *core.CommandTask, out *core.ProcessOutput, err error) bool {
	w := cmd.OutOrStdout()
	switch {
	case err != nil:
		fmt.Fprintf(w, "FAIL  %-40s %v\n", task.String(), err)
		return false
	case !out.Success():
		fmt.Fprintf(w, "FAIL  %-40s exit=%d %s\n", task.String(), out.ExitCode, out.Duration.Round(time.Millisecond))
		return false
	default:
		fmt.Fprintf(w, "ok    %-40s exit=0 %s\n", task.String(), out.Duration.Round(time.Millisecond))
		return true
	}
}
