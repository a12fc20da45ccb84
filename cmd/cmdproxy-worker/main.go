// Command cmdproxy-worker runs the worker daemon (C5/C6/C7 of spec.md §3): it
// listens on the broker for run requests, materialises their parameters
// against a blobstore.Store, executes them, and reports the result back.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/inconshreveable/log15"
	"github.com/kardianos/osext"
	"github.com/sevlyar/go-daemon"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/sb10/cmdproxy/autoscale"
	"github.com/sb10/cmdproxy/dispatch"
	"github.com/sb10/cmdproxy/internal/clog"
	"github.com/sb10/cmdproxy/internal/config"
	"github.com/sb10/cmdproxy/internal/statusapi"
	"github.com/sb10/cmdproxy/internal/wiring"
	"github.com/sb10/cmdproxy/transit"
)

var (
	configPath string
	daemonize  bool
	pidFile    string
	logFile    string
)

func main() {
	root := &cobra.Command{
		Use:   "cmdproxy-worker",
		Short: "Run the cmdproxy worker daemon",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a worker config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start serving run requests from the broker",
		RunE:  runServe,
	}
	serve.Flags().BoolVar(&daemonize, "daemonize", false, "detach into the background")
	serve.Flags().StringVar(&pidFile, "pid-file", "cmdproxy-worker.pid", "pid file written when daemonized")
	serve.Flags().StringVar(&logFile, "log-file", "", "additionally log to this file")

	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	if daemonize {
		cntxt := &daemon.Context{
			PidFileName: pidFile,
			PidFilePerm: 0o644,
			LogFileName: logFile,
			LogFilePerm: 0o640,
			WorkDir:     "./",
			Umask:       0o027,
		}
		child, err := cntxt.Reborn()
		if err != nil {
			return fmt.Errorf("daemonizing: %w", err)
		}
		if child != nil {
			// parent process: the daemon has been spawned, exit quietly
			return nil
		}
		defer cntxt.Release()
	}

	logger := clog.New("cmdproxy-worker")
	if logFile != "" {
		if err := clog.AddFileHandler(logger, logFile, log15.LvlDebug); err != nil {
			logger.Warn("could not attach log file handler", "err", err)
		}
	}

	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if len(cfg.Palette) == 0 {
		palette, err := loadPaletteNextToBinary()
		if err != nil {
			logger.Warn("no command palette configured and none found next to the binary", "err", err)
		} else {
			cfg.Palette = palette
		}
	}

	store, err := wiring.BuildServerStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}

	executor, err := wiring.BuildExecutor(cfg)
	if err != nil {
		return fmt.Errorf("building executor: %w", err)
	}

	server := transit.NewServer(store, cfg.Palette, executor, logger)

	worker, err := dispatch.NewWorker(cfg.BrokerAddr, server, logger)
	if err != nil {
		return fmt.Errorf("starting broker worker: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	if cfg.StatusAddr != "" {
		var depths statusapi.QueueDepths
		if ctrl := maybeAutoscaleController(cfg, logger); ctrl != nil {
			depths = ctrl
			go ctrl.Run(ctx)
		}
		status := statusapi.New(cfg.StatusAddr, depths, logger)
		go func() {
			if err := status.ListenAndServe(ctx); err != nil {
				logger.Warn("statusapi exited", "err", err)
			}
		}()
	}

	logger.Info("worker ready", "broker", cfg.BrokerAddr)
	return worker.Serve(ctx)
}

// loadPaletteNextToBinary looks for a "palette.yml"-shaped file alongside the
// running binary (osext.Executable resolves symlinks the plain os.Args[0]
// can't), for operators who'd rather ship a palette file than inline config.
func loadPaletteNextToBinary() (map[string]string, error) {
	exe, err := osext.Executable()
	if err != nil {
		return nil, err
	}
	candidate := filepath.Join(filepath.Dir(exe), "palette.yml")
	if _, err := os.Stat(candidate); err != nil {
		return nil, err
	}

	pc, err := config.LoadServerConfig(candidate)
	if err != nil {
		return nil, err
	}
	return pc.Palette, nil
}

// maybeAutoscaleController builds an autoscale.Controller when running
// in-cluster; outside a cluster there is nothing to scale, so this quietly
// returns nil rather than failing worker startup over it.
func maybeAutoscaleController(cfg *config.ServerConfig, logger log15.Logger) *autoscale.Controller {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		logger.Warn("building kubernetes client failed", "err", err)
		return nil
	}

	depthFunc := func(ctx context.Context) (map[string]int, error) {
		// A real deployment would poll the broker's own admin API; until one
		// is wired in, report the default queue alone as empty so bounds
		// still apply.
		return map[string]int{cfg.DefaultQueue: 0}, nil
	}

	return autoscale.NewController(clientset, autoscale.Config{
		Namespace:        autoscaleNamespace(),
		Deployment:       "cmdproxy-worker",
		MinReplicas:      1,
		MaxReplicas:      10,
		TargetPerReplica: 20,
	}, depthFunc, logger)
}

func autoscaleNamespace() string {
	if ns := os.Getenv("CMDPROXY_NAMESPACE"); ns != "" {
		return ns
	}
	return "default"
}
