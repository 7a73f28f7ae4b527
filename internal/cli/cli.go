// Package cli wires the dispatchd command tree. The same binary serves three
// roles: the supervising manager (serve) and the broker/worker child
// processes it re-executes itself as.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"dispatchd/internal/broker"
	"dispatchd/internal/client"
	"dispatchd/internal/config"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/httpapi"
	"dispatchd/internal/worker"
)

const defaultStartTimeout = 120 * time.Second

// Execute runs the dispatchd CLI against the given loader registry.
func Execute(registry *worker.Registry) error {
	return buildRootCmd(registry).Execute()
}

func buildRootCmd(registry *worker.Registry) *cobra.Command {
	root := &cobra.Command{
		Use:           "dispatchd",
		Short:         "Inference-worker dispatch daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("log-level", "info", "Log level: debug|info|warn|error")
	root.AddCommand(buildServeCmd(), buildBrokerCmd(), buildWorkerCmd(registry))
	return root
}

func newLogger(cmd *cobra.Command) zerolog.Logger {
	levelStr, _ := cmd.Flags().GetString("log-level")
	level, err := zerolog.ParseLevel(strings.ToLower(levelStr))
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func buildServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the manager: broker, configured workers and the ops API",
		RunE:  runServe,
	}
	cmd.Flags().String("config", "", "Config file (.yaml/.yml/.json/.toml)")
	cmd.Flags().String("frontend", broker.DefaultFrontendAddr, "Broker client-facing address")
	cmd.Flags().String("backend", "", "Broker worker-facing address (default: platform socket)")
	cmd.Flags().String("backend-network", "", "Worker-facing network: unix|tcp")
	cmd.Flags().String("ops", ":8080", "Ops HTTP listen address")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	log := newLogger(cmd)

	cfg := config.Config{}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	frontendAddr, _ := cmd.Flags().GetString("frontend")
	if cfg.FrontendAddr != "" {
		frontendAddr = cfg.FrontendAddr
	}
	backendNetwork, _ := cmd.Flags().GetString("backend-network")
	backendAddr, _ := cmd.Flags().GetString("backend")
	if cfg.BackendNetwork != "" {
		backendNetwork = cfg.BackendNetwork
	}
	if cfg.BackendAddr != "" {
		backendAddr = cfg.BackendAddr
	}
	if backendNetwork == "" || backendAddr == "" {
		backendNetwork, backendAddr = broker.DefaultBackend()
	}
	opsAddr, _ := cmd.Flags().GetString("ops")
	if cfg.OpsAddr != "" {
		opsAddr = cfg.OpsAddr
	}
	clientTimeout := client.DefaultTimeout
	if cfg.ClientTimeoutS > 0 {
		clientTimeout = time.Duration(cfg.ClientTimeoutS) * time.Second
	}
	startTimeout := defaultStartTimeout
	if cfg.StartTimeoutS > 0 {
		startTimeout = time.Duration(cfg.StartTimeoutS) * time.Second
	}
	logLevel, _ := cmd.Flags().GetString("log-level")

	mgr := dispatch.New(dispatch.Config{
		FrontendAddr:  frontendAddr,
		ClientTimeout: clientTimeout,
		Spawner: &dispatch.ExecSpawner{
			FrontendAddr:   frontendAddr,
			BackendNetwork: backendNetwork,
			BackendAddr:    backendAddr,
			LogLevel:       logLevel,
		},
		Logger: log,
	})

	ctx, cancel := signalContext()
	defer cancel()
	defer mgr.StopAll()

	if err := mgr.StartBroker(); err != nil {
		return err
	}
	for _, spec := range cfg.Workers {
		if err := mgr.StartWorker(ctx, spec.Identity, spec.Loader, startTimeout); err != nil {
			return err
		}
	}

	srv := &http.Server{Addr: opsAddr, Handler: httpapi.NewMux(mgr, log)}
	go func() {
		log.Info().Str("addr", opsAddr).Msg("ops API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("ops server error")
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("ops server shutdown")
	}
	return nil
}

func buildBrokerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run the message broker process",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(cmd)
			frontendAddr, _ := cmd.Flags().GetString("frontend")
			backendNetwork, _ := cmd.Flags().GetString("backend-network")
			backendAddr, _ := cmd.Flags().GetString("backend")
			if backendNetwork == "" || backendAddr == "" {
				backendNetwork, backendAddr = broker.DefaultBackend()
			}
			b := broker.New(broker.Config{
				FrontendAddr:   frontendAddr,
				BackendNetwork: backendNetwork,
				BackendAddr:    backendAddr,
				Logger:         log,
			})
			ctx, cancel := signalContext()
			defer cancel()
			return b.Serve(ctx)
		},
	}
	cmd.Flags().String("frontend", broker.DefaultFrontendAddr, "Client-facing address")
	cmd.Flags().String("backend", "", "Worker-facing address (default: platform socket)")
	cmd.Flags().String("backend-network", "", "Worker-facing network: unix|tcp")
	return cmd
}

func buildWorkerCmd(registry *worker.Registry) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run one model-pinned worker process",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(cmd)
			identity, _ := cmd.Flags().GetString("identity")
			loaderName, _ := cmd.Flags().GetString("loader")
			if identity == "" {
				return errors.New("--identity is required")
			}
			factory, ok := registry.Lookup(loaderName)
			if !ok {
				return fmt.Errorf("unknown loader %q (registered: %s)",
					loaderName, strings.Join(registry.Names(), ", "))
			}
			backendNetwork, _ := cmd.Flags().GetString("backend-network")
			backendAddr, _ := cmd.Flags().GetString("backend")
			if backendNetwork == "" || backendAddr == "" {
				backendNetwork, backendAddr = broker.DefaultBackend()
			}
			w := worker.New(factory(identity), worker.Config{
				Identity:       identity,
				BackendNetwork: backendNetwork,
				BackendAddr:    backendAddr,
				Logger:         log,
			})
			ctx, cancel := signalContext()
			defer cancel()
			return w.Run(ctx)
		},
	}
	cmd.Flags().String("identity", "", "Worker identity (model name)")
	cmd.Flags().String("loader", "echo", "Registered loader name")
	cmd.Flags().String("backend", "", "Broker worker-facing address")
	cmd.Flags().String("backend-network", "", "Worker-facing network: unix|tcp")
	return cmd
}
