package main

import (
	"context"
	goflag "flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	gamev1alpha1 "github.com/SystemCraftsman/kubegame/api/v1alpha1"
	"github.com/SystemCraftsman/kubegame/controllers"
	"github.com/SystemCraftsman/kubegame/internal/config"
	"github.com/SystemCraftsman/kubegame/internal/database"
	"github.com/SystemCraftsman/kubegame/internal/health"
	"github.com/SystemCraftsman/kubegame/internal/logging"
	"github.com/SystemCraftsman/kubegame/internal/monitoring"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(gamev1alpha1.AddToScheme(scheme))
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfgFile string
	zapOpts := zap.Options{Development: true}

	cmd := &cobra.Command{
		Use:           "kubegame",
		Short:         "Kubernetes controller for Games and their Worlds",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logging.Init(&zapOpts)

			cfg, err := config.Load(cmd.Flags(), cfgFile)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			return run(ctrl.SetupSignalHandler(), cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&cfgFile, "config", "", "Optional YAML file with controller settings.")
	config.BindFlags(fs)

	goflags := goflag.NewFlagSet("zap", goflag.ContinueOnError)
	zapOpts.BindFlags(goflags)
	fs.AddGoFlagSet(goflags)
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	setupLog.Info("starting kubegame", "version", Version, "workers", cfg.Workers, "deletionPolicy", cfg.GameDeletionPolicy)

	opts := ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: cfg.MetricsAddr},
		HealthProbeBindAddress: cfg.ProbeAddr,
		LeaderElection:         cfg.LeaderElect,
		LeaderElectionID:       cfg.LeaderElectionID,
	}
	if cfg.Namespace != "" {
		opts.Cache = cache.Options{DefaultNamespaces: map[string]cache.Config{cfg.Namespace: {}}}
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), opts)
	if err != nil {
		return fmt.Errorf("unable to start manager: %w", err)
	}

	shutdownTracing, err := monitoring.Setup(ctx, cfg.OTLPEndpoint, Version)
	if err != nil {
		return fmt.Errorf("unable to set up tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			setupLog.Error(err, "tracer shutdown")
		}
	}()

	if err := controllers.IndexWorldsByGame(ctx, mgr.GetFieldIndexer()); err != nil {
		return fmt.Errorf("unable to index worlds: %w", err)
	}

	reconcileOpts := controllers.Options{
		Workers:                 cfg.Workers,
		ReconcileTimeout:        cfg.ReconcileTimeout,
		RecheckInterval:         cfg.RecheckInterval,
		PermanentFailureRecheck: cfg.PermanentFailureRecheck,
		TeardownWait:            cfg.TeardownWait,
		BackoffBase:             cfg.BackoffBase,
		BackoffMax:              cfg.BackoffMax,
	}
	healthServer := health.NewServer()

	if err := (&controllers.GameReconciler{
		Client:         mgr.GetClient(),
		Scheme:         mgr.GetScheme(),
		Recorder:       mgr.GetEventRecorderFor("game-controller"),
		Health:         healthServer,
		DeletionPolicy: controllers.DeletionPolicy(cfg.GameDeletionPolicy),
		Options:        reconcileOpts,
	}).SetupWithManager(mgr); err != nil {
		return fmt.Errorf("unable to create controller Game: %w", err)
	}

	accessor := database.New(database.WithPoolTTL(cfg.DatabasePoolTTL))
	defer func() { _ = accessor.Close() }()

	if err := (&controllers.WorldReconciler{
		Client:             mgr.GetClient(),
		Scheme:             mgr.GetScheme(),
		Recorder:           mgr.GetEventRecorderFor("world-controller"),
		Database:           accessor,
		Health:             healthServer,
		DatabaseHostFormat: cfg.DatabaseHostFormat,
		DialAddress:        cfg.DatabaseDialAddress,
		Options:            reconcileOpts,
	}).SetupWithManager(mgr); err != nil {
		return fmt.Errorf("unable to create controller World: %w", err)
	}

	if cfg.GRPCHealthPort > 0 {
		if err := mgr.Add(healthServer.Runnable(cfg.GRPCHealthPort)); err != nil {
			return fmt.Errorf("unable to add grpc health server: %w", err)
		}
	}
	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return fmt.Errorf("unable to set up health check: %w", err)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		return fmt.Errorf("unable to set up ready check: %w", err)
	}

	setupLog.Info("starting manager")
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("problem running manager: %w", err)
	}
	return nil
}
