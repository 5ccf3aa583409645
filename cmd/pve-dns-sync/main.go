package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/config"
	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/controller"
	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/dns"
	_ "github.com/yuriy-kovalchuk/pve-dns-sync/internal/dns/providers"
	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/inventory"
	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/metrics"
	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/plan"
	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/proxmox"
	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/server"
)

var Version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "pve-dns-sync",
		Short:         "Keep DNS A records in step with the guests of a Proxmox VE cluster",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var dryRun bool
	once := &cobra.Command{
		Use:   "once",
		Short: "Run a single reconciliation cycle and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd, dryRun)
		},
	}
	once.Flags().BoolVar(&dryRun, "dry-run", false, "compute and print the plan without writing records")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Serve metrics and reconcile every INTERVAL until interrupted",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runLoop(cmd)
			},
		},
		once,
		&cobra.Command{
			Use:   "check",
			Short: "Validate configuration and reach Proxmox and the DNS provider",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runCheck(cmd)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), Version)
			},
		},
	)
	return root
}

// app holds the wired components of one process.
type app struct {
	log        logr.Logger
	settings   *config.Settings
	proxmox    *proxmox.Client
	dns        dns.Provider
	registry   *prometheus.Registry
	reconciler *controller.SyncReconciler
	sync       func() error
}

func newLogger(debug bool) (logr.Logger, func() error, error) {
	var (
		zl  *zap.Logger
		err error
	)
	if debug {
		zl, err = zap.NewDevelopment()
	} else {
		zl, err = zap.NewProduction()
	}
	if err != nil {
		return logr.Discard(), nil, fmt.Errorf("building logger: %w", err)
	}
	return zapr.NewLogger(zl), zl.Sync, nil
}

func setup(dryRun bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	settings, err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	root, sync, err := newLogger(settings.Debug)
	if err != nil {
		return nil, err
	}
	log := root.WithName("setup")
	log.Info("starting pve-dns-sync", "version", Version, "provider", settings.Provider.Provider,
		"zone", settings.Inventory.Zone, "subdomain", settings.Inventory.Subdomain)

	pve, err := proxmox.New(root.WithName("proxmox"), settings.Proxmox)
	if err != nil {
		return nil, fmt.Errorf("unable to create Proxmox client: %w", err)
	}

	dnsProvider, err := dns.NewProvider(settings.Provider.Provider, root.WithName("dns-"+settings.Provider.Provider), settings.Provider.Settings)
	if err != nil {
		return nil, fmt.Errorf("unable to create DNS provider: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &app{
		log:      log,
		settings: settings,
		proxmox:  pve,
		dns:      dnsProvider,
		registry: registry,
		sync:     sync,
		reconciler: &controller.SyncReconciler{
			Log:       root.WithName("sync"),
			Inventory: pve,
			Nodes:     settings.Nodes,
			Resolver:  inventory.NewResolver(root.WithName("inventory"), settings.Inventory),
			DNS:       dnsProvider,
			Timeout:   settings.RequestTimeout,
			DryRun:    dryRun,
			Metrics:   metrics.New(registry),
		},
	}, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runLoop(cmd *cobra.Command) error {
	a, err := setup(false)
	if err != nil {
		return err
	}
	defer func() { _ = a.sync() }()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	if addr := a.settings.MetricsAddr; addr != "" {
		g.Go(func() error {
			return server.Run(ctx, a.log.WithName("server"), addr, server.NewRouter(a.registry, a.reconciler.Ready))
		})
	}
	g.Go(func() error {
		a.reconciler.Start(ctx, a.settings.Interval)
		return nil
	})
	return g.Wait()
}

func runOnce(cmd *cobra.Command, dryRun bool) error {
	a, err := setup(dryRun)
	if err != nil {
		return err
	}
	defer func() { _ = a.sync() }()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	report, err := a.reconciler.RunCycle(ctx)
	if err != nil {
		return err
	}
	if dryRun && report.Plan != nil {
		fmt.Fprint(cmd.OutOrStdout(), plan.Format(report.Plan))
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d record changes failed", report.Failed, report.Failed+report.Created+report.Updated)
	}
	return nil
}

func runCheck(cmd *cobra.Command) error {
	a, err := setup(true)
	if err != nil {
		return err
	}
	defer func() { _ = a.sync() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), a.settings.RequestTimeout)
	defer cancel()

	if err := a.proxmox.Ping(ctx); err != nil {
		return fmt.Errorf("proxmox: %w", err)
	}
	records, err := a.dns.List(ctx, a.reconciler.Resolver.Suffix())
	if err != nil {
		return fmt.Errorf("dns provider: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: %d nodes, %d managed records\n", len(a.settings.Nodes), len(records))
	return nil
}
