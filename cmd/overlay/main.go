package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"overlay/pkg/config"
	"overlay/pkg/control"
	"overlay/pkg/fuse"
	"overlay/pkg/metrics"
	"overlay/pkg/node"
	"overlay/pkg/registry"
	"overlay/pkg/utils"
	"overlay/pkg/web"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

const version = "0.1.0"

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "overlay",
		Short: "Decentralized storage overlay",
		Long: `A registry tracks which storage nodes exist and how to reach them.
Storage nodes register, learn each other's addresses and exchange files
directly over a throttled framed transport, each within its own quota.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		registryCmd(),
		nodeCmd(),
		ctlCmd(),
		mountCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func registryCmd() *cobra.Command {
	var (
		address       string
		statusAddress string
	)

	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Run the registry",
		Long:  `Start the registry that nodes register with and that broadcasts peer table updates.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			// An unreadable config file is fatal for the registry.
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("address") {
				cfg.Registry.Address = address
			}
			if cmd.Flags().Changed("status-address") {
				cfg.Registry.StatusAddress = statusAddress
			}

			promRegistry := newPrometheusRegistry()
			reg := registry.New(&cfg.Registry, &cfg.Transport, logger, metrics.NewRegistryMetrics(promRegistry))
			if err := reg.Listen(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(reg.Serve)
			if cfg.Registry.StatusAddress != "" {
				status := web.NewServer(logger, cfg.Registry.StatusAddress, reg.Status, promRegistry)
				g.Go(func() error { return status.Serve(gctx) })
			}
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("Shutting down registry")
				reg.Stop()
				return nil
			})

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&address, "address", config.DefaultRegistryAddress, "registry listening address")
	cmd.Flags().StringVar(&statusAddress, "status-address", "", "HTTP status/metrics address (disabled if empty)")
	return cmd
}

func nodeCmd() *cobra.Command {
	var flags config.NodeConfig

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a storage node",
		Long:  `Start a storage node that registers with the registry, stores files within its quota and exchanges them with peers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := config.Load(configFile)
			if err != nil {
				logger.Warn("Ignoring unreadable config, using defaults", zap.Error(err))
				cfg = config.Default()
			}
			applyNodeFlags(cmd, &cfg.Node, &flags)
			if err := cfg.Node.Resolve(); err != nil {
				return err
			}
			if err := cfg.Node.CheckPacing(cfg.Transport.IOTimeout); err != nil {
				return err
			}

			promRegistry := newPrometheusRegistry()
			storageNode, err := node.New(&cfg.Node, &cfg.Transport, logger, metrics.NewNodeMetrics(promRegistry, cfg.Node.NodeID))
			if err != nil {
				return err
			}

			sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithCancel(sigCtx)
			defer cancel()

			logger.Info("Starting storage node",
				zap.String("node_id", cfg.Node.NodeID),
				zap.String("address", cfg.Node.ListenAddress()),
				zap.String("registry", cfg.Node.RegistryAddress),
				zap.String("storage_dir", cfg.Node.StorageDir))

			// Failing to bind the data port is fatal; failing to register is not.
			if err := storageNode.Start(ctx); err != nil {
				return err
			}
			cfg.Node.BindPort(storageNode.Addr().Port)

			g, gctx := errgroup.WithContext(ctx)
			if cfg.Node.ControlAddress != "" {
				ctl := control.NewServer(storageNode, logger)
				g.Go(func() error { return ctl.Serve(gctx, cfg.Node.ControlAddress) })
			}
			if cfg.Node.StatusAddress != "" {
				status := web.NewServer(logger, cfg.Node.StatusAddress, storageNode.Status, promRegistry)
				g.Go(func() error { return status.Serve(gctx) })
			}
			g.Go(func() error {
				select {
				case <-storageNode.ShutdownRequested():
					cancel()
				case <-gctx.Done():
				}
				logger.Info("Shutting down storage node")
				storageNode.Stop()
				return nil
			})

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&flags.NodeID, "node-id", "", "unique node identifier")
	cmd.Flags().StringVar(&flags.Host, "host", config.DefaultNodeHost, "host advertised to the registry and bound for peers")
	cmd.Flags().IntVar(&flags.Port, "port", 0, "port for peer connections (0 picks a free port)")
	cmd.Flags().StringVar(&flags.RegistryAddress, "registry", config.DefaultRegistryAddress, "registry address")
	cmd.Flags().StringVar(&flags.Storage, "storage", config.DefaultStorage, "storage quota (plain numbers are MB, or e.g. 1GiB)")
	cmd.Flags().StringVar(&flags.SendRate, "send-rate", config.DefaultRate, "upload rate (plain numbers are KB/s, 0 = unlimited)")
	cmd.Flags().StringVar(&flags.RecvRate, "recv-rate", config.DefaultRate, "download rate (plain numbers are KB/s, 0 = unlimited)")
	cmd.Flags().StringVar(&flags.StorageDir, "storage-dir", "", "storage directory (default storage/<node-id>)")
	cmd.Flags().StringVar(&flags.ControlAddress, "control-address", "", "control API address (default host:port+1000)")
	cmd.Flags().StringVar(&flags.StatusAddress, "status-address", "", "HTTP status/metrics address (disabled if empty)")

	return cmd
}

// applyNodeFlags copies explicitly set flags over the loaded configuration.
func applyNodeFlags(cmd *cobra.Command, dst, flags *config.NodeConfig) {
	set := func(name string, apply func()) {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
	set("node-id", func() { dst.NodeID = flags.NodeID })
	set("host", func() { dst.Host = flags.Host })
	set("port", func() { dst.Port = flags.Port })
	set("registry", func() { dst.RegistryAddress = flags.RegistryAddress })
	set("storage", func() { dst.Storage = flags.Storage })
	set("send-rate", func() { dst.SendRate = flags.SendRate })
	set("recv-rate", func() { dst.RecvRate = flags.RecvRate })
	set("storage-dir", func() { dst.StorageDir = flags.StorageDir })
	set("control-address", func() { dst.ControlAddress = flags.ControlAddress })
	set("status-address", func() { dst.StatusAddress = flags.StatusAddress })
}

func mountCmd() *cobra.Command {
	var quota string

	cmd := &cobra.Command{
		Use:   "mount [storage-dir] [mountpoint]",
		Short: "Mount a node's storage directory read-only",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			quotaBytes, err := utils.ParseStorage(quota)
			if err != nil {
				return fmt.Errorf("invalid storage quota: %w", err)
			}
			if _, err := os.Stat(args[0]); err != nil {
				return fmt.Errorf("storage directory: %w", err)
			}

			logger.Info("Mounting storage view",
				zap.String("storage_dir", args[0]),
				zap.String("mountpoint", args[1]))

			server, err := fuse.Mount(args[1], fuse.NewStorageFS(args[0], quotaBytes, logger), verbose)
			if err != nil {
				return fmt.Errorf("failed to mount: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				logger.Info("Unmounting", zap.String("mountpoint", args[1]))
				if err := server.Unmount(); err != nil {
					logger.Error("Failed to unmount", zap.Error(err))
				}
			}()

			server.Wait()
			return nil
		},
	}

	cmd.Flags().StringVar(&quota, "storage", config.DefaultStorage, "quota reported as the filesystem size")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("overlay v%s\n", version)
		},
	}
}

func newPrometheusRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}
