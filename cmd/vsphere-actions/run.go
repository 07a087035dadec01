package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apiserver "github.com/virtops/vsphere-actions/internal/api_server"
	"github.com/virtops/vsphere-actions/internal/config"
	"github.com/virtops/vsphere-actions/internal/vsphere"
	"github.com/virtops/vsphere-actions/pkg/log"
	"github.com/virtops/vsphere-actions/pkg/metrics"
)

// Budget for the vcenter session logout on shutdown.
const gracefulLogoutTimeout = 5 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the vsphere action service",
	RunE: func(cmd *cobra.Command, args []string) error {
		bootLog := log.InitLogs()
		bootLog.Println("Starting vsphere action service")
		defer bootLog.Println("vsphere action service stopped")

		cfg, err := config.Load(configFile)
		if err != nil {
			bootLog.Fatalf("reading configuration: %v", err)
		}
		bootLog.Printf("Using config: %s", cfg)

		logger := log.InitLog(log.AtomicLevel(cfg.Service.LogLevel))
		defer func() { _ = logger.Sync() }()
		undo := zap.ReplaceGlobals(logger)
		defer undo()

		metrics.RegisterMetrics()

		manager := vsphere.NewManager(cfg)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		go func() {
			defer cancel()
			listener, err := newListener(cfg.Service.Address)
			if err != nil {
				zap.S().Fatalw("creating listener", "error", err)
			}

			server := apiserver.New(cfg, manager, listener)
			if err := server.Run(ctx); err != nil {
				zap.S().Fatalw("running action server", "error", err)
			}
		}()

		go func() {
			defer cancel()
			listener, err := newListener(cfg.Service.MetricsAddress)
			if err != nil {
				zap.S().Fatalw("creating metrics listener", "error", err)
			}

			metricServer := apiserver.NewMetricServer(cfg.Service.MetricsAddress, listener)
			if err := metricServer.Run(ctx); err != nil {
				zap.S().Fatalw("running metrics server", "error", err)
			}
		}()

		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gracefulLogoutTimeout)
		defer shutdownCancel()
		manager.Close(shutdownCtx)

		return nil
	},
}

func newListener(address string) (net.Listener, error) {
	if address == "" {
		address = "localhost:0"
	}
	return net.Listen("tcp", address)
}
