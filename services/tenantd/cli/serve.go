package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/tenantflow/internal/domain"
	"github.com/ramiqadoumi/tenantflow/internal/version"
	"github.com/ramiqadoumi/tenantflow/pkg/telemetry"
	"github.com/ramiqadoumi/tenantflow/services/tenantd"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Prime the tenant cache and run the job queues",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("metrics-addr", ":9091", "per-process metrics and health address; empty disables")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	serveCmd.Flags().Int("processes", 1, "number of tenantd processes in the cluster")
	serveCmd.Flags().Int("process-index", 0, "this process's index in [0, processes)")
	serveCmd.Flags().String("election", "static", "leader election: static (index 0 leads) | redis")

	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	bindFlag("cluster.processes", serveCmd.Flags(), "processes")
	bindFlag("cluster.process_index", serveCmd.Flags(), "process-index")
	bindFlag("cluster.election", serveCmd.Flags(), "election")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	instanceID := fmt.Sprintf("tenantd-%d-%s", cfg.Cluster.ProcessIndex, uuid.New().String()[:8])

	logger := telemetry.NewLogger(os.Stdout, cfg.LogLevel, "tenantd", cfg.OTelEndpoint != "").
		With(slog.String("instance_id", instanceID))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName: "tenantd",
		Version:     version.Version,
		InstanceID:  instanceID,
		Endpoint:    cfg.OTelEndpoint,
		SampleRatio: cfg.OTelSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("signal received")
		runCancel()
	}()

	deps, err := tenantd.Connect(runCtx, cfg, instanceID, logger)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Warn("close connections", slog.String("error", err.Error()))
		}
	}()

	app := tenantd.New(cfg, deps, instanceID, logger)
	if err := app.Run(runCtx); err != nil {
		if domain.IsFatal(err) {
			logger.Error("startup failed", slog.String("error", err.Error()))
		}
		return err
	}
	return nil
}
