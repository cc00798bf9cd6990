package cluster

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/ramiqadoumi/tenantflow/pkg/telemetry"
)

// SnapshotWriter stores one process's metrics exposition.
type SnapshotWriter interface {
	Put(ctx context.Context, instance string, snapshot []byte, ttl time.Duration) error
}

// Reporter periodically publishes this process's metrics so the leader can
// aggregate them. Snapshots live for three intervals.
type Reporter struct {
	store    SnapshotWriter
	gatherer prometheus.Gatherer
	instance string
	interval time.Duration
	logger   *slog.Logger
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

// WithGatherer replaces the default registry as the metrics source.
func WithGatherer(g prometheus.Gatherer) ReporterOption { return func(r *Reporter) { r.gatherer = g } }

// WithReporterLogger sets the structured logger.
func WithReporterLogger(l *slog.Logger) ReporterOption { return func(r *Reporter) { r.logger = l } }

// NewReporter returns a reporter that stores snapshots for instance every
// interval.
func NewReporter(store SnapshotWriter, instance string, interval time.Duration, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		store:    store,
		gatherer: prometheus.DefaultGatherer,
		instance: instance,
		interval: interval,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Report gathers and stores one snapshot.
func (r *Reporter) Report(ctx context.Context) error {
	mfs, err := r.gatherer.Gather()
	if err != nil {
		telemetry.ClusterSnapshotsReported.WithLabelValues("error").Inc()
		return fmt.Errorf("gather metrics: %w", err)
	}

	var buf bytes.Buffer
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			telemetry.ClusterSnapshotsReported.WithLabelValues("error").Inc()
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}

	if err := r.store.Put(ctx, r.instance, buf.Bytes(), 3*r.interval); err != nil {
		telemetry.ClusterSnapshotsReported.WithLabelValues("error").Inc()
		return err
	}
	telemetry.ClusterSnapshotsReported.WithLabelValues("ok").Inc()
	return nil
}

// Run reports immediately and then on every interval until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.Report(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("metrics snapshot not reported", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
