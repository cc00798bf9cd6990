package cluster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/ramiqadoumi/tenantflow/pkg/telemetry"
)

// ErrNoSnapshots is returned when no process has a live snapshot.
var ErrNoSnapshots = errors.New("no metrics snapshots available")

// SnapshotReader lists every live snapshot keyed by instance.
type SnapshotReader interface {
	List(ctx context.Context) (map[string][]byte, error)
}

// Aggregator merges the snapshots of all processes into one exposition.
type Aggregator struct {
	store SnapshotReader
}

// NewAggregator returns an aggregator reading snapshots from store.
func NewAggregator(store SnapshotReader) *Aggregator {
	return &Aggregator{store: store}
}

// Aggregate returns the merged metric families sorted by name.
func (a *Aggregator) Aggregate(ctx context.Context) ([]*dto.MetricFamily, error) {
	snapshots, err := a.store.List(ctx)
	if err != nil {
		telemetry.ClusterAggregations.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	families, err := Merge(snapshots)
	if err != nil {
		telemetry.ClusterAggregations.WithLabelValues("error").Inc()
		return nil, err
	}
	telemetry.ClusterAggregations.WithLabelValues("ok").Inc()
	return families, nil
}

// Render writes the merged exposition in Prometheus text format. Nothing is
// written when aggregation fails.
func (a *Aggregator) Render(ctx context.Context, w io.Writer) error {
	families, err := a.Aggregate(ctx)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	_, err = w.Write(buf.Bytes())
	return err
}

// Merge parses text-format snapshots and sums them per family and label
// set. Counters, gauges and untyped values are summed; histograms are summed
// per bucket; summaries keep only their summed count and sum since
// quantiles cannot be combined.
func Merge(snapshots map[string][]byte) ([]*dto.MetricFamily, error) {
	if len(snapshots) == 0 {
		return nil, ErrNoSnapshots
	}

	instances := make([]string, 0, len(snapshots))
	for inst := range snapshots {
		instances = append(instances, inst)
	}
	sort.Strings(instances)

	merged := make(map[string]*dto.MetricFamily)
	series := make(map[string]map[string]*dto.Metric)

	for _, inst := range instances {
		var parser expfmt.TextParser
		families, err := parser.TextToMetricFamilies(bytes.NewReader(snapshots[inst]))
		if err != nil {
			return nil, fmt.Errorf("parse snapshot from %s: %w", inst, err)
		}

		for name, mf := range families {
			dst, ok := merged[name]
			if !ok {
				dst = &dto.MetricFamily{Name: mf.Name, Help: mf.Help, Type: mf.Type}
				merged[name] = dst
				series[name] = make(map[string]*dto.Metric)
			} else if dst.GetType() != mf.GetType() {
				return nil, fmt.Errorf("metric %s is %s in %s but %s elsewhere",
					name, mf.GetType(), inst, dst.GetType())
			}

			for _, m := range mf.Metric {
				m.TimestampMs = nil
				sig := labelSignature(m.Label)
				existing, ok := series[name][sig]
				if !ok {
					if mf.GetType() == dto.MetricType_SUMMARY && m.Summary != nil {
						m.Summary.Quantile = nil
					}
					series[name][sig] = m
					dst.Metric = append(dst.Metric, m)
					continue
				}
				addMetric(mf.GetType(), existing, m)
			}
		}
	}

	out := make([]*dto.MetricFamily, 0, len(merged))
	for _, mf := range merged {
		sort.Slice(mf.Metric, func(i, j int) bool {
			return labelSignature(mf.Metric[i].Label) < labelSignature(mf.Metric[j].Label)
		})
		out = append(out, mf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GetName() < out[j].GetName() })
	return out, nil
}

func labelSignature(labels []*dto.LabelPair) string {
	pairs := make([]string, 0, len(labels))
	for _, l := range labels {
		pairs = append(pairs, l.GetName()+"\x00"+l.GetValue())
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "\xff")
}

func addMetric(typ dto.MetricType, dst, src *dto.Metric) {
	switch typ {
	case dto.MetricType_COUNTER:
		dst.Counter = &dto.Counter{Value: f64(dst.GetCounter().GetValue() + src.GetCounter().GetValue())}
	case dto.MetricType_GAUGE:
		dst.Gauge = &dto.Gauge{Value: f64(dst.GetGauge().GetValue() + src.GetGauge().GetValue())}
	case dto.MetricType_UNTYPED:
		dst.Untyped = &dto.Untyped{Value: f64(dst.GetUntyped().GetValue() + src.GetUntyped().GetValue())}
	case dto.MetricType_SUMMARY:
		dst.Summary = &dto.Summary{
			SampleCount: u64(dst.GetSummary().GetSampleCount() + src.GetSummary().GetSampleCount()),
			SampleSum:   f64(dst.GetSummary().GetSampleSum() + src.GetSummary().GetSampleSum()),
		}
	case dto.MetricType_HISTOGRAM, dto.MetricType_GAUGE_HISTOGRAM:
		dst.Histogram = addHistogram(dst.GetHistogram(), src.GetHistogram())
	}
}

func addHistogram(a, b *dto.Histogram) *dto.Histogram {
	counts := make(map[float64]uint64)
	for _, bk := range a.GetBucket() {
		counts[bk.GetUpperBound()] += bk.GetCumulativeCount()
	}
	for _, bk := range b.GetBucket() {
		counts[bk.GetUpperBound()] += bk.GetCumulativeCount()
	}
	bounds := make([]float64, 0, len(counts))
	for ub := range counts {
		bounds = append(bounds, ub)
	}
	sort.Float64s(bounds)

	h := &dto.Histogram{
		SampleCount: u64(a.GetSampleCount() + b.GetSampleCount()),
		SampleSum:   f64(a.GetSampleSum() + b.GetSampleSum()),
	}
	for _, ub := range bounds {
		h.Bucket = append(h.Bucket, &dto.Bucket{UpperBound: f64(ub), CumulativeCount: u64(counts[ub])})
	}
	return h
}

func f64(v float64) *float64 { return &v }
func u64(v uint64) *uint64 { return &v }
