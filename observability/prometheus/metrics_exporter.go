package prometheus

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Swind/go-gpu-stream/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

const defaultNamespace = "gpustream"

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// MetricsExporter adapts core.Metrics to Prometheus collectors.
type MetricsExporter struct {
	streamsAcquiredTotal  *prom.CounterVec
	eventsRecordedTotal   *prom.CounterVec
	crossStreamWaitsTotal *prom.CounterVec
	syncDurationSeconds   *prom.HistogramVec
	deviceFaultsTotal     *prom.CounterVec
}

var _ core.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers Prometheus collectors for core.Metrics.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.ExponentialBuckets(0.0001, 4, 10)
	}

	acquiredVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "streams_acquired_total",
		Help:      "Total number of streams handed out by the pools.",
	}, []string{"device", "priority"})
	recordedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "events_recorded_total",
		Help:      "Total number of event recordings.",
	}, []string{"device"})
	waitsVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "cross_stream_waits_total",
		Help:      "Total number of device-side waits inserted on streams.",
	}, []string{"device"})
	syncVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "synchronize_duration_seconds",
		Help:      "Time the host spent blocked in Synchronize.",
		Buckets:   buckets,
	}, []string{"target", "device"})
	faultsVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "device_faults_total",
		Help:      "Total number of device faults surfaced to callers.",
	}, []string{"op", "device"})

	var err error
	if acquiredVec, err = registerCollector(reg, acquiredVec); err != nil {
		return nil, err
	}
	if recordedVec, err = registerCollector(reg, recordedVec); err != nil {
		return nil, err
	}
	if waitsVec, err = registerCollector(reg, waitsVec); err != nil {
		return nil, err
	}
	if syncVec, err = registerCollector(reg, syncVec); err != nil {
		return nil, err
	}
	if faultsVec, err = registerCollector(reg, faultsVec); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		streamsAcquiredTotal:  acquiredVec,
		eventsRecordedTotal:   recordedVec,
		crossStreamWaitsTotal: waitsVec,
		syncDurationSeconds:   syncVec,
		deviceFaultsTotal:     faultsVec,
	}, nil
}

// RecordStreamAcquired counts streams handed out by the pools.
func (m *MetricsExporter) RecordStreamAcquired(device int, priority core.StreamPriority) {
	if m == nil {
		return
	}
	m.streamsAcquiredTotal.WithLabelValues(deviceLabel(device), priority.String()).Inc()
}

// RecordEventRecorded counts event recordings.
func (m *MetricsExporter) RecordEventRecorded(device int) {
	if m == nil {
		return
	}
	m.eventsRecordedTotal.WithLabelValues(deviceLabel(device)).Inc()
}

// RecordCrossStreamWait counts device-side waits.
func (m *MetricsExporter) RecordCrossStreamWait(device int) {
	if m == nil {
		return
	}
	m.crossStreamWaitsTotal.WithLabelValues(deviceLabel(device)).Inc()
}

// RecordSynchronize observes host blocking time.
func (m *MetricsExporter) RecordSynchronize(target string, device int, duration time.Duration) {
	if m == nil {
		return
	}
	m.syncDurationSeconds.WithLabelValues(normalizeLabel(target, "unknown"), deviceLabel(device)).Observe(duration.Seconds())
}

// RecordDeviceFault counts faults by the operation that surfaced them.
func (m *MetricsExporter) RecordDeviceFault(op string, device int) {
	if m == nil {
		return
	}
	m.deviceFaultsTotal.WithLabelValues(normalizeLabel(op, "unknown"), deviceLabel(device)).Inc()
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func deviceLabel(device int) string {
	if device < 0 {
		return "unknown"
	}
	return strconv.Itoa(device)
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
