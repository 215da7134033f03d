package prometheus

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/Swind/go-gpu-stream/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// StreamSnapshotProvider provides current stream stats snapshots.
type StreamSnapshotProvider interface {
	Stats() core.StreamStats
}

// RuntimeSnapshotProvider provides per-device stats snapshots of a runtime.
type RuntimeSnapshotProvider interface {
	Stats() []core.DeviceStats
}

// SnapshotPoller periodically exports stream/device Stats() snapshots into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	streamsMu sync.RWMutex
	streams   map[string]StreamSnapshotProvider

	runtimesMu sync.RWMutex
	runtimes   map[string]RuntimeSnapshotProvider

	streamPending   *prom.GaugeVec
	streamCompleted *prom.GaugeVec
	streamLastOpAge *prom.GaugeVec

	deviceStreams   *prom.GaugeVec
	devicePending   *prom.GaugeVec
	deviceCompleted *prom.GaugeVec
	deviceFaulted   *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	streamLabels := []string{"stream", "device", "priority"}
	streamPending := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: defaultNamespace,
		Name:      "stream_pending",
		Help:      "Number of submitted but unfinished ops per stream.",
	}, streamLabels)
	streamCompleted := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: defaultNamespace,
		Name:      "stream_completed_total",
		Help:      "Stream completed op count snapshot.",
	}, streamLabels)
	streamLastOpAge := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: defaultNamespace,
		Name:      "stream_last_op_age_seconds",
		Help:      "Seconds since the stream finished its last op.",
	}, streamLabels)

	deviceLabels := []string{"runtime", "device"}
	deviceStreams := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: defaultNamespace,
		Name:      "device_streams",
		Help:      "Pool streams created per device.",
	}, deviceLabels)
	devicePending := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: defaultNamespace,
		Name:      "device_pending",
		Help:      "Unfinished ops across all streams of a device.",
	}, deviceLabels)
	deviceCompleted := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: defaultNamespace,
		Name:      "device_completed_total",
		Help:      "Device completed op count snapshot.",
	}, deviceLabels)
	deviceFaulted := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: defaultNamespace,
		Name:      "device_faulted",
		Help:      "Device fault state (1=faulted, 0=healthy).",
	}, deviceLabels)

	var err error
	if streamPending, err = registerCollector(reg, streamPending); err != nil {
		return nil, err
	}
	if streamCompleted, err = registerCollector(reg, streamCompleted); err != nil {
		return nil, err
	}
	if streamLastOpAge, err = registerCollector(reg, streamLastOpAge); err != nil {
		return nil, err
	}
	if deviceStreams, err = registerCollector(reg, deviceStreams); err != nil {
		return nil, err
	}
	if devicePending, err = registerCollector(reg, devicePending); err != nil {
		return nil, err
	}
	if deviceCompleted, err = registerCollector(reg, deviceCompleted); err != nil {
		return nil, err
	}
	if deviceFaulted, err = registerCollector(reg, deviceFaulted); err != nil {
		return nil, err
	}

	return &SnapshotPoller{
		interval:        interval,
		streams:         make(map[string]StreamSnapshotProvider),
		runtimes:        make(map[string]RuntimeSnapshotProvider),
		streamPending:   streamPending,
		streamCompleted: streamCompleted,
		streamLastOpAge: streamLastOpAge,
		deviceStreams:   deviceStreams,
		devicePending:   devicePending,
		deviceCompleted: deviceCompleted,
		deviceFaulted:   deviceFaulted,
	}, nil
}

// AddStream adds or replaces a stream snapshot provider by name.
func (p *SnapshotPoller) AddStream(name string, provider StreamSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "stream")
	p.streamsMu.Lock()
	p.streams[name] = provider
	p.streamsMu.Unlock()
}

// AddRuntime adds or replaces a runtime snapshot provider by name.
func (p *SnapshotPoller) AddRuntime(name string, provider RuntimeSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "runtime")
	p.runtimesMu.Lock()
	p.runtimes[name] = provider
	p.runtimesMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func (p *SnapshotPoller) collectOnce() {
	now := time.Now()

	p.streamsMu.RLock()
	for name, provider := range p.streams {
		stats := provider.Stats()
		labels := []string{name, strconv.Itoa(stats.Device), stats.Priority.String()}
		p.streamPending.WithLabelValues(labels...).Set(float64(stats.Pending))
		p.streamCompleted.WithLabelValues(labels...).Set(float64(stats.Completed))
		if !stats.LastOpAt.IsZero() {
			p.streamLastOpAge.WithLabelValues(labels...).Set(now.Sub(stats.LastOpAt).Seconds())
		}
	}
	p.streamsMu.RUnlock()

	p.runtimesMu.RLock()
	for name, provider := range p.runtimes {
		for _, stats := range provider.Stats() {
			device := strconv.Itoa(stats.Index)
			p.deviceStreams.WithLabelValues(name, device).Set(float64(stats.Streams))
			p.devicePending.WithLabelValues(name, device).Set(float64(stats.Pending))
			p.deviceCompleted.WithLabelValues(name, device).Set(float64(stats.Completed))
			if stats.Faulted {
				p.deviceFaulted.WithLabelValues(name, device).Set(1)
			} else {
				p.deviceFaulted.WithLabelValues(name, device).Set(0)
			}
		}
	}
	p.runtimesMu.RUnlock()
}
