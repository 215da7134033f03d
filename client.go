package gpustream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Swind/go-gpu-stream/config"
	"github.com/Swind/go-gpu-stream/core"
	"github.com/Swind/go-gpu-stream/logutil"
	obs "github.com/Swind/go-gpu-stream/observability/prometheus"
	_ "github.com/Swind/go-gpu-stream/simdevice"
	prom "github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Client is a core.Client together with the resources built for it from a
// config: the backend runtime, the zap logger and the optional Prometheus
// collectors.
type Client struct {
	*core.Client

	cfg          *config.Config
	zap          *zap.Logger
	closeRuntime func() error
	exporter     *obs.MetricsExporter
	poller       *obs.SnapshotPoller

	closeOnce sync.Once
	closeErr  error
}

// NewClientFromConfig opens the configured backend and wires logging and
// metrics. cfg nil uses config.Default(); reg nil uses the default
// Prometheus registerer when metrics are enabled.
func NewClientFromConfig(cfg *config.Config, reg prom.Registerer) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("gpustream: %w", err)
	}

	zl, err := logutil.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("gpustream: %w", err)
	}
	logger := logutil.NewCoreLogger(zl)

	rt, closeRuntime, err := core.OpenBackend(cfg.Runtime.Backend, cfg.Runtime.BackendOptions(logger))
	if err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg, zap: zl, closeRuntime: closeRuntime}
	clientCfg := &core.ClientConfig{Logger: logger}

	if cfg.Metrics.Enabled {
		c.exporter, err = obs.NewMetricsExporter(cfg.Metrics.Namespace, reg, obs.ExporterOptions{
			DurationBuckets: cfg.Metrics.DurationBuckets,
		})
		if err == nil {
			c.poller, err = obs.NewSnapshotPoller(reg, cfg.Metrics.PollInterval)
		}
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("gpustream: metrics: %w", err), closeRuntime())
		}
		clientCfg.Metrics = c.exporter

		if provider, ok := rt.(obs.RuntimeSnapshotProvider); ok {
			c.poller.AddRuntime(cfg.Runtime.Backend, provider)
		}
		c.poller.Start(context.Background())
	}

	c.Client, err = core.NewClient(rt, clientCfg)
	if err != nil {
		c.poller.Stop()
		return nil, multierr.Append(err, closeRuntime())
	}

	zl.Info("gpustream client ready",
		zap.String("backend", cfg.Runtime.Backend),
		zap.Int("devices", rt.DeviceCount()),
		zap.Bool("metrics", cfg.Metrics.Enabled))
	return c, nil
}

// Config returns the configuration the client was built from.
func (c *Client) Config() *config.Config {
	return c.cfg
}

// Poller returns the snapshot poller, or nil when metrics are disabled.
// Streams can be registered with it through AddStream.
func (c *Client) Poller() *obs.SnapshotPoller {
	return c.poller
}

// Close stops the poller and the runtime and flushes the logger. Device
// faults still pending in the runtime are returned. Close is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.poller.Stop()

		var errs error
		if c.closeRuntime != nil {
			errs = multierr.Append(errs, c.closeRuntime())
		}
		c.zap.Info("gpustream client closed", zap.Error(errs))
		// Sync returns EINVAL for stderr on Linux.
		_ = c.zap.Sync()
		c.closeErr = errs
	})
	return c.closeErr
}

// =============================================================================
// Global Client Helper (Singleton)
// =============================================================================

var (
	globalClient *Client
	globalMu     sync.Mutex
)

// ErrGlobalClientNotInitialized is returned by the package-level helpers when
// InitGlobalClient has not been called.
var ErrGlobalClientNotInitialized = errors.New("gpustream: global client not initialized, call InitGlobalClient first")

// InitGlobalClient builds the global client from cfg. Metrics, when enabled,
// are registered with the default Prometheus registerer. Calling it again
// while a client is installed is a no-op.
func InitGlobalClient(cfg *config.Config) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalClient != nil {
		return nil
	}

	c, err := NewClientFromConfig(cfg, nil)
	if err != nil {
		return err
	}
	globalClient = c
	return nil
}

// GetGlobalClient returns the global client instance.
// It panics if InitGlobalClient has not been called.
func GetGlobalClient() *Client {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalClient == nil {
		panic(ErrGlobalClientNotInitialized.Error())
	}
	return globalClient
}

// ShutdownGlobalClient closes the global client.
func ShutdownGlobalClient() error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalClient == nil {
		return nil
	}
	err := globalClient.Close()
	globalClient = nil
	return err
}

func lookupGlobalClient() (*Client, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalClient == nil {
		return nil, ErrGlobalClientNotInitialized
	}
	return globalClient, nil
}

// NewStream acquires a stream from the global client. See core.Client.NewStream.
func NewStream(device, priority int) (*Stream, error) {
	c, err := lookupGlobalClient()
	if err != nil {
		return nil, err
	}
	return c.NewStream(device, priority)
}

// NewEvent allocates an event on the global client.
func NewEvent(opts EventOptions) (*Event, error) {
	c, err := lookupGlobalClient()
	if err != nil {
		return nil, err
	}
	return c.NewEvent(opts)
}

// OpenEvent opens an IPC handle on the global client.
func OpenEvent(handle IpcEventHandle) (*Event, error) {
	c, err := lookupGlobalClient()
	if err != nil {
		return nil, err
	}
	return c.OpenEvent(handle)
}
