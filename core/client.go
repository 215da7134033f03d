package core

import "errors"

// Client binds a Runtime to the logging, metrics and fault hooks used by the
// streams and events it creates. A Client is safe for concurrent use.
type Client struct {
	runtime      Runtime
	logger       Logger
	metrics      Metrics
	faultHandler FaultHandler
}

// NewClient creates a Client over rt. cfg may be nil.
func NewClient(rt Runtime, cfg *ClientConfig) (*Client, error) {
	if rt == nil {
		return nil, configurationError("client.new", "runtime is nil", nil)
	}
	defaults := DefaultClientConfig()
	if cfg == nil {
		cfg = defaults
	}

	c := &Client{
		runtime:      rt,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		faultHandler: cfg.FaultHandler,
	}
	if c.logger == nil {
		c.logger = defaults.Logger
	}
	if c.metrics == nil {
		c.metrics = defaults.Metrics
	}
	if c.faultHandler == nil {
		c.faultHandler = &DefaultFaultHandler{Logger: c.logger}
	}
	return c, nil
}

// Runtime returns the underlying device runtime.
func (c *Client) Runtime() Runtime {
	return c.runtime
}

// Logger returns the client's logger.
func (c *Client) Logger() Logger {
	return c.logger
}

// sameRuntime reports whether c and other drive the same Runtime.
func (c *Client) sameRuntime(other *Client) bool {
	return c == other || c.runtime == other.runtime
}

// fail reports device faults to the metrics and fault handler hooks and
// returns err unchanged.
func (c *Client) fail(op string, device int, err error) error {
	if errors.Is(err, ErrDeviceFault) {
		c.metrics.RecordDeviceFault(op, device)
		c.faultHandler.HandleDeviceFault(op, device, err)
	}
	return err
}
