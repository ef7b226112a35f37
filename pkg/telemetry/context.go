package telemetry

import (
	"context"
	"errors"
)

// Telemetry bundles logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config

	nats *NATSSink
}

// NewTelemetry creates every telemetry component from cfg. When NATS
// forwarding is enabled the connection is made here.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	tel := &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  NewEventPublisher(cfg.Events),
		Config:  cfg,
	}

	if cfg.Events.Enabled && cfg.Events.NATS.Enabled {
		sink, err := NewNATSSink(cfg.Events.NATS, logger.Zerolog())
		if err != nil {
			_ = tel.Shutdown(context.Background())
			return nil, err
		}
		tel.nats = sink
		tel.Events.Subscribe(sink.Handle, nil)
	}

	return tel, nil
}

// Observer returns a lifecycle observer feeding this telemetry.
func (t *Telemetry) Observer() *LifecycleObserver {
	return NewLifecycleObserver(t.Metrics, t.Events, t.Logger.Zerolog())
}

// Shutdown stops components in reverse order of creation and returns
// every error encountered.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.Events != nil {
		errs = append(errs, t.Events.Shutdown(ctx))
	}
	if t.nats != nil {
		errs = append(errs, t.nats.Close())
	}
	if t.Metrics != nil {
		errs = append(errs, t.Metrics.Shutdown(ctx))
	}
	if t.Tracer != nil {
		errs = append(errs, t.Tracer.Shutdown(ctx))
	}
	if t.Logger != nil {
		errs = append(errs, t.Logger.Close())
	}
	return errors.Join(errs...)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer(t.Logger.Component("metrics"))
}
