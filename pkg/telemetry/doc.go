// Package telemetry provides observability for modeld.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and lifecycle event publishing.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	coordinator := lifecycle.NewCoordinator(store, pool, lifecycle.Options{
//	    Observers:     []lifecycle.TransitionObserver{tel.Observer()},
//	    OnCASConflict: func(string) { tel.Metrics.RecordCASConflict() },
//	})
//
// # Metrics
//
// All metrics use the configured namespace (default "modeld"):
//
//   - model_transitions_total{from,to,event}
//   - cas_conflicts_total
//   - models{state}, computed on scrape
//   - jobs_total{kind,outcome} and job_duration_seconds{kind}
//   - queued_jobs
//   - http_requests_total{method,route,status} and http_request_duration_seconds{method,route}
//
// # Events
//
// Every applied transition is published as a "model.state_changed" event.
// Delivery is asynchronous and in publish order; a full buffer drops
// events rather than blocking the state machine. When NATS forwarding is
// enabled each event is published as JSON on "<subject>.<model id>".
package telemetry
