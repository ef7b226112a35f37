package telemetry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/inopsio/modeld/pkg/lifecycle"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "default", modify: func(*Config) {}},
		{name: "production without endpoint", modify: func(c *Config) { *c = *ProductionConfig() }, wantErr: true},
		{name: "development", modify: func(c *Config) { *c = *DevelopmentConfig() }},
		{name: "missing service name", modify: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", modify: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", modify: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad sampling rate", modify: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{name: "metrics without address", modify: func(c *Config) { c.Metrics.ListenAddress = "" }, wantErr: true},
		{name: "zero event buffer", modify: func(c *Config) { c.Events.BufferSize = 0 }, wantErr: true},
		{
			name: "nats without subject",
			modify: func(c *Config) {
				c.Events.NATS.Enabled = true
				c.Events.NATS.Subject = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"warn":    zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"unknown": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modeld.log")
	cfg := DefaultConfig().Logging
	cfg.Format = "json"
	cfg.Output = path

	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger() error: %v", err)
	}
	l := logger.Component("api")
	l.Info().Str("model_id", "m-1").Msg("model created")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"component":"api"`, `"model_id":"m-1"`, "model created"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("log output %q missing %q", data, want)
		}
	}
}

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics() error: %v", err)
	}
	return m
}

func TestMetricsRecord(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordTransition("ready", "deploying", "deploy")
	m.RecordTransition("ready", "deploying", "deploy")
	m.RecordCASConflict()
	m.RecordJob("deploy", "succeeded", 2*time.Second)
	m.SetQueuedJobs(3)
	m.RecordHTTPRequest("POST", "/api/v1/models", 201, 10*time.Millisecond)

	if got := testutil.ToFloat64(m.transitions.WithLabelValues("ready", "deploying", "deploy")); got != 2 {
		t.Errorf("transitions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.casConflicts); got != 1 {
		t.Errorf("cas conflicts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.jobs.WithLabelValues("deploy", "succeeded")); got != 1 {
		t.Errorf("jobs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.queuedJobs); got != 3 {
		t.Errorf("queued = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("POST", "/api/v1/models", "201")); got != 1 {
		t.Errorf("http requests = %v, want 1", got)
	}
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	if err != nil {
		t.Fatal(err)
	}
	m.RecordTransition("a", "b", "c")
	m.RecordJob("deploy", "failed", time.Second)
	m.SetQueuedJobs(1)
	m.RecordCASConflict()
	m.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
	if m.Registry() != nil {
		t.Error("disabled metrics should have no registry")
	}
	if err := m.StartMetricsServer(zerolog.Nop()); err != nil {
		t.Errorf("StartMetricsServer() error: %v", err)
	}
}

func TestModelCounter(t *testing.T) {
	ctx := context.Background()
	store := lifecycle.NewMemoryStore()
	now := time.Now().UTC()
	for i, state := range []lifecycle.State{lifecycle.StateRegistered, lifecycle.StateReady, lifecycle.StateReady} {
		rec := &lifecycle.ModelRecord{
			ID:        string(rune('a' + i)),
			Name:      "model",
			State:     state,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := store.Create(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	m := newTestMetrics(t)
	if err := m.RegisterModelCounter(CountModelsByState(store), zerolog.Nop()); err != nil {
		t.Fatalf("RegisterModelCounter() error: %v", err)
	}

	expected := `
# HELP modeld_models Current number of models by state
# TYPE modeld_models gauge
modeld_models{state="ready"} 2
modeld_models{state="registered"} 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "modeld_models"); err != nil {
		t.Error(err)
	}
}

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) handle(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *eventSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestEventPublisherDeliversInOrder(t *testing.T) {
	ep := NewEventPublisher(DefaultEventsConfig())

	all := &eventSink{}
	failures := &eventSink{}
	onlyB := &eventSink{}
	ep.Subscribe(all.handle, nil)
	ep.Subscribe(failures.handle, FilterByLevel(EventLevelError))
	ep.Subscribe(onlyB.handle, FilterByModelID("b"))

	if err := ep.PublishStateChanged("a", "registered", "initializing", "initialize", 2, "j1", ""); err != nil {
		t.Fatal(err)
	}
	if err := ep.PublishStateChanged("a", "initializing", "failed", "init_failure", 3, "j1", "boom"); err != nil {
		t.Fatal(err)
	}
	if err := ep.PublishStateChanged("b", "registered", "initializing", "initialize", 2, "j2", ""); err != nil {
		t.Fatal(err)
	}

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	got := all.snapshot()
	if len(got) != 3 {
		t.Fatalf("delivered %d events, want 3", len(got))
	}
	if got[0].StateVersion != 2 || got[1].StateVersion != 3 || got[1].Error != "boom" {
		t.Errorf("events out of order: %+v", got)
	}
	for _, e := range got {
		if e.ID == "" || e.Timestamp.IsZero() || e.Type != EventTypeStateChanged {
			t.Errorf("event not populated: %+v", e)
		}
	}
	if n := len(failures.snapshot()); n != 1 {
		t.Errorf("error-level events = %d, want 1", n)
	}
	if n := len(onlyB.snapshot()); n != 1 {
		t.Errorf("events for b = %d, want 1", n)
	}
}

func TestEventPublisherAfterShutdown(t *testing.T) {
	ep := NewEventPublisher(DefaultEventsConfig())
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error: %v", err)
	}
	if err := ep.Publish(Event{ModelID: "a"}); err == nil {
		t.Error("expected error publishing after shutdown")
	}
}

func TestEventPublisherDisabled(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{})
	if err := ep.Publish(Event{}); err != nil {
		t.Errorf("Publish() error: %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error: %v", err)
	}
}

func TestFilterByType(t *testing.T) {
	f := FilterByType(EventTypeStateChanged)
	if !f(Event{Type: EventTypeStateChanged}) {
		t.Error("expected state change to pass")
	}
	if f(Event{Type: "other"}) {
		t.Error("expected other type to be filtered")
	}
}

func TestLifecycleObserver(t *testing.T) {
	m := newTestMetrics(t)
	ep := NewEventPublisher(DefaultEventsConfig())
	sink := &eventSink{}
	ep.Subscribe(sink.handle, nil)

	obs := NewLifecycleObserver(m, ep, zerolog.Nop())
	obs.ObserveTransition(context.Background(), &lifecycle.ModelRecord{ID: "m1"}, lifecycle.Transition{
		ModelID:      "m1",
		From:         lifecycle.StateDeploying,
		To:           lifecycle.StateFailed,
		Event:        lifecycle.EventDeployFailure,
		StateVersion: 7,
		JobID:        "j1",
		Error:        "timeout",
	})

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(m.transitions.WithLabelValues("deploying", "failed", "deploy_failure")); got != 1 {
		t.Errorf("transitions = %v, want 1", got)
	}
	events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	e := events[0]
	if e.ModelID != "m1" || e.To != "failed" || e.Level != EventLevelError || e.Error != "timeout" || e.JobID != "j1" {
		t.Errorf("event = %+v", e)
	}
}

func TestNATSSinkConnectFailure(t *testing.T) {
	cfg := DefaultEventsConfig().NATS
	cfg.URL = "nats://127.0.0.1:1"
	cfg.ConnectTimeout = 200 * time.Millisecond

	if _, err := NewNATSSink(cfg, zerolog.Nop()); err == nil {
		t.Error("expected connection error")
	}
}

func TestNATSSinkSubject(t *testing.T) {
	s := &NATSSink{subject: "modeld.models.events"}
	if got := s.Subject(Event{ModelID: "m1"}); got != "modeld.models.events.m1" {
		t.Errorf("Subject() = %q", got)
	}
	if err := s.Publish(Event{}); err == nil {
		t.Error("expected error without connection")
	}
}

func TestTraceID(t *testing.T) {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36},
		SpanID:     trace.SpanID{0x00, 0xf0, 0x67, 0xaa, 0x0b, 0xa9, 0x02, 0xb7},
		TraceFlags: trace.FlagsSampled,
	})

	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{name: "no span", ctx: context.Background(), want: ""},
		{name: "remote span", ctx: trace.ContextWithSpanContext(context.Background(), sc), want: "4bf92f3577b34da6a3ce929d0e0e4736"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TraceID(tt.ctx); got != tt.want {
				t.Errorf("TraceID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRecordSpanOutcome(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = provider.Shutdown(context.Background()) }()
	tracer := provider.Tracer("test")

	_, ok := tracer.Start(context.Background(), "ok")
	RecordSuccess(ok)
	ok.End()

	_, failed := tracer.Start(context.Background(), "failed")
	RecordError(failed, errors.New("boom"))
	RecordError(failed, nil)
	failed.End()

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	if got := spans[0].Status().Code; got != codes.Ok {
		t.Errorf("success status = %v", got)
	}
	if got := spans[1].Status(); got.Code != codes.Error || got.Description != "boom" {
		t.Errorf("error status = %+v", got)
	}
	if len(spans[1].Events()) != 1 {
		t.Errorf("recorded %d error events, want 1", len(spans[1].Events()))
	}
}

func TestNewTelemetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = filepath.Join(t.TempDir(), "modeld.log")
	cfg.Metrics.ListenAddress = "127.0.0.1:0"

	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry() error: %v", err)
	}

	ctx := context.Background()
	tel.Observer().ObserveTransition(ctx, &lifecycle.ModelRecord{ID: "m1"}, lifecycle.Transition{
		ModelID: "m1", From: lifecycle.StateRegistered, To: lifecycle.StateInitializing, Event: lifecycle.EventInitialize,
	})

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error: %v", err)
	}
}
