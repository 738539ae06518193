package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"default", func(*Config) {}, ""},
		{"production", func(c *Config) { *c = *ProductionConfig() }, ""},
		{"no service", func(c *Config) { c.ServiceName = "" }, "service name"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "invalid log level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, "invalid trace exporter"},
		{"bad rate", func(c *Config) { c.Tracing.SamplingRate = 2 }, "sampling rate"},
		{"bad buffer", func(c *Config) { c.Events.BufferSize = 0 }, "buffer size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestEventPublisher_AsyncOrderAndFlush(t *testing.T) {
	cfg := DefaultConfig().Events
	cfg.FlushInterval = 10 * time.Millisecond
	ep := NewEventPublisher(cfg, NopLogger().Zerolog(), nil)
	defer ep.Shutdown(context.Background())

	rec := &Recorder{}
	ep.Subscribe("recorder", rec.Subscriber(), nil)

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		if err := ep.Publish(ctx, &engine.Event{Type: engine.EventDriftDetected, Message: string(rune('A' + i%26))}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := ep.Flush(flushCtx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	events := rec.Events()
	if len(events) != 50 {
		t.Fatalf("expected 50 events, got %d", len(events))
	}
	for i, e := range events {
		if e.Message != string(rune('A'+i%26)) {
			t.Fatalf("event %d out of order: %s", i, e.Message)
		}
		if e.ID == "" || e.Timestamp.IsZero() {
			t.Fatalf("event %d not stamped", i)
		}
	}
}

func TestEventPublisher_BufferFull(t *testing.T) {
	metrics, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	cfg := EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 1, MaxBatchSize: 1, FlushInterval: time.Hour}
	ep := NewEventPublisher(cfg, NopLogger().Zerolog(), metrics)

	release := make(chan struct{})
	var once sync.Once
	ep.Subscribe("slow", func(context.Context, engine.Event) {
		once.Do(func() { <-release })
	}, nil)

	ctx := context.Background()
	var dropped int
	for i := 0; i < 10; i++ {
		if err := ep.Publish(ctx, &engine.Event{Type: engine.EventPassCompleted}); errors.Is(err, ErrBufferFull) {
			dropped++
		}
	}
	close(release)

	if dropped == 0 {
		t.Fatal("expected dropped events with a blocked subscriber")
	}
	if got := testutil.ToFloat64(metrics.eventsDropped); got != float64(dropped) {
		t.Errorf("expected %d dropped in metrics, got %v", dropped, got)
	}

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestEventPublisher_SubscriberPanicIsolated(t *testing.T) {
	cfg := EventsConfig{Enabled: true}
	ep := NewEventPublisher(cfg, NopLogger().Zerolog(), nil)

	rec := &Recorder{}
	ep.Subscribe("panics", func(context.Context, engine.Event) { panic("boom") }, nil)
	ep.Subscribe("recorder", rec.Subscriber(), nil)
	ep.AddFilter(FilterByLevel("warning"))

	ctx := context.Background()
	_ = ep.Publish(ctx, &engine.Event{Type: engine.EventPassCompleted})
	_ = ep.Publish(ctx, &engine.Event{Type: engine.EventRemediationFailed})

	events := rec.Events()
	if len(events) != 1 || events[0].Type != engine.EventRemediationFailed {
		t.Fatalf("expected only the error event, got %+v", events)
	}
}

type sliceSink struct {
	mu     sync.Mutex
	events []*engine.Event
}

func (s *sliceSink) AppendEvent(_ context.Context, e *engine.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func TestEventPublisher_SinkAndLog(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "info", Format: "json"}, &buf)

	ep := NewEventPublisher(EventsConfig{Enabled: true}, logger.Zerolog(), nil)
	sink := &sliceSink{}
	ep.AddSink("store", sink)
	ep.Subscribe("log", LogSubscriber(logger.Zerolog()), FilterByPassID("p1"))

	ctx := context.Background()
	_ = ep.Publish(ctx, &engine.Event{Type: engine.EventRemediationFailed, PassID: "p1", Message: "configure failed"})
	_ = ep.Publish(ctx, &engine.Event{Type: engine.EventPassCompleted, PassID: "p2"})

	if len(sink.events) != 2 {
		t.Errorf("expected 2 persisted events, got %d", len(sink.events))
	}
	out := buf.String()
	if !strings.Contains(out, `"level":"error"`) || !strings.Contains(out, "configure failed") {
		t.Errorf("expected error log line, got %s", out)
	}
	if strings.Contains(out, "p2") {
		t.Errorf("filtered event was logged: %s", out)
	}
}

func TestEventPublisher_Disabled(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: false}, NopLogger().Zerolog(), nil)
	rec := &Recorder{}
	ep.Subscribe("recorder", rec.Subscriber(), nil)

	if err := ep.Publish(context.Background(), &engine.Event{Type: engine.EventPassCompleted}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(rec.Events()) != 0 {
		t.Error("disabled publisher delivered an event")
	}
}

func TestObserveAdapter(t *testing.T) {
	tel := NewNop()
	metrics, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	tel.Metrics = metrics

	ctx := context.Background()
	if err := tel.ObserveAdapter(ctx, "aws", "ListResources", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	throttled := engine.NewAdapterError(engine.ErrorCategoryRateLimited, "slow down", nil)
	err = tel.ObserveAdapter(ctx, "aws", "ApplyAction", func(context.Context) error { return throttled })
	if !errors.Is(err, throttled) {
		t.Fatalf("expected adapter error to pass through, got %v", err)
	}

	if got := testutil.ToFloat64(metrics.adapterCalls.WithLabelValues("aws", "ListResources")); got != 1 {
		t.Errorf("expected 1 ListResources call, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.adapterErrors.WithLabelValues("aws", "ApplyAction", "rate_limited")); got != 1 {
		t.Errorf("expected 1 rate_limited error, got %v", got)
	}
}

func TestMetricsDisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	m.RecordPassStarted("s", "periodic")
	m.RecordPassCompleted("s", "succeeded", time.Second)
	m.RecordRemediation("tag", "succeeded", 1)
	m.SetKillSwitch(true)

	if m.StartMetricsServer(NopLogger().Zerolog()) != nil {
		t.Error("disabled metrics started a server")
	}
}
