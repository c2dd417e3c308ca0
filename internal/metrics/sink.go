package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instrumentationName identifies this module's meter.
const instrumentationName = "github.com/phrazzld/genqueue"

// Sink receives latency samples for external dashboards.
type Sink interface {
	RecordLatency(ctx context.Context, name string, d time.Duration, attrs ...attribute.KeyValue)
}

// OTelSink forwards samples to OpenTelemetry float64 histograms, in
// milliseconds. Instruments are created lazily, one per metric name.
type OTelSink struct {
	meter metric.Meter

	mu          sync.Mutex
	instruments map[string]metric.Float64Histogram
	onError     func(name string, err error)
}

// NewOTelSink creates a sink on the given meter provider.
func NewOTelSink(provider metric.MeterProvider) *OTelSink {
	return &OTelSink{
		meter:       provider.Meter(instrumentationName),
		instruments: make(map[string]metric.Float64Histogram),
	}
}

// OnError registers a callback for instrument creation failures. Samples for
// an instrument that could not be created are dropped.
func (s *OTelSink) OnError(fn func(name string, err error)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

// RecordLatency implements Sink.
func (s *OTelSink) RecordLatency(ctx context.Context, name string, d time.Duration, attrs ...attribute.KeyValue) {
	inst, ok := s.instrument(name)
	if !ok {
		return
	}
	inst.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(attrs...))
}

func (s *OTelSink) instrument(name string) (metric.Float64Histogram, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inst, ok := s.instruments[name]; ok {
		return inst, true
	}

	inst, err := s.meter.Float64Histogram(name,
		metric.WithUnit("ms"),
		metric.WithDescription("latency of "+name))
	if err != nil {
		if s.onError != nil {
			s.onError(name, err)
		}
		return nil, false
	}
	s.instruments[name] = inst
	return inst, true
}

// Recorder records a named latency series into its own Histogram and, when
// configured, into a Sink.
type Recorder struct {
	name string
	hist *Histogram
	sink Sink
}

// NewRecorder creates a recorder. sink may be nil.
func NewRecorder(name string, windowSize int, sink Sink) *Recorder {
	return &Recorder{
		name: name,
		hist: NewHistogram(windowSize),
		sink: sink,
	}
}

// Observe records one sample.
func (r *Recorder) Observe(ctx context.Context, d time.Duration, attrs ...attribute.KeyValue) {
	r.hist.Record(d)
	if r.sink != nil {
		r.sink.RecordLatency(ctx, r.name, d, attrs...)
	}
}

// Name returns the series name.
func (r *Recorder) Name() string {
	return r.name
}

// Histogram returns the recorder's window.
func (r *Recorder) Histogram() *Histogram {
	return r.hist
}
