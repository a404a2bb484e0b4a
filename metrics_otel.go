package crystalrouter

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	setupCompleted    metric.Int64Counter
	setupFailed       metric.Int64Counter
	exchangeStarted   metric.Int64Counter
	exchangeCompleted metric.Int64Counter
	exchangeFailed    metric.Int64Counter
	levelCompleted    metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/crystalrouter-go"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	setupCompleted, err := meter.Int64Counter("crystalrouter.setup.completed")
	if err != nil {
		return nil, err
	}
	setupFailed, err := meter.Int64Counter("crystalrouter.setup.failed")
	if err != nil {
		return nil, err
	}
	exchangeStarted, err := meter.Int64Counter("crystalrouter.exchange.started")
	if err != nil {
		return nil, err
	}
	exchangeCompleted, err := meter.Int64Counter("crystalrouter.exchange.completed")
	if err != nil {
		return nil, err
	}
	exchangeFailed, err := meter.Int64Counter("crystalrouter.exchange.failed")
	if err != nil {
		return nil, err
	}
	levelCompleted, err := meter.Int64Counter("crystalrouter.level.completed")
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		setupCompleted:    setupCompleted,
		setupFailed:       setupFailed,
		exchangeStarted:   exchangeStarted,
		exchangeCompleted: exchangeCompleted,
		exchangeFailed:    exchangeFailed,
		levelCompleted:    levelCompleted,
	}, nil
}

// SetupCompleted records that a router finished the hypercube-folding setup
// protocol.
func (o *OTelMetrics) SetupCompleted(attrs map[string]string) {
	o.setupCompleted.Add(context.Background(), 1, metric.WithAttributes(baseAttrs(attrs)...))
}

// SetupFailed records a setup protocol failure.
func (o *OTelMetrics) SetupFailed(_ error, attrs map[string]string) {
	o.setupFailed.Add(context.Background(), 1, metric.WithAttributes(baseAttrs(attrs)...))
}

// ExchangeStarted records a Start call.
func (o *OTelMetrics) ExchangeStarted(attrs map[string]string) {
	o.exchangeStarted.Add(context.Background(), 1, metric.WithAttributes(exchangeAttrs(attrs)...))
}

// ExchangeCompleted records a Finish call that returned without error.
func (o *OTelMetrics) ExchangeCompleted(attrs map[string]string) {
	o.exchangeCompleted.Add(context.Background(), 1, metric.WithAttributes(exchangeAttrs(attrs)...))
}

// ExchangeFailed records a Finish call that returned an error.
func (o *OTelMetrics) ExchangeFailed(_ error, attrs map[string]string) {
	o.exchangeFailed.Add(context.Background(), 1, metric.WithAttributes(exchangeAttrs(attrs)...))
}

// LevelCompleted records one round of hypercube folding completing within
// Finish.
func (o *OTelMetrics) LevelCompleted(attrs map[string]string) {
	o.levelCompleted.Add(context.Background(), 1, metric.WithAttributes(levelAttrs(attrs)...))
}

func baseAttrs(attrs map[string]string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(labelRank, attrs[labelRank]),
		attribute.String(labelSize, attrs[labelSize]),
	}
}

func exchangeAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := baseAttrs(attrs)
	if v := attrs[labelTrans]; v != "" {
		kvs = append(kvs, attribute.String(labelTrans, v))
	}
	return kvs
}

func levelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelLevel, attrs[labelLevel]),
		attribute.String(labelPartner, attrs[labelPartner]),
	}
	if v := attrs[labelNmsg]; v != "" {
		kvs = append(kvs, attribute.String(labelNmsg, v))
	}
	return kvs
}
