package crystalrouter

import (
	"fmt"
	"sync/atomic"

	"github.com/rocketbitz/crystalrouter-go/device"
	"github.com/rocketbitz/crystalrouter-go/gather"
	"github.com/rocketbitz/crystalrouter-go/transport"
)

// Logger provides structured debug logging hooks for the router.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to the setup span.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts the span that wraps setup in New. Start and Finish open no
// span.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records router lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures router telemetry events.
type MetricHook interface {
	SetupCompleted(attrs map[string]string)
	SetupFailed(err error, attrs map[string]string)
	ExchangeStarted(attrs map[string]string)
	ExchangeCompleted(attrs map[string]string)
	ExchangeFailed(err error, attrs map[string]string)
	LevelCompleted(attrs map[string]string)
}

// Stats contains counters for router operations.
type Stats struct {
	ExchangesStarted   uint64
	ExchangesCompleted uint64
	ExchangesErrored   uint64
	LevelsProcessed    uint64
	BytesSent          uint64
	BytesReceived      uint64
}

type routerStats struct {
	exchangesStarted   atomic.Uint64
	exchangesCompleted atomic.Uint64
	exchangesErrored   atomic.Uint64
	levelsProcessed    atomic.Uint64
	bytesSent          atomic.Uint64
	bytesReceived      atomic.Uint64
}

// Config controls New's construction of a Router.
type Config struct {
	// Comm is the transport this rank exchanges halo contributions over.
	// Required.
	Comm transport.Comm
	// Platform stages halo buffers between device and host memory.
	// Required.
	Platform device.Platform
	// GatherHalo reports the NhaloP/Nhalo sizes the router indexes
	// against. Required.
	GatherHalo GatherHalo
	// Initial lists, for every shared node this rank's own halo touches,
	// the other ranks already known to share it — as reported by the
	// outer gather/scatter setup's connectivity data. This rank's own
	// participation need not be listed; setup seeds that directly from
	// GatherHalo.
	Initial []SharedNode
	// GPUAware, when true, skips the host-staging copy in Start/Finish:
	// the configured transport.Comm is assumed to operate directly on
	// device pointers.
	GPUAware bool

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// Router drives the crystal-router setup protocol once at construction,
// then replays the resulting levels on every Start/Finish pair. A Router
// is not safe for concurrent use by multiple goroutines; a program with
// multiple outstanding exchanges needs one Router per logical stream.
type Router struct {
	cfg      Config
	comm     transport.Comm
	platform device.Platform

	gatherHalo GatherHalo
	gpuAware   bool

	levelsN []Level
	levelsT []Level

	bufs       *bufferPool
	dataStream device.Stream

	closed bool

	pending      bool
	pendingK     int
	pendingType  Type
	pendingOp    Op
	pendingTrans Transpose
	pendingHost  bool

	hostStagePending bool

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
	stats            routerStats
}

// New runs the setup protocol (spec 4.2) against cfg.Initial and returns a
// Router ready for repeated Start/Finish exchanges.
func New(cfg Config) (*Router, error) {
	if cfg.Comm == nil {
		return nil, ErrNoComm
	}
	if cfg.Platform == nil {
		return nil, ErrNoPlatform
	}
	if cfg.GatherHalo == nil {
		return nil, ErrNoGatherHalo
	}
	if cfg.GatherHalo.NhaloP() > cfg.GatherHalo.Nhalo() {
		return nil, &InvalidHaloError{NhaloP: cfg.GatherHalo.NhaloP(), Nhalo: cfg.GatherHalo.Nhalo()}
	}

	r := &Router{
		cfg:              cfg,
		comm:             cfg.Comm,
		platform:         cfg.Platform,
		gatherHalo:       cfg.GatherHalo,
		gpuAware:         cfg.GPUAware,
		logger:           cfg.Logger,
		structuredLogger: cfg.StructuredLogger,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}

	var span Span
	if r.tracer != nil {
		span = r.tracer.StartSpan("crystalrouter.setup", TraceAttribute{Key: "rank", Value: cfg.Comm.Rank()})
	}

	levelsN, levelsT, err := setupLevels(cfg.Comm, cfg.GatherHalo.NhaloP(), cfg.GatherHalo.Nhalo(), cfg.Initial)
	if err != nil {
		r.metricSetupFailed(err)
		if span != nil {
			span.RecordError(err)
			span.End(err)
		}
		return nil, fmt.Errorf("crystalrouter: setup: %w", err)
	}
	r.levelsN = levelsN
	r.levelsT = levelsT

	nsendMax, nrecvMax := 0, 0
	for _, lvl := range levelsN {
		nsendMax = maxInt(nsendMax, lvl.Nsend)
		nrecvMax = maxInt(nrecvMax, lvl.Nrecv0+lvl.Nrecv1)
		nrecvMax = maxInt(nrecvMax, lvl.Ncols())
	}
	for _, lvl := range levelsT {
		nsendMax = maxInt(nsendMax, lvl.Nsend)
		nrecvMax = maxInt(nrecvMax, lvl.Nrecv0+lvl.Nrecv1)
		nrecvMax = maxInt(nrecvMax, lvl.Ncols())
	}
	nrecvMax = maxInt(nrecvMax, cfg.GatherHalo.Nhalo())

	r.bufs = newBufferPool(cfg.Platform)
	r.bufs.setMax(nsendMax, nrecvMax)
	r.dataStream = cfg.Platform.NewStream()

	if err := r.bufs.alloc(gather.Sizeof(Float64)); err != nil {
		r.metricSetupFailed(err)
		if span != nil {
			span.RecordError(err)
			span.End(err)
		}
		return nil, fmt.Errorf("crystalrouter: alloc: %w", err)
	}

	r.metricSetupCompleted()
	if span != nil {
		span.End(nil)
	}
	r.logf("crystalrouter: New rank=%d size=%d levelsN=%d levelsT=%d", cfg.Comm.Rank(), cfg.Comm.Size(), len(levelsN), len(levelsT))
	return r, nil
}

// Halo returns the router's current extended halo buffer: the
// device-resident and host-resident views a caller seeds contributions
// into (the [0, Nhalo) prefix, per spec 3) before the first Start and
// reads combined results from after each Finish. This is the buffer the
// outer gather/scatter object's halo indexing maps onto; the router owns
// it for the router's lifetime, not just for the duration of one
// exchange, matching ogsCrystalRouter_t's own haloBuf/o_haloBuf member
// fields.
func (r *Router) Halo() (device.Buffer, []byte) {
	return r.bufs.halo()
}

// Close marks the router closed; it does not free its buffers or stream.
// Start and Finish called after Close return ErrClosed; Halo and Stats
// keep working, and a second Close returns nil.
func (r *Router) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return nil
}

// Stats returns a snapshot of this router's exchange counters.
func (r *Router) Stats() Stats {
	return Stats{
		ExchangesStarted:   r.stats.exchangesStarted.Load(),
		ExchangesCompleted: r.stats.exchangesCompleted.Load(),
		ExchangesErrored:   r.stats.exchangesErrored.Load(),
		LevelsProcessed:    r.stats.levelsProcessed.Load(),
		BytesSent:          r.stats.bytesSent.Load(),
		BytesReceived:      r.stats.bytesReceived.Load(),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (r *Router) logf(format string, args ...any) {
	if r.structuredLogger != nil {
		kv := make([]any, 0, 2)
		kv = append(kv, "msg", fmt.Sprintf(format, args...))
		r.structuredLogger.Debugw("crystalrouter", kv...)
		return
	}
	if r.logger == nil {
		return
	}
	r.logger.Debugf(format, args...)
}

func (r *Router) recordLevelStats(li int, lvl Level) {
	r.stats.levelsProcessed.Add(1)
	if r.metrics == nil {
		return
	}
	attrs := map[string]string{
		"level":   fmt.Sprint(li),
		"partner": fmt.Sprint(lvl.Partner),
		"nmsg":    fmt.Sprint(lvl.Nmsg),
	}
	r.metrics.LevelCompleted(attrs)
}

func (r *Router) metricSetupCompleted() {
	if r.metrics == nil {
		return
	}
	r.metrics.SetupCompleted(r.baseAttrs())
}

func (r *Router) metricSetupFailed(err error) {
	if r.metrics == nil {
		return
	}
	r.metrics.SetupFailed(err, r.baseAttrs())
}

func (r *Router) metricExchangeStarted(trans Transpose) {
	r.stats.exchangesStarted.Add(1)
	if r.metrics == nil {
		return
	}
	r.metrics.ExchangeStarted(r.exchangeAttrs(trans))
}

func (r *Router) metricExchangeCompleted(trans Transpose) {
	r.stats.exchangesCompleted.Add(1)
	if r.metrics == nil {
		return
	}
	r.metrics.ExchangeCompleted(r.exchangeAttrs(trans))
}

func (r *Router) metricExchangeFailed(trans Transpose, err error) {
	r.stats.exchangesErrored.Add(1)
	if r.metrics == nil {
		return
	}
	r.metrics.ExchangeFailed(err, r.exchangeAttrs(trans))
}

func (r *Router) baseAttrs() map[string]string {
	return map[string]string{"rank": fmt.Sprint(r.comm.Rank()), "size": fmt.Sprint(r.comm.Size())}
}

func (r *Router) exchangeAttrs(trans Transpose) map[string]string {
	attrs := r.baseAttrs()
	attrs["trans"] = trans.String()
	return attrs
}
