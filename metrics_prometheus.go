package crystalrouter

import "github.com/prometheus/client_golang/prometheus"

const (
	labelRank    = "rank"
	labelSize    = "size"
	labelTrans   = "trans"
	labelLevel   = "level"
	labelPartner = "partner"
	labelNmsg    = "nmsg"
)

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	setupCompleted    *prometheus.CounterVec
	setupFailed       *prometheus.CounterVec
	exchangeStarted   *prometheus.CounterVec
	exchangeCompleted *prometheus.CounterVec
	exchangeFailed    *prometheus.CounterVec
	levelCompleted    *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &PrometheusMetrics{
		setupCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "crystalrouter_setup_completed_total",
			Help:        "Number of routers that finished setup",
			ConstLabels: opts.ConstLabels,
		}, baseLabelKeys),
		setupFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "crystalrouter_setup_failed_total",
			Help:        "Number of routers that failed setup",
			ConstLabels: opts.ConstLabels,
		}, baseLabelKeys),
		exchangeStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "crystalrouter_exchange_started_total",
			Help:        "Number of Start calls",
			ConstLabels: opts.ConstLabels,
		}, exchangeLabelKeys),
		exchangeCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "crystalrouter_exchange_completed_total",
			Help:        "Number of Finish calls that returned without error",
			ConstLabels: opts.ConstLabels,
		}, exchangeLabelKeys),
		exchangeFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "crystalrouter_exchange_failed_total",
			Help:        "Number of Finish calls that returned an error",
			ConstLabels: opts.ConstLabels,
		}, exchangeLabelKeys),
		levelCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "crystalrouter_level_completed_total",
			Help:        "Number of hypercube-folding rounds completed within Finish",
			ConstLabels: opts.ConstLabels,
		}, levelLabelKeys),
	}

	var err error
	if p.setupCompleted, err = registerCounterVec(reg, p.setupCompleted); err != nil {
		return nil, err
	}
	if p.setupFailed, err = registerCounterVec(reg, p.setupFailed); err != nil {
		return nil, err
	}
	if p.exchangeStarted, err = registerCounterVec(reg, p.exchangeStarted); err != nil {
		return nil, err
	}
	if p.exchangeCompleted, err = registerCounterVec(reg, p.exchangeCompleted); err != nil {
		return nil, err
	}
	if p.exchangeFailed, err = registerCounterVec(reg, p.exchangeFailed); err != nil {
		return nil, err
	}
	if p.levelCompleted, err = registerCounterVec(reg, p.levelCompleted); err != nil {
		return nil, err
	}

	return p, nil
}

var (
	baseLabelKeys     = []string{labelRank, labelSize}
	exchangeLabelKeys = []string{labelRank, labelSize, labelTrans}
	levelLabelKeys    = []string{labelLevel, labelPartner, labelNmsg}
)

func (p *PrometheusMetrics) SetupCompleted(attrs map[string]string) {
	p.setupCompleted.With(labels(attrs, baseLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SetupFailed(_ error, attrs map[string]string) {
	p.setupFailed.With(labels(attrs, baseLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ExchangeStarted(attrs map[string]string) {
	p.exchangeStarted.With(labels(attrs, exchangeLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ExchangeCompleted(attrs map[string]string) {
	p.exchangeCompleted.With(labels(attrs, exchangeLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ExchangeFailed(_ error, attrs map[string]string) {
	p.exchangeFailed.With(labels(attrs, exchangeLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) LevelCompleted(attrs map[string]string) {
	p.levelCompleted.With(labels(attrs, levelLabelKeys...)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
