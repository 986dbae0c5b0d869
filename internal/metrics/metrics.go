package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"gtfs-conflator/internal/conflate"
	"gtfs-conflator/internal/selector"
)

var log = logrus.WithField("module", "metrics")

// Collector implements conflate.Observer and pipeline.Metrics.
type Collector struct {
	reg *prometheus.Registry

	ActiveShapes prometheus.Gauge
	Workers      prometheus.Gauge
	BatchSize    prometheus.Gauge

	ShapesConflated prometheus.Counter
	ShapesPartial   prometheus.Counter
	ShapeFailures   *prometheus.CounterVec // stage, reason labels

	Batches           prometheus.Counter
	BatchErrors       prometheus.Counter
	SelectionWarnings prometheus.Counter
	Edges             *prometheus.CounterVec // status label: axiomatic|resolved|unmatched

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	ShapeDuration   prometheus.Histogram
	PublishDuration prometheus.Histogram
	Coverage        prometheus.Histogram
}

func NewCollector(workers, batchSize int) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveShapes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conflator_active_shapes",
			Help: "Number of shapes being conflated.",
		}),
		Workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conflator_workers",
			Help: "Configured number of concurrent shapes.",
		}),
		BatchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conflator_match_batch_size",
			Help: "Configured number of edges per match request.",
		}),
		ShapesConflated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conflator_shapes_conflated_total",
			Help: "Total shapes conflated.",
		}),
		ShapesPartial: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conflator_shapes_partial_total",
			Help: "Total shapes conflated with missing match batches.",
		}),
		ShapeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conflator_shape_failures_total",
			Help: "Total shape failures.",
		}, []string{"stage", "reason"}),
		Batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conflator_match_batches_total",
			Help: "Total match requests sent to the provider.",
		}),
		BatchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conflator_match_batch_errors_total",
			Help: "Total match requests that failed.",
		}),
		SelectionWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conflator_selection_warnings_total",
			Help: "Total selection warnings.",
		}),
		Edges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conflator_edges_total",
			Help: "Total edges selected, by status.",
		}, []string{"status"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conflator_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conflator_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conflator_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		ShapeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "conflator_shape_duration_seconds",
			Help:    "Duration of conflating one shape.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "conflator_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		Coverage: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "conflator_shape_coverage_ratio",
			Help:    "Chosen length over shape length.",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
	}

	reg.MustRegister(
		c.ActiveShapes, c.Workers, c.BatchSize,
		c.ShapesConflated, c.ShapesPartial, c.ShapeFailures,
		c.Batches, c.BatchErrors, c.SelectionWarnings, c.Edges,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.ShapeDuration, c.PublishDuration, c.Coverage,
	)

	c.Workers.Set(float64(workers))
	c.BatchSize.Set(float64(batchSize))
	for _, st := range []selector.Status{selector.StatusAxiomatic, selector.StatusResolved, selector.StatusUnmatched} {
		c.Edges.WithLabelValues(string(st))
	}

	return c
}

func (c *Collector) BatchDone(_ int, err error) {
	c.Batches.Inc()
	if err != nil {
		c.BatchErrors.Inc()
	}
}

func (c *Collector) SelectionWarning(string) { c.SelectionWarnings.Inc() }

func (c *Collector) ShapeDone(res *conflate.Result, d time.Duration) {
	c.ShapesConflated.Inc()
	if res.Partial() {
		c.ShapesPartial.Inc()
	}
	c.ShapeDuration.Observe(d.Seconds())
	if res.Metadata.TotalLength > 0 {
		c.Coverage.Observe(res.Metadata.Coverage)
	}
	for _, ch := range res.Choices {
		c.Edges.WithLabelValues(string(ch.Status)).Inc()
	}
}

func (c *Collector) ShapeFailed(stage, reason string) {
	c.ShapeFailures.WithLabelValues(stage, reason).Inc()
}

func (c *Collector) SetActiveShapes(n int) { c.ActiveShapes.Set(float64(n)) }

func (c *Collector) NATSPublishedInc()  { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc() { c.NATSPublishErrs.Inc() }

func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }

func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server error: %v", err)
		}
	}()
	log.Infof("metrics listening on %s", addr)
	return srv
}
