package exporter

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	promcollectors "github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	promversion "github.com/prometheus/common/version"
	"kubegems.io/jobflow/pkg/version"
)

const (
	MetricPath  = "/metrics"
	MaxRequests = 40
)

// Collector is the interface a collector has to implement.
type Collector interface {
	// Get new metrics and expose them via prometheus registry.
	Update(ch chan<- prometheus.Metric) error
}

// ErrNoData indicates the collector found no data to collect, but had no other error.
var ErrNoData = errors.New("collector returned no data")

// Exporter runs the registered collectors on every scrape and reports how
// each of them did.
type Exporter struct {
	namespace string
	logger    logr.Logger
	registry  *prometheus.Registry

	mu         sync.Mutex
	collectors map[string]Collector

	scrapeDurationDesc *prometheus.Desc
	scrapeSuccessDesc  *prometheus.Desc
}

func NewExporter(namespace string, logger logr.Logger) *Exporter {
	e := &Exporter{
		namespace:  namespace,
		logger:     logger.WithName("exporter"),
		registry:   prometheus.NewRegistry(),
		collectors: map[string]Collector{},
		scrapeSuccessDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "scrape", "collector_success"),
			"Whether a collector succeeded.",
			[]string{"collector"},
			nil,
		),
		scrapeDurationDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "scrape", "collector_duration_seconds"),
			"Duration of a collector scrape.",
			[]string{"collector"},
			nil,
		),
	}
	info := version.Get()
	promversion.Version, promversion.Revision, promversion.BuildDate = info.GitVersion, info.GitCommit, info.BuildDate
	e.registry.MustRegister(
		e,
		promversion.NewCollector(namespace),
		promcollectors.NewProcessCollector(promcollectors.ProcessCollectorOpts{}),
		promcollectors.NewGoCollector(),
	)
	return e
}

func (e *Exporter) Namespace() string {
	return e.namespace
}

// RegisterCollector adds a named scrape time collector.
func (e *Exporter) RegisterCollector(name string, c Collector) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.collectors[name] = c
}

// MustRegister adds plain prometheus collectors such as counters.
func (e *Exporter) MustRegister(cs ...prometheus.Collector) {
	e.registry.MustRegister(cs...)
}

// Describe implements the prometheus.Collector interface.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.scrapeDurationDesc
	ch <- e.scrapeSuccessDesc
}

// Collect implements the prometheus.Collector interface.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	e.mu.Lock()
	collectors := make(map[string]Collector, len(e.collectors))
	for name, c := range e.collectors {
		collectors[name] = c
	}
	e.mu.Unlock()

	wg := sync.WaitGroup{}
	wg.Add(len(collectors))
	for name, c := range collectors {
		go func(name string, c Collector) {
			defer wg.Done()
			e.execute(name, c, ch)
		}(name, c)
	}
	wg.Wait()
}

func (e *Exporter) execute(name string, c Collector, ch chan<- prometheus.Metric) {
	begin := time.Now()
	err := c.Update(ch)
	duration := time.Since(begin)
	var success float64

	switch {
	case err == nil:
		e.logger.V(5).Info("collector succeeded", "name", name, "duration", duration.Seconds())
		success = 1
	case errors.Is(err, ErrNoData):
		e.logger.V(5).Info("collector returned no data", "name", name, "duration", duration.Seconds())
	default:
		e.logger.Error(err, "collector failed", "name", name, "duration", duration.Seconds())
	}
	ch <- prometheus.MustNewConstMetric(e.scrapeDurationDesc, prometheus.GaugeValue, duration.Seconds(), name)
	ch <- prometheus.MustNewConstMetric(e.scrapeSuccessDesc, prometheus.GaugeValue, success, name)
}

func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		ErrorHandling:       promhttp.ContinueOnError,
		MaxRequestsInFlight: MaxRequests,
		Registry:            e.registry,
	})
}
