// Package metrics exposes sequence index activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calvinalkan/fixgate/pkg/seqindex"
)

const namespace = "fixgate_seqindex"

// Registry holds the fixgate collectors on a private prometheus registry.
type Registry struct {
	registry *prometheus.Registry

	FaultsTotal *prometheus.CounterVec
}

// NewRegistry creates a registry with the Go and process collectors and the
// fault counter registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Registry{registry: reg}

	r.FaultsTotal = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_total",
			Help:      "Structural faults reported by the sequence index, by kind",
		},
		[]string{"kind"},
	)

	return r
}

// Gatherer returns the underlying registry for scraping and tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// FaultCounter returns an ErrorHandler that counts each fault by kind and
// then forwards it to next. A nil next only counts.
func (r *Registry) FaultCounter(next seqindex.ErrorHandler) seqindex.ErrorHandler {
	return seqindex.ErrorHandlerFunc(func(err error) {
		r.FaultsTotal.WithLabelValues(seqindex.FaultKind(err)).Inc()

		if next != nil {
			next.OnError(err)
		}
	})
}

// StatsSource is satisfied by *seqindex.Writer.
type StatsSource interface {
	Stats() seqindex.Stats
}

// WatchWriter registers a collector that reads src.Stats on every scrape.
func (r *Registry) WatchWriter(src StatsSource) error {
	return r.registry.Register(newStatsCollector(src))
}

type statsCollector struct {
	src StatsSource

	records          *prometheus.Desc
	entries          *prometheus.Desc
	positions        *prometheus.Desc
	entryCapacity    *prometheus.Desc
	positionCapacity *prometheus.Desc
	rolls            *prometheus.Desc
	flushes          *prometheus.Desc
	flushFailures    *prometheus.Desc
	resets           *prometheus.Desc
}

func newStatsCollector(src StatsSource) *statsCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}

	return &statsCollector{
		src:              src,
		records:          desc("records_total", "Records applied to the index"),
		entries:          desc("entries", "Distinct (session, sequence index) keys in the live table"),
		positions:        desc("positions", "Connections with an indexed stream position"),
		entryCapacity:    desc("entry_capacity", "Declared entry capacity of the live table"),
		positionCapacity: desc("position_capacity", "Declared position capacity of the live table"),
		rolls:            desc("rolls_total", "Times the live table was rebuilt at a larger capacity"),
		flushes:          desc("flushes_total", "Successful snapshot flushes"),
		flushFailures:    desc("flush_failures_total", "Failed snapshot flushes"),
		resets:           desc("resets_total", "Sequence number resets"),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.records
	ch <- c.entries
	ch <- c.positions
	ch <- c.entryCapacity
	ch <- c.positionCapacity
	ch <- c.rolls
	ch <- c.flushes
	ch <- c.flushFailures
	ch <- c.resets
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()

	ch <- prometheus.MustNewConstMetric(c.records, prometheus.CounterValue, float64(s.Records))
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(s.Entries))
	ch <- prometheus.MustNewConstMetric(c.positions, prometheus.GaugeValue, float64(s.Positions))
	ch <- prometheus.MustNewConstMetric(c.entryCapacity, prometheus.GaugeValue, float64(s.EntryCapacity))
	ch <- prometheus.MustNewConstMetric(c.positionCapacity, prometheus.GaugeValue, float64(s.PositionCapacity))
	ch <- prometheus.MustNewConstMetric(c.rolls, prometheus.CounterValue, float64(s.Rolls))
	ch <- prometheus.MustNewConstMetric(c.flushes, prometheus.CounterValue, float64(s.Flushes))
	ch <- prometheus.MustNewConstMetric(c.flushFailures, prometheus.CounterValue, float64(s.FlushFailures))
	ch <- prometheus.MustNewConstMetric(c.resets, prometheus.CounterValue, float64(s.Resets))
}
