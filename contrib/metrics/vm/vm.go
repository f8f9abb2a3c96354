package vm

import (
	"fmt"
	"io"
	"net/http"

	"github.com/VictoriaMetrics/metrics"

	atlas "github.com/atlaskv/atlas-go"
)

// Option configures an Exporter.
type Option func(*Exporter)

// WithPrefix overrides the metric name prefix. Default "atlas".
func WithPrefix(prefix string) Option {
	return func(e *Exporter) {
		e.prefix = prefix
	}
}

// WithSet registers the metrics on an existing set instead of creating and
// globally registering a new one.
func WithSet(set *metrics.Set) Option {
	return func(e *Exporter) {
		e.set = set
	}
}

// Exporter publishes a client's operation, tend and per-node pool statistics
// in Prometheus exposition format.
type Exporter struct {
	client *atlas.Client
	prefix string
	set    *metrics.Set
}

// New builds an exporter for a connected client. Fixed-name metrics are
// registered up front; per-node pool metrics are created lazily as nodes
// appear.
func New(client *atlas.Client, opts ...Option) *Exporter {
	e := &Exporter{
		client: client,
		prefix: "atlas",
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.set == nil {
		e.set = metrics.NewSet()
		metrics.RegisterSet(e.set)
	}
	e.initMetrics()
	return e
}

func (e *Exporter) initMetrics() {
	p := e.prefix

	gauge := func(name string, read func() uint64) {
		e.set.NewGauge(p+"_"+name, func() float64 {
			return float64(read())
		})
	}

	gauge("reads_total", func() uint64 { return e.client.Stats().Reads })
	gauge("writes_total", func() uint64 { return e.client.Stats().Writes })
	gauge("deletes_total", func() uint64 { return e.client.Stats().Deletes })
	gauge("batches_total", func() uint64 { return e.client.Stats().Batches })
	gauge("scans_total", func() uint64 { return e.client.Stats().Scans })
	gauge("queries_total", func() uint64 { return e.client.Stats().Queries })
	gauge("retries_total", func() uint64 { return e.client.Stats().Retries })
	gauge("timeouts_total", func() uint64 { return e.client.Stats().Timeouts })
	gauge("errors_total", func() uint64 { return e.client.Stats().Errors })

	gauge("tend_cycles_total", func() uint64 { return e.client.ClusterStats().TendCount })
	gauge("nodes_added_total", func() uint64 { return e.client.ClusterStats().NodesAdded })
	gauge("nodes_removed_total", func() uint64 { return e.client.ClusterStats().NodesRemoved })
	gauge("partition_map_rebuilds_total", func() uint64 { return e.client.ClusterStats().MapRebuilds })

	e.set.NewGauge(p+"_cluster_nodes", func() float64 {
		return float64(len(e.client.Cluster().Nodes()))
	})
}

// refreshNodeMetrics creates pool gauges for nodes that joined since the
// last scrape.
func (e *Exporter) refreshNodeMetrics() {
	for _, node := range e.client.Cluster().Nodes() {
		name := node.Name()
		e.set.GetOrCreateGauge(fmt.Sprintf(`%s_node_pool_total{node=%q}`, e.prefix, name), func() float64 {
			return float64(node.Stats().TotalConns)
		})
		e.set.GetOrCreateGauge(fmt.Sprintf(`%s_node_pool_idle{node=%q}`, e.prefix, name), func() float64 {
			return float64(node.Stats().IdleConns)
		})
		e.set.GetOrCreateGauge(fmt.Sprintf(`%s_node_failures{node=%q}`, e.prefix, name), func() float64 {
			return float64(node.Failures())
		})
	}
}

// Handler serves the metrics endpoint.
func (e *Exporter) Handler(w http.ResponseWriter, _ *http.Request) {
	e.WritePrometheus(w)
}

// WritePrometheus writes all metrics to w in Prometheus format.
func (e *Exporter) WritePrometheus(w io.Writer) {
	e.refreshNodeMetrics()
	e.set.WritePrometheus(w)
}

// Set returns the underlying metrics set.
func (e *Exporter) Set() *metrics.Set { return e.set }
