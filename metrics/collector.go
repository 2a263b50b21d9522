// Package metrics exposes a Prometheus collector over the safekeeper
// process's tenant registry: per-tenant WAL position gauges plus
// process-wide connection counters, scraped over /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Felmond13/safekeeper/tenant"
)

// TenantSource is the subset of *tenant.Registry the collector needs,
// kept as an interface so tests can supply a fixed tenant list.
type TenantSource interface {
	All() []*tenant.State
}

var (
	commitLSNDesc = prometheus.NewDesc(
		"safekeeper_commit_lsn", "Highest WAL position acknowledged to egress consumers.",
		[]string{"system_id"}, nil)
	flushLSNDesc = prometheus.NewDesc(
		"safekeeper_flush_lsn", "Highest WAL position durably fsynced to a segment file.",
		[]string{"system_id"}, nil)
	restartLSNDesc = prometheus.NewDesc(
		"safekeeper_restart_lsn", "Oldest WAL position this safekeeper still guarantees to retain.",
		[]string{"system_id"}, nil)
	epochDesc = prometheus.NewDesc(
		"safekeeper_epoch", "Current proposer epoch recorded in the tenant's control file.",
		[]string{"system_id"}, nil)
)

// Collector implements prometheus.Collector by reading live gauge
// values out of a tenant.Registry on every scrape, rather than
// maintaining a shadow copy that can drift from tenant.State.
type Collector struct {
	tenants TenantSource

	ingestConnections prometheus.Counter
	egressConnections prometheus.Counter
}

// NewCollector returns a Collector reading from tenants.
func NewCollector(tenants TenantSource) *Collector {
	return &Collector{
		tenants: tenants,
		ingestConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "safekeeper_ingest_connections_total",
			Help: "Total number of ingest (wal proposer) connections accepted.",
		}),
		egressConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "safekeeper_egress_connections_total",
			Help: "Total number of egress (replica/pageserver) connections accepted.",
		}),
	}
}

// IngestConnectionAccepted increments the ingest connection counter.
// The acceptor loop calls this once per accepted ingest connection.
func (c *Collector) IngestConnectionAccepted() { c.ingestConnections.Inc() }

// EgressConnectionAccepted increments the egress connection counter.
func (c *Collector) EgressConnectionAccepted() { c.egressConnections.Inc() }

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- commitLSNDesc
	ch <- flushLSNDesc
	ch <- restartLSNDesc
	ch <- epochDesc
	c.ingestConnections.Describe(ch)
	c.egressConnections.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, t := range c.tenants.All() {
		systemID := formatUint(t.ID())
		info := t.GetInfo()
		ch <- prometheus.MustNewConstMetric(commitLSNDesc, prometheus.GaugeValue, float64(t.CommitLSN()), systemID)
		ch <- prometheus.MustNewConstMetric(flushLSNDesc, prometheus.GaugeValue, float64(info.FlushLSN), systemID)
		ch <- prometheus.MustNewConstMetric(restartLSNDesc, prometheus.GaugeValue, float64(info.RestartLSN), systemID)
		ch <- prometheus.MustNewConstMetric(epochDesc, prometheus.GaugeValue, float64(info.Epoch), systemID)
	}
	c.ingestConnections.Collect(ch)
	c.egressConnections.Collect(ch)
}

func formatUint(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
