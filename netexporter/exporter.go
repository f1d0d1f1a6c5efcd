// Package netexporter exposes the channel statistics as prometheus
// metrics, so a dedicated server's packet counters can be scraped.
package netexporter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/joeycumines/go-quakenet/netchan"
)

type counterInfo struct {
	description *prometheus.Desc
	value       func(s *netchan.Stats) float64
}

// StatsCollector is a prometheus.Collector over a Stats record and its
// socket pool.
type StatsCollector struct {
	stats    *netchan.Stats
	pool     *netchan.Pool
	counters []counterInfo
	active   *prometheus.Desc
}

// NewStatsCollector builds a collector with the given metric prefix
// (e.g. "quakenet").
func NewStatsCollector(prefix string, stats *netchan.Stats, pool *netchan.Pool, constLabels prometheus.Labels) *StatsCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prefix+"_"+name, help, nil, constLabels)
	}
	return &StatsCollector{
		stats: stats,
		pool:  pool,
		counters: []counterInfo{
			{desc("packets_sent_total", "Reliable fragments and unreliable datagrams transmitted; acks are not counted."),
				func(s *netchan.Stats) float64 { return float64(s.PacketsSent.Load()) }},
			{desc("packets_resent_total", "Reliable fragments retransmitted after ack timeout."),
				func(s *netchan.Stats) float64 { return float64(s.PacketsResent.Load()) }},
			{desc("packets_received_total", "Datagrams received and sequenced."),
				func(s *netchan.Stats) float64 { return float64(s.PacketsReceived.Load()) }},
			{desc("received_duplicates_total", "Reliable fragments dropped as duplicates."),
				func(s *netchan.Stats) float64 { return float64(s.ReceivedDuplicates.Load()) }},
			{desc("short_packets_total", "Packets shorter than the channel header or with a bad length."),
				func(s *netchan.Stats) float64 { return float64(s.ShortPackets.Load()) }},
			{desc("dropped_datagrams_total", "Unreliable datagrams lost, by sequence gap."),
				func(s *netchan.Stats) float64 { return float64(s.DroppedDatagrams.Load()) }},
			{desc("messages_sent_total", "Reliable messages submitted for transmission."),
				func(s *netchan.Stats) float64 { return float64(s.MessagesSent.Load()) }},
			{desc("messages_received_total", "Reliable messages fully delivered."),
				func(s *netchan.Stats) float64 { return float64(s.MessagesReceived.Load()) }},
			{desc("unreliable_sent_total", "Unreliable messages transmitted."),
				func(s *netchan.Stats) float64 { return float64(s.UnreliableSent.Load()) }},
			{desc("unreliable_received_total", "Unreliable messages delivered."),
				func(s *netchan.Stats) float64 { return float64(s.UnreliableReceived.Load()) }},
		},
		active: desc("active_connections", "Channels currently connected."),
	}
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(descs chan<- *prometheus.Desc) {
	for _, info := range c.counters {
		descs <- info.description
	}
	descs <- c.active
}

// Collect implements prometheus.Collector.
func (c *StatsCollector) Collect(metrics chan<- prometheus.Metric) {
	for _, info := range c.counters {
		metrics <- prometheus.MustNewConstMetric(info.description, prometheus.CounterValue, info.value(c.stats))
	}
	if c.pool != nil {
		metrics <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(c.pool.NumActive()))
	}
}
