package netexporter

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-quakenet/netchan"
)

func TestCollectorRegistersAndGathers(t *testing.T) {
	stats := &netchan.Stats{}
	stats.PacketsSent.Store(7)
	stats.DroppedDatagrams.Store(2)
	pool := netchan.NewPool(4)
	pool.New(0, 1)

	registry := prometheus.NewPedanticRegistry()
	require.NoError(t, registry.Register(NewStatsCollector("quakenet", stats, pool, nil)))

	families, err := registry.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[fam.GetName()] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[fam.GetName()] = m.GetGauge().GetValue()
			}
		}
	}

	assert.Equal(t, 7.0, values["quakenet_packets_sent_total"])
	assert.Equal(t, 2.0, values["quakenet_dropped_datagrams_total"])
	assert.Equal(t, 1.0, values["quakenet_active_connections"])
	assert.Contains(t, values, "quakenet_packets_resent_total")
	assert.Contains(t, values, "quakenet_messages_received_total")
}

func TestCollectorWithoutPool(t *testing.T) {
	registry := prometheus.NewPedanticRegistry()
	require.NoError(t, registry.Register(NewStatsCollector("q", &netchan.Stats{}, nil, nil)))
	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
