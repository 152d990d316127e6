package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	leaderGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "checkq_coordinator_leading",
		Help: "1 when this process holds coordinator leadership",
	})

	forwardsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "checkq_forwards_pending",
		Help: "Number of captures awaiting forward acknowledgement",
	})
)
