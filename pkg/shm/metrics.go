package shm

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shmptr",
		Name:      "operations_total",
		Help:      "Pointer lifecycle operations by op and result.",
	}, []string{"op", "result"})

	payloadsDestroyed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shmptr",
		Name:      "payloads_destroyed_total",
		Help:      "Shared payloads destructed by this process.",
	})

	liveLineages = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "shmptr",
		Name:      "live_lineages",
		Help:      "Pointer lineages currently attached in this process.",
	}, func() float64 { return float64(LiveCount()) })
)

// RegisterMetrics registers the package collectors with reg. Registering
// twice with the same registry is not an error.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{operationsTotal, payloadsDestroyed, liveLineages} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
