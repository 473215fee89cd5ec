package metrics

import (
	"errors"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// RegisterProcessMetrics adds Go runtime and process collectors to reg
// along with a constant zonegrid_build_info series labelled by role and
// version. Collectors already present are left in place.
func RegisterProcessMetrics(reg prometheus.Registerer, role, version string) error {
	buildInfo := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "zonegrid",
		Name:      "build_info",
		Help:      "Always 1; labels identify the running binary.",
		ConstLabels: prometheus.Labels{
			"role":       role,
			"version":    version,
			"go_version": runtime.Version(),
		},
	})
	buildInfo.Set(1)

	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		buildInfo,
	} {
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
