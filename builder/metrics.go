package builder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var buildCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "launch_build_cache_hits_total",
	Help: "Number of builds skipped because the registry already held the tag.",
})
