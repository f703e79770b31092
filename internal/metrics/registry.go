package metrics

import "github.com/prometheus/client_golang/prometheus"

// namespace prefixes every metric name exported by this package.
const namespace = "trustedge"

// Registry is the Prometheus registry every metric in this package is
// registered against, rather than the global default registry, so a caller
// embedding TrustEdge can mount it alongside its own metrics.
var Registry = prometheus.NewRegistry()
