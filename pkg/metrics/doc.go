/*
Package metrics defines and registers every CyxCloud Prometheus metric:
cluster composition (nodes, buckets, files), Raft health, RPC latency,
and the operation-level histograms owned by the write/read coordinators,
placement engine, node monitor, repair engine, and epoch accountant.

Metrics are registered against the global Prometheus registry at package
init and exposed for scraping via Handler(). Components time their own
operations with Timer and record into the histogram that matches their
concern; nothing outside this package should call prometheus.MustRegister
directly.

This package also exposes a small liveness/readiness surface
(HealthHandler, ReadyHandler, LivenessHandler) independent of Prometheus,
used by process supervisors and load balancers that just need a 200/503.
*/
package metrics
