/*
Package observability exports the lifecycle and pipeline metrics to Prometheus.

A Recorder satisfies the metrics hooks of the Service, the inference chain and
the worker pool, so one instance registered on a registry covers the whole
process.
*/
package observability
