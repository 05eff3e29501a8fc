/*
Package metrics exposes Prometheus metrics for Stash.

Metric variables are registered in init and exported via Handler. Collector
periodically polls cache Status snapshots and RRL counters into the gauges;
register instances with AddCache/AddRRL and call Start.
*/
package metrics
