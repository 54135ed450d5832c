// Package sinks implements notify consumers: structured logging, Prometheus
// counters and Pub/Sub publication. Each sink satisfies notify.Sink.
package sinks
