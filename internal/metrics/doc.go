// Package metrics exports Prometheus collectors for the broker.
package metrics
