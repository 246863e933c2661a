// Package server implements the local control API. It starts and stops
// captures, streams status changes, exposes the pending upload queue and
// serves health, statistics, configuration and Prometheus metrics.
package server
