// Package transport implements the delivery channels: a direct HTTP upload to
// the ingestion endpoint and an MQTT relay through a companion device, plus
// the companion-side receiver that forwards relayed captures.
package transport
