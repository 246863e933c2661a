// Package delivery routes encoded capture payloads across an ordered list of
// transport channels. It classifies each attempt as success, retriable or
// fatal, records attempt history, and hands undeliverable payloads to a
// durable queue.
package delivery
