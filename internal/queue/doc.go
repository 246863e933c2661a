// Package queue keeps undeliverable payloads on disk until a later retry pass
// gets them through a transport channel, or until they exhaust their retry budget.
package queue
