// Package capture runs fixed-window recording sessions. A Session streams
// chunks from an audio Source into a ring buffer for the configured window,
// then drains it into a snapshot. The Manager gates sessions so at most one
// records at a time and hands finished captures to delivery.
package capture
