// Package protocol implements the binary frame format spoken by network
// microphones. It handles header parsing, stream announcement payloads and
// PCM audio frames, and encodes frames for senders.
package protocol
