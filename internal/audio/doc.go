// Package audio holds captured samples and turns them into upload payloads.
// It provides the bounded ring buffer a capture session writes into, PCM16
// sample conversion and the mono 16-bit WAV encoder and inspector.
package audio
