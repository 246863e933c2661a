// Package source provides audio inputs for capture sessions: a UDP network
// microphone, a synthetic tone generator and, when built with the portaudio
// tag, the local default microphone.
package source
