package capture

import "errors"

var (
	// ErrPermissionDenied means the microphone permission was refused
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrSessionBusy means a capture is already in progress
	ErrSessionBusy = errors.New("capture session busy")

	// ErrInputStream means the audio source failed to start or broke mid-stream
	ErrInputStream = errors.New("audio input stream error")
)
