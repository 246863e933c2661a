// Package vad estimates voice activity in a finished capture. It works on
// short RMS energy windows and reports levels plus the spans that look like
// speech, so silent captures can be flagged before upload.
package vad
