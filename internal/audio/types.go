// Package audio provides local microphone capture for cortexlive.
package audio

import (
	"context"
	"errors"
)

// Common errors
var (
	ErrDeviceNotFound = errors.New("audio device not found")
	ErrStreamClosed   = errors.New("audio stream closed")
	ErrNotStarted     = errors.New("capture not started")
)

// Device describes an input device
type Device struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Default bool   `json:"default"`
}

// Format is the PCM layout a stream delivers. Samples are signed 16-bit
// little endian.
type Format struct {
	SampleRate int `json:"sample_rate"` // Default: 16000 Hz for STT
	Channels   int `json:"channels"`    // Default: 1 (mono)
	BitDepth   int `json:"bit_depth"`   // Always 16
}

// DefaultFormat returns the format used for transcription
func DefaultFormat() Format {
	return Format{SampleRate: 16000, Channels: 1, BitDepth: 16}
}

// BytesPerSecond returns the PCM data rate
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitDepth / 8
}

// Stream is an acquired capture stream. It is owned by exactly one caller.
type Stream interface {
	// Start begins delivering PCM buffers to onData. onData must not retain
	// the slice past the call.
	Start(onData func(pcm []byte)) error
	// Stop halts delivery. Safe to call more than once.
	Stop() error
	// Close stops the stream and releases the device. Safe to call more than once.
	Close() error
	Format() Format
	Device() Device
}

// Source enumerates devices and opens capture streams.
type Source interface {
	Devices(ctx context.Context) ([]Device, error)
	// Open acquires a stream on deviceID, or the default device when empty.
	Open(ctx context.Context, deviceID string, format Format) (Stream, error)
	Close() error
}
