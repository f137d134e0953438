package audio

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrDeviceBusy    = errors.New("audio device already started")
	ErrDeviceStopped = errors.New("audio device not started")
)

// Device is an audio input. Start delivers buffers to sink from the device's own
// goroutine; Stop must not return while a sink call is still running.
type Device interface {
	InputChannels() int
	Start(ctx context.Context, format Format, sink func(Buffer)) error
	Stop() error
}

// Permissions reports the authorization grants capture depends on.
type Permissions interface {
	MicrophoneGranted() bool
	RecognitionGranted() bool
}

// StaticPermissions is a fixed set of grants, usually read from configuration.
type StaticPermissions struct {
	Microphone  bool
	Recognition bool
}

func (p StaticPermissions) MicrophoneGranted() bool  { return p.Microphone }
func (p StaticPermissions) RecognitionGranted() bool { return p.Recognition }

// PushDevice is fed programmatically by its owner.
type PushDevice struct {
	channels int
	mu       sync.Mutex
	sink     func(Buffer)
}

func NewPushDevice(channels int) *PushDevice {
	return &PushDevice{channels: channels}
}

func (d *PushDevice) InputChannels() int { return d.channels }

func (d *PushDevice) Start(_ context.Context, _ Format, sink func(Buffer)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sink != nil {
		return ErrDeviceBusy
	}
	d.sink = sink
	return nil
}

func (d *PushDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = nil
	return nil
}

// Push hands b to the active session.
func (d *PushDevice) Push(b Buffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sink == nil {
		return ErrDeviceStopped
	}
	d.sink(b)
	return nil
}

// NullDevice reports no input channels, as some virtualized hosts do.
type NullDevice struct{}

func (NullDevice) InputChannels() int { return 0 }

func (NullDevice) Start(context.Context, Format, func(Buffer)) error { return nil }

func (NullDevice) Stop() error { return nil }
