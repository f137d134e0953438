package audio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

func TestBusDeviceDeliversFrames(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	device := NewBusDevice(client, "kitchen", 1, newLogger())
	if device.InputChannels() != 1 {
		t.Fatalf("expected 1 input channel while connected")
	}
	got := make(chan Buffer, 4)
	if err := device.Start(context.Background(), testFormat, func(b Buffer) { got <- b }); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := device.Start(context.Background(), testFormat, func(Buffer) {}); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("expected busy, got %v", err)
	}

	frame := protocol.AudioFrame{
		DeviceID:   "kitchen",
		SampleRate: 16000,
		Channels:   1,
		PCM:        Silence(testFormat, 100*time.Millisecond).PCM(),
	}
	if err := client.PublishJSON(device.Subject(), frame); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := client.PublishJSON(device.Subject(), protocol.AudioFrame{SampleRate: 16000, Channels: 1, PCM: []byte{1}}); err != nil {
		t.Fatalf("publish malformed: %v", err)
	}
	select {
	case b := <-got:
		if b.Frames() != 1600 || b.Captured.IsZero() {
			t.Fatalf("unexpected buffer: %d frames", b.Frames())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}

	if err := device.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case b := <-got:
		t.Fatalf("malformed frame should be dropped, got %d frames", b.Frames())
	case <-time.After(50 * time.Millisecond):
	}
}
