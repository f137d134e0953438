package audio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusDevice receives microphone frames published by an edge device on
// audio.frame.<device-id>.
type BusDevice struct {
	bus      *bus.Client
	deviceID string
	channels int
	logger   *slog.Logger

	mu   sync.Mutex
	sub  *nats.Subscription
	sink func(Buffer)
}

func NewBusDevice(busClient *bus.Client, deviceID string, channels int, logger *slog.Logger) *BusDevice {
	return &BusDevice{
		bus:      busClient,
		deviceID: deviceID,
		channels: channels,
		logger:   logger.With(slog.String("component", "bus-device"), slog.String("device_id", deviceID)),
	}
}

func (d *BusDevice) Subject() string {
	return protocol.SubjectAudioFramePrefix + "." + d.deviceID
}

func (d *BusDevice) InputChannels() int {
	if !d.bus.Healthy() {
		return 0
	}
	return d.channels
}

func (d *BusDevice) Start(_ context.Context, _ Format, sink func(Buffer)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sink != nil {
		return ErrDeviceBusy
	}
	sub, err := d.bus.Subscribe(d.Subject(), d.handleFrame)
	if err != nil {
		return fmt.Errorf("audio frames: %w", err)
	}
	d.sub = sub
	d.sink = sink
	return nil
}

func (d *BusDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = nil
	if d.sub == nil {
		return nil
	}
	err := d.sub.Unsubscribe()
	d.sub = nil
	return err
}

func (d *BusDevice) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		d.logger.Warn("failed to decode audio frame", slog.String("error", err.Error()))
		return
	}
	buf, err := BufferFromPCM(frame.PCM, frame.SampleRate, frame.Channels)
	if err != nil {
		d.logger.Warn("dropping malformed audio frame", slog.Int("sequence", frame.Sequence), slog.String("error", err.Error()))
		return
	}
	buf.Captured = time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sink != nil {
		d.sink(buf)
	}
}
