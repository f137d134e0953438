// Package capability announces what this scribe node can do on the bus:
// which recognizers are available, which model variants are ready and
// whether notes are kept. Edge devices use the announcement to find a
// node to stream microphone frames to.
package capability

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Source reports the capabilities offered right now.
type Source func() []protocol.Capability

// Publisher is satisfied by *bus.Client.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Announcer publishes the node announcement on start and whenever the
// capability set changes, plus a heartbeat every interval.
type Announcer struct {
	cfg    config.NodeConfig
	pub    Publisher
	source Source
	log    *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	last []protocol.Capability

	announcements metric.Int64Counter
}

func NewAnnouncer(cfg config.NodeConfig, pub Publisher, source Source, log *slog.Logger) *Announcer {
	if log == nil {
		log = slog.Default()
	}
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/internal/capability")
	announcements, _ := meter.Int64Counter("scribe.node.announcements",
		metric.WithDescription("Node announcements published"))
	return &Announcer{
		cfg:           cfg,
		pub:           pub,
		source:        source,
		log:           log.With(slog.String("component", "capability-announcer")),
		announcements: announcements,
	}
}

// Start announces the node and keeps it fresh until Close.
func (a *Announcer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.Announce(ctx); err != nil {
		a.log.Warn("failed to announce node", slogError(err))
	}
	interval := time.Duration(a.cfg.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	a.wg.Add(1)
	go a.run(ctx, interval)
}

func (a *Announcer) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

func (a *Announcer) run(ctx context.Context, interval time.Duration) {
	defer a.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.changed() {
				if err := a.Announce(ctx); err != nil {
					a.log.Warn("failed to announce node", slogError(err))
				}
			}
			if err := a.publishHeartbeat(); err != nil {
				a.log.Warn("failed to publish heartbeat", slogError(err))
			}
		}
	}
}

// Announce publishes the current capability set.
func (a *Announcer) Announce(ctx context.Context) error {
	caps := a.source()
	msg := protocol.NodeAnnounce{
		NodeID:       a.cfg.ID,
		Role:         a.cfg.Role,
		Capabilities: caps,
		Timestamp:    time.Now().UTC(),
	}
	if err := a.pub.PublishJSON(protocol.SubjectNodeAnnounce, msg); err != nil {
		return err
	}
	a.mu.Lock()
	a.last = caps
	a.mu.Unlock()
	a.announcements.Add(ctx, 1)
	a.log.Debug("node announced", slog.Int("capabilities", len(caps)))
	return nil
}

// Capabilities returns the last announced set.
func (a *Announcer) Capabilities() []protocol.Capability {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]protocol.Capability(nil), a.last...)
}

func (a *Announcer) changed() bool {
	current := a.source()
	a.mu.Lock()
	defer a.mu.Unlock()
	return !reflect.DeepEqual(current, a.last)
}

func (a *Announcer) publishHeartbeat() error {
	msg := protocol.NodeHeartbeat{
		NodeID:    a.cfg.ID,
		Timestamp: time.Now().UTC(),
	}
	return a.pub.PublishJSON(protocol.SubjectNodeHeartbeatPrefix+"."+a.cfg.ID, msg)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
