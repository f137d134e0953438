package models

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

// Loader instantiates the recognizer backed by a downloaded payload file.
type Loader func(ctx context.Context, variant config.ModelVariant, payload string) (stt.Recognizer, error)

// ErrNoHeavyCommand is returned when a model is ready on disk but no binary is
// configured to run it.
var ErrNoHeavyCommand = errors.New("stt.heavy_command is not set")

// ExecLoader runs command with --model <payload>.
func ExecLoader(command, language string) Loader {
	return func(_ context.Context, _ config.ModelVariant, payload string) (stt.Recognizer, error) {
		if strings.TrimSpace(command) == "" {
			return nil, ErrNoHeavyCommand
		}
		return stt.NewExecRecognizer(config.EngineConfig{Mode: "exec", Command: command, ModelPath: payload}, language)
	}
}

// Publisher announces model status changes.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

type Options struct {
	Config    config.ModelsConfig
	Loader    Loader
	Client    *http.Client
	Publisher Publisher
	Logger    *slog.Logger
}

// VariantStatus pairs a configured variant with its current state.
type VariantStatus struct {
	ID       string `json:"id"`
	Tier     string `json:"tier"`
	Selected bool   `json:"selected"`
	State    State  `json:"state"`
}

// Manager tracks every configured model variant. Exactly one is selected; its
// heavy recognizer is what the batch recognizer uses when Ready.
type Manager struct {
	dir        string
	extensions []string
	variants   map[string]config.ModelVariant
	loader     Loader
	client     *http.Client
	publisher  Publisher
	logger     *slog.Logger

	mu        sync.Mutex
	selected  string
	states    map[string]State
	downloads map[string]context.CancelFunc
	loaded    map[string]stt.Recognizer
	loads     singleflight.Group

	outcomes metric.Int64Counter
}

func NewManager(opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	loader := opts.Loader
	if loader == nil {
		loader = ExecLoader("", "")
	}
	m := &Manager{
		dir:        opts.Config.Directory,
		extensions: opts.Config.PayloadExtensions,
		variants:   make(map[string]config.ModelVariant, len(opts.Config.Variants)),
		loader:     loader,
		client:     client,
		publisher:  opts.Publisher,
		logger:     logger.With(slog.String("component", "models")),
		selected:   opts.Config.Selected,
		states:     make(map[string]State),
		downloads:  make(map[string]context.CancelFunc),
		loaded:     make(map[string]stt.Recognizer),
	}
	for _, v := range opts.Config.Variants {
		m.variants[v.ID] = v
	}
	if len(m.variants) > 0 {
		if _, ok := m.variants[m.selected]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, m.selected)
		}
	}
	for id := range m.variants {
		m.states[id] = m.diskState(id)
	}
	if err := m.initMetrics(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/internal/models")
	outcomes, err := meter.Int64Counter("scribe.models.downloads",
		metric.WithDescription("Model download attempts by outcome"))
	if err != nil {
		return err
	}
	m.outcomes = outcomes
	_, err = meter.Int64ObservableGauge("scribe.models.phase",
		metric.WithDescription("Model variant phase (0 absent, 1 downloading, 2 ready)"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			for id, state := range m.states {
				o.Observe(int64(state.Phase), metric.WithAttributes(attribute.String("variant", id)))
			}
			return nil
		}))
	return err
}

func (m *Manager) variantDir(id string) string {
	return filepath.Join(m.dir, id)
}

func (m *Manager) diskState(id string) State {
	if hasPayload(m.variantDir(id), m.extensions) {
		return State{Phase: PhaseReady, Progress: 1}
	}
	return State{Phase: PhaseAbsent}
}

func (m *Manager) Selected() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected
}

// Select makes id the active variant, dropping the loaded recognizer of the
// previous one.
func (m *Manager) Select(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.variants[id]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownVariant, id)
	}
	if prev := m.selected; prev != id {
		delete(m.loaded, prev)
		m.loads.Forget(prev)
	}
	m.selected = id
	if _, downloading := m.downloads[id]; !downloading {
		m.states[id] = m.diskState(id)
	}
	m.logger.Info("model variant selected", slog.String("variant", id), slog.String("phase", m.states[id].Phase.String()))
	return nil
}

func (m *Manager) State(id string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[id]
	if !ok {
		return State{}, fmt.Errorf("%w: %q", ErrUnknownVariant, id)
	}
	return state, nil
}

func (m *Manager) Statuses() []VariantStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]VariantStatus, 0, len(m.variants))
	for id, v := range m.variants {
		out = append(out, VariantStatus{ID: id, Tier: v.Tier, Selected: id == m.selected, State: m.states[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsReady re-checks the payload on disk. A Ready variant whose payload has
// disappeared becomes Absent.
func (m *Manager) IsReady(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isReadyLocked(id)
}

func (m *Manager) isReadyLocked(id string) bool {
	if _, ok := m.variants[id]; !ok {
		return false
	}
	if _, downloading := m.downloads[id]; downloading {
		return false
	}
	state := m.diskState(id)
	if state.Phase != m.states[id].Phase {
		m.states[id] = state
		if state.Phase == PhaseAbsent {
			delete(m.loaded, id)
		}
	}
	return state.Phase == PhaseReady
}

func (m *Manager) SelectedReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isReadyLocked(m.selected)
}

// Cancel stops an in-flight download. The download call returns once its
// staging files are removed.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancel, ok := m.downloads[id]
	if !ok {
		return ErrNotDownloading
	}
	cancel()
	return nil
}

// Delete removes a downloaded variant. Deleting an absent variant is a no-op.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.variants[id]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownVariant, id)
	}
	if _, downloading := m.downloads[id]; downloading {
		return ErrDownloadInProgress
	}
	if err := os.RemoveAll(m.variantDir(id)); err != nil {
		return fmt.Errorf("remove model %s: %w", id, err)
	}
	delete(m.loaded, id)
	m.loads.Forget(id)
	m.states[id] = State{Phase: PhaseAbsent}
	m.publish(id, m.states[id], nil)
	m.logger.Info("model deleted", slog.String("variant", id))
	return nil
}

// Preload instantiates the recognizer for id ahead of its first use. It does
// nothing if the variant is already loaded or not Ready.
func (m *Manager) Preload(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.variants[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownVariant, id)
	}
	_, loaded := m.loaded[id]
	ready := m.isReadyLocked(id)
	m.mu.Unlock()
	if loaded || !ready {
		return nil
	}
	_, err := m.load(ctx, id)
	return err
}

// Recognizer returns the heavy recognizer of the selected variant, loading it
// on demand.
func (m *Manager) Recognizer(ctx context.Context) (stt.Recognizer, error) {
	m.mu.Lock()
	id := m.selected
	if !m.isReadyLocked(id) {
		m.mu.Unlock()
		return nil, stt.ErrModelNotReady
	}
	if rec, ok := m.loaded[id]; ok {
		m.mu.Unlock()
		return rec, nil
	}
	m.mu.Unlock()
	return m.load(ctx, id)
}

func (m *Manager) load(ctx context.Context, id string) (stt.Recognizer, error) {
	v, err, _ := m.loads.Do(id, func() (any, error) {
		m.mu.Lock()
		if rec, ok := m.loaded[id]; ok {
			m.mu.Unlock()
			return rec, nil
		}
		variant := m.variants[id]
		m.mu.Unlock()

		payload, ok := firstPayload(m.variantDir(id), m.extensions)
		if !ok {
			return nil, stt.ErrModelNotReady
		}
		started := time.Now()
		rec, err := m.loader(ctx, variant, payload)
		if err != nil {
			return nil, fmt.Errorf("load model %s: %w", id, err)
		}
		m.mu.Lock()
		m.loaded[id] = rec
		m.mu.Unlock()
		m.logger.Info("model loaded", slog.String("variant", id), slog.Duration("took", time.Since(started)))
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(stt.Recognizer), nil
}

func (m *Manager) publish(id string, state State, err error) {
	if m.publisher == nil {
		return
	}
	msg := protocol.ModelStatus{
		VariantID: id,
		Phase:     state.Phase.String(),
		Progress:  state.Progress,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		msg.Error = err.Error()
	}
	if pubErr := m.publisher.PublishJSON(protocol.SubjectModelStatus, msg); pubErr != nil {
		m.logger.Warn("failed to publish model status", slogError(pubErr))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
