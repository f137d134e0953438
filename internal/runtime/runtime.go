package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capability"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/llm"
	"github.com/loqalabs/loqa-scribe/internal/models"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/notes"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/textproc"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	events   *eventstore.Store
	repo     *notes.SQLiteRepository
	services Services
	api      *API
	announce *capability.Announcer
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires every service, serves the HTTP API and blocks until ctx is done.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startBus(ctx); err != nil {
		r.shutdown(context.Background())
		return err
	}
	if err := r.openStores(ctx); err != nil {
		r.shutdown(context.Background())
		return err
	}
	services, err := BuildServices(r.cfg, ServiceDeps{
		Bus:       r.bus,
		Events:    r.events,
		Notes:     r.repo,
		Publisher: r.bus,
		Logger:    r.logger,
	})
	if err != nil {
		r.shutdown(context.Background())
		return err
	}
	r.services = services

	if r.bus != nil {
		r.announce = capability.NewAnnouncer(r.cfg.Node, r.bus, capabilitiesOf(r.cfg, services), r.logger)
		r.announce.Start(ctx)
	}

	r.api = NewAPI(APIOptions{
		Services: services,
		Metrics:  metricsHandler,
		Ready:    r.ready.Load,
		BaseCtx:  ctx,
		Logger:   r.logger,
	})

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.api.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != addr {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("capture_device", r.cfg.Capture.Device))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	r.shutdown(shutdownCtx)
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("server failed", slog.String("server", name), slogError(err))
		}
	}()
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.embedded = embedded

	busCfg := r.cfg.Bus
	if url := embedded.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client
	return nil
}

func (r *Runtime) openStores(ctx context.Context) error {
	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.events = events
	repo, err := notes.OpenSQLite(ctx, r.cfg.Notes.Path, r.logger)
	if err != nil {
		return fmt.Errorf("open notes: %w", err)
	}
	r.repo = repo
	return nil
}

func (r *Runtime) shutdown(ctx context.Context) {
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	r.wg.Wait()
	if r.api != nil {
		r.api.Wait()
	}

	if r.announce != nil {
		r.announce.Close()
	}
	if r.services.Capture != nil {
		r.services.Capture.Close()
	}
	if err := r.repo.Close(); err != nil {
		r.logger.Error("notes close error", slogError(err))
	}
	if err := r.events.Close(); err != nil {
		r.logger.Error("event store close error", slogError(err))
	}
	r.bus.Close()
	r.embedded.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

// Services are the constructed domain components shared by the daemon and
// its HTTP API.
type Services struct {
	Capture  *capture.Orchestrator
	Push     *audio.PushDevice
	Batch    *stt.BatchRecognizer
	Models   *models.Manager
	Notes    *notes.Pipeline
	Repo     notes.Repository
	Events   *eventstore.Store
	Bus      *bus.Client
	Language string
}

type Publisher interface {
	PublishJSON(subject string, v any) error
}

// ServiceDeps are the infrastructure handles BuildServices needs. Every field
// may be nil: a nil bus disables publishing, a nil event store records
// nothing.
type ServiceDeps struct {
	Bus       *bus.Client
	Events    *eventstore.Store
	Notes     notes.Repository
	Publisher Publisher
	Device    audio.Device
	Logger    *slog.Logger
}

// BuildServices constructs the capture, recognition, model and notes services
// from configuration.
func BuildServices(cfg config.Config, deps ServiceDeps) (Services, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	svc := Services{Repo: deps.Notes, Events: deps.Events, Bus: deps.Bus, Language: cfg.STT.Language}

	manager, err := models.NewManager(models.Options{
		Config:    cfg.Models,
		Loader:    models.ExecLoader(cfg.STT.HeavyCommand, cfg.STT.Language),
		Publisher: deps.Publisher,
		Logger:    logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("models: %w", err)
	}
	svc.Models = manager

	light, err := stt.NewRecognizer(cfg.STT.Light, cfg.STT.Language)
	if err != nil {
		return Services{}, fmt.Errorf("light recognizer: %w", err)
	}
	streamEngine, err := stt.NewRecognizer(cfg.STT.Streaming, cfg.STT.Language)
	if err != nil {
		return Services{}, fmt.Errorf("streaming recognizer: %w", err)
	}
	timeout := time.Duration(cfg.STT.TimeoutMS) * time.Millisecond
	svc.Batch = stt.NewBatchRecognizer(light, manager, timeout, logger)

	device := deps.Device
	if device == nil {
		device, svc.Push = newDevice(cfg.Capture, deps.Bus, logger)
	}
	session := audio.NewCaptureSession(audio.SessionOptions{
		Device:      device,
		Permissions: audio.StaticPermissions{Microphone: cfg.Permissions.Microphone, Recognition: cfg.Permissions.Recognition},
		OutputDir:   cfg.Capture.OutputDir,
		Format: audio.Format{
			SampleRate:    cfg.Capture.SampleRate,
			Channels:      cfg.Capture.Channels,
			FrameDuration: time.Duration(cfg.Capture.FrameDurationMS) * time.Millisecond,
		},
		LiveQueueDepth: cfg.Capture.LiveQueueDepth,
		FileQueueDepth: cfg.Capture.FileQueueDepth,
		Logger:         logger,
	})
	svc.Capture = capture.NewOrchestrator(capture.Options{
		Session: session,
		Batch:   svc.Batch,
		Streaming: stt.StreamingOptions{
			Engine:       streamEngine,
			PartialEvery: time.Duration(cfg.STT.PartialEveryMS) * time.Millisecond,
			MinAudio:     time.Duration(cfg.STT.MinPartialMS) * time.Millisecond,
			Timeout:      timeout,
			Logger:       logger,
		},
		Events:    deps.Events,
		Publisher: deps.Publisher,
		DeviceID:  cfg.Capture.DeviceID,
		Logger:    logger,
	})

	var enhancer notes.Enhancer
	if cfg.Preferences.UseAIEnhancement {
		model, err := llm.NewCompleter(cfg.LLM)
		if err != nil {
			return Services{}, fmt.Errorf("llm: %w", err)
		}
		enhancer = llm.NewEnhancer(model, cfg.LLM, logger)
	}
	if deps.Notes != nil {
		svc.Notes = notes.NewPipeline(notes.PipelineOptions{
			Repository:  deps.Notes,
			Normalizer:  textproc.NewNormalizer(textproc.OptionsFromConfig(cfg.Text)),
			Summarizer:  textproc.NewSummarizer(cfg.Text),
			Enhancer:    enhancer,
			Preferences: selectedPreferences{base: notes.PreferencesFromConfig(cfg.Preferences, cfg.Models), models: manager},
			Events:      deps.Events,
			Publisher:   deps.Publisher,
			Logger:      logger,
		})
	}
	return svc, nil
}

func newDevice(cfg config.CaptureConfig, busClient *bus.Client, logger *slog.Logger) (audio.Device, *audio.PushDevice) {
	switch cfg.Device {
	case "bus":
		return audio.NewBusDevice(busClient, cfg.DeviceID, cfg.Channels, logger), nil
	case "push":
		push := audio.NewPushDevice(cfg.Channels)
		return push, push
	default:
		return audio.NullDevice{}, nil
	}
}

// capabilitiesOf describes the recognizers, model variants and note keeping
// this node offers. Model entries follow the live variant state.
func capabilitiesOf(cfg config.Config, svc Services) capability.Source {
	return func() []protocol.Capability {
		caps := []protocol.Capability{
			{Name: "stt.streaming", Tier: cfg.STT.Streaming.Mode, Attributes: map[string]string{"language": cfg.STT.Language}},
			{Name: "stt.batch-light", Tier: cfg.STT.Light.Mode},
		}
		for _, st := range svc.Models.Statuses() {
			caps = append(caps, protocol.Capability{
				Name: "stt.batch-heavy",
				Tier: st.Tier,
				Attributes: map[string]string{
					"variant":  st.ID,
					"phase":    st.State.Phase.String(),
					"selected": fmt.Sprint(st.Selected),
				},
			})
		}
		if svc.Notes != nil {
			caps = append(caps, protocol.Capability{Name: "notes.pipeline"})
		}
		if cfg.Capture.Device == "bus" {
			caps = append(caps, protocol.Capability{
				Name:       "audio.capture",
				Attributes: map[string]string{"subject": protocol.SubjectAudioFramePrefix + "." + cfg.Capture.DeviceID},
			})
		}
		return caps
	}
}

// selectedPreferences reports the variant the model manager currently uses.
type selectedPreferences struct {
	base   notes.StaticPreferences
	models *models.Manager
}

func (p selectedPreferences) Snapshot() notes.Settings {
	s := p.base.Snapshot()
	s.SelectedModelVariant = p.models.Selected()
	return s
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
