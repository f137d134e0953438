package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPermissionDenied  = errors.New("microphone or speech recognition permission not granted")
	ErrDeviceUnavailable = errors.New("audio input device unavailable")
	ErrNoActiveRecording = errors.New("no active recording")
)

// RecordingResult describes a finished recording.
type RecordingResult struct {
	SessionID       string
	FilePath        string
	DurationSeconds float64
}

// SessionOptions configures a CaptureSession.
type SessionOptions struct {
	Device         Device
	Permissions    Permissions
	OutputDir      string
	Format         Format
	LiveQueueDepth int
	FileQueueDepth int
	Logger         *slog.Logger
}

// RecordingSession is the state of one Start/Stop pair.
type RecordingSession struct {
	ID      string
	Started time.Time
	Path    string

	format    Format
	writer    *wavWriter
	queue     chan Buffer
	writeErr  chan error
	live      *fanout
	cancel    context.CancelFunc
	silenceWG sync.WaitGroup
	degraded  bool

	mu     sync.RWMutex
	closed bool
	frames atomic.Int64
}

// CaptureSession owns the input device while recording. It writes every sample
// to a WAV file and fans the same samples out to live listeners.
type CaptureSession struct {
	opts   SessionOptions
	logger *slog.Logger

	mu     sync.Mutex
	active *RecordingSession
}

func NewCaptureSession(opts SessionOptions) *CaptureSession {
	if opts.Permissions == nil {
		opts.Permissions = StaticPermissions{Microphone: true, Recognition: true}
	}
	if opts.Format.SampleRate <= 0 {
		opts.Format.SampleRate = 16000
	}
	if opts.Format.Channels <= 0 {
		opts.Format.Channels = 1
	}
	if opts.Format.FrameDuration <= 0 {
		opts.Format.FrameDuration = 100 * time.Millisecond
	}
	if opts.FileQueueDepth <= 0 {
		opts.FileQueueDepth = 256
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CaptureSession{
		opts:   opts,
		logger: logger.With(slog.String("component", "capture-session")),
	}
}

// Start begins a new recording. A recording that is still running is stopped
// and finalized first.
func (s *CaptureSession) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		prev := s.active
		result, err := s.stopLocked()
		if err != nil {
			s.logger.Warn("failed to finalize previous recording", slog.String("session_id", prev.ID), slogError(err))
		} else {
			s.logger.Info("previous recording torn down", slog.String("session_id", result.SessionID), slog.String("path", result.FilePath))
		}
	}

	if !s.opts.Permissions.MicrophoneGranted() || !s.opts.Permissions.RecognitionGranted() {
		return ErrPermissionDenied
	}
	if s.opts.Device == nil {
		return ErrDeviceUnavailable
	}

	if err := os.MkdirAll(s.opts.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create recordings dir: %w", err)
	}

	id := uuid.NewString()
	path := filepath.Join(s.opts.OutputDir, id+".wav")
	writer, err := createWAV(path, s.opts.Format)
	if err != nil {
		return err
	}

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rec := &RecordingSession{
		ID:       id,
		Started:  time.Now(),
		Path:     path,
		format:   s.opts.Format,
		writer:   writer,
		queue:    make(chan Buffer, s.opts.FileQueueDepth),
		writeErr: make(chan error, 1),
		live:     newFanout(s.opts.LiveQueueDepth),
		cancel:   cancel,
	}
	go rec.drain()

	if s.opts.Device.InputChannels() == 0 {
		s.logger.Warn("input device reports no channels, recording silence", slog.String("session_id", id))
		rec.degraded = true
		rec.silenceWG.Add(1)
		go rec.generateSilence(sessionCtx)
	} else if err := s.opts.Device.Start(sessionCtx, s.opts.Format, rec.deliver); err != nil {
		cancel()
		_ = rec.finish()
		_ = os.Remove(path)
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	s.active = rec
	s.logger.Info("recording started", slog.String("session_id", id), slog.String("path", path))
	return nil
}

// Stop ends the recording, closes the file and releases the device.
func (s *CaptureSession) Stop() (RecordingResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *CaptureSession) stopLocked() (RecordingResult, error) {
	rec := s.active
	if rec == nil {
		return RecordingResult{}, ErrNoActiveRecording
	}
	s.active = nil

	var deviceErr error
	if rec.degraded {
		rec.cancel()
		rec.silenceWG.Wait()
	} else {
		deviceErr = s.opts.Device.Stop()
		rec.cancel()
	}

	err := rec.finish()
	dropped := rec.live.closeAll()

	result := RecordingResult{
		SessionID:       rec.ID,
		FilePath:        rec.Path,
		DurationSeconds: rec.duration().Seconds(),
	}
	if deviceErr != nil {
		s.logger.Warn("device stop failed", slog.String("session_id", rec.ID), slogError(deviceErr))
	}
	if err != nil {
		return result, err
	}
	s.logger.Info("recording stopped",
		slog.String("session_id", rec.ID),
		slog.Float64("duration_seconds", result.DurationSeconds),
		slog.Uint64("live_dropped", dropped))
	return result, nil
}

// Subscribe registers a live listener for the active recording. The channel is
// closed when the recording stops or the returned cancel func is called.
func (s *CaptureSession) Subscribe() (<-chan Buffer, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil, func() {}, ErrNoActiveRecording
	}
	ch, cancel := s.active.live.subscribe()
	return ch, cancel, nil
}

// SessionInfo identifies a running recording.
type SessionInfo struct {
	ID      string
	Started time.Time
	Path    string
}

// Active reports the running recording, if any.
func (s *CaptureSession) Active() (SessionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return SessionInfo{}, false
	}
	return SessionInfo{ID: s.active.ID, Started: s.active.Started, Path: s.active.Path}, true
}

func (r *RecordingSession) deliver(b Buffer) {
	b = Conform(b, r.format)
	if len(b.Samples) == 0 {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	r.frames.Add(int64(b.Frames()))
	r.queue <- b
	r.live.publish(b)
}

func (r *RecordingSession) drain() {
	var firstErr error
	for b := range r.queue {
		if firstErr != nil {
			continue
		}
		if err := r.writer.Write(b); err != nil {
			firstErr = err
		}
	}
	r.writeErr <- firstErr
}

func (r *RecordingSession) generateSilence(ctx context.Context) {
	defer r.silenceWG.Done()
	ticker := time.NewTicker(r.format.FrameDuration)
	defer ticker.Stop()
	frame := Silence(r.format, r.format.FrameDuration)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.deliver(frame)
		}
	}
}

func (r *RecordingSession) finish() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	writeErr := <-r.writeErr
	closeErr := r.writer.Close()
	return errors.Join(writeErr, closeErr)
}

func (r *RecordingSession) duration() time.Duration {
	return time.Duration(r.frames.Load() * int64(time.Second) / int64(r.format.SampleRate))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
