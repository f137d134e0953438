package stt

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

// StreamState is the lifecycle of a StreamingRecognizer.
type StreamState int

const (
	StateIdle StreamState = iota
	StateListening
	StateCancelled
)

func (s StreamState) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateCancelled:
		return "cancelled"
	default:
		return "idle"
	}
}

var ErrAlreadyListening = errors.New("streaming recognizer already attached")

type StreamingOptions struct {
	Engine       Recognizer
	PartialEvery time.Duration
	MinAudio     time.Duration
	Timeout      time.Duration
	Logger       *slog.Logger
	OnTranscript func(Transcript)
}

// StreamingRecognizer re-transcribes the audio accumulated from a live feed at
// a fixed cadence and reports each result as a partial transcript. Engine
// failures stop further updates but never surface to the caller.
type StreamingRecognizer struct {
	engine       Recognizer
	partialEvery time.Duration
	minAudio     time.Duration
	timeout      time.Duration
	logger       *slog.Logger
	onTranscript func(Transcript)

	mu          sync.Mutex
	state       StreamState
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	pcm         []byte
	sampleRate  int
	channels    int
	lastPartial time.Time
	inflight    context.CancelFunc
	issued      uint64
	emitted     uint64
}

func NewStreamingRecognizer(opts StreamingOptions) *StreamingRecognizer {
	if opts.Engine == nil {
		opts.Engine = unavailableRecognizer{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 45 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamingRecognizer{
		engine:       opts.Engine,
		partialEvery: opts.PartialEvery,
		minAudio:     opts.MinAudio,
		timeout:      opts.Timeout,
		logger:       logger.With(slog.String("component", "stt-streaming")),
		onTranscript: opts.OnTranscript,
	}
}

func (s *StreamingRecognizer) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attach starts consuming feed. The recognizer keeps reading until feed is
// closed or Detach is called.
func (s *StreamingRecognizer) Attach(ctx context.Context, feed <-chan audio.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return ErrAlreadyListening
	}
	ctx, cancel := context.WithCancel(ctx)
	s.state = StateListening
	s.cancel = cancel
	s.pcm = nil
	s.sampleRate = 0
	s.channels = 0
	s.lastPartial = time.Time{}
	s.issued = 0
	s.emitted = 0

	s.wg.Add(1)
	go s.consume(ctx, feed)
	return nil
}

// Cancel stops further updates. The feed keeps being drained until Detach.
func (s *StreamingRecognizer) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateListening {
		return
	}
	s.state = StateCancelled
	if s.inflight != nil {
		s.inflight()
	}
}

// Detach cancels in-flight recognition, waits for workers and returns to Idle.
// It is safe to call more than once.
func (s *StreamingRecognizer) Detach() {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.state = StateIdle
	s.cancel = nil
	s.inflight = nil
	s.pcm = nil
	s.mu.Unlock()
}

func (s *StreamingRecognizer) consume(ctx context.Context, feed <-chan audio.Buffer) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case buf, ok := <-feed:
			if !ok {
				return
			}
			if s.appendBuffer(buf) {
				s.schedulePartial(ctx)
			}
		}
	}
}

// appendBuffer reports whether a partial should be scheduled now.
func (s *StreamingRecognizer) appendBuffer(buf audio.Buffer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateListening || len(buf.Samples) == 0 {
		return false
	}
	if s.sampleRate == 0 {
		s.sampleRate = buf.SampleRate
		s.channels = buf.Channels
	}
	s.pcm = append(s.pcm, buf.PCM()...)

	if s.inflight != nil {
		return false
	}
	if s.accumulatedLocked() < s.minAudio {
		return false
	}
	if s.lastPartial.IsZero() {
		return true
	}
	return s.partialEvery > 0 && time.Since(s.lastPartial) >= s.partialEvery
}

func (s *StreamingRecognizer) accumulatedLocked() time.Duration {
	if s.sampleRate <= 0 || s.channels <= 0 {
		return 0
	}
	frames := int64(len(s.pcm) / 2 / s.channels)
	return time.Duration(frames * int64(time.Second) / int64(s.sampleRate))
}

func (s *StreamingRecognizer) schedulePartial(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, s.timeout)

	s.mu.Lock()
	if s.state != StateListening || s.inflight != nil {
		s.mu.Unlock()
		cancel()
		return
	}
	pcm := append([]byte(nil), s.pcm...)
	rate, channels := s.sampleRate, s.channels
	s.issued++
	seq := s.issued
	s.inflight = cancel
	s.lastPartial = time.Now()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		result, err := s.engine.Transcribe(ctx, pcm, rate, channels, false)

		s.mu.Lock()
		s.inflight = nil
		s.lastPartial = time.Now()
		if err != nil {
			if ctx.Err() != nil && parent.Err() != nil {
				s.mu.Unlock()
				return
			}
			if s.state == StateListening {
				s.state = StateCancelled
			}
			s.mu.Unlock()
			s.logger.Warn("streaming recognition failed, live transcript stops updating", slogError(err))
			return
		}
		if s.state != StateListening || seq <= s.emitted || result.Text == "" {
			s.mu.Unlock()
			return
		}
		s.emitted = seq
		handler := s.onTranscript
		s.mu.Unlock()

		if handler != nil {
			handler(Transcript{
				Text:     result.Text,
				IsFinal:  false,
				Backend:  BackendStreaming,
				Sequence: seq,
				At:       time.Now().UTC(),
			})
		}
	}()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
