package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

const progressInterval = 100 * time.Millisecond

// Download fetches every file of variant id into a hidden staging directory,
// verifies it and moves it into place. progress, if set, is called on the
// calling goroutine with monotonically increasing values ending at exactly 1.
func (m *Manager) Download(ctx context.Context, id string, progress func(State)) error {
	m.mu.Lock()
	variant, ok := m.variants[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownVariant, id)
	}
	if _, busy := m.downloads[id]; busy {
		m.mu.Unlock()
		return ErrDownloadInProgress
	}
	if m.isReadyLocked(id) {
		m.mu.Unlock()
		if progress != nil {
			progress(State{Phase: PhaseReady, Progress: 1})
		}
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	m.downloads[id] = cancel
	m.states[id] = State{Phase: PhaseDownloading}
	m.mu.Unlock()
	defer cancel()

	ctx, span := otel.Tracer("github.com/loqalabs/loqa-scribe/internal/models").Start(ctx, "models.download")
	span.SetAttributes(attribute.String("model.variant", id))
	defer span.End()

	m.publish(id, State{Phase: PhaseDownloading}, nil)
	m.logger.Info("model download started", slog.String("variant", id), slog.Int("files", len(variant.Files)))

	d := &download{
		manager:  m,
		variant:  variant,
		progress: progress,
		throttle: &rate.Sometimes{Interval: progressInterval},
	}
	for _, f := range variant.Files {
		d.total += f.Size
	}
	err := d.run(ctx)

	m.mu.Lock()
	delete(m.downloads, id)
	if err != nil {
		m.states[id] = State{Phase: PhaseAbsent}
	} else {
		m.states[id] = State{Phase: PhaseReady, Progress: 1}
	}
	final := m.states[id]
	m.mu.Unlock()

	outcome := "ready"
	var dlErr *DownloadError
	switch {
	case err == nil:
	case errors.As(err, &dlErr):
		outcome = dlErr.Kind.String()
	case errors.Is(err, context.Canceled):
		outcome = "cancelled"
	default:
		outcome = "error"
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("variant", id),
		attribute.String("outcome", outcome),
	))
	m.publish(id, final, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warn("model download failed", slog.String("variant", id), slog.String("outcome", outcome), slogError(err))
		return err
	}
	if progress != nil {
		progress(final)
	}
	m.logger.Info("model download complete", slog.String("variant", id))
	return nil
}

type download struct {
	manager  *Manager
	variant  config.ModelVariant
	progress func(State)
	throttle *rate.Sometimes

	total  int64
	done   int64
	stored float64
}

func (d *download) run(ctx context.Context) error {
	m := d.manager
	id := d.variant.ID
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return &DownloadError{Kind: KindDisk, VariantID: id, Err: err}
	}
	staging := filepath.Join(m.dir, "."+id+".partial-"+uuid.NewString())
	if err := os.Mkdir(staging, 0o755); err != nil {
		return &DownloadError{Kind: KindDisk, VariantID: id, Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staging)
		}
	}()

	for _, f := range d.variant.Files {
		if err := d.fetch(ctx, staging, f); err != nil {
			return err
		}
	}
	if !hasPayload(staging, m.extensions) {
		return &DownloadError{Kind: KindCorrupt, VariantID: id, Err: errors.New("no model payload in download")}
	}

	target := m.variantDir(id)
	if err := os.RemoveAll(target); err != nil {
		return &DownloadError{Kind: KindDisk, VariantID: id, Err: err}
	}
	if err := os.Rename(staging, target); err != nil {
		return &DownloadError{Kind: KindDisk, VariantID: id, Err: err}
	}
	committed = true
	return nil
}

func (d *download) fetch(ctx context.Context, staging string, f config.ModelFile) error {
	id := d.variant.ID
	name := filepath.Base(f.Name)
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return &DownloadError{Kind: KindCorrupt, VariantID: id, Err: fmt.Errorf("invalid file name %q", f.Name)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return &DownloadError{Kind: KindNetwork, VariantID: id, Err: err}
	}
	resp, err := d.manager.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &DownloadError{Kind: KindNetwork, VariantID: id, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &DownloadError{Kind: KindNetwork, VariantID: id, Err: fmt.Errorf("GET %s: %s", f.URL, resp.Status)}
	}
	if f.Size <= 0 && resp.ContentLength > 0 {
		d.total += resp.ContentLength
	}

	out, err := os.Create(filepath.Join(staging, name))
	if err != nil {
		return &DownloadError{Kind: KindDisk, VariantID: id, Err: err}
	}
	hasher := sha256.New()
	sink := &diskWriter{file: out, hash: hasher, onWrite: d.advance}
	_, copyErr := io.Copy(sink, resp.Body)
	closeErr := out.Close()

	switch {
	case sink.err != nil:
		return &DownloadError{Kind: KindDisk, VariantID: id, Err: sink.err}
	case copyErr != nil && ctx.Err() != nil:
		return ctx.Err()
	case copyErr != nil:
		return &DownloadError{Kind: KindNetwork, VariantID: id, Err: copyErr}
	case closeErr != nil:
		return &DownloadError{Kind: KindDisk, VariantID: id, Err: closeErr}
	}

	if f.Size > 0 && sink.written != f.Size {
		return &DownloadError{Kind: KindCorrupt, VariantID: id, Err: fmt.Errorf("%s: got %d bytes, want %d", name, sink.written, f.Size)}
	}
	if want := strings.TrimSpace(f.SHA256); want != "" {
		got := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(got, want) {
			return &DownloadError{Kind: KindCorrupt, VariantID: id, Err: fmt.Errorf("%s: checksum mismatch", name)}
		}
	}
	return nil
}

// advance records n more bytes. The manager state follows every write; the
// bus and the progress callback are throttled.
func (d *download) advance(n int) {
	d.done += int64(n)
	if d.total <= 0 {
		return
	}
	fraction := float64(d.done) / float64(d.total)
	if fraction > 0.999 {
		fraction = 0.999
	}
	if fraction <= d.stored {
		return
	}
	d.stored = fraction
	state := State{Phase: PhaseDownloading, Progress: fraction}

	m := d.manager
	m.mu.Lock()
	if m.states[d.variant.ID].Phase == PhaseDownloading {
		m.states[d.variant.ID] = state
	}
	m.mu.Unlock()

	d.throttle.Do(func() {
		m.publish(d.variant.ID, state, nil)
		if d.progress != nil {
			d.progress(state)
		}
	})
}

// diskWriter tees downloaded bytes into the file and the checksum, keeping
// write failures apart from network read failures.
type diskWriter struct {
	file    *os.File
	hash    hash.Hash
	onWrite func(int)
	written int64
	err     error
}

func (w *diskWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	if n > 0 {
		w.hash.Write(p[:n])
		w.written += int64(n)
		w.onWrite(n)
	}
	if err != nil {
		w.err = err
	}
	return n, err
}
