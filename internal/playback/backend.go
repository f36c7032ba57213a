// Package playback turns inbound assistant audio into sound and keeps the
// mic gate in step with it.
package playback

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ent0n29/sarathi/internal/audio"
	"github.com/ent0n29/sarathi/internal/observability"
)

// Backend plays decoded PCM16 mono audio.
type Backend interface {
	Name() string
	Enqueue(pcm []byte, sampleRate int) error
	// Flush starts buffered audio even if it is below the start threshold.
	Flush()
	// Stop halts in-flight playback and drops anything queued.
	Stop()
	// Active reports whether audio is playing or queued.
	Active() bool
	Close() error
}

// PCMSink is a low-latency streaming output device.
type PCMSink interface {
	Init(sampleRate int) error
	Write(pcm []byte) error
	Stop() error
	Release() error
}

// Prober is implemented by sinks that can report whether they are usable
// on this host.
type Prober interface {
	Available() bool
}

var ErrNoBackend = errors.New("playback: no usable output")

// StreamingBackend writes every chunk straight to a PCMSink.
type StreamingBackend struct {
	sink    PCMSink
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu          sync.Mutex
	rate        int
	needsInit   bool
	activeUntil time.Time
}

func NewStreamingBackend(sink PCMSink, logger *slog.Logger, metrics *observability.Metrics) *StreamingBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamingBackend{
		sink:      sink,
		logger:    logger.With("component", "playback.stream"),
		metrics:   metrics,
		now:       time.Now,
		needsInit: true,
	}
}

func (b *StreamingBackend) Name() string { return "stream" }

// Enqueue re-initialises the sink when the rate changes or after Stop.
func (b *StreamingBackend) Enqueue(pcm []byte, sampleRate int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.needsInit || sampleRate != b.rate {
		if err := b.sink.Init(sampleRate); err != nil {
			b.metrics.PlaybackChunk(b.Name(), "init_error")
			return err
		}
		b.rate = sampleRate
		b.needsInit = false
	}
	if err := b.sink.Write(pcm); err != nil {
		b.metrics.PlaybackChunk(b.Name(), "error")
		return err
	}
	b.metrics.PlaybackChunk(b.Name(), "ok")

	now := b.now()
	if b.activeUntil.Before(now) {
		b.activeUntil = now
	}
	b.activeUntil = b.activeUntil.Add(audio.Duration(len(pcm), sampleRate))
	return nil
}

func (b *StreamingBackend) Flush() {}

func (b *StreamingBackend) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.sink.Stop(); err != nil {
		b.logger.Warn("stop sink", "error", err)
	}
	b.needsInit = true
	b.activeUntil = time.Time{}
}

func (b *StreamingBackend) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().Before(b.activeUntil)
}

func (b *StreamingBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sink.Release()
}
