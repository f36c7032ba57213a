package playback

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ent0n29/sarathi/internal/audio"
	"github.com/ent0n29/sarathi/internal/observability"
)

// DefaultMinStart is how much audio the file fallback buffers before it
// starts playing.
const DefaultMinStart = time.Second

// SoundPlayer plays a WAV file and returns once playback finished or ctx
// was cancelled.
type SoundPlayer interface {
	Play(ctx context.Context, path string) error
}

type segment struct {
	rate int
	pcm  []byte
}

// FileFallbackBackend buffers audio, writes it to a temporary WAV file and
// hands that to a SoundPlayer, one batch at a time.
type FileFallbackBackend struct {
	player   SoundPlayer
	dir      string
	minStart time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu         sync.Mutex
	queue      []segment
	queued     int
	started    bool
	playing    bool
	playCtx    context.Context
	playCancel context.CancelFunc

	wake      chan struct{}
	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewFileFallbackBackend starts the playback worker. dir may be empty for
// the system temp directory.
func NewFileFallbackBackend(player SoundPlayer, dir string, minStart time.Duration, logger *slog.Logger, metrics *observability.Metrics) *FileFallbackBackend {
	if minStart <= 0 {
		minStart = DefaultMinStart
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &FileFallbackBackend{
		player:   player,
		dir:      dir,
		minStart: minStart,
		logger:   logger.With("component", "playback.file"),
		metrics:  metrics,
		wake:     make(chan struct{}, 1),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	b.playCtx, b.playCancel = context.WithCancel(context.Background())
	go b.worker()
	return b
}

func (b *FileFallbackBackend) Name() string { return "file" }

func (b *FileFallbackBackend) Enqueue(pcm []byte, sampleRate int) error {
	if len(pcm) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := len(b.queue); n > 0 && b.queue[n-1].rate == sampleRate {
		b.queue[n-1].pcm = append(b.queue[n-1].pcm, pcm...)
	} else {
		b.queue = append(b.queue, segment{rate: sampleRate, pcm: append([]byte(nil), pcm...)})
	}
	b.queued += len(pcm)
	if b.queued >= audio.BytesFor(b.minStart, sampleRate) {
		b.started = true
	}
	if b.started {
		b.signal()
	}
	return nil
}

func (b *FileFallbackBackend) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return
	}
	b.started = true
	b.signal()
}

func (b *FileFallbackBackend) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = nil
	b.queued = 0
	b.started = false
	b.playCancel()
	b.playCtx, b.playCancel = context.WithCancel(context.Background())
}

func (b *FileFallbackBackend) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.playing || len(b.queue) > 0
}

// Buffered is the number of queued bytes not yet handed to the player.
func (b *FileFallbackBackend) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queued
}

func (b *FileFallbackBackend) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.mu.Lock()
		b.playCancel()
		b.mu.Unlock()
		<-b.done
	})
	return nil
}

// signal must be called with mu held.
func (b *FileFallbackBackend) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *FileFallbackBackend) worker() {
	defer close(b.done)
	for {
		select {
		case <-b.closed:
			return
		case <-b.wake:
		}
		b.drain()
	}
}

// drain plays queued batches until the queue is empty, then waits for the
// threshold or a flush again.
func (b *FileFallbackBackend) drain() {
	for {
		b.mu.Lock()
		if !b.started || len(b.queue) == 0 {
			b.started = false
			b.mu.Unlock()
			return
		}
		seg := b.queue[0]
		b.queue = b.queue[1:]
		b.queued -= len(seg.pcm)
		ctx := b.playCtx
		b.playing = true
		b.mu.Unlock()

		b.play(ctx, seg)

		b.mu.Lock()
		b.playing = false
		b.mu.Unlock()

		select {
		case <-b.closed:
			return
		default:
		}
	}
}

// play never returns an error; a failing batch is logged and skipped.
func (b *FileFallbackBackend) play(ctx context.Context, seg segment) {
	path, err := audio.WriteTempWAV(b.dir, seg.pcm, seg.rate)
	if err != nil {
		b.metrics.PlaybackChunk(b.Name(), "error")
		b.logger.Warn("write playback file", "error", err, "bytes", len(seg.pcm))
		return
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			b.logger.Debug("remove playback file", "path", path, "error", err)
		}
	}()

	if err := b.player.Play(ctx, path); err != nil {
		if ctx.Err() != nil {
			b.metrics.PlaybackChunk(b.Name(), "interrupted")
			return
		}
		b.metrics.PlaybackChunk(b.Name(), "error")
		b.logger.Warn("play batch", "error", err, "bytes", len(seg.pcm), "rate", seg.rate)
		return
	}
	b.metrics.PlaybackChunk(b.Name(), "ok")
}
