// Package capture forwards microphone audio to the session.
package capture

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/sarathi/internal/audio"
	"github.com/ent0n29/sarathi/internal/observability"
)

// Source is a platform microphone. onFrame receives mono PCM16 frames at
// SampleRate until Stop returns or ctx ends.
type Source interface {
	Start(ctx context.Context, onFrame func(frame []byte)) error
	Stop() error
	SampleRate() int
}

// AudioSender is the outbound side of the session.
type AudioSender interface {
	SendAudioBase64(b64 string)
}

// Gate withholds mic audio while the assistant is audible.
type Gate interface {
	Suppressed(now time.Time) bool
}

// TurnRecorder keeps the user's audio for the conversation log.
type TurnRecorder interface {
	AppendUserAudioChunk(b64 string)
	FlushUserAudioTurn()
}

const DefaultNoFrameTimeout = 2 * time.Second

var ErrDeviceUnavailable = errors.New("capture: microphone unavailable")

type Options struct {
	Gain           float64
	NoFrameTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *observability.Metrics
	Now            func() time.Time
}

type Pipeline struct {
	src      Source
	sender   AudioSender
	gate     Gate
	recorder TurnRecorder
	opts     Options
	logger   *slog.Logger

	mu        sync.Mutex
	enabled   bool
	running   bool
	resampler *audio.Resampler
	cancel    context.CancelFunc

	frames atomic.Int64
	sent   atomic.Int64
}

// New wires a pipeline. gate and recorder may be nil.
func New(src Source, sender AudioSender, gate Gate, recorder TurnRecorder, opts Options) *Pipeline {
	if opts.Gain == 0 {
		opts.Gain = audio.DefaultGain
	}
	if opts.NoFrameTimeout <= 0 {
		opts.NoFrameTimeout = DefaultNoFrameTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		src:      src,
		sender:   sender,
		gate:     gate,
		recorder: recorder,
		opts:     opts,
		logger:   logger.With("component", "capture"),
	}
}

// SetEnabled toggles forwarding. Disabling also releases the device.
func (p *Pipeline) SetEnabled(enabled bool) {
	p.mu.Lock()
	p.enabled = enabled
	p.mu.Unlock()
	if !enabled {
		p.Stop()
	}
}

func (p *Pipeline) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Start opens the microphone. It is a no-op while running. A device error
// is logged and returned; the pipeline stays stopped and the session goes on
// without audio.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	if p.src == nil {
		p.mu.Unlock()
		return ErrDeviceUnavailable
	}

	rate := p.src.SampleRate()
	rs, err := audio.NewResampler(rate, audio.CaptureSampleRate)
	if err != nil {
		p.mu.Unlock()
		p.logger.Warn("resampler unavailable", "source_rate", rate, "error", err)
		return fmt.Errorf("capture: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.resampler = rs
	p.cancel = cancel
	p.running = true
	p.frames.Store(0)
	p.sent.Store(0)
	p.mu.Unlock()

	// The source may deliver frames before Start returns.
	if err := p.src.Start(runCtx, p.onFrame); err != nil {
		cancel()
		p.mu.Lock()
		p.running = false
		p.cancel = nil
		p.resampler = nil
		p.mu.Unlock()
		p.opts.Metrics.MicFrame("device_error")
		p.logger.Warn("microphone start failed", "error", err)
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	p.logger.Info("microphone started", "source_rate", rate, "resampling", !rs.Passthrough())

	go p.watchFirstFrame(runCtx)
	return nil
}

// watchFirstFrame logs a diagnostic when the device stays silent; this is
// typical of hosts without a physical microphone.
func (p *Pipeline) watchFirstFrame(ctx context.Context) {
	t := time.NewTimer(p.opts.NoFrameTimeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
		if p.frames.Load() == 0 {
			p.opts.Metrics.MicFrame("none_after_start")
			p.logger.Warn("no microphone frames received", "after", p.opts.NoFrameTimeout)
		}
	}
}

// Stop releases the microphone and flushes the recorded user turn. Safe to
// call when not running.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.cancel = nil
	p.resampler = nil
	p.mu.Unlock()

	cancel()
	if err := p.src.Stop(); err != nil {
		p.logger.Warn("microphone stop failed", "error", err)
	}
	if p.recorder != nil {
		p.recorder.FlushUserAudioTurn()
	}
	p.logger.Info("microphone stopped", "frames", p.frames.Load(), "sent", p.sent.Load())
}

func (p *Pipeline) onFrame(frame []byte) {
	p.frames.Add(1)
	p.mu.Lock()
	forward := p.running && p.enabled
	rs := p.resampler
	p.mu.Unlock()
	if !forward || len(frame) == 0 {
		p.opts.Metrics.MicFrame("disabled")
		return
	}
	if p.gate != nil && p.gate.Suppressed(p.opts.Now()) {
		p.opts.Metrics.MicFrame("gated")
		return
	}

	pcm := audio.ScalePCM16(frame, p.opts.Gain)
	if rs != nil && !rs.Passthrough() {
		out, err := rs.Process(pcm)
		if err != nil {
			p.opts.Metrics.MicFrame("resample_error")
			p.logger.Warn("resample frame", "error", err)
			return
		}
		pcm = out
	}
	if len(pcm) == 0 {
		return
	}

	b64 := base64.StdEncoding.EncodeToString(pcm)
	p.sender.SendAudioBase64(b64)
	if p.recorder != nil {
		p.recorder.AppendUserAudioChunk(b64)
	}
	p.sent.Add(1)
	p.opts.Metrics.MicFrame("sent")
}

// Stats reports frames seen and frames forwarded since the last Start.
func (p *Pipeline) Stats() (frames, sent int64) {
	return p.frames.Load(), p.sent.Load()
}
