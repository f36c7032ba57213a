package playback

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/ent0n29/sarathi/internal/audio"
	"github.com/ent0n29/sarathi/internal/observability"
)

type Options struct {
	Gain       float64
	MinStart   time.Duration
	GateMargin time.Duration
	// ForceFile skips the streaming sink even when one is available.
	ForceFile bool
	TempDir   string
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	// OnGateRelease runs when the mic gate's projected window elapses.
	OnGateRelease func()
	Now           func() time.Time
}

// Pipeline decodes assistant audio chunks, keeps the mic gate projection
// current and feeds the selected backend.
type Pipeline struct {
	backend Backend
	gate    *MicGate
	gain    float64
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// New picks the streaming backend when sink is usable and falls back to
// temp-file playback through player otherwise.
func New(sink PCMSink, player SoundPlayer, opts Options) (*Pipeline, error) {
	if opts.Gain == 0 {
		opts.Gain = audio.DefaultGain
	}
	if opts.GateMargin == 0 {
		opts.GateMargin = DefaultGateMargin
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var backend Backend
	switch {
	case sink != nil && !opts.ForceFile && probe(sink):
		backend = NewStreamingBackend(sink, logger, opts.Metrics)
	case player != nil:
		backend = NewFileFallbackBackend(player, opts.TempDir, opts.MinStart, logger, opts.Metrics)
	default:
		return nil, ErrNoBackend
	}
	logger.Info("playback backend selected", "component", "playback", "backend", backend.Name())

	return &Pipeline{
		backend: backend,
		gate:    NewMicGate(opts.GateMargin, opts.OnGateRelease),
		gain:    opts.Gain,
		logger:  logger.With("component", "playback"),
		metrics: opts.Metrics,
		now:     opts.Now,
	}, nil
}

func probe(sink PCMSink) bool {
	if p, ok := sink.(Prober); ok {
		return p.Available()
	}
	return true
}

func (p *Pipeline) Backend() Backend { return p.backend }

func (p *Pipeline) Gate() *MicGate { return p.gate }

// HandleChunk decodes one base64 PCM16 chunk, boosts it, extends the mic
// gate and queues it. The gate is updated before HandleChunk returns. A bad
// chunk is reported and skipped.
func (p *Pipeline) HandleChunk(b64, mimeType string) error {
	pcm, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		p.metrics.PlaybackChunk(p.backend.Name(), "decode_error")
		p.logger.Warn("decode audio chunk", "error", err, "encoded_bytes", len(b64))
		return fmt.Errorf("decode audio chunk: %w", err)
	}
	if len(pcm) == 0 {
		return nil
	}
	pcm = audio.ScalePCM16(pcm, p.gain)
	rate := audio.ParseSampleRate(mimeType, audio.PlaybackSampleRate)

	p.gate.Extend(p.now(), audio.Duration(len(pcm), rate))

	if err := p.backend.Enqueue(pcm, rate); err != nil {
		p.logger.Warn("enqueue audio chunk", "error", err, "bytes", len(pcm), "rate", rate)
		return err
	}
	return nil
}

// Hold keeps the mic gate closed while assistant text streams in ahead of
// its audio. TurnComplete and Interrupt lift it.
func (p *Pipeline) Hold() {
	p.gate.Hold()
}

// TurnComplete plays whatever is buffered and lifts any text hold on the
// gate.
func (p *Pipeline) TurnComplete() {
	p.backend.Flush()
	p.gate.Release()
}

// Interrupt stops playback at once and resets the gate.
func (p *Pipeline) Interrupt() {
	p.backend.Stop()
	p.gate.Reset()
}

// Active reports whether assistant audio is playing or queued.
func (p *Pipeline) Active() bool {
	return p.backend.Active()
}

func (p *Pipeline) Close() error {
	p.gate.Reset()
	return p.backend.Close()
}
