// Package voice ties the session's inbound events to playback, capture and
// the conversation log.
package voice

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ent0n29/sarathi/internal/events"
	"github.com/ent0n29/sarathi/internal/observability"
	"github.com/ent0n29/sarathi/internal/protocol"
	"github.com/ent0n29/sarathi/internal/transcript"
	"github.com/ent0n29/sarathi/internal/turn"
)

// Sender is the outbound side of the session.
type Sender interface {
	SendText(text string)
}

// Playback plays assistant audio and owns the mic gate.
type Playback interface {
	HandleChunk(b64, mimeType string) error
	TurnComplete()
	Interrupt()
	Active() bool
	Hold()
}

// Capture is the microphone pipeline.
type Capture interface {
	SetEnabled(enabled bool)
	Start(ctx context.Context) error
	Running() bool
}

type Options struct {
	Turn    turn.Options
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Latency *observability.TurnLatency
	// OnChange runs on the dispatch goroutine after visible state moved.
	OnChange func(Snapshot)
	// OnFinished runs on the dispatch goroutine once per completed turn.
	OnFinished func(turn.FinishedTurn)
	Now        func() time.Time
}

// Snapshot is a read-only view for a UI.
type Snapshot struct {
	Connected   bool
	BotText     string
	UserText    string
	ToolStatus  string
	TurnID      string
	Itineraries []protocol.Itinerary
	LastError   string
	Playing     bool
	MicEnabled  bool
	MicRunning  bool
}

// Orchestrator applies inbound events to the turn accumulator and routes
// the resulting effects. Any of playback, capture and recorder may be nil.
type Orchestrator struct {
	sender   Sender
	playback Playback
	capture  Capture
	recorder transcript.Recorder
	opts     Options
	logger   *slog.Logger

	mu          sync.Mutex
	acc         *turn.Accumulator
	wantMic     bool
	micCtx      context.Context
	userAt      time.Time
	sawText     bool
	sawAudio    bool
	unsubscribe func()
}

func New(sender Sender, playback Playback, capture Capture, recorder transcript.Recorder, opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Turn.Now == nil {
		opts.Turn.Now = opts.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		sender:   sender,
		playback: playback,
		capture:  capture,
		recorder: recorder,
		opts:     opts,
		logger:   logger.With("component", "voice"),
		acc:      turn.New(opts.Turn),
	}
}

// Attach subscribes to d. Calling it again replaces the subscription.
func (o *Orchestrator) Attach(d *events.Dispatcher) {
	unsub := d.On(o.Handle)
	o.mu.Lock()
	prev := o.unsubscribe
	o.unsubscribe = unsub
	o.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// Detach stops receiving events and turns the microphone off.
func (o *Orchestrator) Detach() {
	o.mu.Lock()
	unsub := o.unsubscribe
	o.unsubscribe = nil
	o.wantMic = false
	o.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if o.capture != nil {
		o.capture.SetEnabled(false)
	}
}

// SendText sends a typed message and logs it as user text.
func (o *Orchestrator) SendText(text string) {
	if text == "" {
		return
	}
	o.mu.Lock()
	o.markUserLocked()
	o.mu.Unlock()
	if o.recorder != nil {
		o.recorder.AppendUserText(text)
	}
	o.sender.SendText(text)
}

// SetMicEnabled turns the microphone on or off. Turning it on before the
// session is connected defers the start until connected arrives.
func (o *Orchestrator) SetMicEnabled(ctx context.Context, enabled bool) error {
	if o.capture == nil {
		return nil
	}
	o.mu.Lock()
	o.wantMic = enabled
	o.micCtx = ctx
	connected := o.acc.Snapshot().Connected
	o.mu.Unlock()

	if !enabled {
		o.capture.SetEnabled(false)
		return nil
	}
	o.capture.SetEnabled(true)
	if !connected {
		o.logger.Info("microphone start deferred until connected")
		return nil
	}
	return o.capture.Start(ctx)
}

// Disconnected marks the session down; the transcript is kept.
func (o *Orchestrator) Disconnected() {
	o.mu.Lock()
	o.acc.Disconnected()
	o.mu.Unlock()
}

// Handle is the dispatcher callback.
func (o *Orchestrator) Handle(ev protocol.Event) {
	now := o.opts.Now()

	o.mu.Lock()
	fx := o.acc.Apply(ev)
	startMic := fx.Connected && o.wantMic && o.capture != nil && !o.capture.Running()
	micCtx := o.micCtx
	if fx.BargeIn && o.userAt.IsZero() {
		o.markUserLocked()
	}
	firstText := false
	if fx.BotText && !o.sawText {
		o.sawText = true
		firstText = true
	}
	firstAudio := fx.Audio != nil && !o.sawAudio
	if firstAudio {
		o.sawAudio = true
	}
	userAt := o.userAt
	if fx.FlushPlayback || fx.Interrupt {
		o.userAt = time.Time{}
		o.sawText, o.sawAudio = false, false
	}
	o.mu.Unlock()

	if startMic {
		if micCtx == nil {
			micCtx = context.Background()
		}
		if err := o.capture.Start(micCtx); err != nil {
			o.logger.Warn("deferred microphone start failed", "error", err)
		}
	}

	if firstText {
		o.observe(observability.StageFirstText, userAt, now)
		if o.playback != nil {
			o.playback.Hold()
		}
	}

	if fx.BargeIn && o.playback != nil && o.playback.Active() {
		o.logger.Info("user barge-in, stopping playback")
		o.playback.Interrupt()
		o.opts.Latency.ObserveIndicator("barge_in")
	}
	if fx.UserText != "" && o.recorder != nil {
		o.recorder.AppendUserText(fx.UserText)
	}

	if fx.Audio != nil {
		if firstAudio {
			o.observe(observability.StageFirstAudio, userAt, now)
			if !userAt.IsZero() {
				o.opts.Metrics.ObserveFirstAudioLatency(now.Sub(userAt))
			}
		}
		if o.recorder != nil {
			o.recorder.AppendBotAudioChunk(fx.Audio.AudioData)
		}
		if o.playback != nil && fx.Audio.AudioData != "" {
			if err := o.playback.HandleChunk(fx.Audio.AudioData, fx.Audio.MimeType); err != nil {
				o.opts.Latency.ObserveIndicator("bad_audio_chunk")
			}
		}
	}

	if fx.Itinerary != nil && o.recorder != nil {
		o.recorder.AppendItinerary(fx.Itinerary.Raw())
	}

	if fx.FlushPlayback {
		o.observe(observability.StageTurnTotal, userAt, now)
		if o.playback != nil {
			o.playback.TurnComplete()
		}
		if o.recorder != nil {
			o.recorder.FlushBotAudioTurn()
		}
	}
	if fx.Finished != nil {
		if o.recorder != nil && fx.Finished.BotText != "" {
			o.recorder.AppendBotText(fx.Finished.BotText)
		}
		if o.opts.OnFinished != nil {
			o.opts.OnFinished(*fx.Finished)
		}
	}

	if fx.Interrupt {
		if o.playback != nil {
			o.playback.Interrupt()
		}
		o.opts.Latency.ObserveIndicator("interrupted")
	}
	if fx.Error != "" {
		o.logger.Warn("session error", "error", fx.Error)
	}

	if (fx.Changed || fx.Connected) && o.opts.OnChange != nil {
		o.opts.OnChange(o.Snapshot())
	}
}

func (o *Orchestrator) markUserLocked() {
	o.userAt = o.opts.Now()
	o.sawText, o.sawAudio = false, false
}

func (o *Orchestrator) observe(stage string, from, to time.Time) {
	if from.IsZero() {
		return
	}
	o.opts.Latency.Observe(stage, to.Sub(from))
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	st := o.acc.Snapshot()
	wantMic := o.wantMic
	o.mu.Unlock()

	s := Snapshot{
		Connected:   st.Connected,
		BotText:     st.BotText,
		UserText:    st.UserText,
		ToolStatus:  st.ToolStatus,
		Itineraries: st.Itineraries,
		LastError:   st.LastError,
		MicEnabled:  wantMic,
	}
	if st.Turn != nil {
		s.TurnID = st.Turn.ID
	}
	if o.playback != nil {
		s.Playing = o.playback.Active()
	}
	if o.capture != nil {
		s.MicRunning = o.capture.Running()
	}
	return s
}
