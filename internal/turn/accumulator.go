// Package turn keeps the current bot turn and user utterance as a reducer
// over inbound events.
package turn

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/sarathi/internal/audio"
	"github.com/ent0n29/sarathi/internal/protocol"
)

// MergeStrategy decides how an output_transcription fragment joins the
// current bot text.
type MergeStrategy int

const (
	// MergeAuto replaces the buffer when the fragment extends it, appends
	// when the fragment is new, and discards duplicates.
	MergeAuto MergeStrategy = iota
	// MergeCumulative treats every fragment as the full text so far.
	MergeCumulative
	// MergeIncremental treats every fragment as a delta.
	MergeIncremental
)

func (m MergeStrategy) String() string {
	switch m {
	case MergeAuto:
		return "auto"
	case MergeCumulative:
		return "cumulative"
	case MergeIncremental:
		return "incremental"
	default:
		return fmt.Sprintf("merge(%d)", int(m))
	}
}

// ParseMergeStrategy accepts "auto", "cumulative" or "incremental".
func ParseMergeStrategy(s string) (MergeStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return MergeAuto, nil
	case "cumulative":
		return MergeCumulative, nil
	case "incremental":
		return MergeIncremental, nil
	default:
		return MergeAuto, fmt.Errorf("unknown merge strategy %q", s)
	}
}

// Merge joins fragment onto buf according to strategy.
func Merge(strategy MergeStrategy, buf, fragment string) string {
	switch strategy {
	case MergeCumulative:
		return fragment
	case MergeIncremental:
		return buf + fragment
	default:
		if strings.HasPrefix(fragment, buf) {
			return fragment
		}
		if !strings.Contains(buf, fragment) {
			return buf + fragment
		}
		return buf
	}
}

// joinUtterance glues user transcription fragments with a single space.
func joinUtterance(prev, fragment string) string {
	if prev == "" {
		return fragment
	}
	if strings.HasSuffix(prev, " ") || strings.HasPrefix(fragment, " ") {
		return prev + fragment
	}
	return prev + " " + fragment
}

const (
	StatusThinking = "Thinking..."
	StatusDone     = "Done"
	StatusWorking  = "Working..."
)

// Turn is one bot speaking turn.
type Turn struct {
	ID            string
	StartedAt     time.Time
	AudioStarted  bool
	AudioBytes    int
	AudioDuration time.Duration
}

// FinishedTurn is what turn_complete hands to persistence.
type FinishedTurn struct {
	TurnID        string
	BotText       string
	UserText      string
	AudioDuration time.Duration
	Itineraries   []protocol.Itinerary
}

// Effects lists the side effects an event asks the owner to perform.
type Effects struct {
	Connected bool
	// BargeIn is set when the user spoke; the owner resets playback if bot
	// audio is still active.
	BargeIn bool
	// Audio is the chunk to hand to playback.
	Audio *protocol.AudioChunk
	// FlushPlayback forces buffered fallback audio out.
	FlushPlayback bool
	// Interrupt hard-stops playback.
	Interrupt bool
	// UserText is a fragment to record as user speech.
	UserText string
	// Finished is set once per turn_complete.
	Finished *FinishedTurn
	// Itinerary is a newly seen itinerary to record. Unparsed ones are
	// recorded but never displayed.
	Itinerary *protocol.Itinerary
	// BotText is set when an assistant text fragment moved the bot text.
	BotText bool
	Error     string
	// Changed reports whether the visible state moved.
	Changed bool
}

// State is a read-only view of the accumulator.
type State struct {
	Connected   bool
	BotText     string
	UserText    string
	ToolStatus  string
	Turn        *Turn
	Itineraries []protocol.Itinerary
	LastError   string
}

type Options struct {
	Strategy MergeStrategy
	// TextChunks feeds text_chunk events into the bot text the way the web
	// client renders them. When false they are ignored in favour of
	// output_transcription.
	TextChunks bool
	// Now and NewID are for tests.
	Now   func() time.Time
	NewID func() string
}

// Accumulator is not safe for concurrent use; the dispatcher's single
// goroutine owns it.
type Accumulator struct {
	opts Options

	connected   bool
	botText     string
	userText    string
	toolStatus  string
	turn        *Turn
	itineraries []protocol.Itinerary
	pending     []protocol.Itinerary
	lastError   string
}

func New(opts Options) *Accumulator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Accumulator{opts: opts}
}

func (a *Accumulator) Strategy() MergeStrategy { return a.opts.Strategy }

// Apply folds ev into the accumulator.
func (a *Accumulator) Apply(ev protocol.Event) Effects {
	switch e := ev.(type) {
	case protocol.Connected, protocol.SetupComplete:
		changed := !a.connected
		a.connected = true
		return Effects{Connected: true, Changed: changed}

	case protocol.OutputTranscription:
		return a.botFragment(e.Text)

	case protocol.TextChunk:
		if !a.opts.TextChunks {
			return Effects{}
		}
		return a.botFragment(e.Text)

	case protocol.InputTranscription:
		if e.Text == "" || e.Text == "null" {
			return Effects{}
		}
		a.userText = joinUtterance(a.userText, e.Text)
		return Effects{BargeIn: true, UserText: e.Text, Changed: true}

	case protocol.AudioChunk:
		if e.AudioData == "" && e.ChunkSize <= 0 {
			return Effects{}
		}
		t := a.openTurn()
		n := chunkBytes(e)
		t.AudioStarted = true
		t.AudioBytes += n
		t.AudioDuration += audio.Duration(n, audio.ParseSampleRate(e.MimeType, audio.PlaybackSampleRate))
		chunk := e
		return Effects{Audio: &chunk}

	case protocol.TurnComplete:
		fx := Effects{FlushPlayback: true, Changed: true}
		if a.botText != "" || len(a.pending) > 0 {
			ft := &FinishedTurn{
				BotText:     a.botText,
				UserText:    a.userText,
				Itineraries: a.pending,
			}
			if a.turn != nil {
				ft.TurnID = a.turn.ID
				ft.AudioDuration = a.turn.AudioDuration
			}
			fx.Finished = ft
		}
		a.botText = ""
		a.userText = ""
		a.toolStatus = ""
		a.turn = nil
		a.pending = nil
		return fx

	case protocol.Interrupted:
		a.botText = ""
		a.userText = ""
		a.toolStatus = ""
		a.turn = nil
		a.pending = nil
		a.itineraries = nil
		return Effects{Interrupt: true, Changed: true}

	case protocol.ToolCallStart:
		a.botText = ""
		return a.setStatus(StatusThinking)

	case protocol.ToolCallComplete:
		return a.setStatus(StatusDone)

	case protocol.ToolStatus:
		return a.setStatus(firstNonEmpty(e.Label, e.Phase, e.Tool, StatusWorking))

	case protocol.ToolSummary:
		return a.setStatus(firstNonEmpty(e.Summary, e.Tool, StatusDone))

	case protocol.Itinerary:
		if len(e.Data) == 0 {
			return Effects{}
		}
		it := e
		if e.Unparsed {
			return Effects{Itinerary: &it}
		}
		a.addItinerary(e)
		return Effects{Itinerary: &it, Changed: true}

	case protocol.Error:
		a.lastError = e.Message
		return Effects{Error: e.Message, Changed: true}
	}
	return Effects{}
}

func (a *Accumulator) botFragment(text string) Effects {
	if text == "" || text == "null" {
		return Effects{}
	}
	a.openTurn()
	a.toolStatus = ""
	merged := Merge(a.opts.Strategy, a.botText, text)
	moved := merged != a.botText
	a.botText = merged
	return Effects{Changed: true, BotText: moved}
}

func (a *Accumulator) openTurn() *Turn {
	if a.turn == nil {
		a.turn = &Turn{ID: a.opts.NewID(), StartedAt: a.opts.Now()}
	}
	return a.turn
}

func (a *Accumulator) setStatus(label string) Effects {
	a.toolStatus = label
	return Effects{Changed: true}
}

// addItinerary keeps the newest first and drops older copies with the same id.
func (a *Accumulator) addItinerary(it protocol.Itinerary) {
	id := it.ID()
	kept := make([]protocol.Itinerary, 0, len(a.itineraries)+1)
	kept = append(kept, it)
	for _, existing := range a.itineraries {
		if id != "" && existing.ID() == id {
			continue
		}
		kept = append(kept, existing)
	}
	a.itineraries = kept
	a.pending = append(a.pending, it)
}

func (a *Accumulator) BotText() string { return a.botText }

func (a *Accumulator) UserText() string { return a.userText }

func (a *Accumulator) ToolStatus() string { return a.toolStatus }

// Snapshot copies the visible state.
func (a *Accumulator) Snapshot() State {
	s := State{
		Connected:   a.connected,
		BotText:     a.botText,
		UserText:    a.userText,
		ToolStatus:  a.toolStatus,
		Itineraries: append([]protocol.Itinerary(nil), a.itineraries...),
		LastError:   a.lastError,
	}
	if a.turn != nil {
		t := *a.turn
		s.Turn = &t
	}
	return s
}

// Disconnected marks the session as down without touching the transcript.
func (a *Accumulator) Disconnected() {
	a.connected = false
}

func chunkBytes(e protocol.AudioChunk) int {
	if e.ChunkSize > 0 {
		return e.ChunkSize
	}
	return base64.StdEncoding.DecodedLen(len(e.AudioData))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
