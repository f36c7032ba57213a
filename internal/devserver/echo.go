package devserver

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"math"
	"strings"

	"github.com/ent0n29/sarathi/internal/protocol"
)

// Responder produces the assistant side of a conversation.
type Responder interface {
	Respond(ctx context.Context, msg protocol.Message, emit func(protocol.Event))
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, msg protocol.Message, emit func(protocol.Event))

func (f ResponderFunc) Respond(ctx context.Context, msg protocol.Message, emit func(protocol.Event)) {
	f(ctx, msg, emit)
}

const (
	echoSampleRate = 24000
	echoToneHz     = 440
	echoChunkMS    = 100
	echoChunks     = 2
)

// Echo answers every text turn with a cumulative transcription of
// "You said: <text>", a short tone and turn_complete. A text of
// "/itinerary" runs a scripted tool call instead.
type Echo struct{}

func (Echo) Respond(_ context.Context, msg protocol.Message, emit func(protocol.Event)) {
	switch m := msg.(type) {
	case protocol.TicketInit:
		emit(protocol.SetupComplete{})
	case protocol.Text:
		text := strings.TrimSpace(m.Text)
		if text == "" {
			return
		}
		if text == "/itinerary" {
			emitItinerary(emit)
			return
		}
		reply := "You said: " + text
		for _, part := range cumulativeParts(reply) {
			emit(protocol.OutputTranscription{Text: part})
		}
		for i, chunk := range toneChunks() {
			emit(protocol.AudioChunk{
				AudioData:   base64.StdEncoding.EncodeToString(chunk),
				ChunkNumber: i + 1,
				ChunkSize:   len(chunk),
				MimeType:    "audio/pcm;rate=24000",
			})
		}
		emit(protocol.TurnComplete{})
	}
}

func emitItinerary(emit func(protocol.Event)) {
	plan, _ := json.Marshal(map[string]any{
		"id":    "trip-demo",
		"title": "Two days in Mysuru",
		"days":  2,
	})
	data, _ := json.Marshal(string(plan))

	emit(protocol.ToolCallStart{})
	emit(protocol.ToolStatus{Tool: "planner", Phase: "running", Label: "Planning your trip"})
	emit(protocol.ToolSummary{Tool: "planner", Summary: "Found 1 itinerary", DurationMS: 42})
	emit(protocol.ToolCallComplete{})
	emit(protocol.Itinerary{Data: data})
	emit(protocol.OutputTranscription{Text: "Here is your plan."})
	emit(protocol.TurnComplete{})
}

// cumulativeParts splits reply into growing prefixes the way live
// transcription refines a sentence.
func cumulativeParts(reply string) []string {
	words := strings.Fields(reply)
	if len(words) < 2 {
		return []string{reply}
	}
	half := strings.Join(words[:len(words)/2], " ")
	return []string{half, reply}
}

func toneChunks() [][]byte {
	samples := echoSampleRate * echoChunkMS / 1000
	out := make([][]byte, 0, echoChunks)
	n := 0
	for c := 0; c < echoChunks; c++ {
		chunk := make([]byte, samples*2)
		for i := 0; i < samples; i++ {
			v := math.Sin(2 * math.Pi * echoToneHz * float64(n) / echoSampleRate)
			binary.LittleEndian.PutUint16(chunk[i*2:], uint16(int16(v*8000)))
			n++
		}
		out = append(out, chunk)
	}
	return out
}
