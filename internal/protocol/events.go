package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"
)

// EventType identifies inbound server events.
type EventType string

const (
	EventConnected           EventType = "connected"
	EventSetupComplete       EventType = "setup_complete"
	EventTextChunk           EventType = "text_chunk"
	EventAudioChunk          EventType = "audio_chunk"
	EventInputTranscription  EventType = "input_transcription"
	EventOutputTranscription EventType = "output_transcription"
	EventTurnComplete        EventType = "turn_complete"
	EventInterrupted         EventType = "interrupted"
	EventToolCallStart       EventType = "tool_call_start"
	EventToolCallComplete    EventType = "tool_call_complete"
	EventToolStatus          EventType = "tool_status"
	EventToolSummary         EventType = "tool_summary"
	EventItinerary           EventType = "itinerary"
	EventError               EventType = "error"
	EventPong                EventType = "pong"
	EventUnknown             EventType = "unknown"
)

// Event is one decoded inbound frame. The set of implementations is closed.
type Event interface {
	Kind() EventType
	event()
}

type Envelope struct {
	Type EventType `json:"type"`
}

type Connected struct{}

type SetupComplete struct{}

type TextChunk struct {
	Text string `json:"text,omitempty"`
}

type AudioChunk struct {
	AudioData   string `json:"audio_data,omitempty"`
	ChunkNumber int    `json:"chunk_number,omitempty"`
	ChunkSize   int    `json:"chunk_size,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
}

type InputTranscription struct {
	Text string `json:"text,omitempty"`
}

type OutputTranscription struct {
	Text string `json:"text,omitempty"`
}

type TurnComplete struct{}

type Interrupted struct{}

type ToolCallStart struct{}

type ToolCallComplete struct{}

type ToolStatus struct {
	Tool       string `json:"tool,omitempty"`
	Phase      string `json:"phase,omitempty"`
	Label      string `json:"label,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

type ToolSummary struct {
	Tool       string `json:"tool,omitempty"`
	Summary    string `json:"summary,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// Itinerary carries structured trip data. Data holds decoded JSON when the
// server sent it as an embedded string; Unparsed is set when that failed and
// Data is the original JSON string.
type Itinerary struct {
	Data     json.RawMessage `json:"data,omitempty"`
	Unparsed bool            `json:"-"`
}

type Error struct {
	Message string `json:"error,omitempty"`
}

type Pong struct{}

// Unknown wraps any frame that did not decode to a known event.
type Unknown struct {
	Raw []byte `json:"-"`
}

func (Connected) Kind() EventType           { return EventConnected }
func (SetupComplete) Kind() EventType       { return EventSetupComplete }
func (TextChunk) Kind() EventType           { return EventTextChunk }
func (AudioChunk) Kind() EventType          { return EventAudioChunk }
func (InputTranscription) Kind() EventType  { return EventInputTranscription }
func (OutputTranscription) Kind() EventType { return EventOutputTranscription }
func (TurnComplete) Kind() EventType        { return EventTurnComplete }
func (Interrupted) Kind() EventType         { return EventInterrupted }
func (ToolCallStart) Kind() EventType       { return EventToolCallStart }
func (ToolCallComplete) Kind() EventType    { return EventToolCallComplete }
func (ToolStatus) Kind() EventType          { return EventToolStatus }
func (ToolSummary) Kind() EventType         { return EventToolSummary }
func (Itinerary) Kind() EventType           { return EventItinerary }
func (Error) Kind() EventType               { return EventError }
func (Pong) Kind() EventType                { return EventPong }
func (Unknown) Kind() EventType             { return EventUnknown }

func (Connected) event()           {}
func (SetupComplete) event()       {}
func (TextChunk) event()           {}
func (AudioChunk) event()          {}
func (InputTranscription) event()  {}
func (OutputTranscription) event() {}
func (TurnComplete) event()        {}
func (Interrupted) event()         {}
func (ToolCallStart) event()       {}
func (ToolCallComplete) event()    {}
func (ToolStatus) event()          {}
func (ToolSummary) event()         {}
func (Itinerary) event()           {}
func (Error) event()               {}
func (Pong) event()                {}
func (Unknown) event()             {}

// ID returns the itinerary's "id" field when Data is an object carrying one.
func (it Itinerary) ID() string {
	if it.Unparsed || len(it.Data) == 0 {
		return ""
	}
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(it.Data, &probe); err != nil || len(probe.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(probe.ID, &s); err == nil {
		return s
	}
	return string(probe.ID)
}

// Raw returns the itinerary as the server sent it: the JSON document, or the
// original string when it could not be parsed.
func (it Itinerary) Raw() string {
	if it.Unparsed {
		var s string
		if err := json.Unmarshal(it.Data, &s); err == nil {
			return s
		}
	}
	return string(it.Data)
}

// ParseServerEvent decodes a text frame. It never fails: anything that does
// not decode to a known variant comes back as Unknown with the raw bytes.
func ParseServerEvent(raw []byte) Event {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return unknown(raw)
	}

	switch env.Type {
	case EventConnected:
		return Connected{}
	case EventSetupComplete:
		return SetupComplete{}
	case EventTurnComplete:
		return TurnComplete{}
	case EventInterrupted:
		return Interrupted{}
	case EventToolCallStart:
		return ToolCallStart{}
	case EventToolCallComplete:
		return ToolCallComplete{}
	case EventPong:
		return Pong{}
	case EventTextChunk:
		return decodeInto[TextChunk](raw)
	case EventAudioChunk:
		return decodeInto[AudioChunk](raw)
	case EventInputTranscription:
		return decodeInto[InputTranscription](raw)
	case EventOutputTranscription:
		return decodeInto[OutputTranscription](raw)
	case EventToolStatus:
		return decodeInto[ToolStatus](raw)
	case EventToolSummary:
		return decodeInto[ToolSummary](raw)
	case EventError:
		return decodeInto[Error](raw)
	case EventItinerary:
		return parseItinerary(raw)
	default:
		return unknown(raw)
	}
}

// AudioFrameEvent wraps a binary audio frame as an audio chunk.
func AudioFrameEvent(pcm []byte) Event {
	return AudioChunk{
		AudioData: base64.StdEncoding.EncodeToString(pcm),
		ChunkSize: len(pcm),
	}
}

// EncodeEvent renders an event in its wire form. Unknown events are returned
// verbatim.
func EncodeEvent(ev Event) ([]byte, error) {
	if u, ok := ev.(Unknown); ok {
		return u.Raw, nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	head, err := json.Marshal(Envelope{Type: ev.Kind()})
	if err != nil {
		return nil, err
	}
	body = bytes.TrimSpace(body)
	if len(body) <= 2 {
		return head, nil
	}
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

func decodeInto[T Event](raw []byte) Event {
	var ev T
	if err := json.Unmarshal(raw, &ev); err != nil {
		return unknown(raw)
	}
	return ev
}

func parseItinerary(raw []byte) Event {
	var it Itinerary
	if err := json.Unmarshal(raw, &it); err != nil {
		return unknown(raw)
	}
	data := bytes.TrimSpace(it.Data)
	if len(data) == 0 || data[0] != '"' {
		return it
	}
	var embedded string
	if err := json.Unmarshal(data, &embedded); err != nil {
		it.Unparsed = true
		return it
	}
	inner := []byte(strings.TrimSpace(embedded))
	if !json.Valid(inner) {
		it.Unparsed = true
		return it
	}
	it.Data = inner
	return it
}

func unknown(raw []byte) Event {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return Unknown{Raw: cp}
}
