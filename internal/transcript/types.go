package transcript

import (
	"context"
	"time"
)

// EntryType tags one conversation log entry.
type EntryType string

const (
	EntryUserText   EntryType = "user_text"
	EntryBotText    EntryType = "bot_text"
	EntryUserAudio  EntryType = "user_audio"
	EntryBotAudio   EntryType = "bot_audio"
	EntryImageFrame EntryType = "image_frame"
	EntryFile       EntryType = "file"
	EntryItinerary  EntryType = "itinerary"
)

// Entry is one item of the conversation log. Timestamp is Unix milliseconds,
// which is the shape the upload endpoint expects.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp int64     `json:"timestamp"`
	Type      EntryType `json:"type"`
	Text      string    `json:"text,omitempty"`
	Data      string    `json:"data,omitempty"`
	Filename  string    `json:"filename,omitempty"`
}

func (e Entry) Time() time.Time { return time.UnixMilli(e.Timestamp).UTC() }

// Store persists conversation log entries in append order.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	Entries(ctx context.Context) ([]Entry, error)
	Clear(ctx context.Context) error
	Close() error
}

// Recorder receives transcript material from the voice and camera flows.
type Recorder interface {
	AppendUserText(text string)
	AppendBotText(text string)
	AppendUserAudioChunk(b64 string)
	FlushUserAudioTurn()
	AppendBotAudioChunk(b64 string)
	FlushBotAudioTurn()
	AppendImageFrame(dataURL string)
	AppendItinerary(data string)
	Upload(ctx context.Context, authToken string) error
}
