package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
)

// MessageType identifies outbound payload variants.
type MessageType string

const (
	TypeText       MessageType = "text"
	TypeAudio      MessageType = "audio"
	TypeImage      MessageType = "image"
	TypePing       MessageType = "ping"
	TypeDisconnect MessageType = "disconnect"
	TypeTicketInit MessageType = "ticket_init"
)

// Handshake headers carried on the WebSocket upgrade.
const (
	HeaderAPIKey        = "x-api-key"
	HeaderAuthorization = "Authorization"
	HeaderModality      = "x-response-modality"
)

// Modality is a response modality the backend is asked to produce.
type Modality string

const (
	ModalityAudio Modality = "AUDIO"
	ModalityText  Modality = "TEXT"
)

var ErrInvalidMessage = errors.New("invalid outbound message")

// ModalityHeader renders the modality list as sent in the handshake.
func ModalityHeader(modalities []Modality) string {
	if len(modalities) == 0 {
		modalities = []Modality{ModalityAudio, ModalityText}
	}
	parts := make([]string, 0, len(modalities))
	for _, m := range modalities {
		parts = append(parts, string(m))
	}
	return strings.Join(parts, ",")
}

// TextOnly reports whether the session asked for text responses only.
func TextOnly(modalities []Modality) bool {
	if len(modalities) == 0 {
		return false
	}
	for _, m := range modalities {
		if m != ModalityText {
			return false
		}
	}
	return true
}

// Message is any payload the client may send.
type Message interface {
	MessageType() MessageType
}

type Text struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type Audio struct {
	Type      MessageType `json:"type"`
	AudioData string      `json:"audio_data"`
}

type Image struct {
	Type        MessageType `json:"type"`
	ImageData   string      `json:"image_data"`
	ContentType string      `json:"content_type"`
}

type Ping struct {
	Type MessageType `json:"type"`
}

type Disconnect struct {
	Type MessageType `json:"type"`
}

// TicketInit is the one-time session metadata sent right after open.
type TicketInit struct {
	Type        MessageType `json:"type"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Category    string      `json:"category,omitempty"`
	LocationLat *float64    `json:"location_lat,omitempty"`
	LocationLng *float64    `json:"location_lng,omitempty"`
}

func (Text) MessageType() MessageType       { return TypeText }
func (Audio) MessageType() MessageType      { return TypeAudio }
func (Image) MessageType() MessageType      { return TypeImage }
func (Ping) MessageType() MessageType       { return TypePing }
func (Disconnect) MessageType() MessageType { return TypeDisconnect }
func (TicketInit) MessageType() MessageType { return TypeTicketInit }

func NewText(text string) Text { return Text{Type: TypeText, Text: text} }

func NewAudio(b64 string) Audio { return Audio{Type: TypeAudio, AudioData: b64} }

func NewImage(b64, contentType string) Image {
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return Image{Type: TypeImage, ImageData: b64, ContentType: contentType}
}

func NewPing() Ping { return Ping{Type: TypePing} }

func NewDisconnect() Disconnect { return Disconnect{Type: TypeDisconnect} }

// TicketCategories are the categories picked from when none is configured.
var TicketCategories = []string{"Enquiry", "Grievance", "Support"}

// TicketOptions holds the optional ticket fields a session is opened with.
type TicketOptions struct {
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Category    string   `yaml:"category"`
	LocationLat *float64 `yaml:"location_lat"`
	LocationLng *float64 `yaml:"location_lng"`
}

// NewTicketInit fills the title and category defaults the backend expects.
func NewTicketInit(opts TicketOptions) TicketInit {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		title = fmt.Sprintf("Ticket #%06d", rand.IntN(1_000_000))
	}
	category := strings.TrimSpace(opts.Category)
	if category == "" {
		category = TicketCategories[rand.IntN(len(TicketCategories))]
	}
	return TicketInit{
		Type:        TypeTicketInit,
		Title:       title,
		Description: strings.TrimSpace(opts.Description),
		Category:    category,
		LocationLat: opts.LocationLat,
		LocationLng: opts.LocationLng,
	}
}

// Marshal validates and encodes an outbound message, stamping its type.
func Marshal(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case Text:
		m.Type = TypeText
		return json.Marshal(m)
	case Audio:
		if m.AudioData == "" {
			return nil, fmt.Errorf("%w: empty audio_data", ErrInvalidMessage)
		}
		m.Type = TypeAudio
		return json.Marshal(m)
	case Image:
		if m.ImageData == "" {
			return nil, fmt.Errorf("%w: empty image_data", ErrInvalidMessage)
		}
		m.Type = TypeImage
		return json.Marshal(m)
	case Ping:
		m.Type = TypePing
		return json.Marshal(m)
	case Disconnect:
		m.Type = TypeDisconnect
		return json.Marshal(m)
	case TicketInit:
		if m.Title == "" {
			return nil, fmt.Errorf("%w: empty ticket title", ErrInvalidMessage)
		}
		m.Type = TypeTicketInit
		return json.Marshal(m)
	case nil:
		return nil, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	default:
		return json.Marshal(msg)
	}
}

var ErrUnsupportedType = errors.New("unsupported message type")

type outboundEnvelope struct {
	Type MessageType `json:"type"`
}

// ParseClientMessage decodes a client frame as seen by a backend.
func ParseClientMessage(raw []byte) (Message, error) {
	var env outboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeText:
		var msg Text
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeAudio:
		var msg Audio
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.AudioData == "" {
			return nil, errors.New("invalid audio: empty audio_data")
		}
		return msg, nil
	case TypeImage:
		var msg Image
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ImageData == "" {
			return nil, errors.New("invalid image: empty image_data")
		}
		return msg, nil
	case TypeTicketInit:
		var msg TicketInit
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypePing:
		return NewPing(), nil
	case TypeDisconnect:
		return NewDisconnect(), nil
	default:
		return nil, ErrUnsupportedType
	}
}
