// Package realtime speaks the OpenAI Realtime wire protocol: it builds the
// outbound client events (session handshake, conversation items, response
// triggers), decodes inbound server events into a tagged [Event], and carries
// both over a WebSocket [Conn].
package realtime

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/google/uuid"
)

// Client event types.
const (
	TypeSessionUpdate      = "session.update"
	TypeConversationCreate = "conversation.item.create"
	TypeResponseCreate     = "response.create"
)

// Modality is an input/output channel negotiated with the server.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityAudio Modality = "audio"
)

// Modalities returns the modality list for a session. Audio sessions always
// include text so transcripts are produced alongside speech.
func Modalities(audioOut bool) []Modality {
	if audioOut {
		return []Modality{ModalityText, ModalityAudio}
	}
	return []Modality{ModalityText}
}

// HasAudio reports whether m includes [ModalityAudio].
func HasAudio(m []Modality) bool {
	for _, v := range m {
		if v == ModalityAudio {
			return true
		}
	}
	return false
}

// Envelope is an immutable outbound client event. EventID is generated per
// envelope and is used only for correlation in logs.
type Envelope struct {
	EventID string
	Type    string

	msg any
}

// MarshalJSON encodes the wire form of the event.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.msg)
}

// NewEventID returns a fresh client event ID of the form "event_<32 hex>".
func NewEventID() string {
	id := uuid.New()
	return "event_" + hex.EncodeToString(id[:])
}

// NewItemID returns a fresh conversation item ID of the form "msg_<28 hex>".
func NewItemID() string {
	id := uuid.New()
	return "msg_" + hex.EncodeToString(id[:])[:28]
}

// ── Conversation items ─────────────────────────────────────────────────────────

type itemCreateMessage struct {
	EventID        string  `json:"event_id"`
	Type           string  `json:"type"`
	PreviousItemID *string `json:"previous_item_id"`
	Item           item    `json:"item"`
}

type item struct {
	ID      string        `json:"id,omitempty"`
	Type    string        `json:"type"`
	Status  string        `json:"status,omitempty"`
	Role    string        `json:"role"`
	Content []itemContent `json:"content"`
}

type itemContent struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Audio string `json:"audio,omitempty"`
}

// TextItem builds a completed user message carrying text.
func TextItem(text string) Envelope {
	id := NewEventID()
	return Envelope{
		EventID: id,
		Type:    TypeConversationCreate,
		msg: itemCreateMessage{
			EventID: id,
			Type:    TypeConversationCreate,
			Item: item{
				ID:      NewItemID(),
				Type:    "message",
				Status:  "completed",
				Role:    "user",
				Content: []itemContent{{Type: "input_text", Text: text}},
			},
		},
	}
}

// AudioItem builds a user message carrying one utterance of mono PCM16 at
// the session rate. The payload is base64 encoded.
func AudioItem(pcm []byte) Envelope {
	id := NewEventID()
	return Envelope{
		EventID: id,
		Type:    TypeConversationCreate,
		msg: itemCreateMessage{
			EventID: id,
			Type:    TypeConversationCreate,
			Item: item{
				Type: "message",
				Role: "user",
				Content: []itemContent{{
					Type:  "input_audio",
					Audio: base64.StdEncoding.EncodeToString(pcm),
				}},
			},
		},
	}
}

// ── Response trigger ───────────────────────────────────────────────────────────

// ResponseOptions parameterise a response.create trigger.
type ResponseOptions struct {
	Modalities      []Modality
	Instructions    string
	Temperature     float64
	MaxOutputTokens int

	// Voice and OutputAudioFormat are sent only when Modalities includes audio.
	Voice             string
	OutputAudioFormat audio.Encoding
}

type responseCreateMessage struct {
	EventID  string         `json:"event_id"`
	Type     string         `json:"type"`
	Response responseParams `json:"response"`
}

type responseParams struct {
	Modalities        []Modality `json:"modalities"`
	Instructions      string     `json:"instructions,omitempty"`
	Temperature       float64    `json:"temperature,omitempty"`
	MaxOutputTokens   int        `json:"max_output_tokens,omitempty"`
	Voice             string     `json:"voice,omitempty"`
	OutputAudioFormat string     `json:"output_audio_format,omitempty"`
}

// ResponseCreate builds the turn trigger that asks the server to respond to
// the conversation so far.
func ResponseCreate(opts ResponseOptions) Envelope {
	params := responseParams{
		Modalities:      opts.Modalities,
		Instructions:    opts.Instructions,
		Temperature:     opts.Temperature,
		MaxOutputTokens: opts.MaxOutputTokens,
	}
	if len(params.Modalities) == 0 {
		params.Modalities = Modalities(false)
	}
	if HasAudio(params.Modalities) {
		params.Voice = opts.Voice
		params.OutputAudioFormat = string(defaultEncoding(opts.OutputAudioFormat))
	}

	id := NewEventID()
	return Envelope{
		EventID: id,
		Type:    TypeResponseCreate,
		msg:     responseCreateMessage{EventID: id, Type: TypeResponseCreate, Response: params},
	}
}

func defaultEncoding(e audio.Encoding) audio.Encoding {
	if e == "" {
		return audio.EncodingPCM16
	}
	return e
}
