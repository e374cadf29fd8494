package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an inbound server event.
type Kind int

const (
	KindUnknown Kind = iota
	KindIgnored
	KindTextDelta
	KindTextDone
	KindAudioTranscriptDelta
	KindAudioTranscriptDone
	KindAudioDelta
	KindOutputItemDone
	KindTurnDone
	KindError
)

var kindNames = [...]string{
	KindUnknown:              "unknown",
	KindIgnored:              "ignored",
	KindTextDelta:            "text_delta",
	KindTextDone:             "text_done",
	KindAudioTranscriptDelta: "audio_transcript_delta",
	KindAudioTranscriptDone:  "audio_transcript_done",
	KindAudioDelta:           "audio_delta",
	KindOutputItemDone:       "output_item_done",
	KindTurnDone:             "turn_done",
	KindError:                "error",
}

// String returns a stable label suitable for logs and metric attributes.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// TurnStatus is the terminal status of one assistant response.
type TurnStatus string

const (
	StatusCompleted  TurnStatus = "completed"
	StatusIncomplete TurnStatus = "incomplete"
	StatusFailed     TurnStatus = "failed"
	StatusCancelled  TurnStatus = "cancelled"
)

// Succeeded reports whether the turn produced a usable reply. An incomplete
// response (for example truncated by max_output_tokens) still counts.
func (s TurnStatus) Succeeded() bool {
	return s == StatusCompleted || s == StatusIncomplete
}

// Event is a decoded server event. Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind

	// Type is the wire event type, kept for logging.
	Type       string
	EventID    string
	ResponseID string

	// Delta holds the text fragment of a text or transcript delta, or the
	// base64 audio payload of an audio delta.
	Delta string

	// Text is the final text of a done event, or the joined transcript of an
	// output item. Empty when the server sent none.
	Text string

	// Status is set for KindTurnDone.
	Status TurnStatus

	// ErrorType, ErrorCode and ErrorMessage describe an error event or the
	// failure detail of an unsuccessful turn.
	ErrorType    string
	ErrorCode    string
	ErrorMessage string
}

// ErrMalformed wraps payloads that are not a JSON object with a type.
var ErrMalformed = errors.New("realtime: malformed event")

// ignoredTypes are bookkeeping events that require no action.
var ignoredTypes = map[string]struct{}{
	"session.created":                                       {},
	"session.updated":                                       {},
	"response.created":                                      {},
	"rate_limits.updated":                                   {},
	"response.output_item.added":                            {},
	"conversation.item.created":                             {},
	"response.content_part.added":                           {},
	"response.content_part.done":                            {},
	"response.audio.done":                                   {},
	"input_audio_buffer.speech_started":                     {},
	"input_audio_buffer.speech_stopped":                     {},
	"input_audio_buffer.committed":                          {},
	"conversation.item.input_audio_transcription.completed": {},
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`

	Delta      string `json:"delta"`
	Text       string `json:"text"`
	Transcript string `json:"transcript"`

	ResponseID string `json:"response_id"`

	Item *struct {
		Content []struct {
			Type       string `json:"type"`
			Text       string `json:"text"`
			Transcript string `json:"transcript"`
		} `json:"content"`
	} `json:"item"`

	Response *struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		StatusDetails *struct {
			Type   string       `json:"type"`
			Reason string       `json:"reason"`
			Error  *serverError `json:"error"`
		} `json:"status_details"`
	} `json:"response"`

	Error *serverError `json:"error"`
}

// ParseEvent decodes one server message. Well-formed messages of an
// unrecognised type yield KindUnknown with a nil error.
func ParseEvent(data []byte) (Event, error) {
	var raw serverEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if raw.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	evt := Event{Type: raw.Type, EventID: raw.EventID, ResponseID: raw.ResponseID}

	switch raw.Type {
	case "response.text.delta":
		evt.Kind = KindTextDelta
		evt.Delta = raw.Delta

	case "response.text.done":
		evt.Kind = KindTextDone
		evt.Text = raw.Text

	case "response.audio_transcript.delta":
		evt.Kind = KindAudioTranscriptDelta
		evt.Delta = raw.Delta
		if evt.Delta == "" {
			evt.Delta = raw.Transcript
		}

	case "response.audio_transcript.done":
		evt.Kind = KindAudioTranscriptDone
		evt.Text = raw.Transcript

	case "response.audio.delta":
		evt.Kind = KindAudioDelta
		evt.Delta = raw.Delta

	case "response.output_item.done":
		evt.Kind = KindOutputItemDone
		evt.Text = itemTranscript(raw)

	case "response.done":
		evt.Kind = KindTurnDone
		if raw.Response != nil {
			evt.ResponseID = raw.Response.ID
			evt.Status = TurnStatus(raw.Response.Status)
			if d := raw.Response.StatusDetails; d != nil {
				if d.Error != nil {
					evt.ErrorType, evt.ErrorCode, evt.ErrorMessage = d.Error.Type, d.Error.Code, d.Error.Message
				} else if d.Reason != "" {
					evt.ErrorType, evt.ErrorMessage = d.Type, d.Reason
				}
			}
		}
		if evt.Status == "" {
			evt.Status = StatusFailed
		}

	case "error":
		evt.Kind = KindError
		if raw.Error != nil {
			evt.ErrorType, evt.ErrorCode, evt.ErrorMessage = raw.Error.Type, raw.Error.Code, raw.Error.Message
		}
		if evt.ErrorMessage == "" {
			evt.ErrorMessage = "unknown error"
		}

	default:
		if _, ok := ignoredTypes[raw.Type]; ok {
			evt.Kind = KindIgnored
		} else {
			evt.Kind = KindUnknown
		}
	}
	return evt, nil
}

// itemTranscript joins the transcripts of the audio parts of an output item,
// falling back to its text parts.
func itemTranscript(raw serverEvent) string {
	if raw.Item == nil {
		return ""
	}
	var audioParts, textParts strings.Builder
	for _, c := range raw.Item.Content {
		switch c.Type {
		case "audio":
			audioParts.WriteString(c.Transcript)
		case "text":
			textParts.WriteString(c.Text)
		}
	}
	if audioParts.Len() > 0 {
		return audioParts.String()
	}
	return textParts.String()
}
