package realtime

import "github.com/MrWong99/parley/pkg/audio"

// SessionOptions configure the session.update handshake sent once per
// connection before the first turn.
type SessionOptions struct {
	Modalities   []Modality
	Instructions string
	Temperature  float64

	// Voice and the audio formats are negotiated only for audio sessions.
	Voice             string
	InputAudioFormat  audio.Encoding
	OutputAudioFormat audio.Encoding
}

type sessionUpdateMessage struct {
	EventID string        `json:"event_id"`
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	TurnDetection     turnDetection `json:"turn_detection"`
	Instructions      string        `json:"instructions,omitempty"`
	Modalities        []Modality    `json:"modalities"`
	Temperature       float64       `json:"temperature,omitempty"`
	InputAudioFormat  string        `json:"input_audio_format,omitempty"`
	OutputAudioFormat string        `json:"output_audio_format,omitempty"`
	Voice             string        `json:"voice,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

// SessionUpdate builds the session.update handshake. Server-side voice
// activity detection is always requested.
func SessionUpdate(opts SessionOptions) Envelope {
	params := sessionParams{
		TurnDetection: turnDetection{Type: "server_vad"},
		Instructions:  opts.Instructions,
		Modalities:    opts.Modalities,
		Temperature:   opts.Temperature,
	}
	if len(params.Modalities) == 0 {
		params.Modalities = Modalities(false)
	}
	if HasAudio(params.Modalities) {
		params.InputAudioFormat = string(audio.EncodingPCM16)
		if opts.InputAudioFormat != "" {
			params.InputAudioFormat = string(opts.InputAudioFormat)
		}
		params.OutputAudioFormat = string(defaultEncoding(opts.OutputAudioFormat))
		params.Voice = opts.Voice
	}

	id := NewEventID()
	return Envelope{
		EventID: id,
		Type:    TypeSessionUpdate,
		msg:     sessionUpdateMessage{EventID: id, Type: TypeSessionUpdate, Session: params},
	}
}
