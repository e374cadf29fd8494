package audio

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/zaf/g711"
)

// Encoding names an inbound audio wire format as negotiated in the session
// handshake.
type Encoding string

const (
	EncodingPCM16    Encoding = "pcm16"
	EncodingG711ULaw Encoding = "g711_ulaw"
	EncodingG711ALaw Encoding = "g711_alaw"
)

// IsValid reports whether e is a recognised encoding.
func (e Encoding) IsValid() bool {
	switch e {
	case EncodingPCM16, EncodingG711ULaw, EncodingG711ALaw:
		return true
	}
	return false
}

// ErrEmptyPayload is returned by [Decoder.Decode] when the payload carries no
// audio after decoding.
var ErrEmptyPayload = errors.New("audio: empty payload")

// Decoder turns base64 audio payloads into linear PCM16.
type Decoder struct {
	Encoding Encoding
}

// NewDecoder returns a Decoder for enc. An empty encoding means PCM16.
func NewDecoder(enc Encoding) (*Decoder, error) {
	if enc == "" {
		enc = EncodingPCM16
	}
	if !enc.IsValid() {
		return nil, fmt.Errorf("audio: unsupported encoding %q", enc)
	}
	return &Decoder{Encoding: enc}, nil
}

// Decode base64-decodes payload and converts it to PCM16. PCM16 payloads
// with a trailing odd byte are truncated to whole samples.
func (d *Decoder) Decode(payload string) ([]byte, error) {
	if payload == "" {
		return nil, ErrEmptyPayload
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("audio: base64: %w", err)
	}

	var pcm []byte
	switch d.Encoding {
	case EncodingG711ULaw:
		pcm = g711.DecodeUlaw(raw)
	case EncodingG711ALaw:
		pcm = g711.DecodeAlaw(raw)
	default:
		pcm = raw[:len(raw)-len(raw)%BytesPerSample]
	}
	if len(pcm) == 0 {
		return nil, ErrEmptyPayload
	}
	return pcm, nil
}
