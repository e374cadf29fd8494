package protocol

import (
	"time"

	"github.com/MrWong99/parley/internal/realtime"
)

// Listener receives everything the user should see. Calls come mostly from
// the receive loop, but implementations must be safe for concurrent use and
// must not block for long.
type Listener interface {
	// SessionStarted is called once the session handshake was sent.
	SessionStarted(modalities []realtime.Modality)

	// TranscriptDelta is called for every streamed fragment of the reply
	// when streaming display is enabled.
	TranscriptDelta(turn int, delta string)

	// Transcript is called with the final text of one reply item.
	Transcript(turn int, text string)

	// TurnComplete is called after a successful turn once playback has
	// drained.
	TurnComplete(turn int)

	// Retry is called before waiting to re-prompt after a failed turn.
	Retry(attempt, maxRetries int, delay time.Duration, reason string)

	// Notice reports a non-fatal server error or local problem.
	Notice(msg string)

	// SessionTerminated is called once when the conversation ends
	// abnormally: turns kept failing, the connection was lost for good, or
	// input could not be read. It is not called on interrupt or normal end.
	SessionTerminated(reason string)
}

// NopListener ignores every notification.
type NopListener struct{}

var _ Listener = NopListener{}

func (NopListener) SessionStarted([]realtime.Modality)    {}
func (NopListener) TranscriptDelta(int, string)           {}
func (NopListener) Transcript(int, string)                {}
func (NopListener) TurnComplete(int)                      {}
func (NopListener) Retry(int, int, time.Duration, string) {}
func (NopListener) Notice(string)                         {}
func (NopListener) SessionTerminated(string)              {}
