// Package session defines the event model exchanged with the remote
// conversational agent and the pure reducer that folds those events into an
// immutable chat history.
//
// Events arrive fragmented: assistant text streams token by token, audio
// chunks carry "still speaking" placeholders, transcriptions and hints are
// interleaved at arbitrary points. The reducer merges this churn into one
// entry per logical utterance so consumers never see raw fragmentation.
package session

import "github.com/tandemvox/tandem/pkg/audio"

// Role identifies the party an event or message belongs to.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// EventType discriminates the variants of [Event].
type EventType string

const (
	EventInitialize    EventType = "initialize"
	EventText          EventType = "text"
	EventAudio         EventType = "audio"
	EventTranscription EventType = "transcription"
	EventTranslation   EventType = "translation"
	EventHint          EventType = "hint"
	EventError         EventType = "error"
)

// Text streaming modes. The default (empty or [ModeAppend]) concatenates a
// delta onto the previous assistant entry; [ModeReplace] overwrites it,
// which agents use to issue corrections mid-stream.
const (
	ModeAppend  = "append"
	ModeReplace = "replace"
)

// DictionaryEntry is one term→gloss record attached to a transcription or
// translation event.
type DictionaryEntry struct {
	SourceText     string `json:"source_text"`
	TranslatedText string `json:"translated_text"`
	Notes          string `json:"notes,omitempty"`
}

// Hint is one suggested response option attached to a hint event.
type Hint struct {
	SourceText     string `json:"source_text"`
	TranslatedText string `json:"translated_text"`
}

// Event is the tagged union exchanged over the session transport, JSON-framed.
// Type and Role are the required discriminants; the remaining fields are
// variant-specific payloads.
type Event struct {
	Type EventType `json:"type"`
	Role Role      `json:"role"`

	// Text carries the payload for initialize, text, and error events.
	Text string `json:"text,omitempty"`

	// Mode selects append or replace semantics for streamed assistant text.
	Mode string `json:"mode,omitempty"`

	// Audio is base64-encoded audio data; MIMEType selects the decode
	// strategy. Set on audio events only.
	Audio    string `json:"audio,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`

	// EndOfTurn marks completion of one party's streamed contribution.
	EndOfTurn bool `json:"end_of_turn,omitempty"`

	// Transcription / translation payloads.
	SourceText     string                     `json:"source_text,omitempty"`
	TranslatedText string                     `json:"translated_text,omitempty"`
	Chunked        []string                   `json:"chunked,omitempty"`
	Dictionary     map[string]DictionaryEntry `json:"dictionary,omitempty"`

	// Hints is the suggestion list for hint events.
	Hints []Hint `json:"hints,omitempty"`
}

// Valid reports whether the event carries both required discriminant fields.
// The transport drops invalid frames before they reach the reducer.
func (e Event) Valid() bool {
	return e.Type != "" && e.Role != ""
}

// AudioPayload returns the event's audio data as a wire codec payload.
func (e Event) AudioPayload() audio.Payload {
	return audio.Payload{Data: e.Audio, MIMEType: e.MIMEType}
}
