package session

import "github.com/tandemvox/tandem/pkg/gloss"

// Message is one merged entry in the chat history — a logical utterance or
// annotation, as opposed to the raw wire events it was folded from.
type Message struct {
	Type EventType `json:"type"`
	Role Role      `json:"role"`

	// Text is the accumulated text for initialize, text, and error entries.
	Text string `json:"text,omitempty"`

	// Audio holds the most recent audio payload for audio entries.
	Audio    string `json:"audio,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`

	// EndOfTurn marks the entry as complete for UI purposes (e.g. switching
	// a microphone indicator to a playback control).
	EndOfTurn bool `json:"end_of_turn,omitempty"`

	// Transcription / translation payloads.
	SourceText     string                     `json:"source_text,omitempty"`
	TranslatedText string                     `json:"translated_text,omitempty"`
	Chunked        []string                   `json:"chunked,omitempty"`
	Dictionary     map[string]DictionaryEntry `json:"dictionary,omitempty"`

	// Glosses maps each chunk index to the dictionary term it resolved to.
	// Chunks with no dictionary hit are absent.
	Glosses map[int]string `json:"glosses,omitempty"`

	// Hints is the suggestion list for hint entries.
	Hints []Hint `json:"hints,omitempty"`
}

// History is the ordered log of merged messages for one practice session.
// Values are treated as immutable: [Reduce] never mutates its input, so a
// History handed to a consumer stays valid while new events are folded, and
// any prefix of a past history can be replayed or scrubbed safely.
type History []Message

// Last returns the most recent message, or false when the history is empty.
func (h History) Last() (Message, bool) {
	if len(h) == 0 {
		return Message{}, false
	}
	return h[len(h)-1], true
}

// Reduce folds one event into the history and returns the resulting history,
// leaving the input untouched. Merge rules are keyed on the event type:
//
//   - initialize, transcription, translation, hint, error: always appended.
//   - text from the assistant: concatenated onto (or, for [ModeReplace],
//     overwriting) a trailing assistant text entry; an empty delta returns
//     the input history unchanged.
//   - text from the user: always appended — user messages are atomic.
//   - audio: replaces a trailing audio entry of the same role, coalescing
//     "still speaking" placeholder churn into a single slot.
//   - anything unrecognised: returned unchanged, never an error.
//
// Only the last entry is ever merged into; earlier entries never change.
func Reduce(h History, ev Event) History {
	switch ev.Type {
	case EventInitialize, EventError:
		return appendMessage(h, Message{
			Type:      ev.Type,
			Role:      ev.Role,
			Text:      ev.Text,
			EndOfTurn: ev.EndOfTurn,
		})

	case EventText:
		return reduceText(h, ev)

	case EventAudio:
		return reduceAudio(h, ev)

	case EventTranscription, EventTranslation:
		return appendMessage(h, Message{
			Type:           ev.Type,
			Role:           ev.Role,
			SourceText:     ev.SourceText,
			TranslatedText: ev.TranslatedText,
			Chunked:        ev.Chunked,
			Dictionary:     ev.Dictionary,
			Glosses:        resolveGlosses(ev.Chunked, ev.Dictionary),
			EndOfTurn:      ev.EndOfTurn,
		})

	case EventHint:
		return appendMessage(h, Message{
			Type:      EventHint,
			Role:      ev.Role,
			Hints:     ev.Hints,
			EndOfTurn: ev.EndOfTurn,
		})

	default:
		// Forward-compatible no-op for unknown event types.
		return h
	}
}

func reduceText(h History, ev Event) History {
	if ev.Role != RoleAssistant {
		// User and system text is atomic, never streamed.
		return appendMessage(h, Message{
			Type:      EventText,
			Role:      ev.Role,
			Text:      ev.Text,
			EndOfTurn: ev.EndOfTurn,
		})
	}

	if ev.Text == "" {
		return h
	}

	last, ok := h.Last()
	if !ok || last.Type != EventText || last.Role != RoleAssistant {
		return appendMessage(h, Message{
			Type:      EventText,
			Role:      RoleAssistant,
			Text:      ev.Text,
			EndOfTurn: ev.EndOfTurn,
		})
	}

	merged := last
	if ev.Mode == ModeReplace {
		merged.Text = ev.Text
	} else {
		merged.Text += ev.Text
	}
	merged.EndOfTurn = ev.EndOfTurn
	return replaceLast(h, merged)
}

func reduceAudio(h History, ev Event) History {
	msg := Message{
		Type:      EventAudio,
		Role:      ev.Role,
		Audio:     ev.Audio,
		MIMEType:  ev.MIMEType,
		EndOfTurn: ev.EndOfTurn,
	}

	last, ok := h.Last()
	if ok && last.Type == EventAudio && last.Role == ev.Role {
		return replaceLast(h, msg)
	}
	return appendMessage(h, msg)
}

// appendMessage appends without aliasing the input's backing array, so a
// later fold cannot overwrite an entry visible through an older History.
func appendMessage(h History, msg Message) History {
	return append(h[:len(h):len(h)], msg)
}

// replaceLast returns a copy of h with the final entry swapped for msg.
func replaceLast(h History, msg Message) History {
	out := make(History, len(h))
	copy(out, h)
	out[len(out)-1] = msg
	return out
}

// resolveGlosses matches each transcript chunk against the event's dictionary
// terms, tolerating punctuation and light inflection.
func resolveGlosses(chunks []string, dict map[string]DictionaryEntry) map[int]string {
	if len(chunks) == 0 || len(dict) == 0 {
		return nil
	}

	terms := make([]string, 0, len(dict))
	for term := range dict {
		terms = append(terms, term)
	}
	ix := gloss.New(terms)

	var out map[int]string
	for i, chunk := range chunks {
		if term, ok := ix.Lookup(chunk); ok {
			if out == nil {
				out = make(map[int]string)
			}
			out[i] = term
		}
	}
	return out
}
