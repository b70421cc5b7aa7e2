// Package protocol defines the wire protocol between the browser client and
// the Lovenote server: binary frames carry raw PCM audio, text frames carry
// JSON control messages inbound and JSON events outbound.
//
// Decoding is strict. Unknown actions, extra fields, and malformed JSON all
// yield [ErrInvalidMessage] so the gateway can answer with a single uniform
// error event and keep the connection alive.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultSampleRate is the sample rate assumed for inbound binary audio
// frames, in Hz. Clients send 16 kHz mono PCM.
const DefaultSampleRate = 16000

// ErrInvalidMessage is returned by [Decode] for any frame that does not
// conform to the protocol schema.
var ErrInvalidMessage = errors.New("protocol: invalid message")

// Action identifies a client control action.
type Action string

const (
	ActionStartConversation Action = "start_conversation"
	ActionEndConversation   Action = "end_conversation"
	ActionRefinement        Action = "refinement"
	ActionSetMode           Action = "set_mode"
)

// RefinementType is one of the fixed refinement buttons the client offers.
type RefinementType string

const (
	RefineShorter      RefinementType = "shorter"
	RefineBolder       RefinementType = "bolder"
	RefineMoreRomantic RefinementType = "more_romantic"
	RefineFrench       RefinementType = "translate_french"
)

// IsValid reports whether r is a recognised refinement type.
func (r RefinementType) IsValid() bool {
	switch r {
	case RefineShorter, RefineBolder, RefineMoreRomantic, RefineFrench:
		return true
	}
	return false
}

// Audio is an inbound audio frame.
type Audio struct {
	// Data is raw PCM, 16-bit little-endian mono.
	Data []byte

	// SampleRate is the sample rate in Hz.
	SampleRate int
}

// Control is an inbound control message.
type Control struct {
	Action Action

	// Refinement is set when Action is [ActionRefinement].
	Refinement RefinementType

	// Mode is set when Action is [ActionSetMode].
	Mode string
}

// Message is the decoded form of one inbound frame. Exactly one of Audio or
// Control is non-nil.
type Message struct {
	Audio   *Audio
	Control *Control
}

// wire shapes for strict JSON decoding.

type clientEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type controlPayload struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type refinementData struct {
	Type string `json:"type"`
}

type setModeData struct {
	Mode string `json:"mode"`
}

// Decode parses one inbound frame. Binary frames always decode to an audio
// message at [DefaultSampleRate]. Text frames must be a control envelope with
// a known action and a well-formed data block; anything else returns
// [ErrInvalidMessage].
func Decode(data []byte, binary bool) (Message, error) {
	if binary {
		return Message{Audio: &Audio{Data: data, SampleRate: DefaultSampleRate}}, nil
	}

	var env clientEnvelope
	if err := strictUnmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if env.Type != "control" || len(env.Payload) == 0 {
		return Message{}, fmt.Errorf("%w: type %q", ErrInvalidMessage, env.Type)
	}

	var payload controlPayload
	if err := strictUnmarshal(env.Payload, &payload); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	ctl := &Control{Action: Action(payload.Action)}
	switch ctl.Action {
	case ActionStartConversation, ActionEndConversation:
		if len(payload.Data) != 0 {
			return Message{}, fmt.Errorf("%w: unexpected data for action %q", ErrInvalidMessage, payload.Action)
		}

	case ActionRefinement:
		var d refinementData
		if err := strictUnmarshal(payload.Data, &d); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		ctl.Refinement = RefinementType(d.Type)
		if !ctl.Refinement.IsValid() {
			return Message{}, fmt.Errorf("%w: refinement type %q", ErrInvalidMessage, d.Type)
		}

	case ActionSetMode:
		var d setModeData
		if err := strictUnmarshal(payload.Data, &d); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		if d.Mode == "" {
			return Message{}, fmt.Errorf("%w: empty mode", ErrInvalidMessage)
		}
		ctl.Mode = d.Mode

	default:
		return Message{}, fmt.Errorf("%w: unknown action %q", ErrInvalidMessage, payload.Action)
	}

	return Message{Control: ctl}, nil
}

// strictUnmarshal decodes JSON rejecting unknown fields and trailing content.
func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing content")
	}
	return nil
}

// Event is one outbound server-to-client JSON event. Binary audio frames
// bypass this type; the gateway writes synthesized chunks raw.
type Event struct {
	Type  string `json:"type"`
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Encode serializes an event as UTF-8 JSON.
func Encode(e Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode event %q: %w", e.Event, err)
	}
	return b, nil
}

// AssistantResponseData is the payload of an assistant_response event. The
// optional fields carry the structured output extras the client uses to drive
// the notepad and the avatar.
type AssistantResponseData struct {
	Text      string   `json:"text"`
	Stage     string   `json:"stage"`
	Style     string   `json:"style,omitempty"`
	NoteDraft string   `json:"noteDraft,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Phoneme   string   `json:"phoneme,omitempty"`
}

// Event constructors. Names are the literal strings the client switches on.

func SessionReady() Event {
	return Event{Type: "event", Event: "session_ready"}
}

func UserSpeakingStart() Event {
	return Event{Type: "event", Event: "user_speaking_start"}
}

func PartialTranscript(text string) Event {
	return Event{Type: "event", Event: "partial_transcript", Data: map[string]string{"text": text}}
}

func FinalTranscript(text string) Event {
	return Event{Type: "event", Event: "final_transcript", Data: map[string]string{"text": text}}
}

func StyleUpdate(style string) Event {
	return Event{Type: "event", Event: "ui.style", Data: map[string]string{"style": style}}
}

func NoteDraftUpdate(noteDraft string, tags []string) Event {
	if tags == nil {
		tags = []string{}
	}
	return Event{Type: "event", Event: "ui.noteDraft", Data: map[string]any{"noteDraft": noteDraft, "tags": tags}}
}

func TTSStart() Event {
	return Event{Type: "event", Event: "tts.start"}
}

func TTSEnd() Event {
	return Event{Type: "event", Event: "tts.end"}
}

func AssistantResponse(data AssistantResponseData) Event {
	return Event{Type: "event", Event: "assistant_response", Data: data}
}

func ModeChanged(mode string) Event {
	return Event{Type: "event", Event: "mode_changed", Data: map[string]string{"mode": mode}}
}

func ConversationEnded() Event {
	return Event{Type: "event", Event: "conversation_ended"}
}

func ErrorEvent(message string) Event {
	return Event{Type: "event", Event: "error", Data: map[string]string{"message": message}}
}
