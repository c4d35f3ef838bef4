package chat

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/zhouzirui/turnflow/internal/model/response"
)

// Message is one of UserMessage, AssistantMessage, AssistantMessageChunk or
// AssistantMessageError.
type Message interface {
	MessageID() string
	MessageKind() Kind
}

// UserMessage is immutable once created; edits replace it at a later index.
type UserMessage struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Content   string    `json:"content"`
}

// AssistantMessage is the consolidated answer of one turn.
type AssistantMessage struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"createdAt"`
	Content   string          `json:"content"`
	Parts     []response.Part `json:"parts,omitempty"`
	Revision  string          `json:"revision,omitempty"`
}

// AssistantMessageChunk holds one streamed fragment while a turn is generating.
type AssistantMessageChunk struct {
	ID       string            `json:"id"`
	Fragment response.Response `json:"fragment"`
}

// AssistantMessageError records a failed generation.
type AssistantMessageError struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Message   string    `json:"message"`
}

func (m UserMessage) MessageID() string           { return m.ID }
func (m AssistantMessage) MessageID() string      { return m.ID }
func (m AssistantMessageChunk) MessageID() string { return m.ID }
func (m AssistantMessageError) MessageID() string { return m.ID }

func (UserMessage) MessageKind() Kind           { return KindUser }
func (AssistantMessage) MessageKind() Kind      { return KindAssistant }
func (AssistantMessageChunk) MessageKind() Kind { return KindChunk }
func (AssistantMessageError) MessageKind() Kind { return KindError }

// KeyOf parses the ordering key of m and checks it matches m's variant.
func KeyOf(m Message) (Key, error) {
	k, err := ParseKey(m.MessageID())
	if err != nil {
		return Key{}, err
	}
	if k.Kind != m.MessageKind() {
		return Key{}, fmt.Errorf("message id %q does not match kind %s", m.MessageID(), m.MessageKind())
	}
	return k, nil
}

// Envelope is the wire form of a Message: the variant's fields plus a
// "type" discriminator.
type Envelope struct {
	Message Message
}

type typeTag struct {
	Type Kind `json:"type"`
}

// MarshalJSON implements json.Marshaler.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Message == nil {
		return []byte("null"), nil
	}
	body, err := json.Marshal(e.Message)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(e.Message.MessageKind())
	fields["type"] = tag
	return json.Marshal(fields)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var tag typeTag
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	m, err := Decode(tag.Type, data)
	if err != nil {
		return err
	}
	e.Message = m
	return nil
}

// Decode unmarshals data into the variant named by kind.
func Decode(kind Kind, data []byte) (Message, error) {
	switch kind {
	case KindUser:
		var m UserMessage
		err := json.Unmarshal(data, &m)
		return m, err
	case KindAssistant:
		var m AssistantMessage
		err := json.Unmarshal(data, &m)
		return m, err
	case KindChunk:
		var m AssistantMessageChunk
		err := json.Unmarshal(data, &m)
		return m, err
	case KindError:
		var m AssistantMessageError
		err := json.Unmarshal(data, &m)
		return m, err
	default:
		return nil, fmt.Errorf("unknown message type %q", kind)
	}
}

// Wrap converts messages to their wire form.
func Wrap(msgs []Message) []Envelope {
	out := make([]Envelope, len(msgs))
	for i, m := range msgs {
		out[i] = Envelope{Message: m}
	}
	return out
}

// Unwrap converts wire messages back to the union.
func Unwrap(envs []Envelope) []Message {
	out := make([]Message, 0, len(envs))
	for _, e := range envs {
		if e.Message != nil {
			out = append(out, e.Message)
		}
	}
	return out
}

// Sort orders messages by key. Messages with unparsable ids sort last.
func Sort(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		ki, erri := KeyOf(msgs[i])
		kj, errj := KeyOf(msgs[j])
		if erri != nil || errj != nil {
			return erri == nil
		}
		return ki.Less(kj)
	})
}
