package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zhouzirui/turnflow/internal/model/chat"
)

// Payload is everything one turn needs.
type Payload struct {
	Chat          chat.Chat
	Messages      []chat.Message
	Profile       chat.Profile
	SelectedModel string
	UserID        string
}

// payloadJSON is the journaled form. Provider credentials never reach disk.
type payloadJSON struct {
	Chat          chat.Chat       `json:"chat"`
	Messages      []chat.Envelope `json:"messages"`
	Profile       chat.Profile    `json:"profile"`
	SelectedModel string          `json:"selectedModel,omitempty"`
	UserID        string          `json:"userId"`
}

func encodePayload(p Payload) (json.RawMessage, error) {
	return json.Marshal(payloadJSON{
		Chat:          p.Chat,
		Messages:      chat.Wrap(p.Messages),
		Profile:       p.Profile.Redacted(),
		SelectedModel: p.SelectedModel,
		UserID:        p.UserID,
	})
}

func decodePayload(raw json.RawMessage) (Payload, error) {
	var pj payloadJSON
	if err := json.Unmarshal(raw, &pj); err != nil {
		return Payload{}, fmt.Errorf("decode journaled payload: %w", err)
	}
	return Payload{
		Chat:          pj.Chat,
		Messages:      chat.Unwrap(pj.Messages),
		Profile:       pj.Profile,
		SelectedModel: pj.SelectedModel,
		UserID:        pj.UserID,
	}, nil
}

// IdempotencyKey derives the key of a submission: hex sha256 of
// "{chatId}|{unix nanos}".
func IdempotencyKey(chatID string, submittedAt time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", chatID, submittedAt.UnixNano())))
	return hex.EncodeToString(sum[:])
}

// turnOf checks that the history ends with a user message and returns the
// index of the assistant slot that follows it.
func turnOf(p Payload) (int, error) {
	if len(p.Messages) == 0 {
		return 0, &LastMessageError{ChatID: p.Chat.ID}
	}
	last := p.Messages[len(p.Messages)-1]
	if last.MessageKind() != chat.KindUser {
		return 0, &LastMessageError{ChatID: p.Chat.ID, Kind: last.MessageKind()}
	}
	key, err := chat.KeyOf(last)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if key.ChatID != p.Chat.ID {
		return 0, fmt.Errorf("%w: message %s does not belong to chat %s", ErrInvalidPayload, last.MessageID(), p.Chat.ID)
	}
	return key.Index + 1, nil
}
