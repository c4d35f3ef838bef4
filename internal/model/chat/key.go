package chat

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies the message variant encoded in a message id.
type Kind string

const (
	KindUser      Kind = "user"
	KindAssistant Kind = "assistant"
	KindChunk     Kind = "chunk"
	KindError     Kind = "error"
)

func (k Kind) valid() bool {
	switch k {
	case KindUser, KindAssistant, KindChunk, KindError:
		return true
	}
	return false
}

// Key orders messages within a chat. Sub is only meaningful for chunks
// (the chunk sequence number); HasSub distinguishes Sub == 0 from absent.
type Key struct {
	ChatID string
	Kind   Kind
	Index  int
	Sub    int
	HasSub bool
}

// UserKey, AssistantKey, ErrorKey and ChunkKey build the keys of each variant.
func UserKey(chatID string, index int) Key {
	return Key{ChatID: chatID, Kind: KindUser, Index: index}
}

func AssistantKey(chatID string, index int) Key {
	return Key{ChatID: chatID, Kind: KindAssistant, Index: index}
}

func ErrorKey(chatID string, index int) Key {
	return Key{ChatID: chatID, Kind: KindError, Index: index}
}

func ChunkKey(chatID string, turn, seq int) Key {
	return Key{ChatID: chatID, Kind: KindChunk, Index: turn, Sub: seq, HasSub: true}
}

// String renders the document id. Numbers are zero padded so that lexical
// order of ids equals numeric order.
func (k Key) String() string {
	if k.HasSub {
		return fmt.Sprintf("%s_%s_%08d_%06d", k.ChatID, k.Kind, k.Index, k.Sub)
	}
	return fmt.Sprintf("%s_%s_%08d", k.ChatID, k.Kind, k.Index)
}

// Less orders keys by index, then variant, then sub index.
func (k Key) Less(o Key) bool {
	if k.Index != o.Index {
		return k.Index < o.Index
	}
	if k.Kind != o.Kind {
		return kindRank(k.Kind) < kindRank(o.Kind)
	}
	return k.Sub < o.Sub
}

func kindRank(k Kind) int {
	switch k {
	case KindUser:
		return 0
	case KindChunk:
		return 1
	case KindAssistant:
		return 2
	default:
		return 3
	}
}

// ChatPrefix is the id prefix shared by every message of a chat.
func ChatPrefix(chatID string) string {
	return chatID + "_"
}

// KindPrefix is the id prefix of one variant within a chat.
func KindPrefix(chatID string, kind Kind) string {
	return chatID + "_" + string(kind) + "_"
}

// TurnChunkPrefix is the id prefix of every chunk of one turn.
func TurnChunkPrefix(chatID string, turn int) string {
	return fmt.Sprintf("%s_%s_%08d_", chatID, KindChunk, turn)
}

// ValidChatID reports whether id can be embedded in message ids.
func ValidChatID(id string) bool {
	return id != "" && !strings.Contains(id, "_")
}

// ParseKey parses ids of the form {chatId}_{kind}_{index}[_{sub}].
// Padded and unpadded numbers are both accepted.
func ParseKey(id string) (Key, error) {
	fields := strings.Split(id, "_")
	if len(fields) != 3 && len(fields) != 4 {
		return Key{}, fmt.Errorf("malformed message id %q", id)
	}

	k := Key{ChatID: fields[0], Kind: Kind(fields[1])}
	if k.ChatID == "" {
		return Key{}, fmt.Errorf("malformed message id %q: empty chat id", id)
	}
	if !k.Kind.valid() {
		return Key{}, fmt.Errorf("malformed message id %q: unknown kind %q", id, fields[1])
	}

	index, err := strconv.Atoi(fields[2])
	if err != nil || index < 0 {
		return Key{}, fmt.Errorf("malformed message id %q: bad index", id)
	}
	k.Index = index

	if len(fields) == 4 {
		sub, err := strconv.Atoi(fields[3])
		if err != nil || sub < 0 {
			return Key{}, fmt.Errorf("malformed message id %q: bad sub index", id)
		}
		k.Sub = sub
		k.HasSub = true
	}
	if (k.Kind == KindChunk) != k.HasSub {
		return Key{}, fmt.Errorf("malformed message id %q: sub index only allowed on chunks", id)
	}
	return k, nil
}
