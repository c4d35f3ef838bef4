package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/turnflow/internal/docstore"
	"github.com/zhouzirui/turnflow/internal/model/chat"
	"github.com/zhouzirui/turnflow/internal/retry"
	"github.com/zhouzirui/turnflow/internal/session"
)

var (
	ErrChatNotFound    = errors.New("chat not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrEmptyContent    = errors.New("message content is required")
	ErrInvalidChatID   = errors.New("chat id must be non-empty and must not contain '_'")
	ErrNotUserMessage  = errors.New("only user messages can be edited")
	ErrInvalidTurn     = errors.New("turn has no preceding user message")
)

const nameLimit = 40

// Service implements the chat operations of the UI layer on top of the
// caller's document store.
type Service struct {
	opener   docstore.Opener
	sessions session.Resolver
	policy   retry.Policy
	now      func() time.Time
	log      zerolog.Logger
}

// NewService wires the chat service.
func NewService(opener docstore.Opener, sessions session.Resolver, log zerolog.Logger) *Service {
	return &Service{
		opener:   opener,
		sessions: sessions,
		policy:   retry.Policy{MaxRetries: 5, InitialDelay: 10 * time.Millisecond, MaxDelay: 200 * time.Millisecond, Backoff: retry.BackoffExponential, JitterFactor: 0.2},
		now:      func() time.Time { return time.Now().UTC() },
		log:      log.With().Str("component", "chat").Logger(),
	}
}

// Open returns the repository of userID's store.
func (s *Service) Open(ctx context.Context, userID string) (*Repository, error) {
	sess, err := s.sessions.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	store, err := s.opener.Open(ctx, sess.UserID, sess.Token)
	if err != nil {
		return nil, err
	}
	return NewRepository(store), nil
}

// CreateChat provisions an empty chat. An empty id gets a generated one.
func (s *Service) CreateChat(ctx context.Context, userID, chatID, name string) (chat.Chat, error) {
	if chatID == "" {
		chatID = uuid.NewString()
	}
	if !chat.ValidChatID(chatID) {
		return chat.Chat{}, ErrInvalidChatID
	}
	repo, err := s.Open(ctx, userID)
	if err != nil {
		return chat.Chat{}, err
	}
	return repo.SaveChat(ctx, chat.Chat{
		ID:        chatID,
		Name:      strings.TrimSpace(name),
		CreatedAt: s.now(),
		Status:    chat.StatusActive,
	})
}

// GetChat loads a chat.
func (s *Service) GetChat(ctx context.Context, userID, chatID string) (chat.Chat, error) {
	repo, err := s.Open(ctx, userID)
	if err != nil {
		return chat.Chat{}, err
	}
	c, err := repo.GetChat(ctx, chatID)
	if errors.Is(err, docstore.ErrNotFound) {
		return chat.Chat{}, ErrChatNotFound
	}
	return c, err
}

// AppendUserMessage stores content as the next user message, creating the
// chat on first use. It returns the updated chat and the new message.
func (s *Service) AppendUserMessage(ctx context.Context, userID, chatID, content string) (chat.Chat, chat.UserMessage, error) {
	if strings.TrimSpace(content) == "" {
		return chat.Chat{}, chat.UserMessage{}, ErrEmptyContent
	}
	if !chat.ValidChatID(chatID) {
		return chat.Chat{}, chat.UserMessage{}, ErrInvalidChatID
	}
	repo, err := s.Open(ctx, userID)
	if err != nil {
		return chat.Chat{}, chat.UserMessage{}, err
	}
	return s.append(ctx, repo, chatID, content)
}

type appended struct {
	chat chat.Chat
	msg  chat.UserMessage
}

// append reserves the next index by bumping Chat.Sequence, then writes the
// message. A conflict on either write re-reads the chat and tries again.
func (s *Service) append(ctx context.Context, repo *Repository, chatID, content string) (chat.Chat, chat.UserMessage, error) {
	res, err := retry.DoResult(ctx, s.policy, retryableWrite, s.logRetry("append"), func(ctx context.Context, _ int) (appended, error) {
		c, err := repo.GetChat(ctx, chatID)
		switch {
		case errors.Is(err, docstore.ErrNotFound):
			c = chat.Chat{ID: chatID, Name: chatName(content), CreatedAt: s.now(), Status: chat.StatusActive}
		case err != nil:
			return appended{}, err
		}

		stored, err := repo.ListMessages(ctx, chatID)
		if err != nil {
			return appended{}, err
		}
		index := nextIndex(c, stored)
		// The user message takes index; index+1 is the assistant slot.
		c.Sequence = index + 1
		if c.Name == "" {
			c.Name = chatName(content)
		}
		c, err = repo.SaveChat(ctx, c)
		if err != nil {
			return appended{}, err
		}

		msg := chat.UserMessage{ID: chat.UserKey(chatID, index).String(), CreatedAt: s.now(), Content: content}
		if _, err := repo.PutMessage(ctx, msg, ""); err != nil {
			return appended{}, err
		}
		return appended{chat: c, msg: msg}, nil
	})
	if err != nil {
		return chat.Chat{}, chat.UserMessage{}, fmt.Errorf("append user message: %w", err)
	}
	s.log.Debug().Str("chat_id", chatID).Str("message_id", res.msg.ID).Msg("user message appended")
	return res.chat, res.msg, nil
}

// Transcript returns every message of a chat, chunks and errors included.
func (s *Service) Transcript(ctx context.Context, userID, chatID string) ([]chat.Message, error) {
	repo, err := s.Open(ctx, userID)
	if err != nil {
		return nil, err
	}
	stored, err := repo.ListMessages(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return Messages(stored), nil
}

// EditMessage replaces the user message at index: it and every later
// message are deleted, then content is appended at a fresh index. The
// returned history ends with the replacement.
func (s *Service) EditMessage(ctx context.Context, userID, chatID string, index int, content string) (chat.Chat, []chat.Message, error) {
	if strings.TrimSpace(content) == "" {
		return chat.Chat{}, nil, ErrEmptyContent
	}
	repo, err := s.Open(ctx, userID)
	if err != nil {
		return chat.Chat{}, nil, err
	}
	target, err := repo.FindMessage(ctx, chatID, chat.KindUser, index)
	if errors.Is(err, docstore.ErrNotFound) {
		return chat.Chat{}, nil, ErrMessageNotFound
	}
	if err != nil {
		return chat.Chat{}, nil, err
	}
	if _, ok := target.Message.(chat.UserMessage); !ok {
		return chat.Chat{}, nil, ErrNotUserMessage
	}

	if err := s.truncate(ctx, repo, chatID, index); err != nil {
		return chat.Chat{}, nil, err
	}
	c, _, err := s.append(ctx, repo, chatID, content)
	if err != nil {
		return chat.Chat{}, nil, err
	}
	stored, err := repo.ListMessages(ctx, chatID)
	if err != nil {
		return chat.Chat{}, nil, err
	}
	return c, Messages(stored), nil
}

// RetryPlan is what a regeneration of a turn starts from.
type RetryPlan struct {
	Chat    chat.Chat
	Turn    int
	History []chat.Message
}

// PrepareRetry deletes every message, chunk and error at index >= turn in
// one bulk write and returns the history ending at the user message that
// preceded the turn.
func (s *Service) PrepareRetry(ctx context.Context, userID, chatID string, turn int) (RetryPlan, error) {
	if turn < 1 {
		return RetryPlan{}, ErrInvalidTurn
	}
	repo, err := s.Open(ctx, userID)
	if err != nil {
		return RetryPlan{}, err
	}
	if _, err := repo.FindMessage(ctx, chatID, chat.KindUser, turn-1); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return RetryPlan{}, ErrInvalidTurn
		}
		return RetryPlan{}, err
	}
	if err := s.truncate(ctx, repo, chatID, turn); err != nil {
		return RetryPlan{}, err
	}

	c, err := repo.GetChat(ctx, chatID)
	if err != nil {
		return RetryPlan{}, err
	}
	stored, err := repo.ListMessages(ctx, chatID)
	if err != nil {
		return RetryPlan{}, err
	}
	return RetryPlan{Chat: c, Turn: turn, History: Messages(stored)}, nil
}

// truncate deletes every message of chatID with index >= from. Conflicts
// mean a replica touched one of the documents; the listing is re-read.
func (s *Service) truncate(ctx context.Context, repo *Repository, chatID string, from int) error {
	err := retry.Do(ctx, s.policy, retryableWrite, func(ctx context.Context, _ int) error {
		stored, err := repo.ListMessages(ctx, chatID)
		if err != nil {
			return err
		}
		var tombstones []docstore.Document
		for _, sm := range stored {
			if sm.Key.Index >= from {
				tombstones = append(tombstones, docstore.Tombstone(sm.Message.MessageID(), sm.Revision))
			}
		}
		if len(tombstones) == 0 {
			return nil
		}
		_, err = repo.Bulk(ctx, tombstones)
		return err
	})
	if err != nil {
		return fmt.Errorf("truncate chat %s at %d: %w", chatID, from, err)
	}
	s.log.Info().Str("chat_id", chatID).Int("from", from).Msg("chat truncated")
	return nil
}

func (s *Service) logRetry(op string) retry.Hook {
	return func(attempt int, err error, _ time.Duration) {
		s.log.Debug().Err(err).Str("op", op).Int("attempt", attempt).Msg("retrying chat write")
	}
}

func retryableWrite(err error) bool {
	return docstore.IsConflict(err) || docstore.IsTransient(err)
}

// nextIndex allocates above both the high-water mark and any live message,
// so indices are never reused even when replicas disagree on Sequence.
func nextIndex(c chat.Chat, stored []StoredMessage) int {
	high := c.Sequence
	for _, sm := range stored {
		if sm.Key.Index > high {
			high = sm.Key.Index
		}
	}
	return high + 1
}

func chatName(content string) string {
	name := strings.Join(strings.Fields(content), " ")
	if r := []rune(name); len(r) > nameLimit {
		name = string(r[:nameLimit]) + "…"
	}
	return name
}
