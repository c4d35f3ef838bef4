// Package feed streams the changes of one chat to a websocket client, so
// the UI can render chunks while a turn is generating.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/turnflow/internal/docstore"
	"github.com/zhouzirui/turnflow/internal/middleware"
	"github.com/zhouzirui/turnflow/internal/model/chat"
	chatService "github.com/zhouzirui/turnflow/internal/service/chat"
	"github.com/zhouzirui/turnflow/pkg/utils"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// Event is one frame sent to the client.
type Event struct {
	Type      string          `json:"type"`
	ChatID    string          `json:"chatId"`
	ID        string          `json:"id,omitempty"`
	Deleted   bool            `json:"deleted,omitempty"`
	Chat      *chat.Chat      `json:"chat,omitempty"`
	Message   *chat.Envelope  `json:"message,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Event types.
const (
	EventConnected = "connected"
	EventChat      = "chat"
	EventMessage   = "message"
)

// Handler serves the change feed.
type Handler struct {
	chatSvc  *chatService.Service
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// New creates a feed handler.
func New(chatSvc *chatService.Service, log zerolog.Logger) *Handler {
	return &Handler{
		chatSvc: chatSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		log: log.With().Str("handler", "feed").Logger(),
	}
}

// RegisterRoutes registers the feed route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chats/{chatID}/feed", h.handleFeed)
}

// conn serializes writes; gorilla connections allow one concurrent writer.
type conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) send(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev.Timestamp = time.Now().UnixMilli()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(ev)
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (h *Handler) handleFeed(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserFrom(r.Context())
	chatID := chi.URLParam(r, "chatID")
	if !chat.ValidChatID(chatID) {
		utils.RespondError(w, http.StatusBadRequest, chatService.ErrInvalidChatID.Error())
		return
	}

	repo, err := h.chatSvc.Open(r.Context(), userID)
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, err.Error())
		return
	}
	watcher, ok := repo.Store().(docstore.Watcher)
	if !ok {
		utils.RespondError(w, http.StatusNotImplemented, "store backend has no change feed")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer ws.Close()
	log := h.log.With().Str("chat_id", chatID).Str("user_id", userID).Logger()
	log.Debug().Msg("feed opened")

	c := &conn{ws: ws}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return readLoop(ws, cancel)
	})
	g.Go(func() error {
		return pingLoop(gctx, c)
	})
	g.Go(func() error {
		return watcher.Watch(gctx, docstore.Chats, chatID, func(doc docstore.Document) error {
			if doc.ID != chatID {
				return nil
			}
			return c.send(chatEvent(chatID, doc))
		})
	})
	g.Go(func() error {
		return watcher.Watch(gctx, docstore.Messages, chat.ChatPrefix(chatID), func(doc docstore.Document) error {
			return c.send(messageEvent(chatID, doc, log))
		})
	})

	if err := c.send(Event{Type: EventConnected, ChatID: chatID}); err != nil {
		cancel()
	}
	if err := g.Wait(); err != nil && !errors.Is(err, errClosed) {
		log.Debug().Err(err).Msg("feed ended")
	}
	log.Debug().Msg("feed closed")
}

var errClosed = errors.New("client closed the feed")

// readLoop discards client frames and ends the feed when the client goes
// away.
func readLoop(ws *websocket.Conn, cancel context.CancelFunc) error {
	defer cancel()
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return errClosed
		}
	}
}

func pingLoop(ctx context.Context, c *conn) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return err
			}
		}
	}
}

func chatEvent(chatID string, doc docstore.Document) Event {
	ev := Event{Type: EventChat, ChatID: chatID, ID: doc.ID, Deleted: doc.Deleted}
	if doc.Deleted {
		return ev
	}
	var c chat.Chat
	if err := json.Unmarshal(doc.Body, &c); err == nil {
		c.ID = chatID
		c.Revision = string(doc.Revision)
		ev.Chat = &c
	}
	return ev
}

func messageEvent(chatID string, doc docstore.Document, log zerolog.Logger) Event {
	ev := Event{Type: EventMessage, ChatID: chatID, ID: doc.ID, Deleted: doc.Deleted}
	if doc.Deleted {
		return ev
	}
	sm, err := chatService.DecodeMessage(doc)
	if err != nil {
		log.Warn().Err(err).Str("message_id", doc.ID).Msg("forwarding undecodable message raw")
		ev.Raw = doc.Body
		return ev
	}
	ev.Message = &chat.Envelope{Message: sm.Message}
	return ev
}
