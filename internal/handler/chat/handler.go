// Package chat serves the chat and message routes.
package chat

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/turnflow/internal/middleware"
	"github.com/zhouzirui/turnflow/internal/model/chat"
	chatService "github.com/zhouzirui/turnflow/internal/service/chat"
	"github.com/zhouzirui/turnflow/internal/session"
	"github.com/zhouzirui/turnflow/pkg/utils"
)

// Handler 聊天服务的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
	log     zerolog.Logger
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service, log zerolog.Logger) *Handler {
	return &Handler{chatSvc: chatSvc, log: log.With().Str("handler", "chat").Logger()}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chats", h.handleCreateChat)
	r.Get("/chats/{chatID}", h.handleGetChat)
	r.Get("/chats/{chatID}/messages", h.handleListMessages)
	r.Post("/chats/{chatID}/messages", h.handleAppendMessage)
	r.Put("/chats/{chatID}/messages/{index}", h.handleEditMessage)
}

type createChatRequest struct {
	ID   string `json:"id" validate:"omitempty,excludes=_"`
	Name string `json:"name" validate:"max=200"`
}

type contentRequest struct {
	Content string `json:"content" validate:"required"`
}

type transcriptResponse struct {
	Chat     chat.Chat       `json:"chat"`
	Messages []chat.Envelope `json:"messages"`
}

type appendResponse struct {
	Chat    chat.Chat     `json:"chat"`
	Message chat.Envelope `json:"message"`
}

func (h *Handler) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if err := utils.DecodeJSON(r, &req, true); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := h.chatSvc.CreateChat(r.Context(), middleware.UserFrom(r.Context()), req.ID, req.Name)
	if err != nil {
		h.fail(w, err, "create chat")
		return
	}
	utils.RespondJSON(w, http.StatusCreated, c)
}

func (h *Handler) handleGetChat(w http.ResponseWriter, r *http.Request) {
	c, err := h.chatSvc.GetChat(r.Context(), middleware.UserFrom(r.Context()), chi.URLParam(r, "chatID"))
	if err != nil {
		h.fail(w, err, "get chat")
		return
	}
	utils.RespondJSON(w, http.StatusOK, c)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserFrom(r.Context())
	chatID := chi.URLParam(r, "chatID")
	c, err := h.chatSvc.GetChat(r.Context(), userID, chatID)
	if err != nil {
		h.fail(w, err, "get chat")
		return
	}
	msgs, err := h.chatSvc.Transcript(r.Context(), userID, chatID)
	if err != nil {
		h.fail(w, err, "list messages")
		return
	}
	utils.RespondJSON(w, http.StatusOK, transcriptResponse{Chat: c, Messages: chat.Wrap(msgs)})
}

func (h *Handler) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var req contentRequest
	if err := utils.DecodeJSON(r, &req, false); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, msg, err := h.chatSvc.AppendUserMessage(r.Context(), middleware.UserFrom(r.Context()), chi.URLParam(r, "chatID"), req.Content)
	if err != nil {
		h.fail(w, err, "append message")
		return
	}
	utils.RespondJSON(w, http.StatusCreated, appendResponse{Chat: c, Message: chat.Envelope{Message: msg}})
}

func (h *Handler) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		utils.RespondError(w, http.StatusBadRequest, "index must be a non-negative integer")
		return
	}
	var req contentRequest
	if err := utils.DecodeJSON(r, &req, false); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, msgs, err := h.chatSvc.EditMessage(r.Context(), middleware.UserFrom(r.Context()), chi.URLParam(r, "chatID"), index, req.Content)
	if err != nil {
		h.fail(w, err, "edit message")
		return
	}
	utils.RespondJSON(w, http.StatusOK, transcriptResponse{Chat: c, Messages: chat.Wrap(msgs)})
}

func (h *Handler) fail(w http.ResponseWriter, err error, op string) {
	status := StatusOf(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("op", op).Msg("chat request failed")
		utils.RespondError(w, status, op+" failed")
		return
	}
	utils.RespondError(w, status, err.Error())
}

// StatusOf maps a chat service error to its HTTP status.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, chatService.ErrChatNotFound), errors.Is(err, chatService.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, chatService.ErrEmptyContent),
		errors.Is(err, chatService.ErrInvalidChatID),
		errors.Is(err, chatService.ErrNotUserMessage),
		errors.Is(err, chatService.ErrInvalidTurn):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNoSession):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
