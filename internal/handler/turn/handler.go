// Package turn serves the routes that start, regenerate and consolidate
// assistant turns.
package turn

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	chatHandler "github.com/zhouzirui/turnflow/internal/handler/chat"
	"github.com/zhouzirui/turnflow/internal/middleware"
	"github.com/zhouzirui/turnflow/internal/model/chat"
	chatService "github.com/zhouzirui/turnflow/internal/service/chat"
	"github.com/zhouzirui/turnflow/internal/session"
	"github.com/zhouzirui/turnflow/internal/workflow"
	"github.com/zhouzirui/turnflow/pkg/utils"
)

// Runner executes and consolidates turns.
type Runner interface {
	Execute(ctx context.Context, p workflow.Payload, key string) error
	Consolidate(ctx context.Context, userID, chatID string, turn int) (workflow.Outcome, error)
}

// Preparer deletes a turn and everything after it ahead of a regeneration.
type Preparer interface {
	PrepareRetry(ctx context.Context, userID, chatID string, turn int) (chatService.RetryPlan, error)
}

// Handler serves the turn routes.
type Handler struct {
	runner   Runner
	preparer Preparer
	now      func() time.Time
	log      zerolog.Logger
}

// New creates a turn handler.
func New(runner Runner, preparer Preparer, log zerolog.Logger) *Handler {
	return &Handler{
		runner:   runner,
		preparer: preparer,
		now:      time.Now,
		log:      log.With().Str("handler", "turn").Logger(),
	}
}

// RegisterRoutes registers the turn routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/turns", h.handleSendTurn)
	r.Post("/chats/{chatID}/turns/{turn}/retry", h.handleRetry)
	r.Post("/chats/{chatID}/turns/{turn}/consolidate", h.handleConsolidate)
}

type sendTurnRequest struct {
	Chat          chat.Chat       `json:"chat" validate:"required"`
	Messages      []chat.Envelope `json:"messages" validate:"required,min=1"`
	// Profile.UserID is taken from the caller identity.
	Profile       chat.Profile    `json:"profile" validate:"-"`
	SelectedModel string          `json:"selectedModel"`
	Hash          string          `json:"hash" validate:"omitempty,max=128"`
}

type retryRequest struct {
	Profile       chat.Profile `json:"profile" validate:"-"`
	SelectedModel string       `json:"selectedModel"`
}

type turnResponse struct {
	Succeeded bool   `json:"succeeded"`
	Key       string `json:"hash,omitempty"`
}

func (h *Handler) handleSendTurn(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserFrom(r.Context())
	var req sendTurnRequest
	if err := utils.DecodeJSON(r, &req, false); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	key := req.Hash
	if key == "" {
		key = workflow.IdempotencyKey(req.Chat.ID, h.now())
	}
	req.Profile.UserID = userID
	h.run(w, r, workflow.Payload{
		Chat:          req.Chat,
		Messages:      chat.Unwrap(req.Messages),
		Profile:       req.Profile,
		SelectedModel: req.SelectedModel,
		UserID:        userID,
	}, key)
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserFrom(r.Context())
	chatID := chi.URLParam(r, "chatID")
	t, ok := turnParam(w, r)
	if !ok {
		return
	}
	var req retryRequest
	if err := utils.DecodeJSON(r, &req, true); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	plan, err := h.preparer.PrepareRetry(r.Context(), userID, chatID, t)
	if err != nil {
		status := chatHandler.StatusOf(err)
		if status >= http.StatusInternalServerError {
			h.log.Error().Err(err).Str("chat_id", chatID).Int("turn", t).Msg("prepare retry failed")
			utils.RespondError(w, status, "retry failed")
			return
		}
		utils.RespondError(w, status, err.Error())
		return
	}
	req.Profile.UserID = userID
	h.run(w, r, workflow.Payload{
		Chat:          plan.Chat,
		Messages:      plan.History,
		Profile:       req.Profile,
		SelectedModel: req.SelectedModel,
		UserID:        userID,
	}, workflow.IdempotencyKey(chatID, h.now()))
}

// run executes p detached from the request so that a client disconnect
// cannot strand a half written turn.
func (h *Handler) run(w http.ResponseWriter, r *http.Request, p workflow.Payload, key string) {
	log := h.log.With().Str("chat_id", p.Chat.ID).Str("idempotency_key", key).Logger()
	err := h.runner.Execute(context.WithoutCancel(r.Context()), p, key)
	switch {
	case err == nil:
		utils.RespondJSON(w, http.StatusOK, turnResponse{Succeeded: true, Key: key})
	case errors.Is(err, workflow.ErrInvalidPayload), errors.Is(err, workflow.ErrMissingKey):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		var sessErr *workflow.SessionError
		if errors.As(err, &sessErr) || errors.Is(err, session.ErrNoSession) {
			log.Warn().Err(err).Msg("turn rejected: no session")
		} else {
			log.Error().Err(err).Msg("turn failed")
		}
		utils.RespondJSON(w, http.StatusOK, turnResponse{Succeeded: false, Key: key})
	}
}

func (h *Handler) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserFrom(r.Context())
	chatID := chi.URLParam(r, "chatID")
	t, ok := turnParam(w, r)
	if !ok {
		return
	}
	out, err := h.runner.Consolidate(r.Context(), userID, chatID, t)
	switch {
	case err == nil:
		utils.RespondJSON(w, http.StatusOK, out)
	case errors.Is(err, workflow.ErrNothingToConsolidate):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	default:
		var cleanupErr *workflow.CleanupError
		status := http.StatusInternalServerError
		if errors.As(err, &cleanupErr) {
			status = http.StatusServiceUnavailable
		}
		h.log.Error().Err(err).Str("chat_id", chatID).Int("turn", t).Msg("consolidation failed")
		utils.RespondError(w, status, "consolidation failed")
	}
}

func turnParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	t, err := strconv.Atoi(chi.URLParam(r, "turn"))
	if err != nil || t < 1 {
		utils.RespondError(w, http.StatusBadRequest, "turn must be a positive integer")
		return 0, false
	}
	return t, true
}
