package chat

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	middlewarePkg "github.com/zhouzirui/avatar-chat/backend/internal/middleware"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/avatar"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/chat"
	chatService "github.com/zhouzirui/avatar-chat/backend/internal/service/chat"
	"github.com/zhouzirui/avatar-chat/backend/pkg/utils"
)

// Engine is the part of the chat engine the HTTP layer drives.
type Engine interface {
	Open(ctx context.Context, userID, avatarID string) (*chatService.Session, error)
	Snapshot(ctx context.Context, userID, avatarID string) (chatService.View, error)
	ReportChat(ctx context.Context, userID, avatarID, reason string) (chat.Report, error)
	DeleteChat(ctx context.Context, userID, avatarID string) error
	DeleteAllChats(ctx context.Context, userID string) error
	ListChats(ctx context.Context, userID string) ([]chatService.Preview, error)
}

// Handler 聊天服务的HTTP处理器
type Handler struct {
	engine  Engine
	avatars avatar.Store
}

// New 创建聊天处理器
func New(engine Engine, avatars avatar.Store) *Handler {
	return &Handler{
		engine:  engine,
		avatars: avatars,
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chats", h.handleListChats)
	r.Delete("/chats", h.handleDeleteAllChats)

	r.Route("/chats/{avatarID}", func(r chi.Router) {
		r.Use(h.requireAvatar)
		r.Get("/messages", h.handleGetMessages)
		r.Post("/messages", h.handleSendMessage)
		r.Post("/messages/{messageID}/seen", h.handleMarkSeen)
		r.Post("/report", h.handleReport)
		r.Delete("/", h.handleDeleteChat)
	})
}

// requireAvatar rejects unknown avatars before any store work happens.
func (h *Handler) requireAvatar(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := h.avatars.FindByID(chi.URLParam(r, "avatarID")); !ok {
			utils.RespondErrorCode(w, http.StatusNotFound, "avatar not found", CodeNotFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleListChats(w http.ResponseWriter, r *http.Request) {
	userID, _ := middlewarePkg.UserIDFromContext(r.Context())

	previews, err := h.engine.ListChats(r.Context(), userID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, previews)
}

func (h *Handler) handleDeleteAllChats(w http.ResponseWriter, r *http.Request) {
	userID, _ := middlewarePkg.UserIDFromContext(r.Context())

	if err := h.engine.DeleteAllChats(r.Context(), userID); err != nil {
		respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetMessages 读取聊天记录，不建立订阅
func (h *Handler) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	userID, _ := middlewarePkg.UserIDFromContext(r.Context())

	view, err := h.engine.Snapshot(r.Context(), userID, chi.URLParam(r, "avatarID"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, view)
}

// handleSendMessage 发送用户消息并返回生成的回复
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Text string `json:"text"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondErrorCode(w, http.StatusBadRequest, "invalid request body", CodeValidation)
		return
	}

	session, ok := h.openSession(w, r)
	if !ok {
		return
	}
	defer session.Close()

	result, err := session.Send(r.Context(), payload.Text)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, result)
}

func (h *Handler) handleMarkSeen(w http.ResponseWriter, r *http.Request) {
	session, ok := h.openSession(w, r)
	if !ok {
		return
	}

	dispatched, err := session.MarkVisible(chi.URLParam(r, "messageID"))
	// Close waits for the background write so its outcome can be reported.
	session.Close()
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if failures := session.SeenFailures(); len(failures) > 0 {
		respondServiceError(w, r, failures[0].Err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"updated": dispatched})
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	userID, _ := middlewarePkg.UserIDFromContext(r.Context())

	var payload struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := utils.DecodeJSON(r, &payload); err != nil {
			utils.RespondErrorCode(w, http.StatusBadRequest, "invalid request body", CodeValidation)
			return
		}
	}

	report, err := h.engine.ReportChat(r.Context(), userID, chi.URLParam(r, "avatarID"), payload.Reason)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, report)
}

func (h *Handler) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	userID, _ := middlewarePkg.UserIDFromContext(r.Context())

	if err := h.engine.DeleteChat(r.Context(), userID, chi.URLParam(r, "avatarID")); err != nil {
		respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) openSession(w http.ResponseWriter, r *http.Request) (*chatService.Session, bool) {
	userID, _ := middlewarePkg.UserIDFromContext(r.Context())

	session, err := h.engine.Open(r.Context(), userID, chi.URLParam(r, "avatarID"))
	if err != nil {
		respondServiceError(w, r, err)
		return nil, false
	}
	return session, true
}
