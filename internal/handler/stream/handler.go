package stream

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	chatHandler "github.com/zhouzirui/avatar-chat/backend/internal/handler/chat"
	middlewarePkg "github.com/zhouzirui/avatar-chat/backend/internal/middleware"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/avatar"
	chatService "github.com/zhouzirui/avatar-chat/backend/internal/service/chat"
	"github.com/zhouzirui/avatar-chat/backend/pkg/utils"
)

// DefaultKeepAlive is the interval between SSE comment frames.
const DefaultKeepAlive = 15 * time.Second

// Opener opens a chat session.
type Opener interface {
	Open(ctx context.Context, userID, avatarID string) (*chatService.Session, error)
}

// Handler pushes session views to the client via Server-Sent Events.
type Handler struct {
	engine    Opener
	avatars   avatar.Store
	keepAlive time.Duration
}

// New creates a new stream handler
func New(engine Opener, avatars avatar.Store) *Handler {
	return &Handler{
		engine:    engine,
		avatars:   avatars,
		keepAlive: DefaultKeepAlive,
	}
}

// RegisterRoutes 注册SSE路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chats/{avatarID}/stream", h.handleStream)
}

// handleStream emits a "snapshot" event with the current view and one after
// every change until the client goes away.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	avatarID := chi.URLParam(r, "avatarID")
	if _, ok := h.avatars.FindByID(avatarID); !ok {
		utils.RespondErrorCode(w, http.StatusNotFound, "avatar not found", chatHandler.CodeNotFound)
		return
	}

	userID, _ := middlewarePkg.UserIDFromContext(r.Context())
	session, err := h.engine.Open(r.Context(), userID, avatarID)
	if err != nil {
		status, body := chatHandler.Classify(err)
		log.Printf("[stream] open chat user=%s avatar=%s failed: %v", userID, avatarID, err)
		utils.RespondJSON(w, status, body)
		return
	}
	defer session.Close()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	log.Printf("[stream] opening stream chat=%s", session.ChatID())

	if err := utils.SendSSEEvent(w, flusher, "snapshot", session.View()); err != nil {
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	updates := session.Updates()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[stream] closing stream chat=%s", session.ChatID())
			return
		case view, ok := <-updates:
			if !ok {
				return
			}
			if err := utils.SendSSEEvent(w, flusher, "snapshot", view); err != nil {
				log.Printf("[stream] write chat=%s failed: %v", session.ChatID(), err)
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "keepalive"); err != nil {
				return
			}
		}
	}
}
