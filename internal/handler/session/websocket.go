package session

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	chatHandler "github.com/zhouzirui/avatar-chat/backend/internal/handler/chat"
	middlewarePkg "github.com/zhouzirui/avatar-chat/backend/internal/middleware"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/avatar"
	chatService "github.com/zhouzirui/avatar-chat/backend/internal/service/chat"
	"github.com/zhouzirui/avatar-chat/backend/pkg/utils"
)

// Inbound message types.
const (
	TypeSend   = "send"
	TypeSeen   = "seen"
	TypeReport = "report"
	TypeDelete = "delete"
	TypePing   = "ping"
)

// Outbound message types.
const (
	TypeConnected       = "connected"
	TypeSnapshot        = "snapshot"
	TypeSent            = "sent"
	TypeUpgradeRequired = "upgrade_required"
	TypeError           = "error"
	TypeDeleted         = "deleted"
	TypeReported        = "reported"
	TypePong            = "pong"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
)

// Opener opens a chat session.
type Opener interface {
	Open(ctx context.Context, userID, avatarID string) (*chatService.Session, error)
}

// WebSocketHandler WebSocket会话处理器
type WebSocketHandler struct {
	engine   Opener
	avatars  avatar.Store
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(engine Opener, avatars avatar.Store) *WebSocketHandler {
	return &WebSocketHandler{
		engine:  engine,
		avatars: avatars,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/chats/{avatarID}", h.handleWebSocket)
}

// InboundMessage is a client frame.
type InboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// OutgoingMessage is a server frame. Timestamp is in milliseconds.
type OutgoingMessage struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// SendPayload is the data of a "send" frame.
type SendPayload struct {
	Text string `json:"text"`
}

// SeenPayload is the data of a "seen" frame.
type SeenPayload struct {
	MessageID string `json:"messageId"`
}

// ReportPayload is the data of a "report" frame.
type ReportPayload struct {
	Reason string `json:"reason"`
}

// connection serialises writes; gorilla allows one concurrent writer.
type connection struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *connection) send(msgType string, data any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	msg := OutgoingMessage{Type: msgType, Data: data, Timestamp: time.Now().UnixMilli()}
	if err := c.ws.WriteJSON(msg); err != nil {
		log.Printf("[websocket] write %s failed: %v", msgType, err)
	}
}

func (c *connection) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (c *connection) sendError(err error) {
	status, body := chatHandler.Classify(err)
	if status >= http.StatusInternalServerError {
		log.Printf("[websocket] operation failed: %v", err)
	}
	if errors.Is(err, chatService.ErrRequiresUpgrade) {
		c.send(TypeUpgradeRequired, body)
		return
	}
	c.send(TypeError, body)
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	avatarID := chi.URLParam(r, "avatarID")
	if _, ok := h.avatars.FindByID(avatarID); !ok {
		utils.RespondErrorCode(w, http.StatusNotFound, "avatar not found", chatHandler.CodeNotFound)
		return
	}

	userID, _ := middlewarePkg.UserIDFromContext(r.Context())
	session, err := h.engine.Open(r.Context(), userID, avatarID)
	if err != nil {
		status, body := chatHandler.Classify(err)
		log.Printf("[websocket] open chat user=%s avatar=%s failed: %v", userID, avatarID, err)
		utils.RespondJSON(w, status, body)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		session.Close()
		return
	}
	conn := &connection{ws: ws}

	log.Printf("[websocket] new connection for chat: %s", session.ChatID())

	ctx, cancel := context.WithCancel(r.Context())
	var (
		inflight  sync.WaitGroup
		forwarded = make(chan struct{})
	)
	defer func() {
		cancel()
		inflight.Wait()
		session.Close()
		<-forwarded
		ws.Close()
		log.Printf("[websocket] connection closed for chat: %s", session.ChatID())
	}()

	ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go h.pingLoop(ctx, conn)

	conn.send(TypeConnected, map[string]any{
		"chatId":   session.ChatID(),
		"avatarId": avatarID,
		"userId":   userID,
	})
	conn.send(TypeSnapshot, session.View())

	go func() {
		defer close(forwarded)
		for view := range session.Updates() {
			conn.send(TypeSnapshot, view)
		}
	}()

	for {
		var msg InboundMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[websocket] read error: %v", err)
			}
			return
		}

		ws.SetReadDeadline(time.Now().Add(readTimeout))
		h.handleMessage(ctx, conn, session, &inflight, &msg)
	}
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, conn *connection, session *chatService.Session, inflight *sync.WaitGroup, msg *InboundMessage) {
	switch msg.Type {
	case TypeSend:
		var payload SendPayload
		if err := decodeData(msg.Data, &payload); err != nil {
			conn.send(TypeError, utils.ErrorBody{Error: "invalid send payload", Code: chatHandler.CodeValidation})
			return
		}
		// Generation can outlast the read deadline, so the send runs beside the read loop.
		// A started send finishes even if the client goes away; teardown waits for it.
		sendCtx := context.WithoutCancel(ctx)
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			result, err := session.Send(sendCtx, payload.Text)
			if err != nil {
				conn.sendError(err)
				return
			}
			conn.send(TypeSent, result)
		}()
	case TypeSeen:
		var payload SeenPayload
		if err := decodeData(msg.Data, &payload); err != nil || payload.MessageID == "" {
			conn.send(TypeError, utils.ErrorBody{Error: "invalid seen payload", Code: chatHandler.CodeValidation})
			return
		}
		if _, err := session.MarkVisible(payload.MessageID); err != nil {
			conn.sendError(err)
		}
	case TypeReport:
		var payload ReportPayload
		if err := decodeData(msg.Data, &payload); err != nil {
			conn.send(TypeError, utils.ErrorBody{Error: "invalid report payload", Code: chatHandler.CodeValidation})
			return
		}
		report, err := session.Report(ctx, payload.Reason)
		if err != nil {
			conn.sendError(err)
			return
		}
		conn.send(TypeReported, report)
	case TypeDelete:
		if err := session.Delete(ctx); err != nil {
			conn.sendError(err)
			return
		}
		conn.send(TypeDeleted, map[string]string{"chatId": session.ChatID()})
	case TypePing:
		conn.send(TypePong, nil)
	default:
		conn.send(TypeError, utils.ErrorBody{Error: "unsupported message type: " + msg.Type, Code: chatHandler.CodeValidation})
	}
}

func decodeData(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// pingLoop 定期发送ping消息
func (h *WebSocketHandler) pingLoop(ctx context.Context, conn *connection) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}
