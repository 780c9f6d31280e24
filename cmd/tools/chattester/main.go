package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/avatar-chat/backend/internal/handler/session"
	middlewarePkg "github.com/zhouzirui/avatar-chat/backend/internal/middleware"
	chatService "github.com/zhouzirui/avatar-chat/backend/internal/service/chat"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	server := flag.String("server", "ws://localhost:8080", "后端 WebSocket 地址")
	avatarID := flag.String("avatar", "alpha-wolf", "聊天对象 avatar ID")
	userID := flag.String("user", "tester", "用户 ID (作为 X-User-ID 或 JWT sub)")
	secret := flag.String("secret", os.Getenv("AUTH_JWT_SECRET"), "JWT 密钥，留空则使用 X-User-ID 请求头")
	flag.Parse()

	endpoint, err := url.JoinPath(*server, "/api/ws/chats/", *avatarID)
	if err != nil {
		log.Fatalf("无效的服务地址: %v", err)
	}

	header := http.Header{}
	if *secret != "" {
		token, err := signToken(*secret, *userID)
		if err != nil {
			log.Fatalf("签发 JWT 失败: %v", err)
		}
		header.Set("Authorization", "Bearer "+token)
	} else {
		header.Set(middlewarePkg.UserIDHeader, *userID)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(endpoint, header)
	if err != nil {
		if resp != nil {
			log.Fatalf("连接失败 (HTTP %d): %v", resp.StatusCode, err)
		}
		log.Fatalf("连接失败: %v", err)
	}
	defer conn.Close()

	log.Printf("已连接 %s", endpoint)
	printHelp()

	done := make(chan struct{})
	go readLoop(conn, done)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		msg, ok := parseCommand(scanner.Text())
		if !ok {
			continue
		}
		if msg == nil {
			break
		}
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("发送失败: %v", err)
			break
		}
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}

func printHelp() {
	fmt.Println("命令: 直接输入文本发送消息 | /seen <messageId> | /report [reason] | /delete | /ping | /quit")
}

// parseCommand turns a console line into a frame. A nil frame with ok=true means quit.
func parseCommand(line string) (map[string]any, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}
	if !strings.HasPrefix(line, "/") {
		return map[string]any{"type": session.TypeSend, "data": session.SendPayload{Text: line}}, true
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	switch cmd {
	case "seen":
		return map[string]any{"type": session.TypeSeen, "data": session.SeenPayload{MessageID: strings.TrimSpace(arg)}}, true
	case "report":
		return map[string]any{"type": session.TypeReport, "data": session.ReportPayload{Reason: strings.TrimSpace(arg)}}, true
	case "delete":
		return map[string]any{"type": session.TypeDelete}, true
	case "ping":
		return map[string]any{"type": session.TypePing}, true
	case "quit", "exit":
		return nil, true
	default:
		printHelp()
		return nil, false
	}
}

func readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		var frame struct {
			Type      string          `json:"type"`
			Data      json.RawMessage `json:"data"`
			Timestamp int64           `json:"timestamp"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Printf("连接已断开: %v", err)
			}
			return
		}

		at := time.UnixMilli(frame.Timestamp).Format("15:04:05.000")
		switch frame.Type {
		case session.TypeSnapshot:
			var view chatService.View
			if err := json.Unmarshal(frame.Data, &view); err != nil {
				log.Printf("无法解析快照: %v", err)
				continue
			}
			printView(at, view)
		default:
			fmt.Printf("[%s] %s %s\n", at, frame.Type, string(frame.Data))
		}
	}
}

func printView(at string, view chatService.View) {
	fmt.Printf("[%s] snapshot state=%s messages=%d\n", at, view.State, len(view.Messages))
	if view.StreamError != "" {
		fmt.Printf("  ! stream error: %s\n", view.StreamError)
	}
	for i, msg := range view.Messages {
		if i == 0 || msg.Delayed {
			fmt.Printf("  -- %s --\n", msg.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		fmt.Printf("  %s %-9s %s\n", msg.ID, msg.Content.Role, msg.Content.Text)
	}
}

func signToken(secret, subject string) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
