package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"aiInterview/internal/auth"
	"aiInterview/internal/federation"
	"aiInterview/internal/notify"
)

const (
	wsAuthTimeout  = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 5 * time.Second
)

// WsHandler 把用户频道上的面试事件推送给浏览器。
// 第一条消息必须是 {"type":"auth","token":...}；带 ?session_id= 时只转发该会话的事件。
type WsHandler struct {
	redisClient    *redis.Client
	authService    *auth.AuthService
	logger         *slog.Logger
	upgrader       websocket.Upgrader
	allowedOrigins []string
}

// NewWsHandler 构造 WebSocket 处理器。allowedOrigins 为空时只接受同源请求。
func NewWsHandler(redisClient *redis.Client, authService *auth.AuthService, logger *slog.Logger, allowedOrigins []string) *WsHandler {
	h := &WsHandler{
		redisClient:    redisClient,
		authService:    authService,
		logger:         logger,
		allowedOrigins: allowedOrigins,
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

func (h *WsHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(h.allowedOrigins) == 0 {
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
	for _, allowed := range h.allowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

type wsAuthMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// wsCloseError 携带关闭帧的状态码与原因。
type wsCloseError struct {
	code   int
	reason string
	err    error
}

func (e *wsCloseError) Error() string { return e.reason + ": " + e.err.Error() }
func (e *wsCloseError) Unwrap() error { return e.err }

// HandleConnection 升级连接、完成鉴权，然后转发通知直到任一方断开。
func (h *WsHandler) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("upgrade websocket failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	log := h.logger.With(slog.String("client_ip", c.ClientIP()))
	sessionFilter := c.Query("session_id")

	who, err := h.authenticate(conn)
	if err != nil {
		var ce *wsCloseError
		if errors.As(err, &ce) {
			writeClose(conn, ce.code, ce.reason)
		}
		log.Warn("websocket authentication failed", slog.Any("error", err))
		return
	}
	log = log.With(
		slog.Uint64("user_id", uint64(who.UserID)),
		slog.String("role", string(who.Role)),
	)
	log.Info("websocket authenticated", slog.String("session_filter", sessionFilter))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// 读循环只负责感知断开与 pong；客户端的后续消息被忽略。
	readDone := make(chan error, 1)
	go func() {
		readDone <- drain(conn)
		cancel()
	}()

	err = h.forward(ctx, conn, who, sessionFilter, log)
	cancel()
	if err == nil {
		err = <-readDone
	}
	log.Info("websocket connection closed", slog.Any("reason", err))
}

// authenticate 在 wsAuthTimeout 内读取并校验第一条鉴权消息。
func (h *WsHandler) authenticate(conn *websocket.Conn) (federation.Identity, error) {
	_ = conn.SetReadDeadline(time.Now().Add(wsAuthTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, message, err := conn.ReadMessage()
	if err != nil {
		return federation.Identity{}, fmt.Errorf("read auth message: %w", err)
	}

	var msg wsAuthMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return federation.Identity{}, &wsCloseError{websocket.ClosePolicyViolation, "invalid auth payload", err}
	}
	if msg.Type != "auth" || msg.Token == "" {
		return federation.Identity{}, &wsCloseError{websocket.ClosePolicyViolation, "auth required", errors.New("missing token")}
	}

	claims, err := h.authService.ValidateToken(msg.Token)
	if err != nil {
		return federation.Identity{}, &wsCloseError{websocket.ClosePolicyViolation, "unauthorized", err}
	}
	if claims.TokenType != auth.TokenTypeAccess {
		return federation.Identity{}, &wsCloseError{websocket.ClosePolicyViolation, "access token required",
			fmt.Errorf("token type %q", claims.TokenType)}
	}
	if claims.MustChangePassword {
		return federation.Identity{}, &wsCloseError{websocket.ClosePolicyViolation, "password change required",
			errors.New("initial password still in use")}
	}
	return federation.Identity{UserID: claims.UserID, Role: claims.Role}, nil
}

// forward 订阅用户频道并把匹配的事件写给客户端，定期发送 ping。
func (h *WsHandler) forward(ctx context.Context, conn *websocket.Conn, who federation.Identity, sessionFilter string, log *slog.Logger) error {
	channel := notify.Channel(who.Role, who.UserID)
	pubsub := h.redisClient.Subscribe(ctx, channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if !matchesSession(msg.Payload, sessionFilter) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				return fmt.Errorf("write message: %w", err)
			}
			log.Debug("notification forwarded", slog.String("channel", channel))
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
		}
	}
}

// matchesSession 判断通知是否属于关注的会话。无过滤条件或不带 session_id 的事件总是转发。
func matchesSession(payload, sessionID string) bool {
	if sessionID == "" {
		return true
	}
	var msg notify.Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return false
	}
	return msg.SessionID == "" || msg.SessionID == sessionID
}

func drain(conn *websocket.Conn) error {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
	}
}

func writeClose(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(wsWriteTimeout))
}
