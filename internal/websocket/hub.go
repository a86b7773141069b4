package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/middleware"
	"mailsink/backend/internal/monitoring"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 64
	previewLength  = 100
)

// newUpgrader 按 Origin 白名单校验浏览器连接；"*" 放行所有来源，没有 Origin 的非浏览器客户端总是放行
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := false
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = struct{}{}
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowAll || origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

// MessageType 推送帧类型
type MessageType string

const (
	MessageTypeNewMail MessageType = "new_mail"
	MessageTypePing    MessageType = "ping"
)

// Message 推送帧，Data 随 Type 变化
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMailData 新邮件通知数据
type NewMailData struct {
	ID      string           `json:"id"`
	From    domain.Address   `json:"from"`
	To      []domain.Address `json:"to"`
	Subject string           `json:"subject"`
	Preview string           `json:"preview,omitempty"`
	HasHTML bool             `json:"hasHtml"`
	Date    time.Time        `json:"date"`
}

// Client 一个已认证的订阅连接，只接收 identity 可见的邮件
type Client struct {
	ID       string
	apiKey   string
	token    string
	identity *domain.Identity
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
}

// CallerResolver 解析 ?token= 会话令牌，并在推送前重新校验连接的凭证
type CallerResolver interface {
	ResolveCaller(apiKey, token string) *domain.Identity
}

// Hub 管理所有WebSocket连接，按身份的可见范围推送新邮件
type Hub struct {
	clients        map[string]*Client
	register       chan *Client
	unregister     chan *Client
	broadcast      chan *domain.Message
	done           chan struct{}
	mu             sync.RWMutex
	log            *zap.Logger
	metrics        *monitoring.Metrics
	resolver       CallerResolver
	allowedOrigins []string
}

// NewHub 创建WebSocket Hub
//
// 参数:
//   - allowedOrigins: 允许的 Origin 列表，为空时允许所有
//   - resolver: 解析 ?token= 查询参数，推送前重新校验凭证
//   - metrics: 监控指标
//   - log: 日志记录器
func NewHub(allowedOrigins []string, resolver CallerResolver, metrics *monitoring.Metrics, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	return &Hub{
		clients:        make(map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *domain.Message, 256),
		done:           make(chan struct{}),
		log:            log,
		metrics:        metrics,
		resolver:       resolver,
		allowedOrigins: allowedOrigins,
	}
}

// Run 处理注册、注销和广播，ctx 取消时关闭所有连接
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.dropAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.metrics.WebSocketClients.Inc()
			h.log.Info("websocket client registered",
				zap.String("id", client.ID),
				zap.String("identity", client.identity.Username),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
				h.metrics.WebSocketClients.Dec()
				h.log.Info("websocket client unregistered", zap.String("id", client.ID))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.deliver(message)
		}
	}
}

// NotifyNewMessage 推送新邮件通知，队列满时丢弃
func (h *Hub) NotifyNewMessage(message *domain.Message) {
	select {
	case h.broadcast <- message:
	case <-h.done:
	default:
		h.log.Warn("websocket broadcast queue full, notification dropped",
			zap.String("message_id", message.ID),
		)
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// deliver 向能看到该邮件的客户端发送通知
//
// 每次推送前用连接时的凭证重新解析身份：会话登出、身份删除或 API Key 轮换后
// 连接被关闭，可见域变化立即生效。
func (h *Hub) deliver(message *domain.Message) {
	data, err := encodeNewMail(message)
	if err != nil {
		h.log.Error("failed to marshal new mail notification", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		identity := h.resolver.ResolveCaller(client.apiKey, client.token)
		if identity == nil {
			h.drop(client)
			continue
		}
		client.identity = identity

		if !identity.CanSee(message) {
			continue
		}
		select {
		case client.send <- data:
		default:
			h.log.Warn("client channel blocked, skipping", zap.String("client_id", client.ID))
		}
	}
}

// drop 关闭凭证已失效的连接，只在 Run 所在的 goroutine 中调用
func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.send)
	h.metrics.WebSocketClients.Dec()
	h.log.Info("websocket client revoked",
		zap.String("id", client.ID),
		zap.String("identity", client.identity.Username),
	)
}

func encodeNewMail(message *domain.Message) ([]byte, error) {
	preview := message.Text
	if runes := []rune(preview); len(runes) > previewLength {
		preview = string(runes[:previewLength])
	}

	data, err := json.Marshal(NewMailData{
		ID:      message.ID,
		From:    message.From,
		To:      message.To,
		Subject: message.Subject,
		Preview: preview,
		HasHTML: message.HTML != "",
		Date:    message.ReceivedAt,
	})
	if err != nil {
		return nil, err
	}

	return json.Marshal(&Message{
		Type:      MessageTypeNewMail,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// dropAll 关闭全部 send 通道，writePump 随后发送关闭帧
func (h *Hub) dropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		close(client.send)
		h.metrics.WebSocketClients.Dec()
	}
	h.clients = make(map[string]*Client)
}

// HandleWebSocket 升级为订阅连接
//
// 调用方身份来自认证中间件；浏览器无法设置请求头时可以通过 ?token= 传入会话令牌。
// 连接保存所用凭证，推送时据此重新校验。
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := newUpgrader(hub.allowedOrigins)

	return func(c *gin.Context) {
		apiKey := strings.TrimSpace(c.GetHeader(middleware.APIKeyHeader))
		token := middleware.SessionToken(c)
		identity := middleware.CurrentIdentity(c)
		if identity == nil {
			if token = c.Query("token"); token != "" {
				identity = hub.resolver.ResolveCaller("", token)
			}
		}
		if identity == nil {
			hub.log.Warn("websocket authentication failed", zap.String("remote_addr", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "msg": "需要登录认证"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Warn("websocket upgrade rejected",
				zap.String("identity", identity.Username),
				zap.String("origin", c.GetHeader("Origin")),
				zap.Error(err),
			)
			return
		}

		client := &Client{
			ID:       uuid.NewString(),
			apiKey:   apiKey,
			token:    token,
			identity: identity,
			conn:     conn,
			send:     make(chan []byte, sendBufferSize),
			hub:      hub,
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			_ = conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

// readPump 读取客户端消息，连接断开时注销
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("websocket read error", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}

		// 客户端只会发送保活帧
		if msg.Type == MessageTypePing {
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
