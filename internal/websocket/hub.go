// Package websocket 把邮箱订阅桥接到 WebSocket 连接。
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mailbus/kernel/internal/domain"
	"mailbus/kernel/internal/mailbox"
)

// MessageType WebSocket 消息类型
type MessageType string

const (
	MessageTypeNewMail    MessageType = "new_mail"
	MessageTypeSubscribed MessageType = "subscribed"
	MessageTypePing       MessageType = "ping"
	MessageTypePong       MessageType = "pong"
	MessageTypeError      MessageType = "error"
)

// Message WebSocket 消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	Address   string          `json:"address,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}
			return false
		},
	}
}

// client 一个活跃的 WebSocket 连接及其邮箱订阅
type client struct {
	id   string
	conn *websocket.Conn
	sub  *mailbox.Subscription

	sendMu sync.Mutex
	closed bool
	send   chan []byte
}

// Hub 管理所有 WebSocket 连接
type Hub struct {
	mb       *mailbox.Mailbox
	upgrader websocket.Upgrader
	log      *zap.Logger

	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub 创建 WebSocket Hub
func NewHub(mb *mailbox.Mailbox, allowedOrigins []string, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		mb:       mb,
		upgrader: upgraderFactory(allowedOrigins),
		log:      log,
		clients:  make(map[string]*client),
	}
}

// HandleConnection 处理一个 WebSocket 订阅请求
//
//	GET /api/v1/subscribe?address=...
//
// 连接升级成功后为该地址注册推送订阅，收到的每条消息编码为
// new_mail 帧写给客户端；连接断开时取消订阅。
func (h *Hub) HandleConnection(c *gin.Context) {
	address := c.Query("address")
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address is required"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	cl := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 64),
	}

	sub, err := h.mb.Subscribe(c.Request.Context(), address, func(ctx context.Context, msg *domain.MailMessage) error {
		return h.deliver(cl, msg)
	})
	if err != nil {
		h.writeFrame(conn, Message{
			Type:      MessageTypeError,
			Error:     err.Error(),
			Timestamp: time.Now(),
		})
		_ = conn.Close()
		return
	}
	cl.sub = sub

	h.mu.Lock()
	h.clients[cl.id] = cl
	h.mu.Unlock()

	h.log.Info("websocket client subscribed",
		zap.String("client_id", cl.id),
		zap.String("address", address),
	)

	h.writeFrame(conn, Message{
		Type:      MessageTypeSubscribed,
		Address:   address,
		Timestamp: time.Now(),
	})

	go h.writeLoop(cl)
	go h.readLoop(cl)
}

// deliver 把一条消息编码后排入客户端发送队列
func (h *Hub) deliver(cl *client, msg *domain.MailMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Message{
		Type:      MessageTypeNewMail,
		Address:   msg.To.String(),
		Data:      data,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}

	cl.sendMu.Lock()
	defer cl.sendMu.Unlock()
	if cl.closed {
		return net.ErrClosed
	}
	select {
	case cl.send <- frame:
		return nil
	default:
		// 发送队列已满说明客户端跟不上，视为投递失败
		return errSlowConsumer
	}
}

var errSlowConsumer = errors.New("websocket send queue full")

func (h *Hub) writeLoop(cl *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-cl.send:
			if !ok {
				return
			}
			_ = cl.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := cl.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.drop(cl)
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(cl)
				return
			}
		}
	}
}

func (h *Hub) readLoop(cl *client) {
	defer h.drop(cl)

	cl.conn.SetReadLimit(4096)
	_ = cl.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})

	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if json.Unmarshal(raw, &msg) != nil {
			continue
		}
		if msg.Type == MessageTypePing {
			h.writeFrame(cl.conn, Message{Type: MessageTypePong, Timestamp: time.Now()})
		}
	}
}

// drop 注销客户端并取消其邮箱订阅。幂等。
func (h *Hub) drop(cl *client) {
	h.mu.Lock()
	_, ok := h.clients[cl.id]
	if ok {
		delete(h.clients, cl.id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	if cl.sub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := cl.sub.Unsubscribe(ctx); err != nil {
			h.log.Warn("failed to unsubscribe websocket client",
				zap.String("client_id", cl.id),
				zap.Error(err),
			)
		}
	}
	cl.sendMu.Lock()
	cl.closed = true
	close(cl.send)
	cl.sendMu.Unlock()
	_ = cl.conn.Close()
	h.log.Info("websocket client disconnected", zap.String("client_id", cl.id))
}

// Close 断开所有客户端连接
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, cl := range h.clients {
		clients = append(clients, cl)
	}
	h.mu.RUnlock()

	for _, cl := range clients {
		h.drop(cl)
	}
}

func (h *Hub) writeFrame(conn *websocket.Conn, msg Message) {
	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, frame)
}
