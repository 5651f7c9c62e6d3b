package session

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"SyncFM/logger"
	"SyncFM/model"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096 // 4KB
	sendBufferSize = 256
)

// Presence 在线状态存储，Hub 在注册、注销和心跳时更新
type Presence interface {
	UpdatePresence(ctx context.Context, sessionID, connID string) error
	RemovePresence(ctx context.Context, sessionID, connID string) error
}

// Client WebSocket 客户端
type Client struct {
	Hub        *Hub
	Conn       *websocket.Conn
	Send       chan []byte
	SessionID  string
	ConnID     string
	RemoteAddr string
	// ReadOnly clients receive broadcasts but may not submit actions.
	ReadOnly bool
}

// NewClient wraps conn for session sessionID with a fresh connection id.
func NewClient(hub *Hub, conn *websocket.Conn, sessionID string) *Client {
	c := &Client{
		Hub:       hub,
		Conn:      conn,
		Send:      make(chan []byte, sendBufferSize),
		SessionID: sessionID,
		ConnID:    uuid.New().String(),
	}
	if conn != nil {
		c.RemoteAddr = conn.RemoteAddr().String()
	}
	return c
}

type registration struct {
	client  *Client
	initial []byte
}

type unregistration struct {
	client *Client
}

type broadcastMessage struct {
	sessionID string
	message   []byte
}

type directMessage struct {
	client  *Client
	message []byte
}

// Hub 会话 WebSocket 管理中心。所有对客户端发送通道的写入和关闭都在 Run 循环内完成
type Hub struct {
	// 会话 -> 客户端集合
	sessions map[string]map[*Client]bool

	// 注册、注销、广播、单发和计数共用一个有序队列。
	// 注册排在它之前入队的广播之后处理，新连接不会收到比追赶状态更旧的状态
	ops chan interface{}

	presence Presence
	done     chan struct{}
}

type countRequest struct {
	sessionID string
	reply     chan int
}

// NewHub 创建 Hub，presence 可以为 nil
func NewHub(presence Presence) *Hub {
	return &Hub{
		sessions: make(map[string]map[*Client]bool),
		ops:      make(chan interface{}, 256),
		presence: presence,
		done:     make(chan struct{}),
	}
}

// Run 启动 Hub 主循环
func (h *Hub) Run() {
	for {
		select {
		case op := <-h.ops:
			switch op := op.(type) {
			case registration:
				h.registerClient(op)
			case unregistration:
				h.removeClient(op.client)
			case broadcastMessage:
				h.broadcastToSession(op)
			case directMessage:
				h.sendDirect(op)
			case countRequest:
				op.reply <- len(h.sessions[op.sessionID])
			}

		case <-h.done:
			h.cleanup()
			return
		}
	}
}

func (h *Hub) enqueue(op interface{}) bool {
	select {
	case h.ops <- op:
		return true
	case <-h.done:
		return false
	}
}

// Stop 停止 Hub
func (h *Hub) Stop() {
	close(h.done)
}

// Register queues client with initial as its first message. initial may be nil.
func (h *Hub) Register(client *Client, initial []byte) {
	h.enqueue(registration{client: client, initial: initial})
}

// Unregister 注销客户端
func (h *Hub) Unregister(client *Client) {
	h.enqueue(unregistration{client: client})
}

// Broadcast 向会话内所有客户端广播，包括动作发起者
func (h *Hub) Broadcast(sessionID string, message []byte) {
	h.enqueue(broadcastMessage{sessionID: sessionID, message: message})
}

// BroadcastWSMessage stamps and broadcasts msg.
func (h *Hub) BroadcastWSMessage(msg *model.WSMessage) error {
	msg.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.Broadcast(msg.SessionID, data)
	return nil
}

// SendTo queues message for a single client.
func (h *Hub) SendTo(client *Client, message []byte) {
	h.enqueue(directMessage{client: client, message: message})
}

// ClientCount 获取会话当前连接数，计入此前排队的注册和注销
func (h *Hub) ClientCount(sessionID string) int {
	reply := make(chan int, 1)
	if !h.enqueue(countRequest{sessionID: sessionID, reply: reply}) {
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-h.done:
		return 0
	}
}

func (h *Hub) registerClient(reg registration) {
	client := reg.client
	if h.sessions[client.SessionID] == nil {
		h.sessions[client.SessionID] = make(map[*Client]bool)
	}
	h.sessions[client.SessionID][client] = true

	// 新连接的发送缓冲区为空，追赶状态一定是第一条消息
	if reg.initial != nil {
		client.Send <- reg.initial
	}

	h.touchPresenceAsync(client)

	logger.Info("client registered",
		logger.String("session", client.SessionID),
		logger.String("conn", client.ConnID),
		logger.String("remote", client.RemoteAddr))
}

// removeClient 移除客户端，只能在 Run 循环内调用
func (h *Hub) removeClient(client *Client) {
	clients, ok := h.sessions[client.SessionID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.sessions, client.SessionID)
	}

	if h.presence != nil {
		go h.dropPresence(client.SessionID, client.ConnID)
	}

	logger.Info("client unregistered",
		logger.String("session", client.SessionID),
		logger.String("conn", client.ConnID))
}

func (h *Hub) broadcastToSession(msg broadcastMessage) {
	for client := range h.sessions[msg.sessionID] {
		select {
		case client.Send <- msg.message:
		default:
			// 发送缓冲区满，断开该客户端，重连后会收到追赶状态
			logger.Warn("send buffer full, dropping client",
				logger.String("session", client.SessionID),
				logger.String("conn", client.ConnID))
			h.removeClient(client)
		}
	}
}

func (h *Hub) sendDirect(msg directMessage) {
	if !h.sessions[msg.client.SessionID][msg.client] {
		return
	}
	select {
	case msg.client.Send <- msg.message:
	default:
	}
}

func (h *Hub) touchPresence(client *Client) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.presence.UpdatePresence(ctx, client.SessionID, client.ConnID); err != nil {
		logger.Warn("failed to update presence",
			logger.ErrorField(err),
			logger.String("session", client.SessionID),
			logger.String("conn", client.ConnID))
	}
}

// touchPresenceAsync 在线状态写入不阻塞 Run 循环和读循环
func (h *Hub) touchPresenceAsync(c *Client) {
	if h.presence == nil {
		return
	}
	go h.touchPresence(c)
}

func (h *Hub) dropPresence(sessionID, connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.presence.RemovePresence(ctx, sessionID, connID); err != nil {
		logger.Warn("failed to remove presence on unregister",
			logger.ErrorField(err),
			logger.String("session", sessionID),
			logger.String("conn", connID))
	}
}

// cleanup 清理所有连接
func (h *Hub) cleanup() {
	for _, clients := range h.sessions {
		for client := range clients {
			close(client.Send)
		}
	}
	h.sessions = make(map[string]map[*Client]bool)
}

// ========== Client 方法 ==========

// ReadPump 读取消息循环，返回时注销客户端
func (c *Client) ReadPump(ctx context.Context, handler func(ctx context.Context, client *Client, msg *model.WSMessage)) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error",
					logger.ErrorField(err),
					logger.String("session", c.SessionID),
					logger.String("conn", c.ConnID))
			}
			return
		}

		var msg model.WSMessage
		if err := json.Unmarshal(bytes.TrimSpace(message), &msg); err != nil {
			logger.Warn("invalid message format",
				logger.ErrorField(err),
				logger.String("session", c.SessionID))
			c.SendMessage(&model.WSMessage{Type: model.MsgTypeError, Data: json.RawMessage(`"invalid message format"`)})
			continue
		}

		if msg.Type == model.MsgTypePing {
			c.Hub.touchPresenceAsync(c)
			c.SendMessage(&model.WSMessage{Type: model.MsgTypePong})
			continue
		}

		handler(ctx, c, &msg)
	}
}

// WritePump 写入消息循环，队列中的多条消息合并为一帧，以换行分隔
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub 关闭了通道
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.Send)
			for i := 0; i < n; i++ {
				next, ok := <-c.Send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage 通过 Hub 发送消息给该客户端
func (c *Client) SendMessage(msg *model.WSMessage) error {
	msg.SessionID = c.SessionID
	msg.ConnID = c.ConnID
	msg.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.Hub.SendTo(c, data)
	return nil
}
