package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const writeWait = 10 * time.Second

// newUpgrader 根据配置创建WebSocket升级器
func newUpgrader(cfg *Config) websocket.Upgrader {
	up := websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(cfg.AllowedOrigins, r.Header.Get("Origin"))
		},
		EnableCompression: cfg.EnableCompression,
	}
	return up
}

// originAllowed 未配置白名单时放行所有来源
func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 || origin == "" {
		return true
	}
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Serve 升级连接并挂到 topic 上
func Serve(hub *Hub, w http.ResponseWriter, r *http.Request, topic string) (*Connection, error) {
	// 升级HTTP连接为WebSocket
	upgrader := newUpgrader(hub.config)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Errorf("WebSocket升级失败: %v", err)
		return nil, err
	}

	// 压缩设置
	if hub.config.EnableCompression {
		conn.EnableWriteCompression(true)
		if hub.config.CompressionLevel != 0 {
			_ = conn.SetCompressionLevel(hub.config.CompressionLevel)
		}
	}

	connection := &Connection{
		ID:       "conn_" + uuid.NewString(),
		Topic:    topic,
		Conn:     conn,
		Send:     make(chan []byte, hub.config.MessageBufferSize),
		Hub:      hub,
		LastPing: time.Now(),
		IsAlive:  true,
		done:     make(chan struct{}),
	}

	// 注册连接到Hub
	select {
	case hub.register <- connection:
	case <-hub.ctx.Done():
		conn.Close()
		return nil, hub.ctx.Err()
	}

	// 启动读写协程
	go connection.writePump()
	go connection.readPump()
	return connection, nil
}

// readPump 读取消息的协程；进度通道只接受 ping
func (c *Connection) readPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.ctx.Done():
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(int64(c.Hub.config.MaxMessageSize))
	c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ConnectionTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.touch()
		c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ConnectionTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logrus.Errorf("WebSocket读取错误: %v", err)
			}
			break
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ConnectionTimeout))
		c.handleMessage(message)
	}
}

// writePump 发送消息的协程；每条事件单独一帧
func (c *Connection) writePump() {
	interval := c.Hub.config.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(time.Duration(float64(interval) * 0.9))
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			if !ok {
				c.writeClose(websocket.CloseNormalClosure, "")
				return
			}
			if err := c.write(message); err != nil {
				return
			}
		case <-c.done:
			// 先把缓冲里的事件发完再关闭
			for {
				select {
				case message, ok := <-c.Send:
					if !ok {
						c.writeClose(websocket.CloseNormalClosure, MsgStreamFinished)
						return
					}
					if err := c.write(message); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			c.writeClose(websocket.CloseNormalClosure, MsgStreamFinished)
			return
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) write(message []byte) error {
	c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteMessage(websocket.TextMessage, message)
}

func (c *Connection) writeClose(code int, text string) {
	c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.LastPing = time.Now()
	c.IsAlive = true
	c.mu.Unlock()
}

// handleMessage 处理接收到的消息
func (c *Connection) handleMessage(message []byte) {
	var msg Message
	if err := json.Unmarshal(message, &msg); err != nil {
		logrus.Debugf("忽略无法解析的客户端消息: %v", err)
		return
	}

	switch msg.Type {
	case MessageTypePing:
		c.handlePing()
	default:
		logrus.Debugf("未知的消息类型: %s", msg.Type)
	}
}

// handlePing 处理ping消息
func (c *Connection) handlePing() {
	c.touch()

	// 发送pong响应
	if err := c.SendMessage(&Message{Type: MessageTypePong, Timestamp: time.Now().Unix()}); err != nil {
		logrus.Warnf("连接 %s %v", c.ID, err)
	}
}

// SendMessage 发送消息给当前连接
// 只能在 readPump 退出前调用，注销流程会关闭 Send
func (c *Connection) SendMessage(message *Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	select {
	case c.Send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}
