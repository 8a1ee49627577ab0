package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Message 服务端自身产生的控制消息；业务事件按 Feed 给出的字节原样透传
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Feed opens the event source of one topic. The returned channel is closed
// when the topic's stream is over; stop releases the subscription early.
type Feed func(ctx context.Context, topic string) (events <-chan []byte, stop func())

// Connection 表示一个WebSocket连接
type Connection struct {
	ID       string
	Topic    string
	Conn     *websocket.Conn
	Send     chan []byte
	Hub      *Hub
	LastPing time.Time
	IsAlive  bool
	mu       sync.RWMutex

	done     chan struct{}
	doneOnce sync.Once
}

// finish 通知 writePump 发完缓冲后正常关闭
func (c *Connection) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Connection) alive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.IsAlive
}

// topicState 同一主题的所有连接共享一个上游订阅
type topicState struct {
	conns map[string]*Connection
	last  []byte
	stop  func()
}

// Hub 管理所有WebSocket连接
type Hub struct {
	// 注册的连接
	connections map[string]*Connection
	// 主题到连接的映射
	topics map[string]*topicState
	// 注册连接通道
	register chan *Connection
	// 注销连接通道
	unregister chan *Connection
	// 连接计数
	connectionCount int64
	// 配置
	config *Config
	feed   Feed
	// 互斥锁
	mu sync.RWMutex
	// 上下文
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub 创建新的Hub实例
func NewHub(config *Config, feed Feed) *Hub {
	if config == nil {
		config = DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	hub := &Hub{
		connections: make(map[string]*Connection),
		topics:      make(map[string]*topicState),
		register:    make(chan *Connection, 256),
		unregister:  make(chan *Connection, 256),
		config:      config,
		feed:        feed,
		ctx:         ctx,
		cancel:      cancel,
	}

	go hub.run()
	return hub
}

// run Hub主循环
func (h *Hub) run() {
	interval := h.config.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case conn := <-h.register:
			h.registerConnection(conn)
		case conn := <-h.unregister:
			h.unregisterConnection(conn)
		case <-ticker.C:
			h.checkHeartbeats()
		}
	}
}

// registerConnection 注册连接；主题第一个连接负责打开上游订阅
func (h *Hub) registerConnection(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// 检查最大连接数
	if atomic.LoadInt64(&h.connectionCount) >= h.config.MaxConnections {
		logrus.Warnf("达到最大连接数限制: %d", h.config.MaxConnections)
		h.rejectLocked(conn, ErrConnectionLimitExceeded)
		return
	}

	h.connections[conn.ID] = conn
	atomic.AddInt64(&h.connectionCount, 1)

	ts := h.topics[conn.Topic]
	if ts == nil {
		ts = &topicState{conns: make(map[string]*Connection)}
		h.topics[conn.Topic] = ts
		if h.feed != nil {
			events, stop := h.feed(h.ctx, conn.Topic)
			ts.stop = stop
			go h.pump(conn.Topic, ts, events)
		}
	}
	ts.conns[conn.ID] = conn

	// 后加入的连接先拿到该主题最近一条消息
	if ts.last != nil {
		h.trySend(conn, ts.last)
	}

	logrus.Infof("WebSocket连接已注册: %s, 主题: %s, 当前连接数: %d",
		conn.ID, conn.Topic, atomic.LoadInt64(&h.connectionCount))
}

func (h *Hub) rejectLocked(conn *Connection, reason string) {
	data, _ := json.Marshal(Message{Type: MessageTypeError, Data: reason, Timestamp: time.Now().Unix()})
	select {
	case conn.Send <- data:
	default:
	}
	conn.finish()
}

// unregisterConnection 注销连接；主题最后一个连接离开时释放上游订阅
func (h *Hub) unregisterConnection(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.connections[conn.ID]; !exists {
		return
	}
	delete(h.connections, conn.ID)
	atomic.AddInt64(&h.connectionCount, -1)

	if ts := h.topics[conn.Topic]; ts != nil && ts.conns[conn.ID] == conn {
		delete(ts.conns, conn.ID)
		if len(ts.conns) == 0 {
			delete(h.topics, conn.Topic)
			if ts.stop != nil {
				ts.stop()
			}
		}
	}

	close(conn.Send)
	logrus.Infof("WebSocket连接已注销: %s, 当前连接数: %d",
		conn.ID, atomic.LoadInt64(&h.connectionCount))
}

// pump 把上游事件按顺序扇出到主题下的连接，上游结束后关闭这些连接
func (h *Hub) pump(topic string, ts *topicState, events <-chan []byte) {
	for data := range events {
		h.mu.Lock()
		ts.last = data
		for _, conn := range ts.conns {
			if conn.alive() {
				h.trySend(conn, data)
			}
		}
		h.mu.Unlock()
	}

	h.mu.Lock()
	for _, conn := range ts.conns {
		conn.finish()
	}
	if h.topics[topic] == ts {
		delete(h.topics, topic)
	}
	h.mu.Unlock()
	if ts.stop != nil {
		ts.stop()
	}
	logrus.Debugf("主题 %s 的事件流已结束", topic)
}

// Publish 向主题下所有连接推送一条服务端消息
func (h *Hub) Publish(topic string, message *Message) error {
	if message.Timestamp == 0 {
		message.Timestamp = time.Now().Unix()
	}
	data, err := json.Marshal(message)
	if err != nil {
		logrus.Errorf("消息序列化失败: %v", err)
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if ts := h.topics[topic]; ts != nil {
		for _, conn := range ts.conns {
			if conn.alive() {
				h.trySend(conn, data)
			}
		}
	}
	return nil
}

// checkHeartbeats 检查心跳
func (h *Hub) checkHeartbeats() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := time.Now()
	for _, conn := range h.connections {
		conn.mu.Lock()
		expired := now.Sub(conn.LastPing) > h.config.ConnectionTimeout
		if expired {
			conn.IsAlive = false
		}
		conn.mu.Unlock()
		if expired && conn.Conn != nil {
			logrus.Warnf("连接 %s 心跳超时，准备关闭", conn.ID)
			conn.Conn.Close()
		}
	}
}

// GetConnectionCount 获取当前连接数
func (h *Hub) GetConnectionCount() int64 {
	return atomic.LoadInt64(&h.connectionCount)
}

// GetTopicConnections 获取主题的连接数
func (h *Hub) GetTopicConnections(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if ts, exists := h.topics[topic]; exists {
		return len(ts.conns)
	}
	return 0
}

// GetTopicCount 当前有上游订阅的主题数
func (h *Hub) GetTopicCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}

// Close 关闭Hub
func (h *Hub) Close() {
	h.cancel()

	// 关闭所有连接
	h.mu.Lock()
	for _, conn := range h.connections {
		if conn.Conn != nil {
			conn.Conn.Close()
		}
	}
	for topic, ts := range h.topics {
		if ts.stop != nil {
			ts.stop()
		}
		delete(h.topics, topic)
	}
	h.mu.Unlock()

	logrus.Info("WebSocket Hub已关闭")
}

// trySend 背压策略；调用方持有 h.mu
func (h *Hub) trySend(conn *Connection, data []byte) {
	if h.config.DropOnFull {
		select {
		case conn.Send <- data:
		default:
			logrus.Warnf("连接 %s 发送缓冲区已满，消息被丢弃", conn.ID)
			if h.config.CloseOnBackpressure && conn.Conn != nil {
				conn.Conn.Close()
			}
		}
		return
	}
	// 非丢弃模式：限定等待时长
	timeout := h.config.SendTimeout
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	select {
	case conn.Send <- data:
	case <-time.After(timeout):
		logrus.Warnf("连接 %s 发送超时，消息被丢弃", conn.ID)
		if h.config.CloseOnBackpressure && conn.Conn != nil {
			conn.Conn.Close()
		}
	}
}
