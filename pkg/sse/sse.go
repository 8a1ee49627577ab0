package sse

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Feed opens the event source of a topic; the channel closes when the
// stream is over.
type Feed func(ctx context.Context, topic string) (events <-chan []byte, stop func())

type Client struct {
	id    string
	topic string
	done  chan struct{}
	once  sync.Once
}

func (c *Client) close() { c.once.Do(func() { close(c.done) }) }

type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	topics   map[string]map[string]bool // topic -> clientID set
	feed     Feed
	interval time.Duration
	retryMs  int
}

func NewHub(feed Feed, interval time.Duration) *Hub {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Hub{clients: make(map[string]*Client), topics: make(map[string]map[string]bool), feed: feed, interval: interval, retryMs: 3000}
}

func (h *Hub) addClient(topic string) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := &Client{id: uuid.NewString(), topic: topic, done: make(chan struct{})}
	h.clients[c.id] = c
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[string]bool)
	}
	h.topics[topic][c.id] = true
	return c
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	if ids := h.topics[c.topic]; ids != nil {
		delete(ids, c.id)
		if len(ids) == 0 {
			delete(h.topics, c.topic)
		}
	}
	c.close()
}

// ClientCount 某个主题上的 SSE 客户端数
func (h *Hub) ClientCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Close 结束所有流
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.close()
	}
}

// Serve streams topic until the feed ends, the client goes away or the hub
// closes. A reconnect starts from the feed's replay of the latest event.
func (h *Hub) Serve(c *gin.Context, topic string) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	fmt.Fprintf(c.Writer, "retry: %d\n\n", h.retryMs)
	flusher.Flush()

	client := h.addClient(topic)
	defer h.removeClient(client)

	ctx := c.Request.Context()
	events, stop := h.feed(ctx, topic)
	defer stop()

	ping := time.NewTicker(h.interval)
	defer ping.Stop()

	seq := 0
	for {
		select {
		case <-client.done:
			return
		case <-ctx.Done():
			return
		case <-ping.C:
			fmt.Fprintf(c.Writer, "event: ping\ndata: {}\n\n")
			flusher.Flush()
		case data, ok := <-events:
			if !ok {
				fmt.Fprintf(c.Writer, "event: end\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			seq++
			fmt.Fprintf(c.Writer, "id: %d\nevent: progress\ndata: %s\n\n", seq, data)
			flusher.Flush()
		}
	}
}
