package sse

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeStreamsUntilFeedEnds(t *testing.T) {
	gin.SetMode(gin.TestMode)
	src := make(chan []byte, 4)
	stopped := make(chan struct{}, 1)
	feed := func(ctx context.Context, topic string) (<-chan []byte, func()) {
		assert.Equal(t, "p1", topic)
		return src, func() { stopped <- struct{}{} }
	}
	hub := NewHub(feed, time.Minute)

	r := gin.New()
	r.GET("/progress/:id", func(c *gin.Context) { hub.Serve(c, c.Param("id")) })
	srv := httptest.NewServer(r)
	defer srv.Close()

	src <- []byte(`{"progress":0.4}`)
	src <- []byte(`{"progress":1,"status":"ready"}`)
	close(src)

	resp, err := http.Get(srv.URL + "/progress/p1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	assert.Equal(t, []string{
		"retry: 3000",
		"id: 1", "event: progress", `data: {"progress":0.4}`,
		"id: 2", "event: progress", `data: {"progress":1,"status":"ready"}`,
		"event: end", "data: {}",
	}, lines)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("feed not released")
	}
	assert.Equal(t, 0, hub.ClientCount("p1"))
}

func TestCloseEndsOpenStreams(t *testing.T) {
	gin.SetMode(gin.TestMode)
	src := make(chan []byte)
	hub := NewHub(func(ctx context.Context, topic string) (<-chan []byte, func()) {
		return src, func() {}
	}, time.Minute)

	r := gin.New()
	r.GET("/progress/:id", func(c *gin.Context) { hub.Serve(c, c.Param("id")) })
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/progress/p1")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Eventually(t, func() bool { return hub.ClientCount("p1") == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount("p1") == 0 }, 2*time.Second, 10*time.Millisecond)
}
