package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API binds loopback; cross-origin browser access is not a
	// supported surface.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// handleServerLogs streams a server's captured output over a websocket:
// first the buffered backlog, then live lines until either side closes.
func (s *Server) handleServerLogs(c *gin.Context) {
	proc, ok := s.mgr.Table().Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no live process for server"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ring := proc.Ring()
	// Subscribe before draining the backlog so no line is lost in
	// between; duplicates are possible but dropped lines are not.
	live := ring.Subscribe()
	defer ring.Unsubscribe(live)

	for _, line := range ring.Snapshot() {
		if writeLine(conn, line) != nil {
			return
		}
	}

	// Reader goroutine notices the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case line, ok := <-live:
			if !ok {
				return
			}
			if writeLine(conn, line) != nil {
				return
			}
		case <-proc.Done():
			writeLine(conn, "[process exited]")
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if conn.WriteMessage(websocket.PingMessage, nil) != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func writeLine(conn *websocket.Conn, line string) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, []byte(line))
}
