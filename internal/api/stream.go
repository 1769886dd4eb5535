package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/flowforge/backend/internal/engine"
	"github.com/flowforge/backend/internal/tenancy"
)

// LogEvent is one websocket frame: the log lines appended since the last
// frame and the execution status at read time.
type LogEvent struct {
	ExecutionID string   `json:"executionId"`
	Status      string   `json:"status"`
	Lines       []string `json:"lines"`
	Done        bool     `json:"done"`
}

// LogStreamer pushes execution logs over websocket. Each connection gets
// its own poller reading the persisted execution image; the stream closes
// once the execution reaches a terminal status.
type LogStreamer struct {
	engine   *engine.Engine
	upgrader websocket.Upgrader
	interval time.Duration

	done     chan struct{}
	doneOnce sync.Once
}

// NewLogStreamer creates a streamer over the engine.
func NewLogStreamer(eng *engine.Engine) *LogStreamer {
	return &LogStreamer{
		engine: eng,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		interval: time.Second,
		done:     make(chan struct{}),
	}
}

// Handle upgrades the request and streams until the execution finishes or
// the client disconnects.
func (ls *LogStreamer) Handle(w http.ResponseWriter, r *http.Request) {
	accountID, err := tenancy.AccountID(r.Context())
	if err != nil {
		http.Error(w, "missing tenant context", http.StatusUnauthorized)
		return
	}
	executionID := mux.Vars(r)["id"]

	conn, err := ls.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go ls.pump(conn, closed, accountID, executionID)
}

func (ls *LogStreamer) pump(conn *websocket.Conn, closed chan struct{}, accountID, executionID string) {
	defer conn.Close()

	ticker := time.NewTicker(ls.interval)
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case <-ls.done:
			return
		case <-closed:
			return
		case <-ticker.C:
		}

		exec, err := ls.engine.GetExecution(context.Background(), accountID, executionID)
		if err != nil {
			_ = conn.WriteJSON(LogEvent{ExecutionID: executionID, Status: "unknown", Done: true})
			return
		}

		var lines []string
		if sent < len(exec.Logs) {
			lines = exec.Logs[sent:]
			sent = len(exec.Logs)
		}
		terminal := exec.Status.Terminal()
		if len(lines) == 0 && !terminal {
			continue
		}

		if err := conn.WriteJSON(LogEvent{
			ExecutionID: executionID,
			Status:      string(exec.Status),
			Lines:       lines,
			Done:        terminal,
		}); err != nil {
			return
		}
		if terminal {
			return
		}
	}
}

// Close stops every active stream.
func (ls *LogStreamer) Close() {
	ls.doneOnce.Do(func() { close(ls.done) })
}
