package trigger

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketTransport accepts trigger publishers over WebSocket. Every text
// frame a publisher sends is one raw transport message.
type WebSocketTransport struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	inbox chan string
	done  chan struct{}

	mu         sync.Mutex
	publishers map[string]*websocket.Conn
	closed     atomic.Bool

	allowedOrigins []string
}

// NewWebSocketTransport creates a transport to be mounted on an HTTP mux
func NewWebSocketTransport(allowedOrigins []string, bufferSize int, logger *zap.Logger) *WebSocketTransport {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}

	t := &WebSocketTransport{
		logger:         logger.With(zap.String("transport", "websocket")),
		inbox:          make(chan string, bufferSize),
		done:           make(chan struct{}),
		publishers:     make(map[string]*websocket.Conn),
		allowedOrigins: allowedOrigins,
	}
	t.upgrader = websocket.Upgrader{
		CheckOrigin:     t.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return t
}

func (t *WebSocketTransport) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	for _, allowed := range t.allowedOrigins {
		if allowed == "*" || origin == "" || origin == allowed {
			return true
		}
	}
	t.logger.Warn("Origin not allowed",
		zap.String("origin", origin),
		zap.Strings("allowed_origins", t.allowedOrigins))
	return false
}

// ServeHTTP upgrades a publisher connection
func (t *WebSocketTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.closed.Load() {
		http.Error(w, "trigger transport closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	id := uuid.New().String()
	t.mu.Lock()
	t.publishers[id] = conn
	t.mu.Unlock()

	t.logger.Info("Trigger publisher connected",
		zap.String("publisher_id", id),
		zap.String("remote_addr", r.RemoteAddr))

	go t.readPump(id, conn)
}

func (t *WebSocketTransport) readPump(id string, conn *websocket.Conn) {
	defer func() {
		conn.Close()
		t.logger.Info("Trigger publisher disconnected", zap.String("publisher_id", id))
		t.mu.Lock()
		delete(t.publishers, id)
		t.mu.Unlock()
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Warn("WebSocket read error", zap.String("publisher_id", id), zap.Error(err))
			}
			return
		}
		if kind != websocket.TextMessage {
			t.logger.Debug("Ignoring non-text frame", zap.String("publisher_id", id), zap.Int("type", kind))
			continue
		}
		// Blocks the publisher rather than dropping a trigger
		select {
		case t.inbox <- string(data):
		case <-t.done:
			return
		}
	}
}

// Publishers returns the number of connected publishers
func (t *WebSocketTransport) Publishers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.publishers)
}

// Poll implements Transport
func (t *WebSocketTransport) Poll() (string, bool, error) {
	select {
	case raw := <-t.inbox:
		return raw, true, nil
	default:
	}
	if t.closed.Load() {
		return "", false, ErrClosed
	}
	return "", false, nil
}

// Close disconnects all publishers
func (t *WebSocketTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.done)

	t.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(t.publishers))
	for _, c := range t.publishers {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), deadline)
		c.Close()
	}
	return nil
}
