package web

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elhananby/ximea-camera/config"
	"github.com/elhananby/ximea-camera/export"
	"github.com/elhananby/ximea-camera/recorder"
	"github.com/elhananby/ximea-camera/trigger"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxTriggerBody bounds POST /api/trigger payloads
const maxTriggerBody = 64 << 10

// ControllerStats reports capture controller counters
type ControllerStats interface {
	Stats() recorder.Stats
}

// WorkerStats reports export worker counters
type WorkerStats interface {
	Stats() export.WorkerStats
}

// ListenerStats reports trigger listener counters
type ListenerStats interface {
	Stats() trigger.ListenerStats
}

// Publisher accepts raw trigger transport text
type Publisher interface {
	Publish(raw string) error
}

// Handlers manages HTTP request handlers
type Handlers struct {
	config    *config.Config
	logger    *zap.Logger
	startTime time.Time

	mu         sync.RWMutex
	sessionID  string
	controller ControllerStats
	worker     WorkerStats
	listener   ListenerStats
	injector   Publisher
	socket     http.Handler
	watchdog   *export.Watchdog
}

// NewHandlers creates a new handlers instance
func NewHandlers(cfg *config.Config, logger *zap.Logger) *Handlers {
	return &Handlers{
		config:    cfg,
		logger:    logger,
		startTime: time.Now(),
	}
}

// SetSessionID sets the id reported in status responses
func (h *Handlers) SetSessionID(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessionID = id
}

// SetController sets the capture controller
func (h *Handlers) SetController(c ControllerStats) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.controller = c
}

// SetWorker sets the export worker
func (h *Handlers) SetWorker(w WorkerStats) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.worker = w
}

// SetListener sets the trigger listener
func (h *Handlers) SetListener(l ListenerStats) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listener = l
}

// SetInjector sets where POST /api/trigger payloads are published
func (h *Handlers) SetInjector(p Publisher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.injector = p
}

// SetTriggerSocket mounts the websocket trigger transport
func (h *Handlers) SetTriggerSocket(handler http.Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.socket = handler
}

// SetWatchdog sets the memory watchdog
func (h *Handlers) SetWatchdog(w *export.Watchdog) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.watchdog = w
}

// HandleHealth returns health check information
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	services := map[string]interface{}{
		"web_server": "running",
	}
	if h.controller != nil {
		services["capture"] = h.controller.Stats().State
	}
	if h.worker != nil {
		if h.worker.Stats().Busy {
			services["export"] = "encoding"
		} else {
			services["export"] = "idle"
		}
	}
	if h.socket != nil {
		services["trigger_socket"] = "mounted"
	}

	h.writeJSONResponse(w, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  services,
	})
}

// HandleAPIStatus returns pipeline counters
func (h *Handlers) HandleAPIStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := map[string]interface{}{
		"session":        h.sessionID,
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
		"window": map[string]interface{}{
			"n_before": h.config.NBefore(),
			"n_after":  h.config.NAfter(),
			"fps":      h.config.Camera.FPS,
		},
	}
	if h.controller != nil {
		status["capture"] = h.controller.Stats()
	}
	if h.worker != nil {
		status["export"] = h.worker.Stats()
	}
	if h.listener != nil {
		status["trigger"] = h.listener.Stats()
	}
	if h.watchdog != nil {
		status["memory"] = map[string]interface{}{
			"rss_mb":   h.watchdog.RSS() / 1024 / 1024,
			"limit_mb": h.config.Limits.MaxMemoryUsageMB,
			"warnings": h.watchdog.Warnings(),
		}
	}

	h.writeJSONResponse(w, status)
}

// HandleAPIConfig returns the current configuration
func (h *Handlers) HandleAPIConfig(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, h.config)
}

// HandleAPITrigger publishes the request body as if it arrived on the
// trigger transport. The body is either a bare payload or "<topic> <payload>".
func (h *Handlers) HandleAPITrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeErrorResponse(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.mu.RLock()
	injector := h.injector
	h.mu.RUnlock()
	if injector == nil {
		h.writeErrorResponse(w, "Trigger injection not available", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTriggerBody))
	if err != nil {
		h.writeErrorResponse(w, "Failed to read request body", http.StatusRequestEntityTooLarge)
		return
	}
	raw := strings.TrimSpace(string(body))
	if raw == "" {
		h.writeErrorResponse(w, "Empty trigger payload", http.StatusBadRequest)
		return
	}

	msg := trigger.Decode(raw)
	if err := injector.Publish(raw); err != nil {
		h.logger.Warn("Trigger injection rejected", zap.Error(err))
		h.writeErrorResponse(w, "Trigger transport closed", http.StatusServiceUnavailable)
		return
	}

	h.logger.Info("Trigger injected over HTTP",
		zap.String("kind", msg.Kind.String()),
		zap.String("remote_addr", r.RemoteAddr))

	resp := map[string]interface{}{
		"accepted": true,
		"kind":     msg.Kind.String(),
	}
	if msg.Kind == trigger.KindTrigger {
		resp["clip"] = msg.Event.ClipName()
	}
	if msg.Err != nil {
		resp["error"] = msg.Err.Error()
	}
	h.writeJSONResponse(w, resp)
}

// HandleTriggerSocket hands the request to the websocket trigger transport
func (h *Handlers) HandleTriggerSocket(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	socket := h.socket
	h.mu.RUnlock()
	if socket == nil {
		h.writeErrorResponse(w, "Websocket trigger transport not enabled", http.StatusNotFound)
		return
	}
	socket.ServeHTTP(w, r)
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]interface{}{
		"error":  message,
		"status": statusCode,
	}

	json.NewEncoder(w).Encode(errorResponse)
}
