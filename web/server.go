package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/elhananby/ximea-camera/config"
	"go.uber.org/zap"
)

// Server exposes status and trigger injection over HTTP
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	listener   net.Listener

	handlers *Handlers
}

// NewServer creates a new web server
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		config:   cfg,
		logger:   logger,
		handlers: NewHandlers(cfg, logger),
	}
}

// Handlers returns the handler set so components can be attached
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Handler builds the routed, middleware-wrapped handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handlers.HandleHealth)
	mux.HandleFunc("/api/status", s.handlers.HandleAPIStatus)
	mux.HandleFunc("/api/config", s.handlers.HandleAPIConfig)
	mux.HandleFunc("/api/trigger", s.handlers.HandleAPITrigger)
	mux.HandleFunc("/ws/triggers", s.handlers.HandleTriggerSocket)

	return s.addMiddleware(mux)
}

// Start binds the listen address and serves in the background
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.BindIP, s.config.Server.WebPort)
	s.logger.Info("Starting web server", zap.String("address", addr))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Web server error", zap.Error(err))
		}
	}()

	s.logger.Info("Web server started", zap.String("address", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, useful when web_port is 0
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// addMiddleware adds CORS and request logging
func (s *Server) addMiddleware(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		// Websocket upgrades need the raw writer for hijacking
		if r.URL.Path == "/ws/triggers" {
			handler.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler.ServeHTTP(lw, r)

		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", lw.statusCode),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// loggingResponseWriter wraps http.ResponseWriter to capture status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// Stop shuts the server down gracefully
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Stopping web server")

	timeout := time.Duration(s.config.Timeouts.HTTPShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Error during server shutdown", zap.Error(err))
		return err
	}

	s.logger.Info("Web server stopped")
	return nil
}
