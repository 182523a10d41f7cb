// Package web exposes the bridge over HTTP: device snapshots, commands,
// the captured log buffer and a websocket event stream.
package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"mower-go-home/internal/events"
	"mower-go-home/internal/logbuf"
	"mower-go-home/internal/store"
)

// Commander is the command surface the API forwards to. The cloud fleet
// implements it; a nil commander turns the command routes off.
type Commander interface {
	SendCommand(serial string, code int) error
	SendPartyMode(serial string, on bool) error
	SendEdgeCut(serial string) error
	SendZonePercentages(serial string, percents []int) error
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithCommander wires the command routes to a fleet.
func WithCommander(c Commander) ServerOption {
	return func(s *Server) {
		s.commander = c
	}
}

// WithLogBuffer exposes the captured log ring on /api/logs.
func WithLogBuffer(buf *logbuf.Buffer) ServerOption {
	return func(s *Server) {
		s.logs = buf
	}
}

// Server is the HTTP server for the bridge API.
type Server struct {
	st             store.Store
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	commander      Commander
	logs           *logbuf.Buffer
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates a web server over the device store and event bus.
func NewServer(st store.Store, bus *events.EventBus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		st:     st,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Every bus event is mirrored to connected websocket clients.
	s.unsubEvents = bus.OnAll(func(event events.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{serial}", s.handleAPIGetDevice)
	s.mux.HandleFunc("POST /api/devices/{serial}/command", s.handleAPISendCommand)
	s.mux.HandleFunc("POST /api/devices/{serial}/party", s.handleAPIPartyMode)
	s.mux.HandleFunc("POST /api/devices/{serial}/edgecut", s.handleAPIEdgeCut)
	s.mux.HandleFunc("POST /api/devices/{serial}/zones", s.handleAPIZones)
	s.mux.HandleFunc("GET /api/logs", s.handleAPIGetLogs)
	s.mux.HandleFunc("DELETE /api/logs", s.handleAPIDeleteLogs)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		// Only /api/ routes carry the key; the WS upgrade cannot send
		// custom headers from a browser.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
