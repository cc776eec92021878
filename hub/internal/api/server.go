// Package api exposes the hub over HTTP: the websocket relay endpoint
// plus the broadcast, stats, history, and health routes.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/clawrelay/clawrelay/hub/internal/hub"
	"github.com/clawrelay/clawrelay/hub/internal/journal"
	"github.com/clawrelay/clawrelay/pkg/protocol"
)

// Server wires the connection hub and frame journal to HTTP handlers.
type Server struct {
	hub      *hub.Hub
	journal  journal.Journal
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer builds the API surface. allowedOrigins restricts websocket
// upgrades; empty or "*" allows any origin.
func NewServer(h *hub.Hub, j journal.Journal, allowedOrigins []string, logger *slog.Logger) *Server {
	return &Server{
		hub:      h,
		journal:  j,
		upgrader: makeUpgrader(allowedOrigins),
		logger:   logger.With("component", "api"),
	}
}

func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		originSet[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				// non-browser clients send no Origin
				return true
			}
			return originSet[origin]
		},
	}
}

// Router returns the hub's HTTP routing table.
func (s *Server) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(chimw.RealIP)
	mux.Use(chimw.Recoverer)

	mux.Get("/ws", s.handleWS)
	mux.Post("/broadcast", s.handleBroadcast)
	mux.Get("/stats", s.handleStats)
	mux.Get("/history", s.handleHistory)
	mux.Get("/health", s.handleHealth)
	return mux
}

// wsSocket adapts a gorilla connection to hub.Socket. Gorilla permits
// one concurrent writer, so writes are serialized with a mutex.
type wsSocket struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSocket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) Close() error {
	return s.conn.Close()
}

// handleWS registers a websocket client under its uid and relays every
// inbound frame to the uid's other connections. A missing uid is
// rejected before the upgrade, so unidentified sockets never reach the
// routing index.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("uid")
	if uid == "" {
		s.writeJSON(w, http.StatusBadRequest, protocol.ErrorBody{Error: "uid query parameter is required"})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "uid", uid, "error", err)
		return
	}

	sock := &wsSocket{conn: conn}
	id := s.hub.Add(uid, sock)
	s.logger.Info("client connected", "uid", uid, "conn_id", id, "remote", r.RemoteAddr)

	defer func() {
		s.hub.Remove(id)
		conn.Close()
		s.logger.Info("client disconnected", "uid", uid, "conn_id", id)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if seq, err := s.journal.Append(r.Context(), uid, data); err != nil {
			s.logger.Error("journal append failed", "uid", uid, "error", err)
		} else {
			s.logger.Debug("frame journaled", "uid", uid, "seq", seq)
		}
		s.hub.RouteToUIDExcept(uid, data, id)
	}
}

// handleBroadcast delivers a frame to every connection of a uid on
// behalf of an HTTP caller.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req protocol.BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, protocol.ErrorBody{Error: "invalid request body"})
		return
	}
	if req.UID == "" {
		s.writeJSON(w, http.StatusBadRequest, protocol.ErrorBody{Error: "uid is required"})
		return
	}
	if len(req.Data) == 0 {
		s.writeJSON(w, http.StatusBadRequest, protocol.ErrorBody{Error: "data is required"})
		return
	}

	if _, err := s.journal.Append(r.Context(), req.UID, req.Data); err != nil {
		s.logger.Error("journal append failed", "uid", req.UID, "error", err)
	}
	sentTo := s.hub.RouteToUID(req.UID, req.Data)
	s.writeJSON(w, http.StatusOK, protocol.BroadcastResult{
		Success: true,
		SentTo:  sentTo,
		UID:     req.UID,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	total, byUID := s.hub.Stats()
	s.writeJSON(w, http.StatusOK, protocol.StatsResult{
		ActiveConnections: total,
		ConnectionsByUID:  byUID,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	total, _ := s.hub.Stats()
	s.writeJSON(w, http.StatusOK, protocol.HealthResult{
		Status:            "ok",
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
		ActiveConnections: total,
	})
}

// historyFrame is one journaled frame in a history response. Payloads
// are JSON on the wire, so Data is embedded verbatim.
type historyFrame struct {
	Seq       int64           `json:"seq"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
}

type historyResult struct {
	UID    string         `json:"uid"`
	Frames []historyFrame `json:"frames"`
	Count  int            `json:"count"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("uid")
	if uid == "" {
		s.writeJSON(w, http.StatusBadRequest, protocol.ErrorBody{Error: "uid query parameter is required"})
		return
	}
	afterSeq, _ := strconv.ParseInt(r.URL.Query().Get("after_seq"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	frames, err := s.journal.List(r.Context(), uid, afterSeq, limit)
	if err != nil {
		s.logger.Error("history query failed", "uid", uid, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, protocol.ErrorBody{Error: "history query failed"})
		return
	}

	out := historyResult{UID: uid, Frames: make([]historyFrame, 0, len(frames)), Count: len(frames)}
	for _, f := range frames {
		out.Frames = append(out.Frames, historyFrame{Seq: f.Seq, Data: f.Data, CreatedAt: f.CreatedAt})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response failed", "error", err)
	}
}
