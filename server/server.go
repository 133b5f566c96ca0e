// Package server is the gateway's control surface: circuit CRUD and
// timing control over HTTP, plus the subscriber websocket endpoint that
// feeds the fan-out manager.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"kartgate/collector"
	"kartgate/fanout"
	"kartgate/models"
	"kartgate/session"
	"kartgate/store"
)

// maxImportBytes caps session import bodies.
const maxImportBytes = 4 << 20

// Server wires the HTTP handlers over the gateway's managers.
type Server struct {
	// baseCtx parents collector lifecycles; collectors outlive the
	// request that starts them.
	baseCtx    context.Context
	store      *store.Store
	sessions   *session.Registry
	collectors *collector.Manager
	fan        *fanout.Manager
	upgrader   websocket.Upgrader
	log        *zap.Logger
}

// New builds a server over injected dependencies. baseCtx bounds the
// lifetime of collectors started through the control surface.
func New(baseCtx context.Context, st *store.Store, sessions *session.Registry,
	collectors *collector.Manager, fan *fanout.Manager, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		baseCtx:    baseCtx,
		store:      st,
		sessions:   sessions,
		collectors: collectors,
		fan:        fan,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Downstream clients are trusted dashboards on other origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log.Named("server"),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	r.HandleFunc("/circuits", s.handleListCircuits).Methods(http.MethodGet)
	r.HandleFunc("/circuits/{id}", s.handleGetCircuit).Methods(http.MethodGet)
	r.HandleFunc("/circuits/{id}", s.handlePutCircuit).Methods(http.MethodPut)
	r.HandleFunc("/circuits/{id}/status", s.handleCircuitStatus).Methods(http.MethodGet)
	r.HandleFunc("/circuits/{id}/start-timing", s.handleStartTiming).Methods(http.MethodPost)
	r.HandleFunc("/circuits/{id}/stop-timing", s.handleStopTiming).Methods(http.MethodPost)
	r.HandleFunc("/circuits/{id}/drivers", s.handleDrivers).Methods(http.MethodGet)
	r.HandleFunc("/circuits/{id}/drivers/clear", s.handleClearDrivers).Methods(http.MethodPost)
	r.HandleFunc("/circuits/{id}/session/export", s.handleExport).Methods(http.MethodGet)
	r.HandleFunc("/circuits/{id}/session/import", s.handleImport).Methods(http.MethodPost)
	r.HandleFunc("/circuits/{id}/live", s.handleLive).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	subscribers := map[string]int{}
	for _, id := range s.fan.ActiveCircuits() {
		subscribers[id] = s.fan.Count(id)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"collectors":  s.collectors.Infos(),
		"subscribers": subscribers,
		"sessions":    s.sessions.CircuitIDs(),
	})
}

func (s *Server) handleListCircuits(w http.ResponseWriter, r *http.Request) {
	circuits, err := s.store.Circuits(r.Context())
	if err != nil {
		s.log.Error("list circuits failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"circuits": circuits})
}

func (s *Server) handleGetCircuit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c, err := s.store.Circuit(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown circuit")
		return
	}
	if err != nil {
		s.log.Error("read circuit failed", zap.String("circuit", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handlePutCircuit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Name    string `json:"name"`
		LiveURL string `json:"live_url"`
		WSSURL  string `json:"wss_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	err := s.store.UpsertCircuit(r.Context(), store.Circuit{
		ID:      id,
		Name:    body.Name,
		LiveURL: body.LiveURL,
		WSSURL:  body.WSSURL,
	})
	if err != nil {
		s.log.Error("upsert circuit failed", zap.String("circuit", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.Circuit(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown circuit")
		return
	}
	resp := map[string]any{
		"circuit_id":       id,
		"timing_connected": false,
		"subscribers":      s.fan.Count(id),
	}
	if info, ok := s.collectors.Info(id); ok {
		resp["collector"] = info
		resp["timing_connected"] = info.Connected
	}
	if sess, ok := s.sessions.Peek(id); ok {
		resp["message_count"] = sess.MessageCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStartTiming launches the circuit's collector. The circuit must
// exist in the store with an upstream URL; a stored mapping primes the
// session before the first frame so deltas project immediately.
func (s *Server) handleStartTiming(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c, err := s.store.Circuit(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown circuit")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if c.WSSURL == "" {
		writeError(w, http.StatusBadRequest, "circuit has no upstream url")
		return
	}

	if c.Mapping != nil {
		s.sessions.Get(id).SetMapping(c.Mapping)
	}

	if err := s.collectors.Start(s.baseCtx, id, c.WSSURL); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"circuit_id": id, "status": "starting"})
}

func (s *Server) handleStopTiming(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.collectors.Stop(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"circuit_id": id, "status": "stopped"})
}

func (s *Server) handleDrivers(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, ok := s.sessions.Peek(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no session for circuit")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"circuit_id":    id,
		"drivers":       sess.ProjectAll(),
		"column_order":  sess.ColumnOrder(),
		"message_count": sess.MessageCount(),
	})
}

func (s *Server) handleClearDrivers(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, ok := s.sessions.Peek(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no session for circuit")
		return
	}
	sess.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"circuit_id": id, "status": "cleared"})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, ok := s.sessions.Peek(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no session for circuit")
		return
	}
	blob, err := sess.Export()
	if err != nil {
		s.log.Error("session export failed", zap.String("circuit", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(blob)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	blob, err := io.ReadAll(io.LimitReader(r.Body, maxImportBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := s.sessions.Get(id).Import(blob); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"circuit_id": id, "status": "imported"})
}

// handleLive upgrades the subscriber connection and parks it on the
// fan-out manager. The read loop only answers pings and watches for the
// client going away.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("subscriber upgrade failed", zap.String("circuit", id), zap.Error(err))
		return
	}

	subID := s.fan.Attach(id, conn)
	defer func() {
		s.fan.Detach(subID)
		_ = conn.Close()
	}()

	s.fan.SendStatusTo(subID, models.CircuitStatus{
		TimingConnected: s.connected(id),
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &msg) == nil && msg.Type == models.TypePing {
			s.fan.Pong(subID)
		}
	}
}

func (s *Server) connected(id string) bool {
	info, ok := s.collectors.Info(id)
	return ok && info.Connected
}
