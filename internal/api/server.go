package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/roomsense/internal/config"
	"github.com/banshee-data/roomsense/internal/monitoring"
	"github.com/banshee-data/roomsense/internal/positioning"
	"github.com/banshee-data/roomsense/internal/storage"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Publisher pushes freshly solved positions to live subscribers. Nil means
// no live feed.
type Publisher interface {
	PublishPositions([]positioning.DevicePosition)
	ServeWS(w http.ResponseWriter, r *http.Request)
}

type Server struct {
	engine  *positioning.Engine
	store   *storage.DB   // optional
	confs   *config.Store // optional; configs persisted when set
	pub     Publisher     // optional
	started time.Time
}

func NewServer(engine *positioning.Engine, store *storage.DB, confs *config.Store, pub Publisher) *Server {
	return &Server{
		engine:  engine,
		store:   store,
		confs:   confs,
		pub:     pub,
		started: time.Now(),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/anchor_data", s.ingestAnchorData)
	mux.HandleFunc("/api/anchors", s.listAnchors)
	mux.HandleFunc("/api/devices", s.listDevices)
	mux.HandleFunc("/api/positions", s.listPositions)
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/config/room", s.roomConfig)
	mux.HandleFunc("/api/config/anchors", s.anchorConfig)
	mux.HandleFunc("/api/config/validate", s.validateConfig)
	mux.HandleFunc("/api/history", s.showHistory)
	if s.pub != nil {
		mux.HandleFunc("/ws", s.pub.ServeWS)
	}
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		monitoring.Logf("api: write response: %v", err)
	}
}

// anchorPayload is the batch an anchor posts: its identity plus every device
// it ranged in the interval.
type anchorPayload struct {
	AnchorID string               `json:"anchor_id"`
	Devices  []positioning.Report `json:"devices"`
}

func (s *Server) ingestAnchorData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var payload anchorPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid payload: %v", err))
		return
	}
	if payload.AnchorID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing anchor_id")
		return
	}

	accepted, err := s.engine.Ingest(payload.AnchorID, payload.Devices)
	if err != nil && accepted == 0 {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Each accepted batch triggers a solve pass; fresh positions go to the
	// durable log and to live subscribers.
	solved := s.engine.SolveAll()
	if s.store != nil {
		for _, p := range solved {
			if dberr := s.store.RecordPosition(p); dberr != nil {
				monitoring.Logf("api: record position for %s: %v", p.MAC, dberr)
			}
		}
	}
	if s.pub != nil && len(solved) > 0 {
		s.pub.PublishPositions(solved)
	}

	resp := map[string]interface{}{
		"status":   "ok",
		"accepted": accepted,
		"solved":   len(solved),
	}
	if err != nil {
		resp["status"] = "partial"
		resp["error"] = err.Error()
	}
	s.writeJSON(w, resp)
}

func (s *Server) listAnchors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, map[string]interface{}{"anchors": s.engine.Anchors()})
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, map[string]interface{}{"devices": s.engine.Devices()})
}

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, map[string]interface{}{"positions": s.engine.Positions()})
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"running":    true,
		"started_at": s.started,
		"uptime_s":   int(time.Since(s.started).Seconds()),
		"room":       s.engine.RoomConfig(),
		"stats":      s.engine.Stats(),
	})
}

func (s *Server) roomConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, s.engine.RoomConfig())
	case http.MethodPost:
		var room config.RoomConfig
		if err := json.NewDecoder(r.Body).Decode(&room); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid payload: %v", err))
			return
		}
		if err := s.engine.SetRoomConfig(room); err != nil {
			s.writeValidationError(w, err)
			return
		}
		if s.confs != nil {
			if err := s.confs.SaveRoom(room); err != nil {
				monitoring.Logf("api: persist room config: %v", err)
			}
		}
		s.writeJSON(w, map[string]string{"status": "ok"})
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) anchorConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, s.engine.AnchorConfig())
	case http.MethodPost:
		var anchors config.AnchorsConfig
		if err := json.NewDecoder(r.Body).Decode(&anchors); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid payload: %v", err))
			return
		}
		if err := s.engine.SetAnchorConfig(anchors); err != nil {
			s.writeValidationError(w, err)
			return
		}
		if s.confs != nil {
			if err := s.confs.SaveAnchors(anchors); err != nil {
				monitoring.Logf("api: persist anchors config: %v", err)
			}
		}
		s.writeJSON(w, map[string]string{"status": "ok"})
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// validateConfig dry-runs a proposed room+anchor configuration without
// mutating anything.
func (s *Server) validateConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var proposal struct {
		Room    *config.RoomConfig   `json:"room"`
		Anchors config.AnchorsConfig `json:"anchors"`
	}
	if err := json.NewDecoder(r.Body).Decode(&proposal); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid payload: %v", err))
		return
	}

	room := s.engine.RoomConfig()
	if proposal.Room != nil {
		room = *proposal.Room
	}
	anchors := proposal.Anchors
	if anchors == nil {
		anchors = s.engine.AnchorConfig()
	}

	enabled := 0
	for _, a := range anchors {
		if a.Enabled {
			enabled++
		}
	}

	resp := map[string]interface{}{
		"valid":           true,
		"errors":          []string{},
		"enabled_anchors": enabled,
	}
	if verr := config.Validate(room, anchors); verr != nil {
		resp["valid"] = false
		resp["errors"] = verr.Problems
	}
	s.writeJSON(w, resp)
}

func (s *Server) showHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.store == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "History storage not configured")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 10000 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = n
	}

	mac := r.URL.Query().Get("mac")
	if mac == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'mac' parameter")
		return
	}

	trail, err := s.store.Trail(mac, limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve history: %v", err))
		return
	}
	if trail == nil {
		trail = []positioning.DevicePosition{}
	}
	s.writeJSON(w, map[string]interface{}{"mac": mac, "positions": trail})
}

func (s *Server) writeValidationError(w http.ResponseWriter, err error) {
	if verr, ok := err.(*config.ValidationError); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":  "validation failed",
			"errors": verr.Problems,
		})
		return
	}
	s.writeJSONError(w, http.StatusInternalServerError, err.Error())
}
