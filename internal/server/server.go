package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strings"

	"hz.tools/rf"

	"airband-receiver/internal/config"
	"airband-receiver/internal/dsp"
	"airband-receiver/internal/metrics"
	"airband-receiver/internal/pipeline"
)

// Controller is the part of the runtime the HTTP API drives.
type Controller interface {
	SetChannelFrequency(freq rf.Hz) (dsp.Tuning, error)
	SetOutputDestination(target string) error
	SetFilter(passband, transition float64) error
	Status() pipeline.Status
}

// Server exposes the control API, metrics, the websocket monitor and the
// HLS segments written by the transcoder.
type Server struct {
	ctrl     Controller
	monitor  *Monitor
	metrics  *metrics.Metrics
	redirect *redirectPolicy
	cors     bool
	mux      *http.ServeMux
}

// New creates the HTTP handler. monitor, m and streamDir are optional.
func New(cfg config.ServerConfig, ctrl Controller, monitor *Monitor, m *metrics.Metrics, streamDir string) *Server {
	s := &Server{
		ctrl:     ctrl,
		monitor:  monitor,
		metrics:  m,
		redirect: newRedirectPolicy(cfg),
		cors:     cfg.EnableCORS,
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("/api/frequency", s.handleFrequency)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/output", s.handleOutput)
	s.mux.HandleFunc("/api/filter", s.handleFilter)
	if m != nil {
		s.mux.Handle("/metrics", m.Handler())
	}
	if monitor != nil {
		s.mux.Handle("/ws/audio", monitor)
	}
	if streamDir != "" {
		s.mux.Handle("/stream/", http.StripPrefix("/stream/", noCache(http.FileServer(http.Dir(streamDir)))))
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.cors {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// noCache keeps players from caching the live playlist.
func noCache(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".m3u8") {
			w.Header().Set("Cache-Control", "no-cache")
		}
		h.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

type frequencyRequest struct {
	FreqHz *float64 `json:"freq_hz"`
	Freq   string   `json:"freq"` // e.g. "127800KHz"
}

type frequencyResponse struct {
	Status   string  `json:"status"`
	FreqHz   float64 `json:"freq_hz"`
	OffsetHz float64 `json:"offset_hz"`
}

type outputRequest struct {
	Path string `json:"path"`
}

type filterRequest struct {
	Passband   float64 `json:"passband"`
	Transition float64 `json:"transition"`
}

type statusResponse struct {
	pipeline.Status
	Listeners int `json:"listeners"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// parseFrequency accepts a bare number of Hz or a value with a unit such as
// "127800KHz".
func parseFrequency(s string) (rf.Hz, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("missing frequency")
	}
	hz, err := config.ParseFrequency(s)
	if err != nil {
		return 0, fmt.Errorf("invalid frequency %q", s)
	}
	return checkFrequency(float64(hz))
}

func checkFrequency(v float64) (rf.Hz, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, fmt.Errorf("frequency must be a positive number of Hz, got %v", v)
	}
	return rf.Hz(v), nil
}

func frequencyFromBody(r *http.Request) (rf.Hz, error) {
	var req frequencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return 0, fmt.Errorf("invalid JSON body: %w", err)
	}
	if req.FreqHz != nil {
		return checkFrequency(*req.FreqHz)
	}
	return parseFrequency(req.Freq)
}

// handleFrequency reports the tuning on GET and retunes on POST.
func (s *Server) handleFrequency(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		if q.Has("freq_hz") || q.Has("freq") {
			writeError(w, http.StatusMethodNotAllowed, errors.New("use POST to change the frequency"))
			return
		}
		st := s.ctrl.Status()
		writeJSON(w, http.StatusOK, frequencyResponse{Status: "ok", FreqHz: st.ChannelHz, OffsetHz: st.OffsetHz})
		return
	case http.MethodPost:
	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("use GET or POST"))
		return
	}

	freq, err := frequencyFromBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	tuning, err := s.ctrl.SetChannelFrequency(freq)
	if err != nil {
		var terr *pipeline.TuningRangeError
		switch {
		case errors.As(err, &terr):
			writeError(w, http.StatusUnprocessableEntity, err)
		case errors.Is(err, pipeline.ErrNotRunning):
			writeError(w, http.StatusServiceUnavailable, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, frequencyResponse{
		Status:   "ok",
		FreqHz:   float64(tuning.Channel),
		OffsetHz: float64(tuning.Offset),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("use GET"))
		return
	}
	resp := statusResponse{Status: s.ctrl.Status()}
	if s.monitor != nil {
		resp.Listeners = s.monitor.Listeners()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("use POST"))
		return
	}

	var req outputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing path"))
		return
	}

	target, err := s.redirect.resolve(req.Path)
	if err != nil {
		log.Printf("[server] refused redirect to %q from %s: %v", req.Path, r.RemoteAddr, err)
		writeError(w, http.StatusForbidden, err)
		return
	}

	if err := s.ctrl.SetOutputDestination(target); err != nil {
		var rerr *pipeline.RedirectError
		switch {
		case errors.As(err, &rerr):
			writeError(w, http.StatusBadGateway, err)
		case errors.Is(err, pipeline.ErrNotRunning):
			writeError(w, http.StatusServiceUnavailable, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "path": target})
}

func (s *Server) handleFilter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("use POST"))
		return
	}

	var req filterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}

	if err := s.ctrl.SetFilter(req.Passband, req.Transition); err != nil {
		var cerr *pipeline.ConfigurationError
		switch {
		case errors.As(err, &cerr):
			writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, pipeline.ErrNotRunning):
			writeError(w, http.StatusServiceUnavailable, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"passband":   req.Passband,
		"transition": req.Transition,
	})
}
