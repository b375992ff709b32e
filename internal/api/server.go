package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"NetSentry/internal/alerts"
	"NetSentry/internal/engine"
	"NetSentry/internal/flowstore"
	"NetSentry/internal/model"
	"NetSentry/internal/query"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server exposes the query surface over HTTP plus websocket push streams and
// the Prometheus metrics endpoint. Transport only; every decision lives in
// the surface.
type Server struct {
	engine *engine.Engine
	http   *http.Server
	up     websocket.Upgrader
}

// NewServer builds the router over a running engine.
func NewServer(addr string, e *engine.Engine) *Server {
	s := &Server{
		engine: e,
		up:     websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/alerts", s.handleListAlerts).Methods("GET")
	r.HandleFunc("/api/v1/alerts/{id:[0-9]+}", s.handleGetAlert).Methods("GET")
	r.HandleFunc("/api/v1/alerts/{id:[0-9]+}/ack", s.handleAcknowledge).Methods("POST")
	r.HandleFunc("/api/v1/alerts/{id:[0-9]+}/status", s.handleSetStatus).Methods("POST")
	r.HandleFunc("/api/v1/flows", s.handleListFlows).Methods("GET")
	r.HandleFunc("/api/v1/flows/recent", s.handleRecentFlows).Methods("GET")
	r.HandleFunc("/api/v1/flows/export", s.handleExport).Methods("GET")
	r.HandleFunc("/api/v1/stats/{window}", s.handleStats).Methods("GET")
	r.HandleFunc("/api/v1/suppressions", s.handleSuppressions).Methods("GET")
	r.HandleFunc("/ws/alerts", s.handleAlertStream)
	r.HandleFunc("/ws/flows", s.handleFlowStream)
	r.Handle("/metrics", promhttp.Handler())

	s.http = &http.Server{Addr: addr, Handler: r}
	return s
}

// Start serves until Stop. Listen failures are fatal only for the API, never
// for detection.
func (s *Server) Start() {
	go func() {
		log.Printf("API server listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("API server failed: %v", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("Failed to encode response: %v", err)
	}
}

// writeError maps the surface's tagged errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	kind := query.KindUnavailable
	if qe, ok := err.(*query.Error); ok {
		kind = qe.Kind
	}
	status := http.StatusServiceUnavailable
	switch kind {
	case query.KindNotFound:
		status = http.StatusNotFound
	case query.KindInvalidInput:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": string(kind), "message": err.Error()})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := alerts.QueryFilter{
		Severity: model.Severity(q.Get("severity")),
		Threat:   q.Get("threat"),
		Status:   model.AlertStatus(q.Get("status")),
	}
	if v := q.Get("acknowledged"); v != "" {
		ack := v == "true"
		filter.Acknowledged = &ack
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	writeJSON(w, http.StatusOK, s.engine.Surface().ListAlerts(filter))
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	a, err := s.engine.Surface().Alert(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type ackRequest struct {
	User  string `json:"user"`
	Notes string `json:"notes"`
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_input", "message": "malformed body"})
		return
	}
	a, err := s.engine.Surface().Acknowledge(id, req.User, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type statusRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_input", "message": "malformed body"})
		return
	}
	a, err := s.engine.Surface().SetStatus(id, model.AlertStatus(req.Status), req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, s.engine.Surface().ListFlows(limit))
}

func (s *Server) handleRecentFlows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	since := time.Now().Add(-24 * time.Hour)
	if v := q.Get("since"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			since = time.Unix(int64(secs), 0)
		}
	}
	recs, err := s.engine.Surface().RecentFlows(limit, since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	store := s.engine.Store()
	if store == nil || store.Bypassed() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "unavailable", "message": "flow store unavailable"})
		return
	}
	q := r.URL.Query()
	filter := exportFilter(q.Get("label"), q.Get("min_confidence"), q.Get("limit"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="flows.csv"`)
	if err := store.Export(w, filter); err != nil {
		log.Warnf("Flow export failed: %v", err)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	sum, err := s.engine.Surface().Statistics(mux.Vars(r)["window"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleSuppressions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, s.engine.Suppressor().Recent(limit))
}

func exportFilter(label, minConf, limit string) flowstore.ExportFilter {
	f := flowstore.ExportFilter{Label: label}
	if minConf != "" {
		f.MinConfidence, _ = strconv.ParseFloat(minConf, 64)
	}
	if limit != "" {
		f.Limit, _ = strconv.Atoi(limit)
	}
	return f
}

// wireAlert is the subscription wire format: the persisted record plus the
// first-appearance marker.
type wireAlert struct {
	model.Alert
	New bool `json:"new"`
}

func (s *Server) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.engine.Surface().SubscribeAlerts()
	defer sub.Cancel()

	for a := range sub.C {
		if err := conn.WriteJSON(wireAlert{Alert: a, New: true}); err != nil {
			return
		}
	}
}

func (s *Server) handleFlowStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	stream := s.engine.Surface().FlowStream(time.Second, stop)
	for flows := range stream {
		if err := conn.WriteJSON(flows); err != nil {
			return
		}
	}
}
