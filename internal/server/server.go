// Package server is the HTTP surface of the relay: telemetry ingest,
// overlay websockets and a small JSON API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/gsi-overlay/backend/internal/config"
	"github.com/gsi-overlay/backend/internal/ingest"
	"github.com/gsi-overlay/backend/internal/logging"
	"github.com/gsi-overlay/backend/internal/monitor"
	"github.com/gsi-overlay/backend/internal/platform/overlay"
	"github.com/gsi-overlay/backend/internal/session"
	"github.com/gsi-overlay/backend/internal/storage"
	"github.com/gsi-overlay/backend/internal/ws"
)

// overlayTokenTTL is the lifetime of tokens minted for overlay URLs.
const overlayTokenTTL = 30 * 24 * time.Hour

type Server struct {
	cfg            *config.Config
	ingest         http.Handler
	hub            *ws.Hub
	cache          *session.Cache
	kv             storage.KV
	users          ingest.Users
	signer         *overlay.Signer
	health         *monitor.DependencyHealth
	sweeper        *monitor.Sweeper
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	started        time.Time
}

func NewServer(cfg *config.Config, ingestHandler http.Handler, hub *ws.Hub, cache *session.Cache, kv storage.KV, users ingest.Users, signer *overlay.Signer) *Server {
	s := &Server{
		cfg:            cfg,
		ingest:         ingestHandler,
		hub:            hub,
		cache:          cache,
		kv:             kv,
		users:          users,
		signer:         signer,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		started:        time.Now(),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// SetMonitoring configures the sources reported by /api/health. Must be
// called before Handler.
func (s *Server) SetMonitoring(health *monitor.DependencyHealth, sweeper *monitor.Sweeper) {
	s.health = health
	s.sweeper = sweeper
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.Handle("/gsi", s.ingest)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/sessions/{token}/state", s.handleState)
	mux.HandleFunc("POST /api/sessions/{token}/status", s.handleStatus)
	mux.HandleFunc("POST /api/sessions/{token}/overlay-token", s.handleOverlayToken)
}

// Handler returns the routed handler wrapped in the common middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return recoverer(securityHeaders(mux))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token, err := s.overlayToken(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	c, err := s.hub.AddClient(token, conn)
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		log.Printf("[ws] rejected %s: %v", r.RemoteAddr, err)
		return
	}
	log.Printf("[ws] overlay connected for %s from %s", logging.Redact(token), r.RemoteAddr)

	go func() {
		defer func() {
			s.hub.RemoveClient(c)
			log.Printf("[ws] overlay disconnected for %s", logging.Redact(token))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// overlayToken resolves the token an overlay presents: a signed overlay
// token when a secret is configured, otherwise (or additionally, when
// allowed) the telemetry token itself.
func (s *Server) overlayToken(ctx context.Context, presented string) (string, error) {
	if presented == "" {
		return "", overlay.ErrInvalidToken
	}
	if s.signer != nil && s.signer.Enabled() {
		token, err := s.signer.Verify(presented)
		if err == nil {
			return token, nil
		}
		if !s.cfg.Overlay.AllowRawToken {
			return "", err
		}
	}
	if !s.cfg.Overlay.AllowRawToken {
		return "", overlay.ErrInvalidToken
	}
	if s.knownToken(ctx, presented) {
		return presented, nil
	}
	return "", overlay.ErrInvalidToken
}

func (s *Server) knownToken(ctx context.Context, token string) bool {
	if _, ok := s.cache.Get(token); ok {
		return true
	}
	_, err := s.users.UserByToken(ctx, token)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Printf("[server] user lookup for %s: %v", logging.Redact(token), err)
	}
	return err == nil
}

type healthResponse struct {
	Status         monitor.Status             `json:"status"`
	Uptime         string                     `json:"uptime"`
	Sessions       int                        `json:"sessions"`
	ActiveSessions int                        `json:"activeSessions"`
	OverlayClients int                        `json:"overlayClients"`
	Dependencies   []monitor.DependencyStatus `json:"dependencies"`
	Sweep          *monitor.SweepStats        `json:"sweep,omitempty"`
	Process        *monitor.ProcessInfo       `json:"process,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:         monitor.StatusHealthy,
		Uptime:         humanize.RelTime(s.started, time.Now(), "", ""),
		Sessions:       s.cache.Len(),
		ActiveSessions: s.cache.ActiveCount(),
		OverlayClients: s.hub.ClientCount(),
		Dependencies:   []monitor.DependencyStatus{},
	}
	if s.health != nil {
		resp.Status = s.health.Overall()
		resp.Dependencies = s.health.Snapshot()
	}
	if s.sweeper != nil {
		st := s.sweeper.Stats()
		resp.Sweep = &st
	}
	if p, err := monitor.ProcessStats(r.Context()); err == nil {
		resp.Process = &p
	}

	code := http.StatusOK
	if resp.Status == monitor.StatusFailed {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

type stateResponse struct {
	Status *session.Status `json:"status,omitempty"`
	Mirror session.Mirror  `json:"mirror"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if !s.authorize(r, token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	m, err := session.ReadMirror(r.Context(), s.kv, token)
	if err != nil {
		log.Printf("[server] read mirror for %s: %v", logging.Redact(token), err)
		http.Error(w, "state unavailable", http.StatusServiceUnavailable)
		return
	}
	resp := stateResponse{Mirror: m}
	if sess, ok := s.cache.Get(token); ok {
		st := sess.Status()
		resp.Status = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

type statusRequest struct {
	Live    bool `json:"live"`
	InMatch bool `json:"inMatch"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if !s.authorize(r, token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req statusRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	sess, ok := s.cache.Get(token)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	state := sess.SetStreamStatus(req.Live, req.InMatch)
	writeJSON(w, http.StatusOK, map[string]session.State{"state": state})
}

func (s *Server) handleOverlayToken(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if !s.authorize(r, token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.signer == nil || !s.signer.Enabled() {
		http.Error(w, "overlay tokens not configured", http.StatusNotImplemented)
		return
	}
	signed, err := s.signer.Sign(token, overlayTokenTTL)
	if err != nil {
		log.Printf("[server] sign overlay token: %v", err)
		http.Error(w, "sign failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": signed})
}

// authorize accepts the platform API token, the telemetry token itself or
// an overlay token issued for it.
func (s *Server) authorize(r *http.Request, token string) bool {
	presented := r.Header.Get("X-GSI-Token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		presented = strings.TrimPrefix(auth, "Bearer ")
	}
	if presented == "" || token == "" {
		return false
	}
	if api := s.cfg.Platform.APIToken; api != "" && presented == api {
		return true
	}
	if presented == token {
		return s.knownToken(r.Context(), token)
	}
	if s.signer != nil && s.signer.Enabled() {
		sub, err := s.signer.Verify(presented)
		return err == nil && sub == token
	}
	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Host
	if host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}
