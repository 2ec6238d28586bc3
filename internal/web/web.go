package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"calbot/internal/config"
	appLog "calbot/internal/log"
	"calbot/internal/model"
)

// State is the read side of the event store.
type State interface {
	Upcoming(now time.Time, limit int) []model.Event
	Status() (loaded bool, at time.Time, count int)
}

// Options wires the status API.
type Options struct {
	Listen    string
	BasicAuth *config.BasicAuthConfig
	Location  *time.Location
	// Refresh starts a refresh pass and reports false if one is already running.
	Refresh func() bool
	Now     func() time.Time
}

// Server exposes the bot's current state over HTTP: /health, /api/status,
// /api/events and POST /api/refresh.
type Server struct {
	opts   Options
	state  State
	router *mux.Router
}

func NewServer(state State, opts Options) *Server {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		opts:   opts,
		state:  state,
		router: mux.NewRouter(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.router)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.opts.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.opts.Listen)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) basicAuthEnabled() bool {
	if s.opts.BasicAuth == nil {
		return false
	}
	// Empty username or password disables auth.
	return s.opts.BasicAuth.Username != "" && s.opts.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.opts.BasicAuth.Username
	password := s.opts.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calbot", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type statusResponse struct {
	Loaded          bool       `json:"loaded"`
	RefreshedAt     *time.Time `json:"refreshed_at,omitempty"`
	EventCount      int        `json:"event_count"`
	DisplayTimeZone string     `json:"display_timezone"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	loaded, at, count := s.state.Status()
	resp := statusResponse{
		Loaded:          loaded,
		EventCount:      count,
		DisplayTimeZone: s.opts.Location.String(),
	}
	if loaded {
		resp.RefreshedAt = &at
	}
	writeJSON(w, http.StatusOK, resp)
}

type alarmDTO struct {
	Trigger string `json:"trigger"`
	Action  string `json:"action,omitempty"`
}

// eventDTO is a JSON-friendly view of a normalized event.
type eventDTO struct {
	UID         string     `json:"uid"`
	Summary     string     `json:"summary"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	AllDay      bool       `json:"all_day"`
	Start       time.Time  `json:"start"`
	End         time.Time  `json:"end"`
	Alarms      []alarmDTO `json:"alarms"`
}

type eventsResponse struct {
	Events          []eventDTO `json:"events"`
	DisplayTimeZone string     `json:"display_timezone"`
}

// handleEvents returns upcoming events from the store.
//
// GET /api/events?limit=20
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	if limit <= 0 || limit > 1000 {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
		return
	}

	events := s.state.Upcoming(s.opts.Now(), limit)
	dtos := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		alarms := make([]alarmDTO, 0, len(ev.Alarms))
		for _, a := range ev.Alarms {
			alarms = append(alarms, alarmDTO{Trigger: a.Trigger.String(), Action: a.Action})
		}
		dtos = append(dtos, eventDTO{
			UID:         ev.UID,
			Summary:     ev.Summary,
			Description: ev.Description,
			Location:    ev.Location,
			AllDay:      ev.AllDay,
			Start:       ev.Start.In(s.opts.Location),
			End:         ev.End.In(s.opts.Location),
			Alarms:      alarms,
		})
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: dtos, DisplayTimeZone: s.opts.Location.String()})
}

func (s *Server) handleRefresh(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Refresh == nil {
		writeError(w, http.StatusNotImplemented, "refresh is not available")
		return
	}
	if !s.opts.Refresh() {
		writeError(w, http.StatusConflict, "refresh already in progress")
		return
	}
	appLog.Info("api refresh requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
