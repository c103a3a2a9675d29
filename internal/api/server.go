package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"bemfabridge/internal/bemfa"
	"bemfabridge/internal/bridge"
	"bemfabridge/internal/shadowstate"
)

// HealthCheck reports whether one dependency is usable
type HealthCheck func() bool

// Server provides HTTP endpoints for inspecting the bridge
type Server struct {
	topics  *bridge.TopicMap
	tracker *shadowstate.Tracker
	suffix  string
	logger  *zap.Logger
	checks  map[string]HealthCheck
	router  chi.Router
	server  *http.Server
}

// NewServer creates a new API server. suffix is the bemfa publish suffix shown in codec previews.
func NewServer(topics *bridge.TopicMap, tracker *shadowstate.Tracker, suffix string, logger *zap.Logger, port int) *Server {
	s := &Server{
		topics:  topics,
		tracker: tracker,
		suffix:  suffix,
		logger:  logger,
		checks:  make(map[string]HealthCheck),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/", s.handleSitemap)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Get("/topics", s.handleTopics)
		r.Get("/shadow", s.handleShadowAll)
		r.Get("/shadow/{entityID}", s.handleShadow)
		r.Get("/codec/{domain}/{entityID}", s.handleCodec)
	})
	s.router = r

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// AddHealthCheck registers a named dependency reported by /health.
// Must be called before Start.
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checks[name] = check
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HealthResponse is returned by /health
type HealthResponse struct {
	Status string          `json:"status"`
	Checks map[string]bool `json:"checks,omitempty"`
}

// handleHealth returns 200 when every registered check passes, 503 otherwise
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	status := http.StatusOK

	if len(s.checks) > 0 {
		resp.Checks = make(map[string]bool, len(s.checks))
		for name, check := range s.checks {
			ok := check()
			resp.Checks[name] = ok
			if !ok {
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
			}
		}
	}

	writeJSON(w, status, resp)
}

// TopicsResponse lists every synced entity and its topic
type TopicsResponse struct {
	Count  int                 `json:"count"`
	Topics []bridge.TopicEntry `json:"topics"`
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	entries := s.topics.Entries()
	writeJSON(w, http.StatusOK, TopicsResponse{Count: len(entries), Topics: entries})
}

func (s *Server) handleShadowAll(w http.ResponseWriter, r *http.Request) {
	states := s.tracker.GetAll()
	if domain := r.URL.Query().Get("domain"); domain != "" {
		filtered := states[:0]
		for _, st := range states {
			if st.Domain == domain {
				filtered = append(filtered, st)
			}
		}
		states = filtered
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleShadow(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")
	st, ok := s.tracker.Get(entityID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("entity %q is not synced", entityID))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// CodecPreview describes how an entity would be mapped to bemfa
type CodecPreview struct {
	Domain       string `json:"domain"`
	EntityID     string `json:"entity_id"`
	Topic        string `json:"topic"`
	PublishTopic string `json:"publish_topic"`
	ReadOnly     bool   `json:"read_only"`
	Synced       bool   `json:"synced"`
}

func (s *Server) handleCodec(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	entityID := chi.URLParam(r, "entityID")

	d, err := bemfa.Lookup(domain)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, bemfa.ErrUnknownDomain) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	if !strings.HasPrefix(entityID, domain+".") {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("entity %q is not in domain %q", entityID, domain))
		return
	}

	topic, err := bemfa.Topic(domain, entityID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_, synced := s.topics.Entity(topic)

	writeJSON(w, http.StatusOK, CodecPreview{
		Domain:       domain,
		EntityID:     entityID,
		Topic:        topic,
		PublishTopic: topic + s.suffix,
		ReadOnly:     d.ReadOnly(),
		Synced:       synced,
	})
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap"},
	{Path: "/health", Method: "GET", Description: "Health of the Home Assistant and broker connections"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
	{Path: "/api/topics", Method: "GET", Description: "Synced entities and their bemfa topics"},
	{Path: "/api/shadow", Method: "GET", Description: "Decision trace of every synced entity (?domain= to filter)"},
	{Path: "/api/shadow/{entityID}", Method: "GET", Description: "Decision trace of one entity"},
	{Path: "/api/codec/{domain}/{entityID}", Method: "GET", Description: "Topic an entity maps to"},
}

// handleSitemap lists the endpoints as HTML for browsers and plain text otherwise
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	preferHTML := strings.Contains(r.Header.Get("Accept"), "text/html")

	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head>
    <title>bemfa bridge</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
    </style>
</head>
<body>
    <h1>bemfa bridge</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprint(w, "</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "bemfa bridge\n")
		fmt.Fprintf(w, "============\n\n")
		fmt.Fprintf(w, "Available endpoints:\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-6s %-32s %s\n", ep.Method, ep.Path, ep.Description)
		}
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server",
		zap.String("addr", s.server.Addr),
		zap.Strings("health_checks", sortedCheckNames(s.checks)))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}

func sortedCheckNames(checks map[string]HealthCheck) []string {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
