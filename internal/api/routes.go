// Package api provides HTTP handlers and routing for the ops-core service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Agents
	api.HandleFunc("/agents", s.handlers.RegisterAgent).Methods("POST")
	api.HandleFunc("/agents", s.handlers.ListAgents).Methods("GET")
	api.HandleFunc("/agents/{id}", s.handlers.GetAgent).Methods("GET")
	api.HandleFunc("/agents/{id}/state", s.handlers.GetAgentState).Methods("GET")
	api.HandleFunc("/agents/{id}/state", s.handlers.SetAgentState).Methods("PUT")
	api.HandleFunc("/agents/{id}/state/history", s.handlers.GetAgentStateHistory).Methods("GET")

	// Workflows
	api.HandleFunc("/workflows", s.handlers.CreateWorkflow).Methods("POST")
	api.HandleFunc("/workflows", s.handlers.ListWorkflows).Methods("GET")
	api.HandleFunc("/workflows/templates", s.handlers.CreateWorkflowFromTemplate).Methods("POST")
	api.HandleFunc("/workflows/trigger", s.handlers.TriggerWorkflow).Methods("POST")
	api.HandleFunc("/workflows/{id}", s.handlers.GetWorkflow).Methods("GET")

	// Sessions
	api.HandleFunc("/sessions/{id}", s.handlers.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.handlers.UpdateSession).Methods("PATCH")
	api.HandleFunc("/sessions/{id}/events", s.handlers.StreamSession).Methods("GET")

	// Queue and storage diagnostics
	api.HandleFunc("/queue", s.handlers.GetQueue).Methods("GET")
	api.HandleFunc("/store/info", s.handlers.StoreInfo).Methods("GET")

	// Apply middleware
	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
	s.router.Use(s.handlers.TracingMiddleware)
	s.router.Use(s.handlers.RateLimitMiddleware)
}
