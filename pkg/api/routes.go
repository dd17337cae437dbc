package api

import "net/http"

// apiPrefix is where the cost agent and the dashboard UI call the routes.
// Every route is served both with and without it.
const apiPrefix = "/api"

func (s *Server) registerRoutes() {
	s.handle(http.MethodGet, "/healthz", s.handleHealth)
	s.handle(http.MethodGet, "/scan", s.handleScan)
	s.handle(http.MethodGet, "/decisions", s.handleDecisions)
	s.handle(http.MethodGet, "/repos", s.handleRepos)
	s.handle(http.MethodPost, "/submit", s.requireAPIKey(s.handleSubmit))
	s.handle(http.MethodOptions, "/submit", handlePreflight)
}

func (s *Server) handle(method, path string, h http.HandlerFunc) {
	s.router.HandleFunc(method+" "+path, h)
	s.router.HandleFunc(method+" "+apiPrefix+path, h)
}
