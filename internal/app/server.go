package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mcpgate/internal/api"
	"mcpgate/pkg/logging"
)

// Server is the inbound HTTP adapter over the container's method
// surfaces.
type Server struct {
	container *Container
	addr      string
	http      *http.Server
}

// NewServer builds the HTTP surface on the configured port.
func NewServer(container *Container, port int) *Server {
	s := &Server{
		container: container,
		addr:      fmt.Sprintf(":%d", port),
	}
	s.http = &http.Server{
		Addr:              s.addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /mcp/tools/list", s.handleListTools)
	mux.HandleFunc("POST /mcp/tools/call", s.handleCallTool)
	mux.HandleFunc("POST /mcp/resources/list", s.handleListResources)
	mux.HandleFunc("POST /mcp/resources/read", s.handleReadResource)
	mux.HandleFunc("POST /mcp/resources/subscribe", s.handleSubscribe)
	mux.HandleFunc("POST /mcp/prompts/list", s.handleListPrompts)
	mux.HandleFunc("GET /capabilities", s.handleCapabilities)
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /oauth/authorize", func(w http.ResponseWriter, r *http.Request) {
		s.container.Flow().Authorize(w, r)
	})
	mux.HandleFunc("GET /oauth/callback", func(w http.ResponseWriter, r *http.Request) {
		s.container.Flow().Callback(w, r)
	})
	mux.HandleFunc("POST /oauth/callback", func(w http.ResponseWriter, r *http.Request) {
		s.container.Flow().Callback(w, r)
	})
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		s.container.Flow().Token(w, r)
	})

	mux.Handle("GET /metrics", promhttp.HandlerFor(
		s.container.Metrics().Registry(), promhttp.HandlerOpts{}))

	return mux
}

// Run serves until the context ends, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info("Server", "Listening on %s", s.addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	logging.Info("Server", "Shutting down")
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.container.Router().ListTools())
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.container.Router().ListResources())
}

func (s *Server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.container.Router().ListPrompts())
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req api.CallToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, api.NewErrorResult(api.CodeInvalidToolName, "", 0))
		return
	}
	result := s.container.Router().Call(r.Context(), req, bearerToken(r))
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReadResource(w http.ResponseWriter, r *http.Request) {
	var req api.ReadResourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URI == "" {
		writeJSON(w, http.StatusBadRequest, &api.ReadResourceResult{
			Contents: api.ErrorContent{Error: api.CodeInvalidURI},
			IsError:  true,
		})
		return
	}
	result := s.container.Router().Read(r.Context(), req, bearerToken(r))
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req api.SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URI == "" {
		writeJSON(w, http.StatusBadRequest, &api.SubscribeResult{
			Contents: api.ErrorContent{Error: api.CodeInvalidURI},
			IsError:  true,
		})
		return
	}
	result := s.container.Router().Subscribe(r.Context(), req, bearerToken(r))
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	rt := s.container.Router()
	writeJSON(w, http.StatusOK, map[string]any{
		"tools":     rt.ListTools().Tools,
		"resources": rt.ListResources().Resources,
		"prompts":   rt.ListPrompts().Prompts,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.container.Router().Health()
	status := http.StatusOK
	if !health.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimPrefix(authz, "Bearer ")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Warn("Server", "Failed to encode response: %v", err)
	}
}
