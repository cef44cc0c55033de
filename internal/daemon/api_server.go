package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"feedloom/internal/api"
	"feedloom/internal/config"
	"feedloom/internal/logging"
	"feedloom/internal/orchestrator"
	"feedloom/internal/services"
	"feedloom/internal/store"
)

const defaultListLimit = 100

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil
	}
	srv := &apiServer{
		bind:   bind,
		logger: logging.NewComponentLogger(logger, "api-server"),
		daemon: d,
	}
	srv.server = &http.Server{
		Handler:           srv.requireToken(cfg.Paths.APIToken, srv.routes()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/downloads", s.handleDownloads)
	mux.HandleFunc("GET /api/downloads/{id}", s.handleDownload)
	mux.HandleFunc("GET /api/sources", s.handleSources)
	mux.HandleFunc("POST /api/sources/{id}/run", s.handleSourceRun)
	mux.HandleFunc("GET /api/fetch-logs", s.handleFetchLogs)
	mux.HandleFunc("GET /api/rule-errors", s.handleRuleErrors)
	return mux
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		s.stop()
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
	s.mu.Lock()
	s.listener = nil
	s.mu.Unlock()
}

func (s *apiServer) address() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.daemon.Status(r.Context()))
}

func (s *apiServer) handleDownloads(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var filter orchestrator.Filter
	for _, value := range query["status"] {
		for _, part := range strings.Split(value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, ok := store.ParseStatus(part)
			if !ok {
				s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", part))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	sourceID, ok := s.int64Param(w, query.Get("source"), "source")
	if !ok {
		return
	}
	limit, ok := s.int64Param(w, query.Get("limit"), "limit")
	if !ok {
		return
	}
	filter.SourceID = sourceID
	filter.Limit = listLimit(limit)

	items, err := s.daemon.ListDownloads(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.DownloadListResponse{Items: api.FromDownloadItems(items)})
}

func (s *apiServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid download id")
		return
	}
	item, err := s.daemon.DescribeDownload(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.DownloadResponse{Item: item})
}

func (s *apiServer) handleSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.daemon.Sources(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.SourceListResponse{Items: sources})
}

func (s *apiServer) handleSourceRun(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid source id")
		return
	}
	queued, err := s.daemon.RunSource(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.RunResponse{SourceID: id, Queued: queued})
}

func (s *apiServer) handleFetchLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	sourceID, ok := s.int64Param(w, query.Get("source"), "source")
	if !ok {
		return
	}
	limit, ok := s.int64Param(w, query.Get("limit"), "limit")
	if !ok {
		return
	}
	logs, err := s.daemon.FetchLogs(r.Context(), sourceID, listLimit(limit))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.FetchLogListResponse{Items: api.FromFetchLogs(logs)})
}

func (s *apiServer) handleRuleErrors(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	ruleID, ok := s.int64Param(w, query.Get("rule"), "rule")
	if !ok {
		return
	}
	limit, ok := s.int64Param(w, query.Get("limit"), "limit")
	if !ok {
		return
	}
	logs, err := s.daemon.RuleErrors(r.Context(), ruleID, listLimit(limit))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.RuleErrorListResponse{Items: api.FromRuleErrorLogs(logs)})
}

// int64Param parses an optional non-negative query parameter, writing a 400
// response when it is malformed.
func (s *apiServer) int64Param(w http.ResponseWriter, raw, name string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, true
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", name))
		return 0, false
	}
	return value, true
}

func listLimit(limit int64) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return int(limit)
}

func (s *apiServer) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrValidation):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrTransient):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("api request failed", logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
