// Package api exposes the thin read-only HTTP surface over the pool.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"proxy-pool/pkg/database"
)

type Server struct {
	db     *database.DB
	logger *slog.Logger
	srv    *http.Server
}

func New(db *database.DB, addr string, logger *slog.Logger) *Server {
	s := &Server{db: db, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/list", s.handleList)
	mux.HandleFunc("/random", s.handleRandom)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/health", s.handleHealth)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// ListenAndServe blocks until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("API server listening", "addr", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleList returns the working set as plain text, one address per
// line, fastest first. An empty pool is 404, never an empty 200.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			plainText(w, http.StatusBadRequest, "Error: limit must be a positive integer")
			return
		}
		limit = n
	}

	proxies, err := s.db.WorkingProxies(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list working proxies", "error", err)
		plainText(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if len(proxies) == 0 {
		plainText(w, http.StatusNotFound, "No working proxies available")
		return
	}

	plainText(w, http.StatusOK, strings.Join(proxies, "\n"))
}

func (s *Server) handleRandom(w http.ResponseWriter, r *http.Request) {
	proxy, err := s.db.RandomWorking(r.Context())
	if errors.Is(err, sql.ErrNoRows) {
		plainText(w, http.StatusNotFound, "No working proxies available")
		return
	}
	if err != nil {
		s.logger.Error("Failed to pick random proxy", "error", err)
		plainText(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	plainText(w, http.StatusOK, proxy)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.GetStats(r.Context())
	if err != nil {
		s.logger.Error("Failed to read stats", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	lastVersion, err := s.db.LastListVersion(r.Context())
	if err != nil {
		s.logger.Error("Failed to read last list version", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_proxies":     stats.Total,
		"working_proxies":   stats.Working,
		"failed_proxies":    stats.Failed,
		"last_list_version": lastVersion,
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func plainText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
