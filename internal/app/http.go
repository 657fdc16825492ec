package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rockswe/justtodothings-sub000/internal/search"
)

type HTTPServer struct {
	service  *Service
	opsToken string
}

func NewHTTPServer(service *Service, opsToken string) *HTTPServer {
	return &HTTPServer{service: service, opsToken: opsToken}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Everything past this point is the token-guarded ops surface.
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing or invalid ops token")
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/sync" {
		if err := s.service.TriggerRun(); err != nil {
			if errors.Is(err, ErrRunInProgress) {
				writeError(w, http.StatusConflict, "RUN_IN_PROGRESS", "A sync run is already in progress")
				return
			}
			writeError(w, http.StatusInternalServerError, "INTERNAL", "Could not start run")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"started": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/runs/last" {
		report, ok := s.service.LastReport()
		if !ok {
			writeError(w, http.StatusNotFound, "NO_RUNS", "No completed runs yet")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"report":  report,
			"running": s.service.Running(),
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/tasks/search" {
		s.handleSearch(w, r)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "user_id is required")
		return
	}
	q := search.Query{
		Text:           r.URL.Query().Get("q"),
		UserID:         userID,
		FilterPriority: r.URL.Query().Get("priority"),
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		q.Limit = limit
	}
	if offset, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil {
		q.Offset = offset
	}

	resp, ok := s.service.SearchTasks(q)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "SEARCH_DISABLED", "Search is not configured")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) authorized(r *http.Request) bool {
	if s.opsToken == "" {
		return false
	}
	token := bearerToken(r)
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.opsToken)) == 1
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)
		writer.Header().Set("Cache-Control", "no-store")
		writer.Header().Set("Content-Type", "application/json")

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":  code,
		"error": message,
	})
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
