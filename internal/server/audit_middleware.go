package server

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"
)

func (s *Server) auditLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry := AuditLogEntry{
			Timestamp: time.Now().UTC(),
			Method:    r.Method,
			Path:      r.URL.Path,
		}

		if username, _, ok := r.BasicAuth(); ok {
			entry.UserID = username
		}

		// Statement uploads can run to megabytes; keep them out of the trail.
		skipBody := strings.HasPrefix(r.URL.Path, "/imports/") ||
			strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data")
		if !skipBody && r.Body != nil {
			requestBody, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(requestBody))
			entry.Request = string(requestBody)
		}

		arw := newAuditResponseWriter(w)
		next.ServeHTTP(arw, r)

		entry.StatusCode = arw.status
		entry.Response = arw.body.String()

		s.AuditManager.LogEntry(r.Context(), entry)
	})
}
