package server

import (
	"bytes"
	"net/http"
)

// auditResponseWriter records the status and body of a response so the
// audit middleware can log them after the handler returns.
type auditResponseWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func newAuditResponseWriter(w http.ResponseWriter) *auditResponseWriter {
	return &auditResponseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (w *auditResponseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *auditResponseWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}
