// Copyright Adapter-Critic Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package server

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
)

// debugBodyPreviewChars caps the request and response bodies echoed by the
// debug middleware.
const debugBodyPreviewChars = 2000

func debugBodyPreview(body []byte) string {
	if len(body) <= debugBodyPreviewChars {
		return string(body)
	}
	return string(body[:debugBodyPreviewChars]) + "..."
}

// teeResponseWriter captures the status code and a copy of the body while
// writing through to the client.
type teeResponseWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *teeResponseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *teeResponseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	w.body.Write(p)
	return w.ResponseWriter.Write(p)
}

// bodyPreviewMiddleware logs request and response bodies at debug level.
// Only enabled for DEBUG/TRACE logging; bodies may carry user content.
func bodyPreviewMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestBody, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(requestBody))

		logger.Debug("incoming request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("query", r.URL.RawQuery),
			slog.String("body", debugBodyPreview(requestBody)),
		)

		tee := &teeResponseWriter{ResponseWriter: w}
		next.ServeHTTP(tee, r)

		logger.Debug("outgoing response",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status_code", tee.status),
			slog.String("body", debugBodyPreview(tee.body.Bytes())),
		)
	})
}
