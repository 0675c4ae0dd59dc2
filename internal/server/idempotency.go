package server

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"minisafe/internal/idempotency"
)

const (
	idempotencyHeader = "X-Idempotency-Key"
	keyPrefix         = "http:"
)

// capture buffers the response so it can be stored for replay.
type capture struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *capture) WriteHeader(status int) {
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *capture) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

// idempotent replays the stored response for a repeated X-Idempotency-Key.
// A key reused with a different payload is rejected with 409. Requests
// without a key pass through. 5xx responses are not stored.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "unreadable request body"})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		fingerprint := idempotency.Fingerprint([]byte(r.Method), []byte(r.URL.Path), body)

		ctx := r.Context()
		storeKey := keyPrefix + key
		existing, err := s.deps.Store.Get(ctx, storeKey)
		if err != nil {
			s.logger.Warn("idempotency lookup failed", "key", key, "error", err)
		}
		if existing != nil {
			if existing.Fingerprint != "" && existing.Fingerprint != fingerprint {
				s.metrics.incReplay("conflict")
				writeJSON(w, http.StatusConflict, errorBody{Error: "idempotency key reused with a different request"})
				return
			}
			s.metrics.incReplay("cached")
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
			return
		}

		rec := &capture{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if !replayable(rec.status) {
			return
		}

		now := s.now()
		record := idempotency.Record{
			StatusCode:  rec.status,
			Fingerprint: fingerprint,
			Response:    rec.body.Bytes(),
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
		}
		if err := s.deps.Store.Save(ctx, storeKey, record); err != nil {
			s.logger.Warn("idempotency save failed", "key", key, "error", err)
			return
		}
		s.metrics.incReplay("stored")
	})
}

// replayable reports whether a response is final for its key. Server errors,
// busy conflicts and rate limits ask the client to retry, so they are not kept.
func replayable(status int) bool {
	switch {
	case status == 0, status >= http.StatusInternalServerError:
		return false
	case status == http.StatusConflict, status == http.StatusTooManyRequests:
		return false
	}
	return true
}
