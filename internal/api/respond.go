package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/matheus3301/wpphub/internal/chatedit"
	"github.com/matheus3301/wpphub/internal/driver"
	"github.com/matheus3301/wpphub/internal/instance"
	"github.com/matheus3301/wpphub/internal/outbox"
	"github.com/matheus3301/wpphub/internal/session"
	"github.com/matheus3301/wpphub/internal/store"
)

const (
	maxBodyBytes  int64 = 1 << 20
	maxMediaBytes int64 = 50 << 20

	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"
)

// notInitializedHint tells clients how to recover from an unknown instance.
const notInitializedHint = "instance not initialized yet: connect it and try again"

type errorBody struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if errors.Is(err, instance.ErrNotInitialized) {
		msg = notInitializedHint
	}
	respondJSON(w, status, errorBody{Error: msg})
}

// statusFor maps the error taxonomy onto HTTP status codes. Transient driver
// failures are 503 so clients retry.
func statusFor(err error) int {
	var verr *chatedit.ValidationError
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, instance.ErrNotInitialized), errors.Is(err, instance.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.As(err, &verr),
		errors.Is(err, outbox.ErrEmptyMessage),
		errors.Is(err, outbox.ErrInvalidMedia),
		errors.Is(err, session.ErrInvalidName),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chatedit.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, chatedit.ErrPersistenceDisabled):
		return http.StatusNotImplemented
	case driver.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		if errors.Is(err, io.EOF) {
			return badRequest("request body required")
		}
		return badRequest("decode body: %v", err)
	}
	return nil
}

// actorFrom reads the identity an upstream auth proxy attached to the request.
func actorFrom(r *http.Request) chatedit.Actor {
	return chatedit.Actor{
		UserID: strings.TrimSpace(r.Header.Get(headerUserID)),
		Admin:  strings.EqualFold(strings.TrimSpace(r.Header.Get(headerUserRole)), store.RoleAdmin),
	}
}

func pathParam(r *http.Request, key string) string {
	raw := chi.URLParam(r, key)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}
