package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/ahrav/scan-console/internal/domain/shared"
	"github.com/ahrav/scan-console/internal/infra/remote/wire"
)

const maxBodyBytes = 1 << 20

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error(r.Context(), "failed to encode response", "error", err)
	}
}

// writeError renders err in the error body shape. Failures reported by the
// backend keep their status and field messages; anything else is a 500
// whose detail stays in the log.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var re *shared.RemoteError
	switch {
	case errors.As(err, &re):
		s.writeJSON(w, r, re.StatusCode, wire.ErrorBody{Message: re.Message, ErrorFields: re.FieldErrors})
	case errors.Is(err, shared.ErrNotFound):
		s.writeJSON(w, r, http.StatusNotFound, wire.ErrorBody{Message: err.Error()})
	default:
		s.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		s.writeJSON(w, r, http.StatusInternalServerError, wire.ErrorBody{Message: "internal server error"})
	}
}

func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, msg string, fields map[string]string) {
	s.writeJSON(w, r, http.StatusBadRequest, wire.ErrorBody{Message: msg, ErrorFields: fields})
}

// decode reads a JSON body into dst and validates it. It writes the 400
// response itself and reports false when the request must not proceed.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		s.badRequest(w, r, "request body is not valid JSON", nil)
		return false
	}

	fields, err := s.validate.Check(dst)
	if err != nil {
		s.writeError(w, r, err)
		return false
	}
	if fields != nil {
		s.badRequest(w, r, "invalid request", fields)
		return false
	}
	return true
}

// pathParam returns the unescaped route parameter. Clients escape ids, and chi
// matches on the raw path when one is present.
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}
