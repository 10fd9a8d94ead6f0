package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/example/service-dispatch/internal/apperrors"
)

const maxBodyBytes = 1 << 20

type okBody struct {
	OK        bool   `json:"ok"`
	Data      any    `json:"data"`
	Meta      any    `json:"meta,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

type failBody struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) ok(w http.ResponseWriter, r *http.Request, status int, data, meta any) {
	writeJSON(w, status, okBody{OK: true, Data: data, Meta: meta, RequestID: requestIDFromContext(r.Context())})
}

// fail maps err onto the error taxonomy. Internal failures are logged with
// the request id and reach the caller only as a generic message.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	rid := requestIDFromContext(r.Context())
	if apperrors.IsInternal(err) {
		s.logger.ErrorContext(r.Context(), "request failed", "request_id", rid, "route", routeTemplate(r), "err", err)
	}
	writeJSON(w, status, failBody{OK: false, Error: apperrors.Message(err), RequestID: rid})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.New(apperrors.ErrValidation, "request body is required")
		}
		return apperrors.New(apperrors.ErrValidation, "invalid JSON body")
	}
	return nil
}

func validation(msg string) error {
	return apperrors.New(apperrors.ErrValidation, msg)
}
