package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/service-dispatch/internal/apperrors"
	"github.com/example/service-dispatch/internal/observability"
)

type ctxKey int

const requestIDKey ctxKey = iota

const (
	headerRequestID = "X-Request-ID"
	headerPrincipal = "X-Principal-Phone"
	headerCache     = "X-Cache"
)

// outer wraps the router, so it also covers requests no route matched.
func (s *Server) outer(h http.Handler) http.Handler {
	return s.withRequestID(s.withRecovery(h))
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			rid := requestIDFromContext(r.Context())
			s.logger.ErrorContext(r.Context(), "panic in handler", "panic", v, "request_id", rid, "path", r.URL.Path)
			writeJSON(w, http.StatusInternalServerError, failBody{Error: "internal error", RequestID: rid})
		}()
		next.ServeHTTP(w, r)
	})
}

// instrument runs inside the router where the matched route template is
// known. It feeds the HTTP metrics and writes one access log line.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		began := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(began)
		route := routeTemplate(r)
		code := rec.code()
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(code)).Observe(elapsed.Seconds())

		level := slog.LevelInfo
		switch {
		case code >= 500:
			level = slog.LevelError
		case code >= 400:
			level = slog.LevelWarn
		}
		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", code),
			slog.Int("bytes", rec.written),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
			slog.String("remote_addr", clientIP(r)),
			slog.String("request_id", requestIDFromContext(r.Context())),
		}
		if c := rec.Header().Get(headerCache); c != "" {
			attrs = append(attrs, slog.String("cache", c))
		}
		s.logger.LogAttrs(r.Context(), level, "http_request", attrs...)
	})
}

// actingAs checks that the authenticated principal, when the gateway sent
// one, is the phone the call acts for.
func actingAs(r *http.Request, phone string) error {
	principal := strings.TrimSpace(r.Header.Get(headerPrincipal))
	if principal == "" || phone == "" {
		return nil
	}
	if principal != strings.TrimSpace(phone) {
		return apperrors.New(apperrors.ErrForbidden, "principal does not match phone")
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.written += n
	return n, err
}

func (s *statusRecorder) code() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// routeTemplate keeps metric labels bounded by using the pattern, not the
// raw path.
func routeTemplate(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return "unmatched"
	}
	tmpl, err := route.GetPathTemplate()
	if err != nil {
		return "unmatched"
	}
	return tmpl
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
