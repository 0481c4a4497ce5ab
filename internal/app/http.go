package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"counselhub/api/internal/auth"
	"counselhub/api/internal/authpw"
	"counselhub/api/internal/review"
)

type requestObserver interface {
	ObserveRequest(method, route string, status int, elapsed time.Duration)
}

type countsStreamer interface {
	Serve(w http.ResponseWriter, r *http.Request, scope review.Scope, initial review.Counts) error
}

type HTTPServer struct {
	service     *Service
	corsOrigin  string
	logger      *zap.Logger
	observer    requestObserver
	metrics     http.Handler
	hub         countsStreamer
	uploads     http.Handler
	authLimiter *clientLimiter
}

type ServerOption func(*HTTPServer)

func WithLogger(logger *zap.Logger) ServerOption {
	return func(s *HTTPServer) {
		if logger != nil {
			s.logger = logger.Named("http")
		}
	}
}

// WithMetrics records every request on observer and serves handler on
// /metrics.
func WithMetrics(observer requestObserver, handler http.Handler) ServerOption {
	return func(s *HTTPServer) { s.observer, s.metrics = observer, handler }
}

func WithCountsStream(hub countsStreamer) ServerOption {
	return func(s *HTTPServer) { s.hub = hub }
}

// WithUploads serves locally stored media under /uploads/.
func WithUploads(handler http.Handler) ServerOption {
	return func(s *HTTPServer) { s.uploads = handler }
}

func WithAuthRateLimit(perMinute int) ServerOption {
	return func(s *HTTPServer) { s.authLimiter = newClientLimiter(perMinute) }
}

func NewHTTPServer(service *Service, corsOrigin string, opts ...ServerOption) *HTTPServer {
	s := &HTTPServer{service: service, corsOrigin: corsOrigin, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

var validate = validator.New()

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

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

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" && s.metrics != nil {
		w.Header().Del("Content-Type")
		s.metrics.ServeHTTP(w, r)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/uploads/") && s.uploads != nil {
		w.Header().Del("Content-Type")
		w.Header().Del("Cache-Control")
		http.StripPrefix("/uploads", s.uploads).ServeHTTP(w, r)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/api/auth/") && r.Method == http.MethodPost {
		if s.handleAuth(w, r) {
			return
		}
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		session, ok := s.optionalSession(r)
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"userName":      session.UserName,
			"role":          session.Role,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/ws" {
		s.handleCountsStream(w, r)
		return
	}

	parts := splitPath(r.URL.Path)

	// The public library can be browsed without signing in.
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "resources" && publicResourceRoute(r.Method, parts) {
		session, _ := s.optionalSession(r)
		s.handleResources(w, r, session, parts)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if len(parts) >= 2 && parts[0] == "api" {
		switch parts[1] {
		case "resources":
			s.handleResources(w, r, session, parts)
			return
		case "uploads":
			if r.Method == http.MethodPost && len(parts) == 2 {
				s.handleUpload(w, r, session)
				return
			}
		case "search":
			if r.Method == http.MethodGet && len(parts) == 2 {
				s.handleSearch(w, r, session)
				return
			}
		case "editor":
			if len(parts) >= 3 && parts[2] == "sessions" {
				s.handleEditor(w, r, session, parts[3:])
				return
			}
		case "admin":
			s.handleAdmin(w, r, session, parts[2:])
			return
		case "account":
			if r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "password" {
				s.handleChangePassword(w, r, session)
				return
			}
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// publicResourceRoute lists the resource routes that accept anonymous
// callers.
func publicResourceRoute(method string, parts []string) bool {
	switch {
	case method == http.MethodGet && len(parts) == 2:
		return true
	case method == http.MethodGet && len(parts) == 3 && parts[2] != "counts":
		return true
	case method == http.MethodGet && len(parts) == 4 && parts[3] == "download-url":
		return true
	case method == http.MethodPost && len(parts) == 4 && (parts[3] == "view" || parts[3] == "download"):
		return true
	}
	return false
}

// Auth

// handleAuth reports false when the path is not an auth route.
func (s *HTTPServer) handleAuth(w http.ResponseWriter, r *http.Request) bool {
	switch r.URL.Path {
	case "/api/auth/signup", "/api/auth/login", "/api/auth/refresh":
		if !s.authLimiter.allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
			return true
		}
	case "/api/auth/logout":
	default:
		return false
	}

	switch r.URL.Path {
	case "/api/auth/signup":
		var body struct {
			Email       string `json:"email" validate:"required,email"`
			Password    string `json:"password" validate:"required,min=8,max=128"`
			DisplayName string `json:"displayName" validate:"required,max=120"`
			Role        string `json:"role" validate:"omitempty,oneof=patient counselor"`
		}
		if !decodeValid(w, r, &body) {
			return true
		}
		session, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{
			Email:       body.Email,
			Password:    body.Password,
			DisplayName: body.DisplayName,
			Role:        body.Role,
		})
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		writeJSON(w, http.StatusCreated, sessionPayload(session))

	case "/api/auth/login":
		var body struct {
			Email    string `json:"email" validate:"required"`
			Password string `json:"password" validate:"required"`
		}
		if !decodeValid(w, r, &body) {
			return true
		}
		session, err := s.service.SignIn(r.Context(), body.Email, body.Password)
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))

	case "/api/auth/refresh":
		var body struct {
			RefreshToken string `json:"refreshToken" validate:"required"`
		}
		if !decodeValid(w, r, &body) {
			return true
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return true
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))

	case "/api/auth/logout":
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		if err := s.service.Logout(r.Context(), body.RefreshToken); err != nil {
			s.logger.Warn("logout", zap.Error(err))
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
	return true
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"role":         session.Role,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

func (s *HTTPServer) handleChangePassword(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		CurrentPassword string `json:"currentPassword" validate:"required"`
		NewPassword     string `json:"newPassword" validate:"required,min=8,max=128"`
	}
	if !decodeValid(w, r, &body) {
		return
	}
	if err := s.service.ChangePassword(r.Context(), session, body.CurrentPassword, body.NewPassword); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleCountsStream upgrades to a websocket that receives dashboard counts.
// Browsers cannot set headers on websocket requests, so the access token may
// also arrive as the token query parameter.
func (s *HTTPServer) handleCountsStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	counts, err := s.service.Counts(r.Context(), session)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	w.Header().Del("Content-Type")
	if err := s.hub.Serve(w, r, review.ScopeFor(session.actor()), counts); err != nil {
		s.logger.Info("websocket upgrade failed", zap.Error(err))
	}
}

func (s *HTTPServer) optionalSession(r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		s.logger.Error("session lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

// Middleware

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		if s.observer != nil {
			s.observer.ObserveRequest(r.Method, routeLabel(r.URL.Path), writer.status, elapsed)
		}
		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// routeLabel collapses identifiers so metrics stay low-cardinality.
func routeLabel(path string) string {
	parts := splitPath(path)
	if len(parts) == 0 {
		return "/"
	}
	if parts[0] == "uploads" {
		return "/uploads"
	}
	for i := 1; i < len(parts); i++ {
		switch parts[i-1] {
		case "resources":
			if parts[i] != "counts" {
				parts[i] = "{id}"
			}
		case "sessions", "revisions", "users":
			parts[i] = "{id}"
		}
	}
	return "/" + strings.Join(parts, "/")
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

// Helpers

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"error":   code,
		"message": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// decodeValid decodes and validates a JSON body, writing the error response
// itself when either step fails.
func decodeValid(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	if err := validate.Struct(target); err != nil {
		writeMappedError(w, err)
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
