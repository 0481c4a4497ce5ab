package app

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"counselhub/api/internal/rbac"
)

func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action) {
	s.logger.Info("forbidden",
		zap.String("request_id", RequestID(r.Context())),
		zap.String("user_id", session.UserID),
		zap.String("role", string(session.Role)),
		zap.String("action", string(action)))
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

// handleAdmin serves /api/admin/users and /api/admin/users/{id}/role.
func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	if !s.service.Can(session.Role, rbac.ActionAdmin) {
		s.forbid(w, r, session, rbac.ActionAdmin)
		return
	}

	switch {
	case r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "users":
		limit, err := intParam(r, "limit", 50)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		offset, err := intParam(r, "offset", 0)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		page, err := s.service.ListUsers(r.Context(), session, strings.TrimSpace(r.URL.Query().Get("search")), limit, offset)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, page)

	case r.Method == http.MethodPut && len(rest) == 3 && rest[0] == "users" && rest[2] == "role":
		var body struct {
			Role string `json:"role" validate:"required,oneof=patient counselor admin"`
		}
		if !decodeValid(w, r, &body) {
			return
		}
		if err := s.service.UpdateUserRole(r.Context(), session, rest[1], rbac.Role(body.Role)); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}
