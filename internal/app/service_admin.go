package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"counselhub/api/internal/rbac"
)

// Admin user management

type UserSummary struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email"`
	Role        rbac.Role `json:"role"`
	CreatedAt   time.Time `json:"createdAt"`
}

type UserPage struct {
	Users []UserSummary `json:"users"`
	Total int           `json:"total"`
}

func (s *Service) ListUsers(ctx context.Context, session Session, search string, limit, offset int) (UserPage, error) {
	if !s.Can(session.Role, rbac.ActionAdmin) {
		return UserPage{}, errForbidden()
	}
	users, total, err := s.store.ListUsers(ctx, search, limit, offset)
	if err != nil {
		return UserPage{}, fmt.Errorf("list users: %w", err)
	}
	page := UserPage{Users: make([]UserSummary, 0, len(users)), Total: total}
	for _, u := range users {
		page.Users = append(page.Users, UserSummary{
			ID:          u.ID,
			DisplayName: u.DisplayName,
			Email:       u.Email,
			Role:        rbac.Normalize(u.Role),
			CreatedAt:   u.CreatedAt,
		})
	}
	return page, nil
}

// UpdateUserRole is how counselors and admins come to exist, since sign-up
// only creates patients and counselors. Admins cannot demote themselves.
func (s *Service) UpdateUserRole(ctx context.Context, session Session, userID string, role rbac.Role) error {
	if !s.Can(session.Role, rbac.ActionAdmin) {
		return errForbidden()
	}
	if rbac.Normalize(string(role)) != role {
		return errValidation("role must be patient, counselor or admin")
	}
	if userID == session.UserID && role != rbac.RoleAdmin {
		return domainError(http.StatusConflict, "SELF_DEMOTION", "Admins cannot remove their own admin role", nil)
	}
	if err := s.store.UpdateUserRole(ctx, userID, string(role)); err != nil {
		return err
	}
	s.logger.Info("user role changed",
		zap.String("user_id", userID),
		zap.String("role", string(role)),
		zap.String("actor", session.UserID))
	return nil
}
