package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"counselhub/api/internal/auth"
	"counselhub/api/internal/authpw"
	"counselhub/api/internal/editor"
	"counselhub/api/internal/export"
	"counselhub/api/internal/gitrepo"
	"counselhub/api/internal/review"
	"counselhub/api/internal/session"
	"counselhub/api/internal/storage"
	"counselhub/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func errForbidden() *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func errNotFound() *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func errValidation(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

type sentinelMapping struct {
	err    error
	status int
	code   string
}

// sentinels is checked in order; the first errors.Is match wins. The
// wrapped error text becomes the message.
var sentinels = []sentinelMapping{
	{review.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
	{review.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
	{review.ErrUnknownAction, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{store.ErrStaleStatus, http.StatusConflict, "STALE_STATUS"},
	{store.ErrInvalidPayload, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},

	{editor.ErrInvalidURL, http.StatusUnprocessableEntity, "INVALID_URL"},
	{editor.ErrInvalidEmbedURL, http.StatusUnprocessableEntity, "INVALID_EMBED_URL"},
	{editor.ErrMalformedContent, http.StatusUnprocessableEntity, "MALFORMED_CONTENT"},
	{editor.ErrInvalidSelection, http.StatusUnprocessableEntity, "INVALID_SELECTION"},
	{editor.ErrNotEditable, http.StatusUnprocessableEntity, "NOT_EDITABLE"},
	{editor.ErrBlockNotFound, http.StatusUnprocessableEntity, "BLOCK_NOT_FOUND"},
	{editor.ErrInvalidMove, http.StatusUnprocessableEntity, "INVALID_MOVE"},
	{editor.ErrInvalidArgument, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{editor.ErrUnknownCommand, http.StatusUnprocessableEntity, "UNKNOWN_COMMAND"},
	{editor.ErrSaveInProgress, http.StatusConflict, "SAVE_IN_PROGRESS"},
	{editor.ErrStaleGeneration, http.StatusConflict, "STALE_GENERATION"},

	{authpw.ErrInvalidCredentials, http.StatusUnauthorized, "INVALID_CREDENTIALS"},
	{authpw.ErrEmailTaken, http.StatusConflict, "EMAIL_EXISTS"},
	{authpw.ErrWeakPassword, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{authpw.ErrInvalidEmail, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{authpw.ErrMissingField, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{authpw.ErrRoleNotAllowed, http.StatusForbidden, "FORBIDDEN"},

	{export.ErrNotExportable, http.StatusUnprocessableEntity, "NOT_EXPORTABLE"},
	{export.ErrUnsupportedFormat, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{export.ErrContentUnavailable, http.StatusNotFound, "NOT_FOUND"},
	{export.ErrPDFDependencyMissing, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE"},
	{export.ErrDOCXDependencyMissing, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE"},
	{gitrepo.ErrNoRepository, http.StatusNotFound, "NOT_FOUND"},
}

var uploadStatus = []sentinelMapping{
	{storage.ErrTooLarge, http.StatusRequestEntityTooLarge, "TOO_LARGE"},
	{storage.ErrUnsupportedType, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE"},
	{storage.ErrUnauthenticated, http.StatusBadGateway, "STORAGE_UNAUTHENTICATED"},
	{storage.ErrStorageUnavailable, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE"},
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var uploadErr *storage.UploadError
	if errors.As(err, &uploadErr) {
		for _, m := range uploadStatus {
			if errors.Is(uploadErr, m.err) {
				return m.status, m.code, uploadErr.Error(), uploadErr.Details()
			}
		}
		return http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", uploadErr.Error(), uploadErr.Details()
	}

	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		fields := make([]map[string]string, 0, len(validationErrs))
		for _, fe := range validationErrs {
			fields = append(fields, map[string]string{"field": fe.Field(), "rule": fe.Tag()})
		}
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Request failed validation", map[string]any{"fields": fields}
	}

	for _, m := range sentinels {
		if errors.Is(err, m.err) {
			return m.status, m.code, err.Error(), nil
		}
	}

	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, session.ErrSessionNotFound) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
