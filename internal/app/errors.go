package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"muse/api/internal/auth"
	"muse/api/internal/bridge"
	"muse/api/internal/doc"
	"muse/api/internal/editor"
	"muse/api/internal/export"
	"muse/api/internal/gitrepo"
	"muse/api/internal/ledger"
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

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, ledger.ErrUnknownChange):
		return http.StatusNotFound, "CHANGE_NOT_FOUND", "Suggestion not found", nil
	case errors.Is(err, ledger.ErrTerminal):
		return http.StatusConflict, "CHANGE_DECIDED", "Suggestion already decided", nil
	case errors.Is(err, ledger.ErrDuplicateChange):
		return http.StatusConflict, "CHANGE_EXISTS", "Suggestion already tracked", nil
	case errors.Is(err, ledger.ErrInvalidChange),
		errors.Is(err, doc.ErrInvalidRange),
		errors.Is(err, doc.ErrCrossesParent),
		errors.Is(err, doc.ErrInvalidContent),
		errors.Is(err, doc.ErrInvalidDocument):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, editor.ErrGenerationActive):
		return http.StatusConflict, "GENERATION_ACTIVE", "A generation is already running", nil
	case errors.Is(err, editor.ErrClosed):
		return http.StatusConflict, "SESSION_CLOSED", "Editing session closed", nil
	case errors.Is(err, bridge.ErrDisabled), errors.Is(err, bridge.ErrProtocolViolation):
		return http.StatusConflict, "BRIDGE_DISABLED", "Bridge channel disabled", nil
	case errors.Is(err, bridge.ErrMalformed), errors.Is(err, bridge.ErrUnknownCommand):
		return http.StatusBadRequest, "INVALID_ENVELOPE", err.Error(), nil
	case errors.Is(err, gitrepo.ErrNoRepo):
		return http.StatusNotFound, "NO_HISTORY", "Document has no version history", nil
	case errors.Is(err, gitrepo.ErrUnknownVersion):
		return http.StatusNotFound, "VERSION_NOT_FOUND", "Version not found", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT", err.Error(), nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF rendering is not available", nil
	case errors.Is(err, export.ErrContentUnavailable):
		return http.StatusUnprocessableEntity, "CONTENT_UNAVAILABLE", "Document content cannot be exported", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
