package app

import (
	"errors"
	"fmt"
	"net/http"

	"coedit/api/internal/auth"
	"coedit/api/internal/comments"
	"coedit/api/internal/doc"
	"coedit/api/internal/errs"
	"coedit/api/internal/store"
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
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, errs.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, errs.ErrUnauthorized),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrMissingToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, errs.ErrAlreadyExists):
		return http.StatusConflict, "ALREADY_EXISTS", "Already exists", nil
	case errors.Is(err, errs.ErrInvalidSnapshot):
		return http.StatusUnprocessableEntity, "INVALID_SNAPSHOT", "Document content is not a valid editor state", nil
	case errors.Is(err, store.ErrNotTrashed):
		return http.StatusConflict, "NOT_IN_TRASH", "Move the document to trash before deleting it", nil
	case errors.Is(err, comments.ErrEmptyContent):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Comment content is required", nil
	case errors.Is(err, comments.ErrNotThread):
		return http.StatusUnprocessableEntity, "NOT_A_THREAD", "Comment is a reply, not a thread", nil
	case errors.Is(err, comments.ErrNotReply):
		return http.StatusUnprocessableEntity, "NOT_A_REPLY", "Comment is a thread, not a reply", nil
	case errors.Is(err, comments.ErrThreadResolved):
		return http.StatusConflict, "THREAD_RESOLVED", "Reopen the thread to reply", nil
	case errors.Is(err, doc.ErrReadOnly):
		return http.StatusForbidden, "FORBIDDEN", "Document is read-only", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
