package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"masterflow/api/internal/auth"
	"masterflow/api/internal/export"
	"masterflow/api/internal/flow"
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

var flowStatus = map[flow.Kind]int{
	flow.KindValidation:       http.StatusUnprocessableEntity,
	flow.KindConflict:         http.StatusConflict,
	flow.KindNotFound:         http.StatusNotFound,
	flow.KindStoreUnavailable: http.StatusServiceUnavailable,
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var flowErr *flow.Error
	if errors.As(err, &flowErr) {
		status, ok := flowStatus[flowErr.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		var details any
		if len(flowErr.Details) > 0 {
			details = flowErr.Details
		}
		return status, flowErr.Code, flowErr.Message, details
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, export.ErrNotSubmitted):
		return http.StatusConflict, "NOT_SUBMITTED", "Document has not been submitted", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT", "Unsupported export format", nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF rendering is unavailable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
