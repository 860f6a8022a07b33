package app

import (
	"fmt"
	"net/http"
)

const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeNotFound     = "NOT_FOUND"
	CodeAccessDenied = "ACCESS_DENIED"
	CodeConflict     = "CONFLICT"
	CodeInvalidState = "INVALID_STATE"
	CodeServer       = "SERVER_ERROR"
	CodeUnauthorized = "UNAUTHORIZED"
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

func errValidation(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeValidation, message, details)
}

func errNotFound(what string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, what+" not found", nil)
}

func errAccessDenied(message string) *DomainError {
	return domainError(http.StatusForbidden, CodeAccessDenied, message, nil)
}

func errInvalidState(message string) *DomainError {
	return domainError(http.StatusConflict, CodeInvalidState, message, nil)
}

func errUnavailable(message string) *DomainError {
	return domainError(http.StatusServiceUnavailable, CodeServer, message, nil)
}
