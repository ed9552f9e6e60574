package qqbot

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrIntentsRequired = errors.New("qqbot: intents must be a positive bitmask")
	ErrNotConnected    = errors.New("qqbot: gateway not connected")
)

// APIError is a non-2xx answer from the QQ OpenAPI or token endpoint.
type APIError struct {
	Status  int
	Code    int
	Message string
	TraceID string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("qq api: status %d", e.Status)
	if e.Code != 0 {
		msg += fmt.Sprintf(" code %d", e.Code)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.TraceID != "" {
		msg += " (trace " + e.TraceID + ")"
	}
	return msg
}

// IsAuthFailure reports whether err is a 401 from the platform.
func IsAuthFailure(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}
