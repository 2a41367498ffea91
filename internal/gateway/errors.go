package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/memohai/tenantdesk/internal/auth"
)

var (
	// ErrCredentialExpired marks a 401 carrying code token_expired. It is renewable once per call.
	ErrCredentialExpired = errors.New("credential expired")
	// ErrUnauthenticated is terminal: the session has ended and the user must log in again.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// APIError is any non-2xx response the gateway does not handle itself. Callers own these.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, msg)
}

// Is lets errors.Is(err, ErrCredentialExpired) match a token_expired response.
func (e *APIError) Is(target error) bool {
	return target == ErrCredentialExpired && e.Expired()
}

// Expired reports a renewable 401.
func (e *APIError) Expired() bool {
	return e.Status == http.StatusUnauthorized && e.Code == auth.CodeTokenExpired
}

// NotFound reports a 404.
func (e *APIError) NotFound() bool {
	return e.Status == http.StatusNotFound
}

// IsNotFound reports whether err is a 404 from the Resource API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.NotFound()
}

func decodeAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode}
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var body auth.ErrorBody
	if err := json.Unmarshal(payload, &body); err == nil {
		apiErr.Code = strings.TrimSpace(body.Code)
		apiErr.Message = strings.TrimSpace(body.Message)
	} else {
		apiErr.Message = strings.TrimSpace(string(payload))
	}
	return apiErr
}
