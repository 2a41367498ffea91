package handlers

import "github.com/memohai/tenantdesk/internal/auth"

// ErrorResponse is the standard API error body.
type ErrorResponse = auth.ErrorBody
