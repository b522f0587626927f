package pipeline

import (
	"github.com/gin-gonic/gin"
)

// Code identifies a rejection to the caller without leaking internals.
type Code string

// Rejection codes.
const (
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	CodeTokenExpired      Code = "TOKEN_EXPIRED"
	CodeTokenInvalid      Code = "TOKEN_INVALID"
	CodeInvalidDevice     Code = "INVALID_DEVICE"
	CodeCSRFMismatch      Code = "CSRF_MISMATCH"
	CodeWAFBlocked        Code = "WAF_BLOCKED"
	CodeIPBlocked         Code = "IP_BLOCKED"
	CodeGeoBlocked        Code = "GEO_BLOCKED"
	CodeForbidden         Code = "FORBIDDEN"
	CodeUnauthorized      Code = "UNAUTHORIZED"
)

// Rejection is the JSON body of every security rejection.
type Rejection struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    Code   `json:"code"`
}

// reject terminates the pipeline with a structured rejection. No stage
// after a rejection runs.
func reject(c *gin.Context, status int, code Code, message string) {
	c.AbortWithStatusJSON(status, Rejection{
		Success: false,
		Message: message,
		Code:    code,
	})
}
