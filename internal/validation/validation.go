// Package validation provides input validation middleware for the CreditMeter API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

var (
	// workspaceIDRegex validates workspace IDs ("ws_" + 24 hex chars)
	workspaceIDRegex = regexp.MustCompile(`^ws_[a-f0-9]{24}$`)
	// featureRegex validates feature names (lowercase snake_case)
	featureRegex = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidWorkspaceID checks if a string is a well-formed workspace ID
func IsValidWorkspaceID(id string) bool {
	return workspaceIDRegex.MatchString(id)
}

// IsValidFeatureName checks if a string is a well-formed feature name
func IsValidFeatureName(name string) bool {
	return featureRegex.MatchString(name)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidFeature checks if a field is a well-formed feature name
func ValidFeature(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidFeatureName(value) {
			return &ValidationError{Field: field, Message: "must be a lowercase snake_case feature name"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// WorkspaceParamMiddleware validates the :workspace URL parameter on routes that
// use it. Apply to route groups that include :workspace params to reject
// malformed IDs early.
func WorkspaceParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("workspace")
		if id != "" && !IsValidWorkspaceID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_workspace_id",
				"message": "workspace ID must be ws_ followed by 24 hex characters",
			})
			return
		}
		c.Next()
	}
}
