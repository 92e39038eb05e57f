// Package validation provides input validation helpers for the command API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB)
const MaxRequestSize = 64 << 10

// Field limits
const (
	MaxDescriptionLength = 500
	MaxReasonLength      = 1000
	MaxEvidenceLength    = 4000
	MaxReviewLength      = 500
	MaxMessageLength     = 2000
	MaxAttachmentLength  = 512
)

var (
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	dealCodeRegex   = regexp.MustCompile(`^DP-[ABCDEFGHJKLMNPQRSTUVWXYZ23456789]{4}$`)
	// chat handles: letters, digits and underscore
	handleRegex = regexp.MustCompile(`^[A-Za-z0-9_]{3,32}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a valid Ethereum address
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// NormalizeDealCode upper-cases and trims a deal code.
func NormalizeDealCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsValidDealCode checks a code after normalization.
func IsValidDealCode(code string) bool {
	return dealCodeRegex.MatchString(NormalizeDealCode(code))
}

// NormalizeHandle strips a leading "@" and surrounding space.
func NormalizeHandle(handle string) string {
	return strings.TrimPrefix(strings.TrimSpace(handle), "@")
}

// IsValidHandle checks a handle after normalization.
func IsValidHandle(handle string) bool {
	return handleRegex.MatchString(NormalizeHandle(handle))
}

// SanitizeString trims whitespace, removes null bytes and limits length in runes.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if r := []rune(s); len(r) > maxLen {
		s = string(r[:maxLen])
	}
	return s
}

// SanitizeAddress normalizes an Ethereum address
func SanitizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}
	return addr
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

// Validate runs validators and collects failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
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

// ValidAddress checks if a field is a valid Ethereum address
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidEthAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid Ethereum address (0x...)"}
		}
		return nil
	}
}

// ValidHandle checks a chat handle.
func ValidHandle(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidHandle(value) {
			return &ValidationError{Field: field, Message: "must be 3-32 letters, digits or underscores"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length in runes
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len([]rune(value)) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// OneOf checks that value is one of the allowed options.
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// DealCodeParamMiddleware rejects malformed :code URL parameters early.
func DealCodeParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		code := c.Param("code")
		if code != "" && !IsValidDealCode(code) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_code",
				"message": "deal code must look like DP-XXXX",
			})
			return
		}
		c.Next()
	}
}
