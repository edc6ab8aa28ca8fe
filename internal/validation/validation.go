// Package validation provides input checks shared by the HTTP handlers and
// the domain services.
package validation

import (
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/combinado/internal/domain"
	"github.com/mbd888/combinado/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// Dispute evidence limits.
const (
	MaxEvidenceFiles = 5
	MaxEvidenceSize  = 10 << 20 // 10MB per file
)

var (
	// phoneRegex accepts E.164-like numbers with optional punctuation
	phoneRegex = regexp.MustCompile(`^\+?[0-9]{10,15}$`)

	evidenceTypes = map[string]string{
		".jpg":  "image/jpeg",
		".jpeg": "image/jpeg",
		".png":  "image/png",
		".gif":  "image/gif",
		".webp": "image/webp",
		".pdf":  "application/pdf",
	}
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// NormalizePhone strips formatting so phones from different sources compare equal.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(phone) {
		if (r >= '0' && r <= '9') || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsValidPhone checks a normalized phone number.
func IsValidPhone(phone string) bool {
	return phoneRegex.MatchString(phone)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")

	if utf8.RuneCountInString(s) > maxLen {
		s = string([]rune(s)[:maxLen])
	}
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

// Err converts the first failure into a domain validation error, or
// returns nil when there are none.
func (e ValidationErrors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return &domain.ValidationError{Field: e[0].Field, Message: e[0].Message}
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

// MaxLength checks if a field exceeds max length in characters
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if utf8.RuneCountInString(value) > max {
			return &ValidationError{Field: field, Message: fmt.Sprintf("exceeds maximum length of %d characters", max)}
		}
		return nil
	}
}

// ValidPhone checks a phone field. Empty values pass; use Required for those.
func ValidPhone(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidPhone(NormalizePhone(value)) {
			return &ValidationError{Field: field, Message: "must be a phone number with 10 to 15 digits"}
		}
		return nil
	}
}

// ValidAmount checks that a field parses as a positive money amount.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		d, err := money.Parse(value)
		if err != nil {
			return &ValidationError{Field: field, Message: err.Error()}
		}
		if !d.IsPositive() {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// MinChars rejects text shorter than min characters after trimming.
func MinChars(field, value string, min int) error {
	if n := utf8.RuneCountInString(strings.TrimSpace(value)); n < min {
		return domain.Validation(field, "must have at least %d characters (got %d)", min, n)
	}
	return nil
}

// Evidence checks dispute attachments: at most MaxEvidenceFiles files of
// at most MaxEvidenceSize bytes each, images or PDF only.
func Evidence(field string, files []domain.EvidenceFile) error {
	if len(files) > MaxEvidenceFiles {
		return domain.Validation(field, "at most %d files are allowed", MaxEvidenceFiles)
	}
	for _, f := range files {
		if f.Size <= 0 || f.Size > MaxEvidenceSize {
			return domain.Validation(field, "file %q must be between 1 byte and %dMB", f.Name, MaxEvidenceSize>>20)
		}
		want, ok := evidenceTypes[strings.ToLower(filepath.Ext(f.Name))]
		if !ok {
			return domain.Validation(field, "file %q must be jpg, jpeg, png, gif, webp or pdf", f.Name)
		}
		if f.ContentType != "" && !strings.EqualFold(f.ContentType, want) {
			return domain.Validation(field, "file %q declares %s but has a %s extension", f.Name, f.ContentType, want)
		}
	}
	return nil
}

// Limit reads the "limit" query parameter, clamped to [1, max].
func Limit(c *gin.Context, def, max int) int {
	limit := def
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, max)
		}
	}
	return limit
}
