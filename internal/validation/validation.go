// Package validation checks request fields and path parameters before they
// reach the tenant and lifecycle services.
package validation

import (
	"net/http"
	"slices"
	"strings"
	"unicode"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tenantfleet/internal/idgen"
)

// MaxBodyBytes caps request bodies. Fleet API payloads are small.
const MaxBodyBytes = 1 << 20

// FieldError names one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors collects every failed rule for a request.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Rule checks one field and returns nil when it passes.
type Rule func() *FieldError

// Check runs every rule and returns the failures in order.
func Check(rules ...Rule) Errors {
	var errs Errors
	for _, rule := range rules {
		if fe := rule(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

// Abort writes errs as a 400 and stops the handler chain. It reports
// whether there was anything to write.
func Abort(c *gin.Context, errs Errors) bool {
	if len(errs) == 0 {
		return false
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": errs.Error(),
		"details": errs,
	})
	return true
}

func Required(field, value string) Rule {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength limits value to max bytes.
func MaxLength(field, value string, max int) Rule {
	return func() *FieldError {
		if len(value) > max {
			return &FieldError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// PrefixedID accepts an empty value, leaving presence to Required.
func PrefixedID(field, value, prefix string) Rule {
	return func() *FieldError {
		if value != "" && !idgen.HasPrefixedForm(value, prefix) {
			return &FieldError{Field: field, Message: "must be a " + strings.TrimSuffix(prefix, "_") + " id"}
		}
		return nil
	}
}

// OneOf accepts an empty value or one of allowed.
func OneOf[T ~string](field string, value T, allowed ...T) Rule {
	return func() *FieldError {
		if value == "" || slices.Contains(allowed, value) {
			return nil
		}
		names := make([]string, len(allowed))
		for i, a := range allowed {
			names[i] = string(a)
		}
		return &FieldError{Field: field, Message: "must be one of " + strings.Join(names, ", ")}
	}
}

// Clean trims s, drops control characters and cuts it to at most maxLen
// bytes without splitting a rune.
func Clean(s string, maxLen int) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !isRuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// LimitBody rejects bodies larger than maxBytes once a handler reads past
// the limit.
func LimitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// UUIDParam rejects requests whose path parameter is not a canonical UUID.
func UUIDParam(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v := c.Param(param); v != "" && !idgen.Valid(v) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": param + " must be a UUID",
			})
			return
		}
		c.Next()
	}
}

// PrefixedParam rejects requests whose path parameter is not an id minted
// with prefix.
func PrefixedParam(param, prefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v := c.Param(param); v != "" && !idgen.HasPrefixedForm(v, prefix) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": param + " must be a " + strings.TrimSuffix(prefix, "_") + " id",
			})
			return
		}
		c.Next()
	}
}
