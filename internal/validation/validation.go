// Package validation provides request validation for the holdfast API.
package validation

import (
	"errors"
	"net/http"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// partyIDRegex matches buyer, seller and arbitrator identifiers.
var partyIDRegex = regexp.MustCompile(`^[A-Za-z0-9_.:@-]{1,128}$`)

var (
	once     sync.Once
	validate *validator.Validate
)

// engine returns the shared validator. Decimal fields validate as float64 so
// numeric tags such as gt=0 work on money amounts.
func engine() *validator.Validate {
	once.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return f.Name
			}
			return name
		})
		validate.RegisterCustomTypeFunc(func(v reflect.Value) interface{} {
			d, ok := v.Interface().(decimal.Decimal)
			if !ok {
				return nil
			}
			f, _ := d.Float64()
			return f
		}, decimal.Decimal{})
		_ = validate.RegisterValidation("partyid", func(fl validator.FieldLevel) bool {
			return IsValidPartyID(fl.Field().String())
		})
	})
	return validate
}

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidPartyID reports whether s is an acceptable party identifier.
func IsValidPartyID(s string) bool {
	return partyIDRegex.MatchString(s)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
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

// Struct validates v against its `validate` struct tags.
// Returns nil when v is valid.
func Struct(v interface{}) ValidationErrors {
	err := engine().Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return ValidationErrors{{Field: "request", Message: err.Error()}}
	}
	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{Field: fe.Field(), Message: message(fe)})
	}
	return out
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte", "max":
		return "must be at most " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "partyid":
		return "must be 1-128 characters of letters, digits, or _.:@-"
	case "nefield":
		return "must differ from " + fe.Param()
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

// Validate runs ad-hoc validators and collects their errors.
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

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// Respond writes a 400 validation_error response.
func Respond(c *gin.Context, errs ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

// PartyParamMiddleware rejects malformed :userId URL parameters early.
func PartyParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("userId")
		if id != "" && !IsValidPartyID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_party_id",
				"message": "userId must be 1-128 characters of letters, digits, or _.:@-",
			})
			return
		}
		c.Next()
	}
}
