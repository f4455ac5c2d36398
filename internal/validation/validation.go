// Package validation checks addresses, hashes and amounts at the API edge.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/Dream-Voyage/v402/internal/usdc"
)

// MaxRequestSize bounds facilitator request bodies. A verify or settle
// request is well under 8KB.
const MaxRequestSize = 64 << 10

var (
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	bytes32Regex    = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
	signatureRegex  = regexp.MustCompile(`^0x[a-fA-F0-9]{130}$`)
	uintRegex       = regexp.MustCompile(`^[0-9]{1,78}$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks for 0x followed by 40 hex characters.
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidTxHash checks for 0x followed by 64 hex characters.
func IsValidTxHash(h string) bool {
	return bytes32Regex.MatchString(h)
}

// IsValidNonce checks an EIP-3009 nonce: a 0x-prefixed bytes32.
func IsValidNonce(n string) bool {
	return bytes32Regex.MatchString(n)
}

// IsValidSignature checks for a 65-byte 0x-prefixed hex signature.
func IsValidSignature(s string) bool {
	return signatureRegex.MatchString(s)
}

// IsValidUint checks a decimal uint256 as carried on the wire.
func IsValidUint(s string) bool {
	return uintRegex.MatchString(s)
}

// SanitizeAddress lowercases an address and adds a missing 0x prefix.
func SanitizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}
	return addr
}

// ValidationError is one failed field check.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs every check and collects the failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks a field is non-blank.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks an optional Ethereum address field.
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

// ValidAmount checks an optional human-readable USDC amount such as
// "0.01". Zero and negative amounts are rejected.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		units, ok := usdc.Parse(value)
		if !ok || strings.HasPrefix(value, ".") || strings.HasSuffix(value, ".") {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if units.Sign() <= 0 {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// TxHashParamMiddleware rejects a malformed :hash URL parameter.
func TxHashParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Param("hash")
		if h != "" && !IsValidTxHash(h) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_hash",
				"message": "hash must be 0x followed by 64 hex characters",
			})
			return
		}
		c.Next()
	}
}

// RegisterBindingTags adds the bytes32, signature and uint256 tags to gin's
// binding validator so request structs can use them.
func RegisterBindingTags() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return nil
	}
	tags := map[string]func(string) bool{
		"bytes32":   IsValidNonce,
		"signature": IsValidSignature,
		"uint256":   IsValidUint,
	}
	for tag, fn := range tags {
		fn := fn
		if err := v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
			return fn(fl.Field().String())
		}); err != nil {
			return err
		}
	}
	return nil
}
