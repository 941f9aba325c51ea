// Package card holds the card data checks that do not need any network call:
// Luhn checksum, brand detection, BIN allow-list and field formats.
package card

import (
	"fmt"
	"regexp"
	"strings"
)

// Brand is the card payment network
type Brand string

// Supported brands
const (
	Visa       Brand = "visa"
	Mastercard Brand = "mastercard"
	Amex       Brand = "amex"
	Discover   Brand = "discover"
	Elo        Brand = "elo"
	Unknown    Brand = "unknown"
)

// IsMain reports whether the brand is one of the main networks (visa, mastercard)
func (b Brand) IsMain() bool {
	return b == Visa || b == Mastercard
}

// Input is the card data supplied with each request. It is never stored.
type Input struct {
	Number string `json:"number"`
	Holder string `json:"holder"`
	Expiry string `json:"expiry"` // MM/YY
	CVV    string `json:"cvv"`
	Brand  Brand  `json:"brand"`
}

// Code is the validation error code
type Code string

// Validation error codes
const (
	InvalidFormat       Code = "InvalidFormat"
	UnsupportedBin      Code = "UnsupportedBin"
	IncompleteFields    Code = "IncompleteFields"
	InvalidExpiryFormat Code = "InvalidExpiryFormat"
	InvalidCvvFormat    Code = "InvalidCvvFormat"
)

// Error is the validation error. All validation errors can be fixed by the caller.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches errors by code so errors.Is(err, &Error{Code: InvalidFormat}) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	digitsRe = regexp.MustCompile(`^\d+$`)
	expiryRe = regexp.MustCompile(`^(\d{2})/(\d{2})$`)
	cvvRe    = regexp.MustCompile(`^\d{3,4}$`)
	spacesRe = regexp.MustCompile(`\s`)
)

// Clean removes all whitespace from the card number
func Clean(number string) string {
	return spacesRe.ReplaceAllString(number, "")
}

// CheckNumber checks the card number structure and the Luhn checksum.
func CheckNumber(number string) error {
	cleaned := Clean(number)
	if !digitsRe.MatchString(cleaned) {
		return newError(InvalidFormat, "card number must contain digits only")
	}
	if len(cleaned) < 13 || len(cleaned) > 19 {
		return newError(InvalidFormat, "card number length %d is out of range 13-19", len(cleaned))
	}
	if !luhn(cleaned) {
		return newError(InvalidFormat, "card number failed the Luhn check")
	}
	return nil
}

// Luhn returns true when the number passes CheckNumber
func Luhn(number string) bool {
	return CheckNumber(number) == nil
}

// luhn runs mod 10 over cleaned digits
func luhn(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// DetectBrand returns the brand by the number prefix. Any input gets a brand.
func DetectBrand(number string) Brand {
	c := Clean(number)
	switch {
	case strings.HasPrefix(c, "4"):
		return Visa
	case len(c) >= 2 && ((c[0] == '5' && c[1] >= '1' && c[1] <= '5') || (c[0] == '2' && c[1] >= '2' && c[1] <= '7')):
		return Mastercard
	case strings.HasPrefix(c, "34"), strings.HasPrefix(c, "37"):
		return Amex
	case strings.HasPrefix(c, "6"):
		return Discover
	}
	return Unknown
}

// ValidateFormat checks that holder, expiry and cvv are present and well formatted
func ValidateFormat(in Input) error {
	if strings.TrimSpace(in.Holder) == "" || in.Expiry == "" || in.CVV == "" {
		return newError(IncompleteFields, "holder, expiry and cvv are required")
	}
	m := expiryRe.FindStringSubmatch(in.Expiry)
	if m == nil || m[1] < "01" || m[1] > "12" {
		return newError(InvalidExpiryFormat, "expiry %q must be MM/YY", in.Expiry)
	}
	if !cvvRe.MatchString(in.CVV) {
		return newError(InvalidCvvFormat, "cvv must be 3 or 4 digits")
	}
	return nil
}

// MaskPAN returns the number as **** **** **** 1234
func MaskPAN(number string) string {
	c := Clean(number)
	if len(c) < 4 {
		return "****"
	}
	return "**** **** **** " + c[len(c)-4:]
}

// LastFour returns the last four digits of the number
func LastFour(number string) string {
	c := Clean(number)
	if len(c) < 4 {
		return c
	}
	return c[len(c)-4:]
}

// FormatNumber groups the number digits by four: "4539 1488 0343 6467"
func FormatNumber(value string) string {
	c := Clean(value)
	groups := []string{}
	for len(c) > 4 {
		groups = append(groups, c[:4])
		c = c[4:]
	}
	if c != "" {
		groups = append(groups, c)
	}
	return strings.Join(groups, " ")
}

// FormatExpiry makes "MM/YY" from typed digits. Partial input is returned as is.
func FormatExpiry(value string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, value)
	if len(digits) > 2 && len(digits) <= 4 {
		return digits[:2] + "/" + digits[2:]
	}
	return digits
}
