package utils

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	indianMobileBody   = regexp.MustCompile(`^[6-9]\d{9}$`)
	canonicalIndianNum = regexp.MustCompile(`^\+91[6-9]\d{9}$`)
	phoneSeparators    = strings.NewReplacer("-", "")
)

// PhoneError explains why a number was rejected
type PhoneError struct {
	Input  string
	Reason string
}

func (e *PhoneError) Error() string {
	return fmt.Sprintf("invalid phone number %q: %s", e.Input, e.Reason)
}

// NormalizeIndianPhone converts +91XXXXXXXXXX, 91XXXXXXXXXX or a bare
// 10-digit mobile number into +91XXXXXXXXXX. Whitespace and hyphens are
// ignored.
func NormalizeIndianPhone(raw string) (string, error) {
	cleaned := phoneSeparators.Replace(strings.Join(strings.Fields(raw), ""))
	if cleaned == "" {
		return "", &PhoneError{Input: raw, Reason: "phone number is required"}
	}

	body := cleaned
	switch {
	case strings.HasPrefix(cleaned, "+91"):
		body = cleaned[3:]
	case strings.HasPrefix(cleaned, "+"):
		return "", &PhoneError{Input: raw, Reason: "only Indian (+91) numbers are supported"}
	case len(cleaned) == 12 && strings.HasPrefix(cleaned, "91"):
		body = cleaned[2:]
	}

	if len(body) != 10 {
		return "", &PhoneError{Input: raw, Reason: "mobile number must have 10 digits"}
	}
	if !indianMobileBody.MatchString(body) {
		return "", &PhoneError{Input: raw, Reason: "mobile number must be 10 digits starting with 6, 7, 8 or 9"}
	}
	return "+91" + body, nil
}

// IsCanonicalIndianPhone reports whether s is already in +91XXXXXXXXXX form
func IsCanonicalIndianPhone(s string) bool {
	return canonicalIndianNum.MatchString(s)
}

// MaskPhone masks a phone number for logging (e.g. +9******10)
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return phone[:2] + strings.Repeat("*", len(phone)-4) + phone[len(phone)-2:]
}
