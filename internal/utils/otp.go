package utils

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
)

const (
	otpMin = 100000
	otpMax = 999999
)

var otpPattern = regexp.MustCompile(`^\d{6}$`)

// GenerateSecureOTP returns a 6-digit code drawn uniformly from [100000, 999999]
func GenerateSecureOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(otpMax-otpMin+1))
	if err != nil {
		return "", fmt.Errorf("failed to generate random number: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+otpMin), nil
}

// IsValidOTP reports whether code is exactly six decimal digits
func IsValidOTP(code string) bool {
	return otpPattern.MatchString(code)
}

// HashOTP returns HMAC-SHA256(key, phone:code) as hex for the audit log.
// Without the key the 900,000 possible codes cannot be tried offline.
func HashOTP(key []byte, phone, code string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(phone + ":" + code))
	return hex.EncodeToString(mac.Sum(nil))
}
