// Package totp implements the stateless time-based one-time code gate.
// Codes are RFC 6238 with SHA1, six digits and a 30 second step.
package totp

import (
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// Step is the time window a single code is valid for.
	Step = 30 * time.Second
	// DefaultWindow is the number of steps tolerated on either side of now.
	DefaultWindow = 1
	// SecretSize is the raw secret length in bytes before base32 encoding.
	SecretSize = 20
)

// Key is a freshly provisioned secret and its otpauth:// URI.
type Key struct {
	Secret string
	URI    string
}

// Generate provisions a new random secret labelled for an authenticator app.
func Generate(issuer, account string) (*Key, error) {
	if account == "" {
		account = "message"
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      uint(Step / time.Second),
		SecretSize:  SecretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp secret: %w", err)
	}
	return &Key{Secret: key.Secret(), URI: key.URL()}, nil
}

// GenerateSecret returns a new base32 secret with no padding.
func GenerateSecret() (string, error) {
	key, err := Generate("burnlink", "message")
	if err != nil {
		return "", err
	}
	return key.Secret, nil
}

func opts(window uint) totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    uint(Step / time.Second),
		Skew:      window,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// Code computes the six digit code for secret at t.
func Code(secret string, t time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, t, opts(0))
	if err != nil {
		return "", fmt.Errorf("failed to compute totp code: %w", err)
	}
	return code, nil
}

// Verify reports whether code matches secret for any step within window of
// now. A malformed secret or code never verifies.
func Verify(code, secret string, now time.Time, window uint) bool {
	code = strings.TrimSpace(code)
	if len(code) != 6 {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, now, opts(window))
	return err == nil && ok
}
