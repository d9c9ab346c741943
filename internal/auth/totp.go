package auth

import (
	"fmt"
	"time"

	"github.com/pquerna/otp/totp"
)

// GenerateTOTP produces the current time-based one-time code for the Kite
// login exchange. The secret comes from the broker's 2FA enrollment.
func GenerateTOTP(secret string, now time.Time) (string, error) {
	code, err := totp.GenerateCode(secret, now)
	if err != nil {
		return "", fmt.Errorf("auth: totp generate: %w", err)
	}
	return code, nil
}
