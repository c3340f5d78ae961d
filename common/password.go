package common

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// DerivePassword returns a deterministic password for an auto-provisioned
// user. The same userId and secret always give the same value, so a
// dashboard account can be registered once and logged in later.
// nBytes out of range falls back to 16.
func DerivePassword(userId, secret string, nBytes int) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(userId))
	sum := mac.Sum(nil)
	if nBytes <= 0 || nBytes > len(sum) {
		nBytes = 16
	}
	return base64.RawURLEncoding.EncodeToString(sum[:nBytes])
}
