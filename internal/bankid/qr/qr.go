// Package qr derives the animated QR challenge shown while an order waits
// for the user's device to scan it.
package qr

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Challenge computes the time-varying QR auth code for a pending order:
// HMAC-SHA256 keyed by qrStartSecret over qrStartToken plus the decimal
// elapsed whole seconds since order creation, appended in hex.
//
// The challenge is only valid within the provider's refresh window, so
// callers must recompute it every interval rather than cache it. The secret
// itself is never emitted.
func Challenge(qrStartToken, qrStartSecret string, elapsedSeconds int64) string {
	elapsed := strconv.FormatInt(elapsedSeconds, 10)
	mac := hmac.New(sha256.New, []byte(qrStartSecret))
	mac.Write([]byte(qrStartToken + elapsed))
	return qrStartToken + elapsed + hex.EncodeToString(mac.Sum(nil))
}
