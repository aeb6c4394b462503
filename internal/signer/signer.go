package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Sign computes the CEX.IO request signature: a lowercase-hex HMAC-SHA256 over
// the unix timestamp (seconds) concatenated with the API key, keyed by the API
// secret. The exchange recomputes the same digest server-side, so the output
// must be stable bit-for-bit; a wrong secret yields a determinate wrong
// signature and surfaces only as an authentication rejection from the peer.
func Sign(secret, apiKey string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10) + apiKey))
	return hex.EncodeToString(mac.Sum(nil))
}
