// Package signing signs and verifies provider webhook payloads and tracking
// links.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	SignatureHeader = "X-EventPost-Signature"
	TimestampHeader = "X-EventPost-Timestamp"

	DefaultMaxSkew = 5 * time.Minute

	tokenLen = 32
)

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrStaleTimestamp   = errors.New("signature timestamp outside allowed window")
)

// Sign returns the signature header value for payload sent at ts.
func Sign(secret string, payload []byte, ts time.Time) string {
	return "v1=" + digest(secret, payload, ts.Unix())
}

// Verify checks a signature produced by Sign. timestamp is the raw
// TimestampHeader value in unix seconds.
func Verify(secret string, payload []byte, timestamp, signature string, now time.Time, maxSkew time.Duration) error {
	if signature == "" || timestamp == "" {
		return ErrMissingSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}

	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if maxSkew > 0 && skew > maxSkew {
		return ErrStaleTimestamp
	}

	expected := "v1=" + digest(secret, payload, ts)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

func digest(secret string, payload []byte, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.", ts)))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Token signs parts for embedding in a URL. It carries no timestamp, so
// tokens stay valid for as long as the secret does.
func Token(secret string, parts ...string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(mac.Sum(nil))[:tokenLen]
}

// VerifyToken checks a token produced by Token for the same parts.
func VerifyToken(secret, token string, parts ...string) error {
	if token == "" {
		return ErrMissingSignature
	}
	if !hmac.Equal([]byte(Token(secret, parts...)), []byte(token)) {
		return ErrInvalidSignature
	}
	return nil
}
