package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/agentworkforce/leadbridge/internal/bridge"
)

const signatureHeader = "Pachca-Signature"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// verifyChatSignature checks the hex HMAC-SHA256 of the raw body and, when
// maxSkew is positive, the webhook_timestamp carried inside it.
func verifyChatSignature(secret, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return &authError{status: 401, code: "unauthorized", message: "missing webhook signature"}
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	expectedHex := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expectedHex)) {
		return &authError{status: 401, code: "unauthorized", message: "webhook signature mismatch"}
	}
	if maxSkew <= 0 {
		return nil
	}

	var envelope struct {
		Timestamp bridge.ID `json:"webhook_timestamp"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Timestamp.IsZero() {
		return &authError{status: 401, code: "unauthorized", message: "missing webhook timestamp"}
	}
	seconds, err := envelope.Timestamp.Int64()
	if err != nil {
		return &authError{status: 401, code: "unauthorized", message: "invalid webhook timestamp"}
	}
	delta := now.Sub(time.Unix(seconds, 0))
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return &authError{status: 401, code: "unauthorized", message: "webhook outside replay window"}
	}
	return nil
}

func authorizeAdmin(authHeader, token string) *authError {
	if strings.TrimSpace(token) == "" {
		return &authError{status: 403, code: "forbidden", message: "admin access disabled"}
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(raw), []byte(token)) != 1 {
		return &authError{status: 401, code: "unauthorized", message: "invalid admin token"}
	}
	return nil
}
