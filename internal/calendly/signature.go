// Package calendly はCalendlyのWebhook検証・ペイロード解釈・API照会を提供する。
package calendly

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/arete-app/arete/internal/model"
)

// SignatureHeader はWebhook署名を運ぶヘッダー名。
const SignatureHeader = "Calendly-Webhook-Signature"

var errMalformedSignature = errors.New("malformed signature header")

// Verifier はWebhook署名を検証する。
type Verifier struct {
	signingKey string
	tolerance  time.Duration
	now        func() time.Time
}

// NewVerifier はVerifierを生成する。
// toleranceが0の場合はタイムスタンプの鮮度を検査しない。
func NewVerifier(signingKey string, tolerance time.Duration) *Verifier {
	return &Verifier{
		signingKey: signingKey,
		tolerance:  tolerance,
		now:        time.Now,
	}
}

// Verify は "t=<ts>,v1=<hex>" 形式の署名を "<ts>.<rawBody>" のHMAC-SHA256と照合する。
// 失敗時は model.ErrInvalidSignature をラップしたエラーを返す。
func (v *Verifier) Verify(header string, body []byte) error {
	if v.signingKey == "" {
		return fmt.Errorf("%w: signing key is not configured", model.ErrInvalidSignature)
	}

	header = strings.TrimSpace(header)
	if header == "" {
		return fmt.Errorf("%w: missing %s header", model.ErrInvalidSignature, SignatureHeader)
	}

	ts, signatures, err := parseSignature(header)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidSignature, err)
	}

	if v.tolerance > 0 {
		sec, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: invalid timestamp", model.ErrInvalidSignature)
		}
		age := v.now().Sub(time.Unix(sec, 0))
		if age > v.tolerance || age < -v.tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", model.ErrInvalidSignature)
		}
	}

	expected := Sign(v.signingKey, ts, body)
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}

	return fmt.Errorf("%w: signature mismatch", model.ErrInvalidSignature)
}

// Sign は署名対象 "<ts>.<body>" のHMAC-SHA256を16進文字列で返す。
func Sign(signingKey, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(signingKey))
	_, _ = mac.Write([]byte(ts))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeaderValue はテストや送信側で使うヘッダー値を組み立てる。
func SignatureHeaderValue(signingKey string, ts time.Time, body []byte) string {
	t := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + t + ",v1=" + Sign(signingKey, t, body)
}

func parseSignature(header string) (string, []string, error) {
	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		kv := strings.SplitN(piece, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		value := strings.TrimSpace(kv[1])
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, strings.ToLower(value))
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errMalformedSignature
	}
	return timestamp, signatures, nil
}
