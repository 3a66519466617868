// Package webhooks implements the signature-verified intake boundary for
// GitHub and Jira deliveries.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/shiplog/issuesync/core"
)

type Verifier interface {
	Verify(ctx context.Context, req core.InboundRequest) error
}

type DeliveryIDExtractor func(req core.InboundRequest) (string, error)

// HeaderHMACVerifier checks an HMAC-SHA256 signature carried in a request
// header against the raw body. The comparison is constant time; a missing
// header, missing secret, or undecodable signature all fail closed.
type HeaderHMACVerifier struct {
	Header   string
	Prefix   string
	Secret   string
	Encoding string // hex | base64
}

func (v HeaderHMACVerifier) Verify(_ context.Context, req core.InboundRequest) error {
	header := strings.TrimSpace(headerValue(req.Headers, v.Header))
	if header == "" {
		return core.SecurityRejection(fmt.Sprintf("webhooks: %s signature header is required", strings.TrimSpace(v.Header)))
	}
	secret := strings.TrimSpace(v.Secret)
	if secret == "" {
		return core.SecurityRejection("webhooks: signature secret is required")
	}
	signature := strings.TrimPrefix(header, strings.TrimSpace(v.Prefix))
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return core.SecurityRejection("webhooks: signature value is required")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(req.Body)
	expected := mac.Sum(nil)

	switch strings.ToLower(strings.TrimSpace(v.Encoding)) {
	case "base64":
		decoded, err := base64.StdEncoding.DecodeString(signature)
		if err != nil {
			return core.SecurityRejection("webhooks: decode base64 signature: " + err.Error())
		}
		if subtle.ConstantTimeCompare(decoded, expected) != 1 {
			return core.SecurityRejection("webhooks: signature verification failed")
		}
	default:
		decoded, err := hex.DecodeString(signature)
		if err != nil {
			return core.SecurityRejection("webhooks: decode hex signature: " + err.Error())
		}
		if subtle.ConstantTimeCompare(decoded, expected) != 1 {
			return core.SecurityRejection("webhooks: signature verification failed")
		}
	}
	return nil
}

func HeaderDeliveryIDExtractor(headers ...string) DeliveryIDExtractor {
	keys := append([]string(nil), headers...)
	return func(req core.InboundRequest) (string, error) {
		for _, key := range keys {
			if value := strings.TrimSpace(headerValue(req.Headers, key)); value != "" {
				return value, nil
			}
		}
		return "", fmt.Errorf("webhooks: delivery id is required for dedupe")
	}
}

func headerValue(headers map[string]string, key string) string {
	if len(headers) == 0 {
		return ""
	}
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
