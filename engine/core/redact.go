package core

import (
	"regexp"
	"strings"
)

// Secret shapes that scheduler and store errors are known to echo back.
var (
	bearerTokenRe = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9\-\._~\+\/]+=*`)
	basicAuthRe   = regexp.MustCompile(`(?i)(basic\s+)[A-Za-z0-9\+\/]+=*`)
	kvSecretRe    = regexp.MustCompile(
		`(?i)(password|secret|token|access_key_id|secret_access_key)\s*[:=]\s*["']?[^"'\s]+["']?`,
	)
	awsKeyRe     = regexp.MustCompile(`\b(AKIA[A-Z0-9]{16})\b`)
	connectionRe = regexp.MustCompile(`(?i)((postgres|postgresql|redis|rediss|https?)://)[^@\s/]+@`)
)

const maxReasonLen = 512

// RedactString scrubs credentials from s and bounds its length. It is applied
// to every error text that ends up in a run reason or an API response.
func RedactString(s string) string {
	s = strings.TrimSpace(s)
	s = awsKeyRe.ReplaceAllString(s, "[AWS_KEY_REDACTED]")
	s = connectionRe.ReplaceAllString(s, "$1[REDACTED]@")
	s = bearerTokenRe.ReplaceAllString(s, "$1[REDACTED]")
	s = basicAuthRe.ReplaceAllString(s, "$1[REDACTED]")
	s = kvSecretRe.ReplaceAllString(s, "$1=[REDACTED]")
	if len(s) > maxReasonLen {
		s = s[:maxReasonLen] + "…"
	}
	return s
}

// RedactError applies RedactString to an error, returning an empty string when nil.
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return RedactString(err.Error())
}
