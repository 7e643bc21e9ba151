package clients

import (
	"regexp"
	"unicode/utf8"
)

var (
	tokenFieldPattern  = regexp.MustCompile(`"(accessToken|access_token|refresh_token|client_secret)"\s*:\s*"[^"]*"`)
	bearerTokenPattern = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9\-._~+/]+=*`)
)

// MaskTokens hides access tokens and secrets in a response body or header
// dump before it is logged or put into an error.
func MaskTokens(s string) string {
	s = tokenFieldPattern.ReplaceAllString(s, `"$1": "****"`)
	return bearerTokenPattern.ReplaceAllString(s, "${1}****")
}

const maxSnippet = 512

// snippet returns the masked start of body for error messages.
func snippet(body []byte) string {
	s := MaskTokens(string(body))
	if len(s) <= maxSnippet {
		return s
	}
	s = s[:maxSnippet]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s + "..."
}
