// Package signal decides whether arbitrary page data carries a usable
// account email. Everything here is pure: no I/O and no state beyond the
// caller-supplied dedup view.
package signal

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// SeenSet reports whether a normalized (lowercased) email was already
// reported in the current page session.
type SeenSet interface {
	Has(normalized string) bool
}

type Extractor struct {
	rules *Ruleset
}

func NewExtractor(rules *Ruleset) *Extractor {
	if rules == nil {
		rules = DefaultRuleset()
	}
	return &Extractor{rules: rules}
}

func (e *Extractor) Rules() *Ruleset {
	return e.rules
}

// Classify returns every acceptable email-shaped substring of data, in
// order of appearance, skipping addresses present in seen.
func (e *Extractor) Classify(data any, seen SeenSet) []string {
	text := Canonicalize(data)
	if text == "" {
		return nil
	}
	matches := emailPattern.FindAllString(text, -1)
	out := make([]string, 0, len(matches))
	for _, email := range matches {
		normalized := strings.ToLower(email)
		if !e.IsAcceptable(normalized) {
			continue
		}
		if seen != nil && seen.Has(normalized) {
			continue
		}
		out = append(out, email)
	}
	return out
}

func (e *Extractor) IsAcceptable(email string) bool {
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return false
	}
	return !anyMatch(e.rules.IgnoredEmails, email)
}

// IsQualifyingEndpoint is true for user/profile/auth-shaped URLs. Telemetry
// patterns are checked first and always win.
func (e *Extractor) IsQualifyingEndpoint(url string) bool {
	if strings.TrimSpace(url) == "" {
		return false
	}
	if anyMatch(e.rules.IgnoredURLs, url) {
		return false
	}
	return anyMatch(e.rules.UserEndpoints, url)
}

func (e *Extractor) IsIdentityKey(key string) bool {
	if e.rules.IdentityKey == nil {
		return false
	}
	return e.rules.IdentityKey.MatchString(key)
}

// EmailFromToken decodes a bearer token and returns its email claim when
// the claim is present and acceptable.
func (e *Extractor) EmailFromToken(token string) (string, bool) {
	claims, err := DecodeJWT(token)
	if err != nil {
		return "", false
	}
	email := claims.Email()
	if email == "" || !e.IsAcceptable(email) {
		return "", false
	}
	return email, true
}

// Canonicalize flattens data into the string the email pattern is matched
// against. Maps are encoded with sorted keys so the result is deterministic.
func Canonicalize(data any) string {
	switch typed := data.(type) {
	case nil:
		return ""
	case string:
		return typed
	case []byte:
		return string(typed)
	case json.RawMessage:
		return string(typed)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	// Escaped <, > and & would otherwise glue "u003c" onto local parts.
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		return ""
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// ContainsEmail is the predicate used on manual and OAuth selection paths.
func ContainsEmail(value string) bool {
	return emailPattern.MatchString(value)
}

// FirstEmail returns the first email-shaped substring of text.
func FirstEmail(text string) string {
	return emailPattern.FindString(text)
}
