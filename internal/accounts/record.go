// Package accounts is the local system of record: a domain → account
// mapping persisted as one JSON document behind a pluggable key-value
// backend.
package accounts

import (
	"errors"
	"strings"
	"time"

	"golang.org/x/net/idna"
)

// StorageKey is the single namespaced key holding the whole mapping.
const StorageKey = "oauth_accounts"

var (
	ErrInvalidDomain = errors.New("invalid domain")
	ErrInvalidEmail  = errors.New("invalid email")
	ErrInvalidBundle = errors.New("invalid import bundle")
	ErrNotFound      = errors.New("not found")

	ErrInvalidBackendDSN = errors.New("invalid store dsn")
)

// AccountRecord is what is stored per domain. Timestamps are Unix
// milliseconds.
type AccountRecord struct {
	Email        string `json:"email"`
	DisplayName  string `json:"displayName"`
	PhotoURL     string `json:"photoUrl"`
	FirstSeen    int64  `json:"firstSeen,omitempty"`
	LastUsed     int64  `json:"lastUsed,omitempty"`
	LastModified int64  `json:"lastModified,omitempty"`
}

// ClockTime is the conflict-resolution clock of a record.
func (r AccountRecord) ClockTime() int64 {
	if r.LastModified > r.LastUsed {
		return r.LastModified
	}
	return r.LastUsed
}

// AccountInput is the caller-controlled part of a save.
type AccountInput struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
	PhotoURL    string `json:"photoUrl,omitempty"`
}

type Accounts map[string]AccountRecord

func (a Accounts) clone() Accounts {
	out := make(Accounts, len(a))
	for domain, record := range a {
		out[domain] = record
	}
	return out
}

type Stats struct {
	TotalDomains   int      `json:"totalDomains"`
	UniqueAccounts int      `json:"uniqueAccounts"`
	Domains        []string `json:"domains"`
}

type ExportBundle struct {
	Version    int      `json:"version"`
	ExportedAt string   `json:"exportedAt"`
	Accounts   Accounts `json:"accounts"`
}

type ChangeKind string

const (
	ChangeSaved    ChangeKind = "account_saved"
	ChangeDeleted  ChangeKind = "account_deleted"
	ChangeCleared  ChangeKind = "accounts_cleared"
	ChangeImported ChangeKind = "accounts_imported"
	ChangeMerged   ChangeKind = "accounts_merged"
)

type ChangeEvent struct {
	Kind    ChangeKind     `json:"type"`
	Domain  string         `json:"domain,omitempty"`
	Account *AccountRecord `json:"accountData,omitempty"`
}

var reservedDomains = map[string]struct{}{
	"":          {},
	"http":      {},
	"https":     {},
	"localhost": {},
	"undefined": {},
	"null":      {},
	"unknown":   {},
	"fetch":     {},
	"xhr":       {},
}

// IsValidDomain is the persistence gate for domain keys.
func IsValidDomain(domain string) bool {
	if _, reserved := reservedDomains[domain]; reserved {
		return false
	}
	if len(domain) < 4 {
		return false
	}
	return strings.Contains(domain, ".")
}

var domainProfile = idna.New(idna.MapForLookup(), idna.Transitional(false))

// NormalizeDomain lowercases a hostname and converts it to its ASCII form.
// Hostnames IDNA rejects are returned lowercased so the validity check can
// still decide on them.
func NormalizeDomain(domain string) string {
	domain = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
	if domain == "" {
		return ""
	}
	ascii, err := domainProfile.ToASCII(domain)
	if err != nil {
		return domain
	}
	return ascii
}

// ValidEmail reports whether email can be accepted from any source.
func ValidEmail(email string) bool {
	return strings.Contains(email, "@")
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
