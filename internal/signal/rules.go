package signal

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var defaultIgnoredEmailPatterns = []string{
	`^noreply@`, `^no-reply@`, `^support@`, `^admin@`, `^info@`,
	`^help@`, `^contact@`, `^feedback@`, `^notifications?@`,
	`^alerts?@`, `^newsletter@`, `^team@`, `^hello@`, `^sales@`,
	`^billing@`, `^privacy@`, `^security@`, `^abuse@`,
	`^webmaster@`, `^postmaster@`, `^mailer-daemon@`, `^donotreply@`,
	`@example\.`, `@test\.`, `@localhost`,
	// first-party company addresses that show up in user payloads
	`@udemy\.com$`, `@leetcode\.com$`, `@amplitude\.com$`,
	`@google\.com$`, `@sentry\.io$`, `@datadog\.com$`,
}

var defaultUserEndpointPatterns = []string{
	`/me\b`,
	`/user`,
	`/profile`,
	`/account`,
	`/auth`,
	`/session`,
	`/login`,
	`/signin`,
	`/oauth`,
	`identitytoolkit`,
	`securetoken`,
	`/contexts/me`,
}

var defaultIgnoredURLPatterns = []string{
	`amplitude`,
	`sentry`,
	`datadog`,
	`analytics`,
	`tracking`,
	`googletagmanager`,
	`gtag`,
	`hotjar`,
	`mixpanel`,
	`segment`,
	`fullstory`,
	`logrocket`,
	`bugsnag`,
	`rollbar`,
	`newrelic`,
	`sdk.*config`,
}

const defaultIdentityKeyPattern = `user|auth|token|session|account`

// Ruleset is the compiled allow/deny configuration used by an Extractor.
type Ruleset struct {
	IgnoredEmails []*regexp.Regexp
	UserEndpoints []*regexp.Regexp
	IgnoredURLs   []*regexp.Regexp
	IdentityKey   *regexp.Regexp
}

// RulesFile is the YAML shape accepted by LoadRuleset. Every list extends
// the built-in defaults; identityKeyPattern replaces the default when set.
type RulesFile struct {
	IgnoredEmails      []string `yaml:"ignoredEmails"`
	UserEndpoints      []string `yaml:"userEndpoints"`
	IgnoredURLs        []string `yaml:"ignoredUrls"`
	IdentityKeyPattern string   `yaml:"identityKeyPattern"`
}

func DefaultRuleset() *Ruleset {
	rs, err := buildRuleset(RulesFile{})
	if err != nil {
		panic(fmt.Sprintf("signal: default ruleset does not compile: %v", err))
	}
	return rs
}

func LoadRuleset(path string) (*Ruleset, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultRuleset(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	return buildRuleset(file)
}

func buildRuleset(extra RulesFile) (*Ruleset, error) {
	ignoredEmails, err := compileAll(append(append([]string{}, defaultIgnoredEmailPatterns...), extra.IgnoredEmails...))
	if err != nil {
		return nil, fmt.Errorf("ignored email pattern: %w", err)
	}
	userEndpoints, err := compileAll(append(append([]string{}, defaultUserEndpointPatterns...), extra.UserEndpoints...))
	if err != nil {
		return nil, fmt.Errorf("user endpoint pattern: %w", err)
	}
	ignoredURLs, err := compileAll(append(append([]string{}, defaultIgnoredURLPatterns...), extra.IgnoredURLs...))
	if err != nil {
		return nil, fmt.Errorf("ignored url pattern: %w", err)
	}
	keyPattern := strings.TrimSpace(extra.IdentityKeyPattern)
	if keyPattern == "" {
		keyPattern = defaultIdentityKeyPattern
	}
	identityKey, err := compileInsensitive(keyPattern)
	if err != nil {
		return nil, fmt.Errorf("identity key pattern: %w", err)
	}
	return &Ruleset{
		IgnoredEmails: ignoredEmails,
		UserEndpoints: userEndpoints,
		IgnoredURLs:   ignoredURLs,
		IdentityKey:   identityKey,
	}, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := compileInsensitive(pattern)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

func compileInsensitive(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", pattern, err)
	}
	return re, nil
}

func anyMatch(patterns []*regexp.Regexp, value string) bool {
	for _, re := range patterns {
		if re.MatchString(value) {
			return true
		}
	}
	return false
}
