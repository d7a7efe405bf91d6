package capture

import (
	"encoding/base64"
	"io"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/SwayamMehta10/AuthRecall/internal/signal"
)

var oauthMarkers = []string{"/o/oauth2/", "/signin/oauth/", "/AccountChooser", "client_id=", "redirect_uri="}

var stateURLPattern = regexp.MustCompile(`https?://([^/\s]+)`)

// accountClasses are the identity-provider class names that hold the
// account email in the chooser.
var accountClasses = []string{"gb_Lb", "gb_ub", "fCBwrf", "W7Aapd"}

// OAuthSelection is an account picked on the identity provider's chooser
// for a relying-party site.
type OAuthSelection struct {
	Email  string `json:"email"`
	Domain string `json:"domain"`
}

// IsOAuthFlow reports whether pageURL is a third-party authorization flow
// rather than a plain provider sign-in.
func IsOAuthFlow(pageURL string) bool {
	for _, marker := range oauthMarkers {
		if strings.Contains(pageURL, marker) {
			return true
		}
	}
	return false
}

// TargetSite resolves the relying-party hostname: redirect_uri first, then a
// base64 state parameter carrying a URL, then a non-provider referrer.
func TargetSite(pageURL, referrer string) (string, bool) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", false
	}
	params := parsed.Query()
	if redirect := params.Get("redirect_uri"); redirect != "" {
		if target, err := url.Parse(redirect); err == nil && target.Hostname() != "" {
			return target.Hostname(), true
		}
	}
	if state := params.Get("state"); state != "" {
		if host, ok := hostFromState(state); ok {
			return host, true
		}
	}
	if referrer != "" {
		if ref, err := url.Parse(referrer); err == nil && ref.Hostname() != "" && !strings.Contains(ref.Hostname(), "google.com") {
			return ref.Hostname(), true
		}
	}
	return "", false
}

func hostFromState(state string) (string, bool) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		decoded, err := enc.DecodeString(state)
		if err != nil {
			continue
		}
		if match := stateURLPattern.FindStringSubmatch(string(decoded)); match != nil {
			return match[1], true
		}
	}
	return "", false
}

// FindEmail looks for the chosen account in a chooser document: tagged
// attributes and known account elements first, then any email in the
// page text.
func FindEmail(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}
	if email := findTaggedEmail(doc); email != "" {
		return email, nil
	}
	var text strings.Builder
	collectText(doc, &text)
	return signal.FirstEmail(text.String()), nil
}

func findTaggedEmail(n *html.Node) string {
	if n.Type == html.ElementNode {
		for _, key := range []string{"data-email", "data-identifier"} {
			if value := attr(n, key); strings.Contains(value, "@") {
				return strings.TrimSpace(value)
			}
		}
		if isAccountElement(n) {
			if value := elementText(n); strings.Contains(value, "@") {
				return value
			}
		}
		// The chooser renders the address in the div following each
		// data-authuser row.
		if n.Data == "div" && hasAttr(n, "data-authuser") {
			if next := nextElementSibling(n); next != nil && next.Data == "div" {
				if email := signal.FirstEmail(elementText(next)); email != "" {
					return email
				}
			}
		}
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if email := findTaggedEmail(child); email != "" {
			return email
		}
	}
	return ""
}

func isAccountElement(n *html.Node) bool {
	if attr(n, "id") == "profileIdentifier" {
		return true
	}
	classes := strings.Fields(attr(n, "class"))
	for _, class := range classes {
		for _, want := range accountClasses {
			if class == want {
				return true
			}
		}
	}
	return false
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func nextElementSibling(n *html.Node) *html.Node {
	for sibling := n.NextSibling; sibling != nil; sibling = sibling.NextSibling {
		if sibling.Type == html.ElementNode {
			return sibling
		}
	}
	return nil
}

func elementText(n *html.Node) string {
	var text strings.Builder
	collectText(n, &text)
	return strings.TrimSpace(text.String())
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func collectText(n *html.Node, out *strings.Builder) {
	if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
		return
	}
	if n.Type == html.TextNode {
		out.WriteString(n.Data)
		out.WriteByte(' ')
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		collectText(child, out)
	}
}

// DetectOAuthSelection combines flow detection, target resolution and
// email lookup for one chooser page.
func DetectOAuthSelection(pageURL, referrer string, document io.Reader) (OAuthSelection, bool) {
	if !IsOAuthFlow(pageURL) {
		return OAuthSelection{}, false
	}
	domain, ok := TargetSite(pageURL, referrer)
	if !ok {
		return OAuthSelection{}, false
	}
	email, err := FindEmail(document)
	if err != nil || email == "" {
		return OAuthSelection{}, false
	}
	return OAuthSelection{Email: email, Domain: domain}, true
}

// SelectionFromClick handles a click on a chooser account entry. label is
// the clicked element's tagged email or its text.
func SelectionFromClick(pageURL, referrer, label string) (OAuthSelection, bool) {
	label = strings.TrimSpace(label)
	if !strings.Contains(label, "@") || !IsOAuthFlow(pageURL) {
		return OAuthSelection{}, false
	}
	domain, ok := TargetSite(pageURL, referrer)
	if !ok {
		return OAuthSelection{}, false
	}
	if email := signal.FirstEmail(label); email != "" {
		label = email
	}
	return OAuthSelection{Email: label, Domain: domain}, true
}
