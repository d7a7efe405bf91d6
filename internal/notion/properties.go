package notion

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/SwayamMehta10/AuthRecall/internal/accounts"
)

// PropertySchema is one column of the database as reported by
// GET /v1/databases/{id}.
type PropertySchema struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type Schema map[string]PropertySchema

func nameHas(name string, needles ...string) bool {
	lower := strings.ToLower(name)
	for _, needle := range needles {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

type textContent struct {
	Content string `json:"content"`
}

type richText struct {
	Text textContent `json:"text"`
}

type dateValue struct {
	Start string `json:"start"`
}

// BuildProperties maps a record onto whichever columns the database has.
// Columns that match no role are left out.
func BuildProperties(schema Schema, domain string, record accounts.AccountRecord) map[string]any {
	properties := map[string]any{}
	for name, prop := range schema {
		switch {
		case prop.Type == "title":
			properties[name] = map[string]any{"title": []richText{{Text: textContent{Content: domain}}}}
		case prop.Type == "email" && nameHas(name, "email", "account", "mail"):
			var email any
			if record.Email != "" {
				email = record.Email
			}
			properties[name] = map[string]any{"email": email}
		case prop.Type == "rich_text" && nameHas(name, "email", "account", "mail"):
			properties[name] = map[string]any{"rich_text": []richText{{Text: textContent{Content: record.Email}}}}
		case prop.Type == "rich_text" && nameHas(name, "name", "display"):
			properties[name] = map[string]any{"rich_text": []richText{{Text: textContent{Content: record.DisplayName}}}}
		case prop.Type == "date" && nameHas(name, "last", "updated", "date"):
			if record.LastUsed != 0 {
				properties[name] = map[string]any{"date": dateValue{Start: isoDate(record.LastUsed)}}
			}
		case prop.Type == "date" && nameHas(name, "first", "created"):
			if record.FirstSeen != 0 {
				properties[name] = map[string]any{"date": dateValue{Start: isoDate(record.FirstSeen)}}
			}
		case prop.Type == "url" && nameHas(name, "photo"):
			if record.PhotoURL != "" {
				properties[name] = map[string]any{"url": record.PhotoURL}
			}
		}
	}
	return properties
}

func isoDate(millis int64) string {
	return time.UnixMilli(millis).UTC().Format("2006-01-02")
}

// Page is a database row as returned by query. Raw keeps the full
// document for property lookups.
type Page struct {
	ID             string
	LastEditedTime string
	Raw            json.RawMessage
}

func (p *Page) UnmarshalJSON(data []byte) error {
	parsed := gjson.ParseBytes(data)
	p.ID = parsed.Get("id").String()
	p.LastEditedTime = parsed.Get("last_edited_time").String()
	p.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// Title returns the text of the page's title property.
func (p Page) Title() string {
	var title string
	gjson.GetBytes(p.Raw, "properties").ForEach(func(_, prop gjson.Result) bool {
		if prop.Get("type").String() != "title" {
			return true
		}
		title = firstText(prop.Get("title"))
		return false
	})
	return title
}

func firstText(items gjson.Result) string {
	first := items.Get("0")
	if content := first.Get("text.content"); content.Exists() {
		return content.String()
	}
	return first.Get("plain_text").String()
}

// entryFromPage rebuilds a local-shaped record from a page. ok is false
// when the page has no usable domain or email.
func entryFromPage(page Page, now time.Time) (domain string, record accounts.AccountRecord, ok bool) {
	var email string
	var lastModified int64
	gjson.GetBytes(page.Raw, "properties").ForEach(func(key, prop gjson.Result) bool {
		name := key.String()
		switch propType := prop.Get("type").String(); {
		case propType == "title":
			domain = firstText(prop.Get("title"))
		case propType == "email":
			email = prop.Get("email").String()
		case propType == "rich_text" && nameHas(name, "email", "account"):
			email = firstText(prop.Get("rich_text"))
		case propType == "date" && nameHas(name, "last", "modified", "updated"):
			if start := prop.Get("date.start").String(); start != "" {
				if parsed, err := parseNotionTime(start); err == nil {
					lastModified = parsed.UnixMilli()
				}
			}
		}
		return true
	})
	if lastModified == 0 && page.LastEditedTime != "" {
		if parsed, err := parseNotionTime(page.LastEditedTime); err == nil {
			lastModified = parsed.UnixMilli()
		}
	}
	if domain == "" || email == "" {
		return "", accounts.AccountRecord{}, false
	}
	if lastModified == 0 {
		lastModified = now.UnixMilli()
	}
	return strings.ToLower(domain), accounts.AccountRecord{
		Email:        email,
		LastModified: lastModified,
		LastUsed:     lastModified,
	}, true
}

func parseNotionTime(value string) (time.Time, error) {
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed, nil
	}
	return time.Parse("2006-01-02", value)
}
