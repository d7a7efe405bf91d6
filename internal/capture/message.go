package capture

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/SwayamMehta10/AuthRecall/internal/signal"
)

// credentialPaths are the message shapes identity providers post back to
// the opener, checked in order.
var credentialPaths = []string{
	"credential",
	"id_token",
	"access_token",
	"response.credential",
	"response.id_token",
}

// MessageTap watches cross-document messages for identity tokens.
type MessageTap struct {
	extractor *signal.Extractor
	reporter  *Reporter
	logger    *slog.Logger
}

func NewMessageTap(extractor *signal.Extractor, reporter *Reporter, logger *slog.Logger) *MessageTap {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &MessageTap{extractor: extractor, reporter: reporter, logger: logger}
}

// HandleMessage inspects one posted message payload. Payloads may be a
// bare token string, raw JSON, or an already-decoded value.
func (t *MessageTap) HandleMessage(data any) bool {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("capture tap panicked", "tap", "message", "panic", r)
		}
	}()
	token, err := credentialFromMessage(data)
	if err != nil {
		return false
	}
	email, ok := t.extractor.EmailFromToken(token)
	if !ok {
		return false
	}
	return t.reporter.Report(email, SourceGoogleOAuth)
}

var errNoCredential = errors.New("capture: no credential in message")

func credentialFromMessage(data any) (string, error) {
	var raw string
	switch typed := data.(type) {
	case nil:
		return "", errNoCredential
	case string:
		trimmed := strings.TrimSpace(typed)
		if signal.LooksLikeJWT(trimmed) && !gjson.Valid(trimmed) {
			return trimmed, nil
		}
		raw = trimmed
	case []byte:
		raw = string(typed)
	case json.RawMessage:
		raw = string(typed)
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return "", err
		}
		raw = string(encoded)
	}
	if !gjson.Valid(raw) {
		return "", errNoCredential
	}
	parsed := gjson.Parse(raw)
	if parsed.Type == gjson.String && signal.LooksLikeJWT(parsed.Str) {
		return parsed.Str, nil
	}
	if !parsed.IsObject() {
		return "", errNoCredential
	}
	for _, path := range credentialPaths {
		value := parsed.Get(path)
		if value.Type == gjson.String && value.Str != "" {
			return value.Str, nil
		}
	}
	return "", errNoCredential
}
