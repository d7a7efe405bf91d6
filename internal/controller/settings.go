package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// SettingsKey is where the Notion settings live in the store backend.
const SettingsKey = "notion_settings"

type Settings struct {
	NotionAPIKey     string `json:"notionApiKey"`
	NotionDatabaseID string `json:"notionDatabaseId"`
	NotionEnabled    bool   `json:"notionEnabled"`
}

func (s Settings) hasCredentials() bool {
	return strings.TrimSpace(s.NotionAPIKey) != "" && strings.TrimSpace(s.NotionDatabaseID) != ""
}

// Active reports whether automatic syncing should run.
func (s Settings) Active() bool {
	return s.NotionEnabled && s.hasCredentials()
}

// Redacted hides the key for display.
func (s Settings) Redacted() Settings {
	key := strings.TrimSpace(s.NotionAPIKey)
	if len(key) > 8 {
		s.NotionAPIKey = key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
	} else if key != "" {
		s.NotionAPIKey = strings.Repeat("*", len(key))
	}
	return s
}

// Settings returns the stored settings, or the seed when nothing is stored.
func (c *Controller) Settings(ctx context.Context) (Settings, error) {
	raw, ok, err := c.store.Backend().Get(ctx, SettingsKey)
	if err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	if !ok {
		return c.seed, nil
	}
	var settings Settings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return settings, nil
}

func (c *Controller) UpdateSettings(ctx context.Context, settings Settings) error {
	settings.NotionAPIKey = strings.TrimSpace(settings.NotionAPIKey)
	settings.NotionDatabaseID = strings.TrimSpace(settings.NotionDatabaseID)
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	if err := c.store.Backend().Set(ctx, SettingsKey, data); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	c.publish(Notice{Type: NoticeSettingsUpdated})
	return nil
}
