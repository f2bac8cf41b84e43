package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/replyloop/replyloop/pkg/database"
	"github.com/replyloop/replyloop/pkg/faults"
)

// Settings is the per-tenant configuration blob stored on the tenants row.
type Settings struct {
	AITone       string           `json:"ai_tone"`
	Language     string           `json:"language"` // BCP-47, regional Arabic variants included
	ProductHints string           `json:"product_hints"`
	WorkingHours string           `json:"working_hours"`
	DenyList     []string         `json:"deny_list"`
	Templates    []Template       `json:"templates"`
	ManyChat     ManyChatSettings `json:"manychat"`
}

// Template is a pre-approved outbound form permitted outside the reply window.
type Template struct {
	ID     string `json:"id"`
	Intent string `json:"intent"` // matched against the AI-detected intent
	Text   string `json:"text"`
}

// ManyChatSettings configures the tenant's ManyChat channel.
// UDID is optional and consumed only by the ManyChat adapter; it is never
// an admission check.
type ManyChatSettings struct {
	Enabled bool   `json:"enabled"`
	FlowID  string `json:"flow_id"`
	UDID    string `json:"udid,omitempty"`
}

// TemplateByID returns the template with the given id.
func (s *Settings) TemplateByID(id string) (Template, bool) {
	for _, tpl := range s.Templates {
		if tpl.ID == id {
			return tpl, true
		}
	}
	return Template{}, false
}

// Render substitutes {{key}} placeholders in the template text with the
// given params. Unknown placeholders are left as-is.
func (t Template) Render(params map[string]string) string {
	text := t.Text
	for key, value := range params {
		text = strings.ReplaceAll(text, "{{"+key+"}}", value)
	}
	return text
}

// TemplateForIntent returns the first template matching intent, or the
// first template with an empty intent as a generic fallback.
func (s *Settings) TemplateForIntent(intent string) (Template, bool) {
	var generic *Template
	for i, tpl := range s.Templates {
		if tpl.Intent == intent && intent != "" {
			return tpl, true
		}
		if tpl.Intent == "" && generic == nil {
			generic = &s.Templates[i]
		}
	}
	if generic != nil {
		return *generic, true
	}
	return Template{}, false
}

// SettingsCache is a read-mostly cache of tenant settings, invalidated by
// version on admin updates.
type SettingsCache struct {
	db  *database.Client
	ttl time.Duration

	mu      sync.RWMutex
	entries map[uuid.UUID]settingsEntry
}

type settingsEntry struct {
	settings  *Settings
	expiresAt time.Time
}

// NewSettingsCache creates the cache with a 60-second TTL.
func NewSettingsCache(db *database.Client) *SettingsCache {
	return &SettingsCache{
		db:      db,
		ttl:     time.Minute,
		entries: make(map[uuid.UUID]settingsEntry),
	}
}

// Get loads the tenant's settings, from cache when fresh.
func (c *SettingsCache) Get(ctx context.Context, tenantID uuid.UUID) (*Settings, error) {
	c.mu.RLock()
	entry, ok := c.entries[tenantID]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.settings, nil
	}

	var raw []byte
	err := c.db.WithTenant(ctx, tenantID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT settings FROM tenants WHERE id = $1`, tenantID)
		if err := row.Scan(&raw); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return faults.Newf(faults.KindTenant, faults.CodeUnknownTenant, "tenant %s not found", tenantID)
			}
			return fmt.Errorf("loading tenant settings: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	settings := &Settings{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, settings); err != nil {
			return nil, faults.New(faults.KindTenant, faults.CodeTenantMisconfig,
				fmt.Errorf("decoding settings for tenant %s: %w", tenantID, err))
		}
	}

	c.mu.Lock()
	c.entries[tenantID] = settingsEntry{settings: settings, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return settings, nil
}

// Invalidate drops the cached settings for a tenant after an admin update.
func (c *SettingsCache) Invalidate(tenantID uuid.UUID) {
	c.mu.Lock()
	delete(c.entries, tenantID)
	c.mu.Unlock()
}
