// Package catalog resolves raw taxonomy actor names to vendor entity IDs
// using the Malpedia actor catalog, the MISP galaxy intrusion-set
// clusters, and a manual override file.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/lvonguyen/taprofiler/internal/httpclient"
)

const actorsEndpoint = "/api/get/actors"

// Entry is one actor record from the Malpedia catalog.
type Entry struct {
	Slug        string    `json:"-"`
	Value       string    `json:"value"`
	UUID        string    `json:"uuid"`
	Description string    `json:"description"`
	Meta        EntryMeta `json:"meta"`
	Related     []Related `json:"related"`
}

// EntryMeta carries the catalog metadata merged into actor records.
type EntryMeta struct {
	Synonyms              []string    `json:"synonyms"`
	Country               string      `json:"country"`
	AttributionConfidence string      `json:"attribution-confidence"`
	TypeOfIncident        FlexStrings `json:"cfr-type-of-incident"`
	Refs                  []string    `json:"refs"`
}

// Related points at another catalog entry.
type Related struct {
	DestUUID string `json:"dest-uuid"`
	Type     string `json:"type"`
}

// FlexStrings accepts both a bare string and a string array. Catalog
// feeds are inconsistent about which one they emit.
type FlexStrings []string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexStrings) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*f = FlexStrings{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*f = FlexStrings(many)
	return nil
}

// Malpedia is the primary identity catalog. The full actor list is
// fetched in a single call and reused from a local snapshot afterwards.
type Malpedia struct {
	client       *httpclient.Client
	baseURL      string
	snapshotPath string
	logger       *zap.Logger

	entries map[string]*Entry
	index   map[string]*Entry // normalized name -> entry
}

// NewMalpedia creates the catalog. Call Load before resolving.
func NewMalpedia(client *httpclient.Client, baseURL, snapshotPath string, logger *zap.Logger) *Malpedia {
	return &Malpedia{
		client:       client,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		snapshotPath: snapshotPath,
		logger:       logger,
		entries:      make(map[string]*Entry),
		index:        make(map[string]*Entry),
	}
}

// Load populates the catalog from the local snapshot if present, else
// from the bulk actors endpoint. A fresh download is written back to the
// snapshot path.
func (m *Malpedia) Load(ctx context.Context) error {
	if m.snapshotPath != "" {
		if data, err := os.ReadFile(m.snapshotPath); err == nil {
			if err := m.parse(data); err == nil {
				m.logger.Info("Loaded actor catalog from snapshot",
					zap.String("path", m.snapshotPath),
					zap.Int("actors", len(m.entries)))
				return nil
			}
			m.logger.Warn("Ignoring unreadable catalog snapshot", zap.String("path", m.snapshotPath))
		}
	}

	data, err := m.client.Get(ctx, m.baseURL+actorsEndpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to fetch actor catalog: %w", err)
	}
	if err := m.parse(data); err != nil {
		return err
	}

	if m.snapshotPath != "" {
		if err := os.WriteFile(m.snapshotPath, data, 0o644); err != nil {
			m.logger.Warn("Failed to write catalog snapshot", zap.Error(err))
		}
	}

	m.logger.Info("Fetched actor catalog", zap.Int("actors", len(m.entries)))
	return nil
}

func (m *Malpedia) parse(data []byte) error {
	var raw map[string]*Entry
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse actor catalog: %w", err)
	}

	entries := make(map[string]*Entry, len(raw))
	index := make(map[string]*Entry)
	for slug, entry := range raw {
		if entry == nil {
			continue
		}
		entry.Slug = slug
		entries[slug] = entry

		if entry.Value != "" {
			index[normalizeName(entry.Value)] = entry
		}
		for _, synonym := range entry.Meta.Synonyms {
			key := normalizeName(synonym)
			if _, taken := index[key]; !taken {
				index[key] = entry
			}
		}
	}

	m.entries = entries
	m.index = index
	return nil
}

// FindByName looks an actor up by display name or synonym.
func (m *Malpedia) FindByName(name string) (*Entry, bool) {
	entry, ok := m.index[normalizeName(name)]
	return entry, ok
}

// Len returns the number of loaded entries.
func (m *Malpedia) Len() int {
	return len(m.entries)
}

// normalizeName lowercases and strips whitespace and punctuation so
// "Lazarus Group", "lazarus-group", and "LAZARUS_GROUP" all match.
func normalizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
