package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/taprofiler/internal/httpclient"
)

// Galaxy is the secondary identity catalog built from the MISP galaxy
// intrusion-set clusters. It is consulted when the primary catalog has
// no match.
type Galaxy struct {
	client       *httpclient.Client
	url          string
	snapshotPath string
	logger       *zap.Logger

	byName map[string]galaxyEntry // normalized name -> entry
}

type galaxyEntry struct {
	UUID      string
	Canonical string
}

type galaxyFile struct {
	Values []galaxyValue `json:"values"`
}

type galaxyValue struct {
	Value string `json:"value"`
	UUID  string `json:"uuid"`
	Meta  struct {
		Synonyms []string `json:"synonyms"`
	} `json:"meta"`
}

// NewGalaxy creates the galaxy catalog. Call Load before resolving.
func NewGalaxy(client *httpclient.Client, url, snapshotPath string, logger *zap.Logger) *Galaxy {
	return &Galaxy{
		client:       client,
		url:          url,
		snapshotPath: snapshotPath,
		logger:       logger,
		byName:       make(map[string]galaxyEntry),
	}
}

// Load populates the catalog from the local snapshot if present, else
// from the cluster URL.
func (g *Galaxy) Load(ctx context.Context) error {
	if g.snapshotPath != "" {
		if data, err := os.ReadFile(g.snapshotPath); err == nil {
			if err := g.parse(data); err == nil {
				g.logger.Info("Loaded galaxy catalog from snapshot",
					zap.String("path", g.snapshotPath),
					zap.Int("names", len(g.byName)))
				return nil
			}
			g.logger.Warn("Ignoring unreadable galaxy snapshot", zap.String("path", g.snapshotPath))
		}
	}

	data, err := g.client.Get(ctx, g.url, nil)
	if err != nil {
		return fmt.Errorf("failed to fetch galaxy catalog: %w", err)
	}
	if err := g.parse(data); err != nil {
		return err
	}

	if g.snapshotPath != "" {
		if err := os.WriteFile(g.snapshotPath, data, 0o644); err != nil {
			g.logger.Warn("Failed to write galaxy snapshot", zap.Error(err))
		}
	}

	g.logger.Info("Fetched galaxy catalog", zap.Int("names", len(g.byName)))
	return nil
}

func (g *Galaxy) parse(data []byte) error {
	var file galaxyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse galaxy catalog: %w", err)
	}

	byName := make(map[string]galaxyEntry)
	for _, value := range file.Values {
		if value.UUID == "" || value.Value == "" {
			continue
		}
		canonical := canonicalGalaxyName(value.Value)
		entry := galaxyEntry{UUID: value.UUID, Canonical: canonical}

		byName[normalizeName(canonical)] = entry
		for _, synonym := range value.Meta.Synonyms {
			key := normalizeName(synonym)
			if _, taken := byName[key]; !taken {
				byName[key] = entry
			}
		}
	}

	g.byName = byName
	return nil
}

// FindByName looks an actor up by canonical name or synonym, returning
// its UUID and canonical display name.
func (g *Galaxy) FindByName(name string) (uuid, canonical string, ok bool) {
	entry, found := g.byName[normalizeName(name)]
	if !found {
		return "", "", false
	}
	return entry.UUID, entry.Canonical, true
}

// attackGroupSuffix matches the trailing ATT&CK group ID in a cluster
// value, as in "Lazarus Group - G0032".
var attackGroupSuffix = regexp.MustCompile(` - G\d{4}$`)

// canonicalGalaxyName strips the ATT&CK group suffix, turning
// "Lazarus Group - G0032" into "Lazarus Group". A " - " elsewhere in
// the name is left alone.
func canonicalGalaxyName(value string) string {
	return strings.TrimSpace(attackGroupSuffix.ReplaceAllString(value, ""))
}
