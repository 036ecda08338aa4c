package catalog

import (
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"
)

const entityIDPrefix = "nlp/f/entity/gz:ta:"

// Identity is the result of resolving a raw actor name.
type Identity struct {
	EntityID string
	// Entry is the primary catalog record, nil when the identity came
	// from a manual override or the galaxy catalog.
	Entry *Entry
}

// Resolver maps raw taxonomy names to vendor entity IDs. Resolution
// order: manual override, primary catalog, galaxy catalog.
type Resolver struct {
	overrides map[string]string
	malpedia  *Malpedia
	galaxy    *Galaxy
	logger    *zap.Logger
}

type mappingsFile struct {
	Mappings map[string]string `json:"mappings"`
}

// NewResolver creates a resolver. A missing or unreadable mappings file
// leaves the override set empty.
func NewResolver(mappingsPath string, malpedia *Malpedia, galaxy *Galaxy, logger *zap.Logger) *Resolver {
	r := &Resolver{
		overrides: make(map[string]string),
		malpedia:  malpedia,
		galaxy:    galaxy,
		logger:    logger,
	}

	if mappingsPath != "" {
		if err := r.loadOverrides(mappingsPath); err != nil {
			logger.Warn("No manual entity mappings loaded",
				zap.String("path", mappingsPath), zap.Error(err))
		}
	}

	return r
}

func (r *Resolver) loadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var file mappingsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse mappings file: %w", err)
	}

	r.overrides = file.Mappings
	r.logger.Info("Loaded manual entity mappings", zap.Int("mappings", len(r.overrides)))
	return nil
}

// Resolve returns the vendor identity for an actor name, or false when
// the name is unknown to the overrides and both catalogs.
func (r *Resolver) Resolve(name string) (*Identity, bool) {
	if entityID, ok := r.overrides[name]; ok {
		r.logger.Debug("Resolved actor via manual mapping",
			zap.String("actor", name), zap.String("entity_id", entityID))
		return &Identity{EntityID: entityID}, true
	}

	if entry, ok := r.malpedia.FindByName(name); ok && entry.UUID != "" {
		return &Identity{EntityID: EntityID(entry.UUID), Entry: entry}, true
	}

	if uuid, _, ok := r.galaxy.FindByName(name); ok {
		return &Identity{EntityID: EntityID(uuid)}, true
	}

	return nil, false
}

// EntityID builds a vendor entity ID from a catalog UUID.
func EntityID(uuid string) string {
	return entityIDPrefix + uuid
}
