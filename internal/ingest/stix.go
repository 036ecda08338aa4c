// Package ingest parses ATT&CK taxonomy bundles and reconciles them
// into the actor store with vendor enrichment.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/lvonguyen/taprofiler/internal/httpclient"
)

// ActorSeed is an intrusion-set object lifted from the taxonomy.
type ActorSeed struct {
	StixID      string
	Name        string
	Description string
	Aliases     []string
	Motivation  string
}

// TechniqueSeed is an attack-pattern object lifted from the taxonomy.
type TechniqueSeed struct {
	StixID      string
	MitreID     string
	Name        string
	Description string
	Tactics     []string
}

// Relationship is a relationship object from the taxonomy.
type Relationship struct {
	Type      string
	SourceRef string
	TargetRef string
}

// Bundle is the parsed taxonomy document.
type Bundle struct {
	Actors        []ActorSeed
	Techniques    []TechniqueSeed
	Relationships []Relationship
}

type stixDocument struct {
	Objects []stixObject `json:"objects"`
}

type stixObject struct {
	Type               string   `json:"type"`
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Description        string   `json:"description"`
	Aliases            []string `json:"aliases"`
	PrimaryMotivation  string   `json:"primary_motivation"`
	Revoked            bool     `json:"revoked"`
	Deprecated         bool     `json:"x_mitre_deprecated"`
	RelationshipType   string   `json:"relationship_type"`
	SourceRef          string   `json:"source_ref"`
	TargetRef          string   `json:"target_ref"`
	ExternalReferences []struct {
		SourceName string `json:"source_name"`
		ExternalID string `json:"external_id"`
	} `json:"external_references"`
	KillChainPhases []struct {
		KillChainName string `json:"kill_chain_name"`
		PhaseName     string `json:"phase_name"`
	} `json:"kill_chain_phases"`
}

// ParseBundle parses a STIX bundle into actor seeds, technique seeds,
// and relationships. Malformed objects are skipped with a warning.
func ParseBundle(data []byte, logger *zap.Logger) (*Bundle, error) {
	var doc stixDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse taxonomy document: %w", err)
	}

	bundle := &Bundle{}
	for _, obj := range doc.Objects {
		switch obj.Type {
		case "intrusion-set":
			if obj.ID == "" || obj.Name == "" {
				logger.Warn("Skipping malformed intrusion-set", zap.String("stix_id", obj.ID))
				continue
			}
			motivation := obj.PrimaryMotivation
			if motivation == "" {
				motivation = "Unknown"
			}
			bundle.Actors = append(bundle.Actors, ActorSeed{
				StixID:      obj.ID,
				Name:        obj.Name,
				Description: obj.Description,
				Aliases:     obj.Aliases,
				Motivation:  motivation,
			})

		case "attack-pattern":
			if obj.Revoked || obj.Deprecated {
				continue
			}
			if obj.ID == "" || obj.Name == "" {
				logger.Warn("Skipping malformed attack-pattern", zap.String("stix_id", obj.ID))
				continue
			}
			bundle.Techniques = append(bundle.Techniques, TechniqueSeed{
				StixID:      obj.ID,
				MitreID:     mitreID(obj),
				Name:        obj.Name,
				Description: obj.Description,
				Tactics:     tactics(obj),
			})

		case "relationship":
			if obj.SourceRef == "" || obj.TargetRef == "" {
				logger.Warn("Skipping malformed relationship", zap.String("stix_id", obj.ID))
				continue
			}
			bundle.Relationships = append(bundle.Relationships, Relationship{
				Type:      obj.RelationshipType,
				SourceRef: obj.SourceRef,
				TargetRef: obj.TargetRef,
			})
		}
	}

	logger.Info("Parsed taxonomy document",
		zap.Int("actors", len(bundle.Actors)),
		zap.Int("techniques", len(bundle.Techniques)),
		zap.Int("relationships", len(bundle.Relationships)))
	return bundle, nil
}

func mitreID(obj stixObject) string {
	for _, ref := range obj.ExternalReferences {
		if ref.SourceName == "mitre-attack" {
			return ref.ExternalID
		}
	}
	return ""
}

func tactics(obj stixObject) []string {
	var phases []string
	for _, phase := range obj.KillChainPhases {
		if phase.KillChainName == "mitre-attack" {
			phases = append(phases, phase.PhaseName)
		}
	}
	return phases
}

// FetchBundle loads the taxonomy document from the configured local
// path when set, else from the bundle URL.
func FetchBundle(ctx context.Context, client *httpclient.Client, bundleURL, bundlePath string, logger *zap.Logger) ([]byte, error) {
	if bundlePath != "" {
		data, err := os.ReadFile(bundlePath)
		if err == nil {
			logger.Info("Loaded taxonomy document from file", zap.String("path", bundlePath))
			return data, nil
		}
		logger.Warn("Taxonomy file unreadable, falling back to URL",
			zap.String("path", bundlePath), zap.Error(err))
	}

	data, err := client.Get(ctx, bundleURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch taxonomy document: %w", err)
	}
	return data, nil
}
