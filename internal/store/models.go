// Package store provides the persistence contract and its Postgres and
// in-memory implementations.
package store

import (
	"time"

	"github.com/lvonguyen/taprofiler/internal/catalog"
	"github.com/lvonguyen/taprofiler/internal/enrichment"
)

// Actor is a profiled threat actor. List-valued fields are stored as
// JSON columns.
type Actor struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// StixID is the taxonomy's stable identifier and the reconciliation
	// key. It never changes once the actor exists; the display name can.
	StixID string `gorm:"uniqueIndex;size:255;not null" json:"stix_id"`

	Name        string `gorm:"index;size:255;not null" json:"name"`
	Description string `gorm:"type:text" json:"description"`

	Aliases         []string `gorm:"serializer:json" json:"aliases"`
	OriginCountries []string `gorm:"serializer:json" json:"origin_countries"`
	VictimSectors   []string `gorm:"serializer:json" json:"victim_sectors"`
	VictimCountries []string `gorm:"serializer:json" json:"victim_countries"`

	Motivation  string   `gorm:"size:255" json:"motivation"`
	Motivations []string `gorm:"serializer:json" json:"motivations"`

	AssociatedMalware []enrichment.Malware `gorm:"serializer:json" json:"associated_malware"`
	TargetEntities    []string             `gorm:"serializer:json" json:"target_entities"`

	Popularity       int      `json:"popularity"`
	KnowledgeBaseURL string   `gorm:"size:512" json:"knowledge_base_url"`
	Badges           []string `gorm:"serializer:json" json:"badges"`
	FirstSeenAt      string   `gorm:"size:64" json:"first_seen_at"`
	FeedlyID         string   `gorm:"size:255;index" json:"feedly_id"`

	AttributionConfidence string            `gorm:"size:64" json:"attribution_confidence"`
	TypeOfIncident        []string          `gorm:"serializer:json" json:"type_of_incident"`
	ActorReferences       []string          `gorm:"serializer:json" json:"actor_references"`
	RelatedActors         []catalog.Related `gorm:"serializer:json" json:"related_actors"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Technique is one ATT&CK technique from the taxonomy.
type Technique struct {
	ID          uint     `gorm:"primaryKey" json:"id"`
	MitreID     string   `gorm:"uniqueIndex;size:32;not null" json:"mitre_id"`
	Name        string   `gorm:"size:255" json:"name"`
	Description string   `gorm:"type:text" json:"description"`
	Tactics     []string `gorm:"serializer:json" json:"tactics"`
}

// ActorTechnique links an actor to a technique it uses.
type ActorTechnique struct {
	ActorID     uint `gorm:"primaryKey" json:"actor_id"`
	TechniqueID uint `gorm:"primaryKey" json:"technique_id"`
}

// Change actions recorded in the changelog.
const (
	ActionCreate = "create"
	ActionUpdate = "update"

	// CreatedFieldMarker is the field name used on creation records,
	// which cover the whole actor rather than a single field.
	CreatedFieldMarker = "all"
	// CreatedValueMarker is the new-value placeholder on creation records.
	CreatedValueMarker = "Created"
)

// ChangeRecord is one changelog entry. Creation records use the marker
// constants; update records name the changed field and carry serialized
// old and new values.
type ChangeRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Timestamp time.Time `gorm:"autoCreateTime;index" json:"timestamp"`
	ActorID   uint      `gorm:"index;not null" json:"actor_id"`
	FieldName string    `gorm:"size:64" json:"field_name"`
	OldValue  string    `gorm:"type:text" json:"old_value"`
	NewValue  string    `gorm:"type:text" json:"new_value"`
	Action    string    `gorm:"size:16" json:"action"`
}

// OrganizationProfile describes the defending organization.
type OrganizationProfile struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	Name    string `gorm:"size:255" json:"name"`
	Sector  string `gorm:"size:255" json:"sector"`
	Country string `gorm:"size:255" json:"country"`
}

// Settings holds mutable application settings.
type Settings struct {
	ID             uint     `gorm:"primaryKey" json:"id"`
	TrustedDomains []string `gorm:"serializer:json" json:"trusted_domains"`
}
