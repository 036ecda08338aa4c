package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence contract. InTransaction yields a Store bound
// to a transaction; everything done inside the callback commits or rolls
// back atomically.
type Store interface {
	// Actors
	GetActorByID(ctx context.Context, id uint) (*Actor, error)
	GetActorByStixID(ctx context.Context, stixID string) (*Actor, error)
	GetActorByName(ctx context.Context, name string) (*Actor, error)
	ListActors(ctx context.Context) ([]Actor, error)
	ListActorsByIDs(ctx context.Context, ids []uint) ([]Actor, error)
	CreateActor(ctx context.Context, actor *Actor) error
	UpdateActor(ctx context.Context, actor *Actor) error

	// Techniques
	GetTechniqueByMitreID(ctx context.Context, mitreID string) (*Technique, error)
	ListTechniquesByMitreIDs(ctx context.Context, mitreIDs []string) ([]Technique, error)
	UpsertTechnique(ctx context.Context, technique *Technique) error
	ListTechniquesForActor(ctx context.Context, actorID uint) ([]Technique, error)

	// Actor to technique links
	LinkExists(ctx context.Context, actorID, techniqueID uint) (bool, error)
	AddLink(ctx context.Context, actorID, techniqueID uint) error

	// Changelog
	AppendChange(ctx context.Context, record *ChangeRecord) error
	ListChangesForActor(ctx context.Context, actorID uint) ([]ChangeRecord, error)
	ListChanges(ctx context.Context, limit int) ([]ChangeRecord, error)

	// Organization profile and settings
	GetOrganizationProfile(ctx context.Context) (*OrganizationProfile, error)
	SaveOrganizationProfile(ctx context.Context, profile *OrganizationProfile) error
	GetSettings(ctx context.Context) (*Settings, error)
	SaveSettings(ctx context.Context, settings *Settings) error

	InTransaction(ctx context.Context, fn func(tx Store) error) error
}
