package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Gorm implements Store on Postgres.
type Gorm struct {
	db     *gorm.DB
	logger *zap.Logger
}

// GormConfig configures the Postgres store.
type GormConfig struct {
	DSN            string
	ConnectRetries int
	ConnectBackoff time.Duration
}

// NewGorm connects to Postgres with retries and runs migrations.
func NewGorm(cfg GormConfig, logger *zap.Logger) (*Gorm, error) {
	if cfg.ConnectRetries <= 0 {
		cfg.ConnectRetries = 1
	}
	if cfg.ConnectBackoff <= 0 {
		cfg.ConnectBackoff = 2 * time.Second
	}

	var db *gorm.DB
	var err error
	for attempt := 1; attempt <= cfg.ConnectRetries; attempt++ {
		db, err = gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err == nil {
			break
		}
		logger.Warn("Database connection failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", cfg.ConnectBackoff))
		time.Sleep(cfg.ConnectBackoff)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(
		&Actor{},
		&Technique{},
		&ActorTechnique{},
		&ChangeRecord{},
		&OrganizationProfile{},
		&Settings{},
	); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Database connected and migrated")
	return &Gorm{db: db, logger: logger}, nil
}

func translateErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// GetActorByID returns one actor by primary key.
func (g *Gorm) GetActorByID(ctx context.Context, id uint) (*Actor, error) {
	var actor Actor
	if err := g.db.WithContext(ctx).First(&actor, id).Error; err != nil {
		return nil, translateErr(err)
	}
	return &actor, nil
}

// GetActorByStixID returns one actor by its taxonomy identifier.
func (g *Gorm) GetActorByStixID(ctx context.Context, stixID string) (*Actor, error) {
	var actor Actor
	if err := g.db.WithContext(ctx).Where("stix_id = ?", stixID).First(&actor).Error; err != nil {
		return nil, translateErr(err)
	}
	return &actor, nil
}

// GetActorByName returns one actor by exact name.
func (g *Gorm) GetActorByName(ctx context.Context, name string) (*Actor, error) {
	var actor Actor
	if err := g.db.WithContext(ctx).Where("name = ?", name).First(&actor).Error; err != nil {
		return nil, translateErr(err)
	}
	return &actor, nil
}

// ListActors returns all actors ordered by name.
func (g *Gorm) ListActors(ctx context.Context) ([]Actor, error) {
	var actors []Actor
	if err := g.db.WithContext(ctx).Order("name asc").Find(&actors).Error; err != nil {
		return nil, err
	}
	return actors, nil
}

// ListActorsByIDs returns actors matching the given IDs.
func (g *Gorm) ListActorsByIDs(ctx context.Context, ids []uint) ([]Actor, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var actors []Actor
	if err := g.db.WithContext(ctx).Where("id IN ?", ids).Find(&actors).Error; err != nil {
		return nil, err
	}
	return actors, nil
}

// CreateActor inserts a new actor.
func (g *Gorm) CreateActor(ctx context.Context, actor *Actor) error {
	return g.db.WithContext(ctx).Create(actor).Error
}

// UpdateActor saves all fields of an existing actor.
func (g *Gorm) UpdateActor(ctx context.Context, actor *Actor) error {
	return g.db.WithContext(ctx).Save(actor).Error
}

// GetTechniqueByMitreID returns one technique by ATT&CK ID.
func (g *Gorm) GetTechniqueByMitreID(ctx context.Context, mitreID string) (*Technique, error) {
	var technique Technique
	if err := g.db.WithContext(ctx).Where("mitre_id = ?", mitreID).First(&technique).Error; err != nil {
		return nil, translateErr(err)
	}
	return &technique, nil
}

// ListTechniquesByMitreIDs returns techniques matching the given ATT&CK IDs.
func (g *Gorm) ListTechniquesByMitreIDs(ctx context.Context, mitreIDs []string) ([]Technique, error) {
	if len(mitreIDs) == 0 {
		return nil, nil
	}
	var techniques []Technique
	if err := g.db.WithContext(ctx).Where("mitre_id IN ?", mitreIDs).Find(&techniques).Error; err != nil {
		return nil, err
	}
	return techniques, nil
}

// UpsertTechnique creates or refreshes a technique keyed by ATT&CK ID.
func (g *Gorm) UpsertTechnique(ctx context.Context, technique *Technique) error {
	var existing Technique
	err := g.db.WithContext(ctx).Where("mitre_id = ?", technique.MitreID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return g.db.WithContext(ctx).Create(technique).Error
	}
	if err != nil {
		return err
	}
	technique.ID = existing.ID
	return g.db.WithContext(ctx).Save(technique).Error
}

// ListTechniquesForActor returns the techniques linked to an actor.
func (g *Gorm) ListTechniquesForActor(ctx context.Context, actorID uint) ([]Technique, error) {
	var techniques []Technique
	err := g.db.WithContext(ctx).
		Joins("JOIN actor_techniques ON actor_techniques.technique_id = techniques.id").
		Where("actor_techniques.actor_id = ?", actorID).
		Find(&techniques).Error
	if err != nil {
		return nil, err
	}
	return techniques, nil
}

// LinkExists reports whether an actor already links to a technique.
func (g *Gorm) LinkExists(ctx context.Context, actorID, techniqueID uint) (bool, error) {
	var count int64
	err := g.db.WithContext(ctx).Model(&ActorTechnique{}).
		Where("actor_id = ? AND technique_id = ?", actorID, techniqueID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// AddLink links an actor to a technique.
func (g *Gorm) AddLink(ctx context.Context, actorID, techniqueID uint) error {
	return g.db.WithContext(ctx).Create(&ActorTechnique{
		ActorID:     actorID,
		TechniqueID: techniqueID,
	}).Error
}

// AppendChange writes one changelog entry.
func (g *Gorm) AppendChange(ctx context.Context, record *ChangeRecord) error {
	return g.db.WithContext(ctx).Create(record).Error
}

// ListChangesForActor returns the changelog for one actor, newest first.
func (g *Gorm) ListChangesForActor(ctx context.Context, actorID uint) ([]ChangeRecord, error) {
	var records []ChangeRecord
	err := g.db.WithContext(ctx).
		Where("actor_id = ?", actorID).
		Order("timestamp desc").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ListChanges returns the most recent changelog entries across actors.
func (g *Gorm) ListChanges(ctx context.Context, limit int) ([]ChangeRecord, error) {
	var records []ChangeRecord
	query := g.db.WithContext(ctx).Order("timestamp desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// GetOrganizationProfile returns the organization profile.
func (g *Gorm) GetOrganizationProfile(ctx context.Context) (*OrganizationProfile, error) {
	var profile OrganizationProfile
	if err := g.db.WithContext(ctx).First(&profile).Error; err != nil {
		return nil, translateErr(err)
	}
	return &profile, nil
}

// SaveOrganizationProfile creates or updates the organization profile.
func (g *Gorm) SaveOrganizationProfile(ctx context.Context, profile *OrganizationProfile) error {
	return g.db.WithContext(ctx).Save(profile).Error
}

// GetSettings returns the application settings.
func (g *Gorm) GetSettings(ctx context.Context) (*Settings, error) {
	var settings Settings
	if err := g.db.WithContext(ctx).First(&settings).Error; err != nil {
		return nil, translateErr(err)
	}
	return &settings, nil
}

// SaveSettings creates or updates the application settings.
func (g *Gorm) SaveSettings(ctx context.Context, settings *Settings) error {
	return g.db.WithContext(ctx).Save(settings).Error
}

// InTransaction runs fn inside a database transaction.
func (g *Gorm) InTransaction(ctx context.Context, fn func(tx Store) error) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Gorm{db: tx, logger: g.logger})
	})
}
