package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/taprofiler/internal/catalog"
	"github.com/lvonguyen/taprofiler/internal/enrichment"
	"github.com/lvonguyen/taprofiler/internal/httpclient"
	"github.com/lvonguyen/taprofiler/internal/observability"
	"github.com/lvonguyen/taprofiler/internal/store"
)

// ReconcilerConfig bounds a reconciliation cycle.
type ReconcilerConfig struct {
	// MaxActors caps vendor enrichment calls per cycle. 0 means unlimited.
	MaxActors int
	// CallDelay is the pause between consecutive enrichment calls. The
	// first call of a cycle is never delayed.
	CallDelay time.Duration
}

// Summary reports what one reconciliation cycle did.
type Summary struct {
	ActorsSeen          int           `json:"actors_seen"`
	CallsMade           int           `json:"calls_made"`
	Enriched            int           `json:"enriched"`
	Created             int           `json:"created"`
	Updated             int           `json:"updated"`
	SkippedNotInCatalog int           `json:"skipped_not_in_catalog"`
	SkippedQuota        int           `json:"skipped_quota"`
	TechniquesUpserted  int           `json:"techniques_upserted"`
	LinksAdded          int           `json:"links_added"`
	ChangeRecords       int           `json:"change_records"`
	RateLimited         bool          `json:"rate_limited"`
	Duration            time.Duration `json:"duration"`
}

// Reconciler merges taxonomy seeds, catalog metadata, and vendor
// profiles into the actor store, recording per-field changes.
type Reconciler struct {
	config   ReconcilerConfig
	resolver *catalog.Resolver
	feedly   *enrichment.Client
	store    store.Store
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewReconciler creates a reconciler. Metrics may be nil.
func NewReconciler(cfg ReconcilerConfig, resolver *catalog.Resolver, feedly *enrichment.Client, st store.Store, metrics *observability.Metrics, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		config:   cfg,
		resolver: resolver,
		feedly:   feedly,
		store:    st,
		logger:   logger,
		metrics:  metrics,
	}
}

// Run executes one reconciliation cycle over a parsed bundle. A vendor
// rate limit aborts the actor loop; everything committed before the
// abort stays committed and the summary is still returned.
func (r *Reconciler) Run(ctx context.Context, bundle *Bundle) (*Summary, error) {
	start := time.Now()
	summary := &Summary{}

	techniqueIDs, err := r.upsertTechniques(ctx, bundle.Techniques, summary)
	if err != nil {
		return nil, err
	}

	usedTechniques := r.indexRelationships(bundle.Relationships)

	for _, seed := range bundle.Actors {
		summary.ActorsSeen++

		if r.config.MaxActors > 0 && summary.CallsMade >= r.config.MaxActors {
			summary.SkippedQuota++
			continue
		}

		identity, ok := r.resolver.Resolve(seed.Name)
		if !ok {
			summary.SkippedNotInCatalog++
			r.logger.Debug("Actor not in catalogs, keeping taxonomy fields only",
				zap.String("actor", seed.Name))
			if err := r.commitActor(ctx, mergeActor(seed, nil, nil), usedTechniques[seed.StixID], techniqueIDs, summary); err != nil {
				return r.fail(summary, start, seed.Name, err)
			}
			continue
		}

		if summary.CallsMade > 0 && r.config.CallDelay > 0 {
			select {
			case <-ctx.Done():
				return summary, ctx.Err()
			case <-time.After(r.config.CallDelay):
			}
		}
		summary.CallsMade++

		profile, err := r.feedly.Enrich(ctx, identity.EntityID)
		if errors.Is(err, httpclient.ErrRateLimited) {
			r.logger.Warn("Vendor rate limit hit, aborting cycle",
				zap.Int("enriched_so_far", summary.Enriched))
			summary.RateLimited = true
			break
		}
		if errors.Is(err, enrichment.ErrNotFound) {
			r.logger.Warn("No vendor profile for actor",
				zap.String("actor", seed.Name),
				zap.String("entity_id", identity.EntityID))
			continue
		}
		if err != nil {
			r.logger.Error("Enrichment failed",
				zap.String("actor", seed.Name), zap.Error(err))
			continue
		}
		summary.Enriched++

		merged := mergeActor(seed, identity, profile)

		if err := r.commitActor(ctx, merged, usedTechniques[seed.StixID], techniqueIDs, summary); err != nil {
			return r.fail(summary, start, seed.Name, err)
		}
	}

	summary.Duration = time.Since(start)
	r.report(summary)
	return summary, nil
}

// fail finalizes the summary for the work done so far and turns a
// persistence failure into a fatal cycle error. The failed actor's
// transaction has already rolled back; earlier commits stay in place.
func (r *Reconciler) fail(summary *Summary, start time.Time, actorName string, err error) (*Summary, error) {
	summary.Duration = time.Since(start)
	r.report(summary)
	return summary, fmt.Errorf("failed to commit actor %q: %w", actorName, err)
}

func (r *Reconciler) upsertTechniques(ctx context.Context, seeds []TechniqueSeed, summary *Summary) (map[string]uint, error) {
	ids := make(map[string]uint, len(seeds))
	for _, seed := range seeds {
		if seed.MitreID == "" {
			continue
		}
		technique := &store.Technique{
			MitreID:     seed.MitreID,
			Name:        seed.Name,
			Description: seed.Description,
			Tactics:     seed.Tactics,
		}
		if err := r.store.UpsertTechnique(ctx, technique); err != nil {
			return nil, err
		}
		ids[seed.StixID] = technique.ID
		summary.TechniquesUpserted++
	}
	return ids, nil
}

func (r *Reconciler) indexRelationships(rels []Relationship) map[string][]string {
	used := make(map[string][]string)
	for _, rel := range rels {
		if rel.Type != "uses" {
			continue
		}
		used[rel.SourceRef] = append(used[rel.SourceRef], rel.TargetRef)
	}
	return used
}

// commitActor writes the merged actor, its change records, and its
// technique links atomically. Actors are keyed by their taxonomy
// identifier, so an upstream rename updates the existing record
// instead of creating a second one. Links already present are left
// alone.
func (r *Reconciler) commitActor(ctx context.Context, merged *store.Actor, techniqueRefs []string, techniqueIDs map[string]uint, summary *Summary) error {
	return r.store.InTransaction(ctx, func(tx store.Store) error {
		existing, err := tx.GetActorByStixID(ctx, merged.StixID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if err := tx.CreateActor(ctx, merged); err != nil {
				return err
			}
			if err := tx.AppendChange(ctx, &store.ChangeRecord{
				ActorID:   merged.ID,
				FieldName: store.CreatedFieldMarker,
				NewValue:  store.CreatedValueMarker,
				Action:    store.ActionCreate,
			}); err != nil {
				return err
			}
			summary.Created++
			summary.ChangeRecords++

		case err != nil:
			return err

		default:
			changes := diffActors(existing, merged)
			if len(changes) > 0 {
				merged.ID = existing.ID
				merged.CreatedAt = existing.CreatedAt
				if err := tx.UpdateActor(ctx, merged); err != nil {
					return err
				}
				for _, change := range changes {
					if err := tx.AppendChange(ctx, &store.ChangeRecord{
						ActorID:   existing.ID,
						FieldName: change.Field,
						OldValue:  change.Old,
						NewValue:  change.New,
						Action:    store.ActionUpdate,
					}); err != nil {
						return err
					}
					summary.ChangeRecords++
				}
				summary.Updated++
			} else {
				merged.ID = existing.ID
			}
		}

		for _, ref := range techniqueRefs {
			techniqueID, ok := techniqueIDs[ref]
			if !ok {
				continue
			}
			exists, err := tx.LinkExists(ctx, merged.ID, techniqueID)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			if err := tx.AddLink(ctx, merged.ID, techniqueID); err != nil {
				return err
			}
			summary.LinksAdded++
		}

		return nil
	})
}

// mergeActor folds the taxonomy seed, catalog metadata, and vendor
// profile into one actor record. Identity and profile may be nil for
// an actor persisted with taxonomy fields only. The longer of the two
// descriptions wins.
func mergeActor(seed ActorSeed, identity *catalog.Identity, profile *enrichment.Profile) *store.Actor {
	actor := &store.Actor{
		StixID:      seed.StixID,
		Name:        seed.Name,
		Description: seed.Description,
		Aliases:     seed.Aliases,
		Motivation:  seed.Motivation,
	}

	if profile != nil {
		if len(profile.Description) > len(actor.Description) {
			actor.Description = profile.Description
		}
		actor.OriginCountries = []string{profile.OriginCountry}
		actor.VictimSectors = profile.VictimSectors
		actor.VictimCountries = profile.VictimCountries
		actor.Motivations = profile.Motivations
		actor.AssociatedMalware = profile.AssociatedMalware
		actor.TargetEntities = profile.TargetEntities
		actor.Popularity = profile.Popularity
		actor.KnowledgeBaseURL = profile.KnowledgeBaseURL
		actor.Badges = profile.Badges
		actor.FirstSeenAt = profile.FirstSeenAt
		actor.FeedlyID = profile.EntityID
	}

	if identity != nil {
		if actor.FeedlyID == "" {
			actor.FeedlyID = identity.EntityID
		}
		if entry := identity.Entry; entry != nil {
			actor.AttributionConfidence = entry.Meta.AttributionConfidence
			actor.TypeOfIncident = entry.Meta.TypeOfIncident
			actor.ActorReferences = entry.Meta.Refs
			actor.RelatedActors = entry.Related
		}
	}

	return actor
}

// FieldChange is one tracked-field difference between the stored and
// the freshly merged actor.
type FieldChange struct {
	Field string
	Old   string
	New   string
}

type trackedField struct {
	name  string
	value func(a *store.Actor) string
}

// trackedFields fixes both the set of diffed fields and the order in
// which change records are written.
var trackedFields = []trackedField{
	{"name", func(a *store.Actor) string { return a.Name }},
	{"description", func(a *store.Actor) string { return a.Description }},
	{"aliases", func(a *store.Actor) string { return marshalField(a.Aliases) }},
	{"origin_countries", func(a *store.Actor) string { return marshalField(a.OriginCountries) }},
	{"victim_sectors", func(a *store.Actor) string { return marshalField(a.VictimSectors) }},
	{"victim_countries", func(a *store.Actor) string { return marshalField(a.VictimCountries) }},
	{"motivation", func(a *store.Actor) string { return a.Motivation }},
	{"motivations", func(a *store.Actor) string { return marshalField(a.Motivations) }},
	{"associated_malware", func(a *store.Actor) string { return marshalField(a.AssociatedMalware) }},
	{"target_entities", func(a *store.Actor) string { return marshalField(a.TargetEntities) }},
	{"popularity", func(a *store.Actor) string { return strconv.Itoa(a.Popularity) }},
	{"knowledge_base_url", func(a *store.Actor) string { return a.KnowledgeBaseURL }},
	{"badges", func(a *store.Actor) string { return marshalField(a.Badges) }},
	{"first_seen_at", func(a *store.Actor) string { return a.FirstSeenAt }},
	{"feedly_id", func(a *store.Actor) string { return a.FeedlyID }},
	{"attribution_confidence", func(a *store.Actor) string { return a.AttributionConfidence }},
	{"type_of_incident", func(a *store.Actor) string { return marshalField(a.TypeOfIncident) }},
	{"actor_references", func(a *store.Actor) string { return marshalField(a.ActorReferences) }},
	{"related_actors", func(a *store.Actor) string { return marshalField(a.RelatedActors) }},
}

func marshalField(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// diffActors compares the tracked fields of two actor records, in the
// fixed tracking order.
func diffActors(stored, merged *store.Actor) []FieldChange {
	var changes []FieldChange
	for _, field := range trackedFields {
		oldVal := field.value(stored)
		newVal := field.value(merged)
		if oldVal != newVal {
			changes = append(changes, FieldChange{Field: field.name, Old: oldVal, New: newVal})
		}
	}
	return changes
}

func (r *Reconciler) report(summary *Summary) {
	r.logger.Info("Reconciliation cycle complete",
		zap.Int("actors_seen", summary.ActorsSeen),
		zap.Int("calls_made", summary.CallsMade),
		zap.Int("enriched", summary.Enriched),
		zap.Int("created", summary.Created),
		zap.Int("updated", summary.Updated),
		zap.Int("skipped_not_in_catalog", summary.SkippedNotInCatalog),
		zap.Int("skipped_quota", summary.SkippedQuota),
		zap.Int("links_added", summary.LinksAdded),
		zap.Int("change_records", summary.ChangeRecords),
		zap.Bool("rate_limited", summary.RateLimited),
		zap.Duration("duration", summary.Duration))

	if r.metrics == nil {
		return
	}
	r.metrics.ActorsSeen.Add(float64(summary.ActorsSeen))
	r.metrics.ActorsEnriched.Add(float64(summary.Enriched))
	r.metrics.ActorsSkipped.WithLabelValues("not_in_catalog").Add(float64(summary.SkippedNotInCatalog))
	r.metrics.ActorsSkipped.WithLabelValues("quota").Add(float64(summary.SkippedQuota))
	r.metrics.ChangeRecords.WithLabelValues(store.ActionCreate).Add(float64(summary.Created))
	r.metrics.ChangeRecords.WithLabelValues(store.ActionUpdate).Add(float64(summary.ChangeRecords - summary.Created))
	r.metrics.LinksAdded.Add(float64(summary.LinksAdded))
	r.metrics.CycleDuration.Observe(summary.Duration.Seconds())
	if summary.RateLimited {
		r.metrics.RateLimitHits.Inc()
	}
}
