package store

import (
	"context"
	"errors"
	"testing"
)

// =============================================================================
// Actor Tests
// =============================================================================

// TestMemory_ActorLifecycle covers create, lookup, and update.
func TestMemory_ActorLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	actor := &Actor{StixID: "intrusion-set--lazarus", Name: "Lazarus Group", Popularity: 90}
	if err := m.CreateActor(ctx, actor); err != nil {
		t.Fatalf("CreateActor should succeed: %v", err)
	}
	if actor.ID == 0 {
		t.Fatal("CreateActor should assign an ID")
	}
	if actor.CreatedAt.IsZero() {
		t.Error("CreateActor should stamp CreatedAt")
	}

	byName, err := m.GetActorByName(ctx, "Lazarus Group")
	if err != nil || byName.ID != actor.ID {
		t.Fatalf("GetActorByName failed: %v", err)
	}
	byStixID, err := m.GetActorByStixID(ctx, "intrusion-set--lazarus")
	if err != nil || byStixID.ID != actor.ID {
		t.Fatalf("GetActorByStixID failed: %v", err)
	}
	byID, err := m.GetActorByID(ctx, actor.ID)
	if err != nil || byID.Name != "Lazarus Group" {
		t.Fatalf("GetActorByID failed: %v", err)
	}

	byID.Popularity = 95
	if err := m.UpdateActor(ctx, byID); err != nil {
		t.Fatalf("UpdateActor should succeed: %v", err)
	}
	refreshed, _ := m.GetActorByID(ctx, actor.ID)
	if refreshed.Popularity != 95 {
		t.Errorf("update lost, popularity = %d", refreshed.Popularity)
	}

	if _, err := m.GetActorByName(ctx, "Unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
	if _, err := m.GetActorByStixID(ctx, "intrusion-set--unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
	if err := m.UpdateActor(ctx, &Actor{ID: 999}); !errors.Is(err, ErrNotFound) {
		t.Errorf("updating a missing actor should fail, got: %v", err)
	}
}

// TestMemory_ListActors verifies name-ordered listing and ID selection.
func TestMemory_ListActors(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, name := range []string{"Sandworm Team", "FIN7", "Lazarus Group"} {
		if err := m.CreateActor(ctx, &Actor{Name: name}); err != nil {
			t.Fatalf("CreateActor(%q) failed: %v", name, err)
		}
	}

	actors, _ := m.ListActors(ctx)
	if len(actors) != 3 || actors[0].Name != "FIN7" || actors[2].Name != "Sandworm Team" {
		t.Errorf("listing should be name-ordered, got %v", actors)
	}

	subset, _ := m.ListActorsByIDs(ctx, []uint{2, 999})
	if len(subset) != 1 || subset[0].Name != "FIN7" {
		t.Errorf("unknown IDs should be skipped, got %v", subset)
	}
}

// =============================================================================
// Technique Tests
// =============================================================================

// TestMemory_UpsertTechnique verifies re-upserting keeps the record ID.
func TestMemory_UpsertTechnique(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first := &Technique{MitreID: "T1566", Name: "Phishing"}
	if err := m.UpsertTechnique(ctx, first); err != nil {
		t.Fatalf("UpsertTechnique should succeed: %v", err)
	}

	second := &Technique{MitreID: "T1566", Name: "Phishing", Tactics: []string{"initial-access"}}
	if err := m.UpsertTechnique(ctx, second); err != nil {
		t.Fatalf("re-upsert should succeed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("upsert should keep the original ID, got %d and %d", first.ID, second.ID)
	}

	stored, err := m.GetTechniqueByMitreID(ctx, "T1566")
	if err != nil || len(stored.Tactics) != 1 {
		t.Errorf("upsert should refresh fields, got %v (%v)", stored, err)
	}
}

// TestMemory_Links verifies link insertion and per-actor listing.
func TestMemory_Links(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	actor := &Actor{Name: "FIN7"}
	m.CreateActor(ctx, actor)
	technique := &Technique{MitreID: "T1059", Name: "Command and Scripting Interpreter"}
	m.UpsertTechnique(ctx, technique)

	exists, _ := m.LinkExists(ctx, actor.ID, technique.ID)
	if exists {
		t.Fatal("link should not exist yet")
	}
	if err := m.AddLink(ctx, actor.ID, technique.ID); err != nil {
		t.Fatalf("AddLink should succeed: %v", err)
	}
	exists, _ = m.LinkExists(ctx, actor.ID, technique.ID)
	if !exists {
		t.Fatal("link should exist after AddLink")
	}

	techniques, _ := m.ListTechniquesForActor(ctx, actor.ID)
	if len(techniques) != 1 || techniques[0].MitreID != "T1059" {
		t.Errorf("unexpected linked techniques %v", techniques)
	}
}

// =============================================================================
// Changelog Tests
// =============================================================================

// TestMemory_Changelog verifies newest-first ordering and the limit.
func TestMemory_Changelog(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, field := range []string{"all", "popularity", "description"} {
		if err := m.AppendChange(ctx, &ChangeRecord{ActorID: 1, FieldName: field}); err != nil {
			t.Fatalf("AppendChange failed: %v", err)
		}
	}
	m.AppendChange(ctx, &ChangeRecord{ActorID: 2, FieldName: "all"})

	records, _ := m.ListChangesForActor(ctx, 1)
	if len(records) != 3 || records[0].FieldName != "description" {
		t.Errorf("actor changes should be newest first, got %v", records)
	}

	limited, _ := m.ListChanges(ctx, 2)
	if len(limited) != 2 || limited[0].ActorID != 2 {
		t.Errorf("global listing should honor the limit, got %v", limited)
	}
}

// =============================================================================
// Transaction Tests
// =============================================================================

// TestMemory_TransactionCommit verifies work inside a successful
// transaction is visible afterwards.
func TestMemory_TransactionCommit(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	err := m.InTransaction(ctx, func(tx Store) error {
		actor := &Actor{Name: "Lazarus Group"}
		if err := tx.CreateActor(ctx, actor); err != nil {
			return err
		}
		return tx.AppendChange(ctx, &ChangeRecord{
			ActorID:   actor.ID,
			FieldName: CreatedFieldMarker,
			NewValue:  CreatedValueMarker,
			Action:    ActionCreate,
		})
	})
	if err != nil {
		t.Fatalf("transaction should commit: %v", err)
	}

	if _, err := m.GetActorByName(ctx, "Lazarus Group"); err != nil {
		t.Errorf("committed actor should be visible: %v", err)
	}
	records, _ := m.ListChanges(ctx, 0)
	if len(records) != 1 {
		t.Errorf("committed change should be visible, got %d", len(records))
	}
}

// TestMemory_TransactionRollback verifies a failed transaction leaves no
// trace.
func TestMemory_TransactionRollback(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.CreateActor(ctx, &Actor{Name: "FIN7", Popularity: 70})

	failure := errors.New("boom")
	err := m.InTransaction(ctx, func(tx Store) error {
		if err := tx.CreateActor(ctx, &Actor{Name: "Lazarus Group"}); err != nil {
			return err
		}
		existing, err := tx.GetActorByName(ctx, "FIN7")
		if err != nil {
			return err
		}
		existing.Popularity = 99
		if err := tx.UpdateActor(ctx, existing); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("transaction error should surface, got: %v", err)
	}

	if _, err := m.GetActorByName(ctx, "Lazarus Group"); !errors.Is(err, ErrNotFound) {
		t.Error("rolled-back create should not be visible")
	}
	fin7, _ := m.GetActorByName(ctx, "FIN7")
	if fin7.Popularity != 70 {
		t.Errorf("rolled-back update should not be visible, got %d", fin7.Popularity)
	}
}

// =============================================================================
// Settings Tests
// =============================================================================

// TestMemory_ProfileAndSettings covers the singleton profile and
// settings records.
func TestMemory_ProfileAndSettings(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.GetOrganizationProfile(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing profile should be ErrNotFound, got: %v", err)
	}
	if err := m.SaveOrganizationProfile(ctx, &OrganizationProfile{Name: "Acme", Sector: "Energy", Country: "Germany"}); err != nil {
		t.Fatalf("SaveOrganizationProfile failed: %v", err)
	}
	profile, err := m.GetOrganizationProfile(ctx)
	if err != nil || profile.Sector != "Energy" {
		t.Errorf("unexpected profile %v (%v)", profile, err)
	}

	if _, err := m.GetSettings(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing settings should be ErrNotFound, got: %v", err)
	}
	if err := m.SaveSettings(ctx, &Settings{TrustedDomains: []string{"mitre.org"}}); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}
	settings, err := m.GetSettings(ctx)
	if err != nil || len(settings.TrustedDomains) != 1 {
		t.Errorf("unexpected settings %v (%v)", settings, err)
	}
}
