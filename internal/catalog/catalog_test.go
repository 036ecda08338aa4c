package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/lvonguyen/taprofiler/internal/httpclient"
)

const malpediaFixture = `{
	"misp-galaxy:threat-actor=\"Lazarus Group\"": {
		"value": "Lazarus Group",
		"uuid": "68391641-859f-4a9a-9a1e-3e5cf71ec376",
		"description": "North Korean state-sponsored group.",
		"meta": {
			"synonyms": ["HIDDEN COBRA", "Labyrinth Chollima"],
			"country": "KP",
			"attribution-confidence": "50",
			"cfr-type-of-incident": "Espionage",
			"refs": ["https://attack.mitre.org/groups/G0032/"]
		}
	},
	"misp-galaxy:threat-actor=\"FIN7\"": {
		"value": "FIN7",
		"uuid": "00220228-a5a4-4032-a30d-826bb55aa3fb",
		"meta": {
			"synonyms": ["Carbon Spider"],
			"cfr-type-of-incident": ["Financial crime", "Espionage"]
		}
	}
}`

const galaxyFixture = `{
	"values": [
		{
			"value": "Sandworm Team - G0034",
			"uuid": "381fcf73-60f6-4ab2-9991-6af3cbc35192",
			"meta": {"synonyms": ["ELECTRUM", "Telebots"]}
		}
	]
}`

func newTestClient(t *testing.T) *httpclient.Client {
	t.Helper()
	client, err := httpclient.New(httpclient.DefaultConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	return client
}

func loadedMalpedia(t *testing.T, fixture string) *Malpedia {
	t.Helper()
	m := NewMalpedia(newTestClient(t), "http://unused.invalid", "", zap.NewNop())
	if err := m.parse([]byte(fixture)); err != nil {
		t.Fatalf("failed to parse fixture: %v", err)
	}
	return m
}

func loadedGalaxy(t *testing.T, fixture string) *Galaxy {
	t.Helper()
	g := NewGalaxy(newTestClient(t), "http://unused.invalid", "", zap.NewNop())
	if err := g.parse([]byte(fixture)); err != nil {
		t.Fatalf("failed to parse fixture: %v", err)
	}
	return g
}

// =============================================================================
// Name Normalization Tests
// =============================================================================

// TestNormalizeName verifies that spelling variants collapse to one key.
func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Lazarus Group", "lazarusgroup"},
		{"lazarus-group", "lazarusgroup"},
		{"LAZARUS_GROUP", "lazarusgroup"},
		{"APT 28", "apt28"},
		{"OceanLotus.", "oceanlotus"},
	}

	for _, tt := range tests {
		if got := normalizeName(tt.in); got != tt.want {
			t.Errorf("normalizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// =============================================================================
// Malpedia Catalog Tests
// =============================================================================

// TestMalpedia_FindByName covers display name, synonym, and variant lookups.
func TestMalpedia_FindByName(t *testing.T) {
	m := loadedMalpedia(t, malpediaFixture)

	if m.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", m.Len())
	}

	for _, name := range []string{"Lazarus Group", "lazarus-group", "HIDDEN COBRA", "hidden_cobra"} {
		entry, ok := m.FindByName(name)
		if !ok {
			t.Errorf("FindByName(%q) should match", name)
			continue
		}
		if entry.Value != "Lazarus Group" {
			t.Errorf("FindByName(%q) resolved to %q", name, entry.Value)
		}
	}

	if _, ok := m.FindByName("Equation Group"); ok {
		t.Error("unknown actor should not resolve")
	}
}

// TestMalpedia_EntryMetadata verifies the metadata fields survive parsing,
// including the string-or-array incident type field.
func TestMalpedia_EntryMetadata(t *testing.T) {
	m := loadedMalpedia(t, malpediaFixture)

	lazarus, _ := m.FindByName("Lazarus Group")
	if lazarus.Meta.Country != "KP" {
		t.Errorf("expected country KP, got %q", lazarus.Meta.Country)
	}
	if lazarus.Meta.AttributionConfidence != "50" {
		t.Errorf("expected confidence 50, got %q", lazarus.Meta.AttributionConfidence)
	}
	if len(lazarus.Meta.TypeOfIncident) != 1 || lazarus.Meta.TypeOfIncident[0] != "Espionage" {
		t.Errorf("bare string incident type not parsed: %v", lazarus.Meta.TypeOfIncident)
	}

	fin7, _ := m.FindByName("Carbon Spider")
	if len(fin7.Meta.TypeOfIncident) != 2 {
		t.Errorf("array incident type not parsed: %v", fin7.Meta.TypeOfIncident)
	}
}

// TestMalpedia_LoadSnapshot verifies the snapshot path short-circuits the
// network fetch and that a fresh download is written back.
func TestMalpedia_LoadSnapshot(t *testing.T) {
	dir := t.TempDir()
	snapshot := filepath.Join(dir, "actors.json")
	if err := os.WriteFile(snapshot, []byte(malpediaFixture), 0o644); err != nil {
		t.Fatalf("failed to write snapshot: %v", err)
	}

	m := NewMalpedia(newTestClient(t), "http://unreachable.invalid", snapshot, zap.NewNop())
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load from snapshot should not hit the network: %v", err)
	}
	if m.Len() != 2 {
		t.Errorf("expected 2 entries from snapshot, got %d", m.Len())
	}
}

// TestMalpedia_LoadFetchWritesSnapshot verifies the download path.
func TestMalpedia_LoadFetchWritesSnapshot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/get/actors" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Write([]byte(malpediaFixture))
	}))
	defer server.Close()

	snapshot := filepath.Join(t.TempDir(), "actors.json")
	m := NewMalpedia(newTestClient(t), server.URL, snapshot, zap.NewNop())
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load should succeed: %v", err)
	}

	if _, err := os.Stat(snapshot); err != nil {
		t.Errorf("snapshot should be written after fetch: %v", err)
	}
}

// =============================================================================
// Galaxy Catalog Tests
// =============================================================================

// TestGalaxy_FindByName verifies canonical name stripping and synonyms.
func TestGalaxy_FindByName(t *testing.T) {
	g := loadedGalaxy(t, galaxyFixture)

	uuid, canonical, ok := g.FindByName("Sandworm Team")
	if !ok {
		t.Fatal("canonical name should resolve")
	}
	if canonical != "Sandworm Team" {
		t.Errorf("group ID suffix should be stripped, got %q", canonical)
	}
	if uuid != "381fcf73-60f6-4ab2-9991-6af3cbc35192" {
		t.Errorf("unexpected uuid %q", uuid)
	}

	if _, _, ok := g.FindByName("Telebots"); !ok {
		t.Error("synonym should resolve")
	}
	if _, _, ok := g.FindByName("Turla"); ok {
		t.Error("unknown actor should not resolve")
	}
}

// TestCanonicalGalaxyName verifies only the trailing group ID is
// stripped, never a dash inside the name.
func TestCanonicalGalaxyName(t *testing.T) {
	tests := []struct {
		value string
		want  string
	}{
		{"Lazarus Group - G0032", "Lazarus Group"},
		{"Sandworm Team - G0034", "Sandworm Team"},
		{"Operation Sharpshooter - Rivera Campaign", "Operation Sharpshooter - Rivera Campaign"},
		{"APT 29 - Dukes - G0016", "APT 29 - Dukes"},
		{"Plain Name", "Plain Name"},
		{"Group - G12345", "Group - G12345"},
	}

	for _, tt := range tests {
		if got := canonicalGalaxyName(tt.value); got != tt.want {
			t.Errorf("canonicalGalaxyName(%q) = %q, want %q", tt.value, got, tt.want)
		}
	}
}

// =============================================================================
// Resolver Tests
// =============================================================================

// TestResolver_Precedence verifies manual overrides win over the primary
// catalog, and the galaxy only fills gaps.
func TestResolver_Precedence(t *testing.T) {
	mappingsPath := filepath.Join(t.TempDir(), "mappings.json")
	mappings := `{"mappings": {"Lazarus Group": "nlp/f/entity/gz:ta:manual-override-id"}}`
	if err := os.WriteFile(mappingsPath, []byte(mappings), 0o644); err != nil {
		t.Fatalf("failed to write mappings: %v", err)
	}

	r := NewResolver(mappingsPath, loadedMalpedia(t, malpediaFixture), loadedGalaxy(t, galaxyFixture), zap.NewNop())

	// Manual override takes precedence over the catalog entry.
	identity, ok := r.Resolve("Lazarus Group")
	if !ok {
		t.Fatal("override should resolve")
	}
	if identity.EntityID != "nlp/f/entity/gz:ta:manual-override-id" {
		t.Errorf("override should win, got %q", identity.EntityID)
	}
	if identity.Entry != nil {
		t.Error("override identity should carry no catalog entry")
	}

	// Primary catalog.
	identity, ok = r.Resolve("FIN7")
	if !ok {
		t.Fatal("catalog name should resolve")
	}
	if identity.EntityID != "nlp/f/entity/gz:ta:00220228-a5a4-4032-a30d-826bb55aa3fb" {
		t.Errorf("unexpected entity ID %q", identity.EntityID)
	}
	if identity.Entry == nil || identity.Entry.Value != "FIN7" {
		t.Error("catalog identity should carry the entry")
	}

	// Galaxy fallback.
	identity, ok = r.Resolve("Sandworm Team")
	if !ok {
		t.Fatal("galaxy name should resolve")
	}
	if identity.EntityID != "nlp/f/entity/gz:ta:381fcf73-60f6-4ab2-9991-6af3cbc35192" {
		t.Errorf("unexpected entity ID %q", identity.EntityID)
	}

	// Unknown everywhere.
	if _, ok := r.Resolve("Totally Unknown Group"); ok {
		t.Error("unknown actor should not resolve")
	}
}

// TestResolver_MissingMappings verifies a missing mappings file degrades
// to an empty override set.
func TestResolver_MissingMappings(t *testing.T) {
	r := NewResolver("/nonexistent/mappings.json", loadedMalpedia(t, malpediaFixture), loadedGalaxy(t, galaxyFixture), zap.NewNop())

	if _, ok := r.Resolve("FIN7"); !ok {
		t.Error("catalog resolution should still work without mappings")
	}
}
