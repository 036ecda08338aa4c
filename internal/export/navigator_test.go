package export

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/taprofiler/internal/enrichment"
	"github.com/lvonguyen/taprofiler/internal/httpclient"
	"github.com/lvonguyen/taprofiler/internal/store"
)

const usageFixture = `{
	"rows": [
		{
			"ttp": {"mitreId": "T1566", "name": "Phishing", "tactics": ["initial-access"]},
			"actors": [{"id": "feedly-lazarus", "label": "Lazarus Group"}, {"id": "feedly-fin7", "label": "FIN7"}]
		},
		{
			"ttp": {"mitreId": "T1059", "name": "Command and Scripting Interpreter", "tactics": ["execution"]},
			"actors": [{"id": "feedly-lazarus", "label": "Lazarus Group"}]
		}
	]
}`

// seededStore returns a store with two linked actors and their taxonomy
// techniques.
func seededStore(t *testing.T) (*store.Memory, *store.Actor, *store.Actor) {
	t.Helper()
	st := store.NewMemory()
	ctx := context.Background()

	phishing := &store.Technique{MitreID: "T1566", Name: "Phishing", Tactics: []string{"initial-access"}}
	if err := st.UpsertTechnique(ctx, phishing); err != nil {
		t.Fatalf("failed to seed technique: %v", err)
	}
	scripting := &store.Technique{MitreID: "T1059", Name: "Command and Scripting Interpreter", Tactics: []string{"execution"}}
	if err := st.UpsertTechnique(ctx, scripting); err != nil {
		t.Fatalf("failed to seed technique: %v", err)
	}

	lazarus := &store.Actor{StixID: "intrusion-set--lazarus", Name: "Lazarus Group", FeedlyID: "feedly-lazarus", Popularity: 90}
	if err := st.CreateActor(ctx, lazarus); err != nil {
		t.Fatalf("failed to seed actor: %v", err)
	}
	fin7 := &store.Actor{StixID: "intrusion-set--fin7", Name: "FIN7", FeedlyID: "feedly-fin7", Popularity: 70}
	if err := st.CreateActor(ctx, fin7); err != nil {
		t.Fatalf("failed to seed actor: %v", err)
	}

	st.AddLink(ctx, lazarus.ID, phishing.ID)
	st.AddLink(ctx, fin7.ID, phishing.ID)
	st.AddLink(ctx, lazarus.ID, scripting.ID)
	return st, lazarus, fin7
}

func testEngine(t *testing.T, st store.Store, feedlyURL string) *Engine {
	t.Helper()
	os.Setenv("TEST_FEEDLY_TOKEN", "test-token")
	t.Cleanup(func() { os.Unsetenv("TEST_FEEDLY_TOKEN") })

	hc, err := httpclient.New(httpclient.Config{MaxRetries: 0, BackoffFactor: time.Millisecond}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to build http client: %v", err)
	}
	feedly := enrichment.NewClient(enrichment.Config{BaseURL: feedlyURL, TokenEnv: "TEST_FEEDLY_TOKEN"}, hc, nil, zap.NewNop())
	return NewEngine(st, feedly, zap.NewNop())
}

func usageServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

// =============================================================================
// Timeframe Tests
// =============================================================================

// TestTimeframe_Period covers the timeframe to vendor period mapping.
func TestTimeframe_Period(t *testing.T) {
	tests := []struct {
		name      string
		timeframe Timeframe
		start     string
		end       string
		wantType  string
		wantLabel string
	}{
		{"last month", TimeframeLastMonth, "", "", "Last30Days", "Last Month"},
		{"last 3 months", TimeframeLast3Months, "", "", "Last3Months", "Last 3 Months"},
		{"last 6 months", TimeframeLast6Months, "", "", "Last6Months", "Last 6 Months"},
		{"last year", TimeframeLastYear, "", "", "Last12Months", "Last Year"},
		{"all time", TimeframeAll, "", "", "AllTime", "All Time"},
		{"custom", TimeframeCustom, "2026-01-01", "2026-02-01", "CustomRange", "2026-01-01 to 2026-02-01"},
		{"custom without dates", TimeframeCustom, "", "", "Last3Months", "Last 3 Months"},
		{"unknown value", Timeframe("bogus"), "", "", "Last3Months", "Last 3 Months"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			period := tt.timeframe.Period(tt.start, tt.end)
			if period.Type != tt.wantType || period.Label != tt.wantLabel {
				t.Errorf("Period() = %+v, want type %q label %q", period, tt.wantType, tt.wantLabel)
			}
		})
	}

	custom := TimeframeCustom.Period("2026-01-01", "2026-02-01")
	if custom.StartDate != "2026-01-01" || custom.EndDate != "2026-02-01" {
		t.Errorf("custom period should carry dates, got %+v", custom)
	}
}

// =============================================================================
// Export Tests
// =============================================================================

// TestExport_VendorUsage verifies a layer built from vendor usage rows
// with aggregated scores and actor metadata.
func TestExport_VendorUsage(t *testing.T) {
	st, lazarus, fin7 := seededStore(t)
	server := usageServer(t, http.StatusOK, usageFixture)
	engine := testEngine(t, st, server.URL)

	opts := DefaultOptions()
	opts.ActorIDs = []uint{lazarus.ID, fin7.ID}
	opts.IncludeMetadata = true

	layer, err := engine.Export(context.Background(), opts)
	if err != nil {
		t.Fatalf("Export should succeed: %v", err)
	}

	if layer.Domain != "enterprise-attack" || layer.Versions.Navigator != "5.1.0" {
		t.Errorf("unexpected layer header %+v", layer)
	}
	if layer.Name != "Threat Actor TTPs" {
		t.Errorf("unexpected default name %q", layer.Name)
	}
	if layer.Gradient != nil {
		t.Error("non-gradient scheme should carry no gradient block")
	}

	if len(layer.Techniques) != 2 {
		t.Fatalf("expected 2 technique entries, got %d", len(layer.Techniques))
	}

	// Entries are ordered by technique ID.
	scripting := layer.Techniques[0]
	if scripting.TechniqueID != "T1059" || scripting.Tactic != "execution" || scripting.Score != 1 {
		t.Errorf("unexpected entry %+v", scripting)
	}
	phishing := layer.Techniques[1]
	if phishing.TechniqueID != "T1566" || phishing.Tactic != "initial-access" {
		t.Errorf("unexpected entry %+v", phishing)
	}
	if phishing.Score != 2 {
		t.Errorf("aggregated score should count actors, got %d", phishing.Score)
	}
	if phishing.Color != "#31a354" {
		t.Errorf("unexpected color %q", phishing.Color)
	}
	if phishing.Comment != "Used by: FIN7, Lazarus Group" {
		t.Errorf("unexpected comment %q", phishing.Comment)
	}
	if len(phishing.Metadata) != 1 || phishing.Metadata[0].Value != "FIN7, Lazarus Group" {
		t.Errorf("unexpected metadata %+v", phishing.Metadata)
	}
	if !phishing.ShowSubtechniques || !phishing.Enabled {
		t.Errorf("entry flags lost: %+v", phishing)
	}
}

// TestExport_ConstantScores verifies every technique scores 1 when
// aggregation is off.
func TestExport_ConstantScores(t *testing.T) {
	st, lazarus, fin7 := seededStore(t)
	server := usageServer(t, http.StatusOK, usageFixture)
	engine := testEngine(t, st, server.URL)

	opts := DefaultOptions()
	opts.ActorIDs = []uint{lazarus.ID, fin7.ID}
	opts.AggregateScores = false

	layer, err := engine.Export(context.Background(), opts)
	if err != nil {
		t.Fatalf("Export should succeed: %v", err)
	}
	for _, entry := range layer.Techniques {
		if entry.Score != 1 {
			t.Errorf("%s should score 1, got %d", entry.TechniqueID, entry.Score)
		}
	}
}

// TestExport_FallbackToStoredLinks verifies stored actor links back the
// layer when the vendor call fails.
func TestExport_FallbackToStoredLinks(t *testing.T) {
	st, lazarus, fin7 := seededStore(t)
	server := usageServer(t, http.StatusInternalServerError, "")
	engine := testEngine(t, st, server.URL)

	opts := DefaultOptions()
	opts.ActorIDs = []uint{lazarus.ID, fin7.ID}

	layer, err := engine.Export(context.Background(), opts)
	if err != nil {
		t.Fatalf("Export should fall back, not fail: %v", err)
	}
	if len(layer.Techniques) != 2 {
		t.Fatalf("expected 2 entries from stored links, got %d", len(layer.Techniques))
	}
	if layer.Techniques[1].TechniqueID != "T1566" || layer.Techniques[1].Score != 2 {
		t.Errorf("stored links should aggregate the same way, got %+v", layer.Techniques[1])
	}
}

// TestExport_TacticFilter verifies techniques outside the selected
// tactics are dropped.
func TestExport_TacticFilter(t *testing.T) {
	st, lazarus, fin7 := seededStore(t)
	server := usageServer(t, http.StatusOK, usageFixture)
	engine := testEngine(t, st, server.URL)

	opts := DefaultOptions()
	opts.ActorIDs = []uint{lazarus.ID, fin7.ID}
	opts.Tactics = []string{"execution"}

	layer, err := engine.Export(context.Background(), opts)
	if err != nil {
		t.Fatalf("Export should succeed: %v", err)
	}
	if len(layer.Techniques) != 1 {
		t.Fatalf("filter should drop T1566, got %d entries", len(layer.Techniques))
	}
	if layer.Techniques[0].TechniqueID != "T1059" || layer.Techniques[0].Tactic != "execution" {
		t.Errorf("unexpected entry %+v", layer.Techniques[0])
	}
}

// TestExport_GradientScheme verifies the gradient block replaces the
// per-entry color and tops out at the highest score.
func TestExport_GradientScheme(t *testing.T) {
	st, lazarus, fin7 := seededStore(t)
	server := usageServer(t, http.StatusOK, usageFixture)
	engine := testEngine(t, st, server.URL)

	opts := DefaultOptions()
	opts.ActorIDs = []uint{lazarus.ID, fin7.ID}
	opts.ColorScheme = "gradient"

	layer, err := engine.Export(context.Background(), opts)
	if err != nil {
		t.Fatalf("Export should succeed: %v", err)
	}
	if layer.Gradient == nil {
		t.Fatal("gradient scheme should emit a gradient block")
	}
	if layer.Gradient.MinValue != 0 || layer.Gradient.MaxValue != 2 {
		t.Errorf("gradient range should span 0 to the max score, got %+v", layer.Gradient)
	}
	if len(layer.Gradient.Colors) != 3 {
		t.Errorf("unexpected gradient colors %v", layer.Gradient.Colors)
	}
	for _, entry := range layer.Techniques {
		if entry.Color != "" {
			t.Errorf("%s should carry no fixed color under gradient, got %q", entry.TechniqueID, entry.Color)
		}
	}
}

// TestExport_NoActors verifies empty and unknown selections error out.
func TestExport_NoActors(t *testing.T) {
	st, _, _ := seededStore(t)
	server := usageServer(t, http.StatusOK, usageFixture)
	engine := testEngine(t, st, server.URL)

	opts := DefaultOptions()
	if _, err := engine.Export(context.Background(), opts); !errors.Is(err, ErrNoActors) {
		t.Errorf("empty selection should fail, got: %v", err)
	}

	opts.ActorIDs = []uint{9999}
	if _, err := engine.Export(context.Background(), opts); !errors.Is(err, ErrNoActors) {
		t.Errorf("unknown selection should fail, got: %v", err)
	}
}
