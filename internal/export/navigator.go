// Package export builds ATT&CK Navigator layers from stored actors and
// vendor technique usage.
package export

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/taprofiler/internal/enrichment"
	"github.com/lvonguyen/taprofiler/internal/store"
)

// ErrNoActors is returned when an export selects no actors.
var ErrNoActors = errors.New("no actors selected")

// Timeframe selects the reporting window for an export.
type Timeframe string

// Supported timeframes.
const (
	TimeframeLastMonth   Timeframe = "last_month"
	TimeframeLast3Months Timeframe = "last_3_months"
	TimeframeLast6Months Timeframe = "last_6_months"
	TimeframeLastYear    Timeframe = "last_year"
	TimeframeAll         Timeframe = "all"
	TimeframeCustom      Timeframe = "custom"
)

// Period maps the timeframe to a vendor reporting period. Custom
// timeframes without both dates fall back to the default window.
func (t Timeframe) Period(startDate, endDate string) enrichment.Period {
	switch t {
	case TimeframeLastMonth:
		return enrichment.Period{Type: "Last30Days", Label: "Last Month"}
	case TimeframeLast6Months:
		return enrichment.Period{Type: "Last6Months", Label: "Last 6 Months"}
	case TimeframeLastYear:
		return enrichment.Period{Type: "Last12Months", Label: "Last Year"}
	case TimeframeAll:
		return enrichment.Period{Type: "AllTime", Label: "All Time"}
	case TimeframeCustom:
		if startDate != "" && endDate != "" {
			return enrichment.Period{
				Type:      "CustomRange",
				Label:     fmt.Sprintf("%s to %s", startDate, endDate),
				StartDate: startDate,
				EndDate:   endDate,
			}
		}
	}
	return enrichment.Period{Type: "Last3Months", Label: "Last 3 Months"}
}

// Options configures one export.
type Options struct {
	ActorIDs          []uint    `json:"actor_ids"`
	Timeframe         Timeframe `json:"timeframe"`
	StartDate         string    `json:"start_date"`
	EndDate           string    `json:"end_date"`
	Tactics           []string  `json:"tactics"`
	LayerName         string    `json:"layer_name"`
	LayerDescription  string    `json:"layer_description"`
	ColorScheme       string    `json:"color_scheme"`
	ShowSubtechniques bool      `json:"show_subtechniques"`
	AggregateScores   bool      `json:"aggregate_scores"`
	IncludeMetadata   bool      `json:"include_metadata"`
}

// DefaultOptions returns the export defaults used when the request body
// leaves fields unset.
func DefaultOptions() Options {
	return Options{
		Timeframe:         TimeframeLast3Months,
		ColorScheme:       "green",
		ShowSubtechniques: true,
		AggregateScores:   true,
	}
}

// Layer is an ATT&CK Navigator layer document.
type Layer struct {
	Name        string           `json:"name"`
	Versions    Versions         `json:"versions"`
	Domain      string           `json:"domain"`
	Description string           `json:"description"`
	Techniques  []TechniqueEntry `json:"techniques"`
	Gradient    *Gradient        `json:"gradient,omitempty"`
}

// Versions pins the Navigator format versions.
type Versions struct {
	Attack    string `json:"attack"`
	Navigator string `json:"navigator"`
	Layer     string `json:"layer"`
}

// TechniqueEntry is one technique row in a layer.
type TechniqueEntry struct {
	TechniqueID       string         `json:"techniqueID"`
	Tactic            string         `json:"tactic,omitempty"`
	Score             int            `json:"score"`
	Color             string         `json:"color,omitempty"`
	Comment           string         `json:"comment"`
	Enabled           bool           `json:"enabled"`
	Metadata          []MetadataItem `json:"metadata"`
	Links             []LayerLink    `json:"links"`
	ShowSubtechniques bool           `json:"showSubtechniques"`
}

// MetadataItem is a Navigator metadata key/value pair.
type MetadataItem struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// LayerLink is a Navigator technique link.
type LayerLink struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Gradient is the Navigator score gradient block.
type Gradient struct {
	Colors   []string `json:"colors"`
	MinValue int      `json:"minValue"`
	MaxValue int      `json:"maxValue"`
}

var schemeColors = map[string]string{
	"green":  "#31a354",
	"red":    "#e53935",
	"blue":   "#1e88e5",
	"yellow": "#fdd835",
}

var gradientColors = []string{"#fdd835", "#fb8c00", "#e53935"}

// Engine builds Navigator layers. Technique usage comes from the vendor
// trends endpoint; stored actor links are the fallback when the vendor
// call fails or returns nothing.
type Engine struct {
	store  store.Store
	feedly *enrichment.Client
	logger *zap.Logger
}

// NewEngine creates an export engine.
func NewEngine(st store.Store, feedly *enrichment.Client, logger *zap.Logger) *Engine {
	return &Engine{store: st, feedly: feedly, logger: logger}
}

type techniqueAgg struct {
	actors  map[string]bool
	tactics map[string]bool
	name    string
}

// Export builds a layer for the selected actors.
func (e *Engine) Export(ctx context.Context, opts Options) (*Layer, error) {
	if len(opts.ActorIDs) == 0 {
		return nil, ErrNoActors
	}

	actors, err := e.store.ListActorsByIDs(ctx, opts.ActorIDs)
	if err != nil {
		return nil, err
	}
	if len(actors) == 0 {
		return nil, ErrNoActors
	}

	rows := e.usageRows(ctx, actors, opts.Timeframe.Period(opts.StartDate, opts.EndDate))

	aggregates := make(map[string]*techniqueAgg)
	for _, row := range rows {
		if row.TTP.MitreID == "" {
			continue
		}
		agg, ok := aggregates[row.TTP.MitreID]
		if !ok {
			agg = &techniqueAgg{
				actors:  make(map[string]bool),
				tactics: make(map[string]bool),
				name:    row.TTP.Name,
			}
			aggregates[row.TTP.MitreID] = agg
		}
		for _, actor := range row.Actors {
			if actor.Label != "" {
				agg.actors[actor.Label] = true
			}
		}
	}

	if err := e.attachTactics(ctx, aggregates); err != nil {
		return nil, err
	}

	layer := e.buildLayer(aggregates, len(actors), opts)
	return layer, nil
}

// usageRows queries the vendor trends endpoint, falling back to stored
// links when the call fails or yields nothing.
func (e *Engine) usageRows(ctx context.Context, actors []store.Actor, period enrichment.Period) []enrichment.UsageRow {
	var entityIDs []string
	for _, actor := range actors {
		if actor.FeedlyID != "" {
			entityIDs = append(entityIDs, actor.FeedlyID)
		}
	}

	if len(entityIDs) > 0 {
		rows, err := e.feedly.FetchTechniqueUsage(ctx, entityIDs, period)
		if err != nil {
			e.logger.Warn("Technique usage fetch failed, using stored links", zap.Error(err))
		} else if len(rows) > 0 {
			return rows
		}
	}

	var rows []enrichment.UsageRow
	for _, actor := range actors {
		techniques, err := e.store.ListTechniquesForActor(ctx, actor.ID)
		if err != nil {
			e.logger.Warn("Failed to list stored techniques",
				zap.String("actor", actor.Name), zap.Error(err))
			continue
		}
		for _, technique := range techniques {
			rows = append(rows, enrichment.UsageRow{
				TTP: enrichment.UsageTechnique{
					MitreID: technique.MitreID,
					Name:    technique.Name,
					Tactics: technique.Tactics,
				},
				Actors: []enrichment.ActorRef{{ID: actor.FeedlyID, Label: actor.Name}},
			})
		}
	}
	e.logger.Info("Using stored technique links for export", zap.Int("rows", len(rows)))
	return rows
}

// attachTactics cross-references stored taxonomy rows for tactic names.
func (e *Engine) attachTactics(ctx context.Context, aggregates map[string]*techniqueAgg) error {
	mitreIDs := make([]string, 0, len(aggregates))
	for id := range aggregates {
		mitreIDs = append(mitreIDs, id)
	}

	techniques, err := e.store.ListTechniquesByMitreIDs(ctx, mitreIDs)
	if err != nil {
		return err
	}
	for _, technique := range techniques {
		agg, ok := aggregates[technique.MitreID]
		if !ok {
			continue
		}
		for _, tactic := range technique.Tactics {
			agg.tactics[tactic] = true
		}
	}
	return nil
}

func (e *Engine) buildLayer(aggregates map[string]*techniqueAgg, actorCount int, opts Options) *Layer {
	selected := make(map[string]bool, len(opts.Tactics))
	for _, tactic := range opts.Tactics {
		selected[tactic] = true
	}

	color := ""
	if opts.ColorScheme != "gradient" {
		var ok bool
		if color, ok = schemeColors[opts.ColorScheme]; !ok {
			color = schemeColors["green"]
		}
	}

	mitreIDs := make([]string, 0, len(aggregates))
	for id := range aggregates {
		mitreIDs = append(mitreIDs, id)
	}
	sort.Strings(mitreIDs)

	techniques := []TechniqueEntry{}
	maxScore := 0
	for _, mitreID := range mitreIDs {
		agg := aggregates[mitreID]

		score := 1
		if opts.AggregateScores {
			score = len(agg.actors)
		}
		if score > maxScore {
			maxScore = score
		}

		comment := ""
		var metadata []MetadataItem
		if opts.IncludeMetadata && len(agg.actors) > 0 {
			names := make([]string, 0, len(agg.actors))
			for name := range agg.actors {
				names = append(names, name)
			}
			sort.Strings(names)
			comment = "Used by: " + strings.Join(names, ", ")
			metadata = []MetadataItem{{Name: "actors", Value: strings.Join(names, ", ")}}
		}
		if metadata == nil {
			metadata = []MetadataItem{}
		}

		entry := TechniqueEntry{
			TechniqueID:       mitreID,
			Score:             score,
			Color:             color,
			Comment:           comment,
			Enabled:           true,
			Metadata:          metadata,
			Links:             []LayerLink{},
			ShowSubtechniques: opts.ShowSubtechniques,
		}

		tactics := agg.tactics
		if len(selected) > 0 {
			tactics = make(map[string]bool)
			for tactic := range agg.tactics {
				if selected[tactic] {
					tactics[tactic] = true
				}
			}
		}

		if len(tactics) > 0 {
			names := make([]string, 0, len(tactics))
			for tactic := range tactics {
				names = append(names, tactic)
			}
			sort.Strings(names)
			for _, tactic := range names {
				withTactic := entry
				withTactic.Tactic = tactic
				techniques = append(techniques, withTactic)
			}
		} else if len(selected) == 0 {
			techniques = append(techniques, entry)
		}
	}

	name := opts.LayerName
	if name == "" {
		name = "Threat Actor TTPs"
	}
	description := opts.LayerDescription
	if description == "" {
		description = fmt.Sprintf("TTPs from %d threat actors", actorCount)
	}

	layer := &Layer{
		Name: name,
		Versions: Versions{
			Attack:    "16",
			Navigator: "5.1.0",
			Layer:     "4.5",
		},
		Domain:      "enterprise-attack",
		Description: description,
		Techniques:  techniques,
	}

	if opts.ColorScheme == "gradient" {
		layer.Gradient = &Gradient{
			Colors:   gradientColors,
			MinValue: 0,
			MaxValue: maxScore,
		}
	}

	return layer
}
