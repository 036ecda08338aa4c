package enrichment

import (
	"sort"
	"strings"
)

// Profile is the parsed enrichment result for one actor entity.
type Profile struct {
	EntityID          string
	OriginCountry     string
	VictimSectors     []string
	VictimCountries   []string
	Motivations       []string
	AssociatedMalware []Malware
	TargetEntities    []string
	Popularity        int
	KnowledgeBaseURL  string
	Badges            []string
	FirstSeenAt       string
	Description       string
}

// Malware is an associated malware family reference.
type Malware struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// organizationMarkers flag target strings that name an organization
// rather than a country.
var organizationMarkers = []string{"Bank", "Pictures", "Entertainment", "exchanges", "Exchange"}

// parseEntityResponse extracts a Profile from a vendor entity payload.
// Victim sectors fall back from structured industry labels to keyword
// inference over targets, then over the description, then "Unknown".
func parseEntityResponse(resp *entityResponse) *Profile {
	details := &resp.ThreatActorDetails

	originCountry := "Unknown"
	if details.Country != "" {
		originCountry = CountryName(details.Country)
	}

	description := details.MalpediaDescription
	if description == "" {
		description = resp.Description
	}

	var victimSectors []string
	for _, industry := range details.TargetIndustries {
		victimSectors = append(victimSectors, industry.Label)
	}
	if len(victimSectors) == 0 {
		victimSectors = InferSectors(details.Targets...)
	}
	if len(victimSectors) == 0 && description != "" {
		victimSectors = InferSectors(description)
	}
	if len(victimSectors) == 0 {
		victimSectors = []string{"Unknown"}
	}

	var victimCountries []string
	for _, target := range details.Targets {
		if !looksLikeOrganization(target) {
			victimCountries = append(victimCountries, target)
		}
	}
	if len(victimCountries) == 0 {
		victimCountries = []string{"Unknown"}
	}

	malware := make([]Malware, 0, len(details.AssociatedMalwares))
	for _, m := range details.AssociatedMalwares {
		malware = append(malware, Malware{ID: m.ID, Label: m.Label})
	}

	return &Profile{
		EntityID:          resp.ID,
		OriginCountry:     originCountry,
		VictimSectors:     victimSectors,
		VictimCountries:   victimCountries,
		Motivations:       details.Motivations,
		AssociatedMalware: malware,
		TargetEntities:    details.Targets,
		Popularity:        resp.Popularity,
		KnowledgeBaseURL:  resp.KnowledgeBaseURL,
		Badges:            resp.Badges,
		FirstSeenAt:       string(resp.FirstSeenAt),
		Description:       description,
	}
}

func looksLikeOrganization(target string) bool {
	for _, marker := range organizationMarkers {
		if strings.Contains(target, marker) {
			return true
		}
	}
	return false
}

// sectorRule maps a sector label to its trigger keywords.
type sectorRule struct {
	Sector   string
	Keywords []string
}

var sectorRules = []sectorRule{
	{"Financial Services", []string{"bank", "finance", "financial", "exchange", "crypto", "currency", "payment", "swift"}},
	{"Government", []string{"government", "ministry", "agency", "embassy", "diplomatic", "election"}},
	{"Defense", []string{"defense", "military", "army", "navy", "air force", "weapon"}},
	{"Energy", []string{"energy", "power", "oil", "gas", "electric", "nuclear", "utility"}},
	{"Telecommunications", []string{"telecom", "isp", "mobile", "carrier"}},
	{"Healthcare", []string{"health", "hospital", "medical", "pharmaceutical", "vaccine"}},
	{"Education", []string{"university", "college", "research", "academic"}},
	{"Technology", []string{"tech", "software", "it service", "cyber", "semiconductor"}},
	{"Media & Entertainment", []string{"media", "entertainment", "pictures", "studio", "broadcasting", "news"}},
	{"Aerospace", []string{"aerospace", "airline", "aviation", "space"}},
	{"Manufacturing", []string{"manufacturing", "industrial", "factory"}},
	{"Retail", []string{"retail", "commerce", "store", "hospitality", "restaurant"}},
}

// InferSectors derives sector labels from free text by keyword match.
// The result is deduplicated and sorted; empty when nothing matches.
func InferSectors(texts ...string) []string {
	matched := make(map[string]bool)
	for _, text := range texts {
		lower := strings.ToLower(text)
		for _, rule := range sectorRules {
			for _, keyword := range rule.Keywords {
				if strings.Contains(lower, keyword) {
					matched[rule.Sector] = true
					break
				}
			}
		}
	}

	if len(matched) == 0 {
		return nil
	}

	sectors := make([]string, 0, len(matched))
	for sector := range matched {
		sectors = append(sectors, sector)
	}
	sort.Strings(sectors)
	return sectors
}
