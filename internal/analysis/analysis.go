// Package analysis provides actor filtering, relevance computation, and
// reference trust sorting.
package analysis

import (
	"net/url"
	"sort"
	"strings"

	"github.com/lvonguyen/taprofiler/internal/store"
)

// ActorFilter selects actors. Values within one field are OR-ed; fields
// are AND-ed together. Nil popularity bounds are ignored.
type ActorFilter struct {
	Search          string
	Origins         []string
	VictimSectors   []string
	VictimCountries []string
	Motivations     []string
	Badges          []string
	Malware         []string
	MinPopularity   *int
	MaxPopularity   *int
}

// Apply returns the actors matching every set filter field, sorted by
// popularity descending.
func (f ActorFilter) Apply(actors []store.Actor) []store.Actor {
	var matched []store.Actor
	for _, actor := range actors {
		if f.matches(&actor) {
			matched = append(matched, actor)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Popularity > matched[j].Popularity
	})
	return matched
}

func (f ActorFilter) matches(actor *store.Actor) bool {
	if f.Search != "" {
		query := strings.ToLower(f.Search)
		hit := strings.Contains(strings.ToLower(actor.Name), query)
		for _, alias := range actor.Aliases {
			if hit {
				break
			}
			hit = strings.Contains(strings.ToLower(alias), query)
		}
		if !hit {
			return false
		}
	}

	if len(f.Origins) > 0 && !anyIn(f.Origins, actor.OriginCountries) {
		return false
	}
	if len(f.VictimSectors) > 0 && !anyIn(f.VictimSectors, actor.VictimSectors) {
		return false
	}
	if len(f.VictimCountries) > 0 && !anyIn(f.VictimCountries, actor.VictimCountries) {
		return false
	}
	if len(f.Motivations) > 0 && !anyIn(f.Motivations, actor.Motivations) {
		return false
	}
	if len(f.Badges) > 0 && !anyIn(f.Badges, actor.Badges) {
		return false
	}

	if len(f.Malware) > 0 {
		labels := make([]string, 0, len(actor.AssociatedMalware))
		for _, malware := range actor.AssociatedMalware {
			labels = append(labels, malware.Label)
		}
		if !anyIn(f.Malware, labels) {
			return false
		}
	}

	if f.MinPopularity != nil && actor.Popularity < *f.MinPopularity {
		return false
	}
	if f.MaxPopularity != nil && actor.Popularity > *f.MaxPopularity {
		return false
	}

	return true
}

func anyIn(wanted, have []string) bool {
	for _, w := range wanted {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}

// RelevantActors returns the actors whose victim sectors or victim
// countries intersect the organization profile.
func RelevantActors(actors []store.Actor, profile *store.OrganizationProfile) []store.Actor {
	if profile == nil {
		return nil
	}

	var relevant []store.Actor
	for _, actor := range actors {
		if profile.Sector != "" && contains(actor.VictimSectors, profile.Sector) {
			relevant = append(relevant, actor)
			continue
		}
		if profile.Country != "" && contains(actor.VictimCountries, profile.Country) {
			relevant = append(relevant, actor)
		}
	}
	return relevant
}

func contains(values []string, wanted string) bool {
	for _, v := range values {
		if v == wanted {
			return true
		}
	}
	return false
}

// SortReferencesByTrust orders reference URLs by the position of their
// domain in the trusted-domain list. Untrusted domains sort last; ties
// keep their original order.
func SortReferencesByTrust(references, trustedDomains []string) []string {
	if len(references) == 0 || len(trustedDomains) == 0 {
		return references
	}

	priority := func(rawURL string) int {
		u, err := url.Parse(rawURL)
		if err != nil || u.Host == "" {
			return len(trustedDomains)
		}
		domain := strings.TrimPrefix(u.Hostname(), "www.")
		for idx, trusted := range trustedDomains {
			if strings.Contains(domain, trusted) || strings.Contains(trusted, domain) {
				return idx
			}
		}
		return len(trustedDomains)
	}

	sorted := append([]string(nil), references...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return priority(sorted[i]) < priority(sorted[j])
	})
	return sorted
}
