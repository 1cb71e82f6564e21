// Package queryplan builds the Stage-A query and applies the pre-ranking
// filter chain: blacklist → specialty → location → insurance → gender →
// age group → language.
package queryplan

import (
	"strings"

	"github.com/caredirect/medrank/pkg/medrank/practitioner"
	"github.com/caredirect/medrank/pkg/medrank/session"
)

// Filters are the structured predicates applied before ranking. Empty
// fields are skipped.
type Filters struct {
	Specialty string `json:"specialty"`
	Location  string `json:"locationFilter"`
	Insurance string `json:"insurancePreference"`
	Gender    string `json:"gender"`
	AgeGroup  string `json:"patient_age_group"`
	Language  string `json:"language"`
}

// FilterStats counts what each link of the chain removed. The blacklist
// count is logged on every request.
type FilterStats struct {
	Input            int `json:"input"`
	BlacklistedCount int `json:"blacklistedCount"`
	SpecialtyCut     int `json:"specialtyCut"`
	LocationCut      int `json:"locationCut"`
	InsuranceCut     int `json:"insuranceCut"`
	GenderCut        int `json:"genderCut"`
	AgeGroupCut      int `json:"ageGroupCut"`
	LanguageCut      int `json:"languageCut"`
	AIFilterDropped  bool `json:"aiFilterDropped,omitempty"`
	Output           int `json:"output"`
}

// Apply runs the filter chain over the corpus. A manual specialty fully
// overrides AI-inferred subspecialty filtering; when only the AI filter is
// available and it would empty the slice, it is dropped instead — partial
// degradation beats an empty result.
func Apply(docs []practitioner.Practitioner, f Filters, sc *session.Context) ([]practitioner.Practitioner, FilterStats) {
	stats := FilterStats{Input: len(docs)}

	out := make([]practitioner.Practitioner, 0, len(docs))
	for i := range docs {
		if docs[i].Blacklisted {
			stats.BlacklistedCount++
			continue
		}
		out = append(out, docs[i])
	}

	if f.Specialty != "" {
		out = cut(out, &stats.SpecialtyCut, func(p *practitioner.Practitioner) bool {
			return matchesSpecialty(p, f.Specialty)
		})
	} else if sc != nil && len(sc.LikelySubspecialties) > 0 {
		filtered := make([]practitioner.Practitioner, 0, len(out))
		for i := range out {
			if matchesAnySubspecialty(&out[i], sc.LikelySubspecialties) {
				filtered = append(filtered, out[i])
			}
		}
		if len(filtered) == 0 {
			stats.AIFilterDropped = true
		} else {
			stats.SpecialtyCut = len(out) - len(filtered)
			out = filtered
		}
	}

	if f.Location != "" {
		out = cut(out, &stats.LocationCut, func(p *practitioner.Practitioner) bool {
			return containsFold(p.Locations, f.Location)
		})
	}
	if f.Insurance != "" {
		out = cut(out, &stats.InsuranceCut, func(p *practitioner.Practitioner) bool {
			return containsFold(p.InsuranceProviders, f.Insurance)
		})
	}
	if f.Gender != "" {
		out = cut(out, &stats.GenderCut, func(p *practitioner.Practitioner) bool {
			return strings.EqualFold(p.Gender, f.Gender)
		})
	}
	if f.AgeGroup != "" {
		out = cut(out, &stats.AgeGroupCut, func(p *practitioner.Practitioner) bool {
			return p.PatientAgeGroup == "" || p.PatientAgeGroup == "all" ||
				strings.EqualFold(p.PatientAgeGroup, f.AgeGroup)
		})
	}
	if f.Language != "" {
		out = cut(out, &stats.LanguageCut, func(p *practitioner.Practitioner) bool {
			return containsFold(p.Languages, f.Language)
		})
	}

	stats.Output = len(out)
	return out, stats
}

func cut(docs []practitioner.Practitioner, counter *int, keep func(*practitioner.Practitioner) bool) []practitioner.Practitioner {
	out := docs[:0:0]
	for i := range docs {
		if keep(&docs[i]) {
			out = append(out, docs[i])
		} else {
			*counter++
		}
	}
	return out
}

// matchesSpecialty accepts a match on specialty, any subspecialty, or the
// expertise text, so "Gynaecology" also catches practitioners filed under a
// broader specialty.
func matchesSpecialty(p *practitioner.Practitioner, specialty string) bool {
	needle := strings.ToLower(strings.TrimSpace(specialty))
	if needle == "" {
		return true
	}
	if strings.Contains(strings.ToLower(p.Specialty), needle) {
		return true
	}
	for _, s := range p.Subspecialties {
		if strings.Contains(strings.ToLower(s), needle) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(p.ClinicalExpertise), needle)
}

func matchesAnySubspecialty(p *practitioner.Practitioner, subs []session.Subspecialty) bool {
	text := p.SearchText()
	if text == "" {
		text = strings.ToLower(strings.Join(p.Subspecialties, " ") + " " + p.ClinicalExpertise)
	}
	for _, s := range subs {
		needle := strings.ToLower(strings.TrimSpace(s.Name))
		if needle != "" && strings.Contains(text, needle) {
			return true
		}
	}
	return false
}

func containsFold(haystack []string, needle string) bool {
	needle = strings.ToLower(strings.TrimSpace(needle))
	for _, h := range haystack {
		if strings.Contains(strings.ToLower(h), needle) {
			return true
		}
	}
	return false
}
