package practitioner

import (
	"strings"
)

// Practitioner is one immutable profile document. Loaded once at startup;
// never mutated on the request path.
type Practitioner struct {
	ID                   string   `json:"id"`
	Name                 string   `json:"name"`
	Title                string   `json:"title"`
	Specialty            string   `json:"specialty"`
	SpecialtyDescription string   `json:"specialty_description"`
	Subspecialties       []string `json:"subspecialties"`
	ProcedureGroups      []string `json:"procedure_groups"`
	ClinicalExpertise    string   `json:"clinical_expertise"`
	About                string   `json:"about"`

	Languages          []string `json:"languages"`
	PatientAgeGroup    string   `json:"patient_age_group"`
	Gender             string   `json:"gender"`
	InsuranceProviders []string `json:"insuranceProviders"`
	Locations          []string `json:"locations"`
	Blacklisted        bool     `json:"blacklisted"`

	RatingValue         float64          `json:"rating_value"`
	ReviewCount         int              `json:"review_count"`
	ProceduresCompleted []ProcedureCount `json:"procedures_completed"`

	Qualifications []string `json:"qualifications"`
	Memberships    []string `json:"memberships"`

	ProfileURL string `json:"profile_url"`

	// Attached from the canonical corpus view; nil for most records.
	ChecklistProfile *ChecklistProfile `json:"-"`

	// Derived at load from ClinicalExpertise. Either the three structured
	// slices are populated, or ExpertiseFallback carries the raw text.
	ExpertiseProcedures []string `json:"-"`
	ExpertiseConditions []string `json:"-"`
	ExpertiseInterests  []string `json:"-"`
	ExpertiseFallback   string   `json:"-"`

	searchText string
}

// ProcedureCount is an admission count for one completed procedure.
type ProcedureCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// ChecklistProfile is the canonical-view side of a practitioner: the exact
// taxonomy filter values their record carries.
type ChecklistProfile struct {
	ProceduresSet map[string]struct{}
	ConditionsSet map[string]struct{}
}

// HasFilterValue reports whether a checklist filter value appears in either
// set. Matching is exact on the canonical string.
func (cp *ChecklistProfile) HasFilterValue(v string) bool {
	if cp == nil {
		return false
	}
	if _, ok := cp.ProceduresSet[v]; ok {
		return true
	}
	_, ok := cp.ConditionsSet[v]
	return ok
}

// ParseExpertise splits a semi-structured clinical_expertise string into
// procedures, conditions and clinical interests. Segments are separated by
// ";" and prefixed "Procedure:", "Condition:" or "Clinical Interests:".
// When nothing parses the raw string comes back as fallback so unstructured
// sources stay searchable. Parsing never fails.
func ParseExpertise(raw string) (procedures, conditions, interests []string, fallback string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil, nil, ""
	}
	parsed := false
	for _, segment := range strings.Split(raw, ";") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		switch {
		case hasPrefixFold(segment, "Procedure:"):
			procedures = append(procedures, splitValues(segment[len("Procedure:"):])...)
			parsed = true
		case hasPrefixFold(segment, "Procedures:"):
			procedures = append(procedures, splitValues(segment[len("Procedures:"):])...)
			parsed = true
		case hasPrefixFold(segment, "Condition:"):
			conditions = append(conditions, splitValues(segment[len("Condition:"):])...)
			parsed = true
		case hasPrefixFold(segment, "Conditions:"):
			conditions = append(conditions, splitValues(segment[len("Conditions:"):])...)
			parsed = true
		case hasPrefixFold(segment, "Clinical Interests:"):
			interests = append(interests, splitValues(segment[len("Clinical Interests:"):])...)
			parsed = true
		}
	}
	if !parsed {
		return nil, nil, nil, raw
	}
	return procedures, conditions, interests, ""
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

func splitValues(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// InferGender derives a gender from the title prefix, falling back to a
// pronoun scan of the about text. Returns "" when indeterminate.
func InferGender(title, about string) string {
	switch strings.ToLower(strings.TrimSuffix(strings.TrimSpace(title), ".")) {
	case "mr":
		return "male"
	case "mrs", "ms", "miss":
		return "female"
	}
	lower := " " + strings.ToLower(about) + " "
	feminine := countAnyWord(lower, []string{"she", "her", "hers"})
	masculine := countAnyWord(lower, []string{"he", "him", "his"})
	switch {
	case feminine > masculine:
		return "female"
	case masculine > feminine:
		return "male"
	}
	return ""
}

func countAnyWord(padded string, words []string) int {
	n := 0
	for _, w := range words {
		n += strings.Count(padded, " "+w+" ")
	}
	return n
}

// SearchText returns the lowercased concatenation of every searchable field.
// Stage-B rescoring matches phrases and terms against this; it is computed
// once at load.
func (p *Practitioner) SearchText() string {
	return p.searchText
}

func (p *Practitioner) buildSearchText() {
	var b strings.Builder
	add := func(parts ...string) {
		for _, part := range parts {
			if part == "" {
				continue
			}
			b.WriteString(strings.ToLower(part))
			b.WriteByte(' ')
		}
	}
	add(p.Name, p.Specialty, p.SpecialtyDescription)
	add(p.Subspecialties...)
	add(p.ProcedureGroups...)
	add(p.ClinicalExpertise)
	add(p.ExpertiseProcedures...)
	add(p.ExpertiseConditions...)
	add(p.ExpertiseInterests...)
	add(p.ExpertiseFallback)
	add(p.About)
	p.searchText = b.String()
}

// Derive fills every load-time field: parsed expertise, inferred gender,
// the cached search text. The corpus loader calls it for every record;
// tests constructing practitioners by hand call it themselves.
func (p *Practitioner) Derive() {
	p.ExpertiseProcedures, p.ExpertiseConditions, p.ExpertiseInterests, p.ExpertiseFallback = ParseExpertise(p.ClinicalExpertise)
	if p.Gender == "" {
		p.Gender = InferGender(p.Title, p.About)
	}
	p.buildSearchText()
}
