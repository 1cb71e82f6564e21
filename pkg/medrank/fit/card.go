package fit

import (
	"fmt"
	"strings"

	"github.com/caredirect/medrank/pkg/medrank/practitioner"
)

const maxCardProcedures = 25

// Card renders the compact profile card the evaluator sees for one
// candidate: identity, specialty coverage, top procedures, parsed
// conditions and interests, a truncated description, qualifications and
// memberships. The id is included so the model can echo it back.
func Card(p *practitioner.Practitioner, descLimit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "id=%s | %s", p.ID, displayName(p))
	if p.Specialty != "" {
		fmt.Fprintf(&b, " | specialty: %s", p.Specialty)
	}
	if len(p.Subspecialties) > 0 {
		fmt.Fprintf(&b, " | subspecialties: %s", strings.Join(p.Subspecialties, ", "))
	}
	if procs := cardProcedures(p); len(procs) > 0 {
		fmt.Fprintf(&b, " | procedures: %s", strings.Join(procs, ", "))
	}
	if len(p.ExpertiseConditions) > 0 {
		fmt.Fprintf(&b, " | conditions: %s", strings.Join(p.ExpertiseConditions, ", "))
	}
	if len(p.ExpertiseInterests) > 0 {
		fmt.Fprintf(&b, " | clinical interests: %s", strings.Join(p.ExpertiseInterests, ", "))
	}
	if p.ExpertiseFallback != "" {
		fmt.Fprintf(&b, " | expertise: %s", p.ExpertiseFallback)
	}
	if about := truncate(p.About, descLimit); about != "" {
		fmt.Fprintf(&b, " | about: %s", about)
	}
	if len(p.Qualifications) > 0 {
		fmt.Fprintf(&b, " | qualifications: %s", strings.Join(p.Qualifications, ", "))
	}
	if len(p.Memberships) > 0 {
		fmt.Fprintf(&b, " | memberships: %s", strings.Join(p.Memberships, ", "))
	}
	return b.String()
}

func displayName(p *practitioner.Practitioner) string {
	if p.Title != "" {
		return p.Title + " " + p.Name
	}
	return p.Name
}

// cardProcedures merges procedure groups with parsed expertise procedures,
// capped at 25 entries.
func cardProcedures(p *practitioner.Practitioner) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, proc := range append(append([]string{}, p.ProcedureGroups...), p.ExpertiseProcedures...) {
		key := strings.ToLower(strings.TrimSpace(proc))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, proc)
		if len(out) == maxCardProcedures {
			break
		}
	}
	return out
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
