package lexicon

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Store holds the pre-derived medical vocabularies and the taxonomy.
// Everything is loaded once at startup and read-only afterwards, so lookups
// need no locking.
type Store struct {
	bySpecialty map[string][]string
	global      []string
	procedures  []Term
	conditions  []Term
	taxonomy    Taxonomy
}

// Term is a vocabulary entry with its corpus frequency.
type Term struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// TaxonomyEntry maps a canonical medical concept to its aliases and the
// exact filter-value strings used by the checklist pipeline.
type TaxonomyEntry struct {
	CanonicalName string   `json:"canonical_name"`
	Aliases       []string `json:"aliases"`
	FilterValues  []string `json:"filter_values"`
}

// Taxonomy groups entries by kind.
type Taxonomy struct {
	Procedures     []TaxonomyEntry `json:"procedures"`
	Conditions     []TaxonomyEntry `json:"conditions"`
	Subspecialties []TaxonomyEntry `json:"subspecialties"`
}

// Paths names the four JSON resources a Store loads from.
type Paths struct {
	Subspecialties string
	Procedures     string
	Conditions     string
	Taxonomy       string
}

// Load reads all four vocabulary files. A missing file is an error; the
// caller treats it as fatal at startup.
func Load(p Paths) (*Store, error) {
	s := &Store{bySpecialty: make(map[string][]string)}

	var subs struct {
		BySpecialty map[string][]string `json:"by_specialty"`
		Global      []string            `json:"global"`
	}
	if err := readJSON(p.Subspecialties, &subs); err != nil {
		return nil, fmt.Errorf("load subspecialties: %w", err)
	}
	for spec, names := range subs.BySpecialty {
		s.bySpecialty[strings.ToLower(spec)] = names
	}
	s.global = subs.Global

	if err := readJSON(p.Procedures, &s.procedures); err != nil {
		return nil, fmt.Errorf("load procedures: %w", err)
	}
	if err := readJSON(p.Conditions, &s.conditions); err != nil {
		return nil, fmt.Errorf("load conditions: %w", err)
	}
	// count order is not guaranteed in the files
	sort.SliceStable(s.procedures, func(i, j int) bool { return s.procedures[i].Count > s.procedures[j].Count })
	sort.SliceStable(s.conditions, func(i, j int) bool { return s.conditions[i].Count > s.conditions[j].Count })

	if err := readJSON(p.Taxonomy, &s.taxonomy); err != nil {
		return nil, fmt.Errorf("load taxonomy: %w", err)
	}

	return s, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// ForSpecialty returns the subspecialty list for a specialty, falling back
// to the global list when the specialty is unknown.
func (s *Store) ForSpecialty(name string) []string {
	if names, ok := s.bySpecialty[strings.ToLower(strings.TrimSpace(name))]; ok {
		return names
	}
	return s.global
}

// TopProcedures returns the n most frequent procedure names.
func (s *Store) TopProcedures(n int) []string {
	return topNames(s.procedures, n)
}

// TopConditions returns the n most frequent condition names.
func (s *Store) TopConditions(n int) []string {
	return topNames(s.conditions, n)
}

func topNames(terms []Term, n int) []string {
	if n > len(terms) {
		n = len(terms)
	}
	out := make([]string, 0, n)
	for _, t := range terms[:n] {
		out = append(out, t.Name)
	}
	return out
}

// TaxonomyEntries returns every taxonomy entry across all kinds.
func (s *Store) TaxonomyEntries() []TaxonomyEntry {
	out := make([]TaxonomyEntry, 0, len(s.taxonomy.Procedures)+len(s.taxonomy.Conditions)+len(s.taxonomy.Subspecialties))
	out = append(out, s.taxonomy.Procedures...)
	out = append(out, s.taxonomy.Conditions...)
	out = append(out, s.taxonomy.Subspecialties...)
	return out
}

// FindRelevantTaxonomyEntries returns the entries whose canonical name or
// any alias substring-matches a query token (case-insensitive, both
// directions). Tokens shorter than two characters are ignored.
func (s *Store) FindRelevantTaxonomyEntries(query string) []TaxonomyEntry {
	tokens := queryTokens(query)
	if len(tokens) == 0 {
		return nil
	}
	var out []TaxonomyEntry
	for _, entry := range s.TaxonomyEntries() {
		if entryMatches(entry, tokens) {
			out = append(out, entry)
		}
	}
	return out
}

func entryMatches(entry TaxonomyEntry, tokens []string) bool {
	names := make([]string, 0, len(entry.Aliases)+1)
	names = append(names, strings.ToLower(entry.CanonicalName))
	for _, a := range entry.Aliases {
		names = append(names, strings.ToLower(a))
	}
	for _, name := range names {
		for _, tok := range tokens {
			if strings.Contains(name, tok) || strings.Contains(tok, name) {
				return true
			}
		}
	}
	return false
}

func queryTokens(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}
