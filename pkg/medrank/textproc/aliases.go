package textproc

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Equivalence maps a query token or phrase to interchangeable medical
// forms. This is strict equivalence aliasing (abbreviation ↔ full form,
// spelling variants), never synonym expansion: "echo" may become
// "echocardiogram", but "heart" never becomes "cardiac surgery".
//
// Context gates keep ambiguous abbreviations honest: an entry with
// RequiresAny only fires when one of those tokens is also present in the
// query.
type Equivalence struct {
	Match       string   `yaml:"match"`
	Aliases     []string `yaml:"aliases"`
	RequiresAny []string `yaml:"requires_any"`
}

// maxAliasExpansions bounds total alias additions per query. Two is enough
// to cover the abbreviation the patient typed plus one spelling variant
// without bloating the BM25 query.
const maxAliasExpansions = 2

var defaultEquivalences = []Equivalence{
	{Match: "svt", Aliases: []string{"supraventricular tachycardia"}},
	{Match: "supraventricular tachycardia", Aliases: []string{"svt"}},
	{Match: "afib", Aliases: []string{"atrial fibrillation"}},
	{Match: "atrial fibrillation", Aliases: []string{"af"}},
	{Match: "ibs", Aliases: []string{"irritable bowel syndrome"}},
	{Match: "irritable bowel syndrome", Aliases: []string{"ibs"}},
	{Match: "gerd", Aliases: []string{"gastro oesophageal reflux", "acid reflux"}},
	{Match: "gord", Aliases: []string{"gastro oesophageal reflux", "acid reflux"}},
	{Match: "pcos", Aliases: []string{"polycystic ovary syndrome"}},
	{Match: "hrt", Aliases: []string{"hormone replacement therapy"}},
	{Match: "uti", Aliases: []string{"urinary tract infection"}},
	{Match: "copd", Aliases: []string{"chronic obstructive pulmonary disease"}},
	{Match: "tavi", Aliases: []string{"transcatheter aortic valve implantation"}},
	{Match: "ecg", Aliases: []string{"electrocardiogram"}},
	{Match: "ekg", Aliases: []string{"electrocardiogram"}},
	{Match: "echo", Aliases: []string{"echocardiogram"},
		RequiresAny: []string{"heart", "cardiac", "cardiology", "cardiologist", "chest", "valve"}},
	{Match: "mi", Aliases: []string{"myocardial infarction"},
		RequiresAny: []string{"heart", "cardiac", "attack", "chest", "coronary"}},
	{Match: "ep study", Aliases: []string{"electrophysiology study"}},
	{Match: "tonsillectomy", Aliases: []string{"tonsil removal"}},
	{Match: "gallbladder removal", Aliases: []string{"cholecystectomy"}},
	{Match: "cholecystectomy", Aliases: []string{"gallbladder removal"}},
	{Match: "oesophagus", Aliases: []string{"esophagus"}},
	{Match: "esophagus", Aliases: []string{"oesophagus"}},
	{Match: "paediatric", Aliases: []string{"pediatric"}},
	{Match: "pediatric", Aliases: []string{"paediatric"}},
}

// Aliaser performs bounded medical-query equivalence expansion.
type Aliaser struct {
	entries []Equivalence
}

// NewAliaser returns an Aliaser over the built-in equivalence table.
func NewAliaser() *Aliaser {
	return &Aliaser{entries: defaultEquivalences}
}

// LoadAliaserYAML builds an Aliaser from a curated YAML file:
//
//	equivalences:
//	  - match: svt
//	    aliases: [supraventricular tachycardia]
//	  - match: echo
//	    aliases: [echocardiogram]
//	    requires_any: [heart, cardiac]
//
// The file replaces the built-in table entirely so deployments control the
// exact vocabulary.
func LoadAliaserYAML(path string) (*Aliaser, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg struct {
		Equivalences []Equivalence `yaml:"equivalences"`
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &Aliaser{entries: cfg.Equivalences}, nil
}

// NormalizeMedicalQuery appends up to maxAliasExpansions equivalent forms
// to the query. Matching is on word boundaries over the lowercased query;
// aliases already present are not re-added.
func (a *Aliaser) NormalizeMedicalQuery(query string) string {
	lower := strings.ToLower(query)
	padded := " " + lower + " "

	added := 0
	out := query
	for _, e := range a.entries {
		if added >= maxAliasExpansions {
			break
		}
		if !containsPhrase(padded, e.Match) {
			continue
		}
		if len(e.RequiresAny) > 0 && !anyPhrase(padded, e.RequiresAny) {
			continue
		}
		for _, alias := range e.Aliases {
			if added >= maxAliasExpansions {
				break
			}
			if containsPhrase(padded, alias) {
				continue
			}
			out += " " + alias
			padded = " " + strings.ToLower(out) + " "
			added++
		}
	}
	return out
}

func containsPhrase(padded, phrase string) bool {
	phrase = strings.ToLower(strings.TrimSpace(phrase))
	if phrase == "" {
		return false
	}
	idx := strings.Index(padded, phrase)
	for idx >= 0 {
		before := padded[idx-1]
		after := padded[idx+len(phrase)]
		if !isWordByte(before) && !isWordByte(after) {
			return true
		}
		next := strings.Index(padded[idx+1:], phrase)
		if next < 0 {
			break
		}
		idx += 1 + next
	}
	return false
}

func anyPhrase(padded string, phrases []string) bool {
	for _, p := range phrases {
		if containsPhrase(padded, p) {
			return true
		}
	}
	return false
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}
