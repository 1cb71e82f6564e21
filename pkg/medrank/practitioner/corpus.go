package practitioner

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"golang.org/x/net/html"

	"github.com/caredirect/medrank/pkg/medrank/internalerr"
)

// Corpus is the loaded practitioner set. Immutable and shared read-only
// across requests; per-request index state lives elsewhere.
type Corpus struct {
	Practitioners []Practitioner
	byID          map[string]int
}

// CorpusStats summarizes the loaded corpus for the status endpoint.
type CorpusStats struct {
	Total         int            `json:"total"`
	Blacklisted   int            `json:"blacklisted"`
	BySpecialty   map[string]int `json:"bySpecialty"`
	WithChecklist int            `json:"withChecklistProfile"`
}

// LoadCorpus reads a practitioner JSON file. The file may be a bare array
// or wrapped as {"records": [...]}. Duplicate ids are fatal; about fields
// arrive with markup and are stripped at load.
func LoadCorpus(path string) (*Corpus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load corpus: %w", err)
	}
	records, err := decodeRecords(data)
	if err != nil {
		return nil, fmt.Errorf("parse corpus: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("corpus %s: %w", path, internalerr.ErrCorpusEmpty)
	}

	c := &Corpus{
		Practitioners: records,
		byID:          make(map[string]int, len(records)),
	}
	for i := range c.Practitioners {
		p := &c.Practitioners[i]
		if p.ID == "" {
			return nil, fmt.Errorf("corpus record %d has no id: %w", i, internalerr.ErrInvalidInput)
		}
		if _, seen := c.byID[p.ID]; seen {
			return nil, fmt.Errorf("corpus id %s: %w", p.ID, internalerr.ErrDuplicateID)
		}
		c.byID[p.ID] = i
		p.About = StripHTML(p.About)
		p.Derive()
	}
	return c, nil
}

func decodeRecords(data []byte) ([]Practitioner, error) {
	var wrapped struct {
		Records []Practitioner `json:"records"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Records != nil {
		return wrapped.Records, nil
	}
	var bare []Practitioner
	if err := json.Unmarshal(data, &bare); err != nil {
		return nil, err
	}
	return bare, nil
}

// ByID returns the practitioner with the given id.
func (c *Corpus) ByID(id string) (*Practitioner, bool) {
	i, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	return &c.Practitioners[i], true
}

// Stats walks the corpus once and returns aggregate counts.
func (c *Corpus) Stats() CorpusStats {
	stats := CorpusStats{BySpecialty: make(map[string]int)}
	for i := range c.Practitioners {
		p := &c.Practitioners[i]
		stats.Total++
		if p.Blacklisted {
			stats.Blacklisted++
		}
		if p.Specialty != "" {
			stats.BySpecialty[p.Specialty]++
		}
		if p.ChecklistProfile != nil {
			stats.WithChecklist++
		}
	}
	return stats
}

// canonicalRecord is the checklist-bearing corpus view. Its filter values
// are attached to every normalized record named in legacy_ids (or sharing
// the canonical id).
type canonicalRecord struct {
	ID         string   `json:"id"`
	LegacyIDs  []string `json:"legacy_ids"`
	Procedures []string `json:"procedures"`
	Conditions []string `json:"conditions"`
}

// AttachChecklistView merges a canonical corpus file into the loaded
// corpus. Records naming unknown ids are skipped, not errors: the two views
// are maintained independently.
func (c *Corpus) AttachChecklistView(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load canonical corpus: %w", err)
	}
	var records []canonicalRecord
	if err := json.Unmarshal(data, &records); err != nil {
		var wrapped struct {
			Records []canonicalRecord `json:"records"`
		}
		if err2 := json.Unmarshal(data, &wrapped); err2 != nil {
			return fmt.Errorf("parse canonical corpus: %w", err)
		}
		records = wrapped.Records
	}
	for _, rec := range records {
		profile := &ChecklistProfile{
			ProceduresSet: toSet(rec.Procedures),
			ConditionsSet: toSet(rec.Conditions),
		}
		ids := rec.LegacyIDs
		if len(ids) == 0 {
			ids = []string{rec.ID}
		}
		for _, id := range ids {
			if i, ok := c.byID[id]; ok {
				c.Practitioners[i].ChecklistProfile = profile
			}
		}
	}
	return nil
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

// StripHTML extracts the text content of an HTML fragment. Plain text comes
// back unchanged apart from whitespace normalization.
func StripHTML(s string) string {
	if !strings.ContainsRune(s, '<') {
		return strings.Join(strings.Fields(s), " ")
	}
	tokenizer := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt == html.TextToken {
			b.Write(tokenizer.Text())
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
