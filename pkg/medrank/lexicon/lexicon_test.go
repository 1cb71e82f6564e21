package lexicon

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFixtures(t *testing.T) Paths {
	t.Helper()
	dir := t.TempDir()

	files := map[string]string{
		"subspecialties-from-data.json": `{
			"by_specialty": {
				"Cardiology": ["Electrophysiology", "Interventional Cardiology", "Heart Failure"],
				"Gynaecology": ["Urogynaecology", "Fertility"]
			},
			"global": ["General Medicine"]
		}`,
		"procedures-from-data.json": `[
			{"name": "Echocardiogram", "count": 40},
			{"name": "Catheter Ablation", "count": 120},
			{"name": "Angioplasty", "count": 90}
		]`,
		"conditions-from-data.json": `[
			{"name": "Atrial Fibrillation", "count": 200},
			{"name": "IBS", "count": 30}
		]`,
		"medical_taxonomy.json": `{
			"procedures": [
				{"canonical_name": "Catheter Ablation", "aliases": ["SVT ablation", "AF ablation"], "filter_values": ["Catheter Ablation", "Ablation - Supraventricular Tachycardia"]}
			],
			"conditions": [
				{"canonical_name": "Irritable Bowel Syndrome", "aliases": ["IBS"], "filter_values": ["Irritable Bowel Syndrome (IBS)"]}
			],
			"subspecialties": [
				{"canonical_name": "Electrophysiology", "aliases": ["EP"], "filter_values": ["Electrophysiology"]}
			]
		}`,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return Paths{
		Subspecialties: filepath.Join(dir, "subspecialties-from-data.json"),
		Procedures:     filepath.Join(dir, "procedures-from-data.json"),
		Conditions:     filepath.Join(dir, "conditions-from-data.json"),
		Taxonomy:       filepath.Join(dir, "medical_taxonomy.json"),
	}
}

func TestLoadAndLookups(t *testing.T) {
	s, err := Load(writeFixtures(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	subs := s.ForSpecialty("cardiology")
	if len(subs) != 3 || subs[0] != "Electrophysiology" {
		t.Errorf("ForSpecialty(cardiology) = %v", subs)
	}
	if got := s.ForSpecialty("Dermatology"); len(got) != 1 || got[0] != "General Medicine" {
		t.Errorf("unknown specialty should fall back to global, got %v", got)
	}

	// sorted by count desc at load
	top := s.TopProcedures(2)
	if len(top) != 2 || top[0] != "Catheter Ablation" || top[1] != "Angioplasty" {
		t.Errorf("TopProcedures(2) = %v", top)
	}
	if got := s.TopConditions(10); len(got) != 2 {
		t.Errorf("TopConditions should clamp to available terms, got %v", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	p := writeFixtures(t)
	p.Taxonomy = filepath.Join(t.TempDir(), "nope.json")
	if _, err := Load(p); err == nil {
		t.Fatal("expected error for missing taxonomy file")
	}
}

func TestFindRelevantTaxonomyEntries(t *testing.T) {
	s, err := Load(writeFixtures(t))
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		query string
		want  int
	}{
		{"I need SVT ablation", 1},           // alias substring
		{"ibs flare ups", 1},                 // alias exact
		{"electrophysiology consult", 1},     // canonical name
		{"knee replacement", 0},              // nothing in fixtures
		{"a b", 0},                           // all tokens too short
	}
	for _, tc := range cases {
		got := s.FindRelevantTaxonomyEntries(tc.query)
		if len(got) != tc.want {
			t.Errorf("FindRelevantTaxonomyEntries(%q) returned %d entries, want %d", tc.query, len(got), tc.want)
		}
	}
}
