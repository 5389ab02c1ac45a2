package prediction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Category is one of the three classification axes.
type Category string

const (
	CategoryRace   Category = "race"
	CategoryAge    Category = "age"
	CategoryGender Category = "gender"
)

// Categories lists all axes in presentation order.
var Categories = []Category{CategoryRace, CategoryAge, CategoryGender}

// Valid reports whether c names a known axis.
func (c Category) Valid() bool {
	switch c {
	case CategoryRace, CategoryAge, CategoryGender:
		return true
	}
	return false
}

// matches applies the category's comparison rule: exact identity for age,
// case-insensitive for race and gender.
func (c Category) matches(a, b string) bool {
	if c == CategoryAge {
		return a == b
	}
	return strings.EqualFold(a, b)
}

// Candidate pairs a label with its confidence score.
type Candidate struct {
	Label string
	Score float64
}

// Distribution is a per-category mapping from candidate label to confidence,
// ordered as the classification service emitted it. It is created once from
// a service response and never mutated; order is the tie-break for ranking.
type Distribution []Candidate

// UnmarshalJSON decodes a label→score object preserving the key order of the
// source document. encoding/json's map decoding would lose it.
func (d *Distribution) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("prediction: expected object, got %v", tok)
	}

	out := Distribution{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		label, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("prediction: expected string key, got %v", keyTok)
		}
		var score float64
		if err := dec.Decode(&score); err != nil {
			return fmt.Errorf("prediction: score for %q: %w", label, err)
		}
		out = append(out, Candidate{Label: label, Score: score})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*d = out
	return nil
}

// MarshalJSON writes the distribution back as an object in insertion order
// so persisted distributions round-trip with their tie-break intact.
func (d Distribution) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, candidate := range d {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(candidate.Label)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		score, err := json.Marshal(candidate.Score)
		if err != nil {
			return nil, err
		}
		buf.Write(score)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Ranked returns the candidates in descending score order. Equal scores keep
// their first-seen order. The result is a fresh slice on every call.
func (d Distribution) Ranked() []Candidate {
	ranked := make([]Candidate, len(d))
	copy(ranked, d)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

// Top returns the highest-scored candidate, first-seen winning ties.
func (d Distribution) Top() (Candidate, bool) {
	if len(d) == 0 {
		return Candidate{}, false
	}
	return d.Ranked()[0], true
}

// Find locates a candidate by label under the category's comparison rule.
func (d Distribution) Find(category Category, label string) (Candidate, bool) {
	for _, candidate := range d {
		if category.matches(candidate.Label, label) {
			return candidate, true
		}
	}
	return Candidate{}, false
}

// Distributions groups the three per-category results of one classification.
type Distributions struct {
	Race   Distribution `json:"race"`
	Age    Distribution `json:"age"`
	Gender Distribution `json:"gender"`
}

// ByCategory returns the distribution for the given axis.
func (d *Distributions) ByCategory(category Category) Distribution {
	switch category {
	case CategoryRace:
		return d.Race
	case CategoryAge:
		return d.Age
	case CategoryGender:
		return d.Gender
	}
	return nil
}

// Selection holds the currently chosen label per category.
type Selection struct {
	Race   string `json:"race"`
	Age    string `json:"age"`
	Gender string `json:"gender"`
}

// Get returns the chosen label for the given axis.
func (s Selection) Get(category Category) string {
	switch category {
	case CategoryRace:
		return s.Race
	case CategoryAge:
		return s.Age
	case CategoryGender:
		return s.Gender
	}
	return ""
}

func (s *Selection) set(category Category, label string) {
	switch category {
	case CategoryRace:
		s.Race = label
	case CategoryAge:
		s.Age = label
	case CategoryGender:
		s.Gender = label
	}
}

// topSelection derives the initial selection from the top-ranked candidate
// of each distribution.
func topSelection(dists *Distributions) Selection {
	var selection Selection
	for _, category := range Categories {
		if top, ok := dists.ByCategory(category).Top(); ok {
			selection.set(category, top.Label)
		}
	}
	return selection
}
