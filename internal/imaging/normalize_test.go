package imaging

import (
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"data url wrapper", "data:image/png;base64,AAAA", "AAAA"},
		{"surrounding whitespace", "  AAAA  ", "AAAA"},
		{"already normalized", "AAAA", "AAAA"},
		{"whitespace after delimiter", "data:image/jpeg;base64, AAAA ", "AAAA"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Normalize(tc.input)
			if err != nil {
				t.Fatalf("expected success, got error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestNormalizeRejectsEmptyPayloads(t *testing.T) {
	for _, input := range []string{"", "   ", "data:image/png;base64,", "data:image/png;base64,   "} {
		if _, err := Normalize(input); !errors.Is(err, ErrEmptyPayload) {
			t.Fatalf("input %q: expected ErrEmptyPayload, got %v", input, err)
		}
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	inputs := []string{"data:image/png;base64,AAAA", "  AAAA  ", "AAAA"}
	for _, input := range inputs {
		once, err := Normalize(input)
		if err != nil {
			t.Fatalf("first pass failed for %q: %v", input, err)
		}
		twice, err := Normalize(once)
		if err != nil {
			t.Fatalf("second pass failed for %q: %v", once, err)
		}
		if once != twice {
			t.Fatalf("normalization not idempotent: %q then %q", once, twice)
		}
	}
}
