package schema

import "testing"

func TestNormalizeModelID(t *testing.T) {
	cases := []struct {
		name  string
		model string
		want  ModelID
		valid bool
	}{
		{"simple", "gpt-5.2-codex", "gpt-5.2-codex", true},
		{"with-underscore", "my_model", "my_model", true},
		{"with-digits", "o4mini", "o4mini", true},
		{"trimmed", "  gpt-5.2-codex  ", "gpt-5.2-codex", true},
		{"empty", "", "", false},
		{"whitespace-only", "   ", "", false},
		{"inner-space", "gpt 5", "", false},
		{"slash", "openai/gpt", "", false},
		{"symbol", "model@v2", "", false},
	}

	for _, tc := range cases {
		got, err := NormalizeModelID(tc.model)
		if tc.valid {
			if err != nil {
				t.Fatalf("case %q expected valid, got error: %v", tc.name, err)
			}
			if got != tc.want {
				t.Fatalf("case %q expected %q, got %q", tc.name, tc.want, got)
			}
			continue
		}
		if err == nil {
			t.Fatalf("case %q expected error, got nil", tc.name)
		}
	}
}
