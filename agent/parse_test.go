package agent

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestParseReviewOutputReady(t *testing.T) {
	needs, feedback := ParseReviewOutput("READY_TO_COMMIT\n")
	if needs {
		t.Error("expected no changes needed")
	}
	if feedback != "" {
		t.Errorf("expected empty feedback, got %q", feedback)
	}
}

func TestParseReviewOutputChangesRequired(t *testing.T) {
	output := "CHANGES_REQUIRED\n- fix the failing test\n- remove the debug print"
	needs, feedback := ParseReviewOutput(output)
	if !needs {
		t.Error("expected changes needed")
	}
	want := "- fix the failing test\n- remove the debug print"
	if feedback != want {
		t.Errorf("feedback = %q, want %q", feedback, want)
	}
}

func TestParseReviewOutputChangesRequiredNoDetails(t *testing.T) {
	needs, feedback := ParseReviewOutput("CHANGES_REQUIRED")
	if !needs {
		t.Error("expected changes needed")
	}
	if feedback != "Changes required (no details provided)." {
		t.Errorf("unexpected feedback: %q", feedback)
	}
}

func TestParseReviewOutputEmpty(t *testing.T) {
	needs, feedback := ParseReviewOutput("   \n\n  ")
	if !needs {
		t.Error("empty output must request changes")
	}
	if !strings.Contains(feedback, "Review output was empty") {
		t.Errorf("unexpected feedback: %q", feedback)
	}
}

func TestParseReviewOutputUnknownFormat(t *testing.T) {
	raw := "The repo looks mostly fine but I am not sure about the tests."
	needs, feedback := ParseReviewOutput(raw)
	if !needs {
		t.Error("unknown output must request changes")
	}
	if feedback != raw {
		t.Errorf("raw output should be forwarded as feedback, got %q", feedback)
	}
}

func TestParseReviewOutputCaseInsensitiveVerdict(t *testing.T) {
	needs, _ := ParseReviewOutput("ready_to_commit")
	if needs {
		t.Error("verdict match should ignore case")
	}
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   bool
	}{
		{"bare yes", "yes", true},
		{"bare no", "no", false},
		{"yes with period", "Yes.", true},
		{"true token", "The answer is true", true},
		{"short y", "y", true},
		{"short n", "n", false},
		{"empty", "", false},
		{"no signal", "I cannot determine this", false},
		{"reasoning then final no", "yes this repo uses Go but the objective does not apply so no", false},
		{"reasoning then final yes", "unclear at first glance however the service matches so yes", true},
		{"markdown answer", "**yes**", false},
		{"trailing newline", "no\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseDecision(tt.output); got != tt.want {
				t.Errorf("ParseDecision(%q) = %v, want %v", tt.output, got, tt.want)
			}
		})
	}
}

func TestParseDecisionPrefersTail(t *testing.T) {
	// A long preamble mentioning "yes" early must lose to the final
	// answer at the end of the output.
	output := "yes there are many files here " + strings.Repeat("word ", 20) + "final answer: no"
	if ParseDecision(output) {
		t.Error("tail answer should win over earlier tokens")
	}
}

func TestParseShortDesc(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
		ok     bool
	}{
		{"clean json", `{"short_desc": "bump-go-version"}`, "bump-go-version", true},
		{"surrounded by prose", "Here you go:\n{\"short_desc\": \"add-retry-logic\"}\nDone.", "add-retry-logic", true},
		{"empty desc", `{"short_desc": ""}`, "", false},
		{"missing key", `{"description": "x"}`, "", false},
		{"not json", "add-retry-logic", "", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseShortDesc(tt.output)
			if ok != tt.ok || got != tt.want {
				t.Errorf("parseShortDesc(%q) = (%q, %v), want (%q, %v)", tt.output, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestPromptPrefix(t *testing.T) {
	prefix := promptPrefix("/work/repo", []string{"/work/ctx-a", "/work/ctx-b"})
	if !strings.Contains(prefix, "Target repository to edit is located at: /work/repo") {
		t.Errorf("missing repo hint: %q", prefix)
	}
	if !strings.Contains(prefix, "/work/ctx-a (and 1 more)") {
		t.Errorf("missing context hint: %q", prefix)
	}
	if !strings.HasSuffix(prefix, "\n\n") {
		t.Error("prefix must end with a blank line before the prompt")
	}

	if got := promptPrefix("", nil); got != "" {
		t.Errorf("expected empty prefix, got %q", got)
	}
}

func TestCommonPath(t *testing.T) {
	tests := []struct {
		name  string
		paths []string
		want  string
	}{
		{"single", []string{"/a/b/c"}, "/a/b/c"},
		{"shared parent", []string{"/a/b/c", "/a/b/d"}, "/a/b"},
		{"nested", []string{"/a/b", "/a/b/c/d"}, "/a/b"},
		{"disjoint", []string{"/a/b", "/x/y"}, "/"},
		{"empty entries skipped", []string{"", "/a/b"}, "/a/b"},
		{"none", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := commonPath(tt.paths); got != filepath.FromSlash(tt.want) {
				t.Errorf("commonPath(%v) = %q, want %q", tt.paths, got, tt.want)
			}
		})
	}
}

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/usr/bin", "TOKEN=old"}
	merged := mergeEnv(base, map[string]string{"TOKEN": "new", "EXTRA": "1"})

	got := map[string]string{}
	for _, kv := range merged {
		k, v, _ := strings.Cut(kv, "=")
		got[k] = v
	}
	if got["PATH"] != "/usr/bin" {
		t.Errorf("PATH = %q", got["PATH"])
	}
	if got["TOKEN"] != "new" {
		t.Errorf("extras must win, TOKEN = %q", got["TOKEN"])
	}
	if got["EXTRA"] != "1" {
		t.Errorf("EXTRA = %q", got["EXTRA"])
	}
	for _, kv := range merged {
		if kv == "TOKEN=old" {
			t.Error("shadowed entry still present")
		}
	}
}
