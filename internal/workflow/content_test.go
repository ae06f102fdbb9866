package workflow

import "testing"

func TestExtractCriteriaSection(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "section to end of file",
			input:    "# Exploration\n\n## Suggested Success Criteria\n- login works\n- tests pass\n",
			expected: "- login works\n- tests pass",
		},
		{
			name:     "section bounded by next heading",
			input:    "## Suggested Success Criteria\n- one\n- two\n## Notes\nignored\n",
			expected: "- one\n- two",
		},
		{
			name:     "subheadings stay inside the section",
			input:    "## Suggested Success Criteria\n### Must\n- a\n### Should\n- b\n## Next\nno\n",
			expected: "### Must\n- a\n### Should\n- b",
		},
		{
			name:     "missing section",
			input:    "# Exploration\nno criteria here\n",
			expected: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractCriteriaSection(tt.input)
			if got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestParseOverallStatus(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantFound  bool
		wantStatus string
		wantText   string
	}{
		{
			name:       "pass with summary",
			input:      "# Verification\nOverall Status: PASS - all criteria met\n",
			wantFound:  true,
			wantStatus: "PASS",
			wantText:   "all criteria met",
		},
		{
			name:       "needs review",
			input:      "Overall Status: NEEDS_REVIEW - flaky test on CI",
			wantFound:  true,
			wantStatus: "NEEDS_REVIEW",
			wantText:   "flaky test on CI",
		},
		{
			name:       "status without summary",
			input:      "Overall Status: FAIL",
			wantFound:  true,
			wantStatus: "FAIL",
			wantText:   "",
		},
		{
			name:      "no status line",
			input:     "nothing to see",
			wantFound: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, found := ParseOverallStatus(tt.input)
			if found != tt.wantFound {
				t.Fatalf("found = %v, want %v", found, tt.wantFound)
			}
			if !found {
				return
			}
			if result.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", result.Status, tt.wantStatus)
			}
			if result.Summary != tt.wantText {
				t.Errorf("summary = %q, want %q", result.Summary, tt.wantText)
			}
		})
	}
}

func TestParseModeAndPaths(t *testing.T) {
	if _, err := ParseMode("bogus"); err == nil {
		t.Error("bogus mode should be rejected")
	}
	m, err := ParseMode("")
	if err != nil || m != ModeRegular {
		t.Errorf("empty mode should default to regular, got %v %v", m, err)
	}

	if got := ModeRegular.ArtifactPath("plan.md"); got != ".phasegate/outputs/plan.md" {
		t.Errorf("regular artifact path = %q", got)
	}
	if got := ModeMeta.ArtifactPath("plan.md"); got != ".phasegate-meta/outputs/plan.md" {
		t.Errorf("meta artifact path = %q", got)
	}
	if ModeRegular.PidRecordsPath() == ModeMeta.PidRecordsPath() {
		t.Error("pid record paths must not collide across modes")
	}
}
