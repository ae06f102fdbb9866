package workflow

import (
	"strings"
)

// ExtractCriteriaSection pulls the "## Suggested Success Criteria" section
// out of exploration output. The section runs until the next level-two
// heading. Returns an empty string when the section is missing.
func ExtractCriteriaSection(exploration string) string {
	var section []string
	inCriteria := false
	for _, line := range strings.Split(exploration, "\n") {
		switch {
		case strings.Contains(line, "## Suggested Success Criteria"):
			inCriteria = true
		case inCriteria && strings.HasPrefix(strings.TrimSpace(line), "##") && !strings.HasPrefix(strings.TrimSpace(line), "###"):
			return strings.TrimSpace(strings.Join(section, "\n"))
		case inCriteria:
			section = append(section, line)
		}
	}
	return strings.TrimSpace(strings.Join(section, "\n"))
}

// VerificationResult is the conventional verdict line of a verification
// artifact. Parsed for display only; the machine never reads it.
type VerificationResult struct {
	Status  string // PASS, FAIL or NEEDS_REVIEW
	Summary string
}

// ParseOverallStatus finds the "Overall Status: <STATUS> - <text>" line.
// The second return value is false when no such line exists.
func ParseOverallStatus(verification string) (VerificationResult, bool) {
	for _, line := range strings.Split(verification, "\n") {
		idx := strings.Index(line, "Overall Status:")
		if idx < 0 {
			continue
		}
		rest := strings.TrimSpace(line[idx+len("Overall Status:"):])
		status, summary, found := strings.Cut(rest, "-")
		if !found {
			return VerificationResult{Status: strings.TrimSpace(rest)}, true
		}
		return VerificationResult{
			Status:  strings.TrimSpace(status),
			Summary: strings.TrimSpace(summary),
		}, true
	}
	return VerificationResult{}, false
}
