// Package quality implements the submission quality gate: a pure function
// from a submission to (validity, score, issue list). No I/O.
package quality

import (
	"strings"
	"unicode"

	"github.com/qaforge/bugsift/internal/model"
)

// Issue codes emitted by Check.
const (
	IssueMissingTitle          = "missing_title"
	IssueTitleTooShort         = "title_too_short"
	IssueGenericTitle          = "generic_title"
	IssueMissingDescription    = "missing_description"
	IssueDescriptionTooShort   = "description_too_short"
	IssueLowQualityDescription = "low_quality_description"
	IssueMissingReproSteps     = "missing_repro_steps"
	IssueReproStepsTooShort    = "repro_steps_too_short"
	IssueMissingLogs           = "missing_logs"
	IssueMissingDeviceInfo     = "missing_device_info"
	IssueMissingBuildVersion   = "missing_build_version"
	IssueMissingRegion         = "missing_region"
)

// penalties subtracted from a starting score of 1.0, floored at 0.
var penalties = map[string]float64{
	IssueMissingTitle:          0.30,
	IssueTitleTooShort:         0.10,
	IssueGenericTitle:          0.10,
	IssueMissingDescription:    0.30,
	IssueDescriptionTooShort:   0.15,
	IssueLowQualityDescription: 0.20,
	IssueMissingReproSteps:     0.20,
	IssueReproStepsTooShort:    0.10,
	IssueMissingLogs:           0.10,
	IssueMissingDeviceInfo:     0.15,
	IssueMissingBuildVersion:   0.15,
	IssueMissingRegion:         0.10,
}

// genericTitles is the stop-set of titles that carry no signal.
// Matched case-insensitively against the full trimmed title.
var genericTitles = map[string]bool{
	"bug":          true,
	"error":        true,
	"issue":        true,
	"problem":      true,
	"help":         true,
	"test":         true,
	"broken":       true,
	"not working":  true,
	"doesn't work": true,
	"crash":        true,
	"crashes":      true,
}

const minTitleLen = 10

// Report is the outcome of a quality check. Valid is the routing gate
// (strict: any issue fails it); Score is advisory, for display and metrics.
type Report struct {
	Valid  bool
	Score  float64
	Issues []string
}

// Checker evaluates submissions against configurable requirements.
// The zero value requires nothing beyond title, description, and the
// metadata fields the similarity engine depends on.
type Checker struct {
	MinDescriptionLength int
	RequireReproSteps    bool
	RequireLogs          bool
}

// Check evaluates a submission. Issues are appended in a fixed order so
// the emitted set is deterministic for a given input.
func (c Checker) Check(sub model.Submission) Report {
	var issues []string

	// 1. Title: present, long enough, not from the generic stop-set.
	title := strings.TrimSpace(sub.Title)
	switch {
	case title == "":
		issues = append(issues, IssueMissingTitle)
	case len(title) < minTitleLen:
		issues = append(issues, IssueTitleTooShort)
	}
	if title != "" && genericTitles[strings.ToLower(title)] {
		issues = append(issues, IssueGenericTitle)
	}

	// 2. Description: present, long enough, not garbage text.
	desc := strings.TrimSpace(sub.Description)
	minDesc := c.MinDescriptionLength
	if minDesc <= 0 {
		minDesc = 50
	}
	switch {
	case desc == "":
		issues = append(issues, IssueMissingDescription)
	case len(desc) < minDesc:
		issues = append(issues, IssueDescriptionTooShort)
	}
	if desc != "" && lowQualityText(desc) {
		issues = append(issues, IssueLowQualityDescription)
	}

	// 3. Repro steps.
	steps := strings.TrimSpace(strings.Join(sub.ReproSteps, " "))
	if c.RequireReproSteps && steps == "" {
		issues = append(issues, IssueMissingReproSteps)
	} else if steps != "" && len(steps) < 20 {
		issues = append(issues, IssueReproStepsTooShort)
	}

	// 4. Logs.
	if c.RequireLogs && strings.TrimSpace(sub.Logs) == "" {
		issues = append(issues, IssueMissingLogs)
	}

	// 5. Environment metadata the similarity engine scores on. Missing
	// fields degrade match precision, so they count against quality too.
	if sub.Device == "" {
		issues = append(issues, IssueMissingDeviceInfo)
	}
	if sub.BuildVersion == "" {
		issues = append(issues, IssueMissingBuildVersion)
	}
	if sub.Region == "" {
		issues = append(issues, IssueMissingRegion)
	}

	score := 1.0
	for _, code := range issues {
		score -= penalties[code]
	}
	if score < 0 {
		score = 0
	}

	return Report{Valid: len(issues) == 0, Score: score, Issues: issues}
}

// lowQualityText flags descriptions that are repetitive, shouted, or
// mostly symbols: unique-word ratio below 0.30, all-caps beyond 20
// characters, or over 30% non-alphanumeric non-space characters.
func lowQualityText(text string) bool {
	words := strings.Fields(strings.ToLower(text))
	if len(words) > 0 {
		unique := make(map[string]struct{}, len(words))
		for _, w := range words {
			unique[w] = struct{}{}
		}
		if float64(len(unique))/float64(len(words)) < 0.30 {
			return true
		}
	}

	if len(text) > 20 {
		hasLetter := false
		allUpper := true
		for _, r := range text {
			if unicode.IsLetter(r) {
				hasLetter = true
				if unicode.IsLower(r) {
					allUpper = false
					break
				}
			}
		}
		if hasLetter && allUpper {
			return true
		}
	}

	var special, total int
	for _, r := range text {
		total++
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) {
			special++
		}
	}
	return total > 0 && float64(special)/float64(total) > 0.30
}

// Issue severity categories used to prioritize the review queue.
var (
	criticalIssues = map[string]bool{
		IssueMissingTitle:       true,
		IssueMissingDescription: true,
	}
	majorIssues = map[string]bool{
		IssueDescriptionTooShort:   true,
		IssueLowQualityDescription: true,
		IssueMissingReproSteps:     true,
		IssueMissingDeviceInfo:     true,
		IssueMissingBuildVersion:   true,
	}
)

// Categorize groups issue codes into critical, major, and minor buckets.
func Categorize(issues []string) map[string][]string {
	out := map[string][]string{}
	for _, code := range issues {
		switch {
		case criticalIssues[code]:
			out["critical"] = append(out["critical"], code)
		case majorIssues[code]:
			out["major"] = append(out["major"], code)
		default:
			out["minor"] = append(out["minor"], code)
		}
	}
	return out
}
