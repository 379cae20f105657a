package model

import "strings"

// Field length limits for submissions. These bound what a single request
// can push into the embedding pipeline and Postgres TEXT columns; quality
// gating (minimums, required fields) is the quality checker's job, not
// boundary validation.
const (
	MaxTitleLen       = 200
	MaxDescriptionLen = 16 * 1024
	MaxLogsLen        = 256 * 1024
	MaxReproSteps     = 50
	MaxReproStepLen   = 1024
)

// Submission is an inbound bug report prior to any decision. Unknown JSON
// fields are rejected at the boundary; optional fields use "" for absent.
type Submission struct {
	Title       string `json:"title" validate:"max=200"`
	Description string `json:"description" validate:"max=16384"`
	Product     string `json:"product" validate:"required,max=100"`

	Component      string      `json:"component,omitempty" validate:"max=100"`
	Version        string      `json:"version,omitempty" validate:"max=50"`
	Severity       Severity    `json:"severity,omitempty" validate:"omitempty,oneof=critical major minor trivial"`
	Environment    Environment `json:"environment,omitempty" validate:"omitempty,oneof=production staging development qa"`
	Device         string      `json:"device,omitempty" validate:"max=100"`
	OSVersion      string      `json:"os_version,omitempty" validate:"max=50"`
	BuildVersion   string      `json:"build_version,omitempty" validate:"max=50"`
	Region         string      `json:"region,omitempty" validate:"max=20"`
	Reporter       string      `json:"reporter,omitempty" validate:"max=100"`
	ReproSteps     []string    `json:"repro_steps,omitempty" validate:"max=50,dive,max=1024"`
	ExpectedResult string      `json:"expected_result,omitempty" validate:"max=4096"`
	ActualResult   string      `json:"actual_result,omitempty" validate:"max=4096"`
	Logs           string      `json:"logs,omitempty" validate:"max=262144"`
	TrackerKey     string      `json:"tracker_key,omitempty" validate:"max=100"`
}

// MatchText assembles the canonical text fed to the embedding provider.
// The same assembly runs on both the insert and the query path; any
// divergence between the two invalidates recall, so this is the single
// implementation.
func (s Submission) MatchText() string {
	parts := make([]string, 0, 6)
	if t := strings.TrimSpace(s.Title); t != "" {
		parts = append(parts, t)
	}
	if d := strings.TrimSpace(s.Description); d != "" {
		parts = append(parts, d)
	}
	if len(s.ReproSteps) > 0 {
		steps := strings.TrimSpace(strings.Join(s.ReproSteps, " "))
		if steps != "" {
			parts = append(parts, steps)
		}
	}
	if s.Device != "" {
		parts = append(parts, "Device: "+s.Device)
	}
	if s.BuildVersion != "" {
		parts = append(parts, "Build: "+s.BuildVersion)
	}
	if s.Region != "" {
		parts = append(parts, "Region: "+s.Region)
	}
	return strings.Join(parts, " ")
}

// NewBugFromSubmission copies submission fields onto a fresh Bug.
// Identity, scores, and status are assigned by the caller.
func NewBugFromSubmission(s Submission) Bug {
	return Bug{
		Title:          strings.TrimSpace(s.Title),
		Description:    strings.TrimSpace(s.Description),
		Product:        s.Product,
		Component:      s.Component,
		Version:        s.Version,
		Severity:       s.Severity,
		Environment:    s.Environment,
		Device:         s.Device,
		OSVersion:      s.OSVersion,
		BuildVersion:   s.BuildVersion,
		Region:         s.Region,
		ReproSteps:     s.ReproSteps,
		ExpectedResult: s.ExpectedResult,
		ActualResult:   s.ActualResult,
		Logs:           s.Logs,
		TrackerKey:     s.TrackerKey,
		Context:        SubmissionContext{Reporter: s.Reporter},
	}
}
