package moderation

import (
	"time"
)

// ContentType is the kind of payload submitted for moderation.
type ContentType string

const (
	TypeText  ContentType = "text"
	TypeImage ContentType = "image"
	TypeURL   ContentType = "url"
)

// Valid reports whether t is one of the supported content types.
func (t ContentType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeURL:
		return true
	}
	return false
}

// Decision is the moderation verdict.
type Decision string

const (
	DecisionSafe   Decision = "safe"
	DecisionReview Decision = "review"
	DecisionBlock  Decision = "block"
)

// Severity orders decisions from least to most restrictive.
func (d Decision) Severity() int {
	switch d {
	case DecisionSafe:
		return 0
	case DecisionReview:
		return 1
	default:
		return 2
	}
}

// Escalate returns the decision one step more restrictive than d.
func (d Decision) Escalate() Decision {
	if d == DecisionSafe {
		return DecisionReview
	}
	return DecisionBlock
}

// MostSevere returns whichever of a and b is more restrictive.
func MostSevere(a, b Decision) Decision {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

// Options carries per-request policy overrides.
type Options struct {
	SensitivityLevel string   `json:"sensitivity_level,omitempty"`
	Categories       []string `json:"categories,omitempty"`
}

// Request is a raw moderation request as received from a caller.
type Request struct {
	Content  []byte
	Type     ContentType
	Filename string // set for uploads
	Context  map[string]any
	Options  Options
}

// Content is a validated, normalized request payload.
type Content struct {
	Type     ContentType
	Text     string // trimmed text, or the canonical URL
	Data     []byte // image bytes
	MIMEType string // detected image format
	Filename string
}

// Signal is one provider's classification of a piece of content.
type Signal struct {
	SafeConfidence float64
	CategoryScores map[string]float64
	Explanation    string
	ModelUsed      string
	ServiceName    string

	// Indeterminate is set on the sentinel signal produced when no provider
	// returned a usable classification.
	Indeterminate bool
	Failures      []string
}

// Result is the assembled moderation outcome for a single request.
type Result struct {
	ID            string      `json:"result_id"`
	Decision      Decision    `json:"decision"`
	Confidence    float64     `json:"confidence"`
	Categories    []string    `json:"categories"`
	Explanation   string      `json:"explanation"`
	SeverityScore float64     `json:"severity_score"`
	ServiceUsed   string      `json:"service"`
	ModelUsed     string      `json:"model_used"`
	ContentType   ContentType `json:"content_type"`
	ProcessedAt   time.Time   `json:"processed_at"`
}

// Clone returns a copy of r that shares no mutable state with it.
func (r Result) Clone() Result {
	out := r
	if r.Categories != nil {
		out.Categories = append([]string(nil), r.Categories...)
	}
	return out
}

// Stats aggregates stored results for the dashboard.
type Stats struct {
	Total       int              `json:"total"`
	ByDecision  map[Decision]int `json:"by_decision"`
	ByCategory  map[string]int   `json:"by_category"`
	ByService   map[string]int   `json:"by_service"`
	Today       int              `json:"today"`
	AvgSeverity float64          `json:"avg_severity"`
}

// NewStats returns a Stats value with all maps initialized.
func NewStats() Stats {
	return Stats{
		ByDecision: map[Decision]int{
			DecisionSafe:   0,
			DecisionReview: 0,
			DecisionBlock:  0,
		},
		ByCategory: map[string]int{},
		ByService:  map[string]int{},
	}
}
