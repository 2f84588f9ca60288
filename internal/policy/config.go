package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/valinor-ai/moderator/internal/moderation"
)

var ErrInvalidConfig = errors.New("invalid policy config")

// Notifications selects the delivery channels for flagged results. The
// pipeline forwards these flags to the notifier and never reads them itself.
type Notifications struct {
	Email   bool `koanf:"email" json:"email"`
	Slack   bool `koanf:"slack" json:"slack"`
	Webhook bool `koanf:"webhook" json:"webhook"`
}

// Config is the moderation policy (PolicyConfig). A loaded Config is
// treated as an immutable snapshot for the duration of a request.
type Config struct {
	Sensitivity           map[string]float64 `koanf:"sensitivity" json:"sensitivity"`
	EnabledCategories     map[string]bool    `koanf:"enabled_categories" json:"enabledCategories"`
	AutoApprovalThreshold float64            `koanf:"auto_approval_threshold" json:"autoApprovalThreshold"`
	ManualReviewThreshold float64            `koanf:"manual_review_threshold" json:"manualReviewThreshold"`
	CustomRules           []string           `koanf:"custom_rules" json:"customRules"`
	Notifications         Notifications      `koanf:"notifications" json:"notifications"`
}

// DefaultSensitivity applies to enabled categories without an explicit
// sensitivity.
const DefaultSensitivity = 0.5

// Default returns the built-in policy.
func Default() Config {
	return Config{
		Sensitivity: map[string]float64{
			"hate_speech":    0.75,
			"spam":           0.80,
			"adult_content":  0.85,
			"violence":       0.90,
			"harassment":     0.70,
			"misinformation": 0.65,
		},
		EnabledCategories: map[string]bool{
			"hate_speech":    true,
			"spam":           true,
			"adult_content":  true,
			"violence":       true,
			"harassment":     true,
			"misinformation": false,
		},
		AutoApprovalThreshold: 0.85,
		ManualReviewThreshold: 0.50,
		CustomRules:           []string{},
		Notifications: Notifications{
			Email:   true,
			Webhook: true,
		},
	}
}

// Validate checks ranges and the threshold ordering.
func (c Config) Validate() error {
	var problems []string
	inUnit := func(v float64) bool { return v >= 0 && v <= 1 }

	if !inUnit(c.AutoApprovalThreshold) {
		problems = append(problems, "autoApprovalThreshold must be within [0,1]")
	}
	if !inUnit(c.ManualReviewThreshold) {
		problems = append(problems, "manualReviewThreshold must be within [0,1]")
	}
	if c.ManualReviewThreshold >= c.AutoApprovalThreshold {
		problems = append(problems, "manualReviewThreshold must be below autoApprovalThreshold")
	}

	names := make([]string, 0, len(c.Sensitivity))
	for name := range c.Sensitivity {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !inUnit(c.Sensitivity[name]) {
			problems = append(problems, fmt.Sprintf("sensitivity %q must be within [0,1]", name))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	out := c
	out.Sensitivity = make(map[string]float64, len(c.Sensitivity))
	for k, v := range c.Sensitivity {
		out.Sensitivity[k] = v
	}
	out.EnabledCategories = make(map[string]bool, len(c.EnabledCategories))
	for k, v := range c.EnabledCategories {
		out.EnabledCategories[k] = v
	}
	out.CustomRules = append([]string{}, c.CustomRules...)
	return out
}

// SensitivityFor returns the configured sensitivity of category.
func (c Config) SensitivityFor(category string) float64 {
	if s, ok := c.Sensitivity[category]; ok {
		return s
	}
	return DefaultSensitivity
}

// WithOptions applies per-request overrides to a copy of c.
func (c Config) WithOptions(opts moderation.Options) Config {
	out := c.Clone()

	if level, ok := moderation.SensitivityLevels[strings.ToLower(opts.SensitivityLevel)]; ok {
		for name := range out.EnabledCategories {
			out.Sensitivity[name] = level
		}
		for name := range out.Sensitivity {
			out.Sensitivity[name] = level
		}
	}

	if len(opts.Categories) > 0 {
		wanted := make(map[string]bool, len(opts.Categories))
		for _, name := range opts.Categories {
			wanted[strings.ToLower(strings.TrimSpace(name))] = true
		}
		for name, enabled := range out.EnabledCategories {
			out.EnabledCategories[name] = enabled && wanted[name]
		}
	}

	return out
}
