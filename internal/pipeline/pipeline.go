// Package pipeline turns a raw moderation request into a stored verdict.
//
// A request moves through Received, Validated, Classified, Decided,
// Persisted and Done. Only validation can fail it; once classification
// starts the pipeline always reaches a decision.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/valinor-ai/moderator/internal/moderation"
	"github.com/valinor-ai/moderator/internal/notify"
	"github.com/valinor-ai/moderator/internal/policy"
	"github.com/valinor-ai/moderator/internal/rules"
	"github.com/valinor-ai/moderator/internal/store"
)

// Stage names a step of the request state machine.
type Stage string

const (
	StageReceived   Stage = "received"
	StageValidated  Stage = "validated"
	StageClassified Stage = "classified"
	StageDecided    Stage = "decided"
	StagePersisted  Stage = "persisted"
	StageDone       Stage = "done"
	StageErrored    Stage = "errored"
)

const saveTimeout = 5 * time.Second

// Classifier produces a signal for validated content. It never fails; an
// exhausted provider chain yields an indeterminate signal.
type Classifier interface {
	Classify(ctx context.Context, content moderation.Content) moderation.Signal
}

// SettingsStore supplies the policy snapshot for a request.
type SettingsStore interface {
	LoadPolicy(ctx context.Context) (policy.Config, error)
}

// Recorder receives pipeline metrics.
type Recorder interface {
	ObserveDecision(decision, contentType string)
	ObservePipeline(contentType string, d time.Duration)
	IncPersistFailure()
}

type nopRecorder struct{}

func (nopRecorder) ObserveDecision(string, string)        {}
func (nopRecorder) ObservePipeline(string, time.Duration) {}
func (nopRecorder) IncPersistFailure()                    {}

// Config bounds a single request.
type Config struct {
	Deadline time.Duration
	Limits   moderation.Limits
}

// Dependencies holds the collaborators injected into a Pipeline.
type Dependencies struct {
	Classifier Classifier
	Settings   SettingsStore
	Results    store.Store
	Notifier   notify.Notifier
	Metrics    Recorder
	Logger     *slog.Logger
}

type Pipeline struct {
	classifier Classifier
	settings   SettingsStore
	results    store.Store
	notifier   notify.Notifier
	metrics    Recorder
	logger     *slog.Logger
	cfg        Config

	now   func() time.Time
	newID func() string

	matcher atomic.Pointer[compiledRules]
}

type compiledRules struct {
	key     string
	matcher *rules.Matcher
}

func New(cfg Config, deps Dependencies) *Pipeline {
	if cfg.Deadline <= 0 {
		cfg.Deadline = 25 * time.Second
	}
	if cfg.Limits.MaxTextBytes <= 0 || cfg.Limits.MaxImageBytes <= 0 {
		cfg.Limits = moderation.DefaultLimits()
	}
	p := &Pipeline{
		classifier: deps.Classifier,
		settings:   deps.Settings,
		results:    deps.Results,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		cfg:        cfg,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	if p.notifier == nil {
		p.notifier = notify.NopNotifier{}
	}
	if p.metrics == nil {
		p.metrics = nopRecorder{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Limits returns the payload limits enforced during validation.
func (p *Pipeline) Limits() moderation.Limits { return p.cfg.Limits }

// MaxLatency bounds a single Moderate call: the classification deadline
// plus the detached save.
func (p *Pipeline) MaxLatency() time.Duration { return p.cfg.Deadline + saveTimeout }

// Moderate runs one request to completion. The returned error is always a
// *moderation.ValidationError; every other failure degrades the verdict.
func (p *Pipeline) Moderate(ctx context.Context, req moderation.Request) (moderation.Result, error) {
	start := p.now()
	p.trace(ctx, StageReceived, "", "content_type", req.Type)

	content, err := moderation.Normalize(req, p.cfg.Limits)
	if err != nil {
		p.trace(ctx, StageErrored, "", "error", err)
		return moderation.Result{}, err
	}
	p.trace(ctx, StageValidated, "")

	cfg := p.loadPolicy(ctx).WithOptions(req.Options)

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.Deadline)
	defer cancel()

	var (
		signal  moderation.Signal
		matches []string
	)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		matches = p.compile(cfg.CustomRules).Match(ruleSubject(content))
		return nil
	})
	g.Go(func() error {
		signal = p.classifier.Classify(gctx, content)
		return nil
	})
	_ = g.Wait()
	p.trace(ctx, StageClassified, "", "service", signal.ServiceName, "rule_matches", len(matches))

	eval := policy.Evaluate(signal, matches, cfg)
	result := moderation.Result{
		ID:            p.newID(),
		Decision:      eval.Decision,
		Confidence:    clamp01(signal.SafeConfidence),
		Categories:    eval.Categories,
		Explanation:   explain(signal.Explanation, matches),
		SeverityScore: eval.SeverityScore,
		ServiceUsed:   signal.ServiceName,
		ModelUsed:     signal.ModelUsed,
		ContentType:   content.Type,
		ProcessedAt:   p.now().UTC().Truncate(time.Microsecond),
	}
	p.trace(ctx, StageDecided, result.ID, "decision", result.Decision)

	// The caller may already be gone; the verdict is still recorded.
	saveCtx, cancelSave := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancelSave()
	if err := p.results.Save(saveCtx, result); err != nil {
		p.metrics.IncPersistFailure()
		p.logger.ErrorContext(ctx, "saving moderation result failed", "result_id", result.ID, "error", err)
	} else {
		p.trace(ctx, StagePersisted, result.ID)
	}

	p.notifier.Notify(ctx, notify.NewEvent(result, cfg.Notifications))

	p.metrics.ObserveDecision(string(result.Decision), string(result.ContentType))
	p.metrics.ObservePipeline(string(result.ContentType), p.now().Sub(start))
	p.trace(ctx, StageDone, result.ID)

	return result.Clone(), nil
}

func (p *Pipeline) loadPolicy(ctx context.Context) policy.Config {
	if p.settings == nil {
		return policy.Default()
	}
	cfg, err := p.settings.LoadPolicy(ctx)
	if err != nil {
		p.logger.WarnContext(ctx, "loading policy failed, using defaults", "error", err)
		return policy.Default()
	}
	return cfg
}

// compile returns a matcher for raw, reusing the previous one when the rule
// list is unchanged.
func (p *Pipeline) compile(raw []string) *rules.Matcher {
	key := strings.Join(raw, "\x00")
	if cached := p.matcher.Load(); cached != nil && cached.key == key {
		return cached.matcher
	}
	m, errs := rules.Compile(raw)
	for _, err := range errs {
		p.logger.Warn("skipping custom rule", "error", err)
	}
	p.matcher.Store(&compiledRules{key: key, matcher: m})
	return m
}

func (p *Pipeline) trace(ctx context.Context, stage Stage, id string, args ...any) {
	attrs := append([]any{"stage", stage}, args...)
	if id != "" {
		attrs = append(attrs, "result_id", id)
	}
	p.logger.DebugContext(ctx, "moderation stage", attrs...)
}

func explain(base string, matches []string) string {
	if len(matches) == 0 {
		return base
	}
	note := fmt.Sprintf("Matched custom rules: %s.", strings.Join(matches, ", "))
	if base == "" {
		return note
	}
	return strings.TrimRight(base, " ") + " " + note
}

func clamp01(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ruleSubject is the text custom rules run against. Images are matched by
// their upload filename.
func ruleSubject(c moderation.Content) string {
	if c.Type == moderation.TypeImage {
		return c.Filename
	}
	return c.Text
}
