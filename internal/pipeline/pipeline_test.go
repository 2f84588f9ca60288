package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valinor-ai/moderator/internal/moderation"
	"github.com/valinor-ai/moderator/internal/notify"
	"github.com/valinor-ai/moderator/internal/policy"
	"github.com/valinor-ai/moderator/internal/provider"
	"github.com/valinor-ai/moderator/internal/store"
)

type stubClassifier struct {
	signal moderation.Signal
	wait   bool

	mu    sync.Mutex
	calls int
}

func (s *stubClassifier) Classify(ctx context.Context, _ moderation.Content) moderation.Signal {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.wait {
		<-ctx.Done()
		return provider.Indeterminate([]string{"deadline: " + ctx.Err().Error()})
	}
	return s.signal
}

type staticSettings struct {
	cfg policy.Config
	err error
}

func (s staticSettings) LoadPolicy(context.Context) (policy.Config, error) {
	return s.cfg.Clone(), s.err
}

type countingStore struct {
	store.Store
	saves   int
	saveErr error
}

func (c *countingStore) Save(ctx context.Context, r moderation.Result) error {
	c.saves++
	if c.saveErr != nil {
		return c.saveErr
	}
	return c.Store.Save(ctx, r)
}

type recordingNotifier struct {
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, e notify.Event) { r.events = append(r.events, e) }
func (r *recordingNotifier) Close() error                             { return nil }

type recordingMetrics struct {
	decisions       []string
	persistFailures int
}

func (m *recordingMetrics) ObserveDecision(decision, _ string)    { m.decisions = append(m.decisions, decision) }
func (m *recordingMetrics) ObservePipeline(string, time.Duration) {}
func (m *recordingMetrics) IncPersistFailure()                    { m.persistFailures++ }

type fixture struct {
	pipeline   *Pipeline
	classifier *stubClassifier
	results    *countingStore
	notifier   *recordingNotifier
	metrics    *recordingMetrics
}

func newFixture(t *testing.T, signal moderation.Signal, cfg policy.Config) *fixture {
	t.Helper()
	f := &fixture{
		classifier: &stubClassifier{signal: signal},
		results:    &countingStore{Store: store.NewMemoryStore()},
		notifier:   &recordingNotifier{},
		metrics:    &recordingMetrics{},
	}
	f.pipeline = New(Config{Deadline: time.Second}, Dependencies{
		Classifier: f.classifier,
		Settings:   staticSettings{cfg: cfg},
		Results:    f.results,
		Notifier:   f.notifier,
		Metrics:    f.metrics,
	})
	return f
}

func textRequest(s string) moderation.Request {
	return moderation.Request{Type: moderation.TypeText, Content: []byte(s)}
}

func TestModerate_SafeTextApproved(t *testing.T) {
	f := newFixture(t, moderation.Signal{SafeConfidence: 0.95, ServiceName: "groq", ModelUsed: "llama3-8b-8192"}, policy.Default())

	result, err := f.pipeline.Moderate(context.Background(), textRequest("Hello, this is a normal message."))
	require.NoError(t, err)

	assert.Equal(t, moderation.DecisionSafe, result.Decision)
	assert.Equal(t, 0.95, result.Confidence)
	assert.Empty(t, result.Categories)
	assert.Equal(t, "groq", result.ServiceUsed)
	assert.Equal(t, "llama3-8b-8192", result.ModelUsed)
	assert.Equal(t, moderation.TypeText, result.ContentType)
	assert.NotEmpty(t, result.ID)
	assert.InDelta(t, 0.05, result.SeverityScore, 1e-9)
}

func TestModerate_HateSpeechBlocked(t *testing.T) {
	f := newFixture(t, moderation.Signal{
		SafeConfidence: 0.30,
		CategoryScores: map[string]float64{"hate_speech": 0.82},
		ServiceName:    "groq",
	}, policy.Default())

	result, err := f.pipeline.Moderate(context.Background(), textRequest("I hate everyone and everything!"))
	require.NoError(t, err)

	assert.Equal(t, moderation.DecisionBlock, result.Decision)
	assert.Equal(t, []string{"hate_speech"}, result.Categories)
	assert.InDelta(t, policy.Weight(0.82, 0.75), result.SeverityScore, 1e-9)
}

func TestModerate_CustomRuleForcesReview(t *testing.T) {
	cfg := policy.Default()
	cfg.CustomRules = []string{"promo: /buy now/"}
	f := newFixture(t, moderation.Signal{SafeConfidence: 0.99, ServiceName: "groq"}, cfg)

	result, err := f.pipeline.Moderate(context.Background(), textRequest("Limited offer, BUY NOW!"))
	require.NoError(t, err)

	assert.Equal(t, moderation.DecisionReview, result.Decision)
	assert.Equal(t, []string{"promo"}, result.Categories)
	assert.Contains(t, result.Explanation, "promo")
}

func TestModerate_FallbackAfterPrimaryTimeouts(t *testing.T) {
	primary := &timeoutProvider{name: "groq"}
	secondary := &fixedProvider{name: "ollama", signal: moderation.Signal{SafeConfidence: 0.60, ModelUsed: "llama3"}}
	client := provider.NewClient([]provider.Provider{primary, secondary}, provider.NewLimiter(4, nil), provider.ClientConfig{
		AttemptTimeout:  50 * time.Millisecond,
		RetryTimeout:    50 * time.Millisecond,
		RetryDelay:      time.Millisecond,
		BreakerFailures: 10,
		BreakerOpen:     time.Minute,
	}, nil, nil)

	p := New(Config{Deadline: 2 * time.Second}, Dependencies{
		Classifier: client,
		Settings:   staticSettings{cfg: policy.Default()},
		Results:    store.NewMemoryStore(),
	})

	result, err := p.Moderate(context.Background(), textRequest("borderline message"))
	require.NoError(t, err)

	assert.Equal(t, 2, primary.Calls())
	assert.Equal(t, "ollama", result.ServiceUsed)
	assert.Equal(t, moderation.DecisionReview, result.Decision)
	assert.Equal(t, 0.60, result.Confidence)
}

func TestModerate_AllProvidersFailBlocks(t *testing.T) {
	f := newFixture(t, provider.Indeterminate([]string{"groq: auth: 401", "ollama: unavailable: connection refused"}), policy.Default())

	result, err := f.pipeline.Moderate(context.Background(), textRequest("anything"))
	require.NoError(t, err)

	assert.NotEqual(t, moderation.DecisionSafe, result.Decision)
	assert.Equal(t, 0.0, result.Confidence)
	assert.Contains(t, result.Explanation, "groq: auth")
	assert.Contains(t, result.Explanation, "ollama: unavailable")
	assert.Equal(t, provider.IndeterminateService, result.ServiceUsed)
	assert.Equal(t, 1.0, result.SeverityScore)
}

func TestModerate_DeadlineYieldsIndeterminate(t *testing.T) {
	f := newFixture(t, moderation.Signal{}, policy.Default())
	f.classifier.wait = true
	f.pipeline.cfg.Deadline = 30 * time.Millisecond

	start := time.Now()
	result, err := f.pipeline.Moderate(context.Background(), textRequest("slow"))
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, moderation.DecisionBlock, result.Decision)
	assert.Contains(t, result.Explanation, "deadline")
}

func TestModerate_ValidationIsTheOnlyError(t *testing.T) {
	f := newFixture(t, moderation.Signal{SafeConfidence: 0.9}, policy.Default())

	_, err := f.pipeline.Moderate(context.Background(), textRequest("   "))
	require.Error(t, err)
	assert.True(t, moderation.IsValidationError(err))

	_, err = f.pipeline.Moderate(context.Background(), moderation.Request{Type: "video", Content: []byte("x")})
	assert.True(t, moderation.IsValidationError(err))

	assert.Zero(t, f.classifier.calls)
	assert.Zero(t, f.results.saves)
	assert.Empty(t, f.notifier.events)
}

func TestModerate_ClosedVerdictSetAndConfidenceRange(t *testing.T) {
	signals := []moderation.Signal{
		{SafeConfidence: 0},
		{SafeConfidence: 0.5, CategoryScores: map[string]float64{"spam": 1}},
		{SafeConfidence: 1, CategoryScores: map[string]float64{"violence": 0.99}},
		{SafeConfidence: 0.7, CategoryScores: map[string]float64{"unknown_category": 1}},
		provider.Indeterminate(nil),
	}
	for _, s := range signals {
		f := newFixture(t, s, policy.Default())
		result, err := f.pipeline.Moderate(context.Background(), textRequest("x"))
		require.NoError(t, err)
		assert.Contains(t, []moderation.Decision{moderation.DecisionSafe, moderation.DecisionReview, moderation.DecisionBlock}, result.Decision)
		assert.GreaterOrEqual(t, result.Confidence, 0.0)
		assert.LessOrEqual(t, result.Confidence, 1.0)
	}
}

func TestModerate_Idempotent(t *testing.T) {
	signal := moderation.Signal{
		SafeConfidence: 0.7,
		CategoryScores: map[string]float64{"spam": 0.9, "harassment": 0.8},
		Explanation:    "promotional",
		ServiceName:    "groq",
	}
	f := newFixture(t, signal, policy.Default())

	first, err := f.pipeline.Moderate(context.Background(), textRequest("same input"))
	require.NoError(t, err)
	second, err := f.pipeline.Moderate(context.Background(), textRequest("same input"))
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	second.ID, second.ProcessedAt = first.ID, first.ProcessedAt
	assert.Equal(t, first, second)
}

func TestModerate_PersistsAndNotifiesOnce(t *testing.T) {
	cfg := policy.Default()
	cfg.Notifications = policy.Notifications{Slack: true}
	f := newFixture(t, moderation.Signal{SafeConfidence: 0.2}, cfg)

	result, err := f.pipeline.Moderate(context.Background(), textRequest("bad"))
	require.NoError(t, err)

	assert.Equal(t, 1, f.results.saves)
	stored, err := f.results.Get(context.Background(), result.ID)
	require.NoError(t, err)
	assert.Equal(t, result, stored)

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, result.ID, f.notifier.events[0].Result.ID)
	assert.True(t, f.notifier.events[0].Channels.Slack)
	assert.True(t, f.notifier.events[0].Flagged())
	assert.Equal(t, []string{"block"}, f.metrics.decisions)
}

func TestModerate_SaveFailureStillReturnsDecision(t *testing.T) {
	f := newFixture(t, moderation.Signal{SafeConfidence: 0.95}, policy.Default())
	f.results.saveErr = errors.New("database down")

	result, err := f.pipeline.Moderate(context.Background(), textRequest("hello"))
	require.NoError(t, err)

	assert.Equal(t, moderation.DecisionSafe, result.Decision)
	assert.Equal(t, 1, f.results.saves)
	assert.Equal(t, 1, f.metrics.persistFailures)
}

func TestModerate_PolicyLoadFailureFallsBackToDefaults(t *testing.T) {
	f := newFixture(t, moderation.Signal{SafeConfidence: 0.86}, policy.Config{})
	f.pipeline.settings = staticSettings{err: errors.New("settings unavailable")}

	result, err := f.pipeline.Moderate(context.Background(), textRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, moderation.DecisionSafe, result.Decision)
}

func TestModerate_RequestOptionsApply(t *testing.T) {
	signal := moderation.Signal{SafeConfidence: 0.9, CategoryScores: map[string]float64{"spam": 0.6}}

	f := newFixture(t, signal, policy.Default())
	result, err := f.pipeline.Moderate(context.Background(), textRequest("offer"))
	require.NoError(t, err)
	assert.Equal(t, moderation.DecisionReview, result.Decision)

	req := textRequest("offer")
	req.Options = moderation.Options{Categories: []string{"violence"}}
	result, err = f.pipeline.Moderate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, moderation.DecisionSafe, result.Decision)
}

func TestModerate_RulesMatchImageFilename(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0}
	tests := []struct {
		name     string
		rules    []string
		filename string
		want     moderation.Decision
		matched  []string
	}{
		{"extension rule", []string{"png"}, "x.png", moderation.DecisionReview, []string{"png"}},
		{"named rule", []string{"banned: forbidden"}, "forbidden.png", moderation.DecisionReview, []string{"banned"}},
		{"no match", []string{"banned: forbidden"}, "holiday.png", moderation.DecisionSafe, nil},
		{"no filename", []string{"png"}, "", moderation.DecisionSafe, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := policy.Default()
			cfg.CustomRules = tt.rules
			f := newFixture(t, moderation.Signal{SafeConfidence: 0.99}, cfg)

			result, err := f.pipeline.Moderate(context.Background(), moderation.Request{Type: moderation.TypeImage, Content: png, Filename: tt.filename})
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.Decision)
			assert.Equal(t, moderation.TypeImage, result.ContentType)
			if tt.matched == nil {
				assert.Empty(t, result.Categories)
			} else {
				assert.Equal(t, tt.matched, result.Categories)
			}
		})
	}
}

func TestModerate_ProcessedAtSurvivesStorageRoundTrip(t *testing.T) {
	f := newFixture(t, moderation.Signal{SafeConfidence: 0.95, ServiceName: "groq"}, policy.Default())
	f.pipeline.now = func() time.Time {
		return time.Date(2026, 3, 1, 12, 30, 45, 123456789, time.FixedZone("CET", 3600))
	}

	result, err := f.pipeline.Moderate(context.Background(), textRequest("hello"))
	require.NoError(t, err)

	assert.Equal(t, 123456000, result.ProcessedAt.Nanosecond())
	assert.Equal(t, time.UTC, result.ProcessedAt.Location())
	assert.True(t, result.ProcessedAt.Equal(result.ProcessedAt.Truncate(time.Microsecond)))

	got, err := f.results.Get(context.Background(), result.ID)
	require.NoError(t, err)
	assert.True(t, result.ProcessedAt.Equal(got.ProcessedAt))
}

func TestCompile_ReusesMatcherForSameRules(t *testing.T) {
	p := New(Config{}, Dependencies{})
	a := p.compile([]string{"x", "y"})
	b := p.compile([]string{"x", "y"})
	c := p.compile([]string{"x"})
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

type timeoutProvider struct {
	name  string
	mu    sync.Mutex
	calls int
}

func (p *timeoutProvider) Name() string                         { return p.name }
func (p *timeoutProvider) Supports(moderation.ContentType) bool { return true }
func (p *timeoutProvider) Health(context.Context) error         { return nil }

func (p *timeoutProvider) Classify(ctx context.Context, _ moderation.Content) (moderation.Signal, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	<-ctx.Done()
	return moderation.Signal{}, provider.NewError(provider.KindTimeout, p.name, ctx.Err())
}

func (p *timeoutProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fixedProvider struct {
	name   string
	signal moderation.Signal
}

func (p *fixedProvider) Name() string                         { return p.name }
func (p *fixedProvider) Supports(moderation.ContentType) bool { return true }
func (p *fixedProvider) Health(context.Context) error         { return nil }

func (p *fixedProvider) Classify(context.Context, moderation.Content) (moderation.Signal, error) {
	return p.signal, nil
}
