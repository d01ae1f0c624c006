package steps

import (
	"context"

	"github.com/rendis/maildigest/internal/retry"
	"github.com/rendis/maildigest/pkg/schema"
)

// Breaker names, one circuit per collaborator.
const (
	BreakerMail     = "mail"
	BreakerLLM      = "llm"
	BreakerChat     = "chat"
	BreakerCalendar = "calendar"
)

// Resilient wraps every collaborator in deps with policy and the circuit
// breakers. Calls that create something remotely (posting the digest or the
// confirmation message, inserting a calendar entry) are attempted once so a
// timeout after a successful write cannot duplicate it; they are still gated by
// their circuit. Editing a posted message is safe to repeat.
func Resilient(deps Deps, policy retry.Policy, breakers *retry.CircuitBreakerRegistry) Deps {
	once := policy
	once.MaxAttempts = 1

	deps.Mail = &retryingMail{next: deps.Mail, policy: policy, breakers: breakers}
	deps.Classifier = &retryingClassifier{next: deps.Classifier, policy: policy, breakers: breakers}
	deps.Summarizer = &retryingSummarizer{next: deps.Summarizer, policy: policy, breakers: breakers}
	deps.Detector = &retryingDetector{next: deps.Detector, policy: policy, breakers: breakers}
	deps.Notifier = &retryingNotifier{next: deps.Notifier, policy: policy, once: once, breakers: breakers}
	deps.Calendar = &retryingCalendar{next: deps.Calendar, policy: once, breakers: breakers}
	return deps
}

type retryingMail struct {
	next     MailSource
	policy   retry.Policy
	breakers *retry.CircuitBreakerRegistry
}

func (r *retryingMail) Fetch(ctx context.Context, timeRange string, maxItems int) ([]schema.Message, error) {
	return retry.Value(ctx, r.policy, r.breakers, BreakerMail, func(ctx context.Context) ([]schema.Message, error) {
		return r.next.Fetch(ctx, timeRange, maxItems)
	})
}

type retryingClassifier struct {
	next     Classifier
	policy   retry.Policy
	breakers *retry.CircuitBreakerRegistry
}

func (r *retryingClassifier) Classify(ctx context.Context, msgs []schema.Message) (map[string]schema.Importance, error) {
	return retry.Value(ctx, r.policy, r.breakers, BreakerLLM, func(ctx context.Context) (map[string]schema.Importance, error) {
		return r.next.Classify(ctx, msgs)
	})
}

type retryingSummarizer struct {
	next     Summarizer
	policy   retry.Policy
	breakers *retry.CircuitBreakerRegistry
}

func (r *retryingSummarizer) Summarize(ctx context.Context, msgs []schema.Message, c *schema.Classified) (*schema.Digest, error) {
	return retry.Value(ctx, r.policy, r.breakers, BreakerLLM, func(ctx context.Context) (*schema.Digest, error) {
		return r.next.Summarize(ctx, msgs, c)
	})
}

type retryingDetector struct {
	next     EventDetector
	policy   retry.Policy
	breakers *retry.CircuitBreakerRegistry
}

func (r *retryingDetector) Detect(ctx context.Context, msgs []schema.Message) ([]schema.DetectedEvent, error) {
	return retry.Value(ctx, r.policy, r.breakers, BreakerLLM, func(ctx context.Context) ([]schema.DetectedEvent, error) {
		return r.next.Detect(ctx, msgs)
	})
}

type retryingNotifier struct {
	next     Notifier
	policy   retry.Policy
	once     retry.Policy
	breakers *retry.CircuitBreakerRegistry
}

func (r *retryingNotifier) SendReport(ctx context.Context, report string) (bool, error) {
	return retry.Value(ctx, r.once, r.breakers, BreakerChat, func(ctx context.Context) (bool, error) {
		return r.next.SendReport(ctx, report)
	})
}

func (r *retryingNotifier) RequestConfirmation(ctx context.Context, threadID string, events []schema.DetectedEvent) (string, error) {
	return retry.Value(ctx, r.once, r.breakers, BreakerChat, func(ctx context.Context) (string, error) {
		return r.next.RequestConfirmation(ctx, threadID, events)
	})
}

func (r *retryingNotifier) MarkDecided(ctx context.Context, handle string, ev schema.DetectedEvent, action schema.Action) error {
	return retry.Do(ctx, r.policy, r.breakers, BreakerChat, func(ctx context.Context) error {
		return r.next.MarkDecided(ctx, handle, ev, action)
	})
}

type retryingCalendar struct {
	next     CalendarSink
	policy   retry.Policy
	breakers *retry.CircuitBreakerRegistry
}

func (r *retryingCalendar) CreateEvent(ctx context.Context, ev schema.DetectedEvent) (string, error) {
	return retry.Value(ctx, r.policy, r.breakers, BreakerCalendar, func(ctx context.Context) (string, error) {
		return r.next.CreateEvent(ctx, ev)
	})
}
