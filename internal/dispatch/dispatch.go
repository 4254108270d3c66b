// Package dispatch delivers approved outbreak alerts through pluggable
// providers. Delivery is fire-and-report: a failure is recorded on the
// approval and never retried automatically.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/slack-go/slack"

	"github.com/sentinel-ew/sentinel/internal/models"
)

// Alert is the notification payload for one approved case.
type Alert struct {
	CaseID     string
	RunID      string
	Country    string
	City       string
	Severity   float64
	Confidence float64
	Suggestion string
	Reviewer   string
}

// Provider attempts delivery over one channel and reports the outcome.
type Provider interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// Registry holds the configured providers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. Registering the same name twice replaces
// the earlier provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Names lists the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch sends the alert through the named channel and reports the
// outcome. An unknown channel or a provider error is an undelivered
// result, not a panic; the caller records it and moves on.
func (r *Registry) Dispatch(ctx context.Context, channel string, alert Alert) models.DispatchResult {
	r.mu.RLock()
	p, ok := r.providers[channel]
	r.mu.RUnlock()
	if !ok {
		return models.DispatchResult{
			Dispatched: false,
			Channel:    channel,
			Error:      fmt.Sprintf("unknown dispatch channel %q", channel),
		}
	}

	if err := p.Send(ctx, alert); err != nil {
		return models.DispatchResult{
			Dispatched: false,
			Channel:    channel,
			Error:      err.Error(),
		}
	}
	return models.DispatchResult{Dispatched: true, Channel: channel}
}

// LogProvider writes alerts to the process log. It is the default
// channel and the dry-run target.
type LogProvider struct{}

// Name implements Provider.
func (LogProvider) Name() string { return "log" }

// Send implements Provider.
func (LogProvider) Send(_ context.Context, alert Alert) error {
	log.Printf("ALERT case=%s %s, %s severity=%.1f confidence=%.2f approved_by=%s: %s",
		alert.CaseID, alert.City, alert.Country, alert.Severity, alert.Confidence, alert.Reviewer, alert.Suggestion)
	return nil
}

// SlackProvider posts alerts to a Slack channel.
type SlackProvider struct {
	client  *slack.Client
	channel string
}

// NewSlackProvider creates a Slack-backed provider.
func NewSlackProvider(token, channel string) *SlackProvider {
	return &SlackProvider{client: slack.New(token), channel: channel}
}

// Name implements Provider.
func (s *SlackProvider) Name() string { return "slack" }

// Send implements Provider.
func (s *SlackProvider) Send(ctx context.Context, alert Alert) error {
	text := fmt.Sprintf(":rotating_light: *Outbreak alert* %s, %s\nCase `%s` severity *%.1f* confidence *%.2f*\n%s\nApproved by %s",
		alert.City, alert.Country, alert.CaseID, alert.Severity, alert.Confidence, alert.Suggestion, alert.Reviewer)
	_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("post slack message: %w", err)
	}
	return nil
}

// EmailProvider is a placeholder for an SMTP integration; the relay is
// not wired up yet, so it reports every attempt as undelivered.
type EmailProvider struct {
	Recipient string
}

// Name implements Provider.
func (EmailProvider) Name() string { return "email" }

// Send implements Provider.
func (e EmailProvider) Send(context.Context, Alert) error {
	return fmt.Errorf("email relay not configured (recipient %s)", e.Recipient)
}
