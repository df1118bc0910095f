// Package notify is the notification delivery queue: multi-channel fan-out
// with priorities, retries, scheduling and alert escalation.
package notify

import (
	"context"
	"sync"
	"time"

	"attendguard/internal/model"
)

// Policy configures routing and retry behavior. It is loaded from the policy
// file; zero fields take the defaults from DefaultPolicy.
type Policy struct {
	Channels        map[model.Priority][]model.Channel        `yaml:"channels"`
	Escalation      map[model.Priority]model.EscalationPolicy `yaml:"escalation"`
	MaxRetries      int                                       `yaml:"max_retries"`
	BaseBackoff     time.Duration                             `yaml:"base_backoff"`
	MaxBackoff      time.Duration                             `yaml:"max_backoff"`
	DeliveryTimeout time.Duration                             `yaml:"delivery_timeout"`
	BatchSize       int                                       `yaml:"batch_size"`
	Concurrency     int                                       `yaml:"concurrency"`
	TickInterval    time.Duration                             `yaml:"tick_interval"`
	RatePerMinute   int                                       `yaml:"rate_per_minute"`
	RateBurst       int                                       `yaml:"rate_burst"`
}

// DefaultPolicy returns the built-in routing matrix and queue settings.
func DefaultPolicy() Policy {
	return Policy{
		Channels: map[model.Priority][]model.Channel{
			model.PriorityLow:       {model.ChannelInApp},
			model.PriorityNormal:    {model.ChannelInApp, model.ChannelEmail},
			model.PriorityHigh:      {model.ChannelInApp, model.ChannelEmail, model.ChannelPush},
			model.PriorityCritical:  {model.ChannelInApp, model.ChannelEmail, model.ChannelPush, model.ChannelSMS},
			model.PriorityEmergency: {model.ChannelInApp, model.ChannelEmail, model.ChannelPush, model.ChannelSMS, model.ChannelWebhook},
		},
		Escalation: map[model.Priority]model.EscalationPolicy{
			model.PriorityHigh: {
				Enabled: true, DelaySeconds: 900, EscalateToRoles: []string{"department_head"}, MaxEscalations: 1,
			},
			model.PriorityCritical: {
				Enabled: true, DelaySeconds: 300, EscalateToRoles: []string{"department_head", "security_admin"}, MaxEscalations: 2,
			},
			model.PriorityEmergency: {
				Enabled: true, DelaySeconds: 60, EscalateToRoles: []string{"security_admin", "dean"}, MaxEscalations: 3,
			},
		},
		MaxRetries:      3,
		BaseBackoff:     5 * time.Second,
		MaxBackoff:      5 * time.Minute,
		DeliveryTimeout: 10 * time.Second,
		BatchSize:       10,
		Concurrency:     5,
		TickInterval:    time.Second,
		RatePerMinute:   30,
		RateBurst:       10,
	}
}

// WithDefaults fills zero fields from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	d := DefaultPolicy()
	channels := make(map[model.Priority][]model.Channel, len(d.Channels))
	for pr, ch := range d.Channels {
		channels[pr] = ch
	}
	for pr, ch := range p.Channels {
		if len(ch) > 0 {
			channels[pr] = ch
		}
	}
	p.Channels = channels
	if p.Escalation == nil {
		p.Escalation = d.Escalation
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = d.MaxRetries
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = d.BaseBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.DeliveryTimeout <= 0 {
		p.DeliveryTimeout = d.DeliveryTimeout
	}
	if p.BatchSize <= 0 {
		p.BatchSize = d.BatchSize
	}
	if p.Concurrency <= 0 {
		p.Concurrency = d.Concurrency
	}
	if p.TickInterval <= 0 {
		p.TickInterval = d.TickInterval
	}
	if p.RatePerMinute == 0 {
		p.RatePerMinute = d.RatePerMinute
	}
	if p.RateBurst <= 0 {
		p.RateBurst = d.RateBurst
	}
	return p
}

// ChannelsFor returns the channels a priority fans out to.
func (p Policy) ChannelsFor(pr model.Priority) []model.Channel {
	if ch, ok := p.Channels[pr]; ok && len(ch) > 0 {
		return ch
	}
	return []model.Channel{model.ChannelInApp}
}

// Contact is how a recipient is reached on each channel. Empty fields mean
// the channel is unavailable for that recipient.
type Contact struct {
	Email      string `yaml:"email"`
	Phone      string `yaml:"phone"`
	PushToken  string `yaml:"push_token"`
	WebhookURL string `yaml:"webhook_url"`
}

// Directory resolves recipients and escalation roles.
type Directory interface {
	Contact(ctx context.Context, recipientID string) (Contact, error)
	Members(ctx context.Context, role string) ([]string, error)
}

// StaticDirectory is a Directory loaded from configuration.
type StaticDirectory struct {
	mu       sync.RWMutex
	contacts map[string]Contact
	roles    map[string][]string
}

// NewStaticDirectory copies the given maps.
func NewStaticDirectory(contacts map[string]Contact, roles map[string][]string) *StaticDirectory {
	d := &StaticDirectory{contacts: make(map[string]Contact), roles: make(map[string][]string)}
	for k, v := range contacts {
		d.contacts[k] = v
	}
	for k, v := range roles {
		d.roles[k] = append([]string(nil), v...)
	}
	return d
}

// Contact returns the recipient's contact details, or an empty Contact.
func (d *StaticDirectory) Contact(_ context.Context, recipientID string) (Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.contacts[recipientID], nil
}

// Members lists the recipients holding role.
func (d *StaticDirectory) Members(_ context.Context, role string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.roles[role]...), nil
}

// SetContact adds or replaces a recipient's contact details.
func (d *StaticDirectory) SetContact(recipientID string, c Contact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contacts[recipientID] = c
}
