package notifications

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/resend/resend-go/v2"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

var (
	// ErrEmailDisabled is returned by NoopSender.
	ErrEmailDisabled = errors.New("notifications: email delivery is not configured")

	errMissingRecipient = errors.New("notifications: recipient required")
)

// Message is a rendered transactional email.
type Message struct {
	To      string
	Subject string
	HTML    string
}

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, message Message) error
}

// ResendConfig configures ResendSender.
type ResendConfig struct {
	APIKey string
	From   string
	// BaseURL overrides the Resend API endpoint; empty uses the default.
	BaseURL string
}

// ResendSender sends email through the Resend API.
type ResendSender struct {
	client *resend.Client
	from   string
}

// NewResendSender validates the configuration and constructs a ResendSender.
func NewResendSender(cfg ResendConfig) (*ResendSender, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("notifications: resend api key required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("notifications: from address required")
	}
	client := resend.NewClient(cfg.APIKey)
	if cfg.BaseURL != "" {
		baseURL, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("notifications: parse base url: %w", err)
		}
		client.BaseURL = baseURL
	}
	return &ResendSender{client: client, from: cfg.From}, nil
}

// Send implements Sender.
func (s *ResendSender) Send(ctx context.Context, message Message) error {
	if strings.TrimSpace(message.To) == "" {
		return errMissingRecipient
	}
	request := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{message.To},
		Subject: message.Subject,
		Html:    message.HTML,
	}
	if _, err := s.client.Emails.SendWithContext(ctx, request); err != nil {
		return fmt.Errorf("notifications: resend: %w", err)
	}
	return nil
}

// BreakerConfig configures BreakerSender.
type BreakerConfig struct {
	Name string
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
	Logger      *zap.Logger
}

// BreakerSender stops calling a failing provider until it recovers.
type BreakerSender struct {
	next    Sender
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// NewBreakerSender wraps next with a circuit breaker.
func NewBreakerSender(next Sender, cfg BreakerConfig) *BreakerSender {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name := cfg.Name
	if name == "" {
		name = "email"
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("email circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &BreakerSender{next: next, breaker: gobreaker.NewCircuitBreaker[struct{}](settings)}
}

// Send implements Sender.
func (s *BreakerSender) Send(ctx context.Context, message Message) error {
	_, err := s.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, s.next.Send(ctx, message)
	})
	return err
}

// NoopSender drops every message and reports ErrEmailDisabled.
type NoopSender struct{}

// Send implements Sender.
func (NoopSender) Send(context.Context, Message) error {
	return ErrEmailDisabled
}
