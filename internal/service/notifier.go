package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	kgo "github.com/segmentio/kafka-go"
	"github.com/timmy/triage/internal/config"
	"github.com/timmy/triage/internal/domain"
	"github.com/timmy/triage/internal/logger"
)

// NotificationRequest is the payload handed to the notification collaborator.
type NotificationRequest struct {
	TenantID           string         `json:"tenant_id"`
	EscalationID       string         `json:"escalation_id"`
	ActivityID         string         `json:"activity_id"`
	Recipient          string         `json:"recipient"`
	Channel            domain.Channel `json:"channel"`
	Title              string         `json:"title"`
	Body               string         `json:"body"`
	Tag                string         `json:"tag"`
	RequireInteraction bool           `json:"require_interaction"`
	Score              float64        `json:"score"`
	Reasons            []string       `json:"reasons"`
}

// Notifier delivers escalation notifications.
type Notifier interface {
	Dispatch(ctx context.Context, req NotificationRequest) error
}

// NewNotifier builds the notifier selected by cfg.Driver.
func NewNotifier(cfg config.NotifyConfig) (Notifier, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	switch cfg.Driver {
	case "", "log":
		return LogNotifier{}, nil
	case "webhook":
		if cfg.WebhookURL == "" {
			return nil, domain.NewConfigurationError("notify.webhook_url is required for the webhook driver")
		}
		return NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookToken, timeout), nil
	case "kafka":
		brokers := splitCSV(cfg.KafkaBrokers)
		if len(brokers) == 0 || cfg.KafkaTopic == "" {
			return nil, domain.NewConfigurationError("notify.kafka_brokers and notify.kafka_topic are required for the kafka driver")
		}
		return NewKafkaNotifier(brokers, cfg.KafkaTopic, timeout), nil
	default:
		return nil, domain.NewConfigurationError("unknown notify driver %q", cfg.Driver)
	}
}

// LogNotifier writes notifications to the application log.
type LogNotifier struct{}

func (LogNotifier) Dispatch(ctx context.Context, req NotificationRequest) error {
	logger.With(logger.Fields{
		"recipient":     req.Recipient,
		"channel":       req.Channel,
		"tag":           req.Tag,
		"escalation_id": req.EscalationID,
	}).Info(ctx, "Notification: %s - %s", req.Title, req.Body)
	return nil
}

// WebhookNotifier posts notifications as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	client *resty.Client
	url    string
}

// NewWebhookNotifier creates a WebhookNotifier. token, when set, is sent as a
// bearer token.
func NewWebhookNotifier(url, token string, timeout time.Duration) *WebhookNotifier {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &WebhookNotifier{client: client, url: url}
}

func (n *WebhookNotifier) Dispatch(ctx context.Context, req NotificationRequest) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(req).
		Post(n.url)
	if err != nil {
		return domain.Transient(fmt.Errorf("notification webhook: %w", err))
	}
	if resp.IsError() {
		return domain.StatusError("notification webhook", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}

// KafkaNotifier publishes notifications to a Kafka topic keyed by tag, so
// repeats of the same escalation land on one partition.
type KafkaNotifier struct {
	writer  *kgo.Writer
	timeout time.Duration
}

// NewKafkaNotifier creates a KafkaNotifier.
func NewKafkaNotifier(brokers []string, topic string, timeout time.Duration) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kgo.Writer{
			Addr:         kgo.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kgo.Hash{},
			RequiredAcks: kgo.RequireOne,
		},
		timeout: timeout,
	}
}

func (n *KafkaNotifier) Dispatch(ctx context.Context, req NotificationRequest) error {
	value, err := json.Marshal(req)
	if err != nil {
		return domain.Permanent(fmt.Errorf("encode notification: %w", err))
	}

	sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	err = n.writer.WriteMessages(sendCtx, kgo.Message{
		Key:   []byte(req.Tag),
		Value: value,
		Time:  time.Now().UTC(),
	})
	if err == nil {
		return nil
	}
	var unknownTopic kgo.Error
	if errors.As(err, &unknownTopic) && unknownTopic == kgo.UnknownTopicOrPartition {
		return domain.Permanent(fmt.Errorf("publish notification: %w", err))
	}
	return domain.Transient(fmt.Errorf("publish notification: %w", err))
}

// Close flushes and closes the underlying writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
