// Package events publishes user lifecycle events for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"haven-service/internal/client"
	"haven-service/internal/models"
	"haven-service/internal/util"
)

type Type string

const (
	UserCreated   Type = "user.created"
	UserOnboarded Type = "user.onboarded"
	UserUpdated   Type = "user.updated"
	UserBlocked   Type = "user.blocked"
)

type Event struct {
	ID         string               `json:"id"`
	Type       Type                 `json:"type"`
	ClerkID    string               `json:"clerkId"`
	UserID     string               `json:"userId"`
	KYCStatus  models.KYCStatus     `json:"kycStatus"`
	Status     models.AccountStatus `json:"status"`
	Fields     []string             `json:"fields,omitempty"`
	OccurredAt time.Time            `json:"occurredAt"`
}

// NewEvent snapshots u's compliance state under a fresh event id.
func NewEvent(t Type, u *models.User, fields ...string) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       t,
		ClerkID:    u.ClerkID,
		UserID:     u.ID,
		KYCStatus:  u.KYCStatus,
		Status:     u.Status,
		Fields:     fields,
		OccurredAt: time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Producer is the subset of the Kafka producer used here.
type Producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

var _ Producer = (*client.KafkaProducer)(nil)

type KafkaPublisher struct {
	producer Producer
	topic    string
}

func NewKafkaPublisher(p Producer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: p, topic: topic}
}

// Publish keys by identity id so one user's events stay ordered on a partition.
func (k *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	headers := map[string]string{
		"event-type": string(evt.Type),
		"event-id":   evt.ID,
	}
	return k.producer.ProduceMessage(ctx, k.topic, []byte(evt.ClerkID), value, headers)
}

// LogPublisher only logs events. Used when Kafka is disabled.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, evt Event) error {
	util.Debug("Lifecycle event",
		zap.String("type", string(evt.Type)),
		util.Identity(evt.ClerkID),
		zap.String("event_id", evt.ID))
	return nil
}
