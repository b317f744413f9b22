package broker

import (
	"context"
	"time"
)

// SubscriptionChange is published after a subscription row was written
type SubscriptionChange struct {
	SubscriptionID         string    `json:"subscriptionId"`
	ExternalSubscriptionID string    `json:"externalSubscriptionId"`
	UserID                 string    `json:"userId"`
	Email                  string    `json:"email"`
	PlanID                 string    `json:"planId"`
	CourseID               string    `json:"courseId,omitempty"`
	Status                 string    `json:"status"`
	EndDate                time.Time `json:"endDate"`
	Trigger                string    `json:"trigger"`
	OccurredAt             time.Time `json:"occurredAt"`
}

// Publisher defines the interface for fanning out subscription changes via message broker
type Publisher interface {
	Close()
	PublishSubscriptionChange(ctx context.Context, change SubscriptionChange) error
}

// Noop discards every change. Used when no broker is configured.
type Noop struct{}

var _ Publisher = Noop{}

func (Noop) Close() {}

func (Noop) PublishSubscriptionChange(ctx context.Context, change SubscriptionChange) error {
	return nil
}
