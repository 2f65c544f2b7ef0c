package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
)

const (
	EventCollectionMerged = "collection.merged"
	envelopeVersion       = 1
)

// Envelope is the stable payload structure for every published event.
type Envelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	EventType  string          `json:"eventType"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

// CollectionMerged is emitted after guest items land in a shopper's account.
type CollectionMerged struct {
	Kind       string   `json:"kind"`
	OwnerID    string   `json:"ownerId"`
	SubjectIDs []string `json:"subjectIds"`
}

type messagePublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

// CollectionEvents publishes collection lifecycle events to one topic.
type CollectionEvents struct {
	pub   messagePublisher
	clock func() time.Time
}

func NewCollectionEvents(pub *pubsub.Publisher) *CollectionEvents {
	return &CollectionEvents{pub: pub, clock: time.Now}
}

// PublishMerged blocks until the server acknowledges the message.
func (e *CollectionEvents) PublishMerged(ctx context.Context, kind, ownerID string, subjectIDs []string) error {
	if e == nil || e.pub == nil {
		return fmt.Errorf("collection events publisher not configured")
	}
	data, err := json.Marshal(CollectionMerged{Kind: kind, OwnerID: ownerID, SubjectIDs: subjectIDs})
	if err != nil {
		return fmt.Errorf("marshal merge event: %w", err)
	}
	env := Envelope{
		Version:    envelopeVersion,
		EventID:    uuid.NewString(),
		EventType:  EventCollectionMerged,
		OccurredAt: e.clock().UTC(),
		Data:       data,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	result := e.pub.Publish(ctx, &pubsub.Message{
		Data: body,
		Attributes: map[string]string{
			"event_type": EventCollectionMerged,
			"kind":       kind,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", EventCollectionMerged, err)
	}
	return nil
}
