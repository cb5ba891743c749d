// Package pubsub is the scoped broadcast primitive used for change streams,
// presence, typing and notifications.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
)

// Message is what travels on the bus.
type Message struct {
	// Topic is the scope the message was broadcast to, e.g. "conversation.<id>".
	Topic string
	// UserID is the user that caused the message, if any.
	UserID string
	// Payload is the JSON body.
	Payload []byte
	// Metadata carries transport-level attributes such as the origin instance.
	Metadata map[string]string
}

// Handler processes one received message.
type Handler func(ctx context.Context, msg Message) error

// Publisher sends messages to a topic.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Subscriber listens on a topic until ctx is cancelled.
type Subscriber interface {
	// Subscribe starts delivering messages for topic to handler and returns immediately.
	// Delivery to a single subscription is sequential.
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}

// PubSub is both halves of the bus.
type PubSub interface {
	Publisher
	Subscriber
}

// Topic names.
func ConversationTopic(conversationID string) string { return "conversation." + conversationID }
func DirectoryTopic(userID string) string            { return "directory." + userID }
func PresenceTopic(scope string) string              { return "presence." + scope }
func TypingTopic(conversationID string) string       { return "typing." + conversationID }
func NotificationTopic(userID string) string         { return "notifications." + userID }

// PublishJSON marshals v and publishes it on topic.
func PublishJSON(ctx context.Context, pub Publisher, topic, userID string, v any, metadata map[string]string) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return pub.Publish(ctx, Message{Topic: topic, UserID: userID, Payload: payload, Metadata: metadata})
}

// Decode unmarshals msg's payload into T.
func Decode[T any](msg Message) (T, error) {
	var v T
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", msg.Topic, err)
	}
	return v, nil
}
