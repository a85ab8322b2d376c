// Package eventbus provides fire-and-forget publication of cell, user,
// and audit events. Publication never blocks or fails the originating
// request; delivery failures are logged and counted, never returned to
// the caller that triggered the event.
package eventbus

import (
	"context"
	"encoding/json"
	"time"
)

// Topic names the three event streams the bus carries.
type Topic string

const (
	TopicCell  Topic = "cell"
	TopicUser  Topic = "user"
	TopicAudit Topic = "audit"
)

// Event is a single record on any topic.
type Event struct {
	Key       string                 `json:"key"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

// Handler is invoked once per incoming record on a subscribed topic.
type Handler func(ctx context.Context, topic Topic, event Event)

// Bus is the common surface for both the in-process and Redis-backed
// implementations.
type Bus interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Publish(ctx context.Context, topic Topic, key string, payload map[string]interface{})
	Subscribe(topic Topic, handler Handler)
}

func marshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
