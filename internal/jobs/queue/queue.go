// Package queue carries generation work items with at-least-once delivery.
// A message only names a request id; all request state lives in the store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is the wire payload: {"request_id": "<uuid>"}.
type Message struct {
	RequestID uuid.UUID `json:"request_id"`
}

var ErrMalformed = errors.New("queue: malformed message")

func Encode(m Message) ([]byte, error) {
	if m.RequestID == uuid.Nil {
		return nil, fmt.Errorf("%w: empty request_id", ErrMalformed)
	}
	return json.Marshal(m)
}

func Decode(raw []byte) (Message, error) {
	var wire struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	id, err := uuid.Parse(strings.TrimSpace(wire.RequestID))
	if err != nil || id == uuid.Nil {
		return Message{}, fmt.Errorf("%w: request_id %q", ErrMalformed, wire.RequestID)
	}
	return Message{RequestID: id}, nil
}

// Delivery is one receipt of a message. Attempt counts deliveries of the same
// message, starting at 1.
type Delivery struct {
	ID      string
	Payload []byte
	Attempt int
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

type Consumer interface {
	// Receive blocks for at most the driver's poll window. It returns a nil
	// delivery and nil error when nothing arrived.
	Receive(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Nack releases the delivery for redelivery no sooner than delay. Drivers
	// without delayed release redeliver after the lease expires instead.
	Nack(ctx context.Context, d *Delivery, delay time.Duration) error
	// Extend renews the lease of an in-flight delivery.
	Extend(ctx context.Context, d *Delivery) error
}

type Queue interface {
	Publisher
	Consumer
	Close() error
}
