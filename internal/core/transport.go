package core

import (
	"context"
	"fmt"

	"github.com/dkeye/peercall/internal/domain"
)

type EventKind string

const (
	EventInsert    EventKind = "insert"
	EventUpdate    EventKind = "update"
	EventBroadcast EventKind = "broadcast"
)

// Event is one message on a topic. From is the publishing transport client id.
type Event struct {
	Kind    EventKind `json:"kind"`
	Topic   string    `json:"topic"`
	From    string    `json:"from,omitempty"`
	Payload []byte    `json:"payload"`
}

// Handler is called sequentially per subscription, in arrival order.
type Handler func(Event)

type Subscription interface {
	// Unsubscribe releases the subscription. Safe to call more than once.
	Unsubscribe() error
}

// Transport is a topic keyed publish/subscribe primitive.
// Delivery is at-most-once, ordered within a topic per sender, with no replay.
type Transport interface {
	// ClientID identifies this endpoint in Event.From.
	ClientID() string
	// Subscribe returns once the subscription is confirmed.
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)
	Publish(ctx context.Context, ev Event) error
}

const (
	TopicCallPrefix       = "call:"
	TopicUserCallsPrefix  = "calls:"
	TopicCallRecordPrefix = "call-record:"
)

// SignalTopic carries offer/answer/candidate/hangup messages of one call.
func SignalTopic(id domain.CallID) string { return TopicCallPrefix + string(id) }

// UserCallsTopic carries insert notifications of records addressed to a callee.
func UserCallsTopic(id domain.UserID) string { return TopicUserCallsPrefix + string(id) }

// CallRecordTopic carries update notifications of one record.
func CallRecordTopic(id domain.CallID) string { return TopicCallRecordPrefix + string(id) }

// ValidTopic rejects topics outside the namespaces above.
func ValidTopic(topic string) error {
	for _, p := range []string{TopicCallPrefix, TopicUserCallsPrefix, TopicCallRecordPrefix} {
		if len(topic) > len(p) && topic[:len(p)] == p {
			return nil
		}
	}
	return fmt.Errorf("unknown topic %q", topic)
}
