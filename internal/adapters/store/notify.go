// Package store persists call records and profiles and announces row changes on the transport.
package store

import (
	"context"
	"encoding/json"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/rs/zerolog/log"
)

// notifier publishes row-change events. A nil transport disables it.
type notifier struct {
	t core.Transport
}

func (n notifier) inserted(ctx context.Context, rec domain.CallRecord) {
	n.publish(ctx, core.Event{Kind: core.EventInsert, Topic: core.UserCallsTopic(rec.CalleeID)}, rec)
}

func (n notifier) updated(ctx context.Context, rec domain.CallRecord) {
	n.publish(ctx, core.Event{Kind: core.EventUpdate, Topic: core.CallRecordTopic(rec.ID)}, rec)
}

func (n notifier) publish(ctx context.Context, ev core.Event, rec domain.CallRecord) {
	if n.t == nil {
		return
	}
	b, err := json.Marshal(rec)
	if err != nil {
		log.Error().Err(err).Str("module", "store").Msg("marshal record")
		return
	}
	ev.Payload = b
	if err := n.t.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("module", "store").Str("topic", ev.Topic).Str("call_id", string(rec.ID)).Msg("row change not published")
	}
}
