// Package audit carries engine and management events to the event log and
// to live subscribers without ever blocking the caller.
package audit

import (
	"context"

	"github.com/rendis/drip/internal/store"
)

// Filter selects the events a hub subscriber receives. Empty fields match all.
type Filter struct {
	TenantID   string   `json:"tenant_id,omitempty"`
	SequenceID string   `json:"sequence_id,omitempty"`
	Types      []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for audit events.
type EventHub interface {
	Publish(ctx context.Context, event *store.Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan *store.Event, func(), error)
}

func (f Filter) match(e *store.Event) bool {
	if f.TenantID != "" && f.TenantID != e.TenantID {
		return false
	}
	if f.SequenceID != "" && f.SequenceID != e.SequenceID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}
