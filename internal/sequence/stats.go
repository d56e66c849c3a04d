package sequence

import (
	"context"

	"github.com/rendis/drip/pkg/schema"
)

// Statistics combines the sequence's own counters with engagement totals
// aggregated across every subscriber state of the sequence.
func (m *Manager) Statistics(ctx context.Context, tenantID, sequenceID string) (*schema.Statistics, error) {
	seq, err := m.store.GetSequence(ctx, tenantID, sequenceID)
	if err != nil {
		return nil, err
	}
	totals, err := m.store.AggregateEngagement(ctx, tenantID, sequenceID)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "aggregate engagement").WithCause(err)
	}

	return &schema.Statistics{
		SequenceID:           seq.ID,
		TotalSubscribers:     seq.TotalSubscribers,
		ActiveSubscribers:    seq.ActiveSubscribers,
		CompletedSubscribers: seq.CompletedSubscribers,
		TotalEmailsSent:      seq.TotalEmailsSent,
		EmailsSent:           totals.EmailsSent,
		EmailsOpened:         totals.EmailsOpened,
		EmailsClicked:        totals.EmailsClicked,
		EmailsBounced:        totals.EmailsBounced,
		OpenRate:             rate(totals.EmailsOpened, totals.EmailsSent),
		ClickRate:            rate(totals.EmailsClicked, totals.EmailsOpened),
	}, nil
}

func rate(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
