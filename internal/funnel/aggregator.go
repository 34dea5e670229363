package funnel

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/humano-saude/funnel-api/internal/model"
	"github.com/humano-saude/funnel-api/internal/store"
)

// Dashboard is one refresh of a broker's funnel view: the filtered page of
// leads plus the whole-funnel summary.
type Dashboard struct {
	Leads   []model.Lead        `json:"leads"`
	Total   int                 `json:"total"`
	Page    int                 `json:"page"`
	Pages   int                 `json:"pages"`
	Summary model.FunnelSummary `json:"summary"`
}

// Aggregator composes lead pages and status counts from the store.
type Aggregator struct {
	store store.Store
}

func NewAggregator(s store.Store) *Aggregator {
	return &Aggregator{store: s}
}

// Dashboard returns one page of leads under filter together with the
// summary over the broker's whole funnel. The summary ignores the filter so
// the totals stay stable while the broker narrows the list.
func (a *Aggregator) Dashboard(ctx context.Context, brokerID string, filter store.LeadFilter) (*Dashboard, error) {
	leads, total, err := a.store.QueryLeads(ctx, brokerID, filter)
	if err != nil {
		return nil, eris.Wrap(err, "funnel: query leads")
	}

	counts, err := a.store.StatusCounts(ctx, brokerID)
	if err != nil {
		return nil, eris.Wrap(err, "funnel: status counts")
	}

	pages := 0
	if filter.PageSize > 0 {
		pages = (total + filter.PageSize - 1) / filter.PageSize
	}

	return &Dashboard{
		Leads:   leads,
		Total:   total,
		Page:    filter.Page,
		Pages:   pages,
		Summary: Summarize(counts),
	}, nil
}

// Summarize folds raw status counts into the funnel summary. Total is the
// sum of all buckets and the conversion rate is the rounded percentage of
// closed leads over total, zero for an empty funnel.
func Summarize(counts map[model.LeadStatus]int) model.FunnelSummary {
	s := model.FunnelSummary{
		Simulated:    counts[model.StatusSimulated],
		Contacted:    counts[model.StatusContacted],
		UnderReview:  counts[model.StatusUnderReview],
		ProposalSent: counts[model.StatusProposalSent],
		Closed:       counts[model.StatusClosed],
		Lost:         counts[model.StatusLost],
	}
	s.Total = s.Simulated + s.Contacted + s.UnderReview + s.ProposalSent + s.Closed + s.Lost
	if s.Total > 0 {
		s.ConversionRate = int(math.Round(float64(s.Closed) / float64(s.Total) * 100))
	}
	return s
}

// Watch polls the dashboard at the given interval and hands each refresh to
// fn, starting with an immediate one. Refresh errors are logged and the
// loop keeps going; it stops when ctx is canceled.
func (a *Aggregator) Watch(ctx context.Context, brokerID string, filter store.LeadFilter, interval time.Duration, fn func(*Dashboard)) error {
	refresh := func() {
		d, err := a.Dashboard(ctx, brokerID, filter)
		if err != nil {
			if ctx.Err() == nil {
				zap.L().Warn("funnel refresh failed", zap.String("broker_id", brokerID), zap.Error(err))
			}
			return
		}
		fn(d)
	}

	refresh()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			refresh()
		}
	}
}
