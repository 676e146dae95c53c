package quota

import (
	"context"
	"sort"
	"time"

	"github.com/vireohq/creditmeter/internal/plan"
)

// UsageAnalytics summarizes a workspace's consumption over a trailing window.
// Every number here is derived from the transaction log, never from ledger
// snapshots, so the figures always reconcile with the audit trail.
type UsageAnalytics struct {
	WorkspaceID     string           `json:"workspaceId"`
	Days            int              `json:"days"`
	From            time.Time        `json:"from"`
	To              time.Time        `json:"to"`
	TotalConsumed   int              `json:"totalConsumed"`
	TotalPurchased  int              `json:"totalPurchased"`
	OperationCount  int              `json:"operationCount"`
	AvgPerOperation float64          `json:"avgPerOperation"`
	Daily           []*DailyUsage    `json:"daily"`
	ByFeature       []*FeatureUsage  `json:"byFeature"`
	TopConsumers    []*ConsumerUsage `json:"topConsumers"`
	DailyAverage    float64          `json:"dailyAverage"`
	ProjectedMonth  int              `json:"projectedMonth"`
	BusiestFeature  plan.Feature     `json:"busiestFeature,omitempty"`
}

// DailyUsage is one day's bucket in the usage series. Days with no activity
// are present with zero values so charts render contiguous axes.
type DailyUsage struct {
	Date       string `json:"date"` // YYYY-MM-DD, UTC
	Consumed   int    `json:"consumed"`
	Operations int    `json:"operations"`
}

// FeatureUsage aggregates consumption for one feature.
type FeatureUsage struct {
	Feature    plan.Feature `json:"feature"`
	Consumed   int          `json:"consumed"`
	Operations int          `json:"operations"`
	Share      float64      `json:"share"` // fraction of total consumed, 0-1
}

// ConsumerUsage aggregates consumption for one member of the workspace.
type ConsumerUsage struct {
	UserID     string `json:"userId"`
	Consumed   int    `json:"consumed"`
	Operations int    `json:"operations"`
}

const topConsumerCap = 10

// AnalyticsService computes usage rollups from the transaction log.
type AnalyticsService struct {
	store Store
	now   func() time.Time
}

// NewAnalyticsService creates an analytics service backed by the given store.
func NewAnalyticsService(store Store) *AnalyticsService {
	return &AnalyticsService{store: store, now: time.Now}
}

// Usage computes the trailing-window rollup for a workspace. days is clamped
// to [1, 365].
func (a *AnalyticsService) Usage(ctx context.Context, workspaceID string, days int) (*UsageAnalytics, error) {
	if days <= 0 {
		days = 30
	}
	if days > 365 {
		days = 365
	}

	to := a.now().UTC()
	from := to.AddDate(0, 0, -days).Truncate(24 * time.Hour)

	txns, err := a.store.TransactionsSince(ctx, workspaceID, from)
	if err != nil {
		return nil, err
	}

	result := &UsageAnalytics{
		WorkspaceID: workspaceID,
		Days:        days,
		From:        from,
		To:          to,
	}

	daily := make(map[string]*DailyUsage)
	features := make(map[plan.Feature]*FeatureUsage)
	consumers := make(map[string]*ConsumerUsage)

	for _, txn := range txns {
		switch txn.Type {
		case TxPurchase:
			result.TotalPurchased += txn.Amount
			continue
		case TxConsumption:
			// fall through to the buckets below
		default:
			continue
		}

		consumed := -txn.Amount
		result.TotalConsumed += consumed
		result.OperationCount++

		day := txn.CreatedAt.UTC().Format("2006-01-02")
		d, ok := daily[day]
		if !ok {
			d = &DailyUsage{Date: day}
			daily[day] = d
		}
		d.Consumed += consumed
		d.Operations++

		f, ok := features[txn.Feature]
		if !ok {
			f = &FeatureUsage{Feature: txn.Feature}
			features[txn.Feature] = f
		}
		f.Consumed += consumed
		f.Operations++

		if txn.UserID != "" {
			c, ok := consumers[txn.UserID]
			if !ok {
				c = &ConsumerUsage{UserID: txn.UserID}
				consumers[txn.UserID] = c
			}
			c.Consumed += consumed
			c.Operations++
		}
	}

	if result.OperationCount > 0 {
		result.AvgPerOperation = float64(result.TotalConsumed) / float64(result.OperationCount)
	}
	result.DailyAverage = float64(result.TotalConsumed) / float64(days)
	result.ProjectedMonth = int(result.DailyAverage * 30)

	result.Daily = fillDaily(daily, from, to)
	result.ByFeature = sortFeatures(features, result.TotalConsumed)
	if len(result.ByFeature) > 0 {
		result.BusiestFeature = result.ByFeature[0].Feature
	}
	result.TopConsumers = sortConsumers(consumers)

	return result, nil
}

// fillDaily materializes a contiguous day series from from to to inclusive.
func fillDaily(daily map[string]*DailyUsage, from, to time.Time) []*DailyUsage {
	series := make([]*DailyUsage, 0, len(daily))
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		key := day.Format("2006-01-02")
		if d, ok := daily[key]; ok {
			series = append(series, d)
		} else {
			series = append(series, &DailyUsage{Date: key})
		}
	}
	return series
}

func sortFeatures(features map[plan.Feature]*FeatureUsage, total int) []*FeatureUsage {
	out := make([]*FeatureUsage, 0, len(features))
	for _, f := range features {
		if total > 0 {
			f.Share = float64(f.Consumed) / float64(total)
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Consumed != out[j].Consumed {
			return out[i].Consumed > out[j].Consumed
		}
		return out[i].Feature < out[j].Feature
	})
	return out
}

func sortConsumers(consumers map[string]*ConsumerUsage) []*ConsumerUsage {
	out := make([]*ConsumerUsage, 0, len(consumers))
	for _, c := range consumers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Consumed != out[j].Consumed {
			return out[i].Consumed > out[j].Consumed
		}
		return out[i].UserID < out[j].UserID
	})
	if len(out) > topConsumerCap {
		out = out[:topConsumerCap]
	}
	return out
}
