package usecase

import "context"

// MetricsSummary represents aggregated pipeline insights.
type MetricsSummary struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	Identifications    int64   `json:"identifications"`
	Vocalizations      int64   `json:"vocalizations"`
	SuccessRate        float64 `json:"success_rate"`
	AverageLatencyMs   float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates metrics from persisted records.
func (uc *EquipmentUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.store == nil {
		return nil, ErrStoreUnavailable
	}
	aggregation, err := uc.store.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:      aggregation.TotalCount,
		SuccessfulRequests: aggregation.SuccessCount,
		Identifications:    aggregation.IdentifyCount,
		Vocalizations:      aggregation.VocalizeCount,
		AverageLatencyMs:   aggregation.AverageLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
