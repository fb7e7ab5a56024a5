package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// Summary aggregates router and worker counters across the fleet.
type Summary struct {
	MessagesSent        float64 `json:"messages_sent"`
	MessagesDelivered   float64 `json:"messages_delivered"`
	MessagesUndelivered float64 `json:"messages_undelivered"`
	AlertsRaised        float64 `json:"alerts_raised"`
	WorkerFailures      float64 `json:"worker_failures"`
}

// Sample is one labelled value of an instant query.
type Sample struct {
	Labels map[string]string `json:"labels"`
	Value  float64           `json:"value"`
}

// QueryService provides methods to query metrics from Prometheus.
type QueryService struct {
	client    api.Client
	queryAPI  v1.API
	namespace string
	now       func() time.Time
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL, namespace string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	return &QueryService{
		client:    client,
		queryAPI:  v1.NewAPI(client),
		namespace: namespace,
		now:       time.Now,
	}, nil
}

// Query runs an instant PromQL query and flattens the vector result.
func (q *QueryService) Query(ctx context.Context, expr string) ([]Sample, error) {
	result, _, err := q.queryAPI.Query(ctx, expr, q.now())
	if err != nil {
		return nil, fmt.Errorf("failed to query %q: %w", expr, err)
	}

	switch v := result.(type) {
	case model.Vector:
		samples := make([]Sample, 0, len(v))
		for _, s := range v {
			labels := make(map[string]string, len(s.Metric))
			for name, value := range s.Metric {
				labels[string(name)] = string(value)
			}
			samples = append(samples, Sample{Labels: labels, Value: float64(s.Value)})
		}
		return samples, nil
	case *model.Scalar:
		return []Sample{{Labels: map[string]string{}, Value: float64(v.Value)}}, nil
	default:
		return nil, fmt.Errorf("unsupported result type %s for %q", result.Type(), expr)
	}
}

func (q *QueryService) scalar(ctx context.Context, expr string) (float64, error) {
	samples, err := q.Query(ctx, expr)
	if err != nil {
		return 0, err
	}
	if len(samples) == 0 {
		return 0, nil
	}
	return samples[0].Value, nil
}

// GetSummary retrieves fleet-wide message and failure totals.
func (q *QueryService) GetSummary(ctx context.Context) (*Summary, error) {
	summary := &Summary{}
	targets := []struct {
		dst  *float64
		name string
	}{
		{&summary.MessagesSent, "messages_sent_total"},
		{&summary.MessagesDelivered, "messages_delivered_total"},
		{&summary.MessagesUndelivered, "messages_undelivered_total"},
		{&summary.AlertsRaised, "alerts_raised_total"},
		{&summary.WorkerFailures, "worker_failures_total"},
	}
	for _, t := range targets {
		value, err := q.scalar(ctx, fmt.Sprintf(`sum(%s_%s)`, q.namespace, t.name))
		if err != nil {
			return nil, err
		}
		*t.dst = value
	}
	return summary, nil
}

// GetThinkLatency returns the p95 reasoning latency in seconds per worker.
func (q *QueryService) GetThinkLatency(ctx context.Context, window time.Duration) (map[string]float64, error) {
	expr := fmt.Sprintf(
		`histogram_quantile(0.95, sum by (worker_id, le) (rate(%s_think_duration_seconds_bucket[%s])))`,
		q.namespace, model.Duration(window))
	samples, err := q.Query(ctx, expr)
	if err != nil {
		return nil, err
	}

	result := make(map[string]float64, len(samples))
	for _, s := range samples {
		result[s.Labels["worker_id"]] = s.Value
	}
	return result, nil
}

// WorkerIDs lists the workers that have reported reasoning metrics, sorted.
func (q *QueryService) WorkerIDs(ctx context.Context) ([]string, error) {
	samples, err := q.Query(ctx, fmt.Sprintf(`group by (worker_id) (%s_think_duration_seconds_count)`, q.namespace))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(samples))
	for _, s := range samples {
		if id := s.Labels["worker_id"]; id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
