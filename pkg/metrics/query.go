package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// LineageMetrics aggregates recorded metrics for one repository's lineages.
type LineageMetrics struct {
	Repo            string  `json:"repo"`
	Iterations      int64   `json:"iterations"`
	Completed       int64   `json:"completed"`
	Exhausted       int64   `json:"exhausted"`
	Failed          int64   `json:"failed"`
	AvgIterationSec float64 `json:"avg_iteration_seconds"`
}

// QueryService queries aggregated controller metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a query service against the given Prometheus
// address.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetLineageMetrics retrieves aggregated iteration metrics for a repository.
func (q *QueryService) GetLineageMetrics(ctx context.Context, repo string) (*LineageMetrics, error) {
	m := &LineageMetrics{Repo: repo}

	iterQuery := fmt.Sprintf(`sum(prloop_iterations_total{repo=%q})`, repo)
	m.Iterations = q.scalar(ctx, iterQuery)

	for _, status := range []string{"completed", "exhausted", "failed"} {
		query := fmt.Sprintf(`sum(prloop_terminals_total{repo=%q, status=%q})`, repo, status)
		value := q.scalar(ctx, query)
		switch status {
		case "completed":
			m.Completed = value
		case "exhausted":
			m.Exhausted = value
		case "failed":
			m.Failed = value
		}
	}

	avgQuery := fmt.Sprintf(
		`sum(prloop_iteration_duration_seconds_sum{repo=%q}) / sum(prloop_iteration_duration_seconds_count{repo=%q})`,
		repo, repo,
	)
	result, _, err := q.queryAPI.Query(ctx, avgQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query iteration duration: %w", err)
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		m.AvgIterationSec = float64(vector[0].Value)
	}

	return m, nil
}

// scalar runs a sum query and returns the first vector sample, or zero when
// the series does not exist yet.
func (q *QueryService) scalar(ctx context.Context, query string) int64 {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return int64(vector[0].Value)
	}
	return 0
}
