package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// gRPC metrics
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec

	// Step execution metrics
	StepExecutionsTotal  *prometheus.CounterVec
	StepExecutionDuration *prometheus.HistogramVec
	ActiveStepExecutions *prometheus.GaugeVec

	// Pipeline execution metrics
	PipelineExecutionsTotal  *prometheus.CounterVec
	ActivePipelineExecutions prometheus.Gauge

	// Event router metrics
	EventsRoutedTotal  *prometheus.CounterVec
	TimeoutsProcessed  prometheus.Counter

	// Retention worker metrics
	RetentionDeletedTotal prometheus.Counter
	RetentionErrorsTotal  prometheus.Counter

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics
// registered against the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		GRPCRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeflow_grpc_requests_total",
				Help: "Total number of gRPC requests",
			},
			[]string{"method", "status_code"},
		),

		GRPCRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeflow_grpc_request_duration_seconds",
				Help:    "Duration of gRPC requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		StepExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeflow_step_executions_total",
				Help: "Total number of step executions",
			},
			[]string{"action_type", "status"},
		),

		StepExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeflow_step_execution_duration_seconds",
				Help:    "Duration of step executions in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"action_type"},
		),

		ActiveStepExecutions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeflow_active_step_executions",
				Help: "Number of currently running step executions",
			},
			[]string{"action_type"},
		),

		PipelineExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeflow_pipeline_executions_total",
				Help: "Total number of pipeline executions by lifecycle status (started, completed, failed, interrupted)",
			},
			[]string{"status"},
		),

		ActivePipelineExecutions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeflow_active_pipeline_executions",
				Help: "Number of pipeline executions currently RUNNING",
			},
		),

		EventsRoutedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeflow_events_routed_total",
				Help: "Total number of inbound events routed by action taken",
			},
			[]string{"action_taken"},
		),

		TimeoutsProcessed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeflow_step_timeouts_total",
				Help: "Total number of steps completed by the timeout scheduler",
			},
		),

		RetentionDeletedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeflow_retention_executions_deleted_total",
				Help: "Total number of pipeline executions removed by the retention worker",
			},
		),

		RetentionErrorsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeflow_retention_errors_total",
				Help: "Total number of per-execution errors encountered during retention sweeps",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeflow_errors_total",
				Help: "Total number of errors by component and kind",
			},
			[]string{"component", "error_kind"},
		),
	}
}

func (m *Metrics) RecordGRPCRequest(method, statusCode string) {
	m.GRPCRequestsTotal.WithLabelValues(method, statusCode).Inc()
}

func (m *Metrics) ObserveGRPCDuration(method string, seconds float64) {
	m.GRPCRequestDuration.WithLabelValues(method).Observe(seconds)
}

func (m *Metrics) RecordStepExecution(actionType, status string) {
	m.StepExecutionsTotal.WithLabelValues(actionType, status).Inc()
}

func (m *Metrics) ObserveStepDuration(actionType string, seconds float64) {
	m.StepExecutionDuration.WithLabelValues(actionType).Observe(seconds)
}

func (m *Metrics) SetActiveSteps(actionType string, count float64) {
	m.ActiveStepExecutions.WithLabelValues(actionType).Set(count)
}

func (m *Metrics) RecordPipelineExecution(status string) {
	m.PipelineExecutionsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordEventRouted(actionTaken string) {
	m.EventsRoutedTotal.WithLabelValues(actionTaken).Inc()
}

func (m *Metrics) RecordError(component, errorKind string) {
	m.ErrorsTotal.WithLabelValues(component, errorKind).Inc()
}
