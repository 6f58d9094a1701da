package otel

import (
	"errors"

	"go.opentelemetry.io/otel/metric"
)

type EngineMetrics struct {
	ProcessesStarted      metric.Int64Counter
	ProcessesEnded        metric.Int64Counter
	ProcessesRunning      metric.Int64UpDownCounter
	JobsCreated           metric.Int64Counter
	JobsCompleted         metric.Int64Counter
	ModificationsExecuted metric.Int64Counter
	ModificationsFailed   metric.Int64Counter
	InstructionsApplied   metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*EngineMetrics, error) {
	var errJoin error

	processesStartedTotal, err := meter.Int64Counter("processes_started", metric.WithDescription("Number of processes started"))
	errJoin = errors.Join(errJoin, err)

	processesCompletedTotal, err := meter.Int64Counter("processes_completed", metric.WithDescription("Number of processes completed"))
	errJoin = errors.Join(errJoin, err)

	processesRunning, err := meter.Int64UpDownCounter("processes_running", metric.WithDescription("Number of processes currently running"))
	errJoin = errors.Join(errJoin, err)

	jobsCreated, err := meter.Int64Counter("jobs_created", metric.WithDescription("Number of jobs created"))
	errJoin = errors.Join(errJoin, err)

	jobsCompleted, err := meter.Int64Counter("jobs_completed", metric.WithDescription("Number of jobs completed"))
	errJoin = errors.Join(errJoin, err)

	modificationsExecuted, err := meter.Int64Counter("modifications_executed", metric.WithDescription("Number of modification commands committed"))
	errJoin = errors.Join(errJoin, err)

	modificationsFailed, err := meter.Int64Counter("modifications_failed", metric.WithDescription("Number of modification commands rolled back"))
	errJoin = errors.Join(errJoin, err)

	instructionsApplied, err := meter.Int64Counter("instructions_applied", metric.WithDescription("Number of modification instructions applied by kind"))
	errJoin = errors.Join(errJoin, err)

	metrics := EngineMetrics{
		ProcessesStarted:      processesStartedTotal,
		ProcessesEnded:        processesCompletedTotal,
		ProcessesRunning:      processesRunning,
		JobsCreated:           jobsCreated,
		JobsCompleted:         jobsCompleted,
		ModificationsExecuted: modificationsExecuted,
		ModificationsFailed:   modificationsFailed,
		InstructionsApplied:   instructionsApplied,
	}
	return &metrics, errJoin
}

type BatchMetrics struct {
	UnitsSucceeded metric.Int64Counter
	UnitsFailed    metric.Int64Counter
	UnitsRetried   metric.Int64Counter
}

func NewBatchMetrics(meter metric.Meter) (*BatchMetrics, error) {
	var errJoin error

	succeeded, err := meter.Int64Counter("batch_units_succeeded", metric.WithDescription("Number of batch units applied"))
	errJoin = errors.Join(errJoin, err)

	failed, err := meter.Int64Counter("batch_units_failed", metric.WithDescription("Number of batch units that failed after all retries"))
	errJoin = errors.Join(errJoin, err)

	retried, err := meter.Int64Counter("batch_units_retried", metric.WithDescription("Number of batch unit retries"))
	errJoin = errors.Join(errJoin, err)

	return &BatchMetrics{
		UnitsSucceeded: succeeded,
		UnitsFailed:    failed,
		UnitsRetried:   retried,
	}, errJoin
}
