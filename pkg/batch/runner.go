package batch

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pbinitiative/zenflow/internal/appcontext"
	"github.com/pbinitiative/zenflow/pkg/bpmn"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	otelPkg "github.com/pbinitiative/zenflow/pkg/otel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

type Runner struct {
	engine  Engine
	config  Config
	clock   clock.Clock
	logger  hclog.Logger
	metrics *otelPkg.BatchMetrics
	tracer  trace.Tracer
	reports *ttlcache.Cache[string, Report]
}

type RunnerOption = func(*Runner)

func NewRunner(engine Engine, config Config, options ...RunnerOption) *Runner {
	r := &Runner{
		engine: engine,
		config: config,
		clock:  clock.New(),
		logger: hclog.Default().Named("batch"),
		tracer: otel.Tracer("zenflow/batch"),
	}
	for _, option := range options {
		option(r)
	}
	if r.config.Workers < 1 {
		r.config.Workers = 1
	}
	metrics, err := otelPkg.NewBatchMetrics(otel.Meter("zenflow/batch"))
	if err != nil {
		r.logger.Error("failed to create batch metrics", "err", err)
	}
	r.metrics = metrics
	// expired reports are dropped when read, the cache runs no cleanup goroutine
	r.reports = ttlcache.New(
		ttlcache.WithTTL[string, Report](r.config.ReportTTL),
	)
	return r
}

func RunnerWithClock(c clock.Clock) RunnerOption {
	return func(r *Runner) {
		r.clock = c
	}
}

func RunnerWithLogger(logger hclog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// Report returns a finished batch report while it has not expired
func (r *Runner) Report(batchId string) (Report, bool) {
	item := r.reports.Get(batchId)
	if item == nil {
		return Report{}, false
	}
	return item.Value(), true
}

// SubmitModification runs the instructions against every selected instance, each instance in its own command
func (r *Runner) SubmitModification(ctx context.Context, b ModificationBatch) (Report, error) {
	if len(b.Instructions) == 0 {
		return Report{}, errors.New("modification instructions cannot be empty")
	}
	keys, err := r.seed(ctx, b.ProcessInstanceKeys, b.Query)
	if err != nil {
		return Report{}, err
	}
	return r.run(ctx, TypeModification, keys, func(ctx context.Context, key int64) (int64, error) {
		return 0, r.engine.ExecuteModification(ctx, bpmn.ModificationCommand{
			ProcessInstanceKey:  key,
			Instructions:        b.Instructions,
			SkipCustomListeners: b.SkipCustomListeners,
			SkipIoMappings:      b.SkipIoMappings,
			Annotation:          b.Annotation,
		})
	})
}

// SubmitRestart restarts every historic instance the command selects
func (r *Runner) SubmitRestart(ctx context.Context, cmd bpmn.RestartCommand) (Report, error) {
	keys, err := r.engine.RestartInstanceKeys(ctx, cmd)
	if err != nil {
		return Report{}, err
	}
	return r.run(ctx, TypeRestart, keys, func(ctx context.Context, key int64) (int64, error) {
		return r.engine.RestartProcessInstance(ctx, cmd, key)
	})
}

// SubmitMigration migrates every selected instance with a plan built by bpmn.MigrationPlanBuilder
func (r *Runner) SubmitMigration(ctx context.Context, b MigrationBatch) (Report, error) {
	query := b.Query
	if query != nil && query.DefinitionKey == 0 {
		q := *query
		q.DefinitionKey = b.Plan.SourceDefinitionKey
		query = &q
	}
	keys, err := r.seed(ctx, b.ProcessInstanceKeys, query)
	if err != nil {
		return Report{}, err
	}
	return r.run(ctx, TypeMigration, keys, func(ctx context.Context, key int64) (int64, error) {
		return 0, r.engine.MigrateProcessInstance(ctx, b.Plan, key)
	})
}

type unitFunc func(ctx context.Context, processInstanceKey int64) (int64, error)

func (r *Runner) run(ctx context.Context, batchType Type, keys []int64, unit unitFunc) (_ Report, retErr error) {
	batchId := uuid.NewString()
	ctx = appcontext.WithBatchId(ctx, batchId)
	ctx, span := r.tracer.Start(ctx, "batch:"+string(batchType), trace.WithAttributes(
		attribute.String(otelPkg.AttributeBatchId, batchId),
		attribute.String(otelPkg.AttributeBatchType, string(batchType)),
	))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	report := Report{
		BatchId:   batchId,
		Type:      batchType,
		Total:     len(keys),
		Failures:  map[int64]error{},
		Created:   map[int64]int64{},
		StartedAt: r.clock.Now(),
	}
	r.logger.Info("batch started", "batchId", batchId, "type", batchType, "units", len(keys))

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(r.config.Workers)
	for _, key := range keys {
		g.Go(func() error {
			created, incidentKey, err := r.runUnit(ctx, batchId, key, unit)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				report.Failures[key] = err
				if incidentKey != 0 {
					report.IncidentKeys = append(report.IncidentKeys, incidentKey)
				}
				return nil
			}
			report.Succeeded++
			if created != 0 {
				report.Created[key] = created
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := make([]int64, 0, len(report.Failures))
	for key := range report.Failures {
		failed = append(failed, key)
	}
	slices.Sort(failed)
	for _, key := range failed {
		report.Err = multierr.Append(report.Err, report.Failures[key])
	}
	slices.Sort(report.IncidentKeys)
	report.EndedAt = r.clock.Now()

	r.reports.Set(batchId, report, ttlcache.DefaultTTL)
	r.logger.Info("batch finished", "batchId", batchId, "succeeded", report.Succeeded, "failed", report.Failed)
	return report, ctx.Err()
}

// runUnit applies one unit with retries. A unit that fails for good raises an incident whose key is returned.
func (r *Runner) runUnit(ctx context.Context, batchId string, key int64, unit unitFunc) (int64, int64, error) {
	var created int64
	op := func() error {
		res, err := unit(ctx, key)
		if err == nil {
			created = res
			return nil
		}
		if !bpmn.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		if r.metrics != nil {
			r.metrics.UnitsRetried.Add(ctx, 1, metric.WithAttributes(attribute.String(otelPkg.AttributeBatchId, batchId)))
		}
		r.logger.Debug("retrying batch unit", "batchId", batchId, "processInstanceKey", key, "next", next, "err", err)
	}
	err := backoff.RetryNotify(op, r.newBackOff(ctx), notify)
	if err == nil {
		if r.metrics != nil {
			r.metrics.UnitsSucceeded.Add(ctx, 1)
		}
		return created, 0, nil
	}

	if r.metrics != nil {
		r.metrics.UnitsFailed.Add(ctx, 1)
	}
	r.logger.Warn("batch unit failed", "batchId", batchId, "processInstanceKey", key, "err", err)
	store := r.engine.Storage()
	incident := runtime.Incident{
		Key:                store.GenerateId(),
		ProcessInstanceKey: key,
		Type:               IncidentTypeFailedBatchUnit,
		Message:            err.Error(),
		BatchId:            batchId,
		CreatedAt:          r.clock.Now(),
	}
	if serr := store.SaveIncident(context.WithoutCancel(ctx), incident); serr != nil {
		r.logger.Error("failed to raise incident for batch unit", "batchId", batchId, "processInstanceKey", key, "err", serr)
		return 0, 0, err
	}
	return 0, incident.Key, err
}

func (r *Runner) newBackOff(ctx context.Context) backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.config.InitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         r.config.MaxInterval,
		Stop:                backoff.Stop,
		Clock:               r.clock,
	}
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(r.config.MaxRetries, 0))), ctx)
}
