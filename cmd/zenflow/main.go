package main

import (
	"context"
	"flag"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pbinitiative/zenflow/internal/config"
	"github.com/pbinitiative/zenflow/internal/log"
	"github.com/pbinitiative/zenflow/internal/otel"
	"github.com/pbinitiative/zenflow/internal/profile"
	"github.com/pbinitiative/zenflow/pkg/batch"
	"github.com/pbinitiative/zenflow/pkg/bpmn"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"github.com/pbinitiative/zenflow/pkg/storage/inmemory"
	otelApi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

func main() {
	planFile := flag.String("plan", "", "YAML plan applied after the deployment")
	flag.Parse()

	profile.InitProfile()
	log.Init()
	defer log.Sync()

	appContext, ctxCancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer ctxCancel()

	conf := config.InitConfig()

	openTelemetry, err := otel.SetupOtel(conf.Tracing)
	if err != nil {
		log.Error("Failed to set up OTEL: %s", err)
		os.Exit(1)
	}
	defer openTelemetry.Stop(context.Background())

	reports, err := run(appContext, conf, *planFile)
	if err != nil {
		log.Errorf(appContext, "Failed to apply plan: %s", err)
		os.Exit(1)
	}
	for _, report := range reports {
		log.Infof(appContext, "Batch %s (%s): %d of %d units succeeded", report.BatchId, report.Type, report.Succeeded, report.Total)
		if report.Err != nil {
			log.Errorf(appContext, "Batch %s failures: %s", report.BatchId, report.Err)
		}
	}
}

func engineConfig(conf config.Engine) (bpmn.EngineConfig, error) {
	offset, err := bpmn.ParseJobDueDateOffset(conf.JobDueDateOffset)
	if err != nil {
		return bpmn.EngineConfig{}, fmt.Errorf("invalid jobDueDateOffset: %w", err)
	}
	return bpmn.EngineConfig{
		SkipCustomListenersDefault: conf.SkipCustomListeners,
		SkipIoMappingsDefault:      conf.SkipIoMappings,
		EnsureJobDueDateSet:        conf.EnsureJobDueDateSet,
		JobDueDateOffset:           offset,
		ValidateTreeShape:          conf.ValidateTreeShape,
		DefinitionCacheSize:        conf.DefinitionCacheSize,
		DefinitionCacheTTL:         conf.DefinitionCacheTtl,
		JsVmPoolMin:                conf.JsVmPoolMin,
		JsVmPoolMax:                conf.JsVmPoolMax,
	}, nil
}

func batchConfig(conf config.Batch) batch.Config {
	return batch.Config{
		Workers:         conf.Workers,
		MaxRetries:      conf.MaxRetries,
		InitialInterval: conf.InitialInterval,
		MaxInterval:     conf.MaxInterval,
		ReportTTL:       conf.ReportTtl,
	}
}

// run deploys the configured directory into a fresh engine and applies the plan
func run(ctx context.Context, conf config.Config, planFile string) ([]batch.Report, error) {
	engineConf, err := engineConfig(conf.Engine)
	if err != nil {
		return nil, err
	}
	engine := bpmn.NewEngine(
		bpmn.EngineWithStorage(inmemory.NewStorage()),
		bpmn.EngineWithConfig(engineConf),
	)
	defer engine.Stop()

	ctx, span := otelApi.Tracer("zenflow/cli").Start(ctx, "cli:run", trace.WithAttributes(
		otel.AttributeDeployDir.String(conf.Deploy.Dir),
		otel.AttributePlanFile.String(planFile),
	))
	defer span.End()

	deployed, err := deploy(&engine, conf.Deploy.Dir)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(otel.AttributeDeployed.Int(deployed))
	log.Infof(ctx, "Deployed %d process definitions from %s", deployed, conf.Deploy.Dir)
	if planFile == "" {
		return nil, nil
	}

	plan, err := ReadPlan(planFile)
	if err != nil {
		return nil, err
	}
	runner := batch.NewRunner(&engine, batchConfig(conf.Batch))
	reports, err := apply(ctx, &engine, runner, plan)
	if err != nil {
		return reports, err
	}
	span.SetAttributes(otel.AttributeBatchCount.Int(len(reports)))
	if otel.PlansApplied != nil {
		otel.PlansApplied.Add(ctx, 1, metric.WithAttributes(attribute.String("plan", filepath.Base(planFile))))
	}
	return reports, nil
}

func deploy(engine *bpmn.Engine, dir string) (int, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.bpmn"))
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	for _, file := range files {
		if _, err := engine.LoadFromFile(file); err != nil {
			return 0, fmt.Errorf("failed to deploy %s: %w", file, err)
		}
		if otel.DefinitionsDeployed != nil {
			otel.DefinitionsDeployed.Add(context.Background(), 1)
		}
	}
	return len(files), nil
}

func apply(ctx context.Context, engine *bpmn.Engine, runner *batch.Runner, plan Plan) ([]batch.Report, error) {
	for i, start := range plan.Start {
		startInstructions, err := instructions(start.Instructions)
		if err != nil {
			return nil, fmt.Errorf("start %d: %w", i, err)
		}
		for range max(start.Count, 1) {
			created, err := engine.StartProcessInstance(ctx, bpmn.InstantiationCommand{
				BpmnProcessId: start.ProcessId,
				BusinessKey:   start.BusinessKey,
				Variables:     maps.Clone(start.Variables),
				Instructions:  startInstructions,
			})
			if err != nil {
				return nil, fmt.Errorf("start %d: %w", i, err)
			}
			log.Debugf(ctx, "Started process instance %d of %s", created.Key, start.ProcessId)
		}
	}

	var reports []batch.Report
	for i, entry := range plan.Batches {
		report, err := submit(ctx, engine, runner, entry)
		if err != nil {
			return reports, fmt.Errorf("batch %d: %w", i, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func submit(ctx context.Context, engine *bpmn.Engine, runner *batch.Runner, entry BatchSpec) (batch.Report, error) {
	definitions, err := engine.FindProcessesById(ctx, entry.ProcessId)
	if err != nil {
		return batch.Report{}, err
	}
	if len(definitions) == 0 {
		return batch.Report{}, fmt.Errorf("process %s is not deployed", entry.ProcessId)
	}
	definition := definitions[len(definitions)-1]
	batchInstructions, err := instructions(entry.Instructions)
	if err != nil {
		return batch.Report{}, err
	}

	switch entry.Type {
	case "restart":
		cmd := bpmn.RestartCommand{
			ProcessDefinitionKey:  definition.Key,
			ProcessInstanceKeys:   entry.ProcessInstanceKeys,
			Instructions:          batchInstructions,
			WithoutBusinessKey:    entry.WithoutBusinessKey,
			InitialSetOfVariables: entry.InitialVariables,
			SkipCustomListeners:   entry.SkipCustomListeners,
			SkipIoMappings:        entry.SkipIoMappings,
		}
		if len(entry.ProcessInstanceKeys) == 0 || entry.BusinessKey != "" {
			cmd.Query = &storage.HistoricProcessInstanceQuery{ProcessDefinitionKey: definition.Key, BusinessKey: entry.BusinessKey}
		}
		return runner.SubmitRestart(ctx, cmd)
	case "migration":
		targets, err := engine.FindProcessesById(ctx, entry.TargetProcessId)
		if err != nil {
			return batch.Report{}, err
		}
		if len(targets) == 0 {
			return batch.Report{}, fmt.Errorf("process %s is not deployed", entry.TargetProcessId)
		}
		builder := engine.NewMigrationPlan(definition.Key, targets[len(targets)-1].Key)
		for _, mapping := range entry.Mappings {
			builder.MapActivities(mapping.SourceActivityId, mapping.TargetActivityId)
		}
		if entry.MapEqualActivities {
			builder.MapEqualActivities()
		}
		if entry.SkipCustomListeners {
			builder.SkipCustomListeners()
		}
		if entry.SkipIoMappings {
			builder.SkipIoMappings()
		}
		plan, err := builder.Build(ctx)
		if err != nil {
			return batch.Report{}, err
		}
		return runner.SubmitMigration(ctx, batch.MigrationBatch{
			Plan:                plan,
			ProcessInstanceKeys: entry.ProcessInstanceKeys,
			Query:               runningQuery(definition.Key, entry),
		})
	}
	return runner.SubmitModification(ctx, batch.ModificationBatch{
		Instructions:        batchInstructions,
		ProcessInstanceKeys: entry.ProcessInstanceKeys,
		Query:               runningQuery(definition.Key, entry),
		SkipCustomListeners: entry.SkipCustomListeners,
		SkipIoMappings:      entry.SkipIoMappings,
		Annotation:          entry.Annotation,
	})
}

// runningQuery selects running instances of the definition unless the batch lists keys without activity ids
func runningQuery(definitionKey int64, entry BatchSpec) *storage.ProcessInstanceFilter {
	if len(entry.ProcessInstanceKeys) > 0 && len(entry.ActivityIds) == 0 {
		return nil
	}
	return &storage.ProcessInstanceFilter{
		DefinitionKey: definitionKey,
		ActivityIds:   entry.ActivityIds,
		State:         runtime.ActivityStateActive,
	}
}
