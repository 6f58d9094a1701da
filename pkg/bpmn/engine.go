package bpmn

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/bwmarrin/snowflake"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pbinitiative/zenflow/pkg/bpmn/model/bpmn20"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	otelPkg "github.com/pbinitiative/zenflow/pkg/otel"
	"github.com/pbinitiative/zenflow/pkg/script"
	"github.com/pbinitiative/zenflow/pkg/script/feel"
	"github.com/pbinitiative/zenflow/pkg/script/js"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type Engine struct {
	name             string
	config           EngineConfig
	snowflake        *snowflake.Node
	persistence      storage.Storage
	clock            clock.Clock
	logger           hclog.Logger
	listeners        map[string]ExecutionListener
	graphs           *expirable.LRU[int64, *bpmn20.ProcessGraph]
	runningInstances *RunningInstancesCache
	feelRuntime      script.FeelRuntime
	jsRuntime        script.JsRuntime
	metrics          *otelPkg.EngineMetrics
	tracer           trace.Tracer
	stop             context.CancelFunc
}

type EngineOption = func(*Engine)

// NewEngine creates a new instance of the BPMN Engine;
func NewEngine(options ...EngineOption) Engine {
	name := fmt.Sprintf("Bpmn-Engine-%d", getGlobalSnowflakeIdGenerator().Generate().Int64())
	engine := Engine{
		name:             name,
		config:           DefaultEngineConfig(),
		snowflake:        getGlobalSnowflakeIdGenerator(),
		clock:            clock.New(),
		logger:           hclog.Default().Named("engine"),
		listeners:        map[string]ExecutionListener{},
		runningInstances: NewRunningInstancesCache(),
		feelRuntime:      feel.NewFeelRuntime(),
		tracer:           otel.Tracer("zenflow/engine"),
	}

	for _, option := range options {
		option(&engine)
	}

	metrics, err := otelPkg.NewMetrics(otel.Meter("zenflow/engine"))
	if err != nil {
		engine.logger.Error("failed to create engine metrics", "err", err)
	}
	engine.metrics = metrics
	engine.graphs = expirable.NewLRU[int64, *bpmn20.ProcessGraph](engine.config.DefinitionCacheSize, nil, engine.config.DefinitionCacheTTL)
	ctx, cancel := context.WithCancel(context.Background())
	engine.stop = cancel
	if engine.jsRuntime == nil {
		engine.jsRuntime = js.NewJsRuntime(ctx, engine.config.JsVmPoolMin, engine.config.JsVmPoolMax)
	}
	return engine
}

func EngineWithStorage(persistence storage.Storage) EngineOption {
	return func(engine *Engine) {
		engine.persistence = persistence
	}
}

func EngineWithName(name string) EngineOption {
	return func(engine *Engine) {
		engine.name = name
	}
}

// EngineWithConfig replaces the default configuration, the value is copied
func EngineWithConfig(config EngineConfig) EngineOption {
	return func(engine *Engine) {
		engine.config = config
	}
}

func EngineWithLogger(logger hclog.Logger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

func EngineWithClock(c clock.Clock) EngineOption {
	return func(engine *Engine) {
		engine.clock = c
	}
}

// EngineWithExecutionListener registers a listener that BPMN elements reference by type name
func EngineWithExecutionListener(name string, listener ExecutionListener) EngineOption {
	return func(engine *Engine) {
		engine.listeners[name] = listener
	}
}

// Name returns the name of the engine, only useful in case you control multiple ones
func (engine *Engine) Name() string {
	return engine.name
}

// Config returns the configuration the engine was built with
func (engine *Engine) Config() EngineConfig {
	return engine.config
}

// Storage gives access to the storage the engine writes to
func (engine *Engine) Storage() storage.Storage {
	return engine.persistence
}

// Stop releases the script runtimes
func (engine *Engine) Stop() {
	if engine.stop != nil {
		engine.stop()
	}
}

// FindProcessInstance searches for a given processInstanceKey
// and returns the corresponding process instance, or otherwise storage.ErrNotFound
func (engine *Engine) FindProcessInstance(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	return engine.persistence.FindProcessInstanceByKey(ctx, processInstanceKey)
}

// FindProcessesById returns all registered processes with given ID
// result array is ordered by version number, from 1 (first) and largest version (last)
func (engine *Engine) FindProcessesById(ctx context.Context, id string) ([]runtime.ProcessDefinition, error) {
	return engine.persistence.FindProcessDefinitionsById(ctx, id)
}

// GetActivityInstance projects the execution tree of the instance into its activity instance tree
func (engine *Engine) GetActivityInstance(ctx context.Context, processInstanceKey int64) (*runtime.ActivityInstance, error) {
	instance, err := engine.persistence.FindProcessInstanceByKey(ctx, processInstanceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to find process instance %d: %w", processInstanceKey, err)
	}
	graph, err := engine.graphFor(instance.Definition)
	if err != nil {
		return nil, err
	}
	return runtime.Project(instance.Tree, graph), nil
}

// graphFor returns the compiled graph of the definition, compiled graphs are cached by definition key
func (engine *Engine) graphFor(definition *runtime.ProcessDefinition) (*bpmn20.ProcessGraph, error) {
	if definition == nil {
		return nil, newEngineErrorf("process instance has no process definition")
	}
	if graph, ok := engine.graphs.Get(definition.Key); ok {
		return graph, nil
	}
	definitions := definition.Definitions
	if definitions.Process.Id == "" && definition.BpmnData != "" {
		if err := xml.Unmarshal([]byte(definition.BpmnData), &definitions); err != nil {
			return nil, &BpmnEngineUnmarshallingError{Msg: fmt.Sprintf("failed to parse process definition %d", definition.Key), Err: err}
		}
	}
	graph, err := bpmn20.BuildProcessGraph(&definitions)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to compile process definition %d", definition.Key), err)
	}
	engine.graphs.Add(definition.Key, graph)
	return graph, nil
}

func (engine *Engine) loadDefinition(ctx context.Context, definitionKey int64) (*runtime.ProcessDefinition, *bpmn20.ProcessGraph, error) {
	definition, err := engine.persistence.FindProcessDefinitionByKey(ctx, definitionKey)
	if err != nil {
		return nil, nil, errors.Join(newEngineErrorf("no process definition with key %d was found (prior loaded into the engine)", definitionKey), err)
	}
	graph, err := engine.graphFor(&definition)
	if err != nil {
		return nil, nil, err
	}
	return &definition, graph, nil
}

func (engine *Engine) loadLatestDefinition(ctx context.Context, processId string) (*runtime.ProcessDefinition, *bpmn20.ProcessGraph, error) {
	definition, err := engine.persistence.FindLatestProcessDefinitionById(ctx, processId)
	if err != nil {
		return nil, nil, errors.Join(newEngineErrorf("no process with id=%s was found (prior loaded into the engine)", processId), err)
	}
	graph, err := engine.graphFor(&definition)
	if err != nil {
		return nil, nil, err
	}
	return &definition, graph, nil
}
