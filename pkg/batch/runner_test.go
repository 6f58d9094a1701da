package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pbinitiative/zenflow/pkg/bpmn"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"github.com/pbinitiative/zenflow/pkg/storage/inmemory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/multierr"
)

func testConfig() Config {
	return Config{
		Workers:         3,
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		ReportTTL:       time.Minute,
	}
}

// fakeEngine fails modifications with the errors returned by fail until it returns nil
type fakeEngine struct {
	store    *inmemory.Storage
	attempts map[int64]*atomic.Int32
	fail     func(key int64, attempt int32) error
}

func newFakeEngine(keys []int64, fail func(key int64, attempt int32) error) *fakeEngine {
	e := &fakeEngine{store: inmemory.NewStorage(), attempts: map[int64]*atomic.Int32{}, fail: fail}
	for _, key := range keys {
		e.attempts[key] = &atomic.Int32{}
	}
	return e
}

func (e *fakeEngine) Storage() storage.Storage { return e.store }

func (e *fakeEngine) ExecuteModification(ctx context.Context, cmd bpmn.ModificationCommand) error {
	attempt := e.attempts[cmd.ProcessInstanceKey].Add(1)
	return e.fail(cmd.ProcessInstanceKey, attempt)
}

func (e *fakeEngine) RestartInstanceKeys(ctx context.Context, cmd bpmn.RestartCommand) ([]int64, error) {
	return cmd.ProcessInstanceKeys, nil
}

func (e *fakeEngine) RestartProcessInstance(ctx context.Context, cmd bpmn.RestartCommand, processInstanceKey int64) (int64, error) {
	return processInstanceKey + 100, nil
}

func (e *fakeEngine) MigrateProcessInstance(ctx context.Context, plan bpmn.MigrationPlan, processInstanceKey int64) error {
	return nil
}

var cancelTask = []bpmn.Instruction{bpmn.CancelAllForActivity{ActivityId: "task"}}

func TestRetryableFailuresAreRetried(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	// given
	engine := newFakeEngine([]int64{1, 2}, func(key int64, attempt int32) error {
		if key == 2 && attempt < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	runner := NewRunner(engine, testConfig(), RunnerWithClock(clock.NewMock()))

	// when
	report, err := runner.SubmitModification(t.Context(), ModificationBatch{
		Instructions:        cancelTask,
		ProcessInstanceKeys: []int64{2, 1, 2},
	})

	// then
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 0, report.Failed)
	assert.NoError(t, report.Err)
	assert.Equal(t, int32(1), engine.attempts[1].Load())
	assert.Equal(t, int32(3), engine.attempts[2].Load())
}

func TestPermanentFailureRaisesIncidentWithoutRetry(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	// given
	invalid := &bpmn.ModificationError{Kind: bpmn.ValidationError, Instruction: "Cancel all of activity 'task'", Msg: "invalid"}
	engine := newFakeEngine([]int64{1, 2, 3}, func(key int64, attempt int32) error {
		if key == 2 {
			return invalid
		}
		return nil
	})
	runner := NewRunner(engine, testConfig())

	// when
	report, err := runner.SubmitModification(t.Context(), ModificationBatch{
		Instructions:        cancelTask,
		ProcessInstanceKeys: []int64{1, 2, 3},
	})

	// then
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, int32(1), engine.attempts[2].Load())
	assert.Same(t, invalid, report.Failures[2])
	assert.ErrorIs(t, report.Err, invalid)
	require.Len(t, report.IncidentKeys, 1)

	incident, err := engine.store.FindIncidentByKey(t.Context(), report.IncidentKeys[0])
	require.NoError(t, err)
	assert.Equal(t, IncidentTypeFailedBatchUnit, incident.Type)
	assert.Equal(t, int64(2), incident.ProcessInstanceKey)
	assert.Equal(t, report.BatchId, incident.BatchId)
	assert.Equal(t, invalid.Error(), incident.Message)
}

func TestExhaustedRetriesFailTheUnit(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	// given
	engine := newFakeEngine([]int64{1, 2}, func(key int64, attempt int32) error {
		return errors.New("listener unavailable")
	})
	runner := NewRunner(engine, testConfig())

	// when
	report, err := runner.SubmitModification(t.Context(), ModificationBatch{
		Instructions:        cancelTask,
		ProcessInstanceKeys: []int64{1, 2},
	})

	// then
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, int32(3), engine.attempts[1].Load())
	assert.Equal(t, int32(3), engine.attempts[2].Load())
	assert.Len(t, multierr.Errors(report.Err), 2)
	incidents, err := engine.store.FindIncidents(t.Context(), storage.IncidentFilter{BatchId: report.BatchId})
	require.NoError(t, err)
	assert.Len(t, incidents, 2)
}

func TestEmptyBatchIsRejected(t *testing.T) {
	runner := NewRunner(newFakeEngine(nil, nil), testConfig())

	_, err := runner.SubmitModification(t.Context(), ModificationBatch{ProcessInstanceKeys: []int64{1}})
	assert.EqualError(t, err, "modification instructions cannot be empty")

	_, err = runner.SubmitModification(t.Context(), ModificationBatch{Instructions: cancelTask})
	assert.EqualError(t, err, "processInstanceIds is empty")
}

func TestReportsAreKeptUntilTheyExpire(t *testing.T) {
	// given
	engine := newFakeEngine([]int64{1}, func(key int64, attempt int32) error { return nil })
	config := testConfig()
	config.ReportTTL = 50 * time.Millisecond
	runner := NewRunner(engine, config)

	// when
	report, err := runner.SubmitRestart(t.Context(), bpmn.RestartCommand{ProcessInstanceKeys: []int64{1}})
	require.NoError(t, err)

	// then
	stored, ok := runner.Report(report.BatchId)
	require.True(t, ok)
	assert.Equal(t, TypeRestart, stored.Type)
	assert.Equal(t, map[int64]int64{1: 101}, stored.Created)
	_, ok = runner.Report("unknown")
	assert.False(t, ok)

	// when
	time.Sleep(100 * time.Millisecond)

	// then
	_, ok = runner.Report(report.BatchId)
	assert.False(t, ok)
}

func TestCancelledBatchStopsRetrying(t *testing.T) {
	// given
	engine := newFakeEngine([]int64{1}, func(key int64, attempt int32) error {
		return errors.New("listener unavailable")
	})
	config := testConfig()
	config.MaxRetries = 1000
	config.InitialInterval = time.Second
	runner := NewRunner(engine, config)
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	// when
	report, err := runner.SubmitModification(ctx, ModificationBatch{
		Instructions:        cancelTask,
		ProcessInstanceKeys: []int64{1},
	})

	// then
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, report.Failed)
	assert.Less(t, engine.attempts[1].Load(), int32(5))
}

func newEngine(t *testing.T) *bpmn.Engine {
	t.Helper()
	engine := bpmn.NewEngine(bpmn.EngineWithStorage(inmemory.NewStorage()))
	t.Cleanup(engine.Stop)
	return &engine
}

func jobFor(t *testing.T, engine *bpmn.Engine, processInstanceKey int64, elementId string) runtime.Job {
	t.Helper()
	instance, err := engine.FindProcessInstance(t.Context(), processInstanceKey)
	require.NoError(t, err)
	for _, job := range instance.Jobs {
		if job.ElementId == elementId && job.State == runtime.ActivityStateActive {
			return job
		}
	}
	require.Failf(t, "job not found", "no active job for %s", elementId)
	return runtime.Job{}
}

func TestModificationBatchOnEngine(t *testing.T) {
	// given
	engine := newEngine(t)
	definition, err := engine.LoadFromFile("../bpmn/test-cases/two-user-tasks.bpmn")
	require.NoError(t, err)
	var keys []int64
	for range 3 {
		instance, err := engine.CreateInstanceByKey(t.Context(), definition.Key, nil)
		require.NoError(t, err)
		keys = append(keys, instance.Key)
	}
	require.NoError(t, engine.DeleteProcessInstance(t.Context(), keys[2], "done"))
	runner := NewRunner(engine, testConfig())

	// when
	report, err := runner.SubmitModification(t.Context(), ModificationBatch{
		Instructions: []bpmn.Instruction{
			bpmn.CancelAllForActivity{ActivityId: "user1"},
			bpmn.StartBeforeActivity{ActivityId: "user2"},
		},
		ProcessInstanceKeys: []int64{keys[2]},
		Query:               &storage.ProcessInstanceFilter{DefinitionKey: definition.Key, ActivityIds: []string{"user1"}},
	})

	// then
	require.NoError(t, err)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Contains(t, report.Failures, keys[2])
	assert.False(t, bpmn.IsRetryable(report.Failures[keys[2]]))
	for _, key := range keys[:2] {
		tree, err := engine.GetActivityInstance(t.Context(), key)
		require.NoError(t, err)
		assert.Equal(t, []string{"user2"}, tree.ActivityIds())
		jobFor(t, engine, key, "user2")
	}
}

// countingEngine counts modification attempts per instance on a real engine
type countingEngine struct {
	*bpmn.Engine
	attempts sync.Map
}

func (e *countingEngine) ExecuteModification(ctx context.Context, cmd bpmn.ModificationCommand) error {
	counter, _ := e.attempts.LoadOrStore(cmd.ProcessInstanceKey, &atomic.Int32{})
	counter.(*atomic.Int32).Add(1)
	return e.Engine.ExecuteModification(ctx, cmd)
}

func TestMissingInstanceIsNotRetried(t *testing.T) {
	// given
	engine := &countingEngine{Engine: newEngine(t)}
	definition, err := engine.LoadFromFile("../bpmn/test-cases/two-user-tasks.bpmn")
	require.NoError(t, err)
	instance, err := engine.CreateInstanceByKey(t.Context(), definition.Key, nil)
	require.NoError(t, err)
	missing := int64(4242424242)
	runner := NewRunner(engine, testConfig())

	// when
	report, err := runner.SubmitModification(t.Context(), ModificationBatch{
		Instructions:        []bpmn.Instruction{bpmn.StartBeforeActivity{ActivityId: "user2"}},
		ProcessInstanceKeys: []int64{instance.Key, missing},
	})

	// then
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	var modErr *bpmn.ModificationError
	require.ErrorAs(t, report.Failures[missing], &modErr)
	assert.Equal(t, bpmn.StateError, modErr.Kind)
	counter, ok := engine.attempts.Load(missing)
	require.True(t, ok)
	assert.Equal(t, int32(1), counter.(*atomic.Int32).Load())
	assert.Len(t, report.IncidentKeys, 1)
}

func TestRestartBatchOnEngine(t *testing.T) {
	// given
	engine := newEngine(t)
	definition, err := engine.LoadFromFile("../bpmn/test-cases/two-user-tasks.bpmn")
	require.NoError(t, err)
	instance, err := engine.CreateInstanceByKey(t.Context(), definition.Key, map[string]any{"customer": "lena"})
	require.NoError(t, err)
	require.NoError(t, engine.DeleteProcessInstance(t.Context(), instance.Key, "restart me"))
	runner := NewRunner(engine, testConfig())

	// when
	report, err := runner.SubmitRestart(t.Context(), bpmn.RestartCommand{
		ProcessDefinitionKey: definition.Key,
		ProcessInstanceKeys:  []int64{instance.Key},
		Instructions:         []bpmn.Instruction{bpmn.StartBeforeActivity{ActivityId: "user2"}},
	})

	// then
	require.NoError(t, err)
	require.Equal(t, 1, report.Succeeded)
	restarted, err := engine.FindProcessInstance(t.Context(), report.Created[instance.Key])
	require.NoError(t, err)
	assert.Equal(t, "lena", restarted.GetVariable("customer"))
	jobFor(t, engine, restarted.Key, "user2")
}

func TestMigrationBatchOnEngine(t *testing.T) {
	// given
	engine := newEngine(t)
	source, err := engine.LoadFromFile("../bpmn/test-cases/two-user-tasks.bpmn")
	require.NoError(t, err)
	target, err := engine.LoadFromFile("../bpmn/test-cases/two-user-tasks-renamed.bpmn")
	require.NoError(t, err)
	for range 2 {
		_, err := engine.CreateInstanceByKey(t.Context(), source.Key, nil)
		require.NoError(t, err)
	}
	plan, err := engine.NewMigrationPlan(source.Key, target.Key).
		MapActivities("user1", "userA").
		MapEqualActivities().
		Build(t.Context())
	require.NoError(t, err)
	runner := NewRunner(engine, testConfig())

	// when
	report, err := runner.SubmitMigration(t.Context(), MigrationBatch{
		Plan:  plan,
		Query: &storage.ProcessInstanceFilter{State: runtime.ActivityStateActive},
	})

	// then
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 2, report.Succeeded)
	migrated, err := engine.Storage().FindProcessInstances(t.Context(), storage.ProcessInstanceFilter{DefinitionKey: target.Key})
	require.NoError(t, err)
	assert.Len(t, migrated, 2)
}
