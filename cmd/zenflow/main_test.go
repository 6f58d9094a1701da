package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pbinitiative/zenflow/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.Config {
	return config.Config{
		Name: "zenflow-test",
		Engine: config.Engine{
			JobDueDateOffset:    "PT1H",
			EnsureJobDueDateSet: true,
			ValidateTreeShape:   true,
			DefinitionCacheSize: 50,
			DefinitionCacheTtl:  time.Hour,
			JsVmPoolMin:         1,
			JsVmPoolMax:         2,
		},
		Batch: config.Batch{
			Workers:         2,
			MaxRetries:      1,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
			ReportTtl:       time.Minute,
		},
		Deploy: config.Deploy{Dir: "../../pkg/bpmn/test-cases"},
	}
}

func TestRunAppliesPlan(t *testing.T) {
	// given
	planFile := filepath.Join(t.TempDir(), "plan.yaml")
	plan := `
start:
  - processId: two-user-tasks
    count: 3
  - processId: two-user-tasks
    instructions:
      - startBefore: user2
batches:
  - type: modification
    processId: two-user-tasks
    activityIds: [user1]
    instructions:
      - cancelAll: user1
      - startBefore: user2
  - type: migration
    processId: two-user-tasks
    targetProcessId: two-user-tasks-renamed
    mapEqualActivities: true
`
	require.NoError(t, os.WriteFile(planFile, []byte(plan), 0o600))

	// when
	reports, err := run(t.Context(), testConfig(), planFile)

	// then
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, 3, reports[0].Total)
	assert.Equal(t, 3, reports[0].Succeeded)
	assert.Equal(t, 4, reports[1].Total)
	assert.Equal(t, 4, reports[1].Succeeded)
}

func TestRunWithoutPlanOnlyDeploys(t *testing.T) {
	reports, err := run(t.Context(), testConfig(), "")

	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestRunRejectsInvalidDueDateOffset(t *testing.T) {
	conf := testConfig()
	conf.Engine.JobDueDateOffset = "five minutes"

	_, err := run(t.Context(), conf, "")

	assert.ErrorContains(t, err, "invalid jobDueDateOffset")
}
