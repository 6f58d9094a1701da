package js

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunScriptReturnsCompletionValue(t *testing.T) {
	runtime := NewJsRuntime(t.Context(), 1, 2)

	res, err := runtime.RunScript("a + b", map[string]any{"a": 1, "b": 2})

	require.NoError(t, err)
	assert.Equal(t, int64(3), res)
}

func TestRunScriptCallsBoundFunctions(t *testing.T) {
	// given
	runtime := NewJsRuntime(t.Context(), 1, 1)
	recorded := map[string]any{}
	execution := map[string]any{
		"setVariable": func(name string, value any) { recorded[name] = value },
		"getVariable": func(name string) any { return "value-of-" + name },
	}

	// when
	_, err := runtime.RunScript("execution.setVariable('copy', execution.getVariable('x'))", map[string]any{"execution": execution})

	// then
	require.NoError(t, err)
	assert.Equal(t, "value-of-x", recorded["copy"])
}

func TestRunScriptRemovesBindings(t *testing.T) {
	runtime := NewJsRuntime(t.Context(), 1, 1)

	_, err := runtime.RunScript("x", map[string]any{"x": 1})
	require.NoError(t, err)
	_, err = runtime.RunScript("x", nil)

	assert.ErrorContains(t, err, "x is not defined")
}

func TestRunScriptReportsSyntaxErrors(t *testing.T) {
	runtime := NewJsRuntime(t.Context(), 1, 1)

	_, err := runtime.RunScript("this is not js", nil)

	assert.ErrorContains(t, err, "error running script")
}
