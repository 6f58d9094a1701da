package feel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnaryTestOnBooleans(t *testing.T) {
	runtime := NewFeelRuntime()

	ok, err := runtime.UnaryTest("approved = true", map[string]any{"approved": true})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = runtime.UnaryTest("approved = true", map[string]any{"approved": false})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateReturnsVariables(t *testing.T) {
	runtime := NewFeelRuntime()

	res, err := runtime.Evaluate("customer", map[string]any{"customer": "ACME"})

	require.NoError(t, err)
	assert.Equal(t, "ACME", res)
}

func TestUnaryTestRejectsNonBoolean(t *testing.T) {
	runtime := NewFeelRuntime()

	_, err := runtime.UnaryTest(`"text"`, nil)

	assert.ErrorContains(t, err, "expected a boolean")
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, int64(3), normalize(3))
	assert.Equal(t, []any{int64(1), "a"}, normalize([]any{1, "a"}))
	assert.Nil(t, normalize(nil))
}

func TestEvaluateConvertsTypedCollections(t *testing.T) {
	runtime := NewFeelRuntime()
	res, err := runtime.Evaluate("items", map[string]any{"items": []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, res)
}
