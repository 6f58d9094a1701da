package bpmn

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// evaluateExpression evaluates FEEL expressions prefixed with '=', anything else is a constant string
func (engine *Engine) evaluateExpression(expression string, variableContext map[string]interface{}) (interface{}, error) {
	expression = strings.TrimSpace(expression)
	if !strings.HasPrefix(expression, "=") {
		return expression, nil
	}

	expression = strings.TrimPrefix(expression, "=")
	res, err := engine.feelRuntime.Evaluate(expression, variableContext)
	if err != nil {
		return nil, &ExpressionEvaluationError{
			Msg: fmt.Sprintf("failed to evaluate expression %s", expression),
			Err: err,
		}
	}
	return res, nil
}

// evaluateCondition evaluates sequence flow and completion conditions. An empty condition is true.
func (engine *Engine) evaluateCondition(expression string, variableContext map[string]interface{}) (bool, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return true, nil
	}
	if !strings.HasPrefix(expression, "=") {
		res, err := strconv.ParseBool(expression)
		if err != nil {
			return false, &ExpressionEvaluationError{Msg: fmt.Sprintf("condition %q is neither an expression nor a boolean", expression), Err: err}
		}
		return res, nil
	}
	expression = strings.TrimPrefix(expression, "=")
	res, err := engine.feelRuntime.UnaryTest(expression, variableContext)
	if err != nil {
		return false, &ExpressionEvaluationError{
			Msg: fmt.Sprintf("failed to evaluate condition %s", expression),
			Err: err,
		}
	}
	return res, nil
}

// toInt converts numbers as produced by FEEL, JSON or constants into an int
func toInt(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float32:
		return toInt(float64(v))
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%v is not a whole number", v)
		}
		return int(v), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(v))
	case nil:
		return 0, nil
	}
	return 0, fmt.Errorf("%v (%T) is not a number", value, value)
}

// toSlice converts a collection variable into a slice of its elements
func toSlice(value any) ([]any, error) {
	switch v := value.(type) {
	case []any:
		return v, nil
	case []string:
		res := make([]any, len(v))
		for i := range v {
			res[i] = v[i]
		}
		return res, nil
	case []int:
		res := make([]any, len(v))
		for i := range v {
			res[i] = v[i]
		}
		return res, nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("%v (%T) is not a collection", value, value)
}
