package feel

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/pbinitiative/feel"
	"github.com/pbinitiative/zenflow/pkg/script"
)

// FeelRuntime evaluates expressions with the FEEL interpreter. Results are converted to plain Go values:
// numbers become int64 or float64, lists and contexts are converted element wise.
type FeelRuntime struct{}

var _ script.FeelRuntime = FeelRuntime{}

func NewFeelRuntime() FeelRuntime {
	return FeelRuntime{}
}

func (FeelRuntime) Evaluate(expression string, variableContext map[string]any) (any, error) {
	res, err := feel.EvalStringWithScope(expression, variableContext)
	if err != nil {
		return nil, err
	}
	return normalize(res), nil
}

func (r FeelRuntime) UnaryTest(expression string, variableContext map[string]any) (bool, error) {
	res, err := r.Evaluate(expression, variableContext)
	if err != nil {
		return false, err
	}
	b, ok := res.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q evaluated to %v (%T), expected a boolean", expression, res, res)
	}
	return b, nil
}

func normalize(v any) any {
	switch val := v.(type) {
	case nil, bool, string, int64, float64:
		return val
	case int:
		return int64(val)
	case []any:
		res := make([]any, len(val))
		for i, item := range val {
			res[i] = normalize(item)
		}
		return res
	case map[string]any:
		res := make(map[string]any, len(val))
		for k, item := range val {
			res[k] = normalize(item)
		}
		return res
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		res := make([]any, rv.Len())
		for i := range res {
			res[i] = normalize(rv.Index(i).Interface())
		}
		return res
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			res := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				res[iter.Key().String()] = normalize(iter.Value().Interface())
			}
			return res
		}
	}
	s := fmt.Sprint(v)
	if s == "null" || s == "<nil>" {
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
