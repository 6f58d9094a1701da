package script

// FeelRuntime evaluates FEEL expressions, the leading '=' is already stripped
type FeelRuntime interface {
	UnaryTest(expression string, variableContext map[string]any) (bool, error)
	Evaluate(expression string, variableContext map[string]any) (any, error)
}

// JsRuntime runs JavaScript with bindings exposed as globals for the duration of one run
type JsRuntime interface {
	RunScript(script string, bindings map[string]any) (any, error)
}
