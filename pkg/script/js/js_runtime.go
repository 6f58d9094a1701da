package js

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
	"github.com/pbinitiative/zenflow/pkg/script"
)

type JsRunnerFactory struct{}

func (JsRunnerFactory) NewRunner() script.Runner {
	return &JsRunner{vm: goja.New()}
}

type JsRuntime struct {
	pool *script.RunnerPool
}

var _ script.JsRuntime = &JsRuntime{}

func NewJsRuntime(ctx context.Context, minVmPoolSize int, maxVmPoolSize int) *JsRuntime {
	return &JsRuntime{
		pool: script.NewRunnerPool(ctx, JsRunnerFactory{}, minVmPoolSize, maxVmPoolSize),
	}
}

// RunScript runs the script on a pooled VM. Bindings are visible as globals and removed afterwards so the VM
// can be reused. The completion value is exported to a Go value.
func (r *JsRuntime) RunScript(script string, bindings map[string]any) (any, error) {
	runner := r.pool.Get().(*JsRunner)
	defer r.pool.Put(runner)
	return runner.run(script, bindings)
}

type JsRunner struct {
	vm *goja.Runtime
}

func (r *JsRunner) Runner() {}

func (r *JsRunner) run(source string, bindings map[string]any) (any, error) {
	for name, value := range bindings {
		if err := r.vm.Set(name, value); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", name, err)
		}
	}
	defer func() {
		for name := range bindings {
			r.vm.GlobalObject().Delete(name)
		}
	}()
	resp, err := r.vm.RunString(source)
	if err != nil {
		return nil, fmt.Errorf("error running script \"%s\" : %w", source, err)
	}
	if resp == nil || goja.IsUndefined(resp) || goja.IsNull(resp) {
		return nil, nil
	}
	return resp.Export(), nil
}
