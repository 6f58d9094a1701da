package runtime

import (
	"maps"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model/extensions"
)

// VariableHolder reads and writes variables of one execution. Values live on scope executions only, a
// holder of a non-scope execution works on the closest scope above it.
type VariableHolder struct {
	tree  *ExecutionTree
	scope *Execution
}

type ExpressionEvaluator func(expression string, variableContext map[string]any) (any, error)

func NewVariableHolder(tree *ExecutionTree, execution *Execution) VariableHolder {
	return VariableHolder{
		tree:  tree,
		scope: tree.ScopeExecution(execution),
	}
}

// Scope returns the execution the holder stores local variables on
func (vh VariableHolder) Scope() *Execution {
	return vh.scope
}

// Parent returns the holder of the enclosing scope; ok is false at the root
func (vh VariableHolder) Parent() (VariableHolder, bool) {
	p := vh.tree.ParentScopeExecution(vh.scope)
	if p == nil {
		return VariableHolder{}, false
	}
	return VariableHolder{tree: vh.tree, scope: p}, true
}

func (vh VariableHolder) LocalVariables() map[string]any {
	return vh.scope.Variables
}

func (vh VariableHolder) GetLocalVariable(key string) any {
	return vh.scope.Variables[key]
}

func (vh VariableHolder) SetLocalVariable(key string, val any) {
	if vh.scope.Variables == nil {
		vh.scope.Variables = map[string]any{}
	}
	vh.scope.Variables[key] = val
}

func (vh VariableHolder) SetLocalVariables(variables map[string]any) {
	for k, v := range variables {
		vh.SetLocalVariable(k, v)
	}
}

// GetVariable resolves key from the innermost scope outwards
func (vh VariableHolder) GetVariable(key string) (any, bool) {
	for cur := vh.scope; cur != nil; cur = vh.tree.ParentScopeExecution(cur) {
		if v, ok := cur.Variables[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// Variables returns all visible variables, inner scopes shadow outer ones
func (vh VariableHolder) Variables() map[string]any {
	var chain []*Execution
	for cur := vh.scope; cur != nil; cur = vh.tree.ParentScopeExecution(cur) {
		chain = append(chain, cur)
	}
	res := map[string]any{}
	for i := len(chain) - 1; i >= 0; i-- {
		maps.Copy(res, chain[i].Variables)
	}
	return res
}

// SetVariable overwrites the variable in the scope that defines it, new variables go to the root scope.
// The execution the value was stored on is returned.
func (vh VariableHolder) SetVariable(key string, val any) *Execution {
	for cur := vh.scope; cur != nil; cur = vh.tree.ParentScopeExecution(cur) {
		if _, ok := cur.Variables[key]; ok {
			cur.Variables[key] = val
			return cur
		}
	}
	root := vh.tree.Root()
	if root.Variables == nil {
		root.Variables = map[string]any{}
	}
	root.Variables[key] = val
	return root
}

// EvaluateAndSetMappingsToLocalVariables evaluates input mappings against the enclosing scope and stores
// the results locally
func (vh VariableHolder) EvaluateAndSetMappingsToLocalVariables(mappings []extensions.TIoMapping, evaluateExpression ExpressionEvaluator) error {
	context := map[string]any{}
	if parent, ok := vh.Parent(); ok {
		context = parent.Variables()
	}
	for _, mapping := range mappings {
		evalResult, err := evaluateExpression(mapping.Source, context)
		if err != nil {
			return err
		}
		vh.SetLocalVariable(mapping.Target, evalResult)
	}
	return nil
}

// PropagateOutputVariablesToParent evaluates output mappings against this scope and writes the results into
// the enclosing scope
func (vh VariableHolder) PropagateOutputVariablesToParent(mappings []extensions.TIoMapping, evaluateExpression ExpressionEvaluator) (map[string]any, error) {
	parent, ok := vh.Parent()
	if !ok || len(mappings) == 0 {
		return nil, nil
	}
	localScope := vh.Variables()
	outputVariables := make(map[string]any, len(mappings))
	for _, mapping := range mappings {
		evalResult, err := evaluateExpression(mapping.Source, localScope)
		if err != nil {
			return nil, err
		}
		outputVariables[mapping.Target] = evalResult
		parent.SetVariable(mapping.Target, evalResult)
	}
	return outputVariables, nil
}
