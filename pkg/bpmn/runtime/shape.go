package runtime

import (
	"errors"
	"fmt"
)

// ValidateShape checks the structural rules every committed tree satisfies:
//   - a scope holds exactly one non-concurrent child or only concurrent children, at least two of them
//     unless the scope is a multi instance body
//   - a concurrent group wraps exactly one non-concurrent scope execution
//   - activity executions that are not scopes have no children
//   - concurrent executions carry no variables
//   - every parent link matches the child lists
func ValidateShape(t *ExecutionTree) error {
	var errs []error
	reached := 0
	t.Walk(func(e *Execution) bool {
		reached++
		children := make([]*Execution, 0, len(e.Children))
		for _, k := range e.Children {
			child, ok := t.Get(k)
			if !ok {
				errs = append(errs, fmt.Errorf("execution %s references missing child %d", e, k))
				continue
			}
			if child.ParentKey != e.Key {
				errs = append(errs, fmt.Errorf("execution %s has parent %d but is listed under %d", child, child.ParentKey, e.Key))
			}
			children = append(children, child)
		}
		if e.IsConcurrent && len(e.Variables) > 0 {
			errs = append(errs, fmt.Errorf("concurrent execution %s carries variables", e))
		}
		switch {
		case e.IsConcurrentGroup():
			if len(children) != 1 || !children[0].IsScope || children[0].IsConcurrent {
				errs = append(errs, fmt.Errorf("concurrent group %s must wrap exactly one scope execution", e))
			}
		case e.IsScope:
			if err := validateScopeChildren(e, children); err != nil {
				errs = append(errs, err)
			}
		default:
			if len(children) > 0 {
				errs = append(errs, fmt.Errorf("non-scope execution %s has children", e))
			}
		}
		return true
	})
	if reached != t.Len() {
		errs = append(errs, fmt.Errorf("%d executions are not reachable from the root", t.Len()-reached))
	}
	return errors.Join(errs...)
}

func validateScopeChildren(scope *Execution, children []*Execution) error {
	if len(children) == 0 {
		return nil
	}
	concurrent := 0
	for _, c := range children {
		if c.IsConcurrent {
			concurrent++
		}
	}
	switch {
	case len(children) == 1 && concurrent == 0:
		return nil
	case concurrent != len(children):
		return fmt.Errorf("scope %s mixes concurrent and non-concurrent children", scope)
	case len(children) == 1 && !scope.IsMultiInstanceBody():
		return fmt.Errorf("scope %s has a single concurrent child", scope)
	}
	return nil
}
