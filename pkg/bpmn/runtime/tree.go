package runtime

import (
	"fmt"
	"slices"
	"strconv"
)

// ExecutionTree is an arena of executions of one process instance. Parent/child links are keys, the root
// execution key equals the process instance key.
type ExecutionTree struct {
	RootKey    int64                `json:"r"`
	Executions map[int64]*Execution `json:"e"`
}

// NewExecutionTree creates a tree holding only the root scope execution
func NewExecutionTree(rootKey int64) *ExecutionTree {
	t := &ExecutionTree{
		RootKey:    rootKey,
		Executions: map[int64]*Execution{},
	}
	t.Executions[rootKey] = &Execution{
		Key:                rootKey,
		ActivityInstanceId: strconv.FormatInt(rootKey, 10),
		IsScope:            true,
		IsActive:           true,
		Variables:          map[string]any{},
	}
	return t
}

func (t *ExecutionTree) Root() *Execution {
	return t.Executions[t.RootKey]
}

func (t *ExecutionTree) Get(key int64) (*Execution, bool) {
	e, ok := t.Executions[key]
	return e, ok
}

func (t *ExecutionTree) MustGet(key int64) *Execution {
	e, ok := t.Executions[key]
	if !ok {
		panic(fmt.Sprintf("[invariant check] execution %d is not part of the tree", key))
	}
	return e
}

func (t *ExecutionTree) Len() int {
	return len(t.Executions)
}

// Parent returns nil for the root
func (t *ExecutionTree) Parent(e *Execution) *Execution {
	if e.Key == t.RootKey {
		return nil
	}
	return t.MustGet(e.ParentKey)
}

func (t *ExecutionTree) ChildrenOf(e *Execution) []*Execution {
	res := make([]*Execution, 0, len(e.Children))
	for _, k := range e.Children {
		res = append(res, t.MustGet(k))
	}
	return res
}

// NewExecution appends an active, empty execution under parent
func (t *ExecutionTree) NewExecution(parent *Execution, key int64) *Execution {
	if _, exists := t.Executions[key]; exists {
		panic(fmt.Sprintf("[invariant check] duplicate execution key %d", key))
	}
	e := &Execution{Key: key, ParentKey: parent.Key, IsActive: true}
	t.Executions[key] = e
	parent.Children = append(parent.Children, key)
	return e
}

// Remove deletes e and its whole subtree, e is detached from its parent
func (t *ExecutionTree) Remove(e *Execution) {
	if e.Key == t.RootKey {
		panic("[invariant check] the root execution cannot be removed")
	}
	if parent, ok := t.Executions[e.ParentKey]; ok {
		parent.Children = slices.DeleteFunc(parent.Children, func(k int64) bool { return k == e.Key })
	}
	for _, sub := range t.Subtree(e) {
		delete(t.Executions, sub.Key)
	}
}

// RemoveChildren deletes every descendant of e but keeps e
func (t *ExecutionTree) RemoveChildren(e *Execution) {
	for _, child := range t.ChildrenOf(e) {
		t.Remove(child)
	}
}

// Subtree returns e and its descendants in pre-order
func (t *ExecutionTree) Subtree(e *Execution) []*Execution {
	res := []*Execution{e}
	for _, k := range e.Children {
		res = append(res, t.Subtree(t.MustGet(k))...)
	}
	return res
}

// Walk visits the tree in pre-order, child order preserved. Returning false skips the subtree.
func (t *ExecutionTree) Walk(fn func(e *Execution) bool) {
	var walk func(e *Execution)
	walk = func(e *Execution) {
		if !fn(e) {
			return
		}
		for _, k := range e.Children {
			walk(t.MustGet(k))
		}
	}
	walk(t.Root())
}

// IsAncestor reports whether ancestor is a strict ancestor of e
func (t *ExecutionTree) IsAncestor(ancestor, e *Execution) bool {
	for p := t.Parent(e); p != nil; p = t.Parent(p) {
		if p.Key == ancestor.Key {
			return true
		}
	}
	return false
}

// ScopeExecution returns e when it is a scope, its closest scope ancestor otherwise
func (t *ExecutionTree) ScopeExecution(e *Execution) *Execution {
	for cur := e; cur != nil; cur = t.Parent(cur) {
		if cur.IsScope {
			return cur
		}
	}
	panic("[invariant check] execution tree has no scope root")
}

// ParentScopeExecution returns the closest scope strictly above e, nil for the root
func (t *ExecutionTree) ParentScopeExecution(e *Execution) *Execution {
	p := t.Parent(e)
	if p == nil {
		return nil
	}
	return t.ScopeExecution(p)
}

func (t *ExecutionTree) FindByActivityInstanceId(id string) *Execution {
	var found *Execution
	t.Walk(func(e *Execution) bool {
		if found == nil && e.ActivityInstanceId == id {
			found = e
		}
		return found == nil
	})
	return found
}

// FindByActivity returns the executions carrying an activity instance of activityId in tree order
func (t *ExecutionTree) FindByActivity(activityId string) []*Execution {
	var res []*Execution
	t.Walk(func(e *Execution) bool {
		if e.ActivityId == activityId && e.ActivityInstanceId != "" {
			res = append(res, e)
		}
		return true
	})
	return res
}

// FindTransitions returns the executions waiting before activityId in tree order
func (t *ExecutionTree) FindTransitions(activityId string) []*Execution {
	var res []*Execution
	t.Walk(func(e *Execution) bool {
		if e.ActivityId == activityId && e.IsTransition() {
			res = append(res, e)
		}
		return true
	})
	return res
}

// Leaves returns executions without children in tree order, the root is excluded
func (t *ExecutionTree) Leaves() []*Execution {
	var res []*Execution
	t.Walk(func(e *Execution) bool {
		if len(e.Children) == 0 && e.Key != t.RootKey {
			res = append(res, e)
		}
		return true
	})
	return res
}

func (t *ExecutionTree) Clone() *ExecutionTree {
	c := &ExecutionTree{
		RootKey:    t.RootKey,
		Executions: make(map[int64]*Execution, len(t.Executions)),
	}
	for k, e := range t.Executions {
		c.Executions[k] = e.clone()
	}
	return c
}

// PrepareBranch makes room for one more branch below scope and reports whether the new branch has to be
// concurrent. A single non-concurrent child becomes concurrent: a non-scope child is flagged, a scope child
// gets a concurrent group inserted above it.
func (t *ExecutionTree) PrepareBranch(scope *Execution, forceConcurrent bool, newKey func() int64) bool {
	children := t.ChildrenOf(scope)
	if len(children) == 0 {
		return forceConcurrent
	}
	if len(children) == 1 && !children[0].IsConcurrent {
		t.makeConcurrent(children[0], newKey)
	}
	return true
}

func (t *ExecutionTree) makeConcurrent(e *Execution, newKey func() int64) {
	if !e.IsScope {
		e.IsConcurrent = true
		return
	}
	parent := t.Parent(e)
	group := &Execution{
		Key:          newKey(),
		ParentKey:    parent.Key,
		Children:     []int64{e.Key},
		IsConcurrent: true,
		IsActive:     true,
	}
	t.Executions[group.Key] = group
	idx := slices.Index(parent.Children, e.Key)
	parent.Children[idx] = group.Key
	e.ParentKey = group.Key
}

// AttachActivity creates the execution for activityId below scope. Scope activities on a concurrent branch
// get a concurrent group above their scope execution.
func (t *ExecutionTree) AttachActivity(scope *Execution, activityId string, isScope, concurrent bool, newKey func() int64) *Execution {
	parent := scope
	if isScope && concurrent {
		parent = t.NewExecution(scope, newKey())
		parent.IsConcurrent = true
		concurrent = false
	}
	e := t.NewExecution(parent, newKey())
	e.ActivityId = activityId
	e.IsScope = isScope
	e.IsConcurrent = concurrent
	if isScope {
		e.Variables = map[string]any{}
	}
	return e
}

// Collapse undoes concurrency below scope when a single concurrent branch is left. Multi instance bodies
// keep their concurrent iterations.
func (t *ExecutionTree) Collapse(scope *Execution) {
	if scope.IsMultiInstanceBody() || len(scope.Children) != 1 {
		return
	}
	only := t.MustGet(scope.Children[0])
	if !only.IsConcurrent {
		return
	}
	if only.IsConcurrentGroup() {
		if len(only.Children) != 1 {
			return
		}
		inner := t.MustGet(only.Children[0])
		scope.Children[0] = inner.Key
		inner.ParentKey = scope.Key
		delete(t.Executions, only.Key)
		return
	}
	only.IsConcurrent = false
}

// BranchOf returns the execution that is the direct child of scope on the path to e
func (t *ExecutionTree) BranchOf(scope, e *Execution) *Execution {
	for cur := e; cur != nil; cur = t.Parent(cur) {
		if cur.ParentKey == scope.Key && cur.Key != t.RootKey {
			return cur
		}
	}
	return nil
}

// Replace swaps e (and its subtree) for a fresh non-scope execution at the same position. The replacement keeps
// the concurrency flag of e.
func (t *ExecutionTree) Replace(e *Execution, newKey int64) *Execution {
	if e.Key == t.RootKey {
		panic("[invariant check] the root execution cannot be replaced")
	}
	parent := t.MustGet(e.ParentKey)
	idx := slices.Index(parent.Children, e.Key)
	for _, sub := range t.Subtree(e) {
		delete(t.Executions, sub.Key)
	}
	r := &Execution{
		Key:          newKey,
		ParentKey:    parent.Key,
		IsConcurrent: e.IsConcurrent,
		IsActive:     true,
	}
	t.Executions[newKey] = r
	parent.Children[idx] = newKey
	return r
}
