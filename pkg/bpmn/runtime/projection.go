package runtime

import (
	"strconv"
	"strings"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model/bpmn20"
)

// ActivityInstance is the logical view of one scope of a running process instance
type ActivityInstance struct {
	Id                       string                `json:"id"`
	ActivityId               string                `json:"activityId"`
	ActivityName             string                `json:"activityName,omitempty"`
	ActivityType             bpmn20.ElementType    `json:"activityType"`
	ParentActivityInstanceId string                `json:"parentActivityInstanceId,omitempty"`
	ExecutionKey             int64                 `json:"executionKey"`
	ChildActivityInstances   []*ActivityInstance   `json:"childActivityInstances,omitempty"`
	ChildTransitionInstances []*TransitionInstance `json:"childTransitionInstances,omitempty"`
}

// TransitionInstance is a token that has left one activity but not yet entered ActivityId
type TransitionInstance struct {
	Id                       string             `json:"id"`
	ActivityId               string             `json:"activityId"`
	ActivityType             bpmn20.ElementType `json:"activityType"`
	ParentActivityInstanceId string             `json:"parentActivityInstanceId"`
	ExecutionKey             int64              `json:"executionKey"`
}

// Project derives the activity instance tree. Concurrent groups and join-waiting executions are flattened,
// multi instance bodies show up as their own node. The result does not share memory with the tree.
func Project(t *ExecutionTree, graph *bpmn20.ProcessGraph) *ActivityInstance {
	root := t.Root()
	node := &ActivityInstance{
		Id:           root.ActivityInstanceId,
		ActivityType: bpmn20.ElementTypeProcess,
		ExecutionKey: root.Key,
	}
	if graph != nil {
		node.ActivityId = graph.Root.Id
		node.ActivityName = graph.Root.Name
	}
	projectChildren(t, graph, root, node)
	return node
}

func projectChildren(t *ExecutionTree, graph *bpmn20.ProcessGraph, e *Execution, parent *ActivityInstance) {
	for _, child := range t.ChildrenOf(e) {
		switch {
		case child.ActivityInstanceId != "":
			node := &ActivityInstance{
				Id:                       child.ActivityInstanceId,
				ActivityId:               child.ActivityId,
				ParentActivityInstanceId: parent.Id,
				ExecutionKey:             child.Key,
			}
			if act, ok := lookup(graph, child.ActivityId); ok {
				node.ActivityName = act.Name
				node.ActivityType = act.Type
			}
			parent.ChildActivityInstances = append(parent.ChildActivityInstances, node)
			projectChildren(t, graph, child, node)
		case child.IsTransition():
			tr := &TransitionInstance{
				Id:                       strconv.FormatInt(child.Key, 10),
				ActivityId:               child.ActivityId,
				ParentActivityInstanceId: parent.Id,
				ExecutionKey:             child.Key,
			}
			if act, ok := lookup(graph, child.ActivityId); ok {
				tr.ActivityType = act.Type
			}
			parent.ChildTransitionInstances = append(parent.ChildTransitionInstances, tr)
		default:
			projectChildren(t, graph, child, parent)
		}
	}
}

func lookup(graph *bpmn20.ProcessGraph, activityId string) (*bpmn20.Activity, bool) {
	if graph == nil {
		return nil, false
	}
	return graph.Activity(activityId)
}

// GetActivityInstances returns all nodes (at any depth) for activityId
func (ai *ActivityInstance) GetActivityInstances(activityId string) []*ActivityInstance {
	var res []*ActivityInstance
	for _, child := range ai.ChildActivityInstances {
		if child.ActivityId == activityId {
			res = append(res, child)
		}
		res = append(res, child.GetActivityInstances(activityId)...)
	}
	return res
}

// GetTransitionInstances returns all transition instances (at any depth) for activityId
func (ai *ActivityInstance) GetTransitionInstances(activityId string) []*TransitionInstance {
	var res []*TransitionInstance
	for _, tr := range ai.ChildTransitionInstances {
		if tr.ActivityId == activityId {
			res = append(res, tr)
		}
	}
	for _, child := range ai.ChildActivityInstances {
		res = append(res, child.GetTransitionInstances(activityId)...)
	}
	return res
}

// ActivityIds lists the activity ids of the leaves in tree order, transition instances are included
func (ai *ActivityInstance) ActivityIds() []string {
	var res []string
	for _, child := range ai.ChildActivityInstances {
		if len(child.ChildActivityInstances) == 0 && len(child.ChildTransitionInstances) == 0 {
			res = append(res, child.ActivityId)
			continue
		}
		res = append(res, child.ActivityIds()...)
	}
	for _, tr := range ai.ChildTransitionInstances {
		res = append(res, tr.ActivityId)
	}
	return res
}

// Describe renders the structure without ids, one node per line, indented by depth
func (ai *ActivityInstance) Describe() string {
	var sb strings.Builder
	ai.describe(&sb, 0)
	return sb.String()
}

func (ai *ActivityInstance) describe(sb *strings.Builder, depth int) {
	sb.WriteString(strings.Repeat("  ", depth))
	sb.WriteString(ai.ActivityId)
	sb.WriteString("\n")
	for _, child := range ai.ChildActivityInstances {
		child.describe(sb, depth+1)
	}
	for _, tr := range ai.ChildTransitionInstances {
		sb.WriteString(strings.Repeat("  ", depth+1))
		sb.WriteString("transition to ")
		sb.WriteString(tr.ActivityId)
		sb.WriteString("\n")
	}
}
