package runtime

import (
	"fmt"
	"maps"
	"strconv"
	"strings"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model/bpmn20"
)

// Execution is a token holding node of a process instance. Executions reference each other only by key,
// the owning ExecutionTree resolves them.
type Execution struct {
	Key       int64   `json:"k"`
	ParentKey int64   `json:"p,omitempty"`
	Children  []int64 `json:"ch,omitempty"`

	// ActivityId is the activity the execution currently is at (or waits before when no ActivityInstanceId is set)
	ActivityId         string `json:"a,omitempty"`
	ActivityInstanceId string `json:"ai,omitempty"`

	IsScope      bool `json:"s,omitempty"`
	IsConcurrent bool `json:"c,omitempty"`
	IsActive     bool `json:"ac,omitempty"`
	IsEnded      bool `json:"e,omitempty"`

	// SubProcessInstanceKey is set while a call activity waits for the called instance
	SubProcessInstanceKey int64 `json:"sp,omitempty"`

	Variables map[string]any `json:"v,omitempty"`
}

// ActivityInstanceIdFor builds the activity instance id of an execution entering activityId
func ActivityInstanceIdFor(activityId string, executionKey int64) string {
	return activityId + ":" + strconv.FormatInt(executionKey, 10)
}

// IsTransition reports whether the execution is an asynchronous continuation waiting before ActivityId
func (e *Execution) IsTransition() bool {
	return e.ActivityId != "" && e.ActivityInstanceId == "" && e.IsActive
}

// IsJoinWaiting reports whether the execution waits at a joining gateway for its siblings
func (e *Execution) IsJoinWaiting() bool {
	return e.ActivityId != "" && e.ActivityInstanceId == "" && !e.IsActive
}

// IsConcurrentGroup reports whether the execution is a bare concurrent placeholder wrapping one scope child
func (e *Execution) IsConcurrentGroup() bool {
	return e.IsConcurrent && !e.IsScope && e.ActivityId == ""
}

// IsMultiInstanceBody reports whether the execution runs a multi instance body activity
func (e *Execution) IsMultiInstanceBody() bool {
	return strings.HasSuffix(e.ActivityId, bpmn20.MultiInstanceBodySuffix)
}

func (e *Execution) clone() *Execution {
	c := *e
	c.Children = append([]int64(nil), e.Children...)
	if e.Variables != nil {
		c.Variables = maps.Clone(e.Variables)
	}
	return &c
}

func (e *Execution) String() string {
	var flags []string
	if e.IsScope {
		flags = append(flags, "scope")
	}
	if e.IsConcurrent {
		flags = append(flags, "concurrent")
	}
	if !e.IsActive {
		flags = append(flags, "inactive")
	}
	return fmt.Sprintf("%d[%s](%s)", e.Key, e.ActivityId, strings.Join(flags, ","))
}
