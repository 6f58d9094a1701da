package bpmn

import (
	"time"

	"github.com/senseyeio/duration"
)

// EngineConfig holds the process engine flags. The engine copies it at construction and every command reads
// the copy, nothing is looked up from globals while a command runs.
type EngineConfig struct {
	// SkipCustomListenersDefault applies to commands that do not set the flag themselves
	SkipCustomListenersDefault bool
	// SkipIoMappingsDefault applies to commands that do not set the flag themselves
	SkipIoMappingsDefault bool
	// EnsureJobDueDateSet gives every job a due date of now + JobDueDateOffset
	EnsureJobDueDateSet bool
	JobDueDateOffset    duration.Duration
	// ValidateTreeShape checks the execution tree before every commit
	ValidateTreeShape bool

	DefinitionCacheSize int
	DefinitionCacheTTL  time.Duration

	JsVmPoolMin int
	JsVmPoolMax int
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ValidateTreeShape:   true,
		DefinitionCacheSize: 200,
		DefinitionCacheTTL:  24 * time.Hour,
		JsVmPoolMin:         1,
		JsVmPoolMax:         10,
	}
}

// ParseJobDueDateOffset parses an ISO-8601 duration like "PT5M", an empty value means no offset
func ParseJobDueDateOffset(value string) (duration.Duration, error) {
	if value == "" {
		return duration.Duration{}, nil
	}
	return duration.ParseISO8601(value)
}

func (c EngineConfig) jobDueDate(now time.Time) time.Time {
	if !c.EnsureJobDueDateSet {
		return time.Time{}
	}
	return c.JobDueDateOffset.Shift(now)
}
