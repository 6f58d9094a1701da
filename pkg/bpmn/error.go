// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"errors"
	"fmt"
	"strings"
)

type BpmnEngineError struct {
	Msg string
}

func (e *BpmnEngineError) Error() string {
	return e.Msg
}

// newEngineErrorf uses fmt.Sprintf(format, a...) to format the message
func newEngineErrorf(format string, a ...interface{}) error {
	return &BpmnEngineError{
		Msg: fmt.Sprintf(format, a...),
	}
}

type BpmnEngineUnmarshallingError struct {
	Msg string
	Err error
}

func (e *BpmnEngineUnmarshallingError) Error() string {
	if len(e.Msg) > 0 {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *BpmnEngineUnmarshallingError) Unwrap() error {
	return e.Err
}

type ExpressionEvaluationError struct {
	Msg string
	Err error
}

func (e *ExpressionEvaluationError) Error() string {
	if e.Err != nil {
		return e.Msg + "\nerror: " + e.Err.Error()
	}
	return e.Msg
}

func (e *ExpressionEvaluationError) Unwrap() error {
	return e.Err
}

// ErrorKind classifies why a modification could not be applied
type ErrorKind int

const (
	// ValidationError means the instructions do not fit the process or the current tree
	ValidationError ErrorKind = iota
	// StateError means the process instance is not in a state that can be modified
	StateError
	// ListenerError means user code (listener, mapping, script) failed
	ListenerError
)

func (k ErrorKind) String() string {
	switch k {
	case StateError:
		return "state"
	case ListenerError:
		return "listener"
	}
	return "validation"
}

// ModificationError is returned for any instruction that failed. Instruction holds the human readable
// description of the failed instruction, it is empty for failures that are not bound to one instruction.
type ModificationError struct {
	Kind        ErrorKind
	Instruction string
	Msg         string
	Err         error
}

func (e *ModificationError) Error() string {
	var sb strings.Builder
	if e.Instruction != "" {
		sb.WriteString("Cannot perform instruction: ")
		sb.WriteString(e.Instruction)
		sb.WriteString("; ")
	}
	sb.WriteString(e.Msg)
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *ModificationError) Unwrap() error {
	return e.Err
}

func newValidationError(format string, a ...any) *ModificationError {
	return &ModificationError{Kind: ValidationError, Msg: fmt.Sprintf(format, a...)}
}

func newStateError(format string, a ...any) *ModificationError {
	return &ModificationError{Kind: StateError, Msg: fmt.Sprintf(format, a...)}
}

// IsRetryable reports whether repeating the same command may succeed. Validation and state errors are
// permanent, listener failures and infrastructure errors are retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var modErr *ModificationError
	if errors.As(err, &modErr) {
		return modErr.Kind == ListenerError
	}
	var planErr *MigrationPlanValidationError
	if errors.As(err, &planErr) {
		return false
	}
	var instanceErr *MigrationInstanceValidationError
	if errors.As(err, &instanceErr) {
		return false
	}
	var engineErr *BpmnEngineError
	return !errors.As(err, &engineErr)
}

// MigrationPlanValidationError lists every instruction of a migration plan that is invalid
type MigrationPlanValidationError struct {
	Failures []MigrationInstructionFailure
}

type MigrationInstructionFailure struct {
	Instruction MigrationInstruction
	Failures    []string
}

func (e *MigrationPlanValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString("Migration plan is not valid:")
	for _, f := range e.Failures {
		fmt.Fprintf(&sb, "\n  %s -> %s: %s", f.Instruction.SourceActivityId, f.Instruction.TargetActivityId, strings.Join(f.Failures, ", "))
	}
	return sb.String()
}

// MigrationInstanceValidationError lists the activity and transition instances that cannot be migrated
type MigrationInstanceValidationError struct {
	ProcessInstanceKey int64
	Failures           []MigrationInstanceFailure
}

type MigrationInstanceFailure struct {
	InstanceId string
	ActivityId string
	Failures   []string
}

func (e *MigrationInstanceValidationError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Process instance %d cannot be migrated:", e.ProcessInstanceKey)
	for _, f := range e.Failures {
		fmt.Fprintf(&sb, "\n  %s (%s): %s", f.InstanceId, f.ActivityId, strings.Join(f.Failures, ", "))
	}
	return sb.String()
}
