// Package batch applies modification, restart and migration commands to many process instances. Each instance is
// one unit: units run on a bounded worker pool, retry transient failures and raise an incident when they give up.
package batch

import (
	"context"
	"time"

	"github.com/pbinitiative/zenflow/pkg/bpmn"
	"github.com/pbinitiative/zenflow/pkg/storage"
)

type Type string

const (
	TypeModification Type = "modification"
	TypeRestart      Type = "restart"
	TypeMigration    Type = "migration"
)

// IncidentTypeFailedBatchUnit marks incidents raised for units that failed after all retries
const IncidentTypeFailedBatchUnit = "failedBatchUnit"

// Engine is the part of the process engine the runner drives
type Engine interface {
	Storage() storage.Storage
	ExecuteModification(ctx context.Context, cmd bpmn.ModificationCommand) error
	RestartInstanceKeys(ctx context.Context, cmd bpmn.RestartCommand) ([]int64, error)
	RestartProcessInstance(ctx context.Context, cmd bpmn.RestartCommand, processInstanceKey int64) (int64, error)
	MigrateProcessInstance(ctx context.Context, plan bpmn.MigrationPlan, processInstanceKey int64) error
}

type Config struct {
	Workers    int
	MaxRetries int
	// InitialInterval and MaxInterval bound the exponential backoff between retries of one unit
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// ReportTTL is how long finished reports stay readable
	ReportTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:         4,
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		ReportTTL:       time.Hour,
	}
}

// ModificationBatch applies the same instructions to every selected instance
type ModificationBatch struct {
	Instructions        []bpmn.Instruction
	ProcessInstanceKeys []int64
	Query               *storage.ProcessInstanceFilter
	SkipCustomListeners bool
	SkipIoMappings      bool
	Annotation          string
}

// MigrationBatch migrates every selected instance with the plan. A query without a definition key selects
// instances of the plan's source definition.
type MigrationBatch struct {
	Plan                bpmn.MigrationPlan
	ProcessInstanceKeys []int64
	Query               *storage.ProcessInstanceFilter
}

// Report is the outcome of one batch
type Report struct {
	BatchId   string
	Type      Type
	Total     int
	Succeeded int
	Failed    int
	// Failures holds the last error of every failed unit by process instance key
	Failures     map[int64]error
	IncidentKeys []int64
	// Created maps restarted instance keys to the keys of the instances started for them
	Created   map[int64]int64
	StartedAt time.Time
	EndedAt   time.Time
	// Err combines all unit failures in key order
	Err error
}
