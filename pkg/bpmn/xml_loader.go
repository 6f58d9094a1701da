package bpmn

import (
	"context"
	"crypto/md5"
	"encoding/xml"
	"errors"
	"fmt"
	"os"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model/bpmn20"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
)

// LoadFromFile loads a given BPMN file by filename into the engine
// and returns the deployed process definition
func (engine *Engine) LoadFromFile(filename string) (*runtime.ProcessDefinition, error) {
	xmlData, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load from file: %w", err)
	}
	return engine.load(xmlData, filename, engine.generateKey())
}

// LoadFromBytes loads a given BPMN file by xmlData byte array into the engine
// and returns the deployed process definition
func (engine *Engine) LoadFromBytes(xmlData []byte, key int64) (*runtime.ProcessDefinition, error) {
	def, err := engine.load(xmlData, "", key)
	if err != nil {
		return nil, fmt.Errorf("failed to load from bytes: %w", err)
	}
	return def, nil
}

func (engine *Engine) load(xmlData []byte, resourceName string, key int64) (*runtime.ProcessDefinition, error) {
	ctx := context.TODO()
	md5sum := md5.Sum(xmlData)
	var definitions bpmn20.TDefinitions
	err := xml.Unmarshal(xmlData, &definitions)
	if err != nil {
		return nil, &BpmnEngineUnmarshallingError{Msg: "failed to unmarshal xml data", Err: err}
	}
	graph, err := bpmn20.BuildProcessGraph(&definitions)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("process %s is not valid", definitions.Process.Id), err)
	}

	processInfo := runtime.ProcessDefinition{
		Version:          1,
		BpmnProcessId:    definitions.Process.Id,
		Key:              key,
		Definitions:      definitions,
		BpmnData:         string(xmlData),
		BpmnResourceName: resourceName,
		BpmnChecksum:     md5sum,
	}
	processes, err := engine.FindProcessesById(ctx, definitions.Process.Id)
	if err != nil {
		return nil, fmt.Errorf("failed to load processes by id %s: %w", definitions.Process.Id, err)
	}
	if len(processes) > 0 {
		latestIndex := len(processes) - 1
		if processes[latestIndex].BpmnChecksum == md5sum {
			return &processes[latestIndex], nil
		}
		processInfo.Version = processes[latestIndex].Version + 1
	}
	err = engine.persistence.SaveProcessDefinition(ctx, processInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to save process definition: %w", err)
	}
	engine.graphs.Add(processInfo.Key, graph)
	engine.logger.Debug("process definition deployed", "processId", processInfo.BpmnProcessId, "key", processInfo.Key, "version", processInfo.Version)
	return &processInfo, nil
}
