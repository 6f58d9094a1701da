// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"sync"
)

type RunningInstance struct {
	mu      sync.Mutex
	waiters int
}

// RunningInstancesCache hands out one mutex per root process instance key. Call activity children are locked
// through their root so a whole call hierarchy has a single writer.
type RunningInstancesCache struct {
	processInstances map[int64]*RunningInstance
	mu               sync.Mutex
}

func NewRunningInstancesCache() *RunningInstancesCache {
	return &RunningInstancesCache{
		processInstances: map[int64]*RunningInstance{},
	}
}

func (c *RunningInstancesCache) lockInstance(rootKey int64) {
	c.mu.Lock()
	ins, ok := c.processInstances[rootKey]
	if !ok {
		ins = &RunningInstance{}
		c.processInstances[rootKey] = ins
	}
	ins.waiters++
	c.mu.Unlock()
	ins.mu.Lock()
}

func (c *RunningInstancesCache) unlockInstance(rootKey int64) {
	c.mu.Lock()
	ins, ok := c.processInstances[rootKey]
	if !ok {
		c.mu.Unlock()
		panic("[invariant check] unlocking a process instance that is not locked")
	}
	ins.waiters--
	if ins.waiters == 0 {
		delete(c.processInstances, rootKey)
	}
	c.mu.Unlock()
	ins.mu.Unlock()
}

func (c *RunningInstancesCache) locked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.processInstances)
}
