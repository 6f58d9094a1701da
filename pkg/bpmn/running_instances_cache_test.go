// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunningInstancesCacheSerializesWriters(t *testing.T) {
	cache := NewRunningInstancesCache()
	counter := 0

	// when
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cache.lockInstance(1)
			defer cache.unlockInstance(1)
			counter++
		}()
	}
	wg.Wait()

	// then
	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, cache.locked())
}

func TestRunningInstancesCacheKeepsEntryWhileWaited(t *testing.T) {
	cache := NewRunningInstancesCache()

	// given
	cache.lockInstance(1)
	cache.lockInstance(2)
	assert.Equal(t, 2, cache.locked())

	// when
	cache.unlockInstance(2)

	// then
	assert.Equal(t, 1, cache.locked())
	cache.unlockInstance(1)
	assert.Equal(t, 0, cache.locked())
}

func TestUnlockingUnknownInstancePanics(t *testing.T) {
	cache := NewRunningInstancesCache()

	assert.Panics(t, func() { cache.unlockInstance(1) })
}
