package script

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type Runner interface {
	Runner()
}

type RunnerFactory interface {
	NewRunner() Runner
}

// RunnerPool hands out runners that are expensive to create (VMs). At most maxSize runners exist at once,
// idle runners above minSize are dropped by a periodic cleanup.
type RunnerPool struct {
	pool          chan Runner
	runnerFactory RunnerFactory
	mu            sync.Mutex
	active        int
	maxSize       int
	minSize       int
}

const poolCleanupInterval = 10 * time.Minute

func NewRunnerPool(ctx context.Context, runnerFactory RunnerFactory, minSize int, maxSize int) *RunnerPool {
	if maxSize < 1 || maxSize < minSize {
		panic(fmt.Sprintf("invalid runner pool bounds min=%d max=%d", minSize, maxSize))
	}
	p := &RunnerPool{
		pool:          make(chan Runner, maxSize),
		runnerFactory: runnerFactory,
		maxSize:       maxSize,
		minSize:       minSize,
	}
	for range minSize {
		p.pool <- runnerFactory.NewRunner()
		p.active++
	}
	go func() {
		ticker := time.NewTicker(poolCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.shrink()
			case <-ctx.Done():
				return
			}
		}
	}()
	return p
}

// shrink drops idle runners down to minSize
func (p *RunnerPool) shrink() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.active > p.minSize {
		select {
		case <-p.pool:
			p.active--
		default:
			return
		}
	}
}

// Get blocks until a runner is available when maxSize runners are in use
func (p *RunnerPool) Get() Runner {
	select {
	case runner := <-p.pool:
		return runner
	default:
	}
	p.mu.Lock()
	if p.active < p.maxSize {
		p.active++
		p.mu.Unlock()
		return p.runnerFactory.NewRunner()
	}
	p.mu.Unlock()
	return <-p.pool
}

func (p *RunnerPool) Put(runner Runner) {
	select {
	case p.pool <- runner:
	default:
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}
}

// Active returns the number of runners currently created
func (p *RunnerPool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}
