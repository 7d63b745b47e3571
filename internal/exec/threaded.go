package exec

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ThreadedMachine runs one goroutine per vCPU to completion, joined on
// shutdown — the Go analogue of §4.G's "Threaded: 1 OS thread per vCPU"
// model. Each goroutine calls VCPU.Run uninterrupted except for the
// run/pause flags it already checks at block boundaries. Goroutine
// lifecycle is managed by an errgroup so a vCPU that returns an error
// (an unrecovered fault) is visible to Wait instead of being silently
// swallowed the way a bare sync.WaitGroup would swallow it.
type ThreadedMachine struct {
	vcpus []*VCPU
	g     *errgroup.Group
}

func NewThreadedMachine(vcpus []*VCPU) *ThreadedMachine {
	return &ThreadedMachine{vcpus: vcpus}
}

// Start launches every vCPU's loop on its own goroutine.
func (m *ThreadedMachine) Start() {
	g, _ := errgroup.WithContext(context.Background())
	m.g = g
	for _, vc := range m.vcpus {
		vc := vc
		m.g.Go(func() error {
			vc.Run()
			if n := vc.Stats.Faults.Load(); n != 0 && vc.Stopped() {
				return fmt.Errorf("vcpu %d: stopped after %d fault(s)", vc.ID, n)
			}
			return nil
		})
	}
}

// Stop signals every vCPU to stop at its next block boundary and blocks
// until all have exited (§5 "Cancellation": checked at block boundaries,
// no forcible mid-block interruption).
func (m *ThreadedMachine) Stop() {
	for _, vc := range m.vcpus {
		vc.Stop()
	}
	m.g.Wait()
}

// Wait blocks until every vCPU goroutine has returned on its own (e.g. via
// Halt or an unrecovered fault), without requesting a stop. It reports the
// first non-nil per-vCPU error the errgroup observed, if any.
func (m *ThreadedMachine) Wait() error {
	if m.g == nil {
		return nil
	}
	return m.g.Wait()
}
