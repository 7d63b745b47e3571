package exec

import (
	"context"
	"runtime"
	"sync"
)

// CooperativeMachine realizes §4.G's "Tokio tasks: one async task per vCPU,
// cooperative yield after each block" model the way idiomatic Go expresses
// cooperative scheduling: every vCPU runs on its own goroutine, but instead
// of looping freely it executes exactly one block then hands control back
// to the runtime scheduler via runtime.Gosched, so no single vCPU can
// monopolize an OS thread between yield points. This gives the same
// fairness property Tokio's task queue provides without needing a real
// async runtime.
type CooperativeMachine struct {
	vcpus  []*VCPU
	done   chan int
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewCooperativeMachine(vcpus []*VCPU) *CooperativeMachine {
	return &CooperativeMachine{
		vcpus: vcpus,
		done:  make(chan int, len(vcpus)),
	}
}

// Start launches one goroutine per vCPU. Each iteration runs a single Step
// then calls runtime.Gosched so no vCPU can run two blocks back-to-back
// without other goroutines getting a chance (§5 "suspension points: vCPU
// loop yield after each block").
func (m *CooperativeMachine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	for i, vc := range m.vcpus {
		m.wg.Add(1)
		go m.runTask(ctx, i, vc)
	}
}

func (m *CooperativeMachine) runTask(ctx context.Context, idx int, vc *VCPU) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			vc.Stop()
			m.done <- idx
			return
		default:
		}
		if !vc.Step() {
			m.done <- idx
			return
		}
		// Cooperative yield point: give the Go scheduler (and any other
		// goroutine blocked on this select) a chance to run before the
		// next block.
		runtime.Gosched()
	}
}

// Stop cancels every task's context; tasks observe it at their next
// iteration boundary (same per-block cancellation granularity as §5
// describes for the Threaded model).
func (m *CooperativeMachine) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *CooperativeMachine) Wait() { m.wg.Wait() }
