package exec

import (
	"context"
	"testing"
	"time"
)

func TestCooperativeMachineRunsEachVCPUToHalt(t *testing.T) {
	vcpus := newThreadedVCPUs(t, 3, selfJumpDecoder{})
	for _, vc := range vcpus {
		vc.MaxSteps = 1000
	}
	m := NewCooperativeMachine(vcpus)
	m.Start(context.Background())

	done := make(chan struct{})
	go func() {
		m.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cooperative machine never finished self-halting vcpus")
	}

	for _, vc := range vcpus {
		if !vc.Stopped() {
			t.Fatalf("vcpu %d did not stop", vc.ID)
		}
	}
}

func TestCooperativeMachineStopCancelsRunningVCPUs(t *testing.T) {
	vcpus := newThreadedVCPUs(t, 3, loopDecoder{pc: 0x1000})
	m := NewCooperativeMachine(vcpus)
	m.Start(context.Background())

	time.Sleep(5 * time.Millisecond)
	m.Stop()

	for _, vc := range vcpus {
		if vc.Running() {
			t.Fatalf("vcpu %d still reports Running after Stop", vc.ID)
		}
	}
}
