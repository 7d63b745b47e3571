// bench drives a small in-process VM through a fixed block count using the
// scheduling model chosen by -model, showing progress while it runs and
// printing final per-vCPU and code-cache statistics (no steps/sec figure).
// It exercises the vmservice surface end to end without any
// guest-ABI, device, or CLI machinery, which stay out of scope (§1).
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/uvm/internal/archx"
	"github.com/tinyrange/uvm/internal/ir"
	"github.com/tinyrange/uvm/internal/jit"
	"github.com/tinyrange/uvm/internal/mmu"
	"github.com/tinyrange/uvm/internal/vmservice"
)

// counterDecoder is a minimal stand-in for a real per-architecture decoder
// (out of scope per §1): it always emits one block that sets GPR[0] to 1
// and jumps to the next aligned PC, giving the scheduler and JIT real work
// to do without needing an actual guest image.
type counterDecoder struct{ stride uint64 }

func (d counterDecoder) Decode(m *mmu.MMU, pc archx.GuestAddr) (*ir.Block, error) {
	b := ir.NewBuilder(pc)
	one := b.NewVReg()
	b.Emit(ir.Op{Kind: ir.OpMove, Dst: one, Imm: 1})
	next := archx.GuestAddr(uint64(pc) + d.stride)
	return b.Finish(ir.Terminator{Kind: ir.TermJmp, Target: next}), nil
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	steps := fs.Int("n", 200000, "number of blocks to execute")
	vcpus := fs.Int("vcpus", 4, "number of vCPUs")
	model := fs.String("model", "threaded", "scheduling model: threaded|cooperative|gmp")
	withJIT := fs.Bool("jit", true, "enable the JIT pipeline")

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "parse args: %v\n", err)
		os.Exit(2)
	}

	sched := vmservice.SchedThreaded
	switch *model {
	case "cooperative":
		sched = vmservice.SchedCooperative
	case "gmp":
		sched = vmservice.SchedGMP
	}

	cfg := vmservice.Config{
		Arch:        archx.ArchNative,
		MemorySize:  16 << 20,
		PagingMode:  archx.PagingBare,
		NumVCPUs:    *vcpus,
		SchedModel:  sched,
		Decoder:     counterDecoder{stride: 4},
	}
	if *withJIT {
		cfg.JIT = &vmservice.JITConfig{
			Workers:           2,
			BaseHotThreshold:  50,
			BaseColdThreshold: 10,
			MinExecutions:     5,
			OptLevel:          jit.OptLevel2,
			L1Entries:         64,
			L2Entries:         256,
			L3Entries:         1024,
			L1PromoteAt:       100,
			L2PromoteAt:       20,
		}
	}

	svc, err := vmservice.Create(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create VM: %v\n", err)
		os.Exit(2)
	}

	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "run VM: %v\n", err)
		os.Exit(1)
	}

	pb := progressbar.Default(int64(*steps))
	defer pb.Close()

	target := uint64(*steps)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(30 * time.Second)

	var lastTotal uint64
	for lastTotal < target {
		select {
		case <-ticker.C:
			var total uint64
			for _, v := range svc.GetStats().VCPU {
				total += v.Steps
			}
			if total > target {
				total = target
			}
			if total > lastTotal {
				pb.Add(int(total - lastTotal))
				lastTotal = total
			}
		case <-deadline:
			lastTotal = target
		}
	}

	svc.Stop()

	stats := svc.GetStats()
	for _, v := range stats.VCPU {
		fmt.Printf("vcpu %d: steps=%d interpreted=%d jit=%d faults=%d compiles=%d\n",
			v.ID, v.Steps, v.Interpreted, v.JitExecuted, v.Faults, v.CompileSubmits)
	}
	if stats.Cache != nil {
		fmt.Printf("code cache: hits=%d misses=%d insertions=%d promotions=%d evictions=%d\n",
			stats.Cache.Hits, stats.Cache.Misses, stats.Cache.Insertions, stats.Cache.Promotions, stats.Cache.Evictions)
	}

	os.Exit(vmservice.ExitCode(stats))
}
