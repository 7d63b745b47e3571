// Package vmservice is the exported surface (§6) wrapping the VM core:
// create/run/pause/resume/stop/get_stats plus the two pluggable
// collaborator registrations. Guest-ABI syscalls, device/MMIO models, the
// CLI front-end, config-file parsing, and persistence are out of scope and
// live outside this package (§1 Non-goals); this package only implements
// the contracts §6 specifies for them.
package vmservice

import (
	"context"
	"sync"

	"github.com/tinyrange/uvm/internal/archx"
	"github.com/tinyrange/uvm/internal/codecache"
	"github.com/tinyrange/uvm/internal/exec"
	"github.com/tinyrange/uvm/internal/jit"
	"github.com/tinyrange/uvm/internal/mmu"
	"github.com/tinyrange/uvm/internal/vmerr"
)

// SchedModel selects which of §4.G's three multi-vCPU execution models
// run() uses.
type SchedModel int

const (
	SchedThreaded SchedModel = iota
	SchedCooperative
	SchedGMP
)

// JITConfig turns on per-vCPU JIT compilation. A nil *JITConfig in Config
// means every vCPU interprets only.
type JITConfig struct {
	Workers           int
	BaseHotThreshold  uint64
	BaseColdThreshold uint64
	MinExecutions     uint64
	OptLevel          jit.OptLevel
	L1Entries         int
	L2Entries         int
	L3Entries         int
	L1PromoteAt       uint64
	L2PromoteAt       uint64
}

// Config is what create(config) accepts (§6 "Initial state" plus the
// guest arch selector and scheduling model).
type Config struct {
	Arch archx.Arch

	MemoryImage []byte
	MemorySize  uint64
	EntryPC     archx.GuestAddr

	PagingMode  archx.PagingMode
	InitialBase uint64
	InitialASID uint16
	StrictAlign bool

	TLBVariant  mmu.TLBVariant
	TLBCapacity int

	NumVCPUs   int
	SchedModel SchedModel
	JIT        *JITConfig

	// Decoder is the external collaborator that lifts guest bytes to IR
	// (§6 "External collaborator contracts consumed"). Per-architecture
	// decoding is out of scope for this package; callers supply one
	// matching Arch.
	Decoder exec.Decoder
}

func (c Config) validate() error {
	if !c.Arch.Valid() {
		return &vmerr.InvalidConfig{Field: "arch", Message: "unsupported guest architecture"}
	}
	if c.Decoder == nil {
		return &vmerr.InvalidConfig{Field: "decoder", Message: "a decoder collaborator is required"}
	}
	if c.NumVCPUs <= 0 {
		return &vmerr.InvalidConfig{Field: "num_vcpus", Message: "must be positive"}
	}
	if c.MemorySize == 0 && len(c.MemoryImage) == 0 {
		return &vmerr.InvalidConfig{Field: "memory", Message: "either memory_size or memory_image must be set"}
	}
	return nil
}

// multiVCPUMachine is the subset of the three scheduling models VmService
// drives uniformly.
type multiVCPUMachine interface {
	Stop()
}

// VmService is the exported handle over one VM instance (§6 "Exported
// surface").
type VmService struct {
	mu sync.Mutex

	cfg   Config
	vcpus []*exec.VCPU
	cache *codecache.Cache
	queue *jit.CompileQueue

	machine multiVCPUMachine
	running bool
	stopped bool
}

// Create validates cfg and assembles one MMU/Decoder/JIT pipeline per
// vCPU, wiring them into the scheduling model cfg.SchedModel selects, but
// does not start execution (§6 "create(config)").
func Create(cfg Config) (*VmService, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &VmService{cfg: cfg}

	if cfg.JIT != nil {
		s.cache = codecache.New(cfg.JIT.L1Entries, cfg.JIT.L2Entries, cfg.JIT.L3Entries, cfg.JIT.L1PromoteAt, cfg.JIT.L2PromoteAt)
	}

	for i := 0; i < cfg.NumVCPUs; i++ {
		mcfg := mmu.Config{
			MemorySize:  cfg.MemorySize,
			Mode:        cfg.PagingMode,
			Base:        cfg.InitialBase,
			ASID:        cfg.InitialASID,
			StrictAlign: cfg.StrictAlign,
			TLBVariant:  cfg.TLBVariant,
			TLBCapacity: cfg.TLBCapacity,
			PTCacheSize: 256,
		}
		var m *mmu.MMU
		if len(cfg.MemoryImage) > 0 {
			m = mmu.NewFromImage(mcfg, cfg.MemoryImage)
		} else {
			m = mmu.New(mcfg)
		}

		vc := exec.NewVCPU(i, cfg.Arch, m, cfg.Decoder)
		vc.Regs.PC = cfg.EntryPC

		if cfg.JIT != nil {
			compiler := jit.NewCompiler(cfg.Arch)
			if s.queue == nil {
				s.queue = jit.NewCompileQueue(compiler, cfg.JIT.Workers)
			}
			detector := jit.NewHotspotDetector(cfg.JIT.BaseHotThreshold, cfg.JIT.BaseColdThreshold, cfg.JIT.MinExecutions)
			vc.JIT = exec.NewJITPipeline(detector, s.queue, cfg.JIT.OptLevel)
			vc.Cache = s.cache
		}

		s.vcpus = append(s.vcpus, vc)
	}

	return s, nil
}

// Run starts every vCPU under the configured scheduling model (§6
// "run()"). It does not block; callers poll GetStats or call Stop.
func (s *VmService) Run() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return &vmerr.InvalidConfig{Field: "state", Message: "VM is already running"}
	}
	switch s.cfg.SchedModel {
	case SchedCooperative:
		m := exec.NewCooperativeMachine(s.vcpus)
		m.Start(context.Background())
		s.machine = m
	case SchedGMP:
		m := exec.NewGMPScheduler(s.vcpus, len(s.vcpus))
		m.Start()
		s.machine = m
	default:
		m := exec.NewThreadedMachine(s.vcpus)
		m.Start()
		s.machine = m
	}
	s.running = true
	return nil
}

// Pause suspends every vCPU at its next block boundary (§6 "pause()").
func (s *VmService) Pause() {
	for _, vc := range s.vcpus {
		vc.Pause()
	}
}

// Resume clears every vCPU's pause flag (§6 "resume()").
func (s *VmService) Resume() {
	for _, vc := range s.vcpus {
		vc.Resume()
	}
}

// Stop requests every vCPU stop and joins the scheduling model. Idempotent
// per §7's user-visible-behavior requirement.
func (s *VmService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if s.machine != nil {
		s.machine.Stop()
	}
	if s.queue != nil {
		s.queue.Close()
	}
	s.running = false
}

// Stats is the get_stats() snapshot: per-vCPU counters plus the shared code
// cache's, if JIT is enabled.
type Stats struct {
	VCPU  []VCPUStat
	Cache *codecache.StatsSnapshot
}

type VCPUStat struct {
	ID             int
	PC             archx.GuestAddr
	Steps          uint64
	Interpreted    uint64
	JitExecuted    uint64
	Faults         uint64
	CompileSubmits uint64
	Stopped        bool
}

// GetStats always reflects the last successful state (§7 user-visible
// behavior): it never blocks on a running vCPU and never errors.
func (s *VmService) GetStats() Stats {
	out := Stats{}
	for _, vc := range s.vcpus {
		out.VCPU = append(out.VCPU, VCPUStat{
			ID:             vc.ID,
			PC:             vc.Regs.PC,
			Steps:          vc.Stats.Steps.Load(),
			Interpreted:    vc.Stats.Interpreted.Load(),
			JitExecuted:    vc.Stats.JitExecuted.Load(),
			Faults:         vc.Stats.Faults.Load(),
			CompileSubmits: vc.Stats.CompileSubmits.Load(),
			Stopped:        vc.Stopped(),
		})
	}
	if s.cache != nil {
		snap := s.cache.Stats()
		out.Cache = &snap
	}
	return out
}

// RegisterTrapHandler installs h on every vCPU (§6 "register_trap_handler").
func (s *VmService) RegisterTrapHandler(h exec.TrapHandler) {
	for _, vc := range s.vcpus {
		vc.Trap = h
	}
}

// RegisterIRQPolicy installs p on every vCPU (§6 "register_irq_policy").
func (s *VmService) RegisterIRQPolicy(p exec.IRQPolicy) {
	for _, vc := range s.vcpus {
		vc.IRQ = p
	}
}

// ExitCode maps a finished run's state to the out-of-scope CLI's exit-code
// convention (§6): 0 normal, 1 if any vCPU stopped on an unhandled fault.
// Configuration errors surface earlier, from Create, so this never needs a
// distinct code for them. This package never calls os.Exit itself; the CLI
// front-end is out of scope.
func ExitCode(stats Stats) int {
	for _, v := range stats.VCPU {
		if v.Faults > 0 && v.Stopped {
			return 1
		}
	}
	return 0
}
